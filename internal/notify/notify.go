// Package notify delivers advisory status strings ("reconnecting",
// "changes will sync when you reconnect") to whoever renders them.
// Nothing in the engine depends on a notification being seen.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/edu-sync/internal/models"
)

// Advisory messages.
const (
	MsgOffline            = "offline: changes will sync when you reconnect"
	MsgReconnecting       = "reconnecting"
	MsgBackOnline         = "back online"
	MsgStorageUnavailable = "local storage unavailable: changes will not survive a restart"
	MsgSignIn             = "sign in again to sync"
)

// Sink receives advisories. Implementations must not block.
type Sink interface {
	Notify(domain models.Domain, message string)
}

// Func adapts a function to Sink.
type Func func(domain models.Domain, message string)

func (f Func) Notify(domain models.Domain, message string) {
	f(domain, message)
}

// Discard drops every advisory.
var Discard Sink = Func(func(models.Domain, string) {})

// Log writes advisories through slog at info level.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a sink writing to logger.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(domain models.Domain, message string) {
	l.logger.Info("advisory",
		slog.String("domain", string(domain)),
		slog.String("message", message),
	)
}

// Multi fans advisories out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return Func(func(domain models.Domain, message string) {
		for _, s := range sinks {
			s.Notify(domain, message)
		}
	})
}

// Advisory is one delivered message.
type Advisory struct {
	Domain  models.Domain `json:"domain,omitempty"`
	Message string        `json:"message"`
	At      time.Time     `json:"at"`
}

// Recent keeps the last few advisories for status displays.
type Recent struct {
	size int
	now  func() time.Time

	mu    sync.Mutex
	items []Advisory
}

// NewRecent returns a buffer holding at most size advisories.
func NewRecent(size int) *Recent {
	if size <= 0 {
		size = 1
	}

	return &Recent{size: size, now: time.Now}
}

func (r *Recent) Notify(domain models.Domain, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, Advisory{Domain: domain, Message: message, At: r.now()})
	if over := len(r.items) - r.size; over > 0 {
		r.items = append(r.items[:0:0], r.items[over:]...)
	}
}

// List returns the buffered advisories, oldest first.
func (r *Recent) List() []Advisory {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Advisory, len(r.items))
	copy(out, r.items)

	return out
}
