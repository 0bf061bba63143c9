// Package realtime maintains the push subscription for one domain: a
// WebSocket session with a subscribe handshake, change frames, and a
// bounded reconnect loop with capped exponential backoff.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alexjbarnes/edu-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 30 * time.Second
	handshakeTimeout  = 10 * time.Second
	writeTimeout      = 5 * time.Second
	jitterDivisor     = 2
	backoffMultiplier = 2
	readLimit         = 4 * 1024 * 1024
)

// ErrRejected is returned when the server refuses the subscription. The
// channel does not retry a rejected subscription.
var ErrRejected = errors.New("subscription rejected")

// Conn is the subset of *websocket.Conn the channel uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a new transport.
type DialFunc func(ctx context.Context) (Conn, error)

// Config holds one channel's parameters and callbacks. Callbacks run on
// the channel goroutine and must not call Stop.
type Config struct {
	Domain models.Domain
	UserID string
	Token  string
	Dial   DialFunc
	Logger *slog.Logger

	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts bounds consecutive failed connection attempts. Zero
	// means retry forever.
	MaxAttempts int

	// Jitter returns extra delay added to a backoff of d. Defaults to a
	// uniform value in [0, d/2).
	Jitter func(d time.Duration) time.Duration
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error

	OnRecord      func(models.Record)
	OnStatus      func(models.SubscriptionStatus)
	OnReconnected func()
	// OnGiveUp fires when the loop stops on its own: attempts exhausted
	// or the subscription was rejected.
	OnGiveUp func(err error)
}

// Channel is a restartable push subscription.
type Channel struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	status models.SubscriptionStatus
	cancel context.CancelFunc
	done   chan struct{}
}

type envelope struct {
	Op      string `json:"op"`
	Domain  string `json:"domain,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// New returns a stopped channel.
func New(cfg Config) *Channel {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}

	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(defaultMaxDelay, cfg.BaseDelay)
	}

	if cfg.Jitter == nil {
		cfg.Jitter = defaultJitter
	}

	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Channel{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("domain", string(cfg.Domain))),
		status: models.SubscriptionDisconnected,
	}
}

// Backoff returns the delay before retry number attempt (zero based):
// base doubled per attempt, capped at max.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for range attempt {
		if d >= maxDelay/backoffMultiplier {
			return maxDelay
		}

		d *= backoffMultiplier
	}

	return min(d, maxDelay)
}

func defaultJitter(d time.Duration) time.Duration {
	n := int64(d) / jitterDivisor
	if n <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(n)) //nolint:gosec // G404: reconnect jitter has no security impact
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Status returns the current subscription status.
func (c *Channel) Status() models.SubscriptionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// Running reports whether the connection loop is active.
func (c *Channel) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.runningLocked()
}

func (c *Channel) runningLocked() bool {
	if c.done == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Start launches the connection loop. It is a no-op while the loop is
// running, and restarts it after the loop gave up.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runningLocked() {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		c.run(ctx)
	}()
}

// Stop tears down the transport, halts any backoff wait and waits for the
// loop to exit. No callback fires after Stop returns.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done

	c.mu.Lock()
	c.status = models.SubscriptionDisconnected
	c.mu.Unlock()
}

func (c *Channel) setStatus(ctx context.Context, s models.SubscriptionStatus) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()

	if !changed || ctx.Err() != nil {
		return
	}

	c.logger.Debug("subscription status", slog.String("status", string(s)))

	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(s)
	}
}

func (c *Channel) run(ctx context.Context) {
	attempt := 0
	everConnected := false

	for {
		c.setStatus(ctx, models.SubscriptionConnecting)

		err := c.session(ctx, func() {
			c.setStatus(ctx, models.SubscriptionConnected)

			if everConnected {
				c.logger.Info("reconnected")

				if c.cfg.OnReconnected != nil && ctx.Err() == nil {
					c.cfg.OnReconnected()
				}
			}

			everConnected = true
			attempt = 0
		})

		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrRejected) {
			c.logger.Warn("subscription rejected", slog.String("error", err.Error()))
			c.giveUp(ctx, err)

			return
		}

		attempt++
		if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
			c.logger.Warn("giving up on subscription",
				slog.Int("attempts", attempt-1),
				slog.String("error", err.Error()),
			)
			c.giveUp(ctx, err)

			return
		}

		delay := Backoff(c.cfg.BaseDelay, c.cfg.MaxDelay, attempt-1)
		delay += c.cfg.Jitter(delay)

		c.setStatus(ctx, models.SubscriptionReconnecting)
		c.logger.Warn("subscription lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
			slog.Int("attempt", attempt),
		)

		if err := c.cfg.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (c *Channel) giveUp(ctx context.Context, err error) {
	c.setStatus(ctx, models.SubscriptionDisconnected)

	if c.cfg.OnGiveUp != nil && ctx.Err() == nil {
		c.cfg.OnGiveUp(err)
	}
}

// session dials, subscribes and reads frames until the transport fails.
// onConnected runs once the handshake has succeeded.
func (c *Channel) session(ctx context.Context, onConnected func()) error {
	if c.cfg.Dial == nil {
		return fmt.Errorf("%w: no dialer configured", ErrRejected)
	}

	conn, err := c.cfg.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}

	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := c.handshake(ctx, conn); err != nil {
		return err
	}

	onConnected()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}

		if typ != websocket.MessageText {
			c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		if err := c.handleFrame(ctx, conn, data); err != nil {
			return err
		}
	}
}

func (c *Channel) handshake(ctx context.Context, conn Conn) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := writeJSON(hctx, conn, envelope{
		Op:     "subscribe",
		Domain: string(c.cfg.Domain),
		UserID: c.cfg.UserID,
		Token:  c.cfg.Token,
	}); err != nil {
		return fmt.Errorf("sending subscribe: %w", err)
	}

	_, data, err := conn.Read(hctx)
	if err != nil {
		return fmt.Errorf("reading subscribe response: %w", err)
	}

	switch op := gjson.GetBytes(data, "op").Str; op {
	case "subscribed":
		return nil
	case "error":
		return fmt.Errorf("%w: %s", ErrRejected, gjson.GetBytes(data, "message").Str)
	default:
		return fmt.Errorf("unexpected subscribe response %q", op)
	}
}

func (c *Channel) handleFrame(ctx context.Context, conn Conn, data []byte) error {
	switch op := gjson.GetBytes(data, "op").Str; op {
	case "change":
		if d := gjson.GetBytes(data, "domain").Str; d != "" && d != string(c.cfg.Domain) {
			c.logger.Debug("change for another domain", slog.String("frame_domain", d))
			return nil
		}

		raw := gjson.GetBytes(data, "record")
		if !raw.IsObject() {
			c.logger.Debug("change frame without record")
			return nil
		}

		var rec models.Record
		if err := json.Unmarshal([]byte(raw.Raw), &rec); err != nil || rec.ID == "" {
			c.logger.Debug("undecodable change record", slog.Int("bytes", len(data)))
			return nil
		}

		rec.State = models.StateConfirmed

		if c.cfg.OnRecord != nil && ctx.Err() == nil {
			c.cfg.OnRecord(rec)
		}

	case "ping":
		if err := writeJSON(ctx, conn, envelope{Op: "pong"}); err != nil {
			return fmt.Errorf("sending pong: %w", err)
		}

	case "error":
		return fmt.Errorf("server error: %s", gjson.GetBytes(data, "message").Str)

	default:
		c.logger.Debug("ignoring frame", slog.String("op", op))
	}

	return nil
}

func writeJSON(ctx context.Context, conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(wctx, websocket.MessageText, data)
}
