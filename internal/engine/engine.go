// Package engine mounts one coordinator per domain for the signed-in
// user and follows identity changes. Coordinators for different domains
// share no mutable state; only the durable medium is shared, and every
// key in it is namespaced by (domain, user).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/edu-sync/internal/coordinator"
	"github.com/alexjbarnes/edu-sync/internal/domains"
	syncerrors "github.com/alexjbarnes/edu-sync/internal/errors"
	"github.com/alexjbarnes/edu-sync/internal/identity"
	"github.com/alexjbarnes/edu-sync/internal/models"
	"github.com/alexjbarnes/edu-sync/internal/notify"
	"github.com/alexjbarnes/edu-sync/internal/offline"
)

// Config holds the engine's collaborators.
type Config struct {
	Registry *domains.Registry
	// Domains are mounted for every signed-in user. Empty means every
	// registered domain.
	Domains      []models.Domain
	Identity     identity.Provider
	Connectivity coordinator.Connectivity
	Gateway      coordinator.Gateway
	Medium       offline.Medium
	Notifier     notify.Sink
	Logger       *slog.Logger
	Realtime     coordinator.RealtimeConfig

	DrainMaxFailures int
}

// Engine owns the coordinators of the current user.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	snapshots *offline.SnapshotStore
	queue     *offline.Queue

	mu     sync.Mutex
	userID string
	coords map[models.Domain]*coordinator.Coordinator
	closed bool
}

// New returns an engine with nothing mounted.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}

	if len(cfg.Domains) == 0 {
		cfg.Domains = cfg.Registry.Domains()
	}

	return &Engine{
		cfg:       cfg,
		logger:    cfg.Logger,
		snapshots: offline.NewSnapshotStore(cfg.Medium, cfg.Logger),
		queue:     offline.NewQueue(cfg.Medium, cfg.Logger),
		coords:    make(map[models.Domain]*coordinator.Coordinator),
	}
}

// Domains lists the domains mounted for each user.
func (e *Engine) Domains() []models.Domain {
	out := make([]models.Domain, len(e.cfg.Domains))
	copy(out, e.cfg.Domains)

	return out
}

// UserID returns the user whose domains are mounted, or "".
func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.userID
}

// Subscribe returns the mounted coordinator for domain, mounting it for
// the current user if needed.
func (e *Engine) Subscribe(ctx context.Context, domain models.Domain) (*coordinator.Coordinator, error) {
	desc, ok := e.cfg.Registry.Get(domain)
	if !ok {
		return nil, fmt.Errorf("%w: %s", syncerrors.ErrUnknownDomain, domain)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, syncerrors.ErrClosed
	}

	if e.userID == "" {
		e.mu.Unlock()
		return nil, syncerrors.ErrNoUser
	}

	if c, ok := e.coords[domain]; ok {
		e.mu.Unlock()
		return c, nil
	}

	c := e.newCoordinator(desc, e.userID)
	e.coords[domain] = c
	e.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting %s: %w", domain, err)
	}

	return c, nil
}

func (e *Engine) newCoordinator(desc domains.Descriptor, userID string) *coordinator.Coordinator {
	return coordinator.New(coordinator.Config{
		Descriptor:       desc,
		UserID:           userID,
		Gateway:          e.cfg.Gateway,
		Snapshots:        e.snapshots,
		Queue:            e.queue,
		Connectivity:     e.cfg.Connectivity,
		Notifier:         e.cfg.Notifier,
		Logger:           e.cfg.Logger,
		Realtime:         e.cfg.Realtime,
		DrainMaxFailures: e.cfg.DrainMaxFailures,
	})
}

// Unsubscribe unmounts domain: its push subscription stops and its
// in-memory state is dropped. Queued writes stay in the durable queue
// and replay on the next Subscribe. Unsubscribing a domain that is not
// mounted is a no-op.
func (e *Engine) Unsubscribe(domain models.Domain) {
	e.mu.Lock()
	c, ok := e.coords[domain]
	if ok {
		delete(e.coords, domain)
	}
	e.mu.Unlock()

	if !ok {
		return
	}

	c.Close()
	e.logger.Info("domain unmounted", slog.String("domain", string(domain)))
}

// Coordinator returns the mounted coordinator for domain.
func (e *Engine) Coordinator(domain models.Domain) (*coordinator.Coordinator, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.coords[domain]

	return c, ok
}

// Views returns the current view of every mounted domain, in mount order.
func (e *Engine) Views() []models.View {
	e.mu.Lock()
	coords := make([]*coordinator.Coordinator, 0, len(e.coords))

	for _, d := range e.cfg.Domains {
		if c, ok := e.coords[d]; ok {
			coords = append(coords, c)
		}
	}
	e.mu.Unlock()

	out := make([]models.View, len(coords))
	for i, c := range coords {
		out[i] = c.View()
	}

	return out
}

// SwitchUser unmounts every domain, dropping all in-memory state, and
// mounts the configured domains for userID. An empty userID leaves
// nothing mounted. Durable state stays on disk under the old user's keys.
func (e *Engine) SwitchUser(ctx context.Context, userID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return syncerrors.ErrClosed
	}

	if e.userID == userID && len(e.coords) > 0 {
		e.mu.Unlock()
		return nil
	}

	old := e.coords
	e.coords = make(map[models.Domain]*coordinator.Coordinator)
	e.userID = userID
	e.mu.Unlock()

	for _, c := range old {
		c.Close()
	}

	if userID == "" {
		e.logger.Info("signed out, domains unmounted")
		return nil
	}

	e.logger.Info("mounting domains", slog.String("user_id", userID), slog.Int("domains", len(e.cfg.Domains)))

	for _, d := range e.cfg.Domains {
		if _, err := e.Subscribe(ctx, d); err != nil {
			return err
		}
	}

	return nil
}

// Run mounts the current user's domains and follows identity changes
// until ctx is done, then unmounts everything.
func (e *Engine) Run(ctx context.Context) error {
	changes := make(chan string, 1)

	unsubscribe := e.cfg.Identity.Subscribe(func(userID string) {
		// Only the newest identity matters.
		select {
		case <-changes:
		default:
		}

		select {
		case changes <- userID:
		default:
		}
	})
	defer unsubscribe()
	defer e.Close()

	if err := e.SwitchUser(ctx, e.cfg.Identity.Current()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case userID := <-changes:
			if err := e.SwitchUser(ctx, userID); err != nil {
				return err
			}
		}
	}
}

// StorageUnavailable is the Guard callback. It sends the one-time
// memory-only advisory, which is not tied to a domain.
func (e *Engine) StorageUnavailable(err error) {
	e.logger.Warn("offline durability disabled", slog.String("error", err.Error()))

	e.cfg.Notifier.Notify("", notify.MsgStorageUnavailable)
}

// Close unmounts every domain. The engine cannot be reused.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	e.closed = true
	coords := e.coords
	e.coords = nil
	e.mu.Unlock()

	for _, c := range coords {
		c.Close()
	}
}
