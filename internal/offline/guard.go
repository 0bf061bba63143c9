// Package offline holds the durable halves of the engine: the snapshot
// store, the pending mutation queue, and the failover guard that drops
// to memory-only mode when the durable medium stops working.
package offline

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/edu-sync/internal/models"
	"github.com/alexjbarnes/edu-sync/internal/state"
)

// Medium is a key-value store namespaced by (domain, user).
// *state.State and *state.Memory satisfy it.
type Medium interface {
	SaveSnapshot(domain models.Domain, userID string, records []models.Record) error
	LoadSnapshot(domain models.Domain, userID string) ([]models.Record, bool, error)
	AppendMutation(m models.PendingMutation) error
	Mutations(domain models.Domain, userID string) ([]models.PendingMutation, error)
	DeleteMutation(domain models.Domain, userID, operationID string) error
	ReplaceMutations(domain models.Domain, userID string, operationIDs []string, m models.PendingMutation) error
	ClearMutations(domain models.Domain, userID string) error
}

// Guard wraps a durable medium. The first failure switches every later
// call to an in-memory medium for the rest of the process and fires
// onUnavailable exactly once.
//
// While the durable medium works, the memory medium mirrors everything
// read from or written to it, so queued writes and snapshots survive the
// switch even when the durable medium can no longer be read.
type Guard struct {
	logger        *slog.Logger
	onUnavailable func(err error)

	// ioMu pairs each durable call with its mirror update so the mirror
	// sees writes in the order the durable medium did.
	ioMu sync.Mutex

	mu       sync.RWMutex
	durable  Medium
	memory   *state.Memory
	degraded bool
	once     sync.Once
}

// NewGuard wraps durable. A nil durable medium starts in memory-only mode.
func NewGuard(durable Medium, logger *slog.Logger, onUnavailable func(err error)) *Guard {
	g := &Guard{
		durable:       durable,
		memory:        state.NewMemory(),
		logger:        logger,
		onUnavailable: onUnavailable,
	}

	if durable == nil {
		g.degraded = true
	}

	return g
}

// Durable reports whether writes still reach the durable medium.
func (g *Guard) Durable() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return !g.degraded
}

// healthy returns the durable medium, or nil once the guard has failed
// over.
func (g *Guard) healthy() Medium {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.degraded {
		return nil
	}

	return g.durable
}

// fail switches to memory mode. Entries already written to the durable
// medium stay there and are picked up again on the next process start.
func (g *Guard) fail(err error) {
	g.mu.Lock()
	wasDurable := !g.degraded
	g.degraded = true
	g.mu.Unlock()

	if !wasDurable {
		return
	}

	g.logger.Warn("durable storage unavailable, continuing in memory only",
		slog.String("error", err.Error()),
	)

	g.once.Do(func() {
		if g.onUnavailable != nil {
			g.onUnavailable(err)
		}
	})
}

// SaveSnapshot stores records for (domain, user).
func (g *Guard) SaveSnapshot(domain models.Domain, userID string, records []models.Record) error {
	g.ioMu.Lock()
	defer g.ioMu.Unlock()

	if d := g.healthy(); d != nil {
		err := d.SaveSnapshot(domain, userID, records)
		if err == nil {
			return g.memory.SaveSnapshot(domain, userID, records)
		}

		g.fail(err)
	}

	return g.memory.SaveSnapshot(domain, userID, records)
}

// LoadSnapshot returns the saved snapshot for (domain, user). ok is false
// when none was saved.
func (g *Guard) LoadSnapshot(domain models.Domain, userID string) ([]models.Record, bool, error) {
	g.ioMu.Lock()
	defer g.ioMu.Unlock()

	if d := g.healthy(); d != nil {
		records, ok, err := d.LoadSnapshot(domain, userID)
		if err == nil {
			if ok {
				// Only JSON encoding can fail here, and the records were
				// just decoded.
				_ = g.memory.SaveSnapshot(domain, userID, records)
			}

			return records, ok, nil
		}

		g.fail(err)
	}

	return g.memory.LoadSnapshot(domain, userID)
}

// AppendMutation adds pm to the tail of its queue.
func (g *Guard) AppendMutation(pm models.PendingMutation) error {
	g.ioMu.Lock()
	defer g.ioMu.Unlock()

	if d := g.healthy(); d != nil {
		err := d.AppendMutation(pm)
		if err == nil {
			return g.memory.AppendMutation(pm)
		}

		g.fail(err)
	}

	return g.memory.AppendMutation(pm)
}

// Mutations returns the queue for (domain, user) in enqueue order.
func (g *Guard) Mutations(domain models.Domain, userID string) ([]models.PendingMutation, error) {
	g.ioMu.Lock()
	defer g.ioMu.Unlock()

	if d := g.healthy(); d != nil {
		out, err := d.Mutations(domain, userID)
		if err == nil {
			// Entries left by an earlier process only exist on disk until
			// they are read once.
			g.memory.SetMutations(domain, userID, out)

			return out, nil
		}

		g.fail(err)
	}

	return g.memory.Mutations(domain, userID)
}

// DeleteMutation removes one queued mutation by operation id.
func (g *Guard) DeleteMutation(domain models.Domain, userID, operationID string) error {
	g.ioMu.Lock()
	defer g.ioMu.Unlock()

	if d := g.healthy(); d != nil {
		err := d.DeleteMutation(domain, userID, operationID)
		if err == nil {
			return g.memory.DeleteMutation(domain, userID, operationID)
		}

		g.fail(err)
	}

	return g.memory.DeleteMutation(domain, userID, operationID)
}

// ReplaceMutations stores m in place of the queued entries operationIDs.
func (g *Guard) ReplaceMutations(domain models.Domain, userID string, operationIDs []string, m models.PendingMutation) error {
	g.ioMu.Lock()
	defer g.ioMu.Unlock()

	if d := g.healthy(); d != nil {
		err := d.ReplaceMutations(domain, userID, operationIDs, m)
		switch {
		case err == nil:
			// The mirror may not have seen every entry yet.
			if g.memory.ReplaceMutations(domain, userID, operationIDs, m) != nil {
				g.resyncMirror(d, domain, userID)
			}

			return nil
		case errors.Is(err, state.ErrNotQueued):
			return err
		}

		g.fail(err)
	}

	return g.memory.ReplaceMutations(domain, userID, operationIDs, m)
}

// ClearMutations empties the queue for (domain, user).
func (g *Guard) ClearMutations(domain models.Domain, userID string) error {
	g.ioMu.Lock()
	defer g.ioMu.Unlock()

	if d := g.healthy(); d != nil {
		err := d.ClearMutations(domain, userID)
		if err == nil {
			return g.memory.ClearMutations(domain, userID)
		}

		g.fail(err)
	}

	return g.memory.ClearMutations(domain, userID)
}

// resyncMirror copies the durable queue into memory. Callers hold ioMu.
func (g *Guard) resyncMirror(d Medium, domain models.Domain, userID string) {
	out, err := d.Mutations(domain, userID)
	if err != nil {
		g.fail(err)
		return
	}

	g.memory.SetMutations(domain, userID, out)
}
