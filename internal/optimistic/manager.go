// Package optimistic keeps the in-memory record set a consumer renders:
// the last confirmed snapshot plus locally applied writes that have not
// been confirmed yet.
package optimistic

import (
	"bytes"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/edu-sync/internal/models"
)

// DefaultDedupWindow is how long a pending record may be collapsed into
// a pushed record that carries equal content but a different id.
const DefaultDedupWindow = 5 * time.Second

// Config parameterizes a Manager for one domain.
type Config struct {
	// Equal reports whether two payloads describe the same logical write.
	// Used only for push-path dedup. Defaults to byte equality of the
	// compacted JSON.
	Equal func(a, b json.RawMessage) bool
	// Less orders the visible set. Nil keeps insertion order.
	Less        func(a, b models.Record) bool
	DedupWindow time.Duration
	Now         func() time.Time
}

// Manager is safe for concurrent use. Every operation runs under one lock
// and returns the resulting visible set.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	confirmed []models.Record
	// overlay holds pending and failed records in apply order.
	overlay []models.Record
}

// NewManager returns an empty manager.
func NewManager(cfg Config) *Manager {
	if cfg.Equal == nil {
		cfg.Equal = jsonEqual
	}

	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{cfg: cfg}
}

func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}

	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// ApplyOptimistic inserts r as pending. A pending record with the same id
// is replaced, so repeated offline updates to one entity stay one record.
func (m *Manager) ApplyOptimistic(r models.Record) []models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.State = models.StatePending
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.cfg.Now()
	}

	if i := indexByID(m.overlay, r.ID); i >= 0 {
		m.overlay[i] = r
	} else {
		m.overlay = append(m.overlay, r)
	}

	return m.viewLocked()
}

// Confirm replaces the pending record tempID with the server record. If
// the pending record is already gone (the push path got there first) the
// server record is upserted by its own id, so the outcome is the same in
// either delivery order.
func (m *Manager) Confirm(tempID string, server models.Record) []models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := indexByID(m.overlay, tempID); i >= 0 {
		m.overlay = slices.Delete(m.overlay, i, i+1)
	}

	m.upsertConfirmedLocked(server)

	return m.viewLocked()
}

// ReconcileIncoming merges a record that arrived from the push path.
//
// Matching, first hit wins: an existing record with the same id; a
// pending record whose operation id the server echoed; the oldest pending
// record with equal content younger than the dedup window. Anything else
// is appended. Equal-content matching is a heuristic and can collapse two
// genuinely identical writes sent inside the window; each pending record
// is consumed by at most one incoming record.
func (m *Manager) ReconcileIncoming(server models.Record) []models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	server.State = models.StateConfirmed

	if i := indexByID(m.overlay, server.ID); i >= 0 {
		m.overlay = slices.Delete(m.overlay, i, i+1)
		m.upsertConfirmedLocked(server)

		return m.viewLocked()
	}

	if i := indexByID(m.confirmed, server.ID); i >= 0 {
		m.confirmed[i] = server

		return m.viewLocked()
	}

	if server.OperationID != "" {
		for i, r := range m.overlay {
			if r.State == models.StatePending && r.OperationID == server.OperationID {
				m.overlay = slices.Delete(m.overlay, i, i+1)
				m.upsertConfirmedLocked(server)

				return m.viewLocked()
			}
		}
	}

	if i := m.dedupCandidateLocked(server); i >= 0 {
		m.overlay = slices.Delete(m.overlay, i, i+1)
		m.upsertConfirmedLocked(server)

		return m.viewLocked()
	}

	m.confirmed = append(m.confirmed, server)

	return m.viewLocked()
}

func (m *Manager) dedupCandidateLocked(server models.Record) int {
	now := m.cfg.Now()
	best := -1

	for i, r := range m.overlay {
		if r.State != models.StatePending {
			continue
		}

		if now.Sub(r.CreatedAt) >= m.cfg.DedupWindow {
			continue
		}

		if !m.cfg.Equal(r.Payload, server.Payload) {
			continue
		}

		if best < 0 || r.CreatedAt.Before(m.overlay[best].CreatedAt) {
			best = i
		}
	}

	return best
}

// Rollback removes the pending record tempID entirely.
func (m *Manager) Rollback(tempID string) []models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := indexByID(m.overlay, tempID); i >= 0 {
		m.overlay = slices.Delete(m.overlay, i, i+1)
	}

	return m.viewLocked()
}

// MarkFailed flags the pending record tempID as failed. It stays visible
// until the next ReplaceSnapshot.
func (m *Manager) MarkFailed(tempID string) []models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := indexByID(m.overlay, tempID); i >= 0 {
		m.overlay[i].State = models.StateFailed
	}

	return m.viewLocked()
}

// ReplaceSnapshot swaps the confirmed set for records. Pending records
// survive even when their entity is absent from records, unless records
// carries their operation id (the write already landed). Failed records
// are cleared.
func (m *Manager) ReplaceSnapshot(records []models.Record) []models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	landed := make(map[string]bool)
	m.confirmed = make([]models.Record, 0, len(records))

	for _, r := range records {
		r.State = models.StateConfirmed
		m.confirmed = append(m.confirmed, r)

		if r.OperationID != "" {
			landed[r.OperationID] = true
		}
	}

	kept := m.overlay[:0]
	for _, r := range m.overlay {
		if r.State != models.StatePending {
			continue
		}

		if r.OperationID != "" && landed[r.OperationID] {
			continue
		}

		kept = append(kept, r)
	}

	m.overlay = kept

	return m.viewLocked()
}

// View returns the current visible set.
func (m *Manager) View() []models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.viewLocked()
}

// Pending returns the number of pending records.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.overlay {
		if r.State == models.StatePending {
			n++
		}
	}

	return n
}

func (m *Manager) upsertConfirmedLocked(r models.Record) {
	r.State = models.StateConfirmed

	if i := indexByID(m.confirmed, r.ID); i >= 0 {
		m.confirmed[i] = r

		return
	}

	m.confirmed = append(m.confirmed, r)
}

// viewLocked builds the visible set. A confirmed record shadowed by an
// overlay record with the same id is hidden, so one entity is never
// shown twice.
func (m *Manager) viewLocked() []models.Record {
	shadowed := make(map[string]bool, len(m.overlay))
	for _, r := range m.overlay {
		shadowed[r.ID] = true
	}

	out := make([]models.Record, 0, len(m.confirmed)+len(m.overlay))

	for _, r := range m.confirmed {
		if !shadowed[r.ID] {
			out = append(out, r)
		}
	}

	out = append(out, m.overlay...)

	if m.cfg.Less != nil {
		less := m.cfg.Less
		slices.SortStableFunc(out, func(a, b models.Record) int {
			switch {
			case less(a, b):
				return -1
			case less(b, a):
				return 1
			default:
				return 0
			}
		})
	}

	return out
}

func indexByID(records []models.Record, id string) int {
	if id == "" {
		return -1
	}

	for i, r := range records {
		if r.ID == id {
			return i
		}
	}

	return -1
}
