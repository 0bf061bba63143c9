package state

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alexjbarnes/edu-sync/internal/models"
)

// Memory is a process-lifetime medium with the same contract as State.
// It backs memory-only mode when the durable file cannot be used.
type Memory struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	queues    map[string][]models.PendingMutation
}

// NewMemory returns an empty in-memory medium.
func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[string][]byte),
		queues:    make(map[string][]models.PendingMutation),
	}
}

func memKey(domain models.Domain, userID string) string {
	return string(scopeBucket(domain, userID))
}

// SaveSnapshot stores an encoded copy so callers cannot mutate it later.
func (m *Memory) SaveSnapshot(domain models.Domain, userID string, records []models.Record) error {
	if records == nil {
		records = []models.Record{}
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	m.mu.Lock()
	m.snapshots[memKey(domain, userID)] = data
	m.mu.Unlock()

	return nil
}

func (m *Memory) LoadSnapshot(domain models.Domain, userID string) ([]models.Record, bool, error) {
	m.mu.Lock()
	data, ok := m.snapshots[memKey(domain, userID)]
	m.mu.Unlock()

	if !ok {
		return nil, false, nil
	}

	var records []models.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false, fmt.Errorf("reading snapshot: %w", err)
	}

	return records, true, nil
}

func (m *Memory) AppendMutation(pm models.PendingMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(pm.Domain, pm.UserID)
	for _, existing := range m.queues[key] {
		if existing.OperationID == pm.OperationID {
			return nil
		}
	}

	m.queues[key] = append(m.queues[key], pm)

	return nil
}

func (m *Memory) Mutations(domain models.Domain, userID string) ([]models.PendingMutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[memKey(domain, userID)]
	if len(q) == 0 {
		return nil, nil
	}

	out := make([]models.PendingMutation, len(q))
	copy(out, q)

	return out, nil
}

func (m *Memory) DeleteMutation(domain models.Domain, userID, operationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(domain, userID)
	q := m.queues[key]

	for i := range q {
		if q[i].OperationID == operationID {
			m.queues[key] = append(q[:i:i], q[i+1:]...)
			return nil
		}
	}

	return nil
}

// ReplaceMutations has the same contract as State.ReplaceMutations.
func (m *Memory) ReplaceMutations(domain models.Domain, userID string, operationIDs []string, pm models.PendingMutation) error {
	if len(operationIDs) == 0 {
		return fmt.Errorf("replacing mutations: %w", ErrNotQueued)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	replaced := make(map[string]bool, len(operationIDs))
	for _, id := range operationIDs {
		replaced[id] = true
	}

	key := memKey(domain, userID)
	q := m.queues[key]
	out := make([]models.PendingMutation, 0, len(q))
	placed := false

	for _, existing := range q {
		switch {
		case existing.OperationID == operationIDs[0]:
			out = append(out, pm)
			placed = true
		case replaced[existing.OperationID]:
		default:
			out = append(out, existing)
		}
	}

	if !placed {
		return fmt.Errorf("replacing %s: %w", operationIDs[0], ErrNotQueued)
	}

	m.queues[key] = out

	return nil
}

// SetMutations replaces the whole queue for (domain, user) with a copy
// of ms.
func (m *Memory) SetMutations(domain models.Domain, userID string, ms []models.PendingMutation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(domain, userID)
	if len(ms) == 0 {
		delete(m.queues, key)
		return
	}

	m.queues[key] = append([]models.PendingMutation(nil), ms...)
}

func (m *Memory) ClearMutations(domain models.Domain, userID string) error {
	m.mu.Lock()
	delete(m.queues, memKey(domain, userID))
	m.mu.Unlock()

	return nil
}
