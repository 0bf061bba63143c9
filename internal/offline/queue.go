package offline

import (
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/edu-sync/internal/models"
)

// Queue is the durable FIFO of writes awaiting confirmation. Entries are
// replayed in enqueue order, at-least-once, keyed by operation id.
type Queue struct {
	medium Medium
	logger *slog.Logger
}

// NewQueue returns a queue over medium.
func NewQueue(medium Medium, logger *slog.Logger) *Queue {
	return &Queue{medium: medium, logger: logger}
}

// Enqueue appends m. Enqueueing an operation id twice keeps the first.
func (q *Queue) Enqueue(domain models.Domain, userID string, m models.PendingMutation) error {
	m.Domain = domain
	m.UserID = userID

	if m.OperationID == "" {
		return fmt.Errorf("enqueueing mutation: operation id is required")
	}

	if err := q.medium.AppendMutation(m); err != nil {
		return fmt.Errorf("enqueueing mutation %s: %w", m.OperationID, err)
	}

	q.logger.Debug("mutation queued",
		slog.String("domain", string(domain)),
		slog.String("operation_id", m.OperationID),
		slog.String("type", string(m.OperationType)),
	)

	return nil
}

// PeekAll returns every queued mutation in enqueue order without removing it.
func (q *Queue) PeekAll(domain models.Domain, userID string) ([]models.PendingMutation, error) {
	out, err := q.medium.Mutations(domain, userID)
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}

	return out, nil
}

// Seal marks step as attempted before it is sent. A merged step is
// stored as one entry under its own operation id, in place of the
// entries it covers, so a later replay resends exactly the same call.
// Sealing an already attempted step is a no-op.
func (q *Queue) Seal(domain models.Domain, userID string, step Step) (Step, error) {
	if step.Mutation.Attempted {
		return step, nil
	}

	m := step.Mutation
	m.Domain = domain
	m.UserID = userID
	m.Attempted = true

	if err := q.medium.ReplaceMutations(domain, userID, step.OperationIDs, m); err != nil {
		return step, fmt.Errorf("sealing mutation %s: %w", m.OperationID, err)
	}

	return Step{
		Mutation:     m,
		OperationIDs: []string{m.OperationID},
		TempIDs:      step.TempIDs,
	}, nil
}

// Drain removes every entry. Call only after the whole queue replayed.
func (q *Queue) Drain(domain models.Domain, userID string) error {
	if err := q.medium.ClearMutations(domain, userID); err != nil {
		return fmt.Errorf("draining queue: %w", err)
	}

	return nil
}

// Drop removes a single confirmed entry, in or out of order.
func (q *Queue) Drop(domain models.Domain, userID, operationID string) error {
	if err := q.medium.DeleteMutation(domain, userID, operationID); err != nil {
		return fmt.Errorf("dropping mutation %s: %w", operationID, err)
	}

	return nil
}

// Len returns the number of queued entries.
func (q *Queue) Len(domain models.Domain, userID string) (int, error) {
	out, err := q.medium.Mutations(domain, userID)
	if err != nil {
		return 0, fmt.Errorf("reading queue: %w", err)
	}

	return len(out), nil
}
