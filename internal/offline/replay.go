package offline

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/alexjbarnes/edu-sync/internal/models"
	"github.com/google/uuid"
)

// mergeNamespace scopes the name-based UUIDs of merged steps.
var mergeNamespace = uuid.MustParse("0b7d5f3e-2c41-4b8a-9e6d-51a7c3f08e24")

// CoalesceFunc merges two payloads of the same commutative operation type
// into one. ok is false when the pair cannot be merged (for example two
// counter deltas aimed at different entities).
type CoalesceFunc func(a, b json.RawMessage) (merged json.RawMessage, ok bool, err error)

// Step is one remote call of a replay. Mutation carries the payload to
// send; OperationIDs lists the queue entries it replaces and TempIDs
// their optimistic records, in enqueue order.
type Step struct {
	Mutation     models.PendingMutation
	OperationIDs []string
	TempIDs      []string
}

// Covered returns how many user writes the step stands for.
func (s Step) Covered() int {
	if n := len(s.Mutation.Covers); n > 0 {
		return n
	}

	return len(s.OperationIDs)
}

// MergedOperationID derives the operation id of a merged step from the
// ordered ids it covers. The same run always gets the same id, and a
// different run never reuses one of its members' ids.
func MergedOperationID(operationIDs []string) string {
	return uuid.NewSHA1(mergeNamespace, []byte(strings.Join(operationIDs, "\n"))).String()
}

// PlanReplay turns the queue into ordered replay steps. Contiguous runs of
// a commutative operation type are folded into a single step; everything
// else replays one entry per step, in order.
//
// Entries that were already attempted are never folded: the server may
// have applied them under their own id. A merged step is sent under
// MergedOperationID of its members and records them in Covers.
func PlanReplay(queued []models.PendingMutation, coalescers map[models.OperationType]CoalesceFunc) ([]Step, error) {
	steps := make([]Step, 0, len(queued))

	for _, m := range queued {
		if n := len(steps); n > 0 && !m.Attempted {
			last := &steps[n-1]

			merge, ok := coalescers[m.OperationType]
			if ok && !last.Mutation.Attempted && last.Mutation.OperationType == m.OperationType {
				merged, ok, err := merge(last.Mutation.Payload, m.Payload)
				if err != nil {
					return nil, fmt.Errorf("coalescing %s: %w", m.OperationID, err)
				}

				if ok {
					last.Mutation.Payload = merged
					last.OperationIDs = append(last.OperationIDs, m.OperationID)
					last.TempIDs = appendTemp(last.TempIDs, m.TempID)

					continue
				}
			}
		}

		steps = append(steps, Step{
			Mutation:     m,
			OperationIDs: []string{m.OperationID},
			TempIDs:      tempIDs(m),
		})
	}

	for i := range steps {
		s := &steps[i]
		if len(s.OperationIDs) < 2 {
			continue
		}

		s.Mutation.OperationID = MergedOperationID(s.OperationIDs)
		s.Mutation.Covers = slices.Clone(s.OperationIDs)
		s.Mutation.CoveredTempIDs = slices.Clone(s.TempIDs)
	}

	return steps, nil
}

func tempIDs(m models.PendingMutation) []string {
	if len(m.CoveredTempIDs) > 0 {
		return slices.Clone(m.CoveredTempIDs)
	}

	return appendTemp(nil, m.TempID)
}

func appendTemp(ids []string, id string) []string {
	if id == "" {
		return ids
	}

	return append(ids, id)
}
