package offline

import (
	"log/slog"

	"github.com/alexjbarnes/edu-sync/internal/models"
)

// SnapshotStore persists the last confirmed record set per (domain, user).
// It is best-effort: failures are logged and the store behaves as if no
// cache exists. It never returns an error to callers.
type SnapshotStore struct {
	medium Medium
	logger *slog.Logger
}

// NewSnapshotStore returns a store over medium.
func NewSnapshotStore(medium Medium, logger *slog.Logger) *SnapshotStore {
	return &SnapshotStore{medium: medium, logger: logger}
}

// Save replaces the snapshot for (domain, user). Only confirmed records
// are written.
func (s *SnapshotStore) Save(domain models.Domain, userID string, records []models.Record) {
	confirmed := make([]models.Record, 0, len(records))
	for _, r := range records {
		if r.State == models.StateConfirmed {
			confirmed = append(confirmed, r)
		}
	}

	if err := s.medium.SaveSnapshot(domain, userID, confirmed); err != nil {
		s.logger.Warn("saving snapshot",
			slog.String("domain", string(domain)),
			slog.String("error", err.Error()),
		)
	}
}

// Load returns the last saved snapshot, or nil if none exists or the
// medium cannot be read.
func (s *SnapshotStore) Load(domain models.Domain, userID string) []models.Record {
	records, ok, err := s.medium.LoadSnapshot(domain, userID)
	if err != nil {
		s.logger.Warn("loading snapshot",
			slog.String("domain", string(domain)),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if !ok {
		return nil
	}

	if records == nil {
		records = []models.Record{}
	}

	return records
}
