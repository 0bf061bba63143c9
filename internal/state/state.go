package state

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/edu-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.edu-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	snapshotKey      = []byte("snapshot")
	queueBucket      = []byte("queue")
	queueIndexBucket = []byte("queue_index")
)

// ErrNotQueued is returned when a mutation to replace is not in the queue.
var ErrNotQueued = errors.New("mutation is not queued")

// scopeBucket namespaces every key by (domain, user) so domains sharing
// the file never touch each other's entries.
func scopeBucket(domain models.Domain, userID string) []byte {
	return []byte("domain:" + string(domain) + ":user:" + userID)
}

// State wraps a bbolt database holding snapshots and pending mutation
// queues for every (domain, user) pair.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.edu-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces the snapshot for (domain, user) wholesale.
func (s *State) SaveSnapshot(domain models.Domain, userID string, records []models.Record) error {
	if records == nil {
		records = []models.Record{}
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(scopeBucket(domain, userID))
		if err != nil {
			return err
		}

		return b.Put(snapshotKey, data)
	})
}

// LoadSnapshot returns the last saved snapshot. ok is false when none
// has been saved for this key.
func (s *State) LoadSnapshot(domain models.Domain, userID string) ([]models.Record, bool, error) {
	var (
		records []models.Record
		ok      bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(scopeBucket(domain, userID))
		if b == nil {
			return nil
		}

		v := b.Get(snapshotKey)
		if v == nil {
			return nil
		}

		ok = true

		return json.Unmarshal(v, &records)
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading snapshot: %w", err)
	}

	return records, ok, nil
}

// AppendMutation appends m to the tail of its (domain, user) queue.
// Appending an operation id that is already queued is a no-op.
func (s *State) AppendMutation(m models.PendingMutation) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding mutation: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		scope, err := tx.CreateBucketIfNotExists(scopeBucket(m.Domain, m.UserID))
		if err != nil {
			return err
		}

		queue, err := scope.CreateBucketIfNotExists(queueBucket)
		if err != nil {
			return err
		}

		index, err := scope.CreateBucketIfNotExists(queueIndexBucket)
		if err != nil {
			return err
		}

		if index.Get([]byte(m.OperationID)) != nil {
			return nil
		}

		seq, err := queue.NextSequence()
		if err != nil {
			return err
		}

		key := seqKey(seq)
		if err := queue.Put(key, data); err != nil {
			return err
		}

		return index.Put([]byte(m.OperationID), key)
	})
}

// Mutations returns the queue for (domain, user) in enqueue order.
func (s *State) Mutations(domain models.Domain, userID string) ([]models.PendingMutation, error) {
	var out []models.PendingMutation

	err := s.db.View(func(tx *bolt.Tx) error {
		scope := tx.Bucket(scopeBucket(domain, userID))
		if scope == nil {
			return nil
		}

		queue := scope.Bucket(queueBucket)
		if queue == nil {
			return nil
		}

		// Sequence keys are big-endian, so cursor order is enqueue order.
		return queue.ForEach(func(_, v []byte) error {
			var m models.PendingMutation
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			out = append(out, m)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}

	return out, nil
}

// DeleteMutation removes one queued mutation by operation id. Removing
// an unknown id is not an error.
func (s *State) DeleteMutation(domain models.Domain, userID, operationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		scope := tx.Bucket(scopeBucket(domain, userID))
		if scope == nil {
			return nil
		}

		index := scope.Bucket(queueIndexBucket)
		queue := scope.Bucket(queueBucket)

		if index == nil || queue == nil {
			return nil
		}

		key := index.Get([]byte(operationID))
		if key == nil {
			return nil
		}

		// Copy: the slice is only valid for the life of the transaction
		// and Delete below invalidates it.
		key = append([]byte(nil), key...)

		if err := queue.Delete(key); err != nil {
			return err
		}

		return index.Delete([]byte(operationID))
	})
}

// ReplaceMutations stores m in place of the queued entries operationIDs.
// m takes the queue position of the first of them and is indexed by its
// own operation id. The first id must be queued; the others may already
// be gone.
func (s *State) ReplaceMutations(domain models.Domain, userID string, operationIDs []string, m models.PendingMutation) error {
	if len(operationIDs) == 0 {
		return fmt.Errorf("replacing mutations: %w", ErrNotQueued)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding mutation: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		scope := tx.Bucket(scopeBucket(domain, userID))
		if scope == nil {
			return fmt.Errorf("replacing %s: %w", operationIDs[0], ErrNotQueued)
		}

		index := scope.Bucket(queueIndexBucket)
		queue := scope.Bucket(queueBucket)

		if index == nil || queue == nil {
			return fmt.Errorf("replacing %s: %w", operationIDs[0], ErrNotQueued)
		}

		first := index.Get([]byte(operationIDs[0]))
		if first == nil {
			return fmt.Errorf("replacing %s: %w", operationIDs[0], ErrNotQueued)
		}

		first = append([]byte(nil), first...)

		for _, id := range operationIDs {
			key := index.Get([]byte(id))
			if key == nil {
				continue
			}

			key = append([]byte(nil), key...)

			if err := index.Delete([]byte(id)); err != nil {
				return err
			}

			if bytes.Equal(key, first) {
				continue
			}

			if err := queue.Delete(key); err != nil {
				return err
			}
		}

		if err := queue.Put(first, data); err != nil {
			return err
		}

		return index.Put([]byte(m.OperationID), first)
	})
}

// ClearMutations empties the queue for (domain, user).
func (s *State) ClearMutations(domain models.Domain, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		scope := tx.Bucket(scopeBucket(domain, userID))
		if scope == nil {
			return nil
		}

		for _, name := range [][]byte{queueBucket, queueIndexBucket} {
			if scope.Bucket(name) == nil {
				continue
			}

			if err := scope.DeleteBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	return key
}

// DefaultPath returns ~/.edu-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".edu-sync", "state.db"), nil
}
