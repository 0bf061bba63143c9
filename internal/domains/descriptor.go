// Package domains describes each synchronized domain: where it lives on
// the remote service, how its records are ordered and compared, which
// writes commute, and which payloads are rejected before any I/O.
package domains

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	syncerrors "github.com/alexjbarnes/edu-sync/internal/errors"
	"github.com/alexjbarnes/edu-sync/internal/models"
	"github.com/alexjbarnes/edu-sync/internal/offline"
)

// Descriptor parameterizes the engine for one domain.
type Descriptor struct {
	Domain models.Domain
	// Path is the collection path on the remote service. Empty means the
	// gateway default.
	Path string
	// Equal reports whether two payloads describe the same logical write.
	Equal func(a, b json.RawMessage) bool
	// Less is the natural display order.
	Less        func(a, b models.Record) bool
	DedupWindow time.Duration
	// Coalescers lists the commutative operation types and how to merge
	// two of their payloads.
	Coalescers map[models.OperationType]offline.CoalesceFunc
	// Validate rejects malformed operations. Nil accepts everything.
	Validate func(op models.Operation) error
}

// Registry holds the descriptors of the mounted domains.
type Registry struct {
	mu    sync.RWMutex
	descs map[models.Domain]Descriptor
	order []models.Domain
}

// NewRegistry returns a registry with the built-in domains. dedupWindow
// applies to every domain that does not override it.
func NewRegistry(dedupWindow time.Duration) *Registry {
	r := &Registry{descs: make(map[models.Domain]Descriptor)}

	for _, d := range Builtins() {
		if d.DedupWindow == 0 {
			d.DedupWindow = dedupWindow
		}

		r.Register(d)
	}

	return r
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.descs[d.Domain]; !ok {
		r.order = append(r.order, d.Domain)
	}

	r.descs[d.Domain] = d
}

// Get returns the descriptor for domain.
func (r *Registry) Get(domain models.Domain) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descs[domain]

	return d, ok
}

// Domains lists registered domains in registration order.
func (r *Registry) Domains() []models.Domain {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.order)
}

// Paths returns the non-default collection paths keyed by domain.
func (r *Registry) Paths() map[models.Domain]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[models.Domain]string)
	for d, desc := range r.descs {
		if desc.Path != "" {
			out[d] = desc.Path
		}
	}

	return out
}

// Resolve maps names to registered domains, preserving order and
// dropping duplicates. An empty list resolves to every domain.
func (r *Registry) Resolve(names []string) ([]models.Domain, error) {
	if len(names) == 0 {
		return r.Domains(), nil
	}

	seen := make(map[models.Domain]bool, len(names))
	out := make([]models.Domain, 0, len(names))

	for _, n := range names {
		d := models.Domain(n)
		if _, ok := r.Get(d); !ok {
			return nil, fmt.Errorf("%w: %s", syncerrors.ErrUnknownDomain, n)
		}

		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}

	return out, nil
}

func invalid(format string, args ...any) error {
	return syncerrors.New(syncerrors.KindValidation, fmt.Sprintf(format, args...))
}

// decode unmarshals a payload, reporting false on malformed input.
func decode[T any](raw json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}

	return v, true
}

// timeOr parses an RFC 3339 timestamp, falling back to def.
func timeOr(s string, def time.Time) time.Time {
	if s == "" {
		return def
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return def
	}

	return t
}

// byTime orders by an extracted timestamp, then by local creation time,
// then by id so the order is total.
func byTime(a, b models.Record, at func(models.Record) time.Time) bool {
	ta, tb := at(a), at(b)
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}

	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}

	return a.ID < b.ID
}

// sumDelta merges two {<key>, delta} payloads aimed at the same entity.
func sumDelta(key string) offline.CoalesceFunc {
	return func(a, b json.RawMessage) (json.RawMessage, bool, error) {
		var x, y map[string]any
		if err := json.Unmarshal(a, &x); err != nil {
			return nil, false, fmt.Errorf("decoding payload: %w", err)
		}

		if err := json.Unmarshal(b, &y); err != nil {
			return nil, false, fmt.Errorf("decoding payload: %w", err)
		}

		kx, _ := x[key].(string)
		ky, _ := y[key].(string)

		if kx == "" || kx != ky {
			return nil, false, nil
		}

		dx, okx := x["delta"].(float64)
		dy, oky := y["delta"].(float64)

		if !okx || !oky {
			return nil, false, nil
		}

		x["delta"] = dx + dy

		out, err := json.Marshal(x)
		if err != nil {
			return nil, false, fmt.Errorf("encoding payload: %w", err)
		}

		return out, true, nil
	}
}
