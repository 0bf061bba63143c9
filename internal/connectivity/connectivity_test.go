package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_NotifiesOnlyOnTransitions(t *testing.T) {
	m := NewMonitor(false)

	var got []bool
	m.Subscribe(func(online bool) { got = append(got, online) })

	m.Set(false)
	m.Set(true)
	m.Set(true)
	m.Set(false)

	assert.Equal(t, []bool{true, false}, got)
	assert.False(t, m.Online())
}

func TestMonitor_RegistrationOrder(t *testing.T) {
	m := NewMonitor(false)

	var order []string
	m.Subscribe(func(bool) { order = append(order, "a") })
	m.Subscribe(func(bool) { order = append(order, "b") })

	m.Set(true)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(true)

	calls := 0
	unsub := m.Subscribe(func(bool) { calls++ })
	unsub()
	unsub()

	m.Set(false)
	assert.Equal(t, 0, calls)
}

func TestMonitor_SubscriberMayReadState(t *testing.T) {
	m := NewMonitor(false)

	var seen bool
	m.Subscribe(func(bool) { seen = m.Online() })
	m.Set(true)

	assert.True(t, seen, "callbacks run outside the lock")
}

func TestChecker_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"ok", http.StatusOK, true},
		{"no content", http.StatusNoContent, true},
		{"not found still reachable", http.StatusNotFound, true},
		{"server error", http.StatusInternalServerError, false},
		{"unavailable", http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			m := NewMonitor(!tt.want)
			p := NewChecker(srv.URL, time.Second, m, slog.Default())

			assert.Equal(t, tt.want, p.Check(context.Background()))
			assert.Equal(t, tt.want, m.Online())
		})
	}
}

func TestChecker_UnreachableIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	m := NewMonitor(true)
	p := NewChecker(url, time.Second, m, slog.Default())

	assert.False(t, p.Check(context.Background()))
	assert.False(t, m.Online())
}

func TestChecker_RunPollsUntilCanceled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	m := NewMonitor(false)
	p := NewChecker(srv.URL, 10*time.Millisecond, m, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return hits.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Online())

	cancel()
	require.NoError(t, <-done)
}
