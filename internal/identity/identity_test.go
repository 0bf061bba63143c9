package identity

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSession(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestStatic_NotifiesOnChange(t *testing.T) {
	s := NewStatic("alice")

	var got []string
	unsub := s.Subscribe(func(u string) { got = append(got, u) })

	s.Set("alice")
	s.Set("bob")
	s.Set("")

	assert.Equal(t, []string{"bob", ""}, got)
	assert.Equal(t, "", s.Current())

	unsub()
	s.Set("carol")
	assert.Len(t, got, 2)
}

func TestFileProvider_InitialRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")

	assert.Equal(t, "", NewFileProvider(path, slog.Default()).Current(), "missing file is no user")

	writeSession(t, path, `{"user_id":" u-1 "}`)
	assert.Equal(t, "u-1", NewFileProvider(path, slog.Default()).Current())

	writeSession(t, path, `not json`)
	assert.Equal(t, "", NewFileProvider(path, slog.Default()).Current())
}

func TestFileProvider_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	writeSession(t, path, `{"user_id":"u-1"}`)

	p := NewFileProvider(path, slog.Default())

	var got []string
	p.Subscribe(func(u string) { got = append(got, u) })

	p.Reload()
	assert.Empty(t, got, "unchanged file does not notify")

	writeSession(t, path, `{"user_id":"u-2"}`)
	p.Reload()

	require.NoError(t, os.Remove(path))
	p.Reload()

	assert.Equal(t, []string{"u-2", ""}, got)
}

func TestFileProvider_WatchFollowsAtomicWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	p := NewFileProvider(path, slog.Default())

	var mu sync.Mutex
	var got []string
	p.Subscribe(func(u string) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})
	seen := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)

	writeSession(t, path, `{"user_id":"u-1"}`)
	require.Eventually(t, func() bool { return p.Current() == "u-1" }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.json"), []byte(`{"user_id":"x"}`), 0o600))

	writeSession(t, path, `{"user_id":"u-2"}`)
	require.Eventually(t, func() bool { return p.Current() == "u-2" }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"u-1", "u-2"}, seen())

	cancel()
	require.NoError(t, <-done)
}
