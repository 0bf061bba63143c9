// Package identity supplies the signed-in user id and its transitions.
// An empty id means nobody is signed in.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Provider is implemented by every identity source.
type Provider interface {
	Current() string
	Subscribe(fn func(userID string)) func()
}

type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(string)
	order  []int
}

func (s *subscribers) add(fn func(string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fns == nil {
		s.fns = make(map[int]func(string))
	}

	s.nextID++
	id := s.nextID
	s.fns[id] = fn
	s.order = append(s.order, id)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.fns, id)
	}
}

func (s *subscribers) emit(userID string) {
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.fns))
	for _, id := range s.order {
		if fn, ok := s.fns[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(userID)
	}
}

// Static is an identity set programmatically.
type Static struct {
	subs subscribers

	mu     sync.Mutex
	userID string
}

// NewStatic returns a provider holding userID.
func NewStatic(userID string) *Static {
	return &Static{userID: userID}
}

func (s *Static) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.userID
}

func (s *Static) Subscribe(fn func(userID string)) func() {
	return s.subs.add(fn)
}

// Set changes the user and notifies subscribers if it differs.
func (s *Static) Set(userID string) {
	s.mu.Lock()
	changed := s.userID != userID
	s.userID = userID
	s.mu.Unlock()

	if changed {
		s.subs.emit(userID)
	}
}

// FileProvider reads the user id from a JSON session file
// ({"user_id": "..."}) maintained by the sign-in collaborator.
type FileProvider struct {
	path   string
	logger *slog.Logger
	subs   subscribers

	mu     sync.Mutex
	userID string
}

type sessionFile struct {
	UserID string `json:"user_id"`
}

// NewFileProvider reads path once. A missing file means no user.
func NewFileProvider(path string, logger *slog.Logger) *FileProvider {
	p := &FileProvider{path: filepath.Clean(path), logger: logger}
	p.userID = p.read()

	return p
}

func (p *FileProvider) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.userID
}

func (p *FileProvider) Subscribe(fn func(userID string)) func() {
	return p.subs.add(fn)
}

func (p *FileProvider) read() string {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("reading session file", slog.String("error", err.Error()))
		}

		return ""
	}

	var s sessionFile
	if err := json.Unmarshal(data, &s); err != nil {
		p.logger.Warn("parsing session file", slog.String("error", err.Error()))
		return ""
	}

	return strings.TrimSpace(s.UserID)
}

// Reload re-reads the file and notifies subscribers on change.
func (p *FileProvider) Reload() {
	userID := p.read()

	p.mu.Lock()
	changed := p.userID != userID
	p.userID = userID
	p.mu.Unlock()

	if !changed {
		return
	}

	p.logger.Info("signed-in user changed", slog.Bool("signed_in", userID != ""))
	p.subs.emit(userID)
}

// Watch follows the session file until ctx is done. The parent directory
// is watched so atomic rename-over writes are seen.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching session dir: %w", err)
	}

	// The file may have changed between construction and Add.
	p.Reload()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			p.Reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			p.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}
