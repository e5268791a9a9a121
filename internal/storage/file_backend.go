package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/leash-dev/leash/pkg/event"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileBackend implements Backend using JSON files.
// Storage layout:
//
//	<base>/
//	  ├── sessions.json              # Session index
//	  └── sessions/
//	      └── <session-id>/
//	          └── events.jsonl       # Append-only event log
type FileBackend struct {
	baseDir  string
	maxBytes int64
	mu       sync.RWMutex
	closed   bool
}

// NewFileBackend creates a new file-based storage backend.
// If baseDir is empty, uses ~/.leash/data. maxEventBytes caps the event log
// file size per session before rotation; 0 disables rotation.
func NewFileBackend(baseDir string, maxEventBytes int64) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".leash", "data")
	}

	if err := os.MkdirAll(filepath.Join(baseDir, "sessions"), 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{
		baseDir:  baseDir,
		maxBytes: maxEventBytes,
	}, nil
}

func (f *FileBackend) indexPath() string {
	return filepath.Join(f.baseDir, "sessions.json")
}

func (f *FileBackend) eventsPath(sessionID string) string {
	return filepath.Join(f.baseDir, "sessions", sessionID, "events.jsonl")
}

// SaveSession creates or updates session metadata.
func (f *FileBackend) SaveSession(ctx context.Context, rec *SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := validatePathComponent(rec.ID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	index, err := f.loadIndexUnlocked()
	if err != nil {
		return err
	}
	index[rec.ID] = rec
	return f.writeIndexUnlocked(index)
}

// LoadSession retrieves session metadata by ID.
func (f *FileBackend) LoadSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	index, err := f.loadIndexUnlocked()
	if err != nil {
		return nil, err
	}
	rec, ok := index[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rec, nil
}

// ListSessions returns all stored sessions, most recently active first.
func (f *FileBackend) ListSessions(ctx context.Context) ([]*SessionRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	index, err := f.loadIndexUnlocked()
	if err != nil {
		return nil, err
	}
	sessions := make([]*SessionRecord, 0, len(index))
	for _, rec := range index {
		sessions = append(sessions, rec)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return sessions, nil
}

// DeleteSession removes a session and its event log.
func (f *FileBackend) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	index, err := f.loadIndexUnlocked()
	if err != nil {
		return err
	}
	if _, ok := index[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(index, sessionID)
	if err := f.writeIndexUnlocked(index); err != nil {
		return err
	}

	_ = os.RemoveAll(filepath.Join(f.baseDir, "sessions", sessionID))
	return nil
}

// AppendEvent adds an event to a session's log (append-only).
func (f *FileBackend) AppendEvent(ctx context.Context, sessionID string, ev *event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	path := f.eventsPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	f.maybeRotateUnlocked(path)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// maybeRotateUnlocked rotates the event log once it exceeds the byte cap.
// One rotated generation is kept; older history is discarded.
func (f *FileBackend) maybeRotateUnlocked(path string) {
	if f.maxBytes <= 0 {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() <= f.maxBytes {
		return
	}
	rotated := path + ".1"
	_ = os.Remove(rotated)
	_ = os.Rename(path, rotated)
}

// ReadEvents retrieves logged events with seq > sinceSeq, in order.
func (f *FileBackend) ReadEvents(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]*event.Event, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	file, err := os.Open(f.eventsPath(sessionID)) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return []*event.Event{}, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = file.Close() }()

	var events []*event.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Skip torn or legacy lines; replay should not fail the stream.
			continue
		}
		if ev.Seq <= sinceSeq {
			continue
		}
		events = append(events, &ev)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	if events == nil {
		events = []*event.Event{}
	}
	return events, nil
}

// LastSeq returns the highest sequence number in a session's log, or 0.
func (f *FileBackend) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	events, err := f.ReadEvents(ctx, sessionID, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

// Close releases any resources held by the backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

// loadIndexUnlocked reads the session index. Caller must hold a lock.
func (f *FileBackend) loadIndexUnlocked() (map[string]*SessionRecord, error) {
	index := make(map[string]*SessionRecord)
	data, err := os.ReadFile(f.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse session index: %w", err)
	}
	return index, nil
}

// writeIndexUnlocked persists the session index. Caller must hold the write lock.
func (f *FileBackend) writeIndexUnlocked(index map[string]*SessionRecord) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	if err := os.WriteFile(f.indexPath(), data, 0600); err != nil {
		return fmt.Errorf("write session index: %w", err)
	}
	return nil
}
