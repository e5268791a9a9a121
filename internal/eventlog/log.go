// Package eventlog implements the per-session append-only ordered event log
// with multi-consumer fan-out and replay-then-live subscription.
//
// Ordering guarantees: events for a session are strictly ordered by seq,
// assigned under the session's log lock at emit time. A subscriber's stream
// is gap-free and duplicate-free relative to that ordering: the live queue
// is registered before replay starts, and replayed/live events are merged by
// filtering on the last delivered seq.
//
// Overflow policy: each subscriber queue is bounded. When a queue is full
// the oldest unread event for that subscriber is dropped to make room, so a
// slow consumer degrades only its own stream and never blocks emitters or
// other consumers.
package eventlog

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/leash-dev/leash/internal/storage"
	"github.com/leash-dev/leash/pkg/event"
	"github.com/leash-dev/leash/pkg/observability"
)

const (
	// DefaultQueueCapacity bounds each subscriber's undelivered event queue.
	DefaultQueueCapacity = 256

	// recentOutputWindow is how many normalized output fragments are kept
	// for duplicate suppression.
	recentOutputWindow = 10
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// Log owns sequence assignment, durable append, and live fan-out for every
// session's event stream.
type Log struct {
	backend  storage.Backend
	queueCap int

	mu       sync.RWMutex
	sessions map[string]*sessionLog
}

// sessionLog holds the per-session emit lock and subscriber set. The
// subscriber set has its own guard so subscribe/unsubscribe never wait on an
// in-flight emit (or the backend write inside it).
type sessionLog struct {
	mu        sync.Mutex // serializes seq assignment + persist + fan-out
	seq       int64
	seqLoaded bool
	recent    []string // normalized recent output, newest last

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// New creates an event log backed by the given storage backend. queueCap
// bounds each subscriber queue; 0 selects DefaultQueueCapacity.
func New(backend storage.Backend, queueCap int) *Log {
	if queueCap <= 0 {
		queueCap = DefaultQueueCapacity
	}
	return &Log{
		backend:  backend,
		queueCap: queueCap,
		sessions: make(map[string]*sessionLog),
	}
}

func (l *Log) session(sessionID string) *sessionLog {
	l.mu.RLock()
	sl, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if ok {
		return sl
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if sl, ok := l.sessions[sessionID]; ok {
		return sl
	}
	sl = &sessionLog{subs: make(map[*Subscription]struct{})}
	l.sessions[sessionID] = sl
	return sl
}

// Emit assigns the next sequence number, persists the event, and pushes it
// to every live subscriber of the session. The full sequence (assign,
// persist, fan out) happens under the session's log lock, so concurrent
// emitters can never interleave or reorder.
func (l *Log) Emit(ctx context.Context, sessionID string, payload event.Payload) (*event.Event, error) {
	sl := l.session(sessionID)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if !sl.seqLoaded {
		last, err := l.backend.LastSeq(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("restore sequence counter: %w", err)
		}
		sl.seq = last
		sl.seqLoaded = true
	}

	sl.seq++
	ev := &event.Event{
		SessionID: sessionID,
		TS:        event.Timestamp(time.Now()),
		Seq:       sl.seq,
		Type:      payload.EventType(),
		Data:      payload,
	}

	if err := l.backend.AppendEvent(ctx, sessionID, ev); err != nil {
		// Roll the counter back so the next emit reuses the seq; nothing was
		// persisted or delivered.
		sl.seq--
		return nil, fmt.Errorf("append event: %w", err)
	}

	sl.subMu.Lock()
	subs := make([]*Subscription, 0, len(sl.subs))
	for sub := range sl.subs {
		subs = append(subs, sub)
	}
	sl.subMu.Unlock()

	for _, sub := range subs {
		sub.push(ev)
	}

	observability.RecordEventEmitted(sessionID, string(ev.Type))
	return ev, nil
}

// ShouldEmitOutput reports whether candidate output text should be emitted,
// suppressing empty fragments and recent duplicates (e.g. a backend flushing
// the same chunk twice). Must be checked at most once per candidate: a true
// result records the fragment.
func (l *Log) ShouldEmitOutput(sessionID, text string) bool {
	normalized := normalizeOutput(text)
	if normalized == "" {
		return false
	}

	sl := l.session(sessionID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	for _, prev := range sl.recent {
		if prev == normalized {
			return false
		}
	}
	sl.recent = append(sl.recent, normalized)
	if len(sl.recent) > recentOutputWindow {
		sl.recent = sl.recent[len(sl.recent)-recentOutputWindow:]
	}
	return true
}

// RecentOutput returns the session's recent normalized output fragments,
// oldest first.
func (l *Log) RecentOutput(sessionID string) []string {
	sl := l.session(sessionID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	out := make([]string, len(sl.recent))
	copy(out, sl.recent)
	return out
}

// ClearRecentOutput resets the duplicate-suppression window, e.g. when a
// session restarts.
func (l *Log) ClearRecentOutput(sessionID string) {
	sl := l.session(sessionID)
	sl.mu.Lock()
	sl.recent = nil
	sl.mu.Unlock()
}

// normalizeOutput strips ANSI codes and collapses whitespace for stable
// duplicate comparisons.
func normalizeOutput(text string) string {
	stripped := ansiPattern.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(stripped), " ")
}

// Subscribe registers a new consumer for a session's stream. All durably
// logged events with seq > sinceSeq are delivered first, then the stream
// switches to live delivery with no gap and no duplicate: the live queue is
// registered before replay is read, and anything the replay already covered
// is filtered by seq.
func (l *Log) Subscribe(ctx context.Context, sessionID string, sinceSeq int64) (*Subscription, error) {
	sl := l.session(sessionID)

	sub := &Subscription{
		log:       l,
		sessionID: sessionID,
		live:      make(chan *event.Event, l.queueCap),
		out:       make(chan *event.Event, 16),
		done:      make(chan struct{}),
	}

	sl.subMu.Lock()
	sl.subs[sub] = struct{}{}
	sl.subMu.Unlock()

	replay, err := l.backend.ReadEvents(ctx, sessionID, sinceSeq, 0)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("replay events: %w", err)
	}

	observability.SetSubscribers(sessionID, l.SubscriberCount(sessionID))
	go sub.pump(replay, sinceSeq)
	return sub, nil
}

// SubscriberCount returns the number of live subscribers for a session.
func (l *Log) SubscriberCount(sessionID string) int {
	sl := l.session(sessionID)
	sl.subMu.Lock()
	defer sl.subMu.Unlock()
	return len(sl.subs)
}

// DropSession closes every subscriber for a session and discards its
// in-memory log state. The durable log is left to the storage backend's
// delete path.
func (l *Log) DropSession(sessionID string) {
	l.mu.Lock()
	sl, ok := l.sessions[sessionID]
	if ok {
		delete(l.sessions, sessionID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	sl.subMu.Lock()
	subs := make([]*Subscription, 0, len(sl.subs))
	for sub := range sl.subs {
		subs = append(subs, sub)
	}
	sl.subMu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	observability.SetSubscribers(sessionID, 0)
}

// unsubscribe removes a subscription from its session's set.
func (l *Log) unsubscribe(sub *Subscription) {
	l.mu.RLock()
	sl, ok := l.sessions[sub.sessionID]
	l.mu.RUnlock()
	if !ok {
		return
	}
	sl.subMu.Lock()
	delete(sl.subs, sub)
	remaining := len(sl.subs)
	sl.subMu.Unlock()
	observability.SetSubscribers(sub.sessionID, remaining)
}

// Subscription is one consumer's ordered, bounded view of a session stream.
type Subscription struct {
	log       *Log
	sessionID string
	live      chan *event.Event
	out       chan *event.Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the ordered event stream. The channel is closed when the
// subscription is closed or the session is dropped.
func (s *Subscription) Events() <-chan *event.Event {
	return s.out
}

// Close unregisters the subscription and releases its queue.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.log.unsubscribe(s)
		close(s.done)
	})
}

// push enqueues a live event, dropping the subscriber's oldest unread event
// when the queue is full. Called only with the session's emit lock held, so
// pushes to one queue never race each other.
func (s *Subscription) push(ev *event.Event) {
	for {
		select {
		case <-s.done:
			return
		case s.live <- ev:
			return
		default:
		}
		select {
		case <-s.live:
			observability.RecordSubscriberDrop(s.sessionID)
		default:
		}
	}
}

// pump delivers replayed events followed by live events, filtering on the
// last delivered seq so an event emitted during replay is delivered exactly
// once, in order.
func (s *Subscription) pump(replay []*event.Event, sinceSeq int64) {
	defer close(s.out)

	lastSeq := sinceSeq
	for _, ev := range replay {
		if ev.Seq <= lastSeq {
			continue
		}
		select {
		case s.out <- ev:
			lastSeq = ev.Seq
		case <-s.done:
			return
		}
	}

	for {
		select {
		case <-s.done:
			return
		case ev := <-s.live:
			if ev.Seq <= lastSeq {
				continue
			}
			select {
			case s.out <- ev:
				lastSeq = ev.Seq
			case <-s.done:
				return
			}
		}
	}
}
