// Package maintenance runs the background housekeeping loop: pruning
// sessions past their retention, capping the session count, and
// interrupting turns that have gone silent for too long.
package maintenance

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/leash-dev/leash/internal/session"
	"github.com/leash-dev/leash/internal/state"
	"github.com/leash-dev/leash/internal/storage"
	"github.com/leash-dev/leash/pkg/observability"
)

// Options configures the maintenance loop.
type Options struct {
	// Schedule is a cron spec, e.g. "@every 5m".
	Schedule string

	// Retention is how long an idle session is kept after its last
	// activity. 0 disables pruning.
	Retention time.Duration

	// IdleTimeout interrupts RUNNING sessions with no activity for this
	// long. 0 disables idle interrupts.
	IdleTimeout time.Duration

	// MaxSessions caps the total session count; the oldest idle sessions
	// are pruned first. 0 means unlimited.
	MaxSessions int
}

// Loop owns the scheduled housekeeping job.
type Loop struct {
	store *session.Store
	opts  Options
	cron  *cron.Cron
}

// New creates the loop; Start schedules it.
func New(store *session.Store, opts Options) *Loop {
	return &Loop{
		store: store,
		opts:  opts,
		cron:  cron.New(),
	}
}

// Start schedules the housekeeping job and starts the cron runner.
func (l *Loop) Start() error {
	if _, err := l.cron.AddFunc(l.opts.Schedule, func() {
		l.RunOnce(context.Background())
	}); err != nil {
		return err
	}
	l.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (l *Loop) Stop() {
	ctx := l.cron.Stop()
	<-ctx.Done()
}

// RunOnce executes one housekeeping pass. Exported so tests and operators
// can trigger it directly.
func (l *Loop) RunOnce(ctx context.Context) {
	sessions, err := l.store.List(ctx)
	if err != nil {
		log.Printf("maintenance: list sessions: %v", err)
		return
	}

	l.interruptIdle(ctx, sessions)
	remaining := l.pruneExpired(ctx, sessions)
	l.enforceCap(ctx, remaining)
	l.refreshGauges(ctx)
}

// refreshGauges republishes the per-state session counts after a pass.
func (l *Loop) refreshGauges(ctx context.Context) {
	sessions, err := l.store.List(ctx)
	if err != nil {
		log.Printf("maintenance: list sessions: %v", err)
		return
	}
	counts := make(map[state.State]int)
	for _, rec := range sessions {
		counts[rec.State]++
	}
	for _, st := range []state.State{state.Created, state.Running, state.AwaitingInput, state.Interrupting, state.ErrorState} {
		observability.SetActiveSessions(string(st), counts[st])
	}
}

// interruptIdle stops RUNNING turns that have produced nothing for longer
// than the idle timeout.
func (l *Loop) interruptIdle(ctx context.Context, sessions []*storage.SessionRecord) {
	if l.opts.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-l.opts.IdleTimeout)
	for _, rec := range sessions {
		if rec.State != state.Running || rec.LastActivityAt.After(cutoff) {
			continue
		}
		log.Printf("maintenance: interrupting idle session %s (last activity %s)", rec.ID, rec.LastActivityAt.Format(time.RFC3339))
		if err := l.store.Interrupt(ctx, rec.ID); err != nil {
			log.Printf("maintenance: interrupt %s: %v", rec.ID, err)
		}
	}
}

// pruneExpired deletes idle sessions past their retention and returns the
// survivors.
func (l *Loop) pruneExpired(ctx context.Context, sessions []*storage.SessionRecord) []*storage.SessionRecord {
	if l.opts.Retention <= 0 {
		return sessions
	}
	cutoff := time.Now().Add(-l.opts.Retention)
	remaining := sessions[:0]
	for _, rec := range sessions {
		if prunable(rec) && rec.LastActivityAt.Before(cutoff) {
			log.Printf("maintenance: pruning session %s (idle since %s)", rec.ID, rec.LastActivityAt.Format(time.RFC3339))
			if err := l.store.Delete(ctx, rec.ID); err != nil {
				log.Printf("maintenance: prune %s: %v", rec.ID, err)
				remaining = append(remaining, rec)
			}
			continue
		}
		remaining = append(remaining, rec)
	}
	return remaining
}

// enforceCap prunes the oldest idle sessions once the total exceeds
// MaxSessions. Active sessions are never evicted for the cap.
func (l *Loop) enforceCap(ctx context.Context, sessions []*storage.SessionRecord) {
	if l.opts.MaxSessions <= 0 || len(sessions) <= l.opts.MaxSessions {
		return
	}

	idle := make([]*storage.SessionRecord, 0, len(sessions))
	for _, rec := range sessions {
		if prunable(rec) {
			idle = append(idle, rec)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastActivityAt.Before(idle[j].LastActivityAt)
	})

	excess := len(sessions) - l.opts.MaxSessions
	for i := 0; i < excess && i < len(idle); i++ {
		rec := idle[i]
		log.Printf("maintenance: evicting session %s over cap", rec.ID)
		if err := l.store.Delete(ctx, rec.ID); err != nil {
			log.Printf("maintenance: evict %s: %v", rec.ID, err)
		}
	}
}

func prunable(rec *storage.SessionRecord) bool {
	return rec.State != state.Running && rec.State != state.Interrupting
}
