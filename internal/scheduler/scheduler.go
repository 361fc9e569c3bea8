// Package scheduler queues automatic syncs and runs them from a background loop.
package scheduler

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
	"famsync/internal/metrics"
	"famsync/internal/model"
)

// Syncer runs syncs for the scheduler
type Syncer interface {
	StartSync(ctx context.Context, familyID, userID string, force bool) (*model.SyncRun, error)
	IsRunning(familyID string) bool
}

// Backuper takes the post-sync backup and applies retention
type Backuper interface {
	BackupAfterSync(ctx context.Context, familyID, userID string) error
}

// ScheduleOptions tunes one queued entry
type ScheduleOptions struct {
	WithBackup bool `json:"with_backup" yaml:"with_backup"`
	Recurring  bool `json:"recurring" yaml:"recurring"`
}

// Config wires a Scheduler
type Config struct {
	Syncer       Syncer
	Backuper     Backuper
	Workers      int
	TickInterval time.Duration
	// Interval returns the recurrence period; zero disables re-queueing
	Interval func() time.Duration
	Clock    clock.Clock
	Logger   *logging.Logger
	Metrics  *metrics.Collector
}

// Scheduler is a priority queue of automatic syncs with at most one entry per family
type Scheduler struct {
	syncer   Syncer
	backuper Backuper
	workers  int
	tick     time.Duration
	interval func() time.Duration
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.Collector

	mu       sync.Mutex
	queue    entryQueue
	byFamily map[string]*Entry
	seq      uint64

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler
func New(cfg Config) (*Scheduler, error) {
	if cfg.Syncer == nil {
		return nil, apperrors.NewValidationError("scheduler requires a syncer", nil)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.Interval == nil {
		cfg.Interval = func() time.Duration { return 0 }
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Scheduler{
		syncer:   cfg.Syncer,
		backuper: cfg.Backuper,
		workers:  cfg.Workers,
		tick:     cfg.TickInterval,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   logging.OrDefault(cfg.Logger),
		metrics:  cfg.Metrics,
		byFamily: make(map[string]*Entry),
	}, nil
}

// ScheduleAutomatic queues a sync, replacing any entry already queued for the family
func (s *Scheduler) ScheduleAutomatic(familyID, userID string, dueAt time.Time, priority int, opts ScheduleOptions) (Entry, error) {
	if familyID == "" {
		return Entry{}, apperrors.NewValidationError("family id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(familyID)
	s.seq++
	e := &Entry{
		FamilyID:   familyID,
		UserID:     userID,
		DueAt:      dueAt,
		Priority:   priority,
		WithBackup: opts.WithBackup,
		Recurring:  opts.Recurring,
		seq:        s.seq,
	}
	heap.Push(&s.queue, e)
	s.byFamily[familyID] = e
	s.metrics.SetScheduled(len(s.queue))
	return *e, nil
}

// Cancel drops the family's queued entry. It reports whether one existed.
func (s *Scheduler) Cancel(familyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.removeLocked(familyID)
	s.metrics.SetScheduled(len(s.queue))
	return ok
}

func (s *Scheduler) removeLocked(familyID string) bool {
	e, ok := s.byFamily[familyID]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, e.index)
	delete(s.byFamily, familyID)
	return true
}

// Pending returns queued entries by priority descending, then due time
func (s *Scheduler) Pending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(*Entry) bool { return true })
}

func (s *Scheduler) sortedLocked(keep func(*Entry) bool) []Entry {
	q := make(entryQueue, 0, len(s.queue))
	for _, e := range s.queue {
		if keep(e) {
			q = append(q, e)
		}
	}
	sort.Sort(sortable{q})
	out := make([]Entry, len(q))
	for i, e := range q {
		out[i] = *e
	}
	return out
}

// sortable sorts a copy without touching heap indexes
type sortable struct{ entryQueue }

func (s sortable) Swap(i, j int) { s.entryQueue[i], s.entryQueue[j] = s.entryQueue[j], s.entryQueue[i] }

// takeDue removes the due entries whose family is idle. Busy families stay queued.
func (s *Scheduler) takeDue(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := s.sortedLocked(func(e *Entry) bool { return !e.DueAt.After(now) })
	taken := due[:0]
	for _, e := range due {
		if s.syncer.IsRunning(e.FamilyID) {
			s.logger.WithField("family_id", e.FamilyID).Debug("Deferring scheduled sync; family is busy")
			continue
		}
		s.removeLocked(e.FamilyID)
		taken = append(taken, e)
	}
	s.metrics.SetScheduled(len(s.queue))
	return taken
}

// RunDue dispatches every due entry to the worker pool and waits for them.
// It returns the number of entries dispatched.
func (s *Scheduler) RunDue(ctx context.Context) int {
	entries := s.takeDue(s.clock.Now())
	if len(entries) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			s.run(gctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return len(entries)
}

func (s *Scheduler) run(ctx context.Context, e Entry) {
	fields := map[string]interface{}{"family_id": e.FamilyID, "priority": e.Priority}
	run, err := s.syncer.StartSync(ctx, e.FamilyID, e.UserID, false)

	switch {
	case apperrors.IsAlreadyRunning(err):
		s.requeue(e, e.DueAt)
		return
	case err != nil:
		s.logger.WithFields(fields).WithError(err).Warn("Scheduled sync did not complete")
	case e.WithBackup && run.Status == model.SyncStatusCompleted && s.backuper != nil:
		if err := s.backuper.BackupAfterSync(ctx, e.FamilyID, e.UserID); err != nil {
			s.logger.WithFields(fields).WithError(err).Warn("Post-sync backup failed")
		}
	}

	if e.Recurring {
		if every := s.interval(); every > 0 {
			s.requeue(e, s.clock.Now().Add(every))
		}
	}
}

// requeue puts e back unless a newer entry for the family was scheduled meanwhile
func (s *Scheduler) requeue(e Entry, dueAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byFamily[e.FamilyID]; exists {
		return
	}
	s.seq++
	next := e
	next.DueAt = dueAt
	next.seq = s.seq
	heap.Push(&s.queue, &next)
	s.byFamily[e.FamilyID] = &next
	s.metrics.SetScheduled(len(s.queue))
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.done != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.WithFields(map[string]interface{}{"workers": s.workers, "tick": s.tick.String()}).Info("Scheduler started")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.tick):
			s.RunDue(ctx)
		}
	}
}

// Stop ends the loop and waits for in-flight work
func (s *Scheduler) Stop() {
	s.loopMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Scheduler stopped")
}
