package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
	"famsync/internal/model"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSyncer struct {
	mu      sync.Mutex
	calls   []string
	running map[string]bool
	status  model.SyncStatus
	err     error
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{running: make(map[string]bool), status: model.SyncStatusCompleted}
}

func (f *fakeSyncer) StartSync(ctx context.Context, familyID, userID string, force bool) (*model.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, familyID)
	if f.err != nil {
		return nil, f.err
	}
	return &model.SyncRun{ID: "sync-" + familyID, FamilyID: familyID, Status: f.status}, nil
}

func (f *fakeSyncer) IsRunning(familyID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[familyID]
}

func (f *fakeSyncer) setRunning(familyID string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[familyID] = running
}

func (f *fakeSyncer) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type mockBackuper struct {
	mock.Mock
}

func (m *mockBackuper) BackupAfterSync(ctx context.Context, familyID, userID string) error {
	return m.Called(ctx, familyID, userID).Error(0)
}

func newScheduler(t *testing.T, syncer Syncer, mutate ...func(*Config)) (*Scheduler, *testclock.Clock) {
	clk := testclock.NewClock(epoch)
	cfg := Config{
		Syncer:       syncer,
		Workers:      1,
		TickInterval: time.Minute,
		Clock:        clk,
		Logger:       logging.NewNopLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s, clk
}

func TestPendingOrder(t *testing.T) {
	s, _ := newScheduler(t, newFakeSyncer())

	_, err := s.ScheduleAutomatic("low", "u", epoch, 1, ScheduleOptions{})
	require.NoError(t, err)
	_, err = s.ScheduleAutomatic("high-late", "u", epoch.Add(time.Hour), 5, ScheduleOptions{})
	require.NoError(t, err)
	_, err = s.ScheduleAutomatic("high-early", "u", epoch, 5, ScheduleOptions{})
	require.NoError(t, err)

	var order []string
	for _, e := range s.Pending() {
		order = append(order, e.FamilyID)
	}
	assert.Equal(t, []string{"high-early", "high-late", "low"}, order)

	// rescheduling replaces the family's entry
	_, err = s.ScheduleAutomatic("low", "u", epoch, 9, ScheduleOptions{})
	require.NoError(t, err)
	pending := s.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "low", pending[0].FamilyID)

	assert.True(t, s.Cancel("low"))
	assert.False(t, s.Cancel("low"))
	assert.False(t, s.Cancel("never-queued"))
	assert.Len(t, s.Pending(), 2)

	_, err = s.ScheduleAutomatic("", "u", epoch, 1, ScheduleOptions{})
	assert.True(t, apperrors.IsValidation(err))
}

func TestRunDueDispatchesInOrder(t *testing.T) {
	syncer := newFakeSyncer()
	s, clk := newScheduler(t, syncer)

	_, _ = s.ScheduleAutomatic("fam-a", "u", epoch, 1, ScheduleOptions{})
	_, _ = s.ScheduleAutomatic("fam-b", "u", epoch, 3, ScheduleOptions{})
	_, _ = s.ScheduleAutomatic("fam-later", "u", epoch.Add(time.Hour), 9, ScheduleOptions{})

	assert.Equal(t, 2, s.RunDue(context.Background()))
	assert.Equal(t, []string{"fam-b", "fam-a"}, syncer.callList())
	require.Len(t, s.Pending(), 1)

	clk.Advance(time.Hour)
	assert.Equal(t, 1, s.RunDue(context.Background()))
	assert.Empty(t, s.Pending())
}

func TestBusyFamilyIsDeferred(t *testing.T) {
	syncer := newFakeSyncer()
	s, _ := newScheduler(t, syncer)
	syncer.setRunning("fam1", true)

	_, _ = s.ScheduleAutomatic("fam1", "u", epoch, 1, ScheduleOptions{})
	assert.Zero(t, s.RunDue(context.Background()))
	assert.Len(t, s.Pending(), 1, "deferred, not dropped")

	syncer.setRunning("fam1", false)
	assert.Equal(t, 1, s.RunDue(context.Background()))
	assert.Empty(t, s.Pending())
}

func TestAlreadyRunningRequeues(t *testing.T) {
	syncer := newFakeSyncer()
	syncer.err = apperrors.NewAlreadyRunningError("fam1", "sync-x")
	s, _ := newScheduler(t, syncer)

	_, _ = s.ScheduleAutomatic("fam1", "u", epoch, 1, ScheduleOptions{})
	s.RunDue(context.Background())
	assert.Len(t, s.Pending(), 1)
}

func TestBackupAndRecurrence(t *testing.T) {
	syncer := newFakeSyncer()
	backuper := &mockBackuper{}
	backuper.On("BackupAfterSync", mock.Anything, "fam1", "u1").Return(nil).Once()

	s, _ := newScheduler(t, syncer, func(c *Config) {
		c.Backuper = backuper
		c.Interval = func() time.Duration { return 15 * time.Minute }
	})

	_, _ = s.ScheduleAutomatic("fam1", "u1", epoch, 2, ScheduleOptions{WithBackup: true, Recurring: true})
	s.RunDue(context.Background())

	backuper.AssertExpectations(t)
	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, epoch.Add(15*time.Minute), pending[0].DueAt)
	assert.True(t, pending[0].Recurring)
	assert.Equal(t, 2, pending[0].Priority)
}

func TestNoBackupWhenRunFailed(t *testing.T) {
	syncer := newFakeSyncer()
	syncer.status = model.SyncStatusFailed
	backuper := &mockBackuper{}

	s, _ := newScheduler(t, syncer, func(c *Config) { c.Backuper = backuper })
	_, _ = s.ScheduleAutomatic("fam1", "u1", epoch, 1, ScheduleOptions{WithBackup: true})
	s.RunDue(context.Background())

	backuper.AssertNotCalled(t, "BackupAfterSync", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, s.Pending())
}

func TestBackgroundLoop(t *testing.T) {
	syncer := newFakeSyncer()
	s, clk := newScheduler(t, syncer)
	_, _ = s.ScheduleAutomatic("fam1", "u1", epoch.Add(30*time.Second), 1, ScheduleOptions{})

	s.Start(context.Background())
	defer s.Stop()

	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	assert.Eventually(t, func() bool {
		return len(syncer.callList()) == 1
	}, time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}
