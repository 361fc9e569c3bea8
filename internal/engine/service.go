// Package engine wires the backup store, sync orchestrator, conflict store,
// rule registry, scheduler and restore coordinator behind one Service.
package engine

import (
	"context"
	"time"

	"github.com/juju/clock"

	"famsync/internal/backup"
	"famsync/internal/codec"
	"famsync/internal/config"
	"famsync/internal/conflict"
	"famsync/internal/datasource"
	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
	"famsync/internal/metrics"
	"famsync/internal/model"
	"famsync/internal/restore"
	"famsync/internal/rules"
	"famsync/internal/scheduler"
	"famsync/internal/state"
	"famsync/internal/syncer"
)

// Deps are the collaborators and settings of a Service. Repo, Source and
// Local are required; everything else has a default.
type Deps struct {
	Repo   state.Repository
	Source datasource.Source
	Local  backup.StorageProvider
	Remote *backup.RemoteStore
	Codec  *codec.Codec

	Compression     model.CompressionType
	Retention       backup.RetentionPolicy
	Retry           apperrors.RetryConfig
	HistoryLimit    int
	RuleOverrides   map[string]model.SyncRule
	Workers         int
	TickInterval    time.Duration
	DefaultPriority int

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Collector
}

// BackupOptions selects what a backup contains and how it is stored
type BackupOptions struct {
	backup.CreateOptions `yaml:",inline"`
	// Modules limits the backup; empty means every registered module
	Modules []string `json:"modules,omitempty" yaml:"modules"`
}

// Service is the engine's public surface
type Service struct {
	repo      state.Repository
	source    datasource.Source
	remote    *backup.RemoteStore
	codec     *codec.Codec
	backups   *backup.Store
	rules     *rules.Registry
	conflicts *conflict.Store
	syncer    *syncer.Orchestrator
	scheduler *scheduler.Scheduler
	restorer  *restore.Coordinator

	retention       backup.RetentionPolicy
	defaultPriority int
	clock           clock.Clock
	logger          *logging.Logger
	metrics         *metrics.Collector
}

// New builds a Service from deps and loads persisted rule overrides
func New(ctx context.Context, deps Deps) (*Service, error) {
	var errs apperrors.ValidationErrors
	if deps.Repo == nil {
		errs.Add("repo", "state repository is required", nil)
	}
	if deps.Source == nil {
		errs.Add("source", "data source is required", nil)
	}
	if deps.Local == nil {
		errs.Add("local", "local storage provider is required", nil)
	}
	errs.Merge("retention", deps.Retention.Validate())
	if err := errs.AsError("invalid engine dependencies"); err != nil {
		return nil, err
	}

	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	deps.Logger = logging.OrDefault(deps.Logger)
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}
	if deps.Codec == nil {
		deps.Codec = codec.New(nil, nil)
	}
	if deps.Remote == nil {
		deps.Remote = backup.NewRemoteStore(backup.RemoteOptions{Clock: deps.Clock, Logger: deps.Logger})
	}

	registry := rules.NewRegistry(deps.Repo, deps.Logger)
	if err := registry.ApplyOverrides(deps.RuleOverrides); err != nil {
		return nil, err
	}
	if err := registry.Load(ctx); err != nil {
		return nil, err
	}

	backups, err := backup.NewStore(backup.StoreOptions{
		Codec:              deps.Codec,
		Local:              deps.Local,
		Remote:             deps.Remote,
		Catalog:            deps.Repo,
		DefaultCompression: deps.Compression,
		Clock:              deps.Clock,
		Logger:             deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	conflicts := conflict.NewStore(deps.Repo, deps.Source, deps.Clock, deps.Logger)

	orchestrator, err := syncer.NewOrchestrator(syncer.Options{
		Rules:        registry,
		Source:       deps.Source,
		Remote:       deps.Remote,
		Repo:         deps.Repo,
		Conflicts:    conflicts,
		Codec:        deps.Codec,
		Retry:        deps.Retry,
		Compression:  deps.Compression,
		HistoryLimit: deps.HistoryLimit,
		Clock:        deps.Clock,
		Logger:       deps.Logger,
		Metrics:      deps.Metrics,
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		repo:            deps.Repo,
		source:          deps.Source,
		remote:          deps.Remote,
		codec:           deps.Codec,
		backups:         backups,
		rules:           registry,
		conflicts:       conflicts,
		syncer:          orchestrator,
		restorer:        restore.NewCoordinator(backups, deps.Source, conflicts, deps.Clock, deps.Logger),
		retention:       deps.Retention,
		defaultPriority: deps.DefaultPriority,
		clock:           deps.Clock,
		logger:          deps.Logger,
		metrics:         deps.Metrics,
	}

	s.scheduler, err = scheduler.New(scheduler.Config{
		Syncer:       orchestrator,
		Backuper:     s,
		Workers:      deps.Workers,
		TickInterval: deps.TickInterval,
		Interval:     func() time.Duration { return registry.Snapshot().MinInterval() },
		Clock:        deps.Clock,
		Logger:       deps.Logger,
		Metrics:      deps.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewFromConfig opens state and storage described by cfg and builds a Service.
// A remote store that fails its first probe is logged and left unconfigured.
func NewFromConfig(ctx context.Context, cfg *config.Config, source datasource.Source, logger *logging.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid configuration", err)
	}
	logger = logging.OrDefault(logger)

	local, err := backup.NewLocalStorageProvider(&backup.LocalConfig{BasePath: cfg.Storage.BackupDir(), Permissions: 0755})
	if err != nil {
		return nil, err
	}

	repo, err := state.Open(ctx, cfg.State, logger)
	if err != nil {
		return nil, err
	}

	var em *codec.EncryptionManager
	enc := codec.EncryptionConfig{KeyFile: cfg.Codec.KeyFile, Passphrase: cfg.Passphrase(), Salt: cfg.Codec.Salt}
	if enc.Configured() {
		em = codec.NewEncryptionManager(enc)
	}

	retry := apperrors.DefaultRetryConfig()
	retry.BaseDelay = cfg.Sync.RetryBaseDelay
	retry.MaxDelay = cfg.Sync.RetryMaxDelay

	remote := backup.NewRemoteStore(backup.RemoteOptions{
		ProbeTimeout: cfg.Remote.Timeout,
		ProbeTTL:     cfg.Remote.ProbeTTL,
		Logger:       logger,
	})

	s, err := New(ctx, Deps{
		Repo:            repo,
		Source:          source,
		Local:           local,
		Remote:          remote,
		Codec:           codec.New(nil, em),
		Compression:     cfg.Codec.Compression,
		Retention:       cfg.Retention,
		Retry:           retry,
		HistoryLimit:    cfg.Sync.HistoryLimit,
		RuleOverrides:   cfg.Rules,
		Workers:         cfg.Scheduler.Workers,
		TickInterval:    cfg.Scheduler.TickInterval,
		DefaultPriority: cfg.Scheduler.DefaultPriority,
		Logger:          logger,
	})
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	if cfg.Remote.Enabled() {
		if ok, err := s.ConfigureRemoteStore(ctx, cfg.Remote.StorageConfig); !ok {
			logger.WithField("provider", cfg.Remote.Provider).WithError(err).Warn("Remote store unavailable; continuing offline")
		}
	}
	return s, nil
}

// Close stops the scheduler and closes the state repository
func (s *Service) Close() error {
	s.scheduler.Stop()
	return s.repo.Close()
}

// Metrics returns the Prometheus collector fed by every component
func (s *Service) Metrics() *metrics.Collector {
	return s.metrics
}

// CreateBackup snapshots the family's modules and stores them as one backup
func (s *Service) CreateBackup(ctx context.Context, familyID, userID string, opts BackupOptions) (*model.Backup, error) {
	if familyID == "" {
		return nil, apperrors.NewValidationError("family id is required", nil)
	}
	names := opts.Modules
	if len(names) == 0 {
		names = s.rules.Modules()
	}

	modules := make([]model.ModuleSnapshot, 0, len(names))
	for _, name := range names {
		snap, err := s.source.GetModule(ctx, familyID, name)
		if err != nil {
			return nil, apperrors.WrapError(err, "failed to read module "+name)
		}
		modules = append(modules, snap)
	}

	b, err := s.backups.Create(ctx, familyID, userID, modules, opts.CreateOptions)
	if err != nil {
		return nil, err
	}
	s.metrics.BackupCreated(b.SizeBytes, b.CompressionRatio, b.RemoteUploaded)
	return b, nil
}

// RestoreBackup applies a backup to live data and reports whether it succeeded
func (s *Service) RestoreBackup(ctx context.Context, backupID string, opts restore.Options) (bool, error) {
	return s.restorer.Restore(ctx, backupID, opts)
}

// ListBackups returns the family's backups, newest first
func (s *Service) ListBackups(ctx context.Context, familyID string) ([]*model.Backup, error) {
	return s.backups.List(ctx, familyID)
}

// LoadBackup returns a verified backup including its records
func (s *Service) LoadBackup(ctx context.Context, backupID string) (*model.Backup, error) {
	return s.backups.Load(ctx, backupID)
}

// DeleteBackup removes a backup locally and, best effort, remotely
func (s *Service) DeleteBackup(ctx context.Context, backupID string) error {
	return s.backups.Delete(ctx, backupID)
}

// EnforceRetention applies the configured retention policy to the family
func (s *Service) EnforceRetention(ctx context.Context, familyID string, dryRun bool) (*backup.RetentionResult, error) {
	result, err := s.backups.EnforceRetention(ctx, familyID, s.retention, dryRun)
	if err != nil {
		return nil, err
	}
	if !dryRun {
		s.metrics.RetentionDeleted(len(result.DeletedIDs))
	}
	return result, nil
}

// BackupAfterSync takes the scheduled post-sync backup and prunes old ones
func (s *Service) BackupAfterSync(ctx context.Context, familyID, userID string) error {
	b, err := s.CreateBackup(ctx, familyID, userID, BackupOptions{
		CreateOptions: backup.CreateOptions{
			Compress:     true,
			Encrypt:      s.codec.CanEncrypt(),
			UploadRemote: s.remote.Provider() != nil,
			DeviceMeta:   model.DeviceMeta{DeviceClass: "scheduler"},
		},
	})
	if err != nil {
		return err
	}
	if _, err := s.EnforceRetention(ctx, familyID, false); err != nil {
		s.logger.WithFields(map[string]interface{}{"family_id": familyID, "backup_id": b.ID}).
			WithError(err).Warn("Retention after scheduled backup failed")
		return err
	}
	return nil
}

// StartSync runs one sync for the family and returns the finished run
func (s *Service) StartSync(ctx context.Context, familyID, userID string, force bool) (*model.SyncRun, error) {
	return s.syncer.StartSync(ctx, familyID, userID, force)
}

// CancelSync asks a pending or running sync to stop at the next module boundary
func (s *Service) CancelSync(ctx context.Context, runID string) error {
	return s.syncer.CancelSync(ctx, runID)
}

// GetSyncRun returns a run by id
func (s *Service) GetSyncRun(ctx context.Context, runID string) (*model.SyncRun, error) {
	return s.syncer.GetSyncRun(ctx, runID)
}

// ListSyncRuns returns the family's run history, newest first
func (s *Service) ListSyncRuns(ctx context.Context, familyID string) ([]*model.SyncRun, error) {
	return s.syncer.ListSyncRuns(ctx, familyID)
}

// ListConflicts returns the family's conflicts, newest first
func (s *Service) ListConflicts(ctx context.Context, familyID string, pendingOnly bool) ([]*model.Conflict, error) {
	return s.conflicts.List(ctx, familyID, pendingOnly)
}

// ResolveConflict settles a pending conflict by keeping one side
func (s *Service) ResolveConflict(ctx context.Context, conflictID string, resolution model.Resolution, actorID string) (bool, error) {
	return s.resolve(ctx, conflictID, resolution, nil, actorID)
}

// ResolveConflictMerged settles a pending conflict with a caller-built record
func (s *Service) ResolveConflictMerged(ctx context.Context, conflictID string, merged *model.Record, actorID string) (bool, error) {
	return s.resolve(ctx, conflictID, model.ResolutionMerged, merged, actorID)
}

func (s *Service) resolve(ctx context.Context, conflictID string, resolution model.Resolution, merged *model.Record, actorID string) (bool, error) {
	if _, err := s.conflicts.Resolve(ctx, conflictID, resolution, merged, actorID); err != nil {
		return false, err
	}
	s.metrics.ConflictResolved(string(resolution))
	return true, nil
}

// SetSyncRule validates and persists a module rule; it applies from the next run
func (s *Service) SetSyncRule(ctx context.Context, module string, rule model.SyncRule) error {
	return s.rules.Set(ctx, module, rule)
}

// ResetSyncRule drops a persisted rule override
func (s *Service) ResetSyncRule(ctx context.Context, module string) error {
	return s.rules.Reset(ctx, module)
}

// GetSyncRule returns the module's rule, or the fallback for unknown modules
func (s *Service) GetSyncRule(module string) model.SyncRule {
	return s.rules.Get(module)
}

// SyncRules returns the complete rule table
func (s *Service) SyncRules() map[string]model.SyncRule {
	return s.rules.All()
}

// Modules returns the module processing order
func (s *Service) Modules() []string {
	return s.rules.Modules()
}

// ConfigureRemoteStore builds and probes a remote provider. On success it
// replaces the active provider; on failure the previous one stays active.
func (s *Service) ConfigureRemoteStore(ctx context.Context, cfg backup.StorageConfig) (bool, error) {
	if err := s.remote.Configure(ctx, cfg); err != nil {
		return false, err
	}
	s.logger.WithField("provider", cfg.Provider).Info("Remote store configured")
	return true, nil
}

// CheckRemote probes the active remote provider
func (s *Service) CheckRemote(ctx context.Context) error {
	s.remote.Invalidate()
	_, err := s.remote.Online(ctx)
	return err
}

// ScheduleAutomatic queues a sync for the family. A priority below zero
// uses the configured default.
func (s *Service) ScheduleAutomatic(familyID, userID string, dueAt time.Time, priority int, opts scheduler.ScheduleOptions) (scheduler.Entry, error) {
	if priority < 0 {
		priority = s.defaultPriority
	}
	return s.scheduler.ScheduleAutomatic(familyID, userID, dueAt, priority, opts)
}

// CancelScheduled drops the family's queued sync
func (s *Service) CancelScheduled(familyID string) bool {
	return s.scheduler.Cancel(familyID)
}

// PendingScheduled lists queued syncs in dispatch order
func (s *Service) PendingScheduled() []scheduler.Entry {
	return s.scheduler.Pending()
}

// RunScheduled dispatches due entries once and waits for them
func (s *Service) RunScheduled(ctx context.Context) int {
	return s.scheduler.RunDue(ctx)
}

// StartScheduler launches the background scheduling loop
func (s *Service) StartScheduler(ctx context.Context) {
	s.scheduler.Start(ctx)
}

// StopScheduler stops the loop and waits for in-flight work
func (s *Service) StopScheduler() {
	s.scheduler.Stop()
}
