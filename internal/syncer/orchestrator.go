// Package syncer reconciles a family's local modules with the copy kept on the
// remote store and records each attempt as a SyncRun.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"famsync/internal/backup"
	"famsync/internal/codec"
	"famsync/internal/conflict"
	"famsync/internal/datasource"
	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
	"famsync/internal/metrics"
	"famsync/internal/model"
	"famsync/internal/rules"
	"famsync/internal/state"
)

// DefaultHistoryLimit is the number of runs kept per family
const DefaultHistoryLimit = 50

const manifestCacheKey = "manifest"

func moduleCacheKey(module string) string { return "module/" + module }

// Options wires an Orchestrator
type Options struct {
	Rules        *rules.Registry
	Source       datasource.Source
	Remote       *backup.RemoteStore
	Repo         state.Repository
	Conflicts    *conflict.Store
	Codec        *codec.Codec
	Retry        apperrors.RetryConfig
	Compression  model.CompressionType
	HistoryLimit int
	Clock        clock.Clock
	Logger       *logging.Logger
	Metrics      *metrics.Collector
}

type activeRun struct {
	runID     string
	cancelled atomic.Bool
}

// Orchestrator runs syncs. At most one run per family is active at a time.
type Orchestrator struct {
	rules        *rules.Registry
	source       datasource.Source
	remote       *backup.RemoteStore
	repo         state.Repository
	conflicts    *conflict.Store
	codec        *codec.Codec
	retry        apperrors.RetryConfig
	compression  model.CompressionType
	historyLimit int
	clock        clock.Clock
	logger       *logging.Logger
	metrics      *metrics.Collector

	mu       sync.Mutex
	byFamily map[string]*activeRun
	byRun    map[string]*activeRun
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	var errs apperrors.ValidationErrors
	if opts.Rules == nil {
		errs.Add("rules", "rule registry is required", nil)
	}
	if opts.Source == nil {
		errs.Add("source", "data source is required", nil)
	}
	if opts.Repo == nil {
		errs.Add("repo", "state repository is required", nil)
	}
	if err := errs.AsError("invalid orchestrator options"); err != nil {
		return nil, err
	}

	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Codec == nil {
		opts.Codec = codec.New(nil, nil)
	}
	if opts.Remote == nil {
		opts.Remote = backup.NewRemoteStore(backup.RemoteOptions{Clock: opts.Clock, Logger: opts.Logger})
	}
	if opts.Conflicts == nil {
		opts.Conflicts = conflict.NewStore(opts.Repo, opts.Source, opts.Clock, opts.Logger)
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = apperrors.DefaultRetryConfig()
	}
	if opts.Compression == "" {
		opts.Compression = model.CompressionTypeZstd
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}

	return &Orchestrator{
		rules:        opts.Rules,
		source:       opts.Source,
		remote:       opts.Remote,
		repo:         opts.Repo,
		conflicts:    opts.Conflicts,
		codec:        opts.Codec,
		retry:        opts.Retry,
		compression:  opts.Compression,
		historyLimit: opts.HistoryLimit,
		clock:        opts.Clock,
		logger:       logging.OrDefault(opts.Logger),
		metrics:      opts.Metrics,
		byFamily:     make(map[string]*activeRun),
		byRun:        make(map[string]*activeRun),
	}, nil
}

// NewRunID returns a fresh sync run id
func NewRunID() string {
	return "sync-" + uuid.New().String()
}

// IsRunning reports whether a run is active for the family
func (o *Orchestrator) IsRunning(familyID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.byFamily[familyID]
	return ok
}

func (o *Orchestrator) reserve(familyID string) (*activeRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.byFamily[familyID]; ok {
		return nil, apperrors.NewAlreadyRunningError(familyID, a.runID)
	}
	a := &activeRun{}
	o.byFamily[familyID] = a
	return a, nil
}

func (o *Orchestrator) bind(a *activeRun, runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a.runID = runID
	o.byRun[runID] = a
}

func (o *Orchestrator) release(familyID string, a *activeRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.byFamily[familyID] == a {
		delete(o.byFamily, familyID)
	}
	if a.runID != "" {
		delete(o.byRun, a.runID)
	}
}

// StartSync runs one synchronization for a family and returns the finished run.
// Without force an unreachable remote store yields an offline error and no run.
// A run that fails is returned together with its fatal error.
func (o *Orchestrator) StartSync(ctx context.Context, familyID, userID string, force bool) (*model.SyncRun, error) {
	if familyID == "" {
		return nil, apperrors.NewValidationError("family id is required", nil)
	}

	active, err := o.reserve(familyID)
	if err != nil {
		return nil, err
	}
	defer o.release(familyID, active)

	offline := false
	provider, err := o.remote.Online(ctx)
	if err != nil {
		if !force || !apperrors.IsOffline(err) {
			return nil, err
		}
		offline = true
	}

	start := o.clock.Now()
	run := &model.SyncRun{
		ID:          NewRunID(),
		FamilyID:    familyID,
		InitiatedBy: userID,
		Forced:      force,
		Offline:     offline,
		StartedAt:   start.UnixMilli(),
		Status:      model.SyncStatusPending,
	}
	o.bind(active, run.ID)
	if err := o.repo.SaveSyncRun(ctx, run); err != nil {
		return nil, apperrors.WrapError(err, "failed to record sync run")
	}
	if active.cancelled.Load() {
		return o.finish(ctx, run, start, model.SyncStatusCancelled, nil)
	}
	if err := run.Transition(model.SyncStatusRunning, o.clock.Now().UnixMilli()); err != nil {
		return nil, apperrors.NewValidationError(err.Error(), nil)
	}
	o.save(ctx, run)

	var transport *Transport
	if !offline {
		transport = NewTransport(provider, o.codec)
	}

	manifest, err := o.loadManifest(ctx, familyID, transport)
	if err != nil {
		return o.finish(ctx, run, start, model.SyncStatusFailed, err)
	}

	table := o.rules.Snapshot()
	var modules []string
	for _, m := range table.Modules() {
		if table.Get(m).Strategy == model.StrategyManual && !force {
			continue
		}
		modules = append(modules, m)
	}

	dirty := false
	for i, module := range modules {
		if active.cancelled.Load() || ctx.Err() != nil {
			return o.finish(ctx, run, start, model.SyncStatusCancelled, nil)
		}
		if o.syncModule(ctx, run, transport, manifest, module, table.Get(module)) {
			dirty = true
		}
		run.SetProgress((i + 1) * 100 / len(modules))
		o.save(ctx, run)
	}

	if transport != nil && dirty {
		manifest.UpdatedAt = o.clock.Now().UnixMilli()
		err := o.retryHandler(o.retry).Retry(ctx, func(ctx context.Context) error {
			return transport.PutManifest(ctx, manifest)
		})
		if err != nil {
			return o.finish(ctx, run, start, model.SyncStatusFailed, apperrors.NewTransportError("failed to upload sync manifest", err))
		}
		o.cache(ctx, familyID, manifestCacheKey, manifest)
	}

	run.SetProgress(100)
	return o.finish(ctx, run, start, model.SyncStatusCompleted, nil)
}

func (o *Orchestrator) loadManifest(ctx context.Context, familyID string, transport *Transport) (*Manifest, error) {
	if transport == nil {
		m := NewManifest(familyID)
		if err := o.cached(ctx, familyID, manifestCacheKey, m); err != nil && !apperrors.IsNotFound(err) {
			return nil, err
		}
		return m, nil
	}

	var manifest *Manifest
	err := o.retryHandler(o.retry).Retry(ctx, func(ctx context.Context) error {
		m, err := transport.GetManifest(ctx, familyID)
		manifest = m
		return err
	})
	if err != nil {
		return nil, apperrors.NewTransportError("failed to fetch sync manifest", err)
	}
	return manifest, nil
}

// syncModule reconciles one module and reports whether the manifest changed.
// Problems are recorded on the run.
func (o *Orchestrator) syncModule(ctx context.Context, run *model.SyncRun, transport *Transport, manifest *Manifest, module string, rule model.SyncRule) bool {
	familyID := run.FamilyID
	fields := map[string]interface{}{"family_id": familyID, "run_id": run.ID, "module": module}
	soft := func(recordID, msg string, err error) {
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		run.AddError(module, recordID, msg, o.clock.Now().UnixMilli())
		o.logger.WithFields(fields).Warn(msg)
	}

	local, err := o.source.GetModule(ctx, familyID, module)
	if err != nil {
		soft("", "failed to read local module", err)
		return false
	}

	base := model.NewModuleSnapshot(module, nil)
	if err := o.cached(ctx, familyID, moduleCacheKey(module), &base); err != nil && !apperrors.IsNotFound(err) {
		o.logger.WithFields(fields).WithError(err).Warn("Ignoring unreadable remote cache")
	}

	entry := manifest.Modules[module]
	remote := base
	if transport != nil {
		handler := o.retryHandler(o.retry.ForRule(rule))
		err := handler.Retry(ctx, func(ctx context.Context) error {
			snap, err := transport.GetModule(ctx, familyID, module, entry)
			remote = snap
			return err
		})
		if err != nil {
			soft("", "failed to fetch remote module", apperrors.NewTransportError("remote module unavailable", err))
			return false
		}
	}

	held, err := o.conflicts.PendingRecords(ctx, familyID, module)
	if err != nil {
		soft("", "failed to read pending conflicts", err)
		return false
	}

	now := o.clock.Now().UnixMilli()
	p := o.plan(run, module, rule, local, remote, base, held, entry.LastSynced, now)

	if err := o.conflicts.Record(ctx, familyID, p.conflicts...); err != nil {
		soft("", "failed to record conflicts", err)
	}
	for _, e := range p.rejected {
		soft(e, "divergent record rejected by conflict policy", nil)
	}

	if len(p.pulls) > 0 {
		snapshot := model.NewModuleSnapshot(module, p.pulls)
		if err := o.source.ApplyModule(ctx, familyID, module, snapshot, datasource.ApplyUpsert); err != nil {
			soft("", "failed to apply remote changes", err)
			return false
		}
	}

	if transport == nil {
		run.DeferredUploads += p.pushes
		return false
	}

	merged := p.mergedRemote(module)
	if p.pushes == 0 && entry.Checksum != "" {
		entry.LastSynced = now
		manifest.Modules[module] = entry
		o.cache(ctx, familyID, moduleCacheKey(module), merged)
		return true
	}
	if p.pushes == 0 && len(merged.Records) == 0 {
		return false
	}

	opts := codec.Options{Compression: model.CompressionTypeNone}
	if rule.Compress {
		opts.Compression = o.compression
	}
	if rule.EncryptRequired {
		if !o.codec.CanEncrypt() {
			soft("", "module requires encryption but no key is configured", nil)
			return false
		}
		opts.Encrypt = true
	}

	var uploaded ModuleState
	err = o.retryHandler(o.retry.ForRule(rule)).Retry(ctx, func(ctx context.Context) error {
		st, err := transport.PutModule(ctx, familyID, merged, opts, now)
		uploaded = st
		return err
	})
	if err != nil {
		soft("", "failed to upload module", apperrors.NewTransportError("upload retries exhausted", err))
		return false
	}

	manifest.Modules[module] = uploaded
	o.cache(ctx, familyID, moduleCacheKey(module), merged)
	return true
}

type modulePlan struct {
	remote    map[string]*model.Record
	pulls     []*model.Record
	pushes    int
	conflicts []*model.Conflict
	rejected  []string
}

func (p *modulePlan) push(r *model.Record) {
	p.remote[r.ID] = r.Clone()
	p.pushes++
}

func (p *modulePlan) pull(r *model.Record) {
	p.pulls = append(p.pulls, r.Clone())
	p.remote[r.ID] = r.Clone()
}

func (p *modulePlan) mergedRemote(module string) model.ModuleSnapshot {
	records := make([]*model.Record, 0, len(p.remote))
	for _, r := range p.remote {
		records = append(records, r)
	}
	return model.NewModuleSnapshot(module, records)
}

func countChange(run *model.SyncRun, r *model.Record) {
	if r.Deleted {
		run.DeletedRecords++
	} else {
		run.UpdatedRecords++
	}
}

func countNew(run *model.SyncRun, r *model.Record) {
	if r.Deleted {
		run.DeletedRecords++
	} else {
		run.NewRecords++
	}
}

// plan diffs local against remote by record id and tallies the run counters.
// Pending conflicts count toward ConflictCount; policy-resolved ones are recorded for audit only.
// Records in held already have a pending conflict and are left untouched until it is resolved.
func (o *Orchestrator) plan(run *model.SyncRun, module string, rule model.SyncRule, local, remote, base model.ModuleSnapshot, held map[string]bool, lastSynced, now int64) *modulePlan {
	localIdx := local.Index()
	remoteIdx := remote.Index()
	baseIdx := base.Index()

	p := &modulePlan{remote: make(map[string]*model.Record, len(remoteIdx))}
	for id, r := range remoteIdx {
		p.remote[id] = r
	}

	ids := make([]string, 0, len(localIdx)+len(remoteIdx))
	for id := range localIdx {
		ids = append(ids, id)
	}
	for id := range remoteIdx {
		if _, ok := localIdx[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		l, r := localIdx[id], remoteIdx[id]
		switch {
		case r == nil:
			p.push(l)
			countNew(run, l)
		case l == nil:
			p.pull(r)
			countNew(run, r)
		case l.SameContent(r):
		case held[id]:
		default:
			kind, conflicting, localChanged := conflict.Compare(l, r, baseIdx[id], lastSynced)
			if !conflicting {
				if localChanged {
					p.push(l)
					countChange(run, l)
				} else {
					p.pull(r)
					countChange(run, r)
				}
				continue
			}

			out := conflict.Decide(conflict.Input{
				FamilyID: run.FamilyID,
				RunID:    run.ID,
				Module:   module,
				Local:    l,
				Remote:   r,
				Base:     baseIdx[id],
				Policy:   rule.ConflictPolicy,
				Kind:     kind,
				Now:      now,
			})
			if out.Conflict != nil {
				p.conflicts = append(p.conflicts, out.Conflict)
				o.metrics.ConflictDetected(string(kind))
			}
			if out.Err != nil {
				o.logger.WithFields(map[string]interface{}{
					"family_id": run.FamilyID,
					"run_id":    run.ID,
					"module":    module,
					"record_id": id,
				}).WithError(out.Err).Debug("Smart merge left the record pending")
			}

			switch {
			case out.Rejected:
				p.rejected = append(p.rejected, id)
			case out.Resolution == model.ResolutionPending:
				run.ConflictCount++
			case out.Resolution == model.ResolutionKeepLocal:
				p.push(out.Winner)
				countChange(run, out.Winner)
			case out.Resolution == model.ResolutionKeepRemote:
				p.pull(out.Winner)
				countChange(run, out.Winner)
			case out.Resolution == model.ResolutionMerged:
				p.pull(out.Winner)
				p.pushes++
				countChange(run, out.Winner)
			}
			if out.Conflict != nil && !out.Conflict.IsPending() {
				o.metrics.ConflictResolved(string(out.Resolution))
			}
		}
	}
	return p
}

// retryHandler gives every attempt its own remote deadline
func (o *Orchestrator) retryHandler(cfg apperrors.RetryConfig) *apperrors.RetryHandler {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = o.remote.Timeout()
	}
	return apperrors.NewRetryHandler(cfg).OnRetry(func(attempt int, err error, delay time.Duration) {
		o.metrics.TransportRetry()
		o.logger.WithFields(map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(err).Debug("Retrying remote call")
	})
}

func (o *Orchestrator) save(ctx context.Context, run *model.SyncRun) {
	if err := o.repo.SaveSyncRun(ctx, run); err != nil {
		o.logger.WithField("run_id", run.ID).WithError(err).Warn("Failed to persist sync run progress")
	}
}

func (o *Orchestrator) finish(ctx context.Context, run *model.SyncRun, start time.Time, status model.SyncStatus, fatal error) (*model.SyncRun, error) {
	if fatal != nil {
		run.FatalError = fatal.Error()
	}
	if err := run.Transition(status, o.clock.Now().UnixMilli()); err != nil {
		return nil, apperrors.NewValidationError(err.Error(), nil)
	}
	saveCtx := ctx
	if ctx.Err() != nil {
		saveCtx = context.Background()
	}
	if err := o.repo.SaveSyncRun(saveCtx, run); err != nil {
		return nil, apperrors.WrapError(err, "failed to record sync run")
	}
	if _, err := o.repo.PruneSyncRuns(saveCtx, run.FamilyID, o.historyLimit); err != nil {
		o.logger.WithField("family_id", run.FamilyID).WithError(err).Warn("Failed to prune sync history")
	}

	duration := o.clock.Now().Sub(start)
	o.logger.LogSyncRun(run.FamilyID, run.ID, string(run.Status), run.ConflictCount, len(run.Errors), duration)
	o.metrics.SyncFinished(string(run.Status), duration, run.NewRecords, run.UpdatedRecords, run.DeletedRecords)
	return run.Clone(), fatal
}

// CancelSync flags an active run for cancellation at the next module boundary.
// Terminal runs are left untouched. A stored run that is not terminal but has no
// active worker is marked cancelled directly.
func (o *Orchestrator) CancelSync(ctx context.Context, runID string) error {
	o.mu.Lock()
	a, ok := o.byRun[runID]
	if ok {
		a.cancelled.Store(true)
	}
	o.mu.Unlock()
	if ok {
		return nil
	}

	run, err := o.repo.GetSyncRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	if err := run.Transition(model.SyncStatusCancelled, o.clock.Now().UnixMilli()); err != nil {
		return apperrors.NewValidationError(err.Error(), nil)
	}
	return o.repo.SaveSyncRun(ctx, run)
}

// GetSyncRun returns a stored run
func (o *Orchestrator) GetSyncRun(ctx context.Context, runID string) (*model.SyncRun, error) {
	return o.repo.GetSyncRun(ctx, runID)
}

// ListSyncRuns returns a family's runs newest first
func (o *Orchestrator) ListSyncRuns(ctx context.Context, familyID string) ([]*model.SyncRun, error) {
	return o.repo.ListSyncRuns(ctx, familyID)
}

func (o *Orchestrator) cache(ctx context.Context, familyID, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err == nil {
		err = o.repo.SaveRemoteCache(ctx, familyID, key, data, o.clock.Now().UnixMilli())
	}
	if err != nil {
		o.logger.WithFields(map[string]interface{}{"family_id": familyID, "key": key}).WithError(err).Warn("Failed to update remote cache")
	}
}

func (o *Orchestrator) cached(ctx context.Context, familyID, key string, v interface{}) error {
	data, err := o.repo.GetRemoteCache(ctx, familyID, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.NewEncodingError("remote cache entry "+key+" cannot be decoded", err)
	}
	return nil
}
