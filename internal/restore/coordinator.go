// Package restore applies a stored backup to live family data, rolling back
// every touched module when any apply fails.
package restore

import (
	"context"
	"fmt"
	"sort"

	"github.com/juju/clock"

	"famsync/internal/conflict"
	"famsync/internal/datasource"
	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
	"famsync/internal/model"
)

// MergeStrategy selects how backup records meet live records
type MergeStrategy string

const (
	// StrategyReplace overwrites live modules with the backup. Live records
	// missing from the backup become tombstones.
	StrategyReplace MergeStrategy = "replace"
	// StrategyMerge unions fields, preferring backup values
	StrategyMerge MergeStrategy = "merge"
	// StrategyAskUser unions fields but keeps differing live values and raises conflicts for them
	StrategyAskUser MergeStrategy = "ask_user"
)

// Options selects what to restore
type Options struct {
	// Modules limits the restore; empty means every module in the backup
	Modules  []string      `json:"modules,omitempty" yaml:"modules"`
	Strategy MergeStrategy `json:"strategy" yaml:"strategy"`
}

// Loader loads verified backups
type Loader interface {
	Load(ctx context.Context, backupID string) (*model.Backup, error)
}

// ConflictRecorder stores conflicts raised by ask_user restores
type ConflictRecorder interface {
	Record(ctx context.Context, familyID string, conflicts ...*model.Conflict) error
}

// Coordinator restores backups
type Coordinator struct {
	loader    Loader
	source    datasource.Source
	conflicts ConflictRecorder
	clock     clock.Clock
	logger    *logging.Logger
}

// NewCoordinator creates a restore coordinator
func NewCoordinator(loader Loader, source datasource.Source, conflicts ConflictRecorder, clk clock.Clock, logger *logging.Logger) *Coordinator {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Coordinator{
		loader:    loader,
		source:    source,
		conflicts: conflicts,
		clock:     clk,
		logger:    logging.OrDefault(logger),
	}
}

type checkpoint struct {
	module string
	live   model.ModuleSnapshot
}

// Restore applies the backup and reports whether it succeeded. On failure
// the touched modules are returned to their state before the call.
func (c *Coordinator) Restore(ctx context.Context, backupID string, opts Options) (ok bool, err error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategyReplace
	}
	switch opts.Strategy {
	case StrategyReplace, StrategyMerge, StrategyAskUser:
	default:
		return false, apperrors.NewValidationError("unknown restore strategy: "+string(opts.Strategy), nil)
	}

	b, err := c.loader.Load(ctx, backupID)
	if err != nil {
		return false, err
	}

	selected, err := selectModules(b, opts.Modules)
	if err != nil {
		return false, err
	}

	done := c.logger.LogOperationStart("restore", map[string]interface{}{
		"backup_id": backupID,
		"family_id": b.FamilyID,
		"strategy":  opts.Strategy,
		"modules":   len(selected),
	})
	defer func() { done(err) }()

	checkpoints := make([]checkpoint, 0, len(selected))
	for _, snap := range selected {
		live, err := c.source.GetModule(ctx, b.FamilyID, snap.Module)
		if err != nil {
			return false, apperrors.WrapError(err, "failed to checkpoint module "+snap.Module)
		}
		checkpoints = append(checkpoints, checkpoint{module: snap.Module, live: live})
	}

	now := c.clock.Now().UnixMilli()
	var raised []*model.Conflict
	for i, snap := range selected {
		target, conflicts := plan(b, snap, checkpoints[i].live, opts.Strategy, now)
		if err := c.source.ApplyModule(ctx, b.FamilyID, snap.Module, target, datasource.ApplyReplace); err != nil {
			return false, c.rollback(ctx, b.FamilyID, checkpoints[:i+1], snap.Module, err)
		}
		raised = append(raised, conflicts...)
	}

	if len(raised) > 0 && c.conflicts != nil {
		if err := c.conflicts.Record(ctx, b.FamilyID, raised...); err != nil {
			return false, c.rollback(ctx, b.FamilyID, checkpoints, "", err)
		}
	}
	return true, nil
}

func selectModules(b *model.Backup, names []string) ([]model.ModuleSnapshot, error) {
	if len(names) == 0 {
		return b.Modules, nil
	}
	var errs apperrors.ValidationErrors
	out := make([]model.ModuleSnapshot, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		snap, ok := b.Module(name)
		if !ok {
			errs.Add("modules", "module is not in backup "+b.ID, name)
			continue
		}
		out = append(out, snap)
	}
	if err := errs.AsError("invalid restore selection"); err != nil {
		return nil, err
	}
	return out, nil
}

// rollback restores checkpoints in reverse order, even when ctx is done
func (c *Coordinator) rollback(ctx context.Context, familyID string, checkpoints []checkpoint, failed string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	var failures []string
	for i := len(checkpoints) - 1; i >= 0; i-- {
		cp := checkpoints[i]
		if err := c.source.ApplyModule(ctx, familyID, cp.module, cp.live, datasource.ApplyReplace); err != nil {
			failures = append(failures, cp.module)
			c.logger.WithFields(map[string]interface{}{"family_id": familyID, "module": cp.module}).
				WithError(err).Error("Rollback of module failed")
		}
	}

	msg := "restore failed; changes rolled back"
	if failed != "" {
		msg = fmt.Sprintf("restore of module %s failed; changes rolled back", failed)
	}
	rerr := apperrors.NewRollbackError(msg, cause).WithContext("family_id", familyID)
	if len(failures) > 0 {
		rerr = apperrors.NewRollbackError("restore failed and rollback was incomplete", cause).
			WithContext("family_id", familyID).
			WithContext("unrestored_modules", failures)
	}
	return rerr
}

// plan builds the module state to write and any conflicts to raise.
// Records the restore changes are stamped with now so the next sync uploads
// them instead of pulling the newer remote copy back.
func plan(b *model.Backup, snap, live model.ModuleSnapshot, strategy MergeStrategy, now int64) (model.ModuleSnapshot, []*model.Conflict) {
	liveIdx := live.Index()
	if strategy == StrategyReplace {
		records := make([]*model.Record, 0, len(snap.Records)+len(liveIdx))
		restored := make(map[string]bool, len(snap.Records))
		for _, r := range snap.Records {
			restored[r.ID] = true
			records = append(records, r.Clone())
		}
		for id, lr := range liveIdx {
			if restored[id] {
				continue
			}
			if lr.Deleted {
				records = append(records, lr.Clone())
				continue
			}
			records = append(records, &model.Record{ID: id, Deleted: true})
		}
		return model.NewModuleSnapshot(snap.Module, stamp(records, liveIdx, now)), nil
	}

	out := make(map[string]*model.Record, len(liveIdx)+len(snap.Records))
	for id, r := range liveIdx {
		out[id] = r.Clone()
	}

	var conflicts []*model.Conflict
	for _, br := range snap.Records {
		lr, ok := liveIdx[br.ID]
		if !ok {
			out[br.ID] = br.Clone()
			continue
		}
		merged, differing := mergeRecord(lr, br, strategy == StrategyAskUser)
		out[br.ID] = merged
		if len(differing) > 0 {
			conflicts = append(conflicts, &model.Conflict{
				ID:              conflict.NewConflictID(),
				FamilyID:        b.FamilyID,
				Module:          snap.Module,
				RecordID:        br.ID,
				Kind:            model.ConflictValueMismatch,
				Policy:          model.PolicyAskUser,
				LocalValue:      lr.Clone(),
				RemoteValue:     br.Clone(),
				LocalTimestamp:  lr.LastModified,
				RemoteTimestamp: br.LastModified,
				AmbiguousFields: differing,
				Resolution:      model.ResolutionPending,
				DetectedAt:      now,
			})
		}
	}

	records := make([]*model.Record, 0, len(out))
	for _, r := range out {
		records = append(records, r)
	}
	return model.NewModuleSnapshot(snap.Module, stamp(records, liveIdx, now)), conflicts
}

// stamp keeps the live timestamp of unchanged records and moves every
// changed one to now
func stamp(records []*model.Record, live map[string]*model.Record, now int64) []*model.Record {
	for _, r := range records {
		if lr, ok := live[r.ID]; ok && lr.SameContent(r) {
			r.LastModified = lr.LastModified
			continue
		}
		r.LastModified = now
	}
	return records
}

// mergeRecord unions live and backup fields. With keepLive, fields whose
// values differ keep the live value and are reported.
func mergeRecord(live, backup *model.Record, keepLive bool) (*model.Record, []string) {
	merged := live.Clone()
	if merged.Fields == nil {
		merged.Fields = make(map[string]interface{})
	}
	if backup.LastModified > merged.LastModified {
		merged.LastModified = backup.LastModified
	}

	var differing []string
	for k, bv := range backup.Fields {
		lv, ok := live.Fields[k]
		if ok && !model.ValuesEqual(lv, bv) {
			if keepLive {
				differing = append(differing, k)
				continue
			}
		}
		merged.Fields[k] = bv
	}
	if !keepLive {
		merged.Deleted = backup.Deleted
	} else if live.Deleted != backup.Deleted {
		differing = append(differing, "deleted")
	}

	sort.Strings(differing)
	return merged, differing
}
