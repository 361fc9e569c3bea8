// Package rules holds the per-module sync rules and their defaults.
package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
	"famsync/internal/model"
)

// Store persists rule overrides
type Store interface {
	SaveRule(ctx context.Context, module string, rule model.SyncRule) error
	ListRules(ctx context.Context) (map[string]model.SyncRule, error)
	DeleteRule(ctx context.Context, module string) error
}

var defaultOrder = []string{"family-roster", "tasks", "goals", "penalties", "rewards", "settings"}

// DefaultModules returns the built-in modules in processing order
func DefaultModules() []string {
	return append([]string(nil), defaultOrder...)
}

// DefaultRules returns the built-in rule table
func DefaultRules() map[string]model.SyncRule {
	return map[string]model.SyncRule{
		"family-roster": {Strategy: model.StrategyFull, ConflictPolicy: model.PolicyAskUser, IntervalMinutes: 60, Compress: true, EncryptRequired: true, MaxRetries: 5, Backoff: model.BackoffExponential},
		"tasks":         {Strategy: model.StrategyIncremental, ConflictPolicy: model.PolicySmartMerge, IntervalMinutes: 15, Compress: true, MaxRetries: 3, Backoff: model.BackoffExponential},
		"goals":         {Strategy: model.StrategyIncremental, ConflictPolicy: model.PolicyLastWriteWins, IntervalMinutes: 30, Compress: true, MaxRetries: 3, Backoff: model.BackoffExponential},
		"penalties":     {Strategy: model.StrategyIncremental, ConflictPolicy: model.PolicyAskUser, IntervalMinutes: 30, Compress: true, MaxRetries: 3, Backoff: model.BackoffLinear},
		"rewards":       {Strategy: model.StrategyIncremental, ConflictPolicy: model.PolicyLastWriteWins, IntervalMinutes: 60, Compress: true, MaxRetries: 3, Backoff: model.BackoffFixed},
		"settings":      {Strategy: model.StrategyManual, ConflictPolicy: model.PolicyReject, IntervalMinutes: 0, MaxRetries: 1, Backoff: model.BackoffFixed},
	}
}

// FallbackRule applies to modules without a registered rule
func FallbackRule() model.SyncRule {
	return model.SyncRule{
		Strategy:        model.StrategyIncremental,
		ConflictPolicy:  model.PolicyLastWriteWins,
		IntervalMinutes: 30,
		Compress:        true,
		MaxRetries:      3,
		Backoff:         model.BackoffExponential,
	}
}

// Table is an immutable copy of the rule set used for one run
type Table struct {
	rules map[string]model.SyncRule
	order []string
}

// Get returns the rule for module or the fallback
func (t *Table) Get(module string) model.SyncRule {
	if rule, ok := t.rules[module]; ok {
		return rule
	}
	return FallbackRule()
}

// Modules returns module names in processing order
func (t *Table) Modules() []string {
	return append([]string(nil), t.order...)
}

// MinInterval is the shortest interval among non-manual rules, zero when none is set
func (t *Table) MinInterval() time.Duration {
	var min int
	for _, rule := range t.rules {
		if rule.Strategy == model.StrategyManual || rule.IntervalMinutes <= 0 {
			continue
		}
		if min == 0 || rule.IntervalMinutes < min {
			min = rule.IntervalMinutes
		}
	}
	return time.Duration(min) * time.Minute
}

// Registry is the mutable rule table
type Registry struct {
	mu     sync.RWMutex
	rules  map[string]model.SyncRule
	store  Store
	logger *logging.Logger
}

// NewRegistry creates a registry seeded with the defaults. store may be nil.
func NewRegistry(store Store, logger *logging.Logger) *Registry {
	return &Registry{
		rules:  DefaultRules(),
		store:  store,
		logger: logging.OrDefault(logger),
	}
}

// Load applies persisted overrides on top of the current table
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	saved, err := r.store.ListRules(ctx)
	if err != nil {
		return apperrors.WrapError(err, "failed to load sync rules")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for module, rule := range saved {
		if err := rule.Validate(); err != nil {
			r.logger.WithField("module", module).WithError(err).Warn("Ignoring invalid persisted sync rule")
			continue
		}
		r.rules[module] = rule
	}
	return nil
}

// ApplyOverrides installs rules without persisting them
func (r *Registry) ApplyOverrides(overrides map[string]model.SyncRule) error {
	var errs apperrors.ValidationErrors
	for module, rule := range overrides {
		if err := rule.Validate(); err != nil {
			errs.Add(module, err.Error(), rule)
		}
	}
	if err := errs.AsError("invalid sync rule overrides"); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for module, rule := range overrides {
		r.rules[module] = rule
	}
	return nil
}

// Get returns the rule for module or the fallback
func (r *Registry) Get(module string) model.SyncRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rule, ok := r.rules[module]; ok {
		return rule
	}
	return FallbackRule()
}

// Set validates, persists and installs a rule
func (r *Registry) Set(ctx context.Context, module string, rule model.SyncRule) error {
	if module == "" {
		return apperrors.NewValidationError("module name is required", nil)
	}
	if err := rule.Validate(); err != nil {
		return apperrors.NewValidationError("invalid sync rule for "+module, err)
	}
	if r.store != nil {
		if err := r.store.SaveRule(ctx, module, rule); err != nil {
			return apperrors.WrapError(err, "failed to persist sync rule")
		}
	}

	r.mu.Lock()
	r.rules[module] = rule
	r.mu.Unlock()

	r.logger.WithFields(map[string]interface{}{
		"module":   module,
		"strategy": rule.Strategy,
		"policy":   rule.ConflictPolicy,
	}).Info("Sync rule updated")
	return nil
}

// Reset drops a persisted override; built-in modules return to their default
func (r *Registry) Reset(ctx context.Context, module string) error {
	if r.store != nil {
		if err := r.store.DeleteRule(ctx, module); err != nil {
			return apperrors.WrapError(err, "failed to delete sync rule")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if def, ok := DefaultRules()[module]; ok {
		r.rules[module] = def
	} else {
		delete(r.rules, module)
	}
	return nil
}

// All returns a copy of the rule table
func (r *Registry) All() map[string]model.SyncRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]model.SyncRule, len(r.rules))
	for k, v := range r.rules {
		out[k] = v
	}
	return out
}

// Modules returns the defaults in declared order followed by other modules sorted by name
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modulesLocked()
}

func (r *Registry) modulesLocked() []string {
	order := DefaultModules()
	known := make(map[string]bool, len(order))
	for _, m := range order {
		known[m] = true
	}
	var extra []string
	for m := range r.rules {
		if !known[m] {
			extra = append(extra, m)
		}
	}
	sort.Strings(extra)
	return append(order, extra...)
}

// Snapshot copies the rule table for one run
func (r *Registry) Snapshot() *Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := &Table{rules: make(map[string]model.SyncRule, len(r.rules)), order: r.modulesLocked()}
	for k, v := range r.rules {
		t.rules[k] = v
	}
	return t
}
