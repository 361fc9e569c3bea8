package model

import "fmt"

// Strategy controls how a module is synchronized
type Strategy string

const (
	StrategyFull        Strategy = "full"
	StrategyIncremental Strategy = "incremental"
	StrategyManual      Strategy = "manual"
	StrategyRealtime    Strategy = "realtime"
)

// Policy controls how conflicts on a module are resolved
type Policy string

const (
	PolicyLastWriteWins Policy = "last_write_wins"
	PolicyAskUser       Policy = "ask_user"
	PolicySmartMerge    Policy = "smart_merge"
	PolicyReject        Policy = "reject"
)

// BackoffKind selects the delay progression between upload retries
type BackoffKind string

const (
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// SyncRule is the per-module synchronization policy
type SyncRule struct {
	Strategy        Strategy    `json:"strategy" yaml:"strategy" mapstructure:"strategy"`
	ConflictPolicy  Policy      `json:"conflict_policy" yaml:"conflict_policy" mapstructure:"conflict_policy"`
	IntervalMinutes int         `json:"interval_minutes" yaml:"interval_minutes" mapstructure:"interval_minutes"`
	Compress        bool        `json:"compress" yaml:"compress" mapstructure:"compress"`
	EncryptRequired bool        `json:"encrypt_required" yaml:"encrypt_required" mapstructure:"encrypt_required"`
	MaxRetries      int         `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	Backoff         BackoffKind `json:"backoff" yaml:"backoff" mapstructure:"backoff"`
}

// Validate checks that every enum field holds a known value
func (r SyncRule) Validate() error {
	switch r.Strategy {
	case StrategyFull, StrategyIncremental, StrategyManual, StrategyRealtime:
	default:
		return fmt.Errorf("unknown sync strategy %q", r.Strategy)
	}
	switch r.ConflictPolicy {
	case PolicyLastWriteWins, PolicyAskUser, PolicySmartMerge, PolicyReject:
	default:
		return fmt.Errorf("unknown conflict policy %q", r.ConflictPolicy)
	}
	switch r.Backoff {
	case BackoffLinear, BackoffExponential, BackoffFixed:
	default:
		return fmt.Errorf("unknown backoff %q", r.Backoff)
	}
	if r.IntervalMinutes < 0 {
		return fmt.Errorf("interval_minutes must be non-negative")
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	return nil
}
