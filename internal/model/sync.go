package model

import "fmt"

// SyncStatus is the lifecycle state of a SyncRun
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
	SyncStatusCancelled SyncStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed
func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusFailed || s == SyncStatusCancelled
}

var syncTransitions = map[SyncStatus][]SyncStatus{
	SyncStatusPending: {SyncStatusRunning, SyncStatusCancelled},
	SyncStatusRunning: {SyncStatusCompleted, SyncStatusFailed, SyncStatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to SyncStatus) bool {
	for _, s := range syncTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SyncError is a soft, per-module error recorded on a run
type SyncError struct {
	Module   string `json:"module"`
	RecordID string `json:"record_id,omitempty"`
	Message  string `json:"message"`
	At       int64  `json:"at"`
}

// SyncRun records one synchronization attempt
type SyncRun struct {
	ID              string      `json:"id"`
	FamilyID        string      `json:"family_id"`
	InitiatedBy     string      `json:"initiated_by"`
	Forced          bool        `json:"forced"`
	Offline         bool        `json:"offline"`
	StartedAt       int64       `json:"started_at"`
	CompletedAt     *int64      `json:"completed_at,omitempty"`
	Status          SyncStatus  `json:"status"`
	ProgressPercent int         `json:"progress_percent"`
	ConflictCount   int         `json:"conflict_count"`
	NewRecords      int         `json:"new_records"`
	UpdatedRecords  int         `json:"updated_records"`
	DeletedRecords  int         `json:"deleted_records"`
	DeferredUploads int         `json:"deferred_uploads"`
	Errors          []SyncError `json:"errors,omitempty"`
	FatalError      string      `json:"fatal_error,omitempty"`
}

// Transition moves the run to the given status, enforcing the state machine
func (r *SyncRun) Transition(to SyncStatus, at int64) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("invalid sync run transition %s -> %s", r.Status, to)
	}
	r.Status = to
	if to.IsTerminal() {
		r.CompletedAt = &at
	}
	return nil
}

// SetProgress raises progress, never lowering it
func (r *SyncRun) SetProgress(percent int) {
	if percent > 100 {
		percent = 100
	}
	if percent > r.ProgressPercent {
		r.ProgressPercent = percent
	}
}

// AddError appends a soft error entry
func (r *SyncRun) AddError(module, recordID, message string, at int64) {
	r.Errors = append(r.Errors, SyncError{Module: module, RecordID: recordID, Message: message, At: at})
}

// Clone returns a deep copy safe to hand to callers
func (r *SyncRun) Clone() *SyncRun {
	out := *r
	out.Errors = append([]SyncError(nil), r.Errors...)
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}
