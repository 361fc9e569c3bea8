// Package conflict detects record divergence, applies conflict policies and
// keeps the per-family set of conflicts awaiting a decision.
package conflict

import (
	"github.com/google/uuid"

	apperrors "famsync/internal/errors"
	"famsync/internal/model"
)

// Detect classifies the divergence between two copies of one record.
// It reports false when the copies agree or only one side changed since lastSynced;
// in the latter case the changed side wins without a conflict.
func Detect(local, remote *model.Record, lastSynced int64) (model.ConflictKind, bool) {
	if local == nil || remote == nil || local.SameContent(remote) {
		return "", false
	}

	localChanged := local.LastModified > lastSynced
	remoteChanged := remote.LastModified > lastSynced

	switch {
	case localChanged && remoteChanged:
		return concurrentKind(local, remote), true
	case !localChanged && !remoteChanged:
		return model.ConflictValueMismatch, true
	default:
		return "", false
	}
}

// ChangedSide reports which copy moved past lastSynced when Detect found no conflict.
// It returns true for local.
func ChangedSide(local, remote *model.Record, lastSynced int64) bool {
	return local.LastModified > lastSynced && remote.LastModified <= lastSynced
}

// Compare classifies two differing copies of a record. With a known base a
// side has changed exactly when its content moved away from base, and copies
// that both moved always conflict; without one Detect's timestamp rules apply.
// When conflicting is false, localChanged tells which copy wins.
func Compare(local, remote, base *model.Record, lastSynced int64) (kind model.ConflictKind, conflicting, localChanged bool) {
	if base != nil {
		localSame, remoteSame := local.SameContent(base), remote.SameContent(base)
		switch {
		case localSame && !remoteSame:
			return "", false, false
		case remoteSame && !localSame:
			return "", false, true
		case !localSame && !remoteSame:
			if kind, ok := Detect(local, remote, lastSynced); ok {
				return kind, true, false
			}
			return concurrentKind(local, remote), true, false
		}
	}
	if kind, ok := Detect(local, remote, lastSynced); ok {
		return kind, true, false
	}
	return "", false, ChangedSide(local, remote, lastSynced)
}

func concurrentKind(local, remote *model.Record) model.ConflictKind {
	if local.Deleted != remote.Deleted {
		return model.ConflictDeleteVsUpdate
	}
	return model.ConflictConcurrentModification
}

// Input is one divergent record handed to Decide
type Input struct {
	FamilyID string
	RunID    string
	Module   string
	Local    *model.Record
	Remote   *model.Record
	// Base is the last synchronized copy, when known
	Base   *model.Record
	Policy model.Policy
	Kind   model.ConflictKind
	Now    int64
}

// Outcome is the result of applying a policy to one divergent record
type Outcome struct {
	Resolution model.Resolution
	// Winner is the value both sides converge on for now. Pending conflicts keep local.
	Winner   *model.Record
	Merged   *model.Record
	Conflict *model.Conflict
	Rejected bool
	// Err is set when smart merge fell back to a pending conflict
	Err error
}

// NewConflictID returns a fresh conflict id
func NewConflictID() string {
	return "conflict-" + uuid.New().String()
}

// Decide applies the module's conflict policy
func Decide(in Input) Outcome {
	switch in.Policy {
	case model.PolicyAskUser:
		return pending(in, nil)
	case model.PolicySmartMerge:
		return smartMerge(in)
	case model.PolicyReject:
		return Outcome{Resolution: model.ResolutionKeepLocal, Winner: in.Local.Clone(), Rejected: true}
	default:
		return lastWriteWins(in)
	}
}

func lastWriteWins(in Input) Outcome {
	resolution := model.ResolutionKeepLocal
	winner := in.Local
	if in.Remote.LastModified > in.Local.LastModified {
		resolution = model.ResolutionKeepRemote
		winner = in.Remote
	}
	c := newConflict(in)
	resolved(c, resolution, in.Now)
	return Outcome{Resolution: resolution, Winner: winner.Clone(), Conflict: c}
}

func smartMerge(in Input) Outcome {
	if in.Local.Deleted || in.Remote.Deleted {
		return pending(in, nil)
	}

	var base map[string]interface{}
	if in.Base != nil && !in.Base.Deleted {
		base = in.Base.Fields
	}
	fields, ambiguous := MergeFields(base, in.Base != nil && !in.Base.Deleted, in.Local.Fields, in.Remote.Fields)
	if len(ambiguous) > 0 {
		out := pending(in, ambiguous)
		out.Err = apperrors.NewAmbiguousMergeError(in.Local.ID, ambiguous)
		return out
	}

	merged := &model.Record{ID: in.Local.ID, Fields: fields, LastModified: in.Now}
	c := newConflict(in)
	resolved(c, model.ResolutionMerged, in.Now)
	c.MergedValue = merged.Clone()
	return Outcome{Resolution: model.ResolutionMerged, Winner: merged, Merged: merged.Clone(), Conflict: c}
}

func pending(in Input, ambiguous []string) Outcome {
	c := newConflict(in)
	c.AmbiguousFields = ambiguous
	return Outcome{Resolution: model.ResolutionPending, Winner: in.Local.Clone(), Conflict: c}
}

func newConflict(in Input) *model.Conflict {
	return &model.Conflict{
		ID:              NewConflictID(),
		FamilyID:        in.FamilyID,
		RunID:           in.RunID,
		Module:          in.Module,
		RecordID:        in.Local.ID,
		Kind:            in.Kind,
		Policy:          in.Policy,
		LocalValue:      in.Local.Clone(),
		RemoteValue:     in.Remote.Clone(),
		LocalTimestamp:  in.Local.LastModified,
		RemoteTimestamp: in.Remote.LastModified,
		Resolution:      model.ResolutionPending,
		DetectedAt:      in.Now,
	}
}

func resolved(c *model.Conflict, resolution model.Resolution, at int64) {
	c.Resolution = resolution
	c.ResolvedAt = &at
	c.ResolvedBy = model.SystemActor
}
