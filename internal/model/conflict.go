package model

// ConflictKind classifies a detected divergence
type ConflictKind string

const (
	ConflictValueMismatch          ConflictKind = "value_mismatch"
	ConflictConcurrentModification ConflictKind = "concurrent_modification"
	ConflictDeleteVsUpdate         ConflictKind = "delete_vs_update"
)

// Resolution is the outcome of a conflict
type Resolution string

const (
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepRemote Resolution = "keep_remote"
	ResolutionMerged     Resolution = "merged"
	ResolutionPending    Resolution = "pending"
)

// IsValid reports whether r is a known resolution
func (r Resolution) IsValid() bool {
	switch r {
	case ResolutionKeepLocal, ResolutionKeepRemote, ResolutionMerged, ResolutionPending:
		return true
	}
	return false
}

// SystemActor marks resolutions applied automatically by a policy
const SystemActor = "system"

// Conflict is a record-level divergence between two copies of the same record
type Conflict struct {
	ID              string       `json:"id"`
	FamilyID        string       `json:"family_id"`
	RunID           string       `json:"run_id,omitempty"`
	Module          string       `json:"module"`
	RecordID        string       `json:"record_id"`
	Kind            ConflictKind `json:"kind"`
	Policy          Policy       `json:"policy,omitempty"`
	LocalValue      *Record      `json:"local_value,omitempty"`
	RemoteValue     *Record      `json:"remote_value,omitempty"`
	LocalTimestamp  int64        `json:"local_timestamp"`
	RemoteTimestamp int64        `json:"remote_timestamp"`
	AmbiguousFields []string     `json:"ambiguous_fields,omitempty"`
	Resolution      Resolution   `json:"resolution"`
	MergedValue     *Record      `json:"merged_value,omitempty"`
	DetectedAt      int64        `json:"detected_at"`
	ResolvedAt      *int64       `json:"resolved_at,omitempty"`
	ResolvedBy      string       `json:"resolved_by,omitempty"`
}

// IsPending reports whether the conflict still awaits a decision
func (c *Conflict) IsPending() bool {
	return c.Resolution == ResolutionPending
}

// Clone returns a deep copy of the conflict
func (c *Conflict) Clone() *Conflict {
	out := *c
	out.LocalValue = c.LocalValue.Clone()
	out.RemoteValue = c.RemoteValue.Clone()
	out.MergedValue = c.MergedValue.Clone()
	out.AmbiguousFields = append([]string(nil), c.AmbiguousFields...)
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		out.ResolvedAt = &at
	}
	return &out
}
