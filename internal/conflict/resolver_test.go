package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "famsync/internal/errors"
	"famsync/internal/model"
)

func record(id string, ts int64, fields map[string]interface{}) *model.Record {
	return &model.Record{ID: id, LastModified: ts, Fields: fields}
}

func TestDetect(t *testing.T) {
	const synced = 100
	tests := []struct {
		name     string
		local    *model.Record
		remote   *model.Record
		kind     model.ConflictKind
		conflict bool
	}{
		{"identical", record("r", 150, map[string]interface{}{"a": 1}), record("r", 160, map[string]interface{}{"a": 1}), "", false},
		{"both changed", record("r", 150, map[string]interface{}{"a": 1}), record("r", 160, map[string]interface{}{"a": 2}), model.ConflictConcurrentModification, true},
		{"delete vs update", &model.Record{ID: "r", LastModified: 150, Deleted: true}, record("r", 160, map[string]interface{}{"a": 2}), model.ConflictDeleteVsUpdate, true},
		{"only local changed", record("r", 150, map[string]interface{}{"a": 1}), record("r", 90, map[string]interface{}{"a": 2}), "", false},
		{"only remote changed", record("r", 50, map[string]interface{}{"a": 1}), record("r", 160, map[string]interface{}{"a": 2}), "", false},
		{"neither changed", record("r", 50, map[string]interface{}{"a": 1}), record("r", 60, map[string]interface{}{"a": 2}), model.ConflictValueMismatch, true},
		{"both tombstones", &model.Record{ID: "r", LastModified: 150, Deleted: true}, &model.Record{ID: "r", LastModified: 160, Deleted: true}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, conflict := Detect(tt.local, tt.remote, synced)
			assert.Equal(t, tt.conflict, conflict)
			assert.Equal(t, tt.kind, kind)
		})
	}

	assert.True(t, ChangedSide(record("r", 150, nil), record("r", 90, nil), synced))
	assert.False(t, ChangedSide(record("r", 50, nil), record("r", 160, nil), synced))
}

func TestCompare(t *testing.T) {
	const synced = 100
	base := record("r", 10, map[string]interface{}{"title": "Dishes"})
	edited := record("r", synced, map[string]interface{}{"title": "Dishes done"})
	other := record("r", 150, map[string]interface{}{"title": "Dry dishes"})
	tomb := &model.Record{ID: "r", LastModified: 160, Deleted: true}

	tests := []struct {
		name        string
		local       *model.Record
		remote      *model.Record
		base        *model.Record
		wantKind    model.ConflictKind
		conflicting bool
		localWins   bool
	}{
		{"only remote moved from base", base, edited, base, "", false, false},
		{"only local moved from base", edited, base, base, "", false, true},
		{"remote deleted", base, tomb, base, "", false, false},
		{"both moved, one stamped at sync time", other, edited, base, model.ConflictConcurrentModification, true, false},
		{"both moved, one deleted", tomb, edited, base, model.ConflictDeleteVsUpdate, true, false},
		{"no base falls back to timestamps", other, edited, nil, "", false, true},
		{"no base and both newer", other, tomb, nil, model.ConflictDeleteVsUpdate, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, conflicting, local := Compare(tt.local, tt.remote, tt.base, synced)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.conflicting, conflicting)
			assert.Equal(t, tt.localWins, local)
		})
	}
}

func TestDecideLastWriteWins(t *testing.T) {
	tests := []struct {
		name       string
		localTS    int64
		remoteTS   int64
		resolution model.Resolution
		winner     string
	}{
		{"remote newer", 100, 200, model.ResolutionKeepRemote, "remote"},
		{"local newer", 300, 200, model.ResolutionKeepLocal, "local"},
		{"tie goes to local", 200, 200, model.ResolutionKeepLocal, "local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Decide(Input{
				FamilyID: "fam",
				Module:   "goals",
				Local:    record("g1", tt.localTS, map[string]interface{}{"v": "local"}),
				Remote:   record("g1", tt.remoteTS, map[string]interface{}{"v": "remote"}),
				Policy:   model.PolicyLastWriteWins,
				Kind:     model.ConflictConcurrentModification,
				Now:      1000,
			})
			assert.Equal(t, tt.resolution, out.Resolution)
			assert.Equal(t, tt.winner, out.Winner.Fields["v"])
			require.NotNil(t, out.Conflict)
			assert.False(t, out.Conflict.IsPending())
			assert.Equal(t, model.SystemActor, out.Conflict.ResolvedBy)
			assert.Equal(t, "g1", out.Conflict.RecordID)
		})
	}
}

func TestDecideAskUserAndReject(t *testing.T) {
	in := Input{
		FamilyID: "fam",
		Module:   "penalties",
		Local:    record("p1", 100, map[string]interface{}{"points": 5}),
		Remote:   record("p1", 200, map[string]interface{}{"points": 7}),
		Kind:     model.ConflictConcurrentModification,
		Now:      1000,
	}

	in.Policy = model.PolicyAskUser
	out := Decide(in)
	assert.Equal(t, model.ResolutionPending, out.Resolution)
	require.NotNil(t, out.Conflict)
	assert.True(t, out.Conflict.IsPending())
	assert.Equal(t, 5, out.Winner.Fields["points"])
	assert.Equal(t, 7, out.Conflict.RemoteValue.Fields["points"])

	in.Policy = model.PolicyReject
	out = Decide(in)
	assert.True(t, out.Rejected)
	assert.Nil(t, out.Conflict)
	assert.Equal(t, 5, out.Winner.Fields["points"])
}

func TestDecideSmartMerge(t *testing.T) {
	base := record("t1", 50, map[string]interface{}{"title": "Dishes", "done": false, "points": 1})

	t.Run("disjoint changes merge", func(t *testing.T) {
		out := Decide(Input{
			FamilyID: "fam",
			Module:   "tasks",
			Local:    record("t1", 100, map[string]interface{}{"title": "Dishes", "done": true, "points": 1}),
			Remote:   record("t1", 120, map[string]interface{}{"title": "Dishes", "done": false, "points": 3}),
			Base:     base,
			Policy:   model.PolicySmartMerge,
			Kind:     model.ConflictConcurrentModification,
			Now:      1000,
		})
		assert.Equal(t, model.ResolutionMerged, out.Resolution)
		require.NotNil(t, out.Merged)
		assert.Equal(t, map[string]interface{}{"title": "Dishes", "done": true, "points": 3}, out.Merged.Fields)
		assert.Equal(t, int64(1000), out.Merged.LastModified)
		assert.Equal(t, model.ResolutionMerged, out.Conflict.Resolution)
		assert.NotNil(t, out.Conflict.MergedValue)
	})

	t.Run("overlapping change is pending", func(t *testing.T) {
		out := Decide(Input{
			FamilyID: "fam",
			Module:   "tasks",
			Local:    record("t1", 100, map[string]interface{}{"title": "Wash dishes", "done": true}),
			Remote:   record("t1", 120, map[string]interface{}{"title": "Dry dishes", "done": true}),
			Base:     base,
			Policy:   model.PolicySmartMerge,
			Kind:     model.ConflictConcurrentModification,
			Now:      1000,
		})
		assert.Equal(t, model.ResolutionPending, out.Resolution)
		assert.Equal(t, []string{"title"}, out.Conflict.AmbiguousFields)
		assert.True(t, apperrors.IsAmbiguousMerge(out.Err), "got %v", out.Err)
	})

	t.Run("no base differing field is ambiguous", func(t *testing.T) {
		out := Decide(Input{
			FamilyID: "fam",
			Module:   "tasks",
			Local:    record("t1", 100, map[string]interface{}{"title": "A", "local_only": 1}),
			Remote:   record("t1", 120, map[string]interface{}{"title": "B", "remote_only": 2}),
			Policy:   model.PolicySmartMerge,
			Kind:     model.ConflictConcurrentModification,
			Now:      1000,
		})
		assert.Equal(t, model.ResolutionPending, out.Resolution)
		assert.Equal(t, []string{"title"}, out.Conflict.AmbiguousFields)
	})

	t.Run("tombstone cannot merge", func(t *testing.T) {
		out := Decide(Input{
			FamilyID: "fam",
			Module:   "tasks",
			Local:    &model.Record{ID: "t1", LastModified: 100, Deleted: true},
			Remote:   record("t1", 120, map[string]interface{}{"title": "B"}),
			Base:     base,
			Policy:   model.PolicySmartMerge,
			Kind:     model.ConflictDeleteVsUpdate,
			Now:      1000,
		})
		assert.Equal(t, model.ResolutionPending, out.Resolution)
		assert.Empty(t, out.Conflict.AmbiguousFields)
		assert.NoError(t, out.Err)
	})
}

func TestMergeFieldsNested(t *testing.T) {
	base := map[string]interface{}{"tags": []interface{}{"a"}, "note": "x"}
	local := map[string]interface{}{"tags": []interface{}{"a", "b"}, "note": "x"}
	remote := map[string]interface{}{"tags": []interface{}{"a"}}

	merged, ambiguous := MergeFields(base, true, local, remote)
	assert.Empty(t, ambiguous)
	assert.Equal(t, map[string]interface{}{"tags": []interface{}{"a", "b"}}, merged, "remote removal of note is kept")
}
