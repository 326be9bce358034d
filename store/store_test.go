package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamthanushgowdap/APSConnect-sub000/core"
)

// testFields builds FieldValues from a plain map, failing the test on
// unsupported values.
func testFields(t *testing.T, data map[string]interface{}) core.FieldValues {
	t.Helper()
	fv, err := core.NewFieldValuesFromMap(data)
	require.NoError(t, err, "test fields must be representable")
	return fv
}

func idsOf(view []core.Record) []core.RecordID {
	ids := make([]core.RecordID, len(view))
	for i, rec := range view {
		ids[i] = rec.ID
	}
	return ids
}

func applyCreate(t *testing.T, s *RecordStore, id core.RecordID, fields core.FieldValues) []core.Record {
	t.Helper()
	view, err := s.Apply(core.Mutation{Kind: core.MutationCreate, TargetID: id, Payload: fields})
	require.NoError(t, err, "create for %q should succeed", id)
	return view
}

func TestRecordStore_CreateInsertsAtHead(t *testing.T) {
	s := NewRecordStore(Options{})

	applyCreate(t, s, "a", testFields(t, map[string]interface{}{"name": "first"}))
	applyCreate(t, s, "b", testFields(t, map[string]interface{}{"name": "second"}))
	view := applyCreate(t, s, "c", testFields(t, map[string]interface{}{"name": "third"}))

	assert.Equal(t, []core.RecordID{"c", "b", "a"}, idsOf(view), "newest create should be at the head")
	assert.Equal(t, 3, s.Len())
}

func TestRecordStore_CreateValidation(t *testing.T) {
	s := NewRecordStore(Options{})
	applyCreate(t, s, "a", nil)

	_, err := s.Apply(core.Mutation{Kind: core.MutationCreate, TargetID: "a"})
	require.Error(t, err)
	assert.True(t, core.IsInvariantViolation(err), "duplicate create must be an invariant violation")

	_, err = s.Apply(core.Mutation{Kind: core.MutationCreate})
	require.Error(t, err)
	assert.True(t, core.IsInvariantViolation(err), "create without a provisional id must be rejected")
}

func TestRecordStore_UpdateMergesFields(t *testing.T) {
	s := NewRecordStore(Options{})
	applyCreate(t, s, "club-1", testFields(t, map[string]interface{}{
		"name": "Chess Club",
		"size": 12,
	}))

	view, err := s.Apply(core.Mutation{
		Kind:     core.MutationUpdate,
		TargetID: "club-1",
		Payload:  testFields(t, map[string]interface{}{"size": 13, "room": "B204"}),
	})
	require.NoError(t, err)

	require.Len(t, view, 1)
	size, ok := view[0].Fields["size"].ValueInt64()
	require.True(t, ok)
	assert.Equal(t, int64(13), size)
	name, _ := view[0].Fields["name"].ValueString()
	assert.Equal(t, "Chess Club", name, "untouched fields survive an update")
	room, _ := view[0].Fields["room"].ValueString()
	assert.Equal(t, "B204", room)
}

func TestRecordStore_PatchFieldRemovesOnNull(t *testing.T) {
	s := NewRecordStore(Options{})
	applyCreate(t, s, "club-1", testFields(t, map[string]interface{}{
		"name": "Chess Club",
		"tags": []string{"games", "indoor"},
	}))

	view, err := s.Apply(core.Mutation{
		Kind:     core.MutationPatchField,
		TargetID: "club-1",
		Payload:  testFields(t, map[string]interface{}{"tags": nil}),
	})
	require.NoError(t, err)

	_, exists := view[0].Fields["tags"]
	assert.False(t, exists, "null patch value removes the field")
}

func TestRecordStore_UpdateUnknownTargetIsTerminal(t *testing.T) {
	s := NewRecordStore(Options{})

	_, err := s.Apply(core.Mutation{Kind: core.MutationUpdate, TargetID: "ghost"})
	require.Error(t, err)
	assert.True(t, core.IsTerminal(err), "unknown target surfaces as a terminal failure")

	_, err = s.Apply(core.Mutation{Kind: core.MutationDelete, TargetID: "ghost"})
	require.Error(t, err)
	assert.True(t, core.IsTerminal(err))
}

func TestRecordStore_DeleteRemovesFromView(t *testing.T) {
	s := NewRecordStore(Options{})
	applyCreate(t, s, "a", nil)
	applyCreate(t, s, "b", nil)
	applyCreate(t, s, "c", nil)

	view, err := s.Apply(core.Mutation{Kind: core.MutationDelete, TargetID: "b"})
	require.NoError(t, err)

	assert.Equal(t, []core.RecordID{"c", "a"}, idsOf(view))
	assert.Equal(t, 2, s.Len())
	_, found := s.Get("b")
	assert.False(t, found)
}

func TestRecordStore_RestoreDefaultsToHead(t *testing.T) {
	s := NewRecordStore(Options{})
	applyCreate(t, s, "a", nil)
	applyCreate(t, s, "b", nil)
	applyCreate(t, s, "c", nil) // order: c, b, a

	snap, ok := s.Snapshot("a")
	require.True(t, ok)
	assert.Equal(t, 2, snap.Position, "a sits at index 2 before the delete")

	_, err := s.Apply(core.Mutation{Kind: core.MutationDelete, TargetID: "a"})
	require.NoError(t, err)

	view, err := s.Restore(snap)
	require.NoError(t, err)
	assert.Equal(t, []core.RecordID{"a", "c", "b"}, idsOf(view), "default restore reinserts at the head")
}

func TestRecordStore_PositionalRestoreHonorsIndex(t *testing.T) {
	s := NewRecordStore(Options{PositionalRestore: true})
	applyCreate(t, s, "a", nil)
	applyCreate(t, s, "b", nil)
	applyCreate(t, s, "c", nil) // order: c, b, a

	snap, ok := s.Snapshot("b")
	require.True(t, ok)
	require.Equal(t, 1, snap.Position)

	_, err := s.Apply(core.Mutation{Kind: core.MutationDelete, TargetID: "b"})
	require.NoError(t, err)

	view, err := s.Restore(snap)
	require.NoError(t, err)
	assert.Equal(t, []core.RecordID{"c", "b", "a"}, idsOf(view), "positional restore reinserts at the original index")
}

func TestRecordStore_PositionalRestoreClampsToTail(t *testing.T) {
	s := NewRecordStore(Options{PositionalRestore: true})
	applyCreate(t, s, "a", nil)

	view, err := s.Restore(&core.RecordSnapshot{
		Record:   core.Record{ID: "z"},
		Position: 99,
	})
	require.NoError(t, err)
	assert.Equal(t, []core.RecordID{"a", "z"}, idsOf(view))
}

func TestRecordStore_RestoreOverLiveRecordReplacesInPlace(t *testing.T) {
	s := NewRecordStore(Options{})
	applyCreate(t, s, "a", testFields(t, map[string]interface{}{"name": "after"}))
	applyCreate(t, s, "b", nil) // order: b, a

	view, err := s.Restore(&core.RecordSnapshot{
		Record: core.Record{ID: "a", Fields: testFields(t, map[string]interface{}{"name": "before"})},
	})
	require.NoError(t, err)
	assert.Equal(t, []core.RecordID{"b", "a"}, idsOf(view), "an in-place restore keeps the record's position")

	rec, ok := s.Get("a")
	require.True(t, ok)
	name, _ := rec.Fields["name"].ValueString()
	assert.Equal(t, "before", name)

	_, err = s.Restore(nil)
	require.Error(t, err)
	assert.True(t, core.IsInvariantViolation(err))
}

func TestRecordStore_ReplaceRebindsProvisionalID(t *testing.T) {
	s := NewRecordStore(Options{})
	applyCreate(t, s, "x", nil)
	applyCreate(t, s, "temp-1", testFields(t, map[string]interface{}{"name": "draft"}))
	applyCreate(t, s, "y", nil) // order: y, temp-1, x

	view, err := s.Replace("temp-1", core.Record{
		ID:     "club-801",
		Fields: testFields(t, map[string]interface{}{"name": "Draft Club", "approved": true}),
	})
	require.NoError(t, err)

	assert.Equal(t, []core.RecordID{"y", "club-801", "x"}, idsOf(view), "rebinding keeps the list position")
	_, found := s.Get("temp-1")
	assert.False(t, found, "provisional id is gone after reconciliation")

	rec, found := s.Get("club-801")
	require.True(t, found)
	name, _ := rec.Fields["name"].ValueString()
	assert.Equal(t, "Draft Club", name, "authoritative fields win")
}

func TestRecordStore_ReplaceUnknownIsTerminal(t *testing.T) {
	s := NewRecordStore(Options{})
	_, err := s.Replace("ghost", core.Record{ID: "ghost"})
	require.Error(t, err)
	assert.True(t, core.IsTerminal(err))
}

func TestRecordStore_ResetToReplacesCollection(t *testing.T) {
	s := NewRecordStore(Options{})
	applyCreate(t, s, "stale-1", nil)
	applyCreate(t, s, "stale-2", nil)

	fetched := []core.Record{
		{ID: "srv-1", Fields: testFields(t, map[string]interface{}{"name": "one"})},
		{ID: "srv-2", Fields: testFields(t, map[string]interface{}{"name": "two"})},
		{ID: "srv-3", Fields: testFields(t, map[string]interface{}{"name": "three"})},
	}
	view := s.ResetTo(fetched)

	assert.Equal(t, []core.RecordID{"srv-1", "srv-2", "srv-3"}, idsOf(view), "refetch preserves server order")
	assert.Equal(t, 3, s.Len())
	_, found := s.Get("stale-1")
	assert.False(t, found)
}

func TestRecordStore_ViewsAreIsolated(t *testing.T) {
	s := NewRecordStore(Options{})
	applyCreate(t, s, "a", testFields(t, map[string]interface{}{"name": "original"}))

	view := s.List()
	require.Len(t, view, 1)
	changed, err := core.NewFieldValue("tampered")
	require.NoError(t, err)
	view[0].Fields["name"] = changed

	rec, found := s.Get("a")
	require.True(t, found)
	name, _ := rec.Fields["name"].ValueString()
	assert.Equal(t, "original", name, "mutating a returned view must not touch the store")
}

func TestRecordStore_SnapshotIsDeepCopy(t *testing.T) {
	s := NewRecordStore(Options{})
	applyCreate(t, s, "a", testFields(t, map[string]interface{}{"name": "before"}))

	snap, ok := s.Snapshot("a")
	require.True(t, ok)

	_, err := s.Apply(core.Mutation{
		Kind:     core.MutationUpdate,
		TargetID: "a",
		Payload:  testFields(t, map[string]interface{}{"name": "after"}),
	})
	require.NoError(t, err)

	name, _ := snap.Record.Fields["name"].ValueString()
	assert.Equal(t, "before", name, "snapshot must be unaffected by later updates")
}

func TestRecordStore_ManyDeletesStayConsistent(t *testing.T) {
	s := NewRecordStore(Options{})

	for i := 0; i < 12; i++ {
		applyCreate(t, s, core.RecordID(fmt.Sprintf("rec-%02d", i)), nil)
	}
	for i := 0; i < 11; i++ {
		_, err := s.Apply(core.Mutation{Kind: core.MutationDelete, TargetID: core.RecordID(fmt.Sprintf("rec-%02d", i))})
		require.NoError(t, err)
	}

	view := s.List()
	require.Equal(t, []core.RecordID{"rec-11"}, idsOf(view), "compaction must not lose the survivor")
	assert.Equal(t, 1, s.Len())

	// The store keeps working after compaction.
	applyCreate(t, s, "fresh", nil)
	assert.Equal(t, []core.RecordID{"fresh", "rec-11"}, idsOf(s.List()))
}

func TestRecordStore_DeleteThenCreateSameID(t *testing.T) {
	s := NewRecordStore(Options{})
	applyCreate(t, s, "a", testFields(t, map[string]interface{}{"gen": 1}))

	_, err := s.Apply(core.Mutation{Kind: core.MutationDelete, TargetID: "a"})
	require.NoError(t, err)

	view := applyCreate(t, s, "a", testFields(t, map[string]interface{}{"gen": 2}))
	require.Equal(t, []core.RecordID{"a"}, idsOf(view))

	rec, found := s.Get("a")
	require.True(t, found)
	gen, _ := rec.Fields["gen"].ValueInt64()
	assert.Equal(t, int64(2), gen)
}
