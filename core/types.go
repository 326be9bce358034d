package core

import "time"

// RecordID identifies a record within a collection. IDs are assigned by the
// authoritative store; a Create mutation carries a caller-provided
// provisional ID until its commit succeeds and the server-assigned ID
// replaces it.
type RecordID string

// Record is one entry of the collection: a stable identity plus fields the
// engine treats as opaque except for cloning, merging and equality.
type Record struct {
	ID     RecordID
	Fields FieldValues
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	return Record{ID: r.ID, Fields: r.Fields.Clone()}
}

// RecordSnapshot preserves a record and its list position at the moment a
// mutation was accepted. Undo and rollback restore from it.
type RecordSnapshot struct {
	Record   Record
	Position int
}

// Clone returns a deep copy of the snapshot.
func (s *RecordSnapshot) Clone() *RecordSnapshot {
	if s == nil {
		return nil
	}
	return &RecordSnapshot{Record: s.Record.Clone(), Position: s.Position}
}

// MutationKind identifies the kind of change a mutation performs.
type MutationKind byte

const (
	MutationCreate MutationKind = iota + 1
	MutationUpdate
	MutationDelete
	MutationPatchField
)

// String returns the string representation of the MutationKind.
func (k MutationKind) String() string {
	switch k {
	case MutationCreate:
		return "create"
	case MutationUpdate:
		return "update"
	case MutationDelete:
		return "delete"
	case MutationPatchField:
		return "patch_field"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the defined mutation kinds.
func (k MutationKind) Valid() bool {
	return k >= MutationCreate && k <= MutationPatchField
}

// DefaultUndoable reports the conventional undo policy for a kind: Delete is
// undoable, the rest commit immediately. Callers may override per mutation.
func (k MutationKind) DefaultUndoable() bool {
	return k == MutationDelete
}

// Mutation describes one intended change to the collection.
type Mutation struct {
	Kind     MutationKind
	TargetID RecordID
	Payload  FieldValues

	// Undoable mutations are held in the pending ledger for an undo window
	// before committing. Snapshot is retained for undoable mutations and for
	// updates so a terminal failure can roll the record back.
	Undoable bool
	Snapshot *RecordSnapshot

	// IdempotencyKey deduplicates replays of the same mutation. The engine
	// fills it when the caller leaves it empty.
	IdempotencyKey string

	// SubmittedAt is the wall time the mutation entered the engine; the
	// queue's max-age escalation measures from it.
	SubmittedAt time.Time
}

// Sequence orders queued operations. Assigned by the offline queue,
// strictly increasing for the engine's lifetime.
type Sequence uint64

// MutationState tracks a mutation through its lifecycle. States are reported
// on the diagnostics stream; the engine itself branches on outcomes, not on
// stored state.
type MutationState byte

const (
	StateCreated MutationState = iota
	StateOptimisticallyApplied
	StatePendingUndo
	StateUndone
	StateWindowElapsed
	StateCommitting
	StateSuccess
	StateRetryQueued
	StateReplaySuccess
	StateTerminalFailure

	// StateCancelled resolves a mutation whose engine closed before the
	// mutation reached any other final state.
	StateCancelled
)

// String returns the string representation of the MutationState.
func (s MutationState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOptimisticallyApplied:
		return "optimistically_applied"
	case StatePendingUndo:
		return "pending_undo"
	case StateUndone:
		return "undone"
	case StateWindowElapsed:
		return "window_elapsed"
	case StateCommitting:
		return "committing"
	case StateSuccess:
		return "success"
	case StateRetryQueued:
		return "retry_queued"
	case StateReplaySuccess:
		return "replay_success"
	case StateTerminalFailure:
		return "terminal_failure"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state for a mutation.
func (s MutationState) Terminal() bool {
	switch s {
	case StateUndone, StateSuccess, StateReplaySuccess, StateTerminalFailure, StateCancelled:
		return true
	default:
		return false
	}
}
