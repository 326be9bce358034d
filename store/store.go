package store

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/skiplist"

	"github.com/iamthanushgowdap/APSConnect-sub000/core"
)

// rankStep is the gap left between adjacent ranks so positional restores can
// bisect without renumbering. When a gap is exhausted the whole index is
// renumbered.
const rankStep = int64(1) << 20

// compactMinDead is the tombstone count below which compaction is not worth
// running.
const compactMinDead = 8

// indexEntry is the value stored per rank. A nil rec marks a tombstone left
// behind by a delete; tombstones are reclaimed during compaction.
type indexEntry struct {
	id  core.RecordID
	rec *core.Record
}

func rankComparator(a, b int64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Options configures a RecordStore.
type Options struct {
	Logger *slog.Logger
	// PositionalRestore makes Restore honor the snapshot's original list
	// index. The default restores at the head of the list.
	PositionalRestore bool
}

// RecordStore is the in-memory, ordered collection the caller renders from.
// List order is explicit: creates insert at the head, restores reinsert at
// the head or, when positional restore is enabled, at the snapshot's index.
// It is the single authority over the collection; the ledger, the executor
// and the offline queue are its only writers.
type RecordStore struct {
	mu    sync.RWMutex
	index *skiplist.SkipList[int64, *indexEntry]
	ranks map[core.RecordID]int64

	positionalRestore bool
	logger            *slog.Logger

	live int
	dead int
}

// NewRecordStore creates an empty RecordStore.
func NewRecordStore(opts Options) *RecordStore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RecordStore{
		index:             skiplist.NewWithComparator[int64, *indexEntry](rankComparator),
		ranks:             make(map[core.RecordID]int64),
		positionalRestore: opts.PositionalRestore,
		logger:            logger.With("component", "RecordStore"),
	}
}

// Apply mutates the collection per the mutation kind and returns the new
// ordered view. It has no side effects beyond the collection: remote calls,
// timers and queueing are the engine's business.
func (s *RecordStore) Apply(mutation core.Mutation) ([]core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch mutation.Kind {
	case core.MutationCreate:
		if mutation.TargetID == "" {
			return nil, &core.InvariantViolationError{Message: "create mutation without a provisional id"}
		}
		if _, exists := s.ranks[mutation.TargetID]; exists {
			return nil, &core.InvariantViolationError{Message: fmt.Sprintf("create for existing id %q", mutation.TargetID)}
		}
		rec := core.Record{ID: mutation.TargetID, Fields: mutation.Payload.Clone()}
		s.insertAtHeadLocked(&rec)

	case core.MutationUpdate, core.MutationPatchField:
		entry, err := s.liveEntryLocked(mutation.TargetID, mutation.Kind.String())
		if err != nil {
			return nil, err
		}
		entry.rec.Fields = entry.rec.Fields.Merge(mutation.Payload)

	case core.MutationDelete:
		rank, ok := s.ranks[mutation.TargetID]
		if !ok {
			return nil, &core.TerminalError{Op: "delete", Message: fmt.Sprintf("record %q not found", mutation.TargetID)}
		}
		// The index has no removal; a tombstone overwrites the node value in
		// place and compaction reclaims it later.
		s.index.Insert(rank, &indexEntry{id: mutation.TargetID})
		delete(s.ranks, mutation.TargetID)
		s.live--
		s.dead++
		s.maybeCompactLocked()

	default:
		return nil, &core.InvariantViolationError{Message: fmt.Sprintf("unknown mutation kind %d", mutation.Kind)}
	}

	return s.listLocked(), nil
}

// Restore puts a snapshot's value back, used by undo and by terminal
// rollback. A record still present (an undone update) is replaced in place;
// a removed one (an undone delete) is reinserted, at the head of the list by
// default or at the snapshot's index with positional restore enabled.
func (s *RecordStore) Restore(snapshot *core.RecordSnapshot) ([]core.Record, error) {
	if snapshot == nil {
		return nil, &core.InvariantViolationError{Message: "restore without a snapshot"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := snapshot.Record.ID
	rec := snapshot.Record.Clone()
	if rank, exists := s.ranks[id]; exists {
		s.index.Insert(rank, &indexEntry{id: id, rec: &rec})
		return s.listLocked(), nil
	}

	if s.positionalRestore {
		s.insertAtPositionLocked(&rec, snapshot.Position)
	} else {
		s.insertAtHeadLocked(&rec)
	}
	return s.listLocked(), nil
}

// Replace reconciles a record with the authoritative value returned by a
// successful commit. For creates the provisional id is rebound to the
// server-assigned one while keeping the record's list position.
func (s *RecordStore) Replace(id core.RecordID, authoritative core.Record) ([]core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rank, ok := s.ranks[id]
	if !ok {
		return nil, &core.TerminalError{Op: "replace", Message: fmt.Sprintf("record %q not found", id)}
	}

	rec := authoritative.Clone()
	if rec.ID != id {
		// Server-assigned id may collide with a record already present
		// locally, e.g. after a refetch raced the commit. The stale copy is
		// tombstoned so the reconciled record is the only one visible.
		if otherRank, exists := s.ranks[rec.ID]; exists {
			s.index.Insert(otherRank, &indexEntry{id: rec.ID})
			delete(s.ranks, rec.ID)
			s.live--
			s.dead++
		}
		delete(s.ranks, id)
	}
	s.index.Insert(rank, &indexEntry{id: rec.ID, rec: &rec})
	s.ranks[rec.ID] = rank
	return s.listLocked(), nil
}

// ResetTo atomically replaces the whole collection, preserving the given
// order. Used by the refetch fallback.
func (s *RecordStore) ResetTo(records []core.Record) []core.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index.Clear()
	s.ranks = make(map[core.RecordID]int64, len(records))
	s.live = 0
	s.dead = 0

	rank := rankStep
	for i := range records {
		rec := records[i].Clone()
		s.index.Insert(rank, &indexEntry{id: rec.ID, rec: &rec})
		s.ranks[rec.ID] = rank
		rank += rankStep
		s.live++
	}
	return s.listLocked()
}

// Get returns a copy of the record with the given id.
func (s *RecordStore) Get(id core.RecordID) (core.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rank, ok := s.ranks[id]
	if !ok {
		return core.Record{}, false
	}
	node, found := s.index.Seek(rank)
	if !found || node.Key() != rank || node.Value().rec == nil {
		return core.Record{}, false
	}
	return node.Value().rec.Clone(), true
}

// List returns the ordered view of the collection. Records are cloned out;
// the caller may hold or mutate them freely.
func (s *RecordStore) List() []core.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

// Len returns the number of live records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// PositionOf returns the list index of the record with the given id.
func (s *RecordStore) PositionOf(id core.RecordID) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rank, ok := s.ranks[id]
	if !ok {
		return 0, false
	}
	pos := 0
	found := false
	iter := s.index.NewIterator()
	for iter.Next() {
		if iter.Value().rec == nil {
			continue
		}
		if iter.Key() == rank {
			found = true
			break
		}
		pos++
	}
	if !found {
		return 0, false
	}
	return pos, true
}

// Snapshot captures the record and its position for a later Restore. The
// second return is false when the id is not live.
func (s *RecordStore) Snapshot(id core.RecordID) (*core.RecordSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rank, ok := s.ranks[id]
	if !ok {
		return nil, false
	}

	pos := 0
	iter := s.index.NewIterator()
	for iter.Next() {
		entry := iter.Value()
		if entry.rec == nil {
			continue
		}
		if iter.Key() == rank {
			return &core.RecordSnapshot{Record: entry.rec.Clone(), Position: pos}, true
		}
		pos++
	}
	return nil, false
}

func (s *RecordStore) listLocked() []core.Record {
	out := make([]core.Record, 0, s.live)
	iter := s.index.NewIterator()
	for iter.Next() {
		entry := iter.Value()
		if entry.rec == nil {
			continue
		}
		out = append(out, entry.rec.Clone())
	}
	return out
}

func (s *RecordStore) liveEntryLocked(id core.RecordID, op string) (*indexEntry, error) {
	rank, ok := s.ranks[id]
	if !ok {
		return nil, &core.TerminalError{Op: op, Message: fmt.Sprintf("record %q not found", id)}
	}
	node, found := s.index.Seek(rank)
	if !found || node.Key() != rank || node.Value().rec == nil {
		return nil, &core.InvariantViolationError{Message: fmt.Sprintf("rank map points at missing entry for %q", id)}
	}
	return node.Value(), nil
}

func (s *RecordStore) insertAtHeadLocked(rec *core.Record) {
	rank := rankStep
	iter := s.index.NewIterator()
	if iter.Next() {
		rank = iter.Key() - rankStep
	}
	s.index.Insert(rank, &indexEntry{id: rec.ID, rec: rec})
	s.ranks[rec.ID] = rank
	s.live++
}

// insertAtPositionLocked places rec so that exactly pos live records precede
// it. Tombstone nodes are skipped when locating neighbours; a collision with
// a tombstone's rank revives that node in place.
func (s *RecordStore) insertAtPositionLocked(rec *core.Record, pos int) {
	if pos <= 0 {
		s.insertAtHeadLocked(rec)
		return
	}

	prevRank := int64(0)
	nextRank := int64(0)
	havePrev := false
	haveNext := false

	seen := 0
	iter := s.index.NewIterator()
	for iter.Next() {
		if iter.Value().rec == nil {
			continue
		}
		if seen == pos {
			nextRank = iter.Key()
			haveNext = true
			break
		}
		prevRank = iter.Key()
		havePrev = true
		seen++
	}

	var rank int64
	switch {
	case !havePrev:
		// Fewer live records than pos and none seen: empty list.
		rank = rankStep
	case !haveNext:
		// Position is at or beyond the tail.
		rank = prevRank + rankStep
	default:
		rank = prevRank + (nextRank-prevRank)/2
		if rank == prevRank || rank == nextRank {
			// Gap exhausted between the neighbours.
			s.renumberLocked()
			s.insertAtPositionLocked(rec, pos)
			return
		}
	}

	if old := s.index.Insert(rank, &indexEntry{id: rec.ID, rec: rec}); old != nil {
		// Overwrote a tombstone occupying this rank.
		s.dead--
	}
	s.ranks[rec.ID] = rank
	s.live++
}

// renumberLocked rebuilds the index with fresh evenly spaced ranks. It also
// discards tombstones, so it doubles as compaction.
func (s *RecordStore) renumberLocked() {
	type pair struct {
		id  core.RecordID
		rec *core.Record
	}
	ordered := make([]pair, 0, s.live)
	iter := s.index.NewIterator()
	for iter.Next() {
		entry := iter.Value()
		if entry.rec == nil {
			continue
		}
		ordered = append(ordered, pair{id: entry.id, rec: entry.rec})
	}

	s.index.Clear()
	s.ranks = make(map[core.RecordID]int64, len(ordered))

	rank := rankStep
	for _, p := range ordered {
		s.index.Insert(rank, &indexEntry{id: p.id, rec: p.rec})
		s.ranks[p.id] = rank
		rank += rankStep
	}
	s.dead = 0
	s.logger.Debug("renumbered record index", "live", s.live)
}

func (s *RecordStore) maybeCompactLocked() {
	if s.dead >= compactMinDead && s.dead > s.live {
		s.renumberLocked()
	}
}
