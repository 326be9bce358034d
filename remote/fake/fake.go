// Package fake provides an in-memory Operations implementation for tests and
// the demo binary. Failures are scripted per operation, calls are recorded,
// and idempotency keys are honored so a duplicate replay has no second
// effect.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iamthanushgowdap/APSConnect-sub000/core"
	"github.com/iamthanushgowdap/APSConnect-sub000/remote"
)

// Call records one remote invocation.
type Call struct {
	Op             string
	TargetID       core.RecordID
	IdempotencyKey string
}

// Store is a scriptable in-memory authoritative store.
type Store struct {
	mu       sync.Mutex
	records  map[core.RecordID]core.Record
	order    []core.RecordID
	nextID   int
	failures map[string][]error
	calls    []Call
	latency  time.Duration
	resolved map[string]core.Record
}

var _ remote.Operations = (*Store)(nil)

// New creates an empty fake store.
func New() *Store {
	return &Store{
		records:  make(map[core.RecordID]core.Record),
		failures: make(map[string][]error),
		resolved: make(map[string]core.Record),
	}
}

// Seed loads records without recording calls, preserving the given order.
func (s *Store) Seed(records ...core.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if _, ok := s.records[rec.ID]; !ok {
			s.order = append(s.order, rec.ID)
		}
		s.records[rec.ID] = rec.Clone()
	}
}

// FailNext scripts the next call of op to fail with err. Repeated calls
// queue further failures.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// SetLatency makes every call sleep for d before answering.
func (s *Store) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Calls returns the number of recorded calls for op, or all calls when op is
// empty.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op == "" {
		return len(s.calls)
	}
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// CallLog returns a copy of every recorded call in order.
func (s *Store) CallLog() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Get returns the stored record, for test assertions.
func (s *Store) Get(id core.RecordID) (core.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return core.Record{}, false
	}
	return rec.Clone(), true
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) Create(ctx context.Context, payload core.FieldValues) (core.Record, error) {
	if err := s.begin(ctx, "create", ""); err != nil {
		return core.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := remote.IdempotencyKeyFromContext(ctx)
	if key != "" {
		if prior, ok := s.resolved[key]; ok {
			return prior.Clone(), nil
		}
	}

	s.nextID++
	rec := core.Record{ID: core.RecordID(fmt.Sprintf("srv-%d", s.nextID)), Fields: payload.Clone()}
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	if key != "" {
		s.resolved[key] = rec
	}
	return rec.Clone(), nil
}

func (s *Store) Update(ctx context.Context, id core.RecordID, payload core.FieldValues) (core.Record, error) {
	if err := s.begin(ctx, "update", id); err != nil {
		return core.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return core.Record{}, &core.TerminalError{Op: "update", Message: fmt.Sprintf("record %q not found", id)}
	}
	rec.Fields = payload.Clone()
	s.records[id] = rec
	if key := remote.IdempotencyKeyFromContext(ctx); key != "" {
		s.resolved[key] = rec
	}
	return rec.Clone(), nil
}

func (s *Store) PatchField(ctx context.Context, id core.RecordID, patch core.FieldValues) (core.Record, error) {
	if err := s.begin(ctx, "patch_field", id); err != nil {
		return core.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return core.Record{}, &core.TerminalError{Op: "patch_field", Message: fmt.Sprintf("record %q not found", id)}
	}
	rec.Fields = rec.Fields.Merge(patch)
	s.records[id] = rec
	if key := remote.IdempotencyKeyFromContext(ctx); key != "" {
		s.resolved[key] = rec
	}
	return rec.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, id core.RecordID) error {
	if err := s.begin(ctx, "delete", id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := remote.IdempotencyKeyFromContext(ctx)
	if _, ok := s.records[id]; !ok {
		if key != "" {
			if _, resolvedBefore := s.resolved[key]; resolvedBefore {
				// A replayed delete that already took effect.
				return nil
			}
		}
		return &core.TerminalError{Op: "delete", Message: fmt.Sprintf("record %q not found", id)}
	}
	delete(s.records, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if key != "" {
		s.resolved[key] = core.Record{ID: id}
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]core.Record, error) {
	if err := s.begin(ctx, "list", ""); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].Clone())
	}
	return out, nil
}

// begin records the call, applies scripted latency and pops a scripted
// failure when one is queued.
func (s *Store) begin(ctx context.Context, op string, target core.RecordID) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: op, TargetID: target, IdempotencyKey: remote.IdempotencyKeyFromContext(ctx)})
	latency := s.latency
	var scripted error
	if queue := s.failures[op]; len(queue) > 0 {
		scripted = queue[0]
		s.failures[op] = queue[1:]
	}
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return remote.Classify(op, ctx.Err())
		case <-time.After(latency):
		}
	}
	if scripted != nil {
		return remote.Classify(op, scripted)
	}
	return ctx.Err()
}
