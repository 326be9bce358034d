// Package remote defines the contract between the engine and the
// authoritative store. The engine never talks to a network itself; callers
// inject an Operations implementation and the engine classifies its failures
// as retryable or terminal.
package remote

import (
	"context"
	"errors"

	"github.com/iamthanushgowdap/APSConnect-sub000/core"
)

// Operations is the per-kind remote call table the engine commits through.
// Every call blocks until the remote store answers or ctx is done, and every
// error must be classified: wrap with core.RetryableError or
// core.TerminalError, or leave it unclassified and the engine treats it as
// retryable (a network blip is the safe default; a wrong terminal
// classification would throw away user intent).
type Operations interface {
	// Create persists a new record and returns the authoritative value,
	// including the server-assigned ID.
	Create(ctx context.Context, payload core.FieldValues) (core.Record, error)

	// Update replaces the record's fields and returns the canonical value.
	Update(ctx context.Context, id core.RecordID, payload core.FieldValues) (core.Record, error)

	// PatchField applies a partial field change (tag add/remove style) and
	// returns the canonical value.
	PatchField(ctx context.Context, id core.RecordID, patch core.FieldValues) (core.Record, error)

	// Delete removes the record. A not-found answer is a terminal failure.
	Delete(ctx context.Context, id core.RecordID) error

	// List fetches the full collection in its authoritative order. Used for
	// the initial load and the refetch fallback.
	List(ctx context.Context) ([]core.Record, error)
}

// Classify wraps an error from an Operations call so the engine can branch
// on it. Already-classified errors pass through; context cancellation and
// deadline expiry become retryable (the intent must survive an interrupted
// attempt); anything else defaults to retryable.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if core.IsRetryable(err) || core.IsTerminal(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &core.RetryableError{Op: op, Message: "attempt interrupted", Err: err}
	}
	return &core.RetryableError{Op: op, Message: "unclassified remote failure", Err: err}
}
