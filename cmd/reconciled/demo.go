package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/iamthanushgowdap/APSConnect-sub000/core"
	"github.com/iamthanushgowdap/APSConnect-sub000/engine"
)

// runDemoScenario walks the engine through the interesting paths: an
// optimistic create and update, an undone delete, and an offline stretch
// whose queued mutations replay after reconnecting.
func runDemoScenario(eng *engine.Engine, logger *slog.Logger) {
	logger = logger.With("component", "DemoScenario")
	ctx := context.Background()

	mustFields := func(m map[string]interface{}) core.FieldValues {
		fv, err := core.NewFieldValuesFromMap(m)
		if err != nil {
			logger.Error("demo payload invalid", "error", err)
			return nil
		}
		return fv
	}

	// 1. Create a club; the view shows it before the server confirms.
	created, err := eng.Apply(ctx, engine.Intent{
		Kind:    core.MutationCreate,
		Payload: mustFields(map[string]interface{}{"name": "Chess Club", "members": int64(1)}),
	})
	if err != nil {
		logger.Error("create failed", "error", err)
		return
	}
	logger.Info("optimistic create applied", "provisional_id", string(created.TargetID), "view_len", len(created.View))
	result := <-created.Outcome
	logger.Info("create resolved", "state", result.State.String(), "error", result.Err)

	view := eng.View()
	if len(view) == 0 {
		logger.Error("collection unexpectedly empty after create")
		return
	}
	id := view[0].ID

	// 2. Update it; non-undoable, commits immediately.
	updated, err := eng.Apply(ctx, engine.Intent{
		Kind:     core.MutationUpdate,
		TargetID: id,
		Payload:  mustFields(map[string]interface{}{"name": "Chess Club", "members": int64(12)}),
	})
	if err != nil {
		logger.Error("update failed", "error", err)
		return
	}
	result = <-updated.Outcome
	logger.Info("update resolved", "state", result.State.String(), "error", result.Err)

	// 3. Delete it and change our mind inside the undo window.
	deleted, err := eng.Apply(ctx, engine.Intent{Kind: core.MutationDelete, TargetID: id})
	if err != nil {
		logger.Error("delete failed", "error", err)
		return
	}
	logger.Info("optimistic delete applied, undoing in 2s", "target_id", string(id))
	time.Sleep(2 * time.Second)
	logger.Info("undo invoked", "reversed", deleted.Undo())
	result = <-deleted.Outcome
	logger.Info("delete resolved", "state", result.State.String())

	// 4. Go offline, queue a patch, come back and watch the replay.
	eng.SetOnline(false)
	time.Sleep(500 * time.Millisecond)
	patched, err := eng.Apply(ctx, engine.Intent{
		Kind:     core.MutationPatchField,
		TargetID: id,
		Payload:  mustFields(map[string]interface{}{"members": int64(13)}),
	})
	if err != nil {
		logger.Error("patch failed", "error", err)
		return
	}
	result = <-patched.Outcome
	logger.Info("patch resolved while offline", "state", result.State.String(), "queue_len", eng.QueueLen())

	eng.SetOnline(true)
	time.Sleep(2 * time.Second)
	logger.Info("after reconnect", "queue_len", eng.QueueLen(), "online", eng.Online())

	if rec, ok := eng.Get(id); ok {
		logger.Info("demo finished", "record", rec.Fields.ToMap())
	}
}
