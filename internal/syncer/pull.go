package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rc-construcoes/rcsync/internal/model"
)

// pull ingests server deltas for every entity, paging from the stored
// cursor. Deltas for records with pending local changes are not applied
// directly; they go through the merge path and count as requeued.
func (e *Engine) pull(ctx context.Context) (int, int, error) {
	pulled, requeued := 0, 0

	for _, entity := range model.Entities {
		cursor, err := e.store.GetCursor(ctx, entity)
		if err != nil {
			return pulled, requeued, err
		}

		for {
			if !e.monitor.Online() {
				return pulled, requeued, errCycleAborted
			}
			delta, err := e.api.PullSince(ctx, entity, cursor, e.config.PullLimit)
			if err != nil {
				return pulled, requeued, fmt.Errorf("pull %s: %w", entity, err)
			}
			if !e.gate.IsAuthenticated() {
				return pulled, requeued, errCycleAborted
			}

			for _, item := range delta.Items {
				applied, blockedStatus, err := e.store.ApplyServerRecord(ctx, entity, item)
				if err != nil {
					return pulled, requeued, err
				}
				if applied {
					pulled++
					continue
				}
				r, err := e.handlePullConflict(ctx, entity, item, blockedStatus)
				if err != nil {
					return pulled, requeued, err
				}
				requeued += r
			}

			if delta.NextCursor != "" && delta.NextCursor != cursor {
				cursor = delta.NextCursor
				if err := e.store.SetCursor(ctx, entity, cursor); err != nil {
					return pulled, requeued, err
				}
			}
			if !delta.HasMore {
				break
			}
		}
	}
	return pulled, requeued, nil
}

// handlePullConflict deals with a server delta for a record that also has
// pending local changes. Echoes of our own acknowledged state are ignored;
// a genuinely newer server version is merged with the locally touched
// fields and requeued, except for pending deletions, which park in conflict
// state for the user.
func (e *Engine) handlePullConflict(ctx context.Context, entity string, item json.RawMessage, status model.SyncStatus) (int, error) {
	var probe struct {
		ID            int64 `json:"id"`
		ServerVersion int64 `json:"serverVersion"`
	}
	if err := json.Unmarshal(item, &probe); err != nil || probe.ID == 0 {
		e.config.Logger.Printf("WARNING: skipping %s delta without id", entity)
		return 0, nil
	}

	if status == model.StatusConflict {
		// Already awaiting a decision; remember the fresher server copy.
		e.conflictMu.Lock()
		e.conflicts[conflictKey{entity, probe.ID}] = item
		e.conflictMu.Unlock()
		return 0, nil
	}
	if status == model.StatusPendingCreate {
		// A local-only record cannot have a server delta; the id spaces
		// collided. Leave the local record alone, the create ack will
		// remap it.
		e.config.Logger.Printf("WARNING: %s delta id %d collides with a pending create", entity, probe.ID)
		return 0, nil
	}

	localVersion := int64(0)
	if rec, err := e.store.Get(ctx, entity, probe.ID); err == nil {
		localVersion = rec.MetaRef().ServerVersion
	}
	if probe.ServerVersion != 0 && probe.ServerVersion <= localVersion {
		// Echo of a state we already hold; the pending local change will
		// be pushed against it as usual.
		return 0, nil
	}

	chain, err := e.store.ChainEntries(ctx, entity, probe.ID)
	if err != nil {
		return 0, err
	}
	if len(chain) == 0 {
		// Status says pending but the journal disagrees; repair by
		// accepting the server copy.
		return 0, e.store.ForceApplyServerRecord(ctx, entity, probe.ID, item)
	}
	entry := chain[len(chain)-1]

	if entry.Op == model.OpDelete {
		return 0, e.parkConflict(ctx, &entry, item, "record changed on server after local delete")
	}

	merged, serverVersion, err := mergeTouched(item, &entry)
	if err != nil {
		return 0, err
	}
	if err := e.store.RequeueUpdate(ctx, entity, probe.ID, entry.ID, merged, item, serverVersion, staleNote); err != nil {
		return 0, err
	}
	return 1, nil
}
