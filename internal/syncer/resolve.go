package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rc-construcoes/rcsync/internal/api"
	"github.com/rc-construcoes/rcsync/internal/model"
)

// Conflict resolution choices.
const (
	ChoiceKeepLocal    = "keepLocal"
	ChoiceAcceptServer = "acceptServer"
)

// Conflicts lists every record awaiting a decision, with the server's copy
// attached when the engine holds one.
func (e *Engine) Conflicts(ctx context.Context) ([]Conflict, error) {
	refs, err := e.store.Conflicts(ctx)
	if err != nil {
		return nil, err
	}
	e.conflictMu.Lock()
	defer e.conflictMu.Unlock()

	out := make([]Conflict, 0, len(refs))
	for _, ref := range refs {
		out = append(out, Conflict{
			Entity:  ref.Entity,
			LocalID: ref.LocalID,
			Server:  e.conflicts[conflictKey{ref.Entity, ref.LocalID}],
		})
	}
	return out, nil
}

// ResolveConflict applies the user's decision for a conflicted record.
//
// acceptServer overwrites the local copy with the server's and drops the
// pending journal entries, leaving the record synced. keepLocal re-arms the
// suspended journal entry against the server's current version and triggers
// a sync.
func (e *Engine) ResolveConflict(ctx context.Context, entity string, id int64, choice string) error {
	key := conflictKey{entity, id}
	e.conflictMu.Lock()
	server := e.conflicts[key]
	e.conflictMu.Unlock()

	chain, err := e.store.ChainEntries(ctx, entity, id)
	if err != nil {
		return err
	}

	switch choice {
	case ChoiceAcceptServer:
		if server == nil {
			fetched, err := e.api.Fetch(ctx, entity, id)
			switch {
			case err == nil:
				server = fetched
			case isGone(err):
				server = nil // deleted on the server; drop locally too
			default:
				return fmt.Errorf("failed to fetch server copy of %s/%d: %w", entity, id, err)
			}
		}
		if err := e.store.ForceApplyServerRecord(ctx, entity, id, server); err != nil {
			return err
		}

	case ChoiceKeepLocal:
		if len(chain) == 0 {
			return fmt.Errorf("no pending change to keep for %s/%d", entity, id)
		}
		entry := chain[len(chain)-1]
		if entry.Op == model.OpDelete {
			if err := e.store.ReactivateDelete(ctx, entity, id, entry.ID); err != nil {
				return err
			}
		} else {
			serverVersion := versionOf(server)
			base := server
			if base == nil {
				base = entry.BasePayload
			}
			if err := e.store.RequeueUpdate(ctx, entity, id, entry.ID, entry.Payload, base, serverVersion, ""); err != nil {
				return err
			}
		}
		e.Trigger()

	default:
		return fmt.Errorf("unknown resolution choice %q", choice)
	}

	e.conflictMu.Lock()
	delete(e.conflicts, key)
	e.conflictMu.Unlock()
	return nil
}

func versionOf(payload json.RawMessage) int64 {
	if len(payload) == 0 {
		return 0
	}
	var probe struct {
		ServerVersion int64 `json:"serverVersion"`
	}
	_ = json.Unmarshal(payload, &probe)
	return probe.ServerVersion
}

func isGone(err error) bool {
	var reqErr *api.RequestError
	return errors.As(err, &reqErr) && reqErr.Status == 404
}
