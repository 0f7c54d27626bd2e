package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/rc-construcoes/rcsync/internal/model"
)

// childReferences lists the columns in other tables that point at an
// entity's id. They are rewritten together with the id when a create
// acknowledgement remaps a local id to the server-assigned one.
var childReferences = map[string][]struct{ table, column string }{
	model.EntityClients: {
		{model.EntityBudgets, "client_id"},
		{model.EntityContracts, "client_id"},
	},
	model.EntityBudgets: {
		{model.EntityContracts, "budget_id"},
	},
}

// AckCreate applies a successful create acknowledgement: the record's local
// id becomes the server-assigned id, child references and remaining journal
// entries follow the rewrite, the record becomes synced, and the
// acknowledged journal entry is dropped.
func (s *Store) AckCreate(ctx context.Context, entity string, localID, serverID, serverVersion, journalID int64) error {
	return s.Transaction(ctx, func(tx *sqlx.Tx) error {
		if localID != serverID {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE %s SET id = ? WHERE id = ?", entity), serverID, localID); err != nil {
				return mapSQLError(err)
			}
			for _, ref := range childReferences[entity] {
				if _, err := tx.ExecContext(ctx, fmt.Sprintf(
					"UPDATE %s SET %s = ? WHERE %s = ?", ref.table, ref.column, ref.column),
					serverID, localID); err != nil {
					return mapSQLError(err)
				}
				// Queued payloads of dependent chains are sent verbatim, so
				// the reference inside them has to follow the remap too.
				if err := s.rewriteJournalReferences(ctx, tx, ref.table, ref.column, localID, serverID); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE sync_journal SET local_id = ? WHERE entity = ? AND local_id = ?",
				serverID, entity, localID); err != nil {
				return mapSQLError(err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET sync_status = ?, server_version = ? WHERE id = ?", entity),
			model.StatusSynced, serverVersion, serverID); err != nil {
			return mapSQLError(err)
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM sync_journal WHERE id = ?", journalID)
		return mapSQLError(err)
	})
}

// rewriteJournalReferences points queued journal payloads of a child entity
// at a freshly remapped parent id.
func (s *Store) rewriteJournalReferences(ctx context.Context, tx *sqlx.Tx, entity, column string, oldID, newID int64) error {
	field := wireFieldForColumn(entity, column)
	if field == "" {
		return nil
	}
	var entries []model.JournalEntry
	if err := tx.SelectContext(ctx, &entries,
		"SELECT * FROM sync_journal WHERE entity = ?", entity); err != nil {
		return fmt.Errorf("failed to read dependent journal entries: %w", err)
	}
	for _, e := range entries {
		payload, payloadChanged, err := rewriteReference(e.Payload, field, oldID, newID)
		if err != nil {
			return err
		}
		base, baseChanged, err := rewriteReference(e.BasePayload, field, oldID, newID)
		if err != nil {
			return err
		}
		if !payloadChanged && !baseChanged {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE sync_journal SET payload = ?, base_payload = ? WHERE id = ?",
			[]byte(payload), []byte(base), e.ID); err != nil {
			return fmt.Errorf("failed to rewrite journal reference: %w", err)
		}
	}
	return nil
}

// rewriteReference replaces field's value in a JSON payload when it equals
// oldID. Payloads without the field (or without the old value) pass through
// untouched.
func rewriteReference(payload json.RawMessage, field string, oldID, newID int64) (json.RawMessage, bool, error) {
	if len(payload) == 0 {
		return payload, false, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, false, fmt.Errorf("failed to decode journal payload: %w", err)
	}
	var ref int64
	if raw, ok := fields[field]; !ok || json.Unmarshal(raw, &ref) != nil || ref != oldID {
		return payload, false, nil
	}
	raw, err := json.Marshal(newID)
	if err != nil {
		return nil, false, err
	}
	fields[field] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// AckUpdate marks an update as acknowledged and drops its journal entry.
func (s *Store) AckUpdate(ctx context.Context, entity string, id, serverVersion, journalID int64) error {
	return s.Transaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET sync_status = ?, server_version = ? WHERE id = ?", entity),
			model.StatusSynced, serverVersion, id); err != nil {
			return mapSQLError(err)
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM sync_journal WHERE id = ?", journalID)
		return mapSQLError(err)
	})
}

// AckDelete erases an acknowledged tombstone and its journal entry.
func (s *Store) AckDelete(ctx context.Context, entity string, id, journalID int64) error {
	return s.Transaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE id = ?", entity), id); err != nil {
			return mapSQLError(err)
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM sync_journal WHERE id = ?", journalID)
		return mapSQLError(err)
	})
}

// MarkConflict parks a record in conflict state and suspends its journal
// entry until the user decides.
func (s *Store) MarkConflict(ctx context.Context, entity string, id, journalID int64, reason string) error {
	return s.Transaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET sync_status = ? WHERE id = ?", entity),
			model.StatusConflict, id); err != nil {
			return mapSQLError(err)
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE sync_journal SET suspended = 1, last_error = ? WHERE id = ?", reason, journalID)
		return mapSQLError(err)
	})
}

// RequeueUpdate replaces a chain's journal entry with a fresh update (used
// after a merge against a newer server version) and puts the record back in
// pendingUpdate with the merged fields.
func (s *Store) RequeueUpdate(ctx context.Context, entity string, id, journalID int64, payload, basePayload []byte, serverVersion int64, note string) error {
	return s.Transaction(ctx, func(tx *sqlx.Tx) error {
		if err := s.applyFields(ctx, tx, entity, payload); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET sync_status = ?, server_version = ?, updated_at = ? WHERE id = ?", entity),
			model.StatusPendingUpdate, serverVersion, s.now().UnixMilli(), id); err != nil {
			return mapSQLError(err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_journal
			SET op = ?, payload = ?, base_payload = ?, suspended = 0, attempts = 0, last_error = ?, next_attempt_at = 0
			WHERE id = ?`,
			model.OpUpdate, payload, basePayload, note, journalID)
		return mapSQLError(err)
	})
}

// ReactivateDelete un-parks a conflicted deletion: the tombstone goes back
// to pendingDelete and its journal entry rejoins the queue.
func (s *Store) ReactivateDelete(ctx context.Context, entity string, id, journalID int64) error {
	return s.Transaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET sync_status = ? WHERE id = ?", entity),
			model.StatusPendingDelete, id); err != nil {
			return mapSQLError(err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_journal
			SET suspended = 0, attempts = 0, last_error = '', next_attempt_at = 0
			WHERE id = ?`, journalID)
		return mapSQLError(err)
	})
}

// ApplyServerRecord upserts a pulled server delta, but only when the local
// copy has no pending changes. It reports whether the delta was applied and
// the sync status of the local row that blocked it otherwise.
func (s *Store) ApplyServerRecord(ctx context.Context, entity string, payload json.RawMessage) (bool, model.SyncStatus, error) {
	blocked := model.StatusSynced
	applied := false
	err := s.Transaction(ctx, func(tx *sqlx.Tx) error {
		id, err := payloadID(payload)
		if err != nil {
			return err
		}
		var status model.SyncStatus
		err = tx.GetContext(ctx, &status,
			fmt.Sprintf("SELECT sync_status FROM %s WHERE id = ?", entity), id)
		switch mapSQLError(err) {
		case nil:
			if status != model.StatusSynced {
				blocked = status
				return nil
			}
		case ErrNotFound:
		default:
			return mapSQLError(err)
		}

		if err := s.upsertFields(ctx, tx, entity, payload); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, blocked, err
}

// ForceApplyServerRecord overwrites the local copy with the server's,
// dropping any pending journal entries for the chain. Used when a conflict
// is resolved with acceptServer.
func (s *Store) ForceApplyServerRecord(ctx context.Context, entity string, id int64, payload json.RawMessage) error {
	return s.Transaction(ctx, func(tx *sqlx.Tx) error {
		if err := s.deleteJournalChain(ctx, tx, entity, id); err != nil {
			return err
		}
		if len(payload) == 0 {
			// Server no longer has the record; the local copy goes too.
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE id = ?", entity), id)
			return mapSQLError(err)
		}
		return s.upsertFields(ctx, tx, entity, payload)
	})
}

// ConflictRef identifies a record awaiting a user decision.
type ConflictRef struct {
	Entity  string `json:"entity"`
	LocalID int64  `json:"localId"`
}

// Conflicts lists every record parked in conflict state.
func (s *Store) Conflicts(ctx context.Context) ([]ConflictRef, error) {
	var out []ConflictRef
	for _, entity := range model.Entities {
		var ids []int64
		err := s.db.SelectContext(ctx, &ids, fmt.Sprintf(
			"SELECT id FROM %s WHERE sync_status = ? ORDER BY id", entity), model.StatusConflict)
		if err != nil {
			return nil, mapSQLError(err)
		}
		for _, id := range ids {
			out = append(out, ConflictRef{Entity: entity, LocalID: id})
		}
	}
	return out, nil
}

// upsertFields writes the payload's fields as a synced, live row.
func (s *Store) upsertFields(ctx context.Context, tx *sqlx.Tx, entity string, payload json.RawMessage) error {
	cols, vals, err := payloadColumns(entity, payload)
	if err != nil {
		return err
	}
	now := s.now().UnixMilli()
	cols = append(cols, "sync_status", "deleted")
	vals = append(vals, int64(model.StatusSynced), 0)
	if !containsColumn(cols, "created_at") {
		cols = append(cols, "created_at")
		vals = append(vals, now)
	}
	if !containsColumn(cols, "updated_at") {
		cols = append(cols, "updated_at")
		vals = append(vals, now)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	var sets []string
	for _, c := range cols {
		if c == "id" {
			continue
		}
		sets = append(sets, c+" = excluded."+c)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		entity, strings.Join(cols, ", "), placeholders, strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, vals...); err != nil {
		return mapSQLError(err)
	}
	return nil
}

// applyFields updates an existing row with the payload's domain fields,
// leaving meta columns to the caller.
func (s *Store) applyFields(ctx context.Context, tx *sqlx.Tx, entity string, payload json.RawMessage) error {
	cols, vals, err := payloadColumns(entity, payload)
	if err != nil {
		return err
	}
	var sets []string
	var args []any
	var id any
	for i, c := range cols {
		if c == "id" {
			id = vals[i]
			continue
		}
		sets = append(sets, c+" = ?")
		args = append(args, vals[i])
	}
	if id == nil {
		return fmt.Errorf("payload for %s carries no id", entity)
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", entity, strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return mapSQLError(err)
	}
	return nil
}

// payloadColumns resolves a JSON payload into column/value pairs, skipping
// fields the entity's schema does not know.
func payloadColumns(entity string, payload json.RawMessage) ([]string, []any, error) {
	if _, err := columnsFor(entity); err != nil {
		return nil, nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, nil, fmt.Errorf("failed to decode %s payload: %w", entity, err)
	}
	var cols []string
	var vals []any
	for field, value := range fields {
		col := columnForJSONField(entity, field)
		if col == "" {
			continue
		}
		cols = append(cols, col)
		vals = append(vals, toSQLValue(value))
	}
	if len(cols) == 0 {
		return nil, nil, fmt.Errorf("payload for %s carries no known fields", entity)
	}
	return cols, vals, nil
}

func containsColumn(cols []string, name string) bool {
	for _, c := range cols {
		if c == name {
			return true
		}
	}
	return false
}

// toSQLValue converts decoded JSON values into driver-friendly ones:
// integral floats become int64, arrays and objects are stored as JSON text.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) {
			return int64(val)
		}
		return val
	case []any, map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(b)
	default:
		return v
	}
}

func payloadID(payload json.RawMessage) (int64, error) {
	var probe struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return 0, fmt.Errorf("failed to read payload id: %w", err)
	}
	if probe.ID == 0 {
		return 0, fmt.Errorf("payload carries no id")
	}
	return probe.ID, nil
}
