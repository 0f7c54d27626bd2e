package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/rc-construcoes/rcsync/internal/model"
)

// Create inserts a new record, assigns its local id, and appends the
// matching journal entry in the same transaction. The record comes back with
// SyncStatus pendingCreate and fresh timestamps.
func (s *Store) Create(ctx context.Context, rec model.Record) error {
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return err
	}

	return s.Transaction(ctx, func(tx *sqlx.Tx) error {
		meta := rec.MetaRef()
		meta.Stamp(s.now())
		meta.SyncStatus = model.StatusPendingCreate
		meta.ServerVersion = 0
		meta.Deleted = false

		query, err := insertSQL(rec.Entity())
		if err != nil {
			return err
		}
		res, err := tx.NamedExecContext(ctx, query, rec)
		if err != nil {
			return mapSQLError(err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read inserted id: %w", err)
		}
		meta.SetRecordID(id)

		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal journal payload: %w", err)
		}
		return s.appendJournal(ctx, tx, &model.JournalEntry{
			Entity:     rec.Entity(),
			LocalID:    id,
			Op:         model.OpCreate,
			Payload:    payload,
			EnqueuedAt: s.now().UnixMilli(),
		})
	})
}

// Update persists local edits to an existing record. The journal is
// coalesced per chain: edits on a record that is still pendingCreate fold
// into the create entry (the server will see one POST with the final
// fields), and repeated edits fold into one update entry that keeps the
// original pre-image.
func (s *Store) Update(ctx context.Context, rec model.Record) error {
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return err
	}
	meta := rec.MetaRef()
	if meta.ID == 0 {
		return ErrNotFound
	}

	return s.Transaction(ctx, func(tx *sqlx.Tx) error {
		current, err := s.getInTx(ctx, tx, rec.Entity(), meta.ID)
		if err != nil {
			return err
		}
		cur := current.MetaRef()

		meta.CreatedAt = cur.CreatedAt
		meta.ServerVersion = cur.ServerVersion
		meta.Deleted = false
		meta.Touch(s.now())
		switch cur.SyncStatus {
		case model.StatusPendingCreate, model.StatusConflict:
			meta.SyncStatus = cur.SyncStatus
		default:
			meta.SyncStatus = model.StatusPendingUpdate
		}

		query, err := updateSQL(rec.Entity())
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, query, rec); err != nil {
			return mapSQLError(err)
		}

		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal journal payload: %w", err)
		}

		chain, err := s.journalChain(ctx, tx, rec.Entity(), meta.ID)
		if err != nil {
			return err
		}
		if len(chain) > 0 {
			// Coalesce into the newest live entry; its base image (the
			// last server-acknowledged state) stays untouched.
			last := chain[len(chain)-1]
			return s.setJournalPayload(ctx, tx, last.ID, payload)
		}

		base, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("failed to marshal base payload: %w", err)
		}
		return s.appendJournal(ctx, tx, &model.JournalEntry{
			Entity:      rec.Entity(),
			LocalID:     meta.ID,
			Op:          model.OpUpdate,
			Payload:     payload,
			BasePayload: base,
			EnqueuedAt:  s.now().UnixMilli(),
		})
	})
}

// Patch applies a partial update expressed in wire field names and returns
// the stored record.
func (s *Store) Patch(ctx context.Context, entity string, id int64, partial map[string]any) (model.Record, error) {
	rec, err := s.Get(ctx, entity, id)
	if err != nil {
		return nil, err
	}

	merged, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(merged, &fields); err != nil {
		return nil, err
	}
	for k, v := range partial {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal patch field %s: %w", k, err)
		}
		fields[k] = raw
	}
	merged, err = json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	patched := model.New(entity)
	if patched == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	if err := json.Unmarshal(merged, patched); err != nil {
		return nil, fmt.Errorf("failed to apply patch: %w", err)
	}
	patched.MetaRef().SetRecordID(id)

	if err := s.Update(ctx, patched); err != nil {
		return nil, err
	}
	return patched, nil
}

// Delete removes a record. A record the server has never seen is erased
// outright together with its pending-create journal entry; anything else
// becomes a tombstone with a pending-delete entry, and any queued update for
// the chain is dropped since the deletion supersedes it.
func (s *Store) Delete(ctx context.Context, entity string, id int64) error {
	return s.Transaction(ctx, func(tx *sqlx.Tx) error {
		rec, err := s.getInTx(ctx, tx, entity, id)
		if err != nil {
			return err
		}
		meta := rec.MetaRef()

		if meta.SyncStatus == model.StatusPendingCreate {
			if err := s.deleteJournalChain(ctx, tx, entity, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE id = ?", entity), id); err != nil {
				return mapSQLError(err)
			}
			return nil
		}

		base, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal base payload: %w", err)
		}
		if err := s.deleteJournalChain(ctx, tx, entity, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET deleted = 1, sync_status = ?, updated_at = ? WHERE id = ?", entity),
			model.StatusPendingDelete, s.now().UnixMilli(), id); err != nil {
			return mapSQLError(err)
		}
		return s.appendJournal(ctx, tx, &model.JournalEntry{
			Entity:      entity,
			LocalID:     id,
			Op:          model.OpDelete,
			BasePayload: base,
			EnqueuedAt:  s.now().UnixMilli(),
		})
	})
}

// Get returns a live (non-tombstone) record by id.
func (s *Store) Get(ctx context.Context, entity string, id int64) (model.Record, error) {
	rec := model.New(entity)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	err := s.db.GetContext(ctx, rec,
		fmt.Sprintf("SELECT * FROM %s WHERE id = ? AND deleted = 0", entity), id)
	if err != nil {
		return nil, mapSQLError(err)
	}
	return rec, nil
}

func (s *Store) getInTx(ctx context.Context, tx *sqlx.Tx, entity string, id int64) (model.Record, error) {
	rec := model.New(entity)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	err := tx.GetContext(ctx, rec,
		fmt.Sprintf("SELECT * FROM %s WHERE id = ? AND deleted = 0", entity), id)
	if err != nil {
		return nil, mapSQLError(err)
	}
	return rec, nil
}

// FindOptions narrows and orders a Find or Count. Filter keys and OrderBy
// use wire field names (e.g. "clientId"); they are resolved against the
// entity's indexed columns.
type FindOptions struct {
	Filter  map[string]any
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// Find returns live records matching the options.
func (s *Store) Find(ctx context.Context, entity string, opts FindOptions) ([]model.Record, error) {
	if _, err := columnsFor(entity); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE deleted = 0", entity)
	where, args, err := buildFilter(entity, opts.Filter)
	if err != nil {
		return nil, err
	}
	query += where

	if opts.OrderBy != "" {
		col := columnForJSONField(entity, opts.OrderBy)
		if col == "" {
			return nil, fmt.Errorf("unknown order field %q for %s", opts.OrderBy, entity)
		}
		query += " ORDER BY " + col
		if opts.Desc {
			query += " DESC"
		}
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
		if opts.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", opts.Offset)
		}
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec := model.New(entity)
		if err := rows.StructScan(rec); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", entity, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of live records matching the filter.
func (s *Store) Count(ctx context.Context, entity string, filter map[string]any) (int64, error) {
	if _, err := columnsFor(entity); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE deleted = 0", entity)
	where, args, err := buildFilter(entity, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, query+where, args...); err != nil {
		return 0, mapSQLError(err)
	}
	return n, nil
}

func buildFilter(entity string, filter map[string]any) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	var clauses []string
	var args []any
	for field, value := range filter {
		col := columnForJSONField(entity, field)
		if col == "" {
			return "", nil, fmt.Errorf("unknown filter field %q for %s", field, entity)
		}
		clauses = append(clauses, col+" = ?")
		args = append(args, value)
	}
	return " AND " + strings.Join(clauses, " AND "), args, nil
}
