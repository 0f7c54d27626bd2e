package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/rc-construcoes/rcsync/internal/model"
)

func (s *Store) appendJournal(ctx context.Context, tx *sqlx.Tx, e *model.JournalEntry) error {
	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO sync_journal
			(entity, local_id, op, payload, base_payload, attempts, last_error, suspended, next_attempt_at, enqueued_at)
		VALUES
			(:entity, :local_id, :op, :payload, :base_payload, :attempts, :last_error, :suspended, :next_attempt_at, :enqueued_at)`,
		e)
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (s *Store) journalChain(ctx context.Context, tx *sqlx.Tx, entity string, localID int64) ([]model.JournalEntry, error) {
	var chain []model.JournalEntry
	err := tx.SelectContext(ctx, &chain,
		"SELECT * FROM sync_journal WHERE entity = ? AND local_id = ? ORDER BY id", entity, localID)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal chain: %w", err)
	}
	return chain, nil
}

func (s *Store) setJournalPayload(ctx context.Context, tx *sqlx.Tx, id int64, payload []byte) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE sync_journal SET payload = ? WHERE id = ?", payload, id); err != nil {
		return fmt.Errorf("failed to update journal payload: %w", err)
	}
	return nil
}

func (s *Store) deleteJournalChain(ctx context.Context, tx *sqlx.Tx, entity string, localID int64) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM sync_journal WHERE entity = ? AND local_id = ?", entity, localID); err != nil {
		return fmt.Errorf("failed to delete journal chain: %w", err)
	}
	return nil
}

// ChainEntries returns every journal entry for one (entity, localId) chain
// in FIFO order, suspended entries included.
func (s *Store) ChainEntries(ctx context.Context, entity string, localID int64) ([]model.JournalEntry, error) {
	var chain []model.JournalEntry
	err := s.db.SelectContext(ctx, &chain,
		"SELECT * FROM sync_journal WHERE entity = ? AND local_id = ? ORDER BY id", entity, localID)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal chain: %w", err)
	}
	return chain, nil
}

// JournalEntry returns one journal entry by id, ErrNotFound when it has
// been acked or coalesced away.
func (s *Store) JournalEntry(ctx context.Context, id int64) (*model.JournalEntry, error) {
	var e model.JournalEntry
	if err := s.db.GetContext(ctx, &e, "SELECT * FROM sync_journal WHERE id = ?", id); err != nil {
		if mapSQLError(err) == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read journal entry: %w", err)
	}
	return &e, nil
}

// PendingEntries returns every non-suspended journal entry in append order.
// The engine walks them in chain FIFO order and applies per-chain backoff
// gating itself.
func (s *Store) PendingEntries(ctx context.Context) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM sync_journal WHERE suspended = 0 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return entries, nil
}

// JournalCount returns the number of entries still in the journal,
// suspended ones included.
func (s *Store) JournalCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sync_journal"); err != nil {
		return 0, fmt.Errorf("failed to count journal: %w", err)
	}
	return n, nil
}

// BacklogHigh reports whether the journal exceeds the configured soft
// limit.
func (s *Store) BacklogHigh(ctx context.Context) (bool, error) {
	n, err := s.JournalCount(ctx)
	if err != nil {
		return false, err
	}
	return n > int64(s.journalSoftLimit), nil
}

// BumpAttempt records a transient failure on a journal entry and schedules
// the next try.
func (s *Store) BumpAttempt(ctx context.Context, journalID int64, lastError string, nextAttemptAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_journal
		SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		WHERE id = ?`, lastError, nextAttemptAt, journalID)
	if err != nil {
		return fmt.Errorf("failed to bump journal attempt: %w", err)
	}
	return nil
}

// GetCursor returns the opaque pull cursor for an entity, "" when none has
// been stored yet.
func (s *Store) GetCursor(ctx context.Context, entity string) (string, error) {
	var cursor string
	err := s.db.GetContext(ctx, &cursor,
		"SELECT cursor FROM sync_cursors WHERE entity = ?", entity)
	if err != nil {
		if mapSQLError(err) == ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("failed to read cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor stores the pull cursor for an entity.
func (s *Store) SetCursor(ctx context.Context, entity, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (entity, cursor) VALUES (?, ?)
		ON CONFLICT(entity) DO UPDATE SET cursor = excluded.cursor`, entity, cursor)
	if err != nil {
		return fmt.Errorf("failed to store cursor: %w", err)
	}
	return nil
}
