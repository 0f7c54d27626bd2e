package migrate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/rc-construcoes/rcsync/internal/model"
)

var migrations = []Migration{
	{Version: 1, Description: "initial schema", Apply: applyV1},
	{Version: 2, Description: "user permissions column with defaults", Apply: applyV2},
	{Version: 3, Description: "financial dates to millisecond epochs", Apply: applyV3},
	{Version: 4, Description: "canonical digits-only tax ids", Apply: applyV4},
}

func applyV1(ctx context.Context, tx *sqlx.Tx) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS users (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		username       TEXT NOT NULL,
		email          TEXT NOT NULL,
		password_hash  TEXT NOT NULL DEFAULT '',
		role           TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		sync_status    INTEGER NOT NULL DEFAULT 0,
		server_version INTEGER NOT NULL DEFAULT 0,
		deleted        INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users(username);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email);

	CREATE TABLE IF NOT EXISTS clients (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		name           TEXT NOT NULL,
		email          TEXT NOT NULL,
		phone          TEXT NOT NULL DEFAULT '',
		address        TEXT NOT NULL DEFAULT '',
		tax_id         TEXT NOT NULL DEFAULT '',
		is_active      INTEGER NOT NULL DEFAULT 1,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		sync_status    INTEGER NOT NULL DEFAULT 0,
		server_version INTEGER NOT NULL DEFAULT 0,
		deleted        INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_clients_email ON clients(email);

	CREATE TABLE IF NOT EXISTS budgets (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id      INTEGER NOT NULL,
		title          TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		amount         REAL NOT NULL,
		status         TEXT NOT NULL DEFAULT 'Pending',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		sync_status    INTEGER NOT NULL DEFAULT 0,
		server_version INTEGER NOT NULL DEFAULT 0,
		deleted        INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_budgets_client ON budgets(client_id);

	CREATE TABLE IF NOT EXISTS contracts (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id      INTEGER NOT NULL,
		budget_id      INTEGER NOT NULL DEFAULT 0,
		title          TEXT NOT NULL,
		terms          TEXT NOT NULL DEFAULT '',
		value          REAL NOT NULL,
		start_date     INTEGER NOT NULL DEFAULT 0,
		end_date       INTEGER NOT NULL DEFAULT 0,
		status         TEXT NOT NULL DEFAULT 'Active',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		sync_status    INTEGER NOT NULL DEFAULT 0,
		server_version INTEGER NOT NULL DEFAULT 0,
		deleted        INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_contracts_client ON contracts(client_id);

	CREATE TABLE IF NOT EXISTS financials (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		type           TEXT NOT NULL,
		description    TEXT NOT NULL,
		amount         REAL NOT NULL,
		date           INTEGER NOT NULL,
		category       TEXT NOT NULL DEFAULT '',
		reference_id   TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		sync_status    INTEGER NOT NULL DEFAULT 0,
		server_version INTEGER NOT NULL DEFAULT 0,
		deleted        INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_financials_date ON financials(date);

	CREATE TABLE IF NOT EXISTS sync_journal (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		entity          TEXT NOT NULL,
		local_id        INTEGER NOT NULL,
		op              TEXT NOT NULL CHECK (op IN ('create','update','delete')),
		payload         TEXT,
		base_payload    TEXT,
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT NOT NULL DEFAULT '',
		suspended       INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		enqueued_at     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_journal_chain ON sync_journal(entity, local_id, id);

	CREATE TABLE IF NOT EXISTS sync_cursors (
		entity TEXT PRIMARY KEY,
		cursor TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create initial schema: %w", err)
	}
	return nil
}

// applyV2 adds the permissions column and backfills the default set. Only
// rows still holding the empty marker are rewritten, so replaying against
// already-migrated data changes nothing.
func applyV2(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx,
		"ALTER TABLE users ADD COLUMN permissions TEXT NOT NULL DEFAULT '[]'"); err != nil {
		return fmt.Errorf("failed to add permissions column: %w", err)
	}
	defaults, err := json.Marshal(model.DefaultPermissions)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET permissions = ? WHERE permissions = '[]' OR permissions = ''",
		string(defaults)); err != nil {
		return fmt.Errorf("failed to backfill permissions: %w", err)
	}
	return nil
}

// applyV3 rewrites financial dates that are still ISO text into millisecond
// epoch integers. Rows already integral are left alone.
func applyV3(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE financials
		SET date = CAST(strftime('%s', date) AS INTEGER) * 1000
		WHERE typeof(date) = 'text'`); err != nil {
		return fmt.Errorf("failed to convert financial dates: %w", err)
	}
	return nil
}

// applyV4 normalizes stored tax ids to digits only and enforces their
// uniqueness with a partial index.
func applyV4(ctx context.Context, tx *sqlx.Tx) error {
	rows, err := tx.QueryContext(ctx, "SELECT id, tax_id FROM clients WHERE tax_id != ''")
	if err != nil {
		return fmt.Errorf("failed to read tax ids: %w", err)
	}
	type fix struct {
		id    int64
		taxID string
	}
	var fixes []fix
	for rows.Next() {
		var f fix
		if err := rows.Scan(&f.id, &f.taxID); err != nil {
			rows.Close()
			return err
		}
		if canon := model.NormalizeTaxID(f.taxID); canon != f.taxID {
			fixes = append(fixes, fix{id: f.id, taxID: canon})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, f := range fixes {
		if _, err := tx.ExecContext(ctx,
			"UPDATE clients SET tax_id = ? WHERE id = ?", f.taxID, f.id); err != nil {
			return fmt.Errorf("failed to normalize tax id for client %d: %w", f.id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_clients_tax_id
		ON clients(tax_id) WHERE tax_id != ''`); err != nil {
		return fmt.Errorf("failed to index tax ids: %w", err)
	}
	return nil
}
