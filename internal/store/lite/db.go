// Package lite implements the store interfaces on a single SQLite file
// (standalone mode). Timestamps are stored as unix seconds so the schema
// stays portable across drivers.
package lite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL UNIQUE,
	token   TEXT NOT NULL DEFAULT '',
	deleted INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bots (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	kind            TEXT NOT NULL,
	enabled         INTEGER NOT NULL DEFAULT 0,
	webhook_url     TEXT NOT NULL DEFAULT '',
	prompt          TEXT NOT NULL DEFAULT '',
	funnel_id       TEXT,
	agent_id        TEXT NOT NULL DEFAULT '',
	agent_port      INTEGER NOT NULL DEFAULT 0,
	agent_config    TEXT,
	basic_auth_user TEXT NOT NULL DEFAULT '',
	basic_auth_pass TEXT NOT NULL DEFAULT '',
	bearer_token    TEXT NOT NULL DEFAULT '',
	updated_at      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_bots_tenant ON bots(tenant_id, enabled);

CREATE TABLE IF NOT EXISTS funnels (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	name             TEXT NOT NULL,
	goal             TEXT NOT NULL DEFAULT '',
	logic            TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT '',
	follow_up_enable INTEGER NOT NULL DEFAULT 0,
	stages           TEXT,
	updated_at       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	bot_id           TEXT NOT NULL,
	remote_contact   TEXT NOT NULL,
	provider_kind    TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'opened',
	await_user       INTEGER NOT NULL DEFAULT 0,
	context          TEXT NOT NULL DEFAULT '{}',
	funnel_id        TEXT,
	funnel_enable    INTEGER NOT NULL DEFAULT 0,
	funnel_stage     INTEGER,
	follow_up_enable INTEGER NOT NULL DEFAULT 0,
	follow_up_stage  INTEGER,
	created_at       INTEGER NOT NULL DEFAULT 0,
	updated_at       INTEGER NOT NULL DEFAULT 0,
	UNIQUE (tenant_id, bot_id, remote_contact)
);
CREATE INDEX IF NOT EXISTS idx_sessions_followup
	ON sessions(status, await_user, follow_up_enable);
`

// OpenDB opens (creating if needed) the standalone database file and applies
// the schema.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent dispatches.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
