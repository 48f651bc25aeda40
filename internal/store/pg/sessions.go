package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/funnelgate/internal/store"
)

// PGSessionStore implements store.SessionStore backed by Postgres.
type PGSessionStore struct {
	db *sql.DB
}

func NewPGSessionStore(db *sql.DB) *PGSessionStore {
	return &PGSessionStore{db: db}
}

const sessionColumns = `id, tenant_id, bot_id, remote_contact, provider_kind,
	status, await_user, context, funnel_id, funnel_enable, funnel_stage,
	follow_up_enable, follow_up_stage, created_at, updated_at`

func (s *PGSessionStore) GetByID(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *PGSessionStore) Find(ctx context.Context, tenantID, botID, remoteContact string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE tenant_id = $1 AND bot_id = $2 AND remote_contact = $3`,
		tenantID, botID, remoteContact)
	return scanSession(row)
}

func (s *PGSessionStore) GetOrCreate(ctx context.Context, tenantID, botID, remoteContact, providerKind string) (*store.Session, error) {
	// Insert races resolve through the unique tuple index; the follow-up
	// read returns whichever row won.
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, tenant_id, bot_id, remote_contact, provider_kind, status, await_user, context, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, '{}', $7, $7)
		 ON CONFLICT (tenant_id, bot_id, remote_contact) DO NOTHING`,
		uuid.Must(uuid.NewV7()), tenantID, botID, remoteContact, providerKind, store.StatusOpened, now)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.Find(ctx, tenantID, botID, remoteContact)
}

func (s *PGSessionStore) CreateMissing(ctx context.Context, tenantID, botID, providerKind string, contacts []string) (int, error) {
	created := 0
	for _, contact := range contacts {
		now := time.Now()
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, tenant_id, bot_id, remote_contact, provider_kind, status, await_user, context, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, false, '{}', $7, $7)
			 ON CONFLICT (tenant_id, bot_id, remote_contact) DO NOTHING`,
			uuid.Must(uuid.NewV7()), tenantID, botID, contact, providerKind, store.StatusOpened, now)
		if err != nil {
			return created, fmt.Errorf("create session for %s: %w", contact, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	return created, nil
}

func (s *PGSessionStore) BindFunnel(ctx context.Context, id, funnelID string) (*store.Session, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET funnel_id = $1, funnel_enable = true, updated_at = now() WHERE id = $2`,
		funnelID, id)
	if err != nil {
		return nil, fmt.Errorf("bind funnel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *PGSessionStore) SetFollowUpEnable(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET follow_up_enable = $1, updated_at = now() WHERE id = $2`,
		enabled, id)
	if err != nil {
		return fmt.Errorf("set follow_up_enable: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGSessionStore) UpdateState(ctx context.Context, id string, status store.SessionStatus, awaitUser bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1, await_user = $2, updated_at = now() WHERE id = $3`,
		status, awaitUser, id)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateContext locks the row, applies the mutation to the current context
// and writes the result back, so concurrent writers never drop each other's
// context fields.
func (s *PGSessionStore) UpdateContext(ctx context.Context, id string, mutate func(*store.SessionContext)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin context update: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT context FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read session context: %w", err)
	}

	var sc store.SessionContext
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &sc); err != nil {
			return fmt.Errorf("decode session context: %w", err)
		}
	}
	mutate(&sc)

	out, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encode session context: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET context = $1, updated_at = now() WHERE id = $2`, out, id); err != nil {
		return fmt.Errorf("write session context: %w", err)
	}
	return tx.Commit()
}

func (s *PGSessionStore) GetContext(ctx context.Context, id string) (store.SessionContext, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT context FROM sessions WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return store.SessionContext{}, store.ErrNotFound
	}
	if err != nil {
		return store.SessionContext{}, fmt.Errorf("read session context: %w", err)
	}
	var sc store.SessionContext
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &sc); err != nil {
			return store.SessionContext{}, fmt.Errorf("decode session context: %w", err)
		}
	}
	return sc, nil
}

// AdvanceFollowUp moves the pointer only when it still holds the expected
// value; a NULL pointer counts as zero.
func (s *PGSessionStore) AdvanceFollowUp(ctx context.Context, id string, expected, next int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET follow_up_stage = $1, updated_at = now()
		 WHERE id = $2 AND COALESCE(follow_up_stage, 0) = $3`,
		next, id, expected)
	if err != nil {
		return false, fmt.Errorf("advance follow_up_stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance follow_up_stage: %w", err)
	}
	return n > 0, nil
}

func (s *PGSessionStore) ListEligibleFollowUps(ctx context.Context, tenantID string) ([]*store.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		 WHERE status = $1 AND await_user AND follow_up_enable AND funnel_id IS NOT NULL`
	args := []any{store.StatusOpened}
	if tenantID != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	query += ` ORDER BY updated_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list follow-up candidates: %w", err)
	}
	defer rows.Close()

	var out []*store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var sess store.Session
	var rawContext []byte
	var funnelID sql.NullString
	var funnelStage, followUpStage sql.NullInt64

	err := row.Scan(&sess.ID, &sess.TenantID, &sess.BotID, &sess.RemoteContact,
		&sess.ProviderKind, &sess.Status, &sess.AwaitUser, &rawContext,
		&funnelID, &sess.FunnelEnable, &funnelStage,
		&sess.FollowUpEnable, &followUpStage, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if len(rawContext) > 0 {
		if err := json.Unmarshal(rawContext, &sess.Context); err != nil {
			return nil, fmt.Errorf("decode session context: %w", err)
		}
	}
	if funnelID.Valid {
		v := funnelID.String
		sess.FunnelID = &v
	}
	if funnelStage.Valid {
		v := int(funnelStage.Int64)
		sess.FunnelStage = &v
	}
	if followUpStage.Valid {
		v := int(followUpStage.Int64)
		sess.FollowUpStage = &v
	}
	return &sess, nil
}
