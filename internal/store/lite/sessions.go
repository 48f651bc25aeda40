package lite

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

// LiteSessionStore implements store.SessionStore backed by SQLite.
type LiteSessionStore struct {
	db *sql.DB
}

func NewLiteSessionStore(db *sql.DB) *LiteSessionStore {
	return &LiteSessionStore{db: db}
}

const sessionColumns = `id, tenant_id, bot_id, remote_contact, provider_kind,
	status, await_user, context, funnel_id, funnel_enable, funnel_stage,
	follow_up_enable, follow_up_stage, created_at, updated_at`

func (s *LiteSessionStore) GetByID(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *LiteSessionStore) Find(ctx context.Context, tenantID, botID, remoteContact string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE tenant_id = ? AND bot_id = ? AND remote_contact = ?`,
		tenantID, botID, remoteContact)
	return scanSession(row)
}

func (s *LiteSessionStore) GetOrCreate(ctx context.Context, tenantID, botID, remoteContact, providerKind string) (*store.Session, error) {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, tenant_id, bot_id, remote_contact, provider_kind, status, await_user, context, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, '{}', ?, ?)
		 ON CONFLICT (tenant_id, bot_id, remote_contact) DO NOTHING`,
		newID(), tenantID, botID, remoteContact, providerKind, store.StatusOpened, now, now)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.Find(ctx, tenantID, botID, remoteContact)
}

func (s *LiteSessionStore) CreateMissing(ctx context.Context, tenantID, botID, providerKind string, contacts []string) (int, error) {
	created := 0
	for _, contact := range contacts {
		now := time.Now().Unix()
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, tenant_id, bot_id, remote_contact, provider_kind, status, await_user, context, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, 0, '{}', ?, ?)
			 ON CONFLICT (tenant_id, bot_id, remote_contact) DO NOTHING`,
			newID(), tenantID, botID, contact, providerKind, store.StatusOpened, now, now)
		if err != nil {
			return created, fmt.Errorf("create session for %s: %w", contact, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	return created, nil
}

func (s *LiteSessionStore) BindFunnel(ctx context.Context, id, funnelID string) (*store.Session, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET funnel_id = ?, funnel_enable = 1, updated_at = ? WHERE id = ?`,
		funnelID, time.Now().Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("bind funnel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *LiteSessionStore) SetFollowUpEnable(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET follow_up_enable = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set follow_up_enable: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *LiteSessionStore) UpdateState(ctx context.Context, id string, status store.SessionStatus, awaitUser bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, await_user = ?, updated_at = ? WHERE id = ?`,
		status, boolInt(awaitUser), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *LiteSessionStore) UpdateContext(ctx context.Context, id string, mutate func(*store.SessionContext)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin context update: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT context FROM sessions WHERE id = ?`, id).Scan(&raw)
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
		`UPDATE sessions SET context = ?, updated_at = ? WHERE id = ?`,
		out, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("write session context: %w", err)
	}
	return tx.Commit()
}

func (s *LiteSessionStore) GetContext(ctx context.Context, id string) (store.SessionContext, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT context FROM sessions WHERE id = ?`, id).Scan(&raw)
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

func (s *LiteSessionStore) AdvanceFollowUp(ctx context.Context, id string, expected, next int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET follow_up_stage = ?, updated_at = ?
		 WHERE id = ? AND COALESCE(follow_up_stage, 0) = ?`,
		next, time.Now().Unix(), id, expected)
	if err != nil {
		return false, fmt.Errorf("advance follow_up_stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance follow_up_stage: %w", err)
	}
	return n > 0, nil
}

func (s *LiteSessionStore) ListEligibleFollowUps(ctx context.Context, tenantID string) ([]*store.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		 WHERE status = ? AND await_user = 1 AND follow_up_enable = 1 AND funnel_id IS NOT NULL`
	args := []any{store.StatusOpened}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
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
	var awaitUser, createdAt, updatedAt int64

	err := row.Scan(&sess.ID, &sess.TenantID, &sess.BotID, &sess.RemoteContact,
		&sess.ProviderKind, &sess.Status, &awaitUser, &rawContext,
		&funnelID, &sess.FunnelEnable, &funnelStage,
		&sess.FollowUpEnable, &followUpStage, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.AwaitUser = awaitUser != 0
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
