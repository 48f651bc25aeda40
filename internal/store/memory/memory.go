// Package memory provides map-backed store implementations. They honor the
// same contracts as the SQL backends and exist for tests and ephemeral runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/funnelgate/internal/store"
)

// New returns a fully wired in-memory store set.
func New() *store.Stores {
	return &store.Stores{
		Sessions: NewSessionStore(),
		Bots:     NewBotStore(),
		Funnels:  NewFunnelStore(),
		Tenants:  NewTenantStore(),
	}
}

type sessionKey struct {
	tenantID      string
	botID         string
	remoteContact string
}

// SessionStore keeps sessions in a map keyed by id plus a unique index on
// (tenant, bot, contact).
type SessionStore struct {
	mu      sync.Mutex
	byID    map[string]*store.Session
	byTuple map[sessionKey]string
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		byID:    make(map[string]*store.Session),
		byTuple: make(map[sessionKey]string),
	}
}

// Put inserts or replaces a session, maintaining the tuple index. Intended
// for test seeding.
func (s *SessionStore) Put(sess *store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.byID[cp.ID] = &cp
	s.byTuple[sessionKey{cp.TenantID, cp.BotID, cp.RemoteContact}] = cp.ID
}

func (s *SessionStore) GetByID(_ context.Context, id string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *SessionStore) Find(_ context.Context, tenantID, botID, remoteContact string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTuple[sessionKey{tenantID, botID, remoteContact}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *SessionStore) GetOrCreate(_ context.Context, tenantID, botID, remoteContact, providerKind string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{tenantID, botID, remoteContact}
	if id, ok := s.byTuple[key]; ok {
		cp := *s.byID[id]
		return &cp, nil
	}
	now := time.Now()
	sess := &store.Session{
		ID:            newID(),
		TenantID:      tenantID,
		BotID:         botID,
		RemoteContact: remoteContact,
		ProviderKind:  providerKind,
		Status:        store.StatusOpened,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.byID[sess.ID] = sess
	s.byTuple[key] = sess.ID
	cp := *sess
	return &cp, nil
}

func (s *SessionStore) CreateMissing(ctx context.Context, tenantID, botID, providerKind string, contacts []string) (int, error) {
	created := 0
	for _, contact := range contacts {
		s.mu.Lock()
		key := sessionKey{tenantID, botID, contact}
		_, exists := s.byTuple[key]
		s.mu.Unlock()
		if exists {
			continue
		}
		if _, err := s.GetOrCreate(ctx, tenantID, botID, contact, providerKind); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func (s *SessionStore) BindFunnel(_ context.Context, id, funnelID string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	fid := funnelID
	sess.FunnelID = &fid
	sess.FunnelEnable = true
	sess.UpdatedAt = time.Now()
	cp := *sess
	return &cp, nil
}

func (s *SessionStore) SetFollowUpEnable(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.FollowUpEnable = enabled
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *SessionStore) UpdateState(_ context.Context, id string, status store.SessionStatus, awaitUser bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.Status = status
	sess.AwaitUser = awaitUser
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *SessionStore) UpdateContext(_ context.Context, id string, mutate func(*store.SessionContext)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	mutate(&sess.Context)
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *SessionStore) GetContext(_ context.Context, id string) (store.SessionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return store.SessionContext{}, store.ErrNotFound
	}
	return sess.Context, nil
}

func (s *SessionStore) AdvanceFollowUp(_ context.Context, id string, expected, next int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return false, store.ErrNotFound
	}
	current := 0
	if sess.FollowUpStage != nil {
		current = *sess.FollowUpStage
	}
	if current != expected {
		return false, nil
	}
	n := next
	sess.FollowUpStage = &n
	sess.UpdatedAt = time.Now()
	return true, nil
}

func (s *SessionStore) ListEligibleFollowUps(_ context.Context, tenantID string) ([]*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Session
	for _, sess := range s.byID {
		if tenantID != "" && sess.TenantID != tenantID {
			continue
		}
		if sess.Status != store.StatusOpened || !sess.AwaitUser || !sess.FollowUpEnable || sess.FunnelID == nil {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// BotStore keeps bot bindings in a map.
type BotStore struct {
	mu   sync.Mutex
	byID map[string]*store.BotBinding
}

func NewBotStore() *BotStore {
	return &BotStore{byID: make(map[string]*store.BotBinding)}
}

func (s *BotStore) Put(b *store.BotBinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.byID[cp.ID] = &cp
}

func (s *BotStore) GetByID(_ context.Context, id string) (*store.BotBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *BotStore) GetActive(_ context.Context, tenantID string) (*store.BotBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		b := s.byID[id]
		if b.TenantID == tenantID && b.Enabled {
			cp := *b
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// FunnelStore keeps funnels in a map.
type FunnelStore struct {
	mu   sync.Mutex
	byID map[string]*store.Funnel
}

func NewFunnelStore() *FunnelStore {
	return &FunnelStore{byID: make(map[string]*store.Funnel)}
}

func (s *FunnelStore) Put(f *store.Funnel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.byID[cp.ID] = &cp
}

func (s *FunnelStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

func (s *FunnelStore) GetByID(_ context.Context, id string) (*store.Funnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *FunnelStore) GetMany(_ context.Context, ids []string) (map[string]*store.Funnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*store.Funnel, len(ids))
	for _, id := range ids {
		if f, ok := s.byID[id]; ok {
			cp := *f
			out[id] = &cp
		}
	}
	return out, nil
}

// TenantStore keeps tenants in a map.
type TenantStore struct {
	mu     sync.Mutex
	byID   map[string]*store.Tenant
	byName map[string]string
}

func NewTenantStore() *TenantStore {
	return &TenantStore{byID: make(map[string]*store.Tenant), byName: make(map[string]string)}
}

func (s *TenantStore) Put(t *store.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.byID[cp.ID] = &cp
	s.byName[cp.Name] = cp.ID
}

func (s *TenantStore) GetByID(_ context.Context, id string) (*store.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *TenantStore) GetByName(_ context.Context, name string) (*store.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
