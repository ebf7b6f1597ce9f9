package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"oncopurpose.org/internal/ids"
)

var _ CredentialStore = (*MemoryStore)(nil)

// MemoryStore is an in-process CredentialStore for tests and single-node development.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Principal
	byEmail map[string]string
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Principal),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, p *Principal) error {
	email := strings.ToLower(strings.TrimSpace(p.Email))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return ErrConflict
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	if _, ok := s.byID[p.ID]; ok {
		return ErrConflict
	}
	now := s.now().UTC()
	p.Email = email
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	s.byID[p.ID] = &cp
	s.byEmail[email] = p.ID
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) FindByEmail(ctx context.Context, email string) (*Principal, error) {
	s.mu.RLock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.FindByID(ctx, id)
}

func (s *MemoryStore) UpdatePassword(_ context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	p.PasswordHash = passwordHash
	p.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, id string, upd PrincipalUpdate) (*Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Role != nil {
		p.Role = *upd.Role
	}
	if upd.Tier != nil {
		p.Tier = *upd.Tier
	}
	if upd.Active != nil {
		p.Active = *upd.Active
	}
	p.UpdatedAt = s.now().UTC()
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) TouchLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	p.LastLoginAt = &t
	return nil
}
