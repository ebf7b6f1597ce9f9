package auth

import (
	"context"
	"sync"
	"time"
)

// RefreshState is the lifecycle state of a recorded refresh-token jti.
type RefreshState string

const (
	RefreshActive  RefreshState = "active"
	RefreshRotated RefreshState = "rotated"
	RefreshRevoked RefreshState = "revoked"
	RefreshUnknown RefreshState = ""
)

// RotateOutcome is the result of a compare-and-swap rotation.
type RotateOutcome string

const (
	RotateOK      RotateOutcome = "ok"
	RotateReused  RotateOutcome = "reused"
	RotateRevoked RotateOutcome = "revoked"
	RotateUnknown RotateOutcome = "unknown"
)

// RefreshRecord is one issued refresh token as seen by the revocation store.
type RefreshRecord struct {
	JTI         string
	PrincipalID string
	ExpiresAt   time.Time
}

// RevocationStore tracks refresh tokens as a flat {jti -> state} set per principal.
//
// Rotate must be a single conditional write: exactly one of any number of concurrent
// rotations of the same jti observes RotateOK. A rotation that finds the jti already
// rotated or revoked revokes every active jti of the principal before returning
// RotateReused or RotateRevoked respectively.
type RevocationStore interface {
	Register(ctx context.Context, rec RefreshRecord) error
	Rotate(ctx context.Context, principalID, oldJTI string, next RefreshRecord) (RotateOutcome, error)
	Revoke(ctx context.Context, principalID, jti string) error
	RevokeAll(ctx context.Context, principalID string) error
	State(ctx context.Context, principalID, jti string) (RefreshState, error)
}

var _ RevocationStore = (*MemoryRevocationStore)(nil)

// MemoryRevocationStore keeps refresh lineages in process memory.
type MemoryRevocationStore struct {
	mu      sync.Mutex
	entries map[string]*memoryRefresh
	lineage map[string]map[string]struct{}
	now     func() time.Time
}

type memoryRefresh struct {
	principalID string
	state       RefreshState
	expiresAt   time.Time
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{
		entries: make(map[string]*memoryRefresh),
		lineage: make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

func (s *MemoryRevocationStore) Register(_ context.Context, rec RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(rec)
	return nil
}

func (s *MemoryRevocationStore) Rotate(_ context.Context, principalID, oldJTI string, next RefreshRecord) (RotateOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(principalID, oldJTI)
	if e == nil {
		return RotateUnknown, nil
	}
	switch e.state {
	case RefreshRotated:
		s.revokeLineage(principalID)
		return RotateReused, nil
	case RefreshActive:
		e.state = RefreshRotated
		s.put(next)
		return RotateOK, nil
	default:
		s.revokeLineage(principalID)
		return RotateRevoked, nil
	}
}

func (s *MemoryRevocationStore) Revoke(_ context.Context, principalID, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.lookup(principalID, jti); e != nil && e.state == RefreshActive {
		e.state = RefreshRevoked
	}
	return nil
}

func (s *MemoryRevocationStore) RevokeAll(_ context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokeLineage(principalID)
	return nil
}

func (s *MemoryRevocationStore) State(_ context.Context, principalID, jti string) (RefreshState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.lookup(principalID, jti); e != nil {
		return e.state, nil
	}
	return RefreshUnknown, nil
}

func (s *MemoryRevocationStore) put(rec RefreshRecord) {
	s.entries[rec.JTI] = &memoryRefresh{
		principalID: rec.PrincipalID,
		state:       RefreshActive,
		expiresAt:   rec.ExpiresAt,
	}
	set, ok := s.lineage[rec.PrincipalID]
	if !ok {
		set = make(map[string]struct{})
		s.lineage[rec.PrincipalID] = set
	}
	set[rec.JTI] = struct{}{}
}

// lookup returns the live entry for jti owned by principalID. Expired entries are dropped.
func (s *MemoryRevocationStore) lookup(principalID, jti string) *memoryRefresh {
	e, ok := s.entries[jti]
	if !ok || e.principalID != principalID {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, jti)
		delete(s.lineage[principalID], jti)
		return nil
	}
	return e
}

func (s *MemoryRevocationStore) revokeLineage(principalID string) {
	for jti := range s.lineage[principalID] {
		if e, ok := s.entries[jti]; ok && e.state == RefreshActive {
			e.state = RefreshRevoked
		}
	}
}
