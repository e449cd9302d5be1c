package invite

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a Store for development and tests. No persistence.
type InMemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Invitation
	byHash map[string]string
}

// NewInMemoryStore constructs an empty in-memory invitation store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:   make(map[string]*Invitation),
		byHash: make(map[string]string),
	}
}

// Create inserts a new invitation record.
func (s *InMemoryStore) Create(ctx context.Context, in CreateRecord) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	if in.ID == "" || in.TokenHash == "" || in.SessionID == uuid.Nil || in.MaxUses <= 0 {
		return Invitation{}, ErrInvalidInput
	}

	inv := Invitation{
		ID:          in.ID,
		SessionID:   in.SessionID,
		GrantedRole: in.GrantedRole,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   in.CreatedAt,
		ExpiresAt:   in.ExpiresAt,
		MaxUses:     in.MaxUses,
		UsedCount:   in.UsedCount,
		RevokedAt:   in.RevokedAt,
		Note:        in.Note,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[inv.ID]; ok {
		return Invitation{}, ErrInvalidInput
	}
	if _, ok := s.byHash[in.TokenHash]; ok {
		return Invitation{}, ErrInvalidInput
	}
	s.byID[inv.ID] = &inv
	s.byHash[in.TokenHash] = inv.ID
	return inv, nil
}

// Get fetches an invitation by its identifier.
func (s *InMemoryStore) Get(ctx context.Context, id string) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.byID[id]
	if !ok {
		return Invitation{}, ErrNotFound
	}
	return *inv, nil
}

// GetByTokenHash fetches an invitation by token hash.
func (s *InMemoryStore) GetByTokenHash(ctx context.Context, tokenHash string) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[tokenHash]
	if !ok {
		return Invitation{}, ErrNotFound
	}
	return *s.byID[id], nil
}

// Consume increments used_count, refusing inactive invitations.
func (s *InMemoryStore) Consume(ctx context.Context, in ConsumeRecord) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[in.TokenHash]
	if !ok {
		return Invitation{}, ErrNotFound
	}
	inv := s.byID[id]

	if inv.RevokedAt != nil || !inv.ExpiresAt.After(now) || (inv.MaxUses > 0 && inv.UsedCount >= inv.MaxUses) {
		return Invitation{}, ErrNotActive
	}

	inv.UsedCount++
	consumedBy := in.ConsumedBy
	inv.ConsumedAt = &now
	inv.ConsumedBy = &consumedBy
	return *inv, nil
}

// Revoke sets RevokedAt if not already set.
func (s *InMemoryStore) Revoke(ctx context.Context, id string, now time.Time) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return Invitation{}, ErrNotFound
	}
	if inv.RevokedAt == nil {
		t := now
		inv.RevokedAt = &t
	}
	return *inv, nil
}

// ListBySession returns invitations for a session, newest first.
func (s *InMemoryStore) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Invitation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Invitation, 0, 8)
	for _, inv := range s.byID {
		if inv.SessionID == sessionID {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
