package invite

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/Force67/texler/cmd/security/token"
)

const defaultTokenBytes = 32

// Invitation grants access to a collaboration session. Whoever presents the
// plain token joins with GrantedRole, regardless of a session password.
type Invitation struct {
	ID          string
	SessionID   uuid.UUID
	GrantedRole string
	CreatedBy   uuid.UUID
	CreatedAt   time.Time
	ExpiresAt   time.Time
	MaxUses     int
	UsedCount   int
	RevokedAt   *time.Time
	Note        *string
	ConsumedAt  *time.Time
	ConsumedBy  *uuid.UUID
}

// CreateInput describes invitation creation.
type CreateInput struct {
	SessionID   uuid.UUID
	GrantedRole string
	CreatedBy   uuid.UUID
	TTL         time.Duration
	MaxUses     int
	Note        *string
	Now         time.Time
}

// ConsumeInput describes invitation consumption.
type ConsumeInput struct {
	Token      string
	ConsumedBy uuid.UUID
	Now        time.Time
}

// Service manages invitation creation, validation, and consumption.
// Tokens are opaque random strings; only their hash is stored.
type Service struct {
	store      Store
	tokenBytes int
}

// Option configures the Service.
type Option func(*Service) error

// WithTokenBytes sets the length of generated invitation tokens in bytes.
func WithTokenBytes(n int) Option {
	return func(s *Service) error {
		if n <= 0 {
			return ErrInvalidInput
		}
		s.tokenBytes = n
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{store: store, tokenBytes: defaultTokenBytes}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Create issues a new invitation and returns it plus the plain token.
// The plain token is shown once and never stored.
func (s *Service) Create(ctx context.Context, in CreateInput) (Invitation, string, error) {
	if s == nil || s.store == nil {
		return Invitation{}, "", ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Invitation{}, "", err
	}
	if in.SessionID == uuid.Nil || in.CreatedBy == uuid.Nil {
		return Invitation{}, "", ErrInvalidInput
	}
	role := strings.TrimSpace(in.GrantedRole)
	if role == "" {
		return Invitation{}, "", ErrInvalidInput
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	maxUses := in.MaxUses
	if maxUses <= 0 {
		maxUses = 1
	}
	note := trimPtr(in.Note)
	if note != nil && len(*note) > 512 {
		return Invitation{}, "", ErrInvalidInput
	}

	tokenPlain, err := newOpaqueToken(s.tokenBytes)
	if err != nil {
		return Invitation{}, "", err
	}
	tokenHash := token.HashOpaqueTokenHex(tokenPlain)

	invitationID, err := newULID(now)
	if err != nil {
		return Invitation{}, "", err
	}

	inv, err := s.store.Create(ctx, CreateRecord{
		ID:          invitationID,
		TokenHash:   tokenHash,
		SessionID:   in.SessionID,
		GrantedRole: role,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		MaxUses:     maxUses,
		UsedCount:   0,
		Note:        note,
	})
	if err != nil {
		return Invitation{}, "", err
	}
	return inv, tokenPlain, nil
}

// Validate checks whether a token is valid and active at the given time.
func (s *Service) Validate(ctx context.Context, tokenStr string, now time.Time) (bool, Invitation, error) {
	if s == nil || s.store == nil {
		return false, Invitation{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return false, Invitation{}, err
	}
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return false, Invitation{}, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	inv, err := s.store.GetByTokenHash(ctx, token.HashOpaqueTokenHex(tokenStr))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, Invitation{}, nil
		}
		return false, Invitation{}, err
	}

	if inv.RevokedAt != nil {
		return false, inv, nil
	}
	if !inv.ExpiresAt.After(now) {
		return false, inv, nil
	}
	if inv.MaxUses > 0 && inv.UsedCount >= inv.MaxUses {
		return false, inv, nil
	}

	return true, inv, nil
}

// Consume marks an invitation as used and returns it, so the caller learns
// which session and role the token grants.
func (s *Service) Consume(ctx context.Context, in ConsumeInput) (Invitation, error) {
	if s == nil || s.store == nil {
		return Invitation{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	tokenStr := strings.TrimSpace(in.Token)
	if tokenStr == "" {
		return Invitation{}, ErrInvalidInput
	}
	if in.ConsumedBy == uuid.Nil {
		return Invitation{}, ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	return s.store.Consume(ctx, ConsumeRecord{
		TokenHash:  token.HashOpaqueTokenHex(tokenStr),
		ConsumedBy: in.ConsumedBy,
		Now:        in.Now,
	})
}

// Get returns an invitation by id without touching its state.
func (s *Service) Get(ctx context.Context, id string) (Invitation, error) {
	if s == nil || s.store == nil {
		return Invitation{}, ErrInvalidInput
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Invitation{}, ErrInvalidInput
	}
	return s.store.Get(ctx, id)
}

// Revoke invalidates an invitation by id. Idempotent.
func (s *Service) Revoke(ctx context.Context, id string, now time.Time) (Invitation, error) {
	if s == nil || s.store == nil {
		return Invitation{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Invitation{}, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.store.Revoke(ctx, id, now)
}

// ListBySession returns all invitations issued for a session, newest first.
func (s *Service) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Invitation, error) {
	if s == nil || s.store == nil {
		return nil, ErrInvalidInput
	}
	if sessionID == uuid.Nil {
		return nil, ErrInvalidInput
	}
	return s.store.ListBySession(ctx, sessionID)
}

func newOpaqueToken(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = defaultTokenBytes
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func newULID(now time.Time) (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func trimPtr(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}
