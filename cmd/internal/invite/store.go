package invite

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreateRecord is a normalized invitation insert payload.
type CreateRecord struct {
	ID          string
	TokenHash   string
	SessionID   uuid.UUID
	GrantedRole string
	CreatedBy   uuid.UUID
	CreatedAt   time.Time
	ExpiresAt   time.Time
	MaxUses     int
	UsedCount   int
	RevokedAt   *time.Time
	Note        *string
}

// ConsumeRecord describes a token consumption.
type ConsumeRecord struct {
	TokenHash  string
	ConsumedBy uuid.UUID
	Now        time.Time
}

// Store is the persistence boundary for session invitations.
type Store interface {
	Create(ctx context.Context, in CreateRecord) (Invitation, error)
	Get(ctx context.Context, id string) (Invitation, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (Invitation, error)
	Consume(ctx context.Context, in ConsumeRecord) (Invitation, error)
	Revoke(ctx context.Context, id string, now time.Time) (Invitation, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Invitation, error)
}
