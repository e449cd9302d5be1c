package collab

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreateSessionInput describes a session creation request.
type CreateSessionInput struct {
	ProjectID       uuid.UUID
	FileID          *uuid.UUID
	CreatedBy       uuid.UUID
	Kind            SessionKind
	Title           string
	Description     string
	MaxParticipants int
	// PasswordHash must already be hashed by the caller; the store never
	// sees plaintext passwords.
	PasswordHash string
	Settings     *string
	Now          time.Time
}

// JoinParticipantInput describes a join or rejoin request.
type JoinParticipantInput struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	Role      ParticipantRole
	Now       time.Time
}

// JoinParticipantResult reports the resulting row and whether a stale row
// was reactivated instead of a fresh one inserted.
type JoinParticipantResult struct {
	Participant Participant
	Rejoined    bool
}

// AppendOperationInput describes an operation append request.
type AppendOperationInput struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	Kind      OperationKind
	FileID    *uuid.UUID
	Position  *int
	Length    *int
	Content   *string
	Now       time.Time
}

// AppendMessageInput describes a chat message append request.
type AppendMessageInput struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	Kind      MessageKind
	Content   string
	ReplyTo   *uuid.UUID
	Now       time.Time
}

// SessionStore is the durability boundary for sessions, participants,
// operations, and chat messages. Every method is a narrow single-purpose
// write or read that is safe to call concurrently: each targets a distinct
// row or appends rather than updating in place.
//
// Requirements:
//   - AppendOperation assigns a timestamp strictly greater than the
//     session's previous operation timestamp (monotonic per session).
//   - JoinParticipant keeps at most one online row per (session, user);
//     a stale online row is reused and reactivated.
//   - MarkOffline is idempotent.
type SessionStore interface {
	CreateSession(ctx context.Context, in CreateSessionInput) (Session, error)
	FindSession(ctx context.Context, id uuid.UUID) (Session, error)
	EndSession(ctx context.Context, id uuid.UUID, now time.Time) error

	CountOnline(ctx context.Context, sessionID uuid.UUID) (int, error)
	ActiveParticipants(ctx context.Context, sessionID uuid.UUID) ([]Participant, error)
	FindParticipant(ctx context.Context, sessionID, userID uuid.UUID) (Participant, error)

	JoinParticipant(ctx context.Context, in JoinParticipantInput) (JoinParticipantResult, error)
	MarkOffline(ctx context.Context, participantID uuid.UUID, now time.Time) error
	UpdateCursor(ctx context.Context, participantID uuid.UUID, position *int, selection *string, now time.Time) error
	UpdateRole(ctx context.Context, participantID uuid.UUID, role ParticipantRole, now time.Time) error

	AppendOperation(ctx context.Context, in AppendOperationInput) (Operation, error)

	AppendMessage(ctx context.Context, in AppendMessageInput) (ChatMessage, error)
	EditMessage(ctx context.Context, messageID uuid.UUID, content string, now time.Time) (ChatMessage, error)
	DeleteMessage(ctx context.Context, messageID uuid.UUID, now time.Time) (ChatMessage, error)

	Stats(ctx context.Context, sessionID uuid.UUID, now time.Time) (SessionStats, error)

	Close() error
}
