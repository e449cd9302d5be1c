package collab

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "github.com/Force67/texler/shared/contracts/collab/v1"
)

// OperationRelay validates, persists, and republishes document edit
// operations and cursor/selection updates.
//
// The relay performs no semantic merge of concurrent edits: operations are
// delivered to all subscribers in server-acceptance order, and the
// store-assigned monotonic timestamp is the only ordering primitive.
// Clients reconcile.
type OperationRelay struct {
	log        *slog.Logger
	store      SessionStore
	hub        *Hub
	membership *Membership
	metrics    *Metrics
}

// NewOperationRelay constructs an operation relay.
func NewOperationRelay(log *slog.Logger, store SessionStore, hub *Hub, membership *Membership, metrics *Metrics) *OperationRelay {
	if log == nil {
		log = slog.Default()
	}
	return &OperationRelay{
		log:        log,
		store:      store,
		hub:        hub,
		membership: membership,
		metrics:    metrics,
	}
}

// Apply handles an inbound operation frame. Edit kinds are appended to the
// session log with a server-assigned monotonic timestamp, marked applied,
// and republished. Cursor/selection kinds update the participant row
// instead of the log.
func (r *OperationRelay) Apply(ctx context.Context, conn *Connection, p v1.OperationPayload, now time.Time) (Operation, error) {
	identity, ok := conn.Identity()
	if !ok {
		return Operation{}, ErrNotAuthenticated
	}

	sessionID, err := uuid.Parse(strings.TrimSpace(p.SessionID))
	if err != nil {
		return Operation{}, fmt.Errorf("%w: bad session_id", ErrInvalidInput)
	}

	participantID, err := r.membership.Require(conn, sessionID)
	if err != nil {
		return Operation{}, err
	}

	kind := OperationKind(p.Kind)
	if !kind.Valid() {
		return Operation{}, fmt.Errorf("%w: operation kind %q", ErrInvalidInput, p.Kind)
	}
	if err := validateOperationFields(kind, p.Position, p.Content, p.Length); err != nil {
		return Operation{}, err
	}

	var fileID *uuid.UUID
	if strings.TrimSpace(p.FileID) != "" {
		id, err := uuid.Parse(p.FileID)
		if err != nil {
			return Operation{}, fmt.Errorf("%w: bad file_id", ErrInvalidInput)
		}
		fileID = &id
	}

	if kind.Transient() {
		return r.applyTransient(ctx, conn, sessionID, participantID, identity.UserID, kind, p, now)
	}

	op, err := r.store.AppendOperation(ctx, AppendOperationInput{
		SessionID: sessionID,
		UserID:    identity.UserID,
		Kind:      kind,
		FileID:    fileID,
		Position:  p.Position,
		Length:    p.Length,
		Content:   p.Content,
		Now:       now,
	})
	if err != nil {
		return Operation{}, err
	}

	r.publish(op)
	r.metrics.operationApplied()

	r.log.Debug("operation.apply",
		"session_id", sessionID,
		"user_id", identity.UserID,
		"kind", kind,
		"timestamp", op.Timestamp,
	)
	return op, nil
}

// Cursor handles a dedicated cursor frame by reshaping it into a transient
// selection operation.
func (r *OperationRelay) Cursor(ctx context.Context, conn *Connection, p v1.CursorPayload, now time.Time) error {
	kind := OpCursor
	if p.Selection != nil {
		kind = OpSelection
	}
	pos := p.Position
	_, err := r.Apply(ctx, conn, v1.OperationPayload{
		SessionID: p.SessionID,
		Kind:      string(kind),
		Position:  &pos,
		Content:   p.Selection,
	}, now)
	return err
}

// applyTransient persists only the latest cursor/selection on the
// participant row and fans the update out without touching the operation log.
func (r *OperationRelay) applyTransient(ctx context.Context, conn *Connection, sessionID, participantID, userID uuid.UUID, kind OperationKind, p v1.OperationPayload, now time.Time) (Operation, error) {
	var selection *string
	if kind == OpSelection {
		selection = p.Content
	}

	if err := r.store.UpdateCursor(ctx, participantID, p.Position, selection, now); err != nil {
		return Operation{}, err
	}

	op := Operation{
		SessionID: sessionID,
		UserID:    userID,
		Kind:      kind,
		Position:  p.Position,
		Content:   p.Content,
		Timestamp: now,
		Applied:   true,
	}
	r.publish(op)
	return op, nil
}

func (r *OperationRelay) publish(op Operation) {
	payload := v1.ServerOperationPayload{
		SessionID: op.SessionID.String(),
		UserID:    op.UserID.String(),
		Kind:      string(op.Kind),
		Position:  op.Position,
		Content:   op.Content,
		Length:    op.Length,
		Timestamp: op.Timestamp,
	}
	if op.FileID != nil {
		payload.FileID = op.FileID.String()
	}
	r.hub.Publish(op.SessionID, marshalEvent(v1.TypeServerOperation, payload, op.Timestamp))
}

func validateOperationFields(kind OperationKind, position *int, content *string, length *int) error {
	if position != nil && (*position < 0 || *position > maxPosition) {
		return fmt.Errorf("%w: position out of range", ErrInvalidInput)
	}
	if length != nil && *length < 0 {
		return fmt.Errorf("%w: negative length", ErrInvalidInput)
	}
	if content != nil && len([]rune(*content)) > maxOperationChars {
		return fmt.Errorf("%w: content too long (max %d chars)", ErrInvalidInput, maxOperationChars)
	}

	switch kind {
	case OpInsert, OpReplace:
		if content == nil {
			return fmt.Errorf("%w: %s requires content", ErrInvalidInput, kind)
		}
		if position == nil {
			return fmt.Errorf("%w: %s requires position", ErrInvalidInput, kind)
		}
	case OpDelete:
		if position == nil || length == nil {
			return fmt.Errorf("%w: delete requires position and length", ErrInvalidInput)
		}
	case OpCursor, OpSelection:
		if position == nil {
			return fmt.Errorf("%w: %s requires position", ErrInvalidInput, kind)
		}
	}
	return nil
}
