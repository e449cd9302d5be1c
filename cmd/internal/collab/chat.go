package collab

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Force67/texler/cmd/internal/auth"
	v1 "github.com/Force67/texler/shared/contracts/collab/v1"
)

// ChatRelay persists and republishes session chat. Edit and delete are
// privileged paths gated on the session host/creator.
type ChatRelay struct {
	log        *slog.Logger
	store      SessionStore
	hub        *Hub
	membership *Membership
	metrics    *Metrics
}

// NewChatRelay constructs a chat relay.
func NewChatRelay(log *slog.Logger, store SessionStore, hub *Hub, membership *Membership, metrics *Metrics) *ChatRelay {
	if log == nil {
		log = slog.Default()
	}
	return &ChatRelay{
		log:        log,
		store:      store,
		hub:        hub,
		membership: membership,
		metrics:    metrics,
	}
}

// Send persists a chat message append-only and publishes a
// server_chat_message event to the session.
func (r *ChatRelay) Send(ctx context.Context, conn *Connection, p v1.ChatMessagePayload, now time.Time) (ChatMessage, error) {
	identity, ok := conn.Identity()
	if !ok {
		return ChatMessage{}, ErrNotAuthenticated
	}

	sessionID, err := uuid.Parse(strings.TrimSpace(p.SessionID))
	if err != nil {
		return ChatMessage{}, fmt.Errorf("%w: bad session_id", ErrInvalidInput)
	}

	if _, err := r.membership.Require(conn, sessionID); err != nil {
		return ChatMessage{}, err
	}

	content := strings.TrimSpace(p.Content)
	if content == "" {
		return ChatMessage{}, fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	if len([]rune(content)) > maxChatChars {
		return ChatMessage{}, fmt.Errorf("%w: content too long (max %d chars)", ErrInvalidInput, maxChatChars)
	}

	kind := MessageKind(p.Kind)
	if p.Kind == "" {
		kind = MsgText
	}
	if !kind.Valid() {
		return ChatMessage{}, fmt.Errorf("%w: message kind %q", ErrInvalidInput, p.Kind)
	}

	var replyTo *uuid.UUID
	if strings.TrimSpace(p.ReplyTo) != "" {
		id, err := uuid.Parse(p.ReplyTo)
		if err != nil {
			return ChatMessage{}, fmt.Errorf("%w: bad reply_to", ErrInvalidInput)
		}
		replyTo = &id
	}

	msg, err := r.store.AppendMessage(ctx, AppendMessageInput{
		SessionID: sessionID,
		UserID:    identity.UserID,
		Kind:      kind,
		Content:   content,
		ReplyTo:   replyTo,
		Now:       now,
	})
	if err != nil {
		return ChatMessage{}, err
	}

	r.publish(msg)
	r.metrics.chatMessage()

	r.log.Debug("chat.send", "session_id", sessionID, "user_id", identity.UserID, "kind", kind)
	return msg, nil
}

// SendSystem publishes a system message authored by the session itself
// (join/leave notices, session ended). The author is the session creator.
func (r *ChatRelay) SendSystem(ctx context.Context, sessionID, authorID uuid.UUID, content string, now time.Time) error {
	msg, err := r.store.AppendMessage(ctx, AppendMessageInput{
		SessionID: sessionID,
		UserID:    authorID,
		Kind:      MsgSystem,
		Content:   content,
		Now:       now,
	})
	if err != nil {
		return err
	}
	r.publish(msg)
	return nil
}

// Edit rewrites a message's content, setting the edited flags. Only the
// session creator or a host participant may edit.
func (r *ChatRelay) Edit(ctx context.Context, actor auth.Identity, sessionID, messageID uuid.UUID, content string, now time.Time) (ChatMessage, error) {
	if err := r.requireHost(ctx, actor, sessionID); err != nil {
		return ChatMessage{}, err
	}

	content = strings.TrimSpace(content)
	if content == "" || len([]rune(content)) > maxChatChars {
		return ChatMessage{}, fmt.Errorf("%w: bad content", ErrInvalidInput)
	}

	msg, err := r.store.EditMessage(ctx, messageID, content, now)
	if err != nil {
		return ChatMessage{}, err
	}

	r.publish(msg)
	return msg, nil
}

// Delete soft-deletes a message. Only the session creator or a host
// participant may delete.
func (r *ChatRelay) Delete(ctx context.Context, actor auth.Identity, sessionID, messageID uuid.UUID, now time.Time) error {
	if err := r.requireHost(ctx, actor, sessionID); err != nil {
		return err
	}

	if _, err := r.store.DeleteMessage(ctx, messageID, now); err != nil {
		return err
	}

	r.log.Info("chat.delete", "session_id", sessionID, "message_id", messageID, "actor", actor.UserID)
	return nil
}

func (r *ChatRelay) requireHost(ctx context.Context, actor auth.Identity, sessionID uuid.UUID) error {
	sess, err := r.store.FindSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.CreatedBy == actor.UserID {
		return nil
	}

	p, err := r.store.FindParticipant(ctx, sessionID, actor.UserID)
	if err != nil || !p.Online || p.Role != RoleHost {
		return ErrForbidden
	}
	return nil
}

func (r *ChatRelay) publish(msg ChatMessage) {
	payload := v1.ServerChatMessagePayload{
		SessionID: msg.SessionID.String(),
		ID:        msg.ID.String(),
		UserID:    msg.UserID.String(),
		Content:   msg.Content,
		Kind:      string(msg.Kind),
		Timestamp: msg.CreatedAt,
	}
	if msg.ReplyTo != nil {
		payload.ReplyTo = msg.ReplyTo.String()
	}
	r.hub.Publish(msg.SessionID, marshalEvent(v1.TypeServerChatMessage, payload, msg.CreatedAt))
}
