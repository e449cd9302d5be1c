package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Force67/texler/cmd/security/password"
	v1 "github.com/Force67/texler/shared/contracts/collab/v1"
)

// Membership turns join/leave requests into validated participant rows and
// roster broadcasts. The Session Store is the single source of truth for
// durable membership; the hub only ever holds subscriptions.
type Membership struct {
	log       *slog.Logger
	store     SessionStore
	hub       *Hub
	passwords password.Config
}

// NewMembership constructs a membership manager.
func NewMembership(log *slog.Logger, store SessionStore, hub *Hub, passwords password.Config) *Membership {
	if log == nil {
		log = slog.Default()
	}
	return &Membership{
		log:       log,
		store:     store,
		hub:       hub,
		passwords: passwords,
	}
}

// JoinResult carries everything the connection handler needs to answer a
// join: the session, the caller's row, and the roster at join time.
type JoinResult struct {
	Session     Session
	Participant Participant
	Roster      []Participant
}

// Join validates access and either inserts/reactivates a participant row or,
// when the connection is already online in the session, treats the request
// as a role update.
//
// Failure modes: ErrSessionNotFound (unknown session, or wrong password so
// existence cannot be probed), ErrSessionInactive, ErrSessionFull.
func (m *Membership) Join(ctx context.Context, conn *Connection, client *Client, sessionID uuid.UUID, role ParticipantRole, pass string, now time.Time) (JoinResult, error) {
	if conn == nil || client == nil {
		return JoinResult{}, ErrInvalidInput
	}
	if !role.Valid() {
		return JoinResult{}, fmt.Errorf("%w: role %q", ErrInvalidInput, role)
	}

	identity, ok := conn.Identity()
	if !ok {
		return JoinResult{}, ErrNotAuthenticated
	}

	sess, err := m.store.FindSession(ctx, sessionID)
	if err != nil {
		return JoinResult{}, err
	}
	if !sess.Active {
		return JoinResult{}, ErrSessionInactive
	}
	if sess.Protected() {
		match, err := m.passwords.Verify(sess.PasswordHash, pass)
		if err != nil || !match {
			// Wrong password reads exactly like an unknown session.
			return JoinResult{}, ErrSessionNotFound
		}
	}

	// A join for an already-online participant is a role update, not a
	// fresh join. The cap check is skipped: the seat is already taken.
	if curSID, curPID, joined := conn.Session(); joined && curSID == sessionID {
		return m.rejoinAsUpdate(ctx, conn, sess, curPID, role, now)
	}

	// Switching sessions: release the previous seat first.
	if _, _, joined := conn.Session(); joined {
		if err := m.Leave(ctx, conn, now); err != nil {
			return JoinResult{}, err
		}
	}

	// Counted from the store, not the hub, so multiple engine instances
	// sharing one database agree on occupancy.
	online, err := m.store.CountOnline(ctx, sessionID)
	if err != nil {
		return JoinResult{}, err
	}
	if sess.MaxParticipants > 0 && online >= sess.MaxParticipants {
		return JoinResult{}, ErrSessionFull
	}

	res, err := m.store.JoinParticipant(ctx, JoinParticipantInput{
		SessionID: sessionID,
		UserID:    identity.UserID,
		Role:      role,
		Now:       now,
	})
	if err != nil {
		return JoinResult{}, err
	}

	m.hub.GetOrCreateChannel(sessionID).Subscribe(client)
	conn.SetSession(sessionID, res.Participant.ID)

	roster, err := m.store.ActiveParticipants(ctx, sessionID)
	if err != nil {
		return JoinResult{}, err
	}

	m.hub.Publish(sessionID, marshalEvent(v1.TypeParticipantUpdate, v1.ParticipantUpdatePayload{
		SessionID:   sessionID.String(),
		Participant: participantPayload(res.Participant),
	}, now))

	m.log.Info("session.join",
		"session_id", sessionID,
		"user_id", identity.UserID,
		"role", role,
		"rejoined", res.Rejoined,
	)

	return JoinResult{Session: sess, Participant: res.Participant, Roster: roster}, nil
}

func (m *Membership) rejoinAsUpdate(ctx context.Context, conn *Connection, sess Session, participantID uuid.UUID, role ParticipantRole, now time.Time) (JoinResult, error) {
	if err := m.store.UpdateRole(ctx, participantID, role, now); err != nil {
		return JoinResult{}, err
	}

	identity, _ := conn.Identity()
	p, err := m.store.FindParticipant(ctx, sess.ID, identity.UserID)
	if err != nil {
		return JoinResult{}, err
	}

	roster, err := m.store.ActiveParticipants(ctx, sess.ID)
	if err != nil {
		return JoinResult{}, err
	}

	m.hub.Publish(sess.ID, marshalEvent(v1.TypeParticipantUpdate, v1.ParticipantUpdatePayload{
		SessionID:   sess.ID.String(),
		Participant: participantPayload(p),
	}, now))

	m.log.Info("session.rejoin", "session_id", sess.ID, "user_id", identity.UserID, "role", role)

	return JoinResult{Session: sess, Participant: p, Roster: roster}, nil
}

// Leave marks the connection's participant row offline, unsubscribes from
// the hub, and publishes a participant_left event. Idempotent: a connection
// that never joined, or already left, is a no-op with no second broadcast.
func (m *Membership) Leave(ctx context.Context, conn *Connection, now time.Time) error {
	if conn == nil {
		return nil
	}

	sessionID, participantID, joined := conn.Session()
	if !joined {
		return nil
	}

	// Clear first so a concurrent second leave becomes the no-op branch.
	conn.ClearSession()

	if err := m.store.MarkOffline(ctx, participantID, now); err != nil && !errors.Is(err, ErrParticipantNotFound) {
		return err
	}

	m.hub.GetOrCreateChannel(sessionID).Unsubscribe(conn.ID)

	var userID uuid.UUID
	if identity, ok := conn.Identity(); ok {
		userID = identity.UserID
	}

	m.hub.Publish(sessionID, marshalEvent(v1.TypeParticipantLeft, v1.ParticipantLeftPayload{
		SessionID: sessionID.String(),
		UserID:    userID.String(),
	}, now))

	m.log.Info("session.leave", "session_id", sessionID, "user_id", userID)
	return nil
}

// Require returns the connection's participant reference for sessionID, or
// ErrNotParticipant when the caller is not online there. Used by relays to
// gate session-scoped commands against the live roster.
func (m *Membership) Require(conn *Connection, sessionID uuid.UUID) (participantID uuid.UUID, err error) {
	if conn == nil {
		return uuid.Nil, ErrNotParticipant
	}
	curSID, curPID, joined := conn.Session()
	if !joined || curSID != sessionID {
		return uuid.Nil, ErrNotParticipant
	}
	return curPID, nil
}
