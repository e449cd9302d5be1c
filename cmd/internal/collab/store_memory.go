package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memMaxOperationsPerSession = 50_000

// InMemoryStore is a SessionStore for dev and tests. It honors the same
// invariants as the Postgres store: monotonic operation timestamps per
// session and at most one online row per (session, user).
type InMemoryStore struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]Session
	participants map[uuid.UUID]Participant
	operations   map[uuid.UUID][]Operation // keyed by session id, ordered by timestamp
	lastOpTS     map[uuid.UUID]time.Time
	messages     map[uuid.UUID]ChatMessage
	msgOrder     map[uuid.UUID][]uuid.UUID // session id -> message ids in append order
}

// NewInMemoryStore constructs an empty in-memory SessionStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:     make(map[uuid.UUID]Session),
		participants: make(map[uuid.UUID]Participant),
		operations:   make(map[uuid.UUID][]Operation),
		lastOpTS:     make(map[uuid.UUID]time.Time),
		messages:     make(map[uuid.UUID]ChatMessage),
		msgOrder:     make(map[uuid.UUID][]uuid.UUID),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateSession persists a new active session.
func (s *InMemoryStore) CreateSession(ctx context.Context, in CreateSessionInput) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	now := orNow(in.Now)

	kind := in.Kind
	if kind == "" {
		kind = SessionRealtime
	}
	if !kind.Valid() {
		return Session{}, ErrInvalidInput
	}
	maxParticipants := in.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = 10
	}

	started := now
	sess := Session{
		ID:              uuid.New(),
		ProjectID:       in.ProjectID,
		FileID:          in.FileID,
		CreatedBy:       in.CreatedBy,
		Kind:            kind,
		Title:           in.Title,
		Description:     in.Description,
		Active:          true,
		MaxParticipants: maxParticipants,
		PasswordHash:    in.PasswordHash,
		Settings:        in.Settings,
		StartedAt:       &started,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess, nil
}

// FindSession returns the session row or ErrSessionNotFound.
func (s *InMemoryStore) FindSession(ctx context.Context, id uuid.UUID) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// EndSession marks the session inactive. Idempotent.
func (s *InMemoryStore) EndSession(ctx context.Context, id uuid.UUID, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now = orNow(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !sess.Active {
		return nil
	}
	sess.Active = false
	sess.EndedAt = &now
	sess.UpdatedAt = now
	s.sessions[id] = sess
	return nil
}

// CountOnline counts online participants for the session.
func (s *InMemoryStore) CountOnline(ctx context.Context, sessionID uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.participants {
		if p.SessionID == sessionID && p.Online {
			n++
		}
	}
	return n, nil
}

// ActiveParticipants lists online participants ordered by join time.
func (s *InMemoryStore) ActiveParticipants(ctx context.Context, sessionID uuid.UUID) ([]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Participant, 0, 8)
	for _, p := range s.participants {
		if p.SessionID == sessionID && p.Online {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// FindParticipant returns the (session, user) row or ErrParticipantNotFound.
func (s *InMemoryStore) FindParticipant(ctx context.Context, sessionID, userID uuid.UUID) (Participant, error) {
	if err := ctx.Err(); err != nil {
		return Participant{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.findByUser(sessionID, userID); ok {
		return p, nil
	}
	return Participant{}, ErrParticipantNotFound
}

// JoinParticipant inserts a fresh row or reactivates the user's existing
// row, keeping at most one online row per (session, user).
func (s *InMemoryStore) JoinParticipant(ctx context.Context, in JoinParticipantInput) (JoinParticipantResult, error) {
	if err := ctx.Err(); err != nil {
		return JoinParticipantResult{}, err
	}
	now := orNow(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.findByUser(in.SessionID, in.UserID); ok {
		existing.Online = true
		existing.Role = in.Role
		existing.LastSeenAt = now
		existing.LeftAt = nil
		s.participants[existing.ID] = existing
		return JoinParticipantResult{Participant: existing, Rejoined: true}, nil
	}

	p := Participant{
		ID:         uuid.New(),
		SessionID:  in.SessionID,
		UserID:     in.UserID,
		Role:       in.Role,
		Online:     true,
		JoinedAt:   now,
		LastSeenAt: now,
	}
	s.participants[p.ID] = p
	return JoinParticipantResult{Participant: p}, nil
}

// MarkOffline soft-closes the participant row. Idempotent.
func (s *InMemoryStore) MarkOffline(ctx context.Context, participantID uuid.UUID, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now = orNow(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return ErrParticipantNotFound
	}
	if !p.Online {
		return nil
	}
	p.Online = false
	left := now
	p.LeftAt = &left
	p.LastSeenAt = now
	s.participants[participantID] = p
	return nil
}

// UpdateCursor stores the latest cursor/selection on the participant row.
func (s *InMemoryStore) UpdateCursor(ctx context.Context, participantID uuid.UUID, position *int, selection *string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return ErrParticipantNotFound
	}
	p.CursorPosition = position
	p.Selection = selection
	p.LastSeenAt = orNow(now)
	s.participants[participantID] = p
	return nil
}

// UpdateRole changes the participant's role.
func (s *InMemoryStore) UpdateRole(ctx context.Context, participantID uuid.UUID, role ParticipantRole, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !role.Valid() {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return ErrParticipantNotFound
	}
	p.Role = role
	p.LastSeenAt = orNow(now)
	s.participants[participantID] = p
	return nil
}

// AppendOperation appends an operation with a server-assigned timestamp
// strictly greater than the session's previous one, and marks it applied.
func (s *InMemoryStore) AppendOperation(ctx context.Context, in AppendOperationInput) (Operation, error) {
	if err := ctx.Err(); err != nil {
		return Operation{}, err
	}
	now := orNow(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[in.SessionID]; !ok {
		return Operation{}, ErrSessionNotFound
	}

	ts := now
	if last, ok := s.lastOpTS[in.SessionID]; ok && !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	s.lastOpTS[in.SessionID] = ts

	applied := ts
	op := Operation{
		ID:        uuid.New(),
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Kind:      in.Kind,
		FileID:    in.FileID,
		Position:  in.Position,
		Length:    in.Length,
		Content:   in.Content,
		Timestamp: ts,
		Applied:   true,
		AppliedAt: &applied,
	}

	ops := append(s.operations[in.SessionID], op)
	// Bound memory to avoid unbounded growth in dev.
	if len(ops) > memMaxOperationsPerSession {
		ops = ops[len(ops)-memMaxOperationsPerSession:]
	}
	s.operations[in.SessionID] = ops

	return op, nil
}

// Operations returns the persisted operation log for a session, in order.
// Test/replay helper; not part of SessionStore.
func (s *InMemoryStore) Operations(sessionID uuid.UUID) []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Operation(nil), s.operations[sessionID]...)
}

// AppendMessage persists a chat message append-only.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return ChatMessage{}, err
	}
	now := orNow(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[in.SessionID]; !ok {
		return ChatMessage{}, ErrSessionNotFound
	}

	msg := ChatMessage{
		ID:        uuid.New(),
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Kind:      in.Kind,
		Content:   in.Content,
		ReplyTo:   in.ReplyTo,
		CreatedAt: now,
	}
	s.messages[msg.ID] = msg
	s.msgOrder[in.SessionID] = append(s.msgOrder[in.SessionID], msg.ID)
	return msg, nil
}

// EditMessage rewrites content and sets the edited flags.
func (s *InMemoryStore) EditMessage(ctx context.Context, messageID uuid.UUID, content string, now time.Time) (ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return ChatMessage{}, err
	}
	now = orNow(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok || msg.Deleted {
		return ChatMessage{}, ErrMessageNotFound
	}
	msg.Content = content
	msg.Edited = true
	edited := now
	msg.EditedAt = &edited
	s.messages[messageID] = msg
	return msg, nil
}

// DeleteMessage soft-deletes a message. Idempotent.
func (s *InMemoryStore) DeleteMessage(ctx context.Context, messageID uuid.UUID, now time.Time) (ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return ChatMessage{}, err
	}
	now = orNow(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return ChatMessage{}, ErrMessageNotFound
	}
	if !msg.Deleted {
		msg.Deleted = true
		deleted := now
		msg.DeletedAt = &deleted
		s.messages[messageID] = msg
	}
	return msg, nil
}

// Stats summarizes the session.
func (s *InMemoryStore) Stats(ctx context.Context, sessionID uuid.UUID, now time.Time) (SessionStats, error) {
	if err := ctx.Err(); err != nil {
		return SessionStats{}, err
	}
	now = orNow(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return SessionStats{}, ErrSessionNotFound
	}

	stats := SessionStats{SessionID: sessionID}
	for _, p := range s.participants {
		if p.SessionID != sessionID {
			continue
		}
		stats.TotalParticipants++
		if p.Online {
			stats.CurrentParticipants++
		}
	}
	stats.TotalOperations = int64(len(s.operations[sessionID]))
	stats.TotalMessages = int64(len(s.msgOrder[sessionID]))

	start := sess.CreatedAt
	if sess.StartedAt != nil {
		start = *sess.StartedAt
	}
	end := now
	if sess.EndedAt != nil {
		end = *sess.EndedAt
	}
	if end.After(start) {
		stats.Duration = end.Sub(start)
	}
	return stats, nil
}

func (s *InMemoryStore) findByUser(sessionID, userID uuid.UUID) (Participant, bool) {
	for _, p := range s.participants {
		if p.SessionID == sessionID && p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
