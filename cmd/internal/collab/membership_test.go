package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Force67/texler/cmd/internal/auth"
	"github.com/Force67/texler/cmd/security/password"
	v1 "github.com/Force67/texler/shared/contracts/collab/v1"
)

type memberFixture struct {
	store      *InMemoryStore
	hub        *Hub
	registry   *Registry
	membership *Membership
	passwords  password.Config
}

func newMemberFixture(t *testing.T) *memberFixture {
	t.Helper()

	store := NewInMemoryStore()
	hub := NewHub(nil, nil)
	passwords := password.DefaultConfig()
	return &memberFixture{
		store:      store,
		hub:        hub,
		registry:   NewRegistry(nil, nil),
		membership: NewMembership(nil, store, hub, passwords),
		passwords:  passwords,
	}
}

func (f *memberFixture) newConn(t *testing.T, id string, userID uuid.UUID) (*Connection, *Client) {
	t.Helper()

	now := time.Now().UTC()
	conn := f.registry.Register(id, now)
	conn.SetIdentity(auth.Identity{UserID: userID, Username: "user-" + id}, now)
	return conn, NewClient(id, 16)
}

func drainUntilType(t *testing.T, c *Client, typ string) v1.Envelope {
	t.Helper()
	for {
		select {
		case env := <-c.Send:
			if env.Type == typ {
				return env
			}
		default:
			t.Fatalf("no %q envelope queued", typ)
		}
	}
}

func TestMembership_JoinAndRosterBroadcast(t *testing.T) {
	t.Parallel()

	f := newMemberFixture(t)
	sess := mustCreateSession(t, f.store, CreateSessionInput{})
	ctx := context.Background()
	now := time.Now().UTC()

	userID := uuid.New()
	conn, client := f.newConn(t, "conn-1", userID)

	res, err := f.membership.Join(ctx, conn, client, sess.ID, RoleEditor, "", now)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.Participant.UserID != userID || !res.Participant.Online {
		t.Fatalf("unexpected participant: %+v", res.Participant)
	}
	if len(res.Roster) != 1 {
		t.Fatalf("expected roster of 1, got %d", len(res.Roster))
	}
	if got := f.hub.Subscribers(sess.ID); got != 1 {
		t.Fatalf("expected 1 hub subscriber, got %d", got)
	}
	if sid, _, joined := conn.Session(); !joined || sid != sess.ID {
		t.Fatalf("connection should reference the joined session")
	}

	// The join itself is broadcast to the session, including the joiner.
	drainUntilType(t, client, v1.TypeParticipantUpdate)
}

func TestMembership_JoinRequiresAuthentication(t *testing.T) {
	t.Parallel()

	f := newMemberFixture(t)
	sess := mustCreateSession(t, f.store, CreateSessionInput{})

	conn := f.registry.Register("conn-anon", time.Now().UTC())
	client := NewClient("conn-anon", 4)

	_, err := f.membership.Join(context.Background(), conn, client, sess.ID, RoleEditor, "", time.Now().UTC())
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestMembership_ProtectedSession_WrongPasswordReadsAsNotFound(t *testing.T) {
	t.Parallel()

	f := newMemberFixture(t)

	hash, err := f.passwords.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sess := mustCreateSession(t, f.store, CreateSessionInput{PasswordHash: hash})
	ctx := context.Background()
	now := time.Now().UTC()

	conn, client := f.newConn(t, "conn-pw", uuid.New())

	if _, err := f.membership.Join(ctx, conn, client, sess.ID, RoleEditor, "wrong password", now); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("wrong password: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := f.membership.Join(ctx, conn, client, sess.ID, RoleEditor, "", now); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("empty password: expected ErrSessionNotFound, got %v", err)
	}

	if _, err := f.membership.Join(ctx, conn, client, sess.ID, RoleEditor, "correct horse battery", now); err != nil {
		t.Fatalf("correct password join: %v", err)
	}
}

func TestMembership_JoinInactiveSession(t *testing.T) {
	t.Parallel()

	f := newMemberFixture(t)
	sess := mustCreateSession(t, f.store, CreateSessionInput{})
	ctx := context.Background()
	now := time.Now().UTC()

	if err := f.store.EndSession(ctx, sess.ID, now); err != nil {
		t.Fatalf("end session: %v", err)
	}

	conn, client := f.newConn(t, "conn-late", uuid.New())
	if _, err := f.membership.Join(ctx, conn, client, sess.ID, RoleEditor, "", now); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("expected ErrSessionInactive, got %v", err)
	}
}

func TestMembership_SessionFull(t *testing.T) {
	t.Parallel()

	f := newMemberFixture(t)
	sess := mustCreateSession(t, f.store, CreateSessionInput{MaxParticipants: 1})
	ctx := context.Background()
	now := time.Now().UTC()

	connA, clientA := f.newConn(t, "conn-a", uuid.New())
	if _, err := f.membership.Join(ctx, connA, clientA, sess.ID, RoleHost, "", now); err != nil {
		t.Fatalf("first join: %v", err)
	}

	connB, clientB := f.newConn(t, "conn-b", uuid.New())
	if _, err := f.membership.Join(ctx, connB, clientB, sess.ID, RoleEditor, "", now); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("expected ErrSessionFull, got %v", err)
	}

	// A freed seat can be retaken.
	if err := f.membership.Leave(ctx, connA, now.Add(time.Second)); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := f.membership.Join(ctx, connB, clientB, sess.ID, RoleEditor, "", now.Add(2*time.Second)); err != nil {
		t.Fatalf("join after seat freed: %v", err)
	}
}

func TestMembership_RejoinSameSessionIsRoleUpdate(t *testing.T) {
	t.Parallel()

	f := newMemberFixture(t)
	sess := mustCreateSession(t, f.store, CreateSessionInput{MaxParticipants: 1})
	ctx := context.Background()
	now := time.Now().UTC()

	conn, client := f.newConn(t, "conn-r", uuid.New())
	first, err := f.membership.Join(ctx, conn, client, sess.ID, RoleEditor, "", now)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	// Re-joining the only seat must not trip the cap check.
	second, err := f.membership.Join(ctx, conn, client, sess.ID, RoleViewer, "", now.Add(time.Second))
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if second.Participant.ID != first.Participant.ID {
		t.Fatalf("expected same participant row")
	}
	if second.Participant.Role != RoleViewer {
		t.Fatalf("expected role update, got %q", second.Participant.Role)
	}

	n, err := f.store.CountOnline(ctx, sess.ID)
	if err != nil {
		t.Fatalf("count online: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 online participant, got %d", n)
	}
}

func TestMembership_SwitchingSessionsReleasesPreviousSeat(t *testing.T) {
	t.Parallel()

	f := newMemberFixture(t)
	sessA := mustCreateSession(t, f.store, CreateSessionInput{})
	sessB := mustCreateSession(t, f.store, CreateSessionInput{})
	ctx := context.Background()
	now := time.Now().UTC()

	conn, client := f.newConn(t, "conn-switch", uuid.New())
	if _, err := f.membership.Join(ctx, conn, client, sessA.ID, RoleEditor, "", now); err != nil {
		t.Fatalf("join A: %v", err)
	}
	if _, err := f.membership.Join(ctx, conn, client, sessB.ID, RoleEditor, "", now.Add(time.Second)); err != nil {
		t.Fatalf("join B: %v", err)
	}

	nA, err := f.store.CountOnline(ctx, sessA.ID)
	if err != nil {
		t.Fatalf("count online A: %v", err)
	}
	if nA != 0 {
		t.Fatalf("expected seat in A released, got %d online", nA)
	}
	if sid, _, joined := conn.Session(); !joined || sid != sessB.ID {
		t.Fatalf("connection should reference session B")
	}
}

func TestMembership_LeaveIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newMemberFixture(t)
	sess := mustCreateSession(t, f.store, CreateSessionInput{})
	ctx := context.Background()
	now := time.Now().UTC()

	conn, client := f.newConn(t, "conn-l", uuid.New())
	res, err := f.membership.Join(ctx, conn, client, sess.ID, RoleEditor, "", now)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := f.membership.Leave(ctx, conn, now.Add(time.Second)); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := f.membership.Leave(ctx, conn, now.Add(2*time.Second)); err != nil {
		t.Fatalf("second leave: %v", err)
	}

	p, err := f.store.FindParticipant(ctx, sess.ID, res.Participant.UserID)
	if err != nil {
		t.Fatalf("find participant: %v", err)
	}
	if p.Online || p.LeftAt == nil {
		t.Fatalf("expected participant offline with left_at set")
	}
	if got := f.hub.Subscribers(sess.ID); got != 0 {
		t.Fatalf("expected 0 hub subscribers after leave, got %d", got)
	}
	if _, _, joined := conn.Session(); joined {
		t.Fatalf("connection should not reference a session after leave")
	}

	// A connection that never joined is a no-op.
	other := f.registry.Register("conn-never", now)
	if err := f.membership.Leave(ctx, other, now); err != nil {
		t.Fatalf("leave without join: %v", err)
	}
}

func TestMembership_Require(t *testing.T) {
	t.Parallel()

	f := newMemberFixture(t)
	sess := mustCreateSession(t, f.store, CreateSessionInput{})
	ctx := context.Background()
	now := time.Now().UTC()

	conn, client := f.newConn(t, "conn-req", uuid.New())
	if _, err := f.membership.Require(conn, sess.ID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant before join, got %v", err)
	}

	res, err := f.membership.Join(ctx, conn, client, sess.ID, RoleEditor, "", now)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	pid, err := f.membership.Require(conn, sess.ID)
	if err != nil {
		t.Fatalf("require after join: %v", err)
	}
	if pid != res.Participant.ID {
		t.Fatalf("expected participant id %s, got %s", res.Participant.ID, pid)
	}

	if _, err := f.membership.Require(conn, uuid.New()); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant for other session, got %v", err)
	}
}
