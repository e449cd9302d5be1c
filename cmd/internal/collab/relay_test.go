package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	v1 "github.com/Force67/texler/shared/contracts/collab/v1"
)

type relayFixture struct {
	*memberFixture
	relay *OperationRelay
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()

	f := newMemberFixture(t)
	return &relayFixture{
		memberFixture: f,
		relay:         NewOperationRelay(nil, f.store, f.hub, f.membership, nil),
	}
}

func (f *relayFixture) join(t *testing.T, conn *Connection, client *Client, sessionID uuid.UUID) {
	t.Helper()
	if _, err := f.membership.Join(context.Background(), conn, client, sessionID, RoleEditor, "", time.Now().UTC()); err != nil {
		t.Fatalf("join: %v", err)
	}
	// Discard the join broadcast so tests only see relay traffic.
	drainUntilType(t, client, v1.TypeParticipantUpdate)
}

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func TestOperationRelay_InsertAppendsAndBroadcasts(t *testing.T) {
	t.Parallel()

	f := newRelayFixture(t)
	sess := mustCreateSession(t, f.store, CreateSessionInput{})
	ctx := context.Background()

	conn, client := f.newConn(t, "conn-op", uuid.New())
	f.join(t, conn, client, sess.ID)

	op, err := f.relay.Apply(ctx, conn, v1.OperationPayload{
		SessionID: sess.ID.String(),
		Kind:      "insert",
		Position:  intp(0),
		Content:   strp("\\documentclass{article}"),
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !op.Applied || op.Timestamp.IsZero() {
		t.Fatalf("expected applied operation with timestamp, got %+v", op)
	}

	env := drainUntilType(t, client, v1.TypeServerOperation)
	if env.TS.IsZero() {
		t.Fatalf("expected envelope timestamp")
	}

	if got := len(f.store.Operations(sess.ID)); got != 1 {
		t.Fatalf("expected 1 logged operation, got %d", got)
	}
}

func TestOperationRelay_TimestampsMonotonicAcrossSenders(t *testing.T) {
	t.Parallel()

	f := newRelayFixture(t)
	sess := mustCreateSession(t, f.store, CreateSessionInput{})
	ctx := context.Background()

	connA, clientA := f.newConn(t, "conn-oa", uuid.New())
	connB, clientB := f.newConn(t, "conn-ob", uuid.New())
	f.join(t, connA, clientA, sess.ID)
	f.join(t, connB, clientB, sess.ID)

	// Identical client-side wall clock; the store must still order them.
	now := time.Now().UTC()
	payload := func() v1.OperationPayload {
		return v1.OperationPayload{SessionID: sess.ID.String(), Kind: "insert", Position: intp(0), Content: strp("x")}
	}

	var prev time.Time
	for i := 0; i < 6; i++ {
		conn := connA
		if i%2 == 1 {
			conn = connB
		}
		op, err := f.relay.Apply(ctx, conn, payload(), now)
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		if !op.Timestamp.After(prev) {
			t.Fatalf("timestamps not strictly increasing at %d: prev=%s got=%s", i, prev, op.Timestamp)
		}
		prev = op.Timestamp
	}
}

func TestOperationRelay_RequiresMembership(t *testing.T) {
	t.Parallel()

	f := newRelayFixture(t)
	sess := mustCreateSession(t, f.store, CreateSessionInput{})
	ctx := context.Background()

	conn, _ := f.newConn(t, "conn-out", uuid.New())

	_, err := f.relay.Apply(ctx, conn, v1.OperationPayload{
		SessionID: sess.ID.String(),
		Kind:      "insert",
		Position:  intp(0),
		Content:   strp("x"),
	}, time.Now().UTC())
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestOperationRelay_ValidatesFields(t *testing.T) {
	t.Parallel()

	f := newRelayFixture(t)
	sess := mustCreateSession(t, f.store, CreateSessionInput{})
	ctx := context.Background()
	now := time.Now().UTC()

	conn, client := f.newConn(t, "conn-val", uuid.New())
	f.join(t, conn, client, sess.ID)

	cases := []struct {
		name    string
		payload v1.OperationPayload
	}{
		{"bad session id", v1.OperationPayload{SessionID: "nope", Kind: "insert", Position: intp(0), Content: strp("x")}},
		{"unknown kind", v1.OperationPayload{SessionID: sess.ID.String(), Kind: "merge", Position: intp(0), Content: strp("x")}},
		{"insert without content", v1.OperationPayload{SessionID: sess.ID.String(), Kind: "insert", Position: intp(0)}},
		{"insert without position", v1.OperationPayload{SessionID: sess.ID.String(), Kind: "insert", Content: strp("x")}},
		{"delete without length", v1.OperationPayload{SessionID: sess.ID.String(), Kind: "delete", Position: intp(0)}},
		{"negative position", v1.OperationPayload{SessionID: sess.ID.String(), Kind: "insert", Position: intp(-1), Content: strp("x")}},
		{"negative length", v1.OperationPayload{SessionID: sess.ID.String(), Kind: "delete", Position: intp(0), Length: intp(-1)}},
		{"bad file id", v1.OperationPayload{SessionID: sess.ID.String(), Kind: "insert", Position: intp(0), Content: strp("x"), FileID: "nope"}},
	}
	for _, tc := range cases {
		if _, err := f.relay.Apply(ctx, conn, tc.payload, now); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}

	if got := len(f.store.Operations(sess.ID)); got != 0 {
		t.Fatalf("rejected operations must not be logged, got %d", got)
	}
}

func TestOperationRelay_CursorIsTransient(t *testing.T) {
	t.Parallel()

	f := newRelayFixture(t)
	sess := mustCreateSession(t, f.store, CreateSessionInput{})
	ctx := context.Background()
	now := time.Now().UTC()

	userID := uuid.New()
	conn, client := f.newConn(t, "conn-cur", userID)
	f.join(t, conn, client, sess.ID)

	if err := f.relay.Cursor(ctx, conn, v1.CursorPayload{
		SessionID: sess.ID.String(),
		Position:  42,
	}, now); err != nil {
		t.Fatalf("cursor: %v", err)
	}

	// Cursor updates fan out but never hit the operation log.
	env := drainUntilType(t, client, v1.TypeServerOperation)
	_ = env
	if got := len(f.store.Operations(sess.ID)); got != 0 {
		t.Fatalf("cursor must not be logged, got %d operations", got)
	}

	p, err := f.store.FindParticipant(ctx, sess.ID, userID)
	if err != nil {
		t.Fatalf("find participant: %v", err)
	}
	if p.CursorPosition == nil || *p.CursorPosition != 42 {
		t.Fatalf("expected cursor position 42 on participant row, got %+v", p.CursorPosition)
	}

	// A selection carries its text and lands on the row too.
	if err := f.relay.Cursor(ctx, conn, v1.CursorPayload{
		SessionID: sess.ID.String(),
		Position:  7,
		Selection: strp("\\alpha"),
	}, now.Add(time.Second)); err != nil {
		t.Fatalf("selection: %v", err)
	}
	p, err = f.store.FindParticipant(ctx, sess.ID, userID)
	if err != nil {
		t.Fatalf("find participant: %v", err)
	}
	if p.Selection == nil || *p.Selection != "\\alpha" {
		t.Fatalf("expected selection on participant row, got %+v", p.Selection)
	}
}
