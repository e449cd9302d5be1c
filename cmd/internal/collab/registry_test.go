package collab

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Force67/texler/cmd/internal/auth"
)

func TestRegistry_RegisterGetUnregister(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	now := time.Now().UTC()

	conn := reg.Register("conn-1", now)
	if conn.ID != "conn-1" {
		t.Fatalf("unexpected connection id %q", conn.ID)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 connection, got %d", reg.Len())
	}

	got, ok := reg.Get("conn-1")
	if !ok || got != conn {
		t.Fatalf("expected to retrieve the registered connection")
	}

	reg.Unregister(context.Background(), "conn-1")
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}

	// Unknown ids are a no-op.
	reg.Unregister(context.Background(), "conn-1")
	reg.Unregister(context.Background(), "never-registered")
}

func TestRegistry_UnregisterRunsCleanupForJoinedConnections(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	now := time.Now().UTC()

	var cleaned []string
	reg.SetCleanup(func(ctx context.Context, conn *Connection) {
		cleaned = append(cleaned, conn.ID)
	})

	joined := reg.Register("conn-joined", now)
	joined.SetSession(uuid.New(), uuid.New())

	idle := reg.Register("conn-idle", now)
	_ = idle

	reg.Unregister(context.Background(), "conn-joined")
	reg.Unregister(context.Background(), "conn-idle")

	if len(cleaned) != 1 || cleaned[0] != "conn-joined" {
		t.Fatalf("expected cleanup only for the joined connection, got %v", cleaned)
	}
}

func TestConnection_IdentityAndSessionState(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	conn := &Connection{ID: "conn-s", lastSeen: now}

	if _, ok := conn.Identity(); ok {
		t.Fatalf("expected no identity before authentication")
	}

	userID := uuid.New()
	conn.SetIdentity(auth.Identity{UserID: userID}, now)
	id, ok := conn.Identity()
	if !ok || id.UserID != userID {
		t.Fatalf("expected identity after SetIdentity")
	}

	if _, _, joined := conn.Session(); joined {
		t.Fatalf("expected no session before join")
	}
	sid, pid := uuid.New(), uuid.New()
	conn.SetSession(sid, pid)
	gotSID, gotPID, joined := conn.Session()
	if !joined || gotSID != sid || gotPID != pid {
		t.Fatalf("unexpected session state: %v %v %v", gotSID, gotPID, joined)
	}

	conn.ClearSession()
	if _, _, joined := conn.Session(); joined {
		t.Fatalf("expected session cleared")
	}
	conn.ClearSession()

	later := now.Add(time.Minute)
	conn.Touch(later)
	if !conn.LastSeen().Equal(later) {
		t.Fatalf("expected last seen updated")
	}
}
