package collab

import (
	"testing"
	"time"

	"github.com/google/uuid"

	v1 "github.com/Force67/texler/shared/contracts/collab/v1"
)

func testEnvelope(t *testing.T, typ string) v1.Envelope {
	t.Helper()
	return marshalEvent(typ, v1.ErrorPayload{Code: "TEST", Message: "test"}, time.Now().UTC())
}

func TestHub_FanOutToAllSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil)
	sessionID := uuid.New()

	a := NewClient("conn-a", 8)
	b := NewClient("conn-b", 8)

	ch := hub.GetOrCreateChannel(sessionID)
	ch.Subscribe(a)
	ch.Subscribe(b)

	if got := hub.Subscribers(sessionID); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}

	hub.Publish(sessionID, testEnvelope(t, v1.TypeServerOperation))

	for _, c := range []*Client{a, b} {
		select {
		case env := <-c.Send:
			if env.Type != v1.TypeServerOperation {
				t.Fatalf("unexpected type on %s: %q", c.ConnectionID, env.Type)
			}
		default:
			t.Fatalf("no envelope delivered to %s", c.ConnectionID)
		}
	}
}

func TestHub_PublishWithoutSubscribersIsNoop(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil)

	// Must not panic or create a channel.
	hub.Publish(uuid.New(), testEnvelope(t, v1.TypePong))

	if got := hub.Subscribers(uuid.New()); got != 0 {
		t.Fatalf("expected 0 subscribers, got %d", got)
	}
}

func TestHub_SlowSubscriberDropsAndLatchesMissed(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil)
	sessionID := uuid.New()

	slow := NewClient("conn-slow", 1)
	hub.GetOrCreateChannel(sessionID).Subscribe(slow)

	// First fills the queue, second must drop without blocking.
	hub.Publish(sessionID, testEnvelope(t, v1.TypeServerOperation))
	hub.Publish(sessionID, testEnvelope(t, v1.TypeServerOperation))

	if !slow.TakeMissed() {
		t.Fatalf("expected missed flag to be latched")
	}
	if slow.TakeMissed() {
		t.Fatalf("expected missed flag to be cleared after take")
	}

	// Exactly one event should be queued.
	select {
	case <-slow.Send:
	default:
		t.Fatalf("expected one queued envelope")
	}
	select {
	case <-slow.Send:
		t.Fatalf("expected second envelope to have been dropped")
	default:
	}
}

func TestHub_BroadcastSkipsClosedClients(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil)
	sessionID := uuid.New()

	closed := NewClient("conn-closed", 4)
	closed.Close()
	hub.GetOrCreateChannel(sessionID).Subscribe(closed)

	hub.Publish(sessionID, testEnvelope(t, v1.TypeServerOperation))

	select {
	case <-closed.Send:
		t.Fatalf("closed client should not receive broadcasts")
	default:
	}
}

func TestHub_ChannelDroppedWhenLastSubscriberLeaves(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil)
	sessionID := uuid.New()

	a := NewClient("conn-a", 4)
	ch := hub.GetOrCreateChannel(sessionID)
	ch.Subscribe(a)
	ch.Unsubscribe("conn-a")

	hub.mu.RLock()
	_, exists := hub.channels[sessionID]
	hub.mu.RUnlock()
	if exists {
		t.Fatalf("expected empty channel to be dropped")
	}

	// Unsubscribe is idempotent.
	ch.Unsubscribe("conn-a")
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewClient("conn-x", 4)
	c.Close()
	c.Close()

	select {
	case <-c.Done():
	default:
		t.Fatalf("expected done channel to be closed")
	}
}
