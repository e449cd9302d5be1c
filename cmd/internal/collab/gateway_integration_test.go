package collab

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Force67/texler/cmd/internal/auth"
	"github.com/Force67/texler/cmd/security/password"
	v1 "github.com/Force67/texler/shared/contracts/collab/v1"
)

const (
	gwTestSecret = "0123456789abcdef0123456789abcdef"
	gwTestIssuer = "texler-test"
)

type gatewayFixture struct {
	store   *InMemoryStore
	gateway *Gateway
	server  *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	t.Setenv("TEXLER_WS_ORIGIN_REQUIRED", "false")

	store := NewInMemoryStore()
	hub := NewHub(nil, nil)
	registry := NewRegistry(nil, nil)
	passwords := password.DefaultConfig()
	membership := NewMembership(nil, store, hub, passwords)
	operations := NewOperationRelay(nil, store, hub, membership, nil)
	chat := NewChatRelay(nil, store, hub, membership, nil)

	registry.SetCleanup(func(ctx context.Context, conn *Connection) {
		_ = membership.Leave(ctx, conn, time.Now().UTC())
	})

	verifier, err := auth.NewJWTVerifier([]byte(gwTestSecret), gwTestIssuer)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	gw := NewGateway(nil, GatewayDeps{
		Registry:   registry,
		Hub:        hub,
		Verifier:   verifier,
		Membership: membership,
		Operations: operations,
		Chat:       chat,
	})

	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)

	return &gatewayFixture{store: store, gateway: gw, server: ts}
}

func (f *gatewayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func mintToken(t *testing.T, userID uuid.UUID, expiresIn time.Duration) string {
	t.Helper()

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":      userID.String(),
		"iss":      gwTestIssuer,
		"iat":      now.Unix(),
		"exp":      now.Add(expiresIn).Unix(),
		"username": "tester",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(gwTestSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type wsTestClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialGateway(t *testing.T, f *gatewayFixture) *wsTestClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, f.wsURL(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })

	return &wsTestClient{t: t, conn: conn}
}

func (c *wsTestClient) send(typ string, payload any) {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env := marshalEvent(typ, payload, time.Now().UTC())
	b, err := json.Marshal(env)
	if err != nil {
		c.t.Fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		c.t.Fatalf("write %s: %v", typ, err)
	}
}

func (c *wsTestClient) sendRaw(data []byte) {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("write raw: %v", err)
	}
}

// readUntil skips envelopes until one of the wanted type arrives.
func (c *wsTestClient) readUntil(typ string) v1.Envelope {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.t.Fatalf("read waiting for %q: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
}

func (c *wsTestClient) authenticate(token string) v1.AuthResultPayload {
	c.t.Helper()

	c.send(v1.TypeAuthenticate, v1.AuthenticatePayload{Token: token})
	env := c.readUntil(v1.TypeAuthResult)

	var p v1.AuthResultPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.t.Fatalf("unmarshal auth_result: %v", err)
	}
	return p
}

func TestGateway_AuthenticateJoinOperateChat(t *testing.T) {
	f := newGatewayFixture(t)
	sess := mustCreateSession(t, f.store, CreateSessionInput{})

	userA, userB := uuid.New(), uuid.New()

	a := dialGateway(t, f)
	if res := a.authenticate(mintToken(t, userA, time.Hour)); !res.Success {
		t.Fatalf("authenticate A failed: %s", res.Error)
	}
	b := dialGateway(t, f)
	if res := b.authenticate(mintToken(t, userB, time.Hour)); !res.Success {
		t.Fatalf("authenticate B failed: %s", res.Error)
	}

	a.send(v1.TypeJoinSession, v1.JoinSessionPayload{SessionID: sess.ID.String(), Role: "editor"})
	joinedA := a.readUntil(v1.TypeSessionJoined)
	var jp v1.SessionJoinedPayload
	if err := json.Unmarshal(joinedA.Payload, &jp); err != nil {
		t.Fatalf("unmarshal session_joined: %v", err)
	}
	if jp.SessionID != sess.ID.String() || len(jp.Participants) != 1 {
		t.Fatalf("unexpected session_joined payload: %+v", jp)
	}
	if jp.SessionInfo.Protected {
		t.Fatalf("open session must not report protected")
	}

	b.send(v1.TypeJoinSession, v1.JoinSessionPayload{SessionID: sess.ID.String(), Role: "viewer"})
	b.readUntil(v1.TypeSessionJoined)

	// A sees B join.
	update := a.readUntil(v1.TypeParticipantUpdate)
	var up v1.ParticipantUpdatePayload
	if err := json.Unmarshal(update.Payload, &up); err != nil {
		t.Fatalf("unmarshal participant_update: %v", err)
	}
	if up.Participant.UserID != userB.String() {
		t.Fatalf("expected update for user B, got %q", up.Participant.UserID)
	}

	// A edits; both receive the accepted operation.
	pos := 0
	content := "\\section{Intro}"
	a.send(v1.TypeOperation, v1.OperationPayload{
		SessionID: sess.ID.String(),
		Kind:      "insert",
		Position:  &pos,
		Content:   &content,
	})
	for _, c := range []*wsTestClient{a, b} {
		env := c.readUntil(v1.TypeServerOperation)
		var op v1.ServerOperationPayload
		if err := json.Unmarshal(env.Payload, &op); err != nil {
			t.Fatalf("unmarshal server_operation: %v", err)
		}
		if op.UserID != userA.String() || op.Content == nil || *op.Content != content {
			t.Fatalf("unexpected server_operation: %+v", op)
		}
		if op.Timestamp.IsZero() {
			t.Fatalf("missing server timestamp")
		}
	}

	// Chat fans out the same way.
	a.send(v1.TypeChatMessage, v1.ChatMessagePayload{SessionID: sess.ID.String(), Content: "done"})
	for _, c := range []*wsTestClient{a, b} {
		env := c.readUntil(v1.TypeServerChatMessage)
		var msg v1.ServerChatMessagePayload
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			t.Fatalf("unmarshal server_chat_message: %v", err)
		}
		if msg.Content != "done" || msg.UserID != userA.String() {
			t.Fatalf("unexpected server_chat_message: %+v", msg)
		}
	}

	// Application-level keepalive.
	a.send(v1.TypePing, struct{}{})
	a.readUntil(v1.TypePong)

	// A leaves; B is told.
	a.send(v1.TypeLeaveSession, v1.LeaveSessionPayload{})
	left := b.readUntil(v1.TypeParticipantLeft)
	var lp v1.ParticipantLeftPayload
	if err := json.Unmarshal(left.Payload, &lp); err != nil {
		t.Fatalf("unmarshal participant_left: %v", err)
	}
	if lp.UserID != userA.String() {
		t.Fatalf("expected leave for user A, got %q", lp.UserID)
	}
}

func TestGateway_SessionCommandsRequireAuthentication(t *testing.T) {
	f := newGatewayFixture(t)
	sess := mustCreateSession(t, f.store, CreateSessionInput{})

	c := dialGateway(t, f)

	// Pre-auth session commands fail but leave the connection usable.
	c.send(v1.TypeJoinSession, v1.JoinSessionPayload{SessionID: sess.ID.String(), Role: "editor"})
	env := c.readUntil(v1.TypeError)
	var ep v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &ep); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if ep.Code != CodeUnauthorized {
		t.Fatalf("expected %s, got %s", CodeUnauthorized, ep.Code)
	}

	if res := c.authenticate(mintToken(t, uuid.New(), time.Hour)); !res.Success {
		t.Fatalf("authenticate after rejected command failed: %s", res.Error)
	}
	c.send(v1.TypeJoinSession, v1.JoinSessionPayload{SessionID: sess.ID.String(), Role: "editor"})
	c.readUntil(v1.TypeSessionJoined)
}

func TestGateway_InvalidCredentialReported(t *testing.T) {
	f := newGatewayFixture(t)

	c := dialGateway(t, f)

	res := c.authenticate("not-a-jwt")
	if res.Success {
		t.Fatalf("expected authentication failure")
	}
	if res.Error == "" {
		t.Fatalf("expected failure reason")
	}

	// Expired tokens fail the same way.
	res = c.authenticate(mintToken(t, uuid.New(), -time.Minute))
	if res.Success {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestGateway_MalformedJSONClosesConnection(t *testing.T) {
	f := newGatewayFixture(t)

	c := dialGateway(t, f)
	c.sendRaw([]byte("{not json"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The server may flush a VALIDATION error before closing.
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if got := websocket.CloseStatus(err); got != websocket.StatusProtocolError {
				t.Fatalf("expected protocol error close, got status=%v err=%v", got, err)
			}
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type != v1.TypeError {
			t.Fatalf("unexpected envelope before close: %q", env.Type)
		}
	}
}

func TestGateway_UnsupportedClientTypeRejected(t *testing.T) {
	f := newGatewayFixture(t)

	c := dialGateway(t, f)

	// A server-to-client type echoed back is a validation error, not a close.
	c.send(v1.TypeAuthResult, v1.AuthResultPayload{Success: true})
	env := c.readUntil(v1.TypeError)

	var ep v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &ep); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if ep.Code != CodeValidation {
		t.Fatalf("expected %s, got %s", CodeValidation, ep.Code)
	}

	c.send(v1.TypePing, struct{}{})
	c.readUntil(v1.TypePong)
}

func TestGateway_ProtectedSessionJoin(t *testing.T) {
	f := newGatewayFixture(t)

	passwords := password.DefaultConfig()
	hash, err := passwords.Hash("session secret 1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sess := mustCreateSession(t, f.store, CreateSessionInput{PasswordHash: hash})

	c := dialGateway(t, f)
	if res := c.authenticate(mintToken(t, uuid.New(), time.Hour)); !res.Success {
		t.Fatalf("authenticate failed: %s", res.Error)
	}

	// Wrong password reads as NOT_FOUND so existence cannot be probed.
	c.send(v1.TypeJoinSession, v1.JoinSessionPayload{SessionID: sess.ID.String(), Role: "editor", Password: "wrong"})
	env := c.readUntil(v1.TypeError)
	var ep v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &ep); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if ep.Code != CodeNotFound {
		t.Fatalf("expected %s for wrong password, got %s", CodeNotFound, ep.Code)
	}

	c.send(v1.TypeJoinSession, v1.JoinSessionPayload{SessionID: sess.ID.String(), Role: "editor", Password: "session secret 1"})
	c.readUntil(v1.TypeSessionJoined)
}
