// Package main provides a CI-friendly WebSocket smoke test for the Texler
// collaboration gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - authenticate -> auth_result
//   - join_session -> session_joined with roster
//   - participant_update fanout on second join
//   - operation -> server_operation fanout with monotonic timestamps
//   - chat_message -> server_chat_message fanout
//   - leave_session -> participant_left fanout
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/Force67/texler/shared/contracts/collab/v1"
)

const (
	defaultSubprotocol = "texler.collab.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	userID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA    = flag.String("token-a", os.Getenv("TEXLER_SMOKE_TOKEN_A"), "Bearer token for client A")
		tokenB    = flag.String("token-b", os.Getenv("TEXLER_SMOKE_TOKEN_B"), "Bearer token for client B")
		sessionID = flag.String("session", "", "Session UUID to join")
		sessPass  = flag.String("password", "", "Session password, if protected")
		text      = flag.String("text", "hello texler", "Operation content and chat text to send")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*tokenA) == "" || strings.TrimSpace(*tokenB) == "" {
		fatalf("both -token-a and -token-b are required (or TEXLER_SMOKE_TOKEN_A/B)")
	}
	if strings.TrimSpace(*sessionID) == "" {
		fatalf("-session is required")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustAuthenticate(root, a, *tokenA, *timeout)
	mustAuthenticate(root, b, *tokenB, *timeout)

	if *verbose {
		fmt.Printf("authenticated: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	mustJoin(root, a, *sessionID, *sessPass, *timeout)
	mustJoin(root, b, *sessionID, *sessPass, *timeout)

	// A observes B joining.
	mustAssertParticipantUpdate(root, a, *sessionID, b.userID, *timeout)

	ts1 := mustOperationFanout(root, a, b, *sessionID, *text, *timeout)
	ts2 := mustOperationFanout(root, a, b, *sessionID, *text+" again", *timeout)
	if !ts2.After(ts1) {
		fatalf("operation timestamps not monotonic: first=%s second=%s", ts1, ts2)
	}

	mustChatFanout(root, a, b, *sessionID, *text, *timeout)

	mustLeave(root, a, *timeout)
	mustAssertParticipantLeft(root, b, *sessionID, a.userID, *timeout)

	fmt.Printf("OK: A=%s B=%s session_id=%s op_ts=%s\n", a.userID, b.userID, *sessionID, ts2.Format(time.RFC3339Nano))
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustAuthenticate(parent context.Context, c *smokeClient, token string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeAuthenticate,
		ID:      fmt.Sprintf("%s-auth", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.AuthenticatePayload{Token: token}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	res := c.mustReadUntilType(parent, v1.TypeAuthResult, stepTimeout, nil)

	var p v1.AuthResultPayload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		fatalf("unmarshal auth_result payload (%s): %v", c.name, err)
	}
	if !p.Success {
		fatalf("authentication failed (%s): %s", c.name, p.Error)
	}
	if p.Identity == nil || strings.TrimSpace(p.Identity.UserID) == "" {
		fatalf("auth_result missing identity (%s)", c.name)
	}
	c.userID = p.Identity.UserID
}

func mustJoin(parent context.Context, c *smokeClient, sessionID, password string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeJoinSession,
		ID:   fmt.Sprintf("%s-join", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.JoinSessionPayload{
			SessionID: sessionID,
			Role:      "editor",
			Password:  password,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeParticipantUpdate: {}}
	joined := c.mustReadUntilType(parent, v1.TypeSessionJoined, stepTimeout, skip)

	var p v1.SessionJoinedPayload
	if err := json.Unmarshal(joined.Payload, &p); err != nil {
		fatalf("unmarshal session_joined payload (%s): %v", c.name, err)
	}
	if p.SessionID != sessionID {
		fatalf("session_joined session_id mismatch (%s): got=%q want=%q", c.name, p.SessionID, sessionID)
	}
	if len(p.Participants) == 0 {
		fatalf("session_joined empty roster (%s)", c.name)
	}
	if !p.SessionInfo.Active {
		fatalf("session_joined session not active (%s)", c.name)
	}

	found := false
	for _, pp := range p.Participants {
		if pp.UserID == c.userID && pp.Online {
			found = true
			break
		}
	}
	if !found {
		fatalf("session_joined roster missing self (%s)", c.name)
	}
}

func mustAssertParticipantUpdate(parent context.Context, c *smokeClient, sessionID, userID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeParticipantUpdate, stepTimeout, nil)

	var p v1.ParticipantUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal participant_update payload (%s): %v", c.name, err)
	}
	if p.SessionID != sessionID {
		fatalf("participant_update session_id mismatch (%s): got=%q want=%q", c.name, p.SessionID, sessionID)
	}
	if p.Participant.UserID != userID {
		fatalf("participant_update user_id mismatch (%s): got=%q want=%q", c.name, p.Participant.UserID, userID)
	}
	if !p.Participant.Online {
		fatalf("participant_update not online (%s)", c.name)
	}
}

// mustOperationFanout sends an insert from sender and asserts both clients
// receive the server_operation broadcast with the same server timestamp.
func mustOperationFanout(parent context.Context, sender, other *smokeClient, sessionID, content string, stepTimeout time.Duration) time.Time {
	pos := 0
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeOperation,
		ID:   fmt.Sprintf("%s-op-%d", sender.name, time.Now().UnixNano()),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.OperationPayload{
			SessionID: sessionID,
			Kind:      "insert",
			Position:  &pos,
			Content:   &content,
		}),
	}
	mustWriteWithTimeout(parent, sender.conn, env, stepTimeout)

	got := mustAssertServerOperation(parent, sender, sessionID, sender.userID, content, stepTimeout)
	echo := mustAssertServerOperation(parent, other, sessionID, sender.userID, content, stepTimeout)
	if !got.Equal(echo) {
		fatalf("server_operation timestamp mismatch across clients: %s vs %s", got, echo)
	}
	return got
}

func mustAssertServerOperation(parent context.Context, c *smokeClient, sessionID, userID, content string, stepTimeout time.Duration) time.Time {
	env := c.mustReadUntilType(parent, v1.TypeServerOperation, stepTimeout, nil)

	var p v1.ServerOperationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal server_operation payload (%s): %v", c.name, err)
	}
	if p.SessionID != sessionID {
		fatalf("server_operation session_id mismatch (%s): got=%q want=%q", c.name, p.SessionID, sessionID)
	}
	if p.UserID != userID {
		fatalf("server_operation user_id mismatch (%s): got=%q want=%q", c.name, p.UserID, userID)
	}
	if p.Content == nil || *p.Content != content {
		fatalf("server_operation content mismatch (%s)", c.name)
	}
	if p.Timestamp.IsZero() {
		fatalf("server_operation timestamp missing/zero (%s)", c.name)
	}
	return p.Timestamp
}

func mustChatFanout(parent context.Context, sender, other *smokeClient, sessionID, text string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeChatMessage,
		ID:   fmt.Sprintf("%s-chat", sender.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ChatMessagePayload{
			SessionID: sessionID,
			Content:   text,
			Kind:      "text",
		}),
	}
	mustWriteWithTimeout(parent, sender.conn, env, stepTimeout)

	for _, c := range []*smokeClient{sender, other} {
		got := c.mustReadUntilType(parent, v1.TypeServerChatMessage, stepTimeout, nil)

		var p v1.ServerChatMessagePayload
		if err := json.Unmarshal(got.Payload, &p); err != nil {
			fatalf("unmarshal server_chat_message payload (%s): %v", c.name, err)
		}
		if p.SessionID != sessionID {
			fatalf("server_chat_message session_id mismatch (%s): got=%q want=%q", c.name, p.SessionID, sessionID)
		}
		if p.UserID != sender.userID {
			fatalf("server_chat_message user_id mismatch (%s): got=%q want=%q", c.name, p.UserID, sender.userID)
		}
		if p.Content != text {
			fatalf("server_chat_message content mismatch (%s): got=%q want=%q", c.name, p.Content, text)
		}
		if strings.TrimSpace(p.ID) == "" {
			fatalf("server_chat_message missing id (%s)", c.name)
		}
	}
}

func mustLeave(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeLeaveSession,
		ID:      fmt.Sprintf("%s-leave", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.LeaveSessionPayload{}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertParticipantLeft(parent context.Context, c *smokeClient, sessionID, userID string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeParticipantUpdate: {}}
	env := c.mustReadUntilType(parent, v1.TypeParticipantLeft, stepTimeout, skip)

	var p v1.ParticipantLeftPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal participant_left payload (%s): %v", c.name, err)
	}
	if p.SessionID != sessionID {
		fatalf("participant_left session_id mismatch (%s): got=%q want=%q", c.name, p.SessionID, sessionID)
	}
	if p.UserID != userID {
		fatalf("participant_left user_id mismatch (%s): got=%q want=%q", c.name, p.UserID, userID)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == v1.TypePong {
				continue
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
