package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Force67/texler/cmd/internal/auth"
	v1 "github.com/Force67/texler/shared/contracts/collab/v1"
)

const (
	wsSubprotocolV1 = "texler.collab.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the WebSocket entrypoint for collaboration sessions.
//
// It enforces origin policy, subprotocol selection, rate limits, and
// heartbeats, and routes validated envelopes to the membership manager and
// the operation/chat relays. Every connection is tracked in the Registry so
// the liveness monitor can tear down ghosts through the same shutdown path
// an explicit disconnect takes.
type Gateway struct {
	log      *slog.Logger
	metrics  *Metrics
	registry *Registry
	hub      *Hub

	verifier   auth.Verifier
	membership *Membership
	operations *OperationRelay
	chat       *ChatRelay

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// GatewayDeps bundles the collaborators a Gateway routes to.
type GatewayDeps struct {
	Metrics    *Metrics
	Registry   *Registry
	Hub        *Hub
	Verifier   auth.Verifier
	Membership *Membership
	Operations *OperationRelay
	Chat       *ChatRelay
}

// NewGateway constructs a gateway with secure defaults. Tunables come from
// TEXLER_WS_* environment variables.
func NewGateway(log *slog.Logger, deps GatewayDeps) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &Gateway{
		log:        log,
		metrics:    deps.Metrics,
		registry:   deps.Registry,
		hub:        deps.Hub,
		verifier:   deps.Verifier,
		membership: deps.Membership,
		operations: deps.Operations,
		chat:       deps.Chat,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("TEXLER_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("TEXLER_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("TEXLER_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("TEXLER_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("TEXLER_WS_READ_IDLE_TIMEOUT", idleTimeout)

	g.sendQueueSize = envIntWS("TEXLER_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("TEXLER_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("TEXLER_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("TEXLER_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("TEXLER_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and runs the
// collaboration loop until the peer disconnects, idles out, or violates
// protocol.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = wsConn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := wsConn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = wsConn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	wsConn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	connectionID, err := NewConnectionID(now)
	if err != nil {
		g.log.Error("ws.id.fail", "err", err)
		_ = wsConn.Close(websocket.StatusInternalError, "id allocation failed")
		return
	}

	client := NewClient(connectionID, g.sendQueueSize)
	conn := g.registry.Register(connectionID, now)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// shutdown is idempotent. It does NOT close client.Send.
	// Membership cleanup runs inside Unregister before client.Close, so a
	// late Broadcast can never hit a closed channel.
	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			// The request context is already gone on abnormal paths.
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
			g.registry.Unregister(cleanupCtx, connectionID)
			cleanupCancel()

			client.Close()
			_ = wsConn.Close(code, reason)
			cancel()
		})
	}
	conn.SetShutdown(func() { shutdown(websocket.StatusGoingAway, "liveness timeout") })

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, wsConn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connectionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}

				// A latched missed flag means the hub dropped broadcasts
				// while this queue was full. Tell the client once, after a
				// write proved the pipe is draining again.
				if client.TakeMissed() {
					warn := marshalEvent(v1.TypeError, v1.ErrorPayload{
						Code:    CodeEventsMissed,
						Message: "events were dropped while your connection was slow; refetch session state",
					}, time.Now().UTC())
					if err := writeEnvelope(ctx, wsConn, warn, g.writeTimeout); err != nil {
						shutdown(websocket.StatusAbnormalClosure, "write failed")
						return
					}
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := wsConn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", connectionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
				conn.Touch(time.Now().UTC())
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, wsConn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				if ctx.Err() == nil {
					// The per-read deadline fired with the parent still
					// alive: the peer went silent past the idle window.
					g.metrics.idleDisconnect()
					g.log.Info("ws.idle", "connection_id", connectionID, "idle_timeout", g.readIdleTimeout)
					shutdown(websocket.StatusGoingAway, "idle timeout")
				} else {
					shutdown(websocket.StatusNormalClosure, "context done")
				}
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				// Undecodable bytes mean the peer is not speaking the
				// protocol at all. Close rather than guess.
				g.trySendError(ctx, client, CodeValidation, "malformed JSON")
				shutdown(websocket.StatusProtocolError, "malformed frame")
				break readLoop
			default:
				g.log.Info("ws.read.fail", "connection_id", connectionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		conn.Touch(now)

		if !rl.Allow(now) {
			g.trySendError(ctx, client, CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, CodeValidation, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeAuthenticate:
			g.onAuthenticate(ctx, conn, client, env, now)

		case v1.TypePing:
			g.enqueue(ctx, client, marshalEvent(v1.TypePong, struct{}{}, now))

		case v1.TypeJoinSession:
			if !g.requireIdentity(ctx, conn, client) {
				continue readLoop
			}
			g.onJoinSession(ctx, conn, client, env, now)

		case v1.TypeLeaveSession:
			if !g.requireIdentity(ctx, conn, client) {
				continue readLoop
			}
			if err := g.membership.Leave(ctx, conn, now); err != nil {
				g.sendError(ctx, client, err)
			}

		case v1.TypeOperation:
			if !g.requireIdentity(ctx, conn, client) {
				continue readLoop
			}
			g.onOperation(ctx, conn, client, env, now)

		case v1.TypeCursor:
			if !g.requireIdentity(ctx, conn, client) {
				continue readLoop
			}
			g.onCursor(ctx, conn, client, env, now)

		case v1.TypeChatMessage:
			if !g.requireIdentity(ctx, conn, client) {
				continue readLoop
			}
			g.onChatMessage(ctx, conn, client, env, now)

		default:
			// Server-to-client types echoed back by a confused peer.
			g.trySendError(ctx, client, CodeValidation, fmt.Sprintf("unsupported client type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onAuthenticate(ctx context.Context, conn *Connection, client *Client, env v1.Envelope, now time.Time) {
	var p v1.AuthenticatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, CodeValidation, "invalid payload")
		return
	}

	identity, _, err := g.verifier.Verify(ctx, p.Token)
	if err != nil {
		g.metrics.authFailure()
		g.log.Info("ws.auth.fail", "connection_id", conn.ID, "err", err)
		g.enqueue(ctx, client, marshalEvent(v1.TypeAuthResult, v1.AuthResultPayload{
			Success: false,
			Error:   "invalid credential",
		}, now))
		return
	}

	conn.SetIdentity(identity, now)
	g.log.Info("ws.auth.ok", "connection_id", conn.ID, "user_id", identity.UserID)

	g.enqueue(ctx, client, marshalEvent(v1.TypeAuthResult, v1.AuthResultPayload{
		Success: true,
		Identity: &v1.IdentityPayload{
			UserID:   identity.UserID.String(),
			Username: identity.Username,
			Role:     identity.Role,
		},
	}, now))
}

func (g *Gateway) onJoinSession(ctx context.Context, conn *Connection, client *Client, env v1.Envelope, now time.Time) {
	var p v1.JoinSessionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, CodeValidation, "invalid payload")
		return
	}

	sessionID, err := parseSessionID(p.SessionID)
	if err != nil {
		g.sendError(ctx, client, err)
		return
	}

	role := ParticipantRole(strings.TrimSpace(p.Role))
	if role == "" {
		role = RoleEditor
	}

	res, err := g.membership.Join(ctx, conn, client, sessionID, role, p.Password, now)
	if err != nil {
		g.sendError(ctx, client, err)
		return
	}

	roster := make([]v1.ParticipantPayload, 0, len(res.Roster))
	for _, part := range res.Roster {
		roster = append(roster, participantPayload(part))
	}

	g.enqueue(ctx, client, marshalEvent(v1.TypeSessionJoined, v1.SessionJoinedPayload{
		SessionID:    res.Session.ID.String(),
		Participants: roster,
		SessionInfo:  sessionInfoPayload(res.Session),
	}, now))
}

func (g *Gateway) onOperation(ctx context.Context, conn *Connection, client *Client, env v1.Envelope, now time.Time) {
	var p v1.OperationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, CodeValidation, "invalid payload")
		return
	}

	if _, err := g.operations.Apply(ctx, conn, p, now); err != nil {
		g.sendError(ctx, client, err)
	}
}

func (g *Gateway) onCursor(ctx context.Context, conn *Connection, client *Client, env v1.Envelope, now time.Time) {
	var p v1.CursorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, CodeValidation, "invalid payload")
		return
	}

	if err := g.operations.Cursor(ctx, conn, p, now); err != nil {
		g.sendError(ctx, client, err)
	}
}

func (g *Gateway) onChatMessage(ctx context.Context, conn *Connection, client *Client, env v1.Envelope, now time.Time) {
	var p v1.ChatMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, CodeValidation, "invalid payload")
		return
	}

	if _, err := g.chat.Send(ctx, conn, p, now); err != nil {
		g.sendError(ctx, client, err)
	}
}

// requireIdentity rejects session-scoped commands on unauthenticated
// connections. The connection stays open so the client can authenticate
// and retry.
func (g *Gateway) requireIdentity(ctx context.Context, conn *Connection, client *Client) bool {
	if _, ok := conn.Identity(); ok {
		return true
	}
	g.trySendError(ctx, client, CodeUnauthorized, "authenticate first")
	return false
}

// ---- send helpers ----

func (g *Gateway) sendError(ctx context.Context, client *Client, err error) {
	g.trySendError(ctx, client, Code(err), publicMessage(err))
}

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	g.enqueue(ctx, client, marshalEvent(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC()))
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

func parseSessionID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad session_id", ErrInvalidInput)
	}
	return id, nil
}

// publicMessage strips internal detail from errors with an INTERNAL code so
// store and transport failures never leak to clients.
func publicMessage(err error) string {
	if Code(err) == CodeInternal {
		return "internal error"
	}
	return strings.TrimPrefix(err.Error(), "collab: ")
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
