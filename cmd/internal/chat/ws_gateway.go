package chat

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
	"strings"
	"sync"
	"time"

	v1 "barterhub/shared/contracts/chat/v1"

	"github.com/coder/websocket"

	"barterhub/cmd/internal/auth"
)

const (
	wsSubprotocolV1 = "barterhub.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig carries the tunable knobs for a WSGateway. Zero values fall
// back to the secure defaults above.
type GatewayConfig struct {
	OriginRequired *bool
	AllowedOrigins []string

	// DevInsecure disables TLS verification in websocket.Accept.
	// A dev-only knob, never an origin policy.
	DevInsecure bool

	CookieName string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// WSGateway is the WebSocket entrypoint for barterhub chat.
//
// It authenticates the handshake, enforces origin policy and subprotocol
// selection, subscribes the connection to its personal room, and routes
// validated envelopes to the Service and Hub.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	svc      *Service
	verifier auth.Verifier

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	cookieName string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, hub *Hub, svc *Service, verifier auth.Verifier, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{log: log, hub: hub, svc: svc, verifier: verifier}

	g.devInsecure = cfg.DevInsecure

	g.originRequired = wsDefaultOriginRequired
	if cfg.OriginRequired != nil {
		g.originRequired = *cfg.OriginRequired
	}
	g.allowedOrigins = cfg.AllowedOrigins
	if len(g.allowedOrigins) == 0 {
		g.allowedOrigins = splitCSV(wsDefaultAllowedOrigins)
	}

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.cookieName = cfg.CookieName
	if g.cookieName == "" {
		g.cookieName = auth.DefaultCookieName
	}

	g.writeTimeout = durationOr(cfg.WriteTimeout, wsDefaultWriteTimeout)
	g.readIdleTimeout = durationOr(cfg.ReadIdleTimeout, wsDefaultReadIdle)

	g.sendQueueSize = cfg.SendQueueSize
	if g.sendQueueSize <= 0 {
		g.sendQueueSize = wsDefaultSendQueueSize
	}
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = durationOr(cfg.HeartbeatEvery, heartbeatInterval)
	g.heartbeatTimeout = durationOr(cfg.HeartbeatTimeout, heartbeatTimeout)

	g.rateEvents = cfg.RateEvents
	if g.rateEvents <= 0 {
		g.rateEvents = rateLimitEvents
	}
	g.rateWindow = durationOr(cfg.RateWindow, rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates the request, upgrades it to a WebSocket session and
// runs the chat loop. Authentication failures answer 401 before any upgrade:
// an unauthenticated caller never gets a socket.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		handshakeRejects.WithLabelValues("origin").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	principal, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		handshakeRejects.WithLabelValues("unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
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
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		handshakeRejects.WithLabelValues("subprotocol").Inc()
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	client := NewClient(sessionID, principal.ID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Every authenticated connection lives in its own personal room so
	// user-targeted notifications reach it without an explicit join.
	g.hub.JoinUser(client)

	connectionsActive.Inc()
	defer connectionsActive.Dec()

	g.log.Info("ws.session.open", "session_id", sessionID, "user_id", principal.ID, "remote", r.RemoteAddr)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and room removal happens inside hub.Drop.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Drop(client)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

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
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
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
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		eventsTotal.WithLabelValues(env.Type).Inc()

		switch env.Type {
		case v1.TypeJoinChat:
			g.onJoinChat(ctx, client, env)

		case v1.TypeLeaveChat:
			g.onLeaveChat(ctx, client, env)

		case v1.TypeSendMessage:
			g.onSendMessage(ctx, client, env)

		case v1.TypeInterestInProduct:
			g.onInterest(ctx, client, env)

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// authenticate extracts the caller's credential (cookie first, then bearer
// header) and verifies it.
func (g *WSGateway) authenticate(r *http.Request) (auth.Principal, error) {
	raw, err := auth.CredentialFromRequest(r, g.cookieName)
	if err != nil {
		return auth.Principal{}, err
	}
	return g.verifier.Verify(raw)
}

// ---- handlers ----

// onJoinChat authorizes the join and subscribes the session to the
// conversation room. An unknown conversation and a conversation the caller is
// not part of get the same denied event, so probing ids reveals nothing.
func (g *WSGateway) onJoinChat(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.JoinChatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", "invalid payload")
		return
	}
	if p.ConversationID <= 0 {
		g.trySendError(ctx, client, "bad_payload", "missing conversation_id")
		return
	}

	if _, err := g.svc.Authorize(ctx, p.ConversationID, client.UserID); err != nil {
		if isDenial(err) {
			g.deny(ctx, client, v1.TypeJoinChat, p.ConversationID)
			return
		}
		g.log.Error("ws.join.fail", "session_id", client.SessionID, "conversation_id", p.ConversationID, "err", err)
		g.trySendError(ctx, client, "join_failed", "try again")
		return
	}

	g.hub.JoinConversation(p.ConversationID, client)

	ackPayload, _ := json.Marshal(v1.JoinedPayload{ConversationID: p.ConversationID})
	g.enqueue(ctx, client, newEnvelope(v1.TypeJoined, ackPayload))
}

// onLeaveChat is always honored and idempotent.
func (g *WSGateway) onLeaveChat(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.LeaveChatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", "invalid payload")
		return
	}
	g.hub.LeaveConversation(p.ConversationID, client.SessionID)
}

func (g *WSGateway) onSendMessage(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", "invalid payload")
		return
	}
	if p.ConversationID <= 0 {
		g.trySendError(ctx, client, "bad_payload", "missing conversation_id")
		return
	}

	_, err := g.svc.Send(ctx, p.ConversationID, client.UserID, p.Content, p.ClientMsgID)
	switch {
	case err == nil:
	case isDenial(err):
		g.deny(ctx, client, v1.TypeSendMessage, p.ConversationID)
	case errors.Is(err, ErrEmptyContent):
		g.trySendError(ctx, client, "empty_message", "message content is empty")
	case errors.Is(err, ErrContentTooLong):
		g.trySendError(ctx, client, "message_too_long", fmt.Sprintf("max %d chars", maxContentChars))
	default:
		g.log.Error("ws.send.fail", "session_id", client.SessionID, "conversation_id", p.ConversationID, "err", err)
		g.trySendError(ctx, client, "send_failed", "message not delivered")
	}
}

// onInterest relays an interest signal to the product owner's personal room.
// Fire-and-forget on this path; the REST endpoint is the durable variant.
func (g *WSGateway) onInterest(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.InterestInProductPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", "invalid payload")
		return
	}
	if p.ProductID <= 0 || p.ProductOwnerID <= 0 {
		g.trySendError(ctx, client, "bad_payload", "missing product_id or product_owner_id")
		return
	}
	if p.ProductOwnerID == client.UserID {
		// Expressing interest in your own listing is meaningless; drop it.
		return
	}

	g.svc.NotifyInterest(ctx, client.UserID, p.ProductID, p.ProductOwnerID)
}

// ---- send helpers ----

func isDenial(err error) bool {
	return errors.Is(err, ErrConversationNotFound) || errors.Is(err, ErrNotParticipant)
}

// deny answers the requesting connection with a denied event naming only the
// operation and target. Nobody else in the room hears about it.
func (g *WSGateway) deny(ctx context.Context, client *Client, op string, conversationID int64) {
	denialsTotal.WithLabelValues(op).Inc()

	p, _ := json.Marshal(v1.DeniedPayload{Op: op, ConversationID: conversationID})
	g.enqueue(ctx, client, newEnvelope(v1.TypeDenied, p))
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
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

func (g *WSGateway) enforceOrigin(r *http.Request) error {
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

// ---- misc helpers ----

func durationOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func splitCSV(raw string) []string {
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
