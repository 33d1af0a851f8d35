package hub

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
	"sync/atomic"
	"time"

	"tether/cmd/internal/rooms"
	"tether/cmd/internal/store"
	v1 "tether/shared/contracts/sync/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "tether.sync.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second
	wsFlushGrace          = 200 * time.Millisecond
	wsTeardownTimeout     = 5 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the WebSocket entrypoint for the sync hub.
//
// It enforces origin policy, subprotocol selection, token claims, rate limits
// and heartbeats, and routes validated envelopes into the Hub lifecycle.
type Gateway struct {
	log      *slog.Logger
	hub      *Hub
	verifier *TokenVerifier

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

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, h *Hub, verifier *TokenVerifier) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &Gateway{log: log, hub: h, verifier: verifier}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("TETHER_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("TETHER_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("TETHER_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("TETHER_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("TETHER_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("TETHER_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("TETHER_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("TETHER_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("TETHER_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("TETHER_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the sync loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// The auth collaborator issued these claims; unauthenticated calls never
	// reach the hub.
	claims, err := g.verifier.FromRequest(r)
	if err != nil {
		g.log.Info("ws.reject.token", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	handle := NewConnectionHandle(time.Now().UTC())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &wsSession{
		g:             g,
		conn:          conn,
		client:        NewClient(claims.UID, claims.CharaIdent, handle, r.RemoteAddr, g.sendQueueSize),
		claims:        claims,
		ctx:           ctx,
		cancel:        cancel,
		limiter:       NewRateLimiter(g.rateEvents, g.rateWindow),
		writerDone:    make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}

	go s.runWriter()
	go s.runHeartbeat()

	if !s.connect() {
		return
	}

	s.readLoop()

	s.shutdown(websocket.StatusNormalClosure, "bye", nil)
	<-s.writerDone

	select {
	case <-s.heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// wsSession is the per-connection state: one reader (the HandleWS goroutine),
// one writer goroutine, one heartbeat goroutine.
type wsSession struct {
	g       *Gateway
	conn    *websocket.Conn
	client  *Client
	claims  Claims
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *RateLimiter

	closeOnce sync.Once
	connected atomic.Bool

	writerDone    chan struct{}
	heartbeatDone chan struct{}
}

// shutdown is idempotent and safe from any of the session goroutines.
// It does NOT close client.Send. Lifecycle cleanup runs before the client is
// closed, on a background context so teardown survives request cancellation.
func (s *wsSession) shutdown(code websocket.StatusCode, reason string, cause error) {
	s.closeOnce.Do(func() {
		if s.connected.Load() {
			dctx, dcancel := context.WithTimeout(context.Background(), wsTeardownTimeout)
			s.g.hub.Disconnect(dctx, s.client, cause)
			dcancel()
		}
		s.client.Close()
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

func (s *wsSession) runWriter() {
	defer close(s.writerDone)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case env := <-s.client.Send:
			if err := writeEnvelope(s.ctx, s.conn, env, s.g.writeTimeout); err != nil {
				s.g.log.Info("ws.write.fail", "handle", s.client.Handle, "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed", err)
				return
			}
		}
	}
}

func (s *wsSession) runHeartbeat() {
	defer close(s.heartbeatDone)

	t := time.NewTicker(s.g.heartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(s.ctx, s.g.heartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				s.g.log.Info("ws.ping.fail", "handle", s.client.Handle, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed", err)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// connect runs the hub lifecycle connect and answers the handshake. A revoked
// identity gets an explanatory message, not a silent close. Returns false when
// the session must not proceed to the read loop.
func (s *wsSession) connect() bool {
	if err := s.g.hub.Connect(s.ctx, s.client); err != nil {
		if errors.Is(err, ErrIdentityRevoked) {
			s.sendError("identity_revoked", "This identity no longer exists. Inactive for too long.")
			s.flush()
			s.shutdown(websocket.StatusPolicyViolation, "identity revoked", err)
			return false
		}
		s.sendError("server_error", "connection could not be established")
		s.flush()
		s.shutdown(websocket.StatusInternalError, "connect failed", err)
		return false
	}
	s.connected.Store(true)

	s.push(NewEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{Handle: s.client.Handle}))
	return true
}

func (s *wsSession) readLoop() {
	for {
		readCtx, readCancel := context.WithTimeout(s.ctx, s.g.readIdleTimeout)
		env, err := readEnvelope(readCtx, s.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				s.shutdown(websocket.StatusNormalClosure, "peer closed", nil)
				return
			case readErrCtxDone:
				s.shutdown(websocket.StatusNormalClosure, "context done", nil)
				return
			case readErrConnClosed:
				s.shutdown(websocket.StatusAbnormalClosure, "conn closed", nil)
				return
			case readErrBadJSON:
				s.sendError("bad_json", "invalid JSON")
				continue
			default:
				s.g.log.Info("ws.read.fail", "handle", s.client.Handle, "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "read failed", err)
				return
			}
		}

		if !s.limiter.Allow(time.Now().UTC()) {
			s.sendError("rate_limited", "too many events")
			s.shutdown(websocket.StatusPolicyViolation, "rate limited", nil)
			return
		}

		if err := env.ValidateInbound(); err != nil {
			if errors.Is(err, v1.ErrProtocolViolation) {
				// A client invoking a server-only push method loses the session.
				s.g.log.Warn("ws.protocol_violation", "handle", s.client.Handle, "uid", s.client.UID, "type", env.Type, "remote", s.client.Remote)
				s.sendError("protocol_violation", "server-only method")
				s.shutdown(websocket.StatusPolicyViolation, "protocol violation", err)
				return
			}
			s.sendError("bad_envelope", err.Error())
			continue
		}

		if err := s.g.dispatch(s.ctx, s.client, s.claims, env); err != nil {
			s.sendError(errorCode(err), err.Error())
		}
	}
}

// push enqueues without blocking; a full queue drops the envelope.
func (s *wsSession) push(env v1.Envelope) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-s.client.Done():
		return false
	case s.client.Send <- env:
		return true
	default:
		return false
	}
}

func (s *wsSession) sendError(code, msg string) {
	s.push(NewEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}))
}

// flush gives the writer a moment to deliver a final message before the
// connection closes.
func (s *wsSession) flush() {
	select {
	case <-s.writerDone:
	case <-time.After(wsFlushGrace):
	}
}

// requiredLevel maps each inbound type to the claim level its entry point needs.
func requiredLevel(typ string) ClaimLevel {
	switch typ {
	case v1.TypeHello, v1.TypeConnectionInfoGet:
		return ClaimIdentified
	default:
		return ClaimAuthenticated
	}
}

func (g *Gateway) dispatch(ctx context.Context, client *Client, claims Claims, env v1.Envelope) error {
	if !claims.Allows(requiredLevel(env.Type)) {
		return ErrClaimLevel
	}

	switch env.Type {
	case v1.TypeHello:
		// Handshake already answered by hello_ack after connect.
		return nil

	case v1.TypeHealthCheck:
		ack := g.hub.CheckHealth(ctx, client)
		g.enqueue(ctx, client, NewEnvelope(v1.TypeHealthAck, ack))
		return nil

	case v1.TypeConnectionInfoGet:
		info, err := g.hub.ConnectionInfo(ctx, client)
		if err != nil {
			return err
		}
		g.enqueue(ctx, client, NewEnvelope(v1.TypeConnectionInfo, info))
		return nil

	case v1.TypeDataPush:
		var p v1.DataPushPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		_, err := g.hub.DataPush(ctx, client, p)
		return err

	case v1.TypeRoomCreate:
		var p v1.RoomCreatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		if err := g.hub.RoomCreate(ctx, client, p); err != nil {
			return err
		}
		g.enqueue(ctx, client, NewEnvelope(v1.TypeRoomAck, v1.RoomAckPayload{RoomName: p.RoomName, Op: "create"}))
		return nil

	case v1.TypeRoomJoin:
		var p v1.RoomJoinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		if err := g.hub.RoomJoin(ctx, client, p); err != nil {
			return err
		}
		g.enqueue(ctx, client, NewEnvelope(v1.TypeRoomAck, v1.RoomAckPayload{RoomName: p.RoomName, Op: "join"}))
		return nil

	case v1.TypeRoomLeave:
		var p v1.RoomLeavePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		if err := g.hub.RoomLeave(ctx, client, p); err != nil {
			return err
		}
		g.enqueue(ctx, client, NewEnvelope(v1.TypeRoomAck, v1.RoomAckPayload{RoomName: p.RoomName, Op: "leave"}))
		return nil

	case v1.TypeRoomDeviceCommand:
		var p v1.RoomDeviceCommandPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		return g.hub.RoomDeviceCommand(ctx, client, p)

	default:
		return fmt.Errorf("unsupported type: %s", env.Type)
	}
}

// errorCode maps handler errors to wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrClaimLevel):
		return "claim_level"
	case errors.Is(err, rooms.ErrRoomConflict):
		return "room_conflict"
	case errors.Is(err, rooms.ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, rooms.ErrRoomFull):
		return "room_full"
	case errors.Is(err, rooms.ErrNoVibeAccess):
		return "no_vibe_access"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "bad_request"
	}
}

// enqueue is the non-blocking send used by dispatch replies.
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
	// We keep this strict: only hosts extracted from allowlist are accepted.
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
