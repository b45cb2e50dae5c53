// Package live implements the Live Session of spec.md §4.L: a long-lived
// client-side WebSocket connection to the BidiGenerateContent endpoint,
// grounded on the teacher's server-side mailbox/pump pattern
// (internal/gateway/ws_control_plane.go's send-channel write pump)
// adapted to a client dialer.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nshkrdotcom/gemini-go/apierror"
	"github.com/nshkrdotcom/gemini-go/auth"
	"github.com/nshkrdotcom/gemini-go/types"
)

const (
	pingInterval  = 20 * time.Second
	pongWait      = 45 * time.Second
	writeWait     = 10 * time.Second
	sendBuffer    = 64
	maxFrameBytes = 1 << 20
)

// Status is the session's place in the disconnected -> connecting ->
// ready -> closing -> closed state machine.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusReady
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ReconnectPolicy bounds reconnection attempts after a retryable
// transport error (spec.md §4.L, "Reconnection").
type ReconnectPolicy struct {
	Attempts int
	Delay    time.Duration
	Backoff  float64
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Attempts: 5, Delay: time.Second, Backoff: 2}
}

// SessionResumptionConfig carries a prior handle into the setup frame so
// the server can resume a session across a reconnect.
type SessionResumptionConfig struct {
	Handle string `json:"handle,omitempty"`
}

// SetupConfig is the body of the first frame sent on every connect
// (spec.md §4.L, "Connect").
type SetupConfig struct {
	Model                    string                   `json:"model"`
	GenerationConfig         *types.GenerationConfig  `json:"generationConfig,omitempty"`
	SystemInstruction        *types.Content           `json:"systemInstruction,omitempty"`
	Tools                    []types.Tool             `json:"tools,omitempty"`
	RealtimeInputConfig      map[string]any           `json:"realtimeInputConfig,omitempty"`
	SessionResumption        *SessionResumptionConfig `json:"sessionResumption,omitempty"`
	ContextWindowCompression map[string]any           `json:"contextWindowCompression,omitempty"`
	AudioTranscriptionConfig map[string]any           `json:"audioTranscriptionConfig,omitempty"`
	Proactivity              map[string]any           `json:"proactivity,omitempty"`
}

// ToolCall is an inbound request to invoke one or more registered tools.
type ToolCall struct {
	FunctionCalls []types.FunctionCall `json:"functionCalls"`
}

// ToolCallCancellation names previously requested calls that no longer
// need a response.
type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

// GoAway announces that the server is about to disconnect.
type GoAway struct {
	TimeLeftMs int64 `json:"timeLeft"`
}

// SessionResumptionUpdate carries a fresh resumption handle.
type SessionResumptionUpdate struct {
	NewHandle string `json:"newHandle"`
	Resumable bool   `json:"resumable"`
}

// ToolResponseResult is one reply to a prior ToolCall function call.
type ToolResponseResult struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Response any    `json:"response"`
}

// Callbacks groups every inbound dispatch hook (spec.md §4.L,
// "Receiving"). Each is optional; a nil callback silently drops that
// frame kind.
type Callbacks struct {
	OnServerContent           func(json.RawMessage)
	OnToolCall                func(ctx context.Context, call ToolCall) []ToolResponseResult
	OnToolCallCancellation    func(ToolCallCancellation)
	OnSessionResumptionUpdate func(SessionResumptionUpdate)
	OnGoAway                  func(frame GoAway, resumeHandle string)
	OnUsageMetadata           func(*types.UsageMetadata)

	// OnReconnect, if set, fires once per reconnect attempt with its
	// trigger ("transport_error" or "go_away") — package gemini wires it
	// to internal/telemetry.Metrics.RecordLiveReconnect.
	OnReconnect func(trigger string)

	// OnClose, if set, fires exactly once when the session reaches
	// StatusClosed, however that happened (explicit Close, a
	// non-retryable disconnect, or exhausted reconnect attempts) —
	// package gemini wires it to internal/telemetry.Metrics.DecLiveSessions.
	OnClose func()
}

// goAwayReconnectMargin is how far ahead of a goAway frame's time_left
// the auto-reconnect schedules itself, leaving enough slack to dial and
// complete the setup handshake before the server actually disconnects.
const goAwayReconnectMargin = 2 * time.Second

// Config is everything Dial needs to establish and run a session.
type Config struct {
	Backend   auth.Backend
	Strategy  auth.Strategy
	Creds     auth.Credentials
	Setup     SetupConfig
	Callbacks Callbacks
	Reconnect ReconnectPolicy

	// AutoReconnectOnGoAway is a supplemented feature: when set, a goAway
	// frame schedules a reconnect shortly before its time_left elapses,
	// using the stored resumption handle, instead of leaving the caller
	// to notice and redial.
	AutoReconnectOnGoAway bool
}

var errNonRetryableDial = errors.New("non-retryable dial error")

// retryableDialSubstrings mirrors spec.md §4.L's retryable transport-error
// list (timeout, closed, econnrefused, econnreset, etimedout,
// upgrade_timeout), widened with the phrasing Go's net package and
// gorilla/websocket actually produce for the same conditions.
var retryableDialSubstrings = []string{
	"timeout", "closed", "econnrefused", "connection refused",
	"econnreset", "reset by peer", "etimedout", "i/o timeout",
	"upgrade_timeout", "eof",
}

func isRetryableDialError(err error) bool {
	if err == nil || errors.Is(err, errNonRetryableDial) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, token := range retryableDialSubstrings {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

// connGeneration is one dial's live connection plus its own teardown
// signal. A new generation is created on every (re)connect so a stale
// pump from a prior connection can never be confused with the current
// one, and so tearing down generation N never races generation N+1.
type connGeneration struct {
	conn *websocket.Conn
	stop chan struct{}
	once sync.Once
}

func (g *connGeneration) teardown() {
	g.once.Do(func() {
		close(g.stop)
		_ = g.conn.Close()
	})
}

// Session is a long-lived client-side WebSocket connection implementing
// the BidiGenerateContent state machine. Every send, whether from the
// caller or from inside the read pump's own tool-call dispatch, posts to
// the same buffered mailbox channel that the write pump alone drains —
// so a tool callback that replies synchronously while still running on
// the read pump's goroutine can never deadlock against the connection.
type Session struct {
	cfg Config

	mu           sync.Mutex
	gen          *connGeneration
	queue        [][]byte
	resumeHandle string

	status atomic.Int32
	send   chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Dial validates cfg, opens the WebSocket connection (retrying per
// cfg.Reconnect on a retryable dial failure), and sends the setup frame.
// It returns once the frame is queued for send; StatusReady is reached
// asynchronously once setupComplete arrives.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Backend == auth.BackendVertex && strings.TrimSpace(cfg.Creds.ProjectID) == "" {
		return nil, apierror.New(apierror.KindMissingCredentials, "project_id_required_for_vertex_ai", nil)
	}
	if cfg.Reconnect == (ReconnectPolicy{}) {
		cfg.Reconnect = DefaultReconnectPolicy()
	}

	s := &Session{cfg: cfg, send: make(chan []byte, sendBuffer)}
	s.status.Store(int32(StatusDisconnected))
	if cfg.Setup.SessionResumption != nil {
		s.resumeHandle = cfg.Setup.SessionResumption.Handle
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.connect(ctx); err != nil {
		s.cancel()
		return nil, err
	}
	return s, nil
}

func (s *Session) Status() Status      { return Status(s.status.Load()) }
func (s *Session) setStatus(st Status) { s.status.Store(int32(st)) }

// setClosed moves the session to StatusClosed and fires OnClose exactly
// once, however the session got here (explicit Close, a non-retryable
// disconnect, or exhausted reconnect attempts).
func (s *Session) setClosed() {
	s.setStatus(StatusClosed)
	s.closeOnce.Do(func() {
		if cb := s.cfg.Callbacks.OnClose; cb != nil {
			cb()
		}
	})
}

// fireReconnect notifies OnReconnect, if set, that a reconnect is about
// to be attempted for the given trigger.
func (s *Session) fireReconnect(trigger string) {
	if cb := s.cfg.Callbacks.OnReconnect; cb != nil {
		cb(trigger)
	}
}

// ResumeHandle returns the most recently seen session resumption handle,
// for the caller to persist across process restarts.
func (s *Session) ResumeHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeHandle
}

func (s *Session) connect(ctx context.Context) error {
	s.setStatus(StatusConnecting)

	var lastErr error
	delay := s.cfg.Reconnect.Delay
	for attempt := 0; attempt <= s.cfg.Reconnect.Attempts; attempt++ {
		conn, err := s.dialOnce(ctx)
		if err == nil {
			gen := &connGeneration{conn: conn, stop: make(chan struct{})}
			s.mu.Lock()
			s.gen = gen
			s.mu.Unlock()
			go s.writePump(gen)
			go s.readPump(gen)
			return s.sendSetup()
		}

		lastErr = err
		if !isRetryableDialError(err) {
			s.setClosed()
			return apierror.New(apierror.KindTransportError, "live session dial rejected", err)
		}
		if attempt == s.cfg.Reconnect.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			s.setClosed()
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * s.cfg.Reconnect.Backoff)
	}

	s.setClosed()
	return apierror.New(apierror.KindTransportError, "live session dial failed after retries", lastErr)
}

func (s *Session) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := s.buildDialURL()
	if err != nil {
		return nil, err
	}
	headers, err := s.cfg.Strategy.Headers(ctx, s.cfg.Creds)
	if err != nil {
		return nil, err
	}
	if s.cfg.Backend == auth.BackendGeminiAPI {
		headers = headers.Clone()
		headers.Del("x-goog-api-key")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("upgrade rejected with status %d: %w", resp.StatusCode, errNonRetryableDial)
		}
		return nil, err
	}
	return conn, nil
}

// buildDialURL builds the WebSocket URL per spec.md §4.L: API-key
// strategy appends ?key=...; OAuth2 uses the strategy's
// projects/{...}/locations/{...}/ path as-is.
func (s *Session) buildDialURL() (string, error) {
	path := s.cfg.Strategy.Path(s.cfg.Setup.Model, "bidiGenerateContent", s.cfg.Creds)
	base := s.cfg.Strategy.BaseURL(s.cfg.Creds)

	var wsBase string
	switch {
	case strings.HasPrefix(base, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		wsBase = base
	}
	raw := strings.TrimSuffix(wsBase, "/") + "/" + path

	if s.cfg.Backend != auth.BackendGeminiAPI {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("key", s.cfg.Creds.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Session) sendSetup() error {
	data, err := json.Marshal(map[string]any{"setup": s.cfg.Setup})
	if err != nil {
		return err
	}
	return s.enqueueRaw(data)
}

// enqueueRaw posts data to the write pump's mailbox. It is the only path
// that ever touches the socket's writer, so calling it from inside the
// read pump's own goroutine (an auto tool_response) is always safe:
// the post is a send on the buffered mailbox, never a direct write. It
// waits only while the mailbox is full, until the write pump drains a
// slot or the session is cancelled.
func (s *Session) enqueueRaw(data []byte) error {
	select {
	case s.send <- data:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// sendFrame queues frame for send once Ready, or buffers it if the
// session hasn't finished its setup handshake yet (spec.md §4.L, "Setup
// ACK": "Until then, all send calls queue").
func (s *Session) sendFrame(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > maxFrameBytes {
		return apierror.New(apierror.KindInvalidRequest, "live frame exceeds max payload size", nil)
	}
	if s.Status() != StatusReady {
		s.mu.Lock()
		s.queue = append(s.queue, data)
		s.mu.Unlock()
		return nil
	}
	return s.enqueueRaw(data)
}

// SendClientContent appends turns to the conversation (spec.md §4.L,
// "client_content").
func (s *Session) SendClientContent(turns []types.Content, turnComplete bool) error {
	return s.sendFrame(map[string]any{
		"clientContent": map[string]any{"turns": turns, "turnComplete": turnComplete},
	})
}

// SendRealtimeInput delivers an out-of-turn input (spec.md §4.L,
// "realtime_input").
func (s *Session) SendRealtimeInput(input map[string]any) error {
	return s.sendFrame(map[string]any{"realtimeInput": input})
}

// SendToolResponse replies to one or more earlier toolCall frames
// (spec.md §4.L, "tool_response").
func (s *Session) SendToolResponse(responses []ToolResponseResult) error {
	return s.sendFrame(map[string]any{
		"toolResponse": map[string]any{"functionResponses": responses},
	})
}

// Close moves the session to closing, tears down the connection, and
// stops the session for good. The {"close": true} frame goes through
// sendFrame after the status has left ready, so it is only added to the
// pre-setup queue and is not written to the socket.
func (s *Session) Close() error {
	s.mu.Lock()
	if st := s.Status(); st == StatusClosed || st == StatusClosing {
		s.mu.Unlock()
		return nil
	}
	s.setStatus(StatusClosing)
	gen := s.gen
	s.mu.Unlock()

	_ = s.sendFrame(map[string]any{"close": true})
	if gen != nil {
		gen.teardown()
	}
	s.cancel()
	s.setClosed()
	return nil
}

func (s *Session) writePump(gen *connGeneration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			gen.teardown()
			return
		case <-gen.stop:
			return
		case data, ok := <-s.send:
			if !ok {
				gen.teardown()
				return
			}
			_ = gen.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := gen.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				gen.teardown()
				s.onDisconnect(gen, err)
				return
			}
		case <-ticker.C:
			_ = gen.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := gen.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				gen.teardown()
				s.onDisconnect(gen, err)
				return
			}
		}
	}
}

func (s *Session) readPump(gen *connGeneration) {
	gen.conn.SetReadLimit(maxFrameBytes)
	_ = gen.conn.SetReadDeadline(time.Now().Add(pongWait))
	gen.conn.SetPongHandler(func(string) error {
		return gen.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := gen.conn.ReadMessage()
		if err != nil {
			gen.teardown()
			s.onDisconnect(gen, err)
			return
		}
		s.dispatch(data)
	}
}

// onDisconnect reacts to gen's connection ending. A stale generation
// (superseded by a later reconnect) or a session already closing is a
// no-op; otherwise a retryable error schedules a reconnect and anything
// else closes the session for good.
func (s *Session) onDisconnect(gen *connGeneration, err error) {
	s.mu.Lock()
	current := s.gen == gen
	closing := s.Status() == StatusClosing || s.Status() == StatusClosed
	s.mu.Unlock()
	if !current || closing {
		return
	}

	if !isRetryableDialError(err) {
		s.setClosed()
		return
	}
	s.fireReconnect("transport_error")
	go s.reconnect()
}

func (s *Session) reconnect() {
	s.mu.Lock()
	if s.resumeHandle != "" {
		if s.cfg.Setup.SessionResumption == nil {
			s.cfg.Setup.SessionResumption = &SessionResumptionConfig{}
		}
		s.cfg.Setup.SessionResumption.Handle = s.resumeHandle
	}
	s.mu.Unlock()

	if err := s.connect(context.Background()); err != nil {
		s.setClosed()
	}
}

// inboundFrame discriminates an inbound message by which field is
// present, mirroring the teacher's wsFrame decode-then-switch shape.
type inboundFrame struct {
	SetupComplete           json.RawMessage          `json:"setupComplete"`
	ServerContent           json.RawMessage          `json:"serverContent"`
	ToolCall                *ToolCall                `json:"toolCall"`
	ToolCallCancellation    *ToolCallCancellation    `json:"toolCallCancellation"`
	SessionResumptionUpdate *SessionResumptionUpdate `json:"sessionResumptionUpdate"`
	GoAway                  *GoAway                  `json:"goAway"`
	UsageMetadata           *types.UsageMetadata     `json:"usageMetadata"`
}

func (s *Session) dispatch(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	switch {
	case frame.SetupComplete != nil:
		s.handleSetupComplete()
	case frame.ServerContent != nil:
		if cb := s.cfg.Callbacks.OnServerContent; cb != nil {
			cb(frame.ServerContent)
		}
	case frame.ToolCall != nil:
		s.handleToolCall(*frame.ToolCall)
	case frame.ToolCallCancellation != nil:
		if cb := s.cfg.Callbacks.OnToolCallCancellation; cb != nil {
			cb(*frame.ToolCallCancellation)
		}
	case frame.SessionResumptionUpdate != nil:
		s.mu.Lock()
		s.resumeHandle = frame.SessionResumptionUpdate.NewHandle
		s.mu.Unlock()
		if cb := s.cfg.Callbacks.OnSessionResumptionUpdate; cb != nil {
			cb(*frame.SessionResumptionUpdate)
		}
	case frame.GoAway != nil:
		s.handleGoAway(*frame.GoAway)
	case frame.UsageMetadata != nil:
		if cb := s.cfg.Callbacks.OnUsageMetadata; cb != nil {
			cb(frame.UsageMetadata)
		}
	}
}

func (s *Session) handleSetupComplete() {
	s.mu.Lock()
	s.setStatus(StatusReady)
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, data := range pending {
		_ = s.enqueueRaw(data)
	}
}

// handleToolCall runs the tool callback synchronously on the read
// pump's goroutine, then posts any replies through the mailbox
// (spec.md §4.L: "the send path is asynchronous... rather than a
// blocking self-call").
func (s *Session) handleToolCall(call ToolCall) {
	cb := s.cfg.Callbacks.OnToolCall
	if cb == nil {
		return
	}
	responses := cb(s.ctx, call)
	if len(responses) == 0 {
		return
	}
	_ = s.SendToolResponse(responses)
}

// handleGoAway reacts to a goAway frame. When AutoReconnectOnGoAway is
// set, it schedules a reconnect shortly before time_left elapses rather
// than immediately, and tears down the current generation right before
// redialing — never alongside it — so the stale generation's pumps can
// never race the new connection's pumps on the shared send mailbox.
func (s *Session) handleGoAway(frame GoAway) {
	s.mu.Lock()
	handle := s.resumeHandle
	gen := s.gen
	s.mu.Unlock()

	if cb := s.cfg.Callbacks.OnGoAway; cb != nil {
		cb(frame, handle)
	}
	if !s.cfg.AutoReconnectOnGoAway {
		return
	}

	delay := time.Duration(frame.TimeLeftMs) * time.Millisecond
	if delay > goAwayReconnectMargin {
		delay -= goAwayReconnectMargin
	} else {
		delay = 0
	}

	s.fireReconnect("go_away")
	go func() {
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}

		s.mu.Lock()
		current := s.gen == gen
		closing := s.Status() == StatusClosing || s.Status() == StatusClosed
		if current && !closing {
			// Detach gen before tearing it down, so the disconnect its read
			// pump reports is treated as stale rather than starting a
			// second reconnect alongside this one.
			s.gen = nil
		}
		s.mu.Unlock()
		if !current || closing {
			return
		}

		if gen != nil {
			gen.teardown()
		}
		if err := s.connect(context.Background()); err != nil {
			s.setClosed()
		}
	}()
}
