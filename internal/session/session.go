// Package session composes admission, transport, capture, dispatch, and
// playback into one live streaming lifecycle.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auralis-ai/auralis/internal/capture"
	"github.com/auralis-ai/auralis/internal/dispatch"
	"github.com/auralis-ai/auralis/internal/fallback"
	"github.com/auralis-ai/auralis/internal/media"
	"github.com/auralis-ai/auralis/internal/observe"
	"github.com/auralis-ai/auralis/internal/playback"
	"github.com/auralis-ai/auralis/internal/quota"
	"github.com/auralis-ai/auralis/internal/ratelimit"
	"github.com/auralis-ai/auralis/internal/transport"
	"github.com/auralis-ai/auralis/internal/usage"
)

// Status is the session lifecycle state.
type Status int

const (
	Idle Status = iota
	Connecting
	Connected
	Streaming
	TurnComplete
	Error
	Closed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Streaming:
		return "streaming"
	case TurnComplete:
		return "turn-complete"
	case Error:
		return "error"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Text returns the human-readable status line shown to the end user. Raw
// protocol errors never appear here.
func (s Status) Text() string {
	switch s {
	case Idle:
		return "Ready"
	case Connecting:
		return "Connecting…"
	case Connected:
		return "Connected"
	case Streaming:
		return "Listening…"
	case TurnComplete:
		return "Paused"
	case Error:
		return "Something went wrong"
	case Closed:
		return "Session ended"
	}
	return ""
}

// ErrNotConnected is returned by operations that need an open transport.
var ErrNotConnected = errors.New("session: not connected")

// Conn is the duplex transport a session talks through. *transport.Client
// satisfies it; tests substitute fakes.
type Conn interface {
	OnFrame(transport.FrameHandler)
	OnClose(transport.CloseHandler)
	Connect(ctx context.Context) error
	SendMediaChunk(chunk media.Chunk) error
	SendTextTurn(text string) error
	SendToolResponse(id, name string, result map[string]any) error
	Close() error
}

var _ Conn = (*transport.Client)(nil)

// Dial creates a fresh transport for one session. Called at most once per
// session, after admission has allowed the connect.
type Dial func() Conn

// Admitter runs the pre-connect admission check. *admission.Guard satisfies
// it via a thin adapter in the app package; tests substitute fakes.
type Admitter interface {
	Authorize(ctx context.Context, sessionID, token, feature string, estimatedTokens int) error
}

// ToolHandler executes one tool call requested by the model and returns its
// result payload.
type ToolHandler func(ctx context.Context, call dispatch.ToolCall) (map[string]any, error)

// StatusFunc observes every lifecycle transition.
type StatusFunc func(s Status, lastErr string)

// DebitFunc commits spent tokens against a durable budget store. Failures
// are logged, not fatal: the in-memory ledger remains authoritative for the
// session's own admission checks.
type DebitFunc func(ctx context.Context, tokens int64) error

// Deps are the collaborators a [Session] composes. Guard, Limiter, Ledger,
// Dial, and Recorder are required; the rest are optional.
type Deps struct {
	Guard    Admitter
	Limiter  *ratelimit.Limiter
	Ledger   *quota.Ledger
	Dial     Dial
	Recorder usage.Recorder

	Player    *playback.Engine
	Responder fallback.Responder
	OnTool    ToolHandler
	OnStatus  StatusFunc
	Capture   []capture.Option
	Metrics   *observe.Metrics
	Debit     DebitFunc
	Log       *slog.Logger
}

// Session is one connect-to-close lifecycle of the live streaming feature.
// At most one transport is open per session at a time.
type Session struct {
	id            string
	token         string
	feature       string
	correlationID string

	guard      Admitter
	limiter    *ratelimit.Limiter
	ledger     *quota.Ledger
	dial       Dial
	recorder   usage.Recorder
	player     *playback.Engine
	responder  fallback.Responder
	onTool     ToolHandler
	onStatus   StatusFunc
	metrics    *observe.Metrics
	debit      DebitFunc
	log        *slog.Logger
	dispatcher *dispatch.Dispatcher
	pipeline   *capture.Pipeline

	mu          sync.Mutex
	status      Status
	lastErr     string
	conn        Conn
	handle      *capture.Handle
	degraded    bool
	turnStarted time.Time

	failureOnce sync.Once
	cleanupOnce sync.Once
}

// New creates an idle session. feature names the budget scope this session
// spends against.
func New(id, token, feature string, deps Deps) *Session {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	correlationID := uuid.NewString()
	s := &Session{
		id:            id,
		token:         token,
		feature:       feature,
		correlationID: correlationID,
		guard:         deps.Guard,
		limiter:       deps.Limiter,
		ledger:        deps.Ledger,
		dial:          deps.Dial,
		recorder:      deps.Recorder,
		player:        deps.Player,
		responder:     deps.Responder,
		onTool:        deps.OnTool,
		onStatus:      deps.OnStatus,
		metrics:       deps.Metrics,
		debit:         deps.Debit,
		log:           log.With("session_id", id, "correlation_id", correlationID),
		dispatcher:    dispatch.New(),
		status:        Idle,
	}
	captureOpts := append([]capture.Option{
		capture.WithLogger(s.log),
		capture.WithRevokedFunc(s.onCaptureRevoked),
	}, deps.Capture...)
	s.pipeline = capture.NewPipeline(s.sendChunk, captureOpts...)
	s.dispatcher.Subscribe(s.onEvent)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Status reports the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError returns the most recent user-facing error string, empty when the
// session is healthy.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Subscribe registers fn for every inbound event of this session. Subscribers
// receive no events after the closing event.
func (s *Session) Subscribe(fn dispatch.Subscriber) {
	s.dispatcher.Subscribe(fn)
}

// Connect runs admission and opens the transport. A denial leaves the
// session in the error state with no transport created.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.status != Idle {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("session: connect from %s state", status)
	}
	s.status = Connecting
	s.mu.Unlock()
	s.notifyStatus()

	if err := s.guard.Authorize(ctx, s.id, s.token, s.feature, 0); err != nil {
		s.toError(fmt.Errorf("admission denied: %w", err))
		return err
	}

	conn := s.dial()
	conn.OnFrame(s.dispatcher.OnFrame)
	conn.OnClose(s.onTransportClosed)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		s.toError(fmt.Errorf("connect: %w", err))
		return err
	}

	s.mu.Lock()
	if s.status == Connecting {
		s.status = Connected
	}
	s.mu.Unlock()
	s.notifyStatus()

	s.record(slog.LevelInfo, "session connected", 0, 0, true)
	return nil
}

// StartCapture begins paced media capture from src. Valid in the connected
// and turn-complete states.
func (s *Session) StartCapture(ctx context.Context, src capture.Source) error {
	s.mu.Lock()
	switch s.status {
	case Connected, TurnComplete, Streaming:
	default:
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: capture from %s state", ErrNotConnected, status)
	}
	s.mu.Unlock()

	h, err := s.pipeline.Start(ctx, src)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.handle = h
	s.status = Streaming
	s.turnStarted = time.Now()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveCaptures.Add(ctx, 1)
	}
	s.notifyStatus()
	return nil
}

// StopCapture halts the active capture, if any. Idempotent.
func (s *Session) StopCapture() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h != nil {
		h.Stop()
		if s.metrics != nil {
			s.metrics.ActiveCaptures.Add(context.Background(), -1)
		}
	}
}

// SendText submits one user text turn. In degraded mode the turn goes to the
// fallback responder instead of the dead transport, and the reply is
// dispatched as ordinary inbound events.
func (s *Session) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	degraded := s.degraded
	conn := s.conn
	s.mu.Unlock()

	if degraded {
		return s.respondViaFallback(ctx, text)
	}
	if conn == nil {
		return ErrNotConnected
	}

	if d := s.limiter.CheckAndConsume("text:" + s.id); !d.Allowed {
		return fmt.Errorf("session: text turn rate limited until %s", d.ResetAt.Format(time.RFC3339))
	}
	if err := s.ledger.Check(s.feature, estimateTokens(text)); err != nil {
		return err
	}

	s.mu.Lock()
	s.turnStarted = time.Now()
	s.mu.Unlock()
	return conn.SendTextTurn(text)
}

// RecordUsage commits one completed unit of work to the ledger and the usage
// sink. Counters are mutated here, never during admission checks.
func (s *Session) RecordUsage(message string, tokens int64, cost float64, success bool) {
	s.ledger.Record(s.feature, int(tokens))
	if s.debit != nil && tokens > 0 {
		if err := s.debit(context.Background(), tokens); err != nil {
			s.log.Warn("budget debit failed", "tokens", tokens, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordUsageTokens(context.Background(), s.feature, tokens)
	}
	level := slog.LevelInfo
	if !success {
		level = slog.LevelError
	}
	s.record(level, message, tokens, cost, success)
}

// Cleanup releases every resource the session acquired in any prior state.
// Terminal and idempotent.
func (s *Session) Cleanup() {
	s.cleanupOnce.Do(func() {
		s.StopCapture()
		if s.player != nil {
			s.player.Stop()
		}

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.status = Closed
		s.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				s.log.Warn("transport close failed", "error", err)
			}
		}
		s.dispatcher.Close(nil)
		s.notifyStatus()
		s.record(slog.LevelInfo, "session closed", 0, 0, true)
	})
}

// ── Internal transitions ──────────────────────────────────────────────────────

// sendChunk is the capture pipeline's emit target: validate, consume a rate
// slot, transmit.
func (s *Session) sendChunk(chunk media.Chunk) error {
	kind := chunkKind(chunk)
	if err := media.Validate(chunk); err != nil {
		s.dropChunk(kind, "invalid")
		return err
	}
	if d := s.limiter.CheckAndConsume("media:" + s.id); !d.Allowed {
		s.dropChunk(kind, "rate-limited")
		return fmt.Errorf("session: media send rate limited, %d remaining", d.Remaining)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.dropChunk(kind, "no-transport")
		return ErrNotConnected
	}
	if err := conn.SendMediaChunk(chunk); err != nil {
		s.dropChunk(kind, "transport")
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordChunkSent(context.Background(), kind)
	}
	return nil
}

func (s *Session) dropChunk(kind, reason string) {
	if s.metrics != nil {
		s.metrics.RecordChunkDropped(context.Background(), kind, reason)
	}
}

func chunkKind(chunk media.Chunk) string {
	if media.IsAudioMIME(chunk.MIMEType) {
		return "audio"
	}
	return "video"
}

// onEvent is the session's own subscription to inbound events.
func (s *Session) onEvent(ev dispatch.Event) {
	switch ev := ev.(type) {
	case dispatch.AudioFragment:
		if s.player == nil {
			return
		}
		if err := s.player.Play(ev.Payload, ev.MIMEType); err != nil {
			s.log.Warn("playback rejected fragment", "error", err)
		}
	case dispatch.ToolInvocation:
		s.handleTools(ev)
	case dispatch.TurnComplete:
		s.mu.Lock()
		if s.status == Streaming || s.status == Connected {
			s.status = TurnComplete
		}
		started := s.turnStarted
		s.turnStarted = time.Time{}
		s.mu.Unlock()
		if s.metrics != nil && !started.IsZero() {
			s.metrics.TurnDuration.Record(context.Background(), time.Since(started).Seconds())
		}
		s.notifyStatus()
	case dispatch.ErrorEvent:
		s.log.Warn("server reported error", "error", ev.Err)
	}
}

func (s *Session) handleTools(inv dispatch.ToolInvocation) {
	if s.onTool == nil {
		s.log.Warn("tool invocation with no handler registered", "calls", len(inv.Calls))
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, call := range inv.Calls {
		result, err := s.onTool(ctx, call)
		if err != nil {
			s.log.Warn("tool call failed", "tool", call.Name, "error", err)
			result = map[string]any{"error": err.Error()}
		}
		if err := conn.SendToolResponse(call.ID, call.Name, result); err != nil {
			s.log.Warn("tool response send failed", "tool", call.Name, "error", err)
			return
		}
	}
}

// onTransportClosed reacts to the transport terminating. A caller-initiated
// close arrives with a nil error and is handled by Cleanup; anything else is
// a transport failure.
func (s *Session) onTransportClosed(err error) {
	if err == nil {
		return
	}
	s.toError(fmt.Errorf("transport failed: %w", err))
}

// toError stops capture and playback, records the failure exactly once, and
// arms the fallback path.
func (s *Session) toError(cause error) {
	s.mu.Lock()
	if s.status == Closed {
		s.mu.Unlock()
		return
	}
	s.status = Error
	s.lastErr = userFacing(cause)
	s.degraded = s.responder != nil
	s.mu.Unlock()

	s.StopCapture()
	if s.player != nil {
		s.player.Stop()
	}

	s.failureOnce.Do(func() {
		s.log.Error("session failed", "error", cause)
		if s.metrics != nil {
			s.metrics.SessionFailures.Add(context.Background(), 1)
		}
		s.record(slog.LevelError, cause.Error(), 0, 0, false)
	})
	s.notifyStatus()
}

// respondViaFallback serves one text turn through the non-streaming
// responder and replays the reply as inbound events.
func (s *Session) respondViaFallback(ctx context.Context, text string) error {
	reply, err := s.responder.Respond(ctx, text)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordFallback(ctx, "error")
		}
		return fmt.Errorf("session: fallback respond: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordFallback(ctx, "ok")
	}
	s.RecordUsage("fallback turn", reply.Tokens, 0, true)
	s.dispatcher.OnFrame(syntheticTextFrame(reply.Text))
	return nil
}

func (s *Session) onCaptureRevoked(kind capture.Kind) {
	s.log.Info("capture ended by device", "kind", kind.String())
	s.mu.Lock()
	had := s.handle != nil
	s.handle = nil
	if s.status == Streaming {
		s.status = Connected
	}
	s.mu.Unlock()
	if had && s.metrics != nil {
		s.metrics.ActiveCaptures.Add(context.Background(), -1)
	}
	s.notifyStatus()
}

func (s *Session) notifyStatus() {
	if s.onStatus == nil {
		return
	}
	s.mu.Lock()
	status, lastErr := s.status, s.lastErr
	s.mu.Unlock()
	s.onStatus(status, lastErr)
}

func (s *Session) record(level slog.Level, message string, tokens int64, cost float64, success bool) {
	rec := usage.Record{
		CorrelationID: s.correlationID,
		SessionID:     s.id,
		Level:         level,
		Message:       message,
		Feature:       s.feature,
		Tokens:        tokens,
		Cost:          cost,
		Success:       success,
		Timestamp:     time.Now(),
	}
	if err := s.recorder.Record(context.Background(), rec); err != nil {
		s.log.Warn("usage record dropped", "error", err)
	}
}

// syntheticTextFrame wraps a fallback reply in the inbound wire shape so
// subscribers see it as a regular model turn.
func syntheticTextFrame(text string) []byte {
	frame := map[string]any{
		"serverContent": map[string]any{
			"modelTurn":    map[string]any{"parts": []map[string]any{{"text": text}}},
			"turnComplete": true,
		},
	}
	raw, _ := json.Marshal(frame)
	return raw
}

// userFacing reduces an internal error to the string shown to the end user.
func userFacing(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "The connection timed out."
	case errors.Is(err, quota.ErrBudgetExceeded):
		return "Your usage budget for this session is exhausted."
	default:
		return "The live connection was interrupted."
	}
}

// estimateTokens approximates the token cost of a text turn.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
