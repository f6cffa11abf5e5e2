package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/auralis-ai/auralis/internal/capture"
	"github.com/auralis-ai/auralis/internal/dispatch"
	"github.com/auralis-ai/auralis/internal/fallback"
	"github.com/auralis-ai/auralis/internal/media"
	"github.com/auralis-ai/auralis/internal/quota"
	"github.com/auralis-ai/auralis/internal/ratelimit"
	"github.com/auralis-ai/auralis/internal/transport"
	"github.com/auralis-ai/auralis/internal/usage"
)

// fakeConn records everything sent through it.
type fakeConn struct {
	mu         sync.Mutex
	frameH     transport.FrameHandler
	closeH     transport.CloseHandler
	connectErr error
	chunks     []media.Chunk
	texts      []string
	toolIDs    []string
	closes     int
}

func (c *fakeConn) OnFrame(h transport.FrameHandler) { c.frameH = h }
func (c *fakeConn) OnClose(h transport.CloseHandler) { c.closeH = h }

func (c *fakeConn) Connect(context.Context) error { return c.connectErr }

func (c *fakeConn) SendMediaChunk(chunk media.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
	return nil
}

func (c *fakeConn) SendTextTurn(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *fakeConn) SendToolResponse(id, _ string, _ map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolIDs = append(c.toolIDs, id)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) sentChunks() []media.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.Chunk(nil), c.chunks...)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fail simulates a transport failure from the receive loop.
func (c *fakeConn) fail(err error) { c.closeH(err) }

// deliver pushes a raw inbound frame, as the receive loop would.
func (c *fakeConn) deliver(raw []byte) { c.frameH(raw) }

type fakeGuard struct {
	err   error
	calls int
}

func (g *fakeGuard) Authorize(context.Context, string, string, string, int) error {
	g.calls++
	return g.err
}

type stubResponder struct {
	reply fallback.Reply
	err   error
}

func (s *stubResponder) Respond(context.Context, string) (fallback.Reply, error) {
	return s.reply, s.err
}

// steadySource emits one small audio frame per read.
type steadySource struct {
	mu     sync.Mutex
	closed bool
}

func (s *steadySource) Kind() capture.Kind { return capture.Microphone }

func (s *steadySource) Read(ctx context.Context) (capture.Frame, error) {
	if err := ctx.Err(); err != nil {
		return capture.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return capture.Frame{}, io.EOF
	}
	return capture.Frame{MIMEType: "audio/pcm;rate=16000", Payload: make([]byte, 320)}, nil
}

func (s *steadySource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type env struct {
	guard     *fakeGuard
	conn      *fakeConn
	recorder  *usage.MemoryRecorder
	dials     int
	responder fallback.Responder
	statuses  []Status
	mu        sync.Mutex
}

func (e *env) session(t *testing.T, id string) *Session {
	t.Helper()
	deps := Deps{
		Guard:    e.guard,
		Limiter:  ratelimit.New(ratelimit.Config{WindowDuration: time.Minute, MaxRequests: 1000}),
		Ledger:   quota.NewLedger(map[string]quota.Budget{"chat": {MaxTokens: 10000, MaxRequests: 100}}, 100000),
		Recorder: e.recorder,
		Dial: func() Conn {
			e.dials++
			return e.conn
		},
		Responder: e.responder,
		Capture:   []capture.Option{capture.WithIntervals(time.Millisecond, time.Millisecond)},
		OnStatus: func(s Status, _ string) {
			e.mu.Lock()
			e.statuses = append(e.statuses, s)
			e.mu.Unlock()
		},
	}
	return New(id, "token-1", "chat", deps)
}

func newEnv() *env {
	return &env{guard: &fakeGuard{}, conn: &fakeConn{}, recorder: &usage.MemoryRecorder{}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestConnect_AdmissionDeniedCreatesNoTransport(t *testing.T) {
	e := newEnv()
	e.guard.err = &quota.BudgetError{Scope: "chat"}
	s := e.session(t, "s-1")

	err := s.Connect(context.Background())
	if scope, ok := quota.Exceeded(err); !ok || scope != "chat" {
		t.Fatalf("err = %v, want BudgetExceeded(chat)", err)
	}
	if e.dials != 0 {
		t.Fatalf("transport dialed %d times on denial", e.dials)
	}
	if got := s.Status(); got != Error {
		t.Fatalf("status = %v, want Error", got)
	}
}

func TestConnect_SuccessReachesConnected(t *testing.T) {
	e := newEnv()
	s := e.session(t, "s-1")

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := s.Status(); got != Connected {
		t.Fatalf("status = %v, want Connected", got)
	}
	if e.dials != 1 {
		t.Fatalf("dials = %d, want 1", e.dials)
	}

	recs := e.recorder.Records()
	if len(recs) != 1 || !recs[0].Success {
		t.Fatalf("records = %+v, want one success record", recs)
	}
}

func TestConnect_SecondConnectRejected(t *testing.T) {
	e := newEnv()
	s := e.session(t, "s-1")

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("second Connect succeeded")
	}
	if e.dials != 1 {
		t.Fatalf("dials = %d, want 1: a session owns at most one transport", e.dials)
	}
}

func TestStartCapture_ChunksFlowInOrder(t *testing.T) {
	e := newEnv()
	s := e.session(t, "s-1")
	defer s.Cleanup()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.StartCapture(context.Background(), &steadySource{}); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if got := s.Status(); got != Streaming {
		t.Fatalf("status = %v, want Streaming", got)
	}

	waitFor(t, func() bool { return len(e.conn.sentChunks()) >= 3 })
	s.StopCapture()
	s.StopCapture()

	for i, c := range e.conn.sentChunks() {
		if c.Seq != uint64(i) {
			t.Fatalf("chunk %d has seq %d", i, c.Seq)
		}
	}
}

func TestStartCapture_RequiresConnection(t *testing.T) {
	e := newEnv()
	s := e.session(t, "s-1")

	if err := s.StartCapture(context.Background(), &steadySource{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestTransportFailure_StopsStreamRecordsOnce(t *testing.T) {
	e := newEnv()
	s := e.session(t, "s-1")
	defer s.Cleanup()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.StartCapture(context.Background(), &steadySource{}); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	e.conn.fail(errors.New("connection reset"))
	e.conn.fail(errors.New("connection reset"))

	if got := s.Status(); got != Error {
		t.Fatalf("status = %v, want Error", got)
	}

	failures := 0
	for _, r := range e.recorder.Records() {
		if !r.Success {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("got %d failure records, want exactly 1", failures)
	}

	// The capture cadence is gone: no new chunks arrive.
	n := len(e.conn.sentChunks())
	time.Sleep(20 * time.Millisecond)
	if got := len(e.conn.sentChunks()); got != n {
		t.Fatalf("chunks kept flowing after failure: %d -> %d", n, got)
	}
}

func TestTransportFailure_FallbackServesTextTurns(t *testing.T) {
	e := newEnv()
	e.responder = &stubResponder{reply: fallback.Reply{Text: "fallback answer", Tokens: 7}}
	s := e.session(t, "s-1")
	defer s.Cleanup()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var events []dispatch.Event
	var mu sync.Mutex
	s.Subscribe(func(ev dispatch.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	e.conn.fail(errors.New("connection reset"))
	if err := s.SendText(context.Background(), "hello?"); err != nil {
		t.Fatalf("SendText in degraded mode: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("got %d events, want TextFragment then TurnComplete: %#v", len(events), events)
	}
	if tf, ok := events[0].(dispatch.TextFragment); !ok || tf.Text != "fallback answer" {
		t.Fatalf("event 0 = %#v", events[0])
	}
	if _, ok := events[1].(dispatch.TurnComplete); !ok {
		t.Fatalf("event 1 = %#v", events[1])
	}
	if len(e.conn.texts) != 0 {
		t.Fatalf("degraded turn reached the dead transport: %v", e.conn.texts)
	}
}

func TestInboundToolCall_AnsweredThroughTransport(t *testing.T) {
	e := newEnv()

	called := make(chan dispatch.ToolCall, 1)
	deps := Deps{
		Guard:    e.guard,
		Limiter:  ratelimit.New(ratelimit.Config{WindowDuration: time.Minute, MaxRequests: 1000}),
		Ledger:   quota.NewLedger(nil, 0),
		Recorder: e.recorder,
		Dial:     func() Conn { return e.conn },
		OnTool: func(_ context.Context, call dispatch.ToolCall) (map[string]any, error) {
			called <- call
			return map[string]any{"answer": 42}, nil
		},
	}
	s := New("s-tools", "token-1", "chat", deps)
	defer s.Cleanup()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	e.conn.deliver([]byte(`{"toolCall":{"functionCalls":[{"id":"c7","name":"lookup","args":{"q":"x"}}]}}`))

	select {
	case call := <-called:
		if call.Name != "lookup" {
			t.Fatalf("tool = %q", call.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("tool handler not invoked")
	}
	if len(e.conn.toolIDs) != 1 || e.conn.toolIDs[0] != "c7" {
		t.Fatalf("tool responses = %v", e.conn.toolIDs)
	}
}

func TestTurnComplete_PausesSession(t *testing.T) {
	e := newEnv()
	s := e.session(t, "s-1")
	defer s.Cleanup()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.StartCapture(context.Background(), &steadySource{}); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	e.conn.deliver([]byte(`{"serverContent":{"turnComplete":true}}`))
	if got := s.Status(); got != TurnComplete {
		t.Fatalf("status = %v, want TurnComplete", got)
	}
	if got := s.Status().Text(); got != "Paused" {
		t.Fatalf("status text = %q", got)
	}

	// Resuming capture is allowed from turn-complete.
	s.StopCapture()
	if err := s.StartCapture(context.Background(), &steadySource{}); err != nil {
		t.Fatalf("resume capture: %v", err)
	}
}

func TestCleanup_IdempotentAndTerminal(t *testing.T) {
	e := newEnv()
	s := e.session(t, "s-1")

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var closedEvents int
	s.Subscribe(func(ev dispatch.Event) {
		if _, ok := ev.(dispatch.ClosedEvent); ok {
			closedEvents++
		}
	})

	s.Cleanup()
	s.Cleanup()

	if got := s.Status(); got != Closed {
		t.Fatalf("status = %v, want Closed", got)
	}
	if e.conn.closeCount() != 1 {
		t.Fatalf("transport closed %d times, want 1", e.conn.closeCount())
	}
	if closedEvents != 1 {
		t.Fatalf("got %d ClosedEvents, want 1", closedEvents)
	}

	// Nothing is dispatched after the closing event.
	e.conn.deliver([]byte(`{"serverContent":{"turnComplete":true}}`))
	if got := s.Status(); got != Closed {
		t.Fatalf("status moved after Cleanup: %v", got)
	}
}

func TestRecordUsage_CommitsLedgerAndSink(t *testing.T) {
	e := newEnv()
	s := e.session(t, "s-1")
	defer s.Cleanup()

	s.RecordUsage("turn complete", 120, 0.004, true)

	recs := e.recorder.Records()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Tokens != 120 || recs[0].Feature != "chat" || !recs[0].Success {
		t.Fatalf("record = %+v", recs[0])
	}
	if recs[0].CorrelationID == "" {
		t.Fatal("record missing correlation id")
	}
}

func TestRecordUsage_DebitsBudgetStore(t *testing.T) {
	e := newEnv()
	s := e.session(t, "s-1")
	defer s.Cleanup()

	var debited int64
	s.debit = func(_ context.Context, tokens int64) error {
		debited += tokens
		return nil
	}

	s.RecordUsage("turn complete", 120, 0.004, true)
	s.RecordUsage("session closed", 0, 0, true)

	if debited != 120 {
		t.Fatalf("debited %d tokens, want 120 (zero-token records skip the store)", debited)
	}
}
