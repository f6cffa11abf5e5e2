// Package transport owns the persistent duplex connection to the live
// inference endpoint.
//
// A [Client] moves through idle → connecting → open → closing → closed, with
// error reachable from connecting and open. While the connection is not yet
// open, sends are enqueued in a FIFO that is drained strictly in arrival
// order once the setup frame has gone out. Binary payloads are base64-encoded
// at this boundary and decoded symmetrically on receipt by the dispatcher.
//
// The client never reconnects on its own: a transport error is surfaced to
// the orchestrator, which decides whether to degrade to the non-streaming
// fallback mode.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/auralis-ai/auralis/internal/media"
)

// State is the connection lifecycle state of a [Client].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by send methods after the client has been closed or
// has failed.
var ErrClosed = errors.New("transport closed")

const (
	defaultConnectTimeout = 15 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ToolDeclaration describes one tool offered to the model in the setup frame.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SetupParams is the session configuration declared in the initial setup
// frame, before any media is transmitted.
type SetupParams struct {
	// ResponseModalities lists the requested output modalities ("text",
	// "audio").
	ResponseModalities []string

	// SystemInstruction is the session-level system prompt. Optional.
	SystemInstruction string

	// Tools are the tool declarations offered to the model. Optional.
	Tools []ToolDeclaration

	// Voice selects the synthesised voice. Optional.
	Voice string

	// Temperature is the sampling temperature. Zero means model default.
	Temperature float64
}

// Config configures a [Client].
type Config struct {
	// Endpoint is the WebSocket URL of the live service.
	Endpoint string

	// APIKey authenticates the connection.
	APIKey string

	// Model is the model identifier declared in the setup frame.
	Model string

	// ConnectTimeout bounds Connect. Default: 15s.
	ConnectTimeout time.Duration

	// Setup is sent as the first frame after the socket opens.
	Setup SetupParams
}

// FrameHandler receives each raw inbound frame. It is invoked from the
// client's receive goroutine and must not block.
type FrameHandler func(raw []byte)

// CloseHandler is invoked exactly once when the connection terminates. err is
// nil for a caller-initiated close and non-nil for a transport failure or an
// unexpected remote close.
type CloseHandler func(err error)

// Client is a duplex streaming connection. All exported methods are safe for
// concurrent use.
type Client struct {
	cfg Config

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	pending      [][]byte // FIFO of marshalled frames queued before open
	errVal       error
	frameHandler FrameHandler
	closeHandler CloseHandler

	ctx        context.Context
	cancel     context.CancelFunc
	notifyOnce sync.Once
}

// NewClient creates a [Client] in the idle state. Handlers must be registered
// before Connect.
func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		state:  StateIdle,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnFrame registers the raw inbound frame handler. Passing nil clears it.
func (c *Client) OnFrame(h FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameHandler = h
}

// OnClose registers the terminal close handler. Passing nil clears it.
func (c *Client) OnClose(h CloseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHandler = h
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the client into the error state, or nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Connect dials the endpoint, transmits the setup frame, and drains every
// message queued while the client was not yet open, in submission order,
// before any new caller-issued send. Connect may be called once; subsequent
// calls return an error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("transport: connect in state %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.Endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.cfg.APIKey},
			"Content-Type":  []string{"application/json"},
		},
	})
	if err != nil {
		c.fail(fmt.Errorf("transport: dial: %w", err))
		return fmt.Errorf("transport: dial: %w", err)
	}

	setup, err := json.Marshal(buildSetupFrame(c.cfg.Model, c.cfg.Setup))
	if err != nil {
		conn.Close(websocket.StatusInternalError, "setup marshal failed")
		c.fail(fmt.Errorf("transport: marshal setup: %w", err))
		return fmt.Errorf("transport: marshal setup: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	// Setup frame first, then the pre-open queue in arrival order. Holding
	// the lock keeps concurrent senders behind the drain.
	if err := c.writeLocked(setup); err != nil {
		c.mu.Unlock()
		conn.Close(websocket.StatusInternalError, "setup write failed")
		c.fail(fmt.Errorf("transport: send setup: %w", err))
		return fmt.Errorf("transport: send setup: %w", err)
	}
	for _, frame := range c.pending {
		if err := c.writeLocked(frame); err != nil {
			c.mu.Unlock()
			conn.Close(websocket.StatusInternalError, "queue drain failed")
			c.fail(fmt.Errorf("transport: drain queue: %w", err))
			return fmt.Errorf("transport: drain queue: %w", err)
		}
	}
	c.pending = nil
	c.state = StateOpen
	c.mu.Unlock()

	go c.receiveLoop()
	go c.keepaliveLoop()

	return nil
}

// SendMediaChunk transmits one validated media chunk as a realtimeInput
// frame. The payload is base64-encoded here, at the wire boundary.
func (c *Client) SendMediaChunk(chunk media.Chunk) error {
	frame := realtimeInputFrame{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: chunk.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(chunk.Payload),
			}},
		},
	}
	return c.send(frame)
}

// SendTextTurn transmits a complete text turn on behalf of the user.
func (c *Client) SendTextTurn(text string) error {
	frame := clientContentFrame{
		ClientContent: clientContent{
			Turns: []contentTurn{{
				Role:  "user",
				Parts: []contentPart{{Text: text}},
			}},
			TurnComplete: true,
		},
	}
	return c.send(frame)
}

// SendToolResponse returns a tool invocation result to the model.
func (c *Client) SendToolResponse(id, name string, result map[string]any) error {
	frame := toolResponseFrame{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{{
				ID:       id,
				Name:     name,
				Response: result,
			}},
		},
	}
	return c.send(frame)
}

// send marshals frame and either writes it (open) or enqueues it (idle or
// connecting). After closing or failure it returns [ErrClosed].
func (c *Client) send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateIdle, StateConnecting:
		c.pending = append(c.pending, data)
		return nil
	case StateOpen:
		return c.writeLocked(data)
	default:
		return ErrClosed
	}
}

// writeLocked writes one text frame. Caller must hold c.mu and have checked
// that c.conn is set.
func (c *Client) writeLocked(data []byte) error {
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// receiveLoop reads frames from the socket and hands them to the frame
// handler. It exits on close or error and notifies the close handler exactly
// once.
func (c *Client) receiveLoop() {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				// Caller-initiated close.
				c.notifyClose(nil)
				return
			}
			c.fail(fmt.Errorf("transport: read: %w", err))
			return
		}

		c.mu.Lock()
		handler := c.frameHandler
		c.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the connection alive.
func (c *Client) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// fail moves the client into the error state and notifies the close handler.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		c.notifyClose(nil)
		return
	}
	c.state = StateError
	if c.errVal == nil {
		c.errVal = err
	}
	conn := c.conn
	c.pending = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close(websocket.StatusInternalError, "transport failure")
	}
	c.notifyClose(err)
}

// Close terminates the connection and releases the pre-open queue. Safe to
// call multiple times; later calls are no-ops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	prior := c.state
	c.state = StateClosing
	conn := c.conn
	c.pending = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	// When the receive loop never started there is nobody else to notify.
	if prior == StateIdle || prior == StateError {
		c.notifyClose(nil)
	}
	return nil
}

// notifyClose invokes the close handler at most once per client lifetime.
func (c *Client) notifyClose(err error) {
	c.notifyOnce.Do(func() {
		c.mu.Lock()
		handler := c.closeHandler
		c.mu.Unlock()
		if handler != nil {
			handler(err)
		}
	})
}
