// Package dispatch parses raw inbound frames into typed events and fans them
// out to subscribers.
//
// One frame may carry text parts, inline binary parts, a tool invocation, and
// a turn-completion flag all at once. Each becomes its own event, emitted in
// a fixed order: text fragments, then binary fragments, then the tool
// invocation, then turn-complete. The deterministic order is what makes the
// fan-out testable.
//
// Subscribers are notified synchronously in registration order. A panicking
// subscriber is recovered so the remaining subscribers still see the event.
// After [Dispatcher.Close] no further events are dispatched.
package dispatch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Event is the tagged union of everything the server can send. Exactly one
// concrete type below implements it per event.
type Event interface {
	event()
}

// TextFragment is a piece of model-generated text within a turn.
type TextFragment struct {
	Text string
}

// AudioFragment is an inline binary part, decoded from its base64 wire form.
type AudioFragment struct {
	MIMEType string
	Payload  []byte
}

// ToolInvocation is a model request to run one or more declared tools.
type ToolInvocation struct {
	Calls []ToolCall
}

// ToolCall is a single function call within a [ToolInvocation].
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// TurnComplete signals that the model has finished a response turn.
type TurnComplete struct{}

// ErrorEvent reports a malformed frame or a server-side error condition.
type ErrorEvent struct {
	Err error
}

// ClosedEvent is the final event for a session; nothing follows it.
type ClosedEvent struct {
	// Err is nil for a clean close.
	Err error
}

func (TextFragment) event()   {}
func (AudioFragment) event()  {}
func (ToolInvocation) event() {}
func (TurnComplete) event()   {}
func (ErrorEvent) event()     {}
func (ClosedEvent) event()    {}

// Subscriber receives every dispatched event.
type Subscriber func(Event)

// Dispatcher turns raw frames into events. All methods are safe for
// concurrent use, though frames are expected from a single receive loop.
type Dispatcher struct {
	mu     sync.Mutex
	subs   []Subscriber
	closed bool
}

// New creates an empty [Dispatcher].
func New() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers fn. Subscribers are invoked synchronously in
// registration order and cannot be removed.
func (d *Dispatcher) Subscribe(fn Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, fn)
}

// OnFrame parses one raw frame and emits its events. A parse failure emits a
// single [ErrorEvent] and leaves the dispatch loop healthy for subsequent
// frames.
func (d *Dispatcher) OnFrame(raw []byte) {
	var frame serverFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		d.emit(ErrorEvent{Err: fmt.Errorf("dispatch: parse frame: %w", err)})
		return
	}

	if frame.Error != nil {
		d.emit(ErrorEvent{Err: fmt.Errorf("dispatch: server error %d: %s", frame.Error.Code, frame.Error.Message)})
	}

	if sc := frame.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			// Text fragments first, in part order.
			for _, p := range sc.ModelTurn.Parts {
				if p.Text != "" {
					d.emit(TextFragment{Text: p.Text})
				}
			}
			// Then binary fragments, decoded from base64.
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil {
					continue
				}
				payload, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					d.emit(ErrorEvent{Err: fmt.Errorf("dispatch: decode inline data: %w", err)})
					continue
				}
				if len(payload) == 0 {
					continue
				}
				d.emit(AudioFragment{MIMEType: p.InlineData.MIMEType, Payload: payload})
			}
		}

		if tc := frame.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
			d.emit(toolInvocation(tc))
		}

		if sc.TurnComplete {
			d.emit(TurnComplete{})
		}
		return
	}

	if tc := frame.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		d.emit(toolInvocation(tc))
	}
}

// Close emits [ClosedEvent] and seals the dispatcher: no event is dispatched
// afterwards. Safe to call multiple times.
func (d *Dispatcher) Close(err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	subs := d.subs
	d.closed = true
	d.mu.Unlock()

	notify(subs, ClosedEvent{Err: err})
}

// emit delivers ev to every subscriber unless the dispatcher is closed.
func (d *Dispatcher) emit(ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	subs := d.subs
	d.mu.Unlock()

	notify(subs, ev)
}

// notify invokes each subscriber in order, recovering panics so one bad
// subscriber cannot starve the rest.
func notify(subs []Subscriber, ev Event) {
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event subscriber panicked", "panic", r, "event", fmt.Sprintf("%T", ev))
				}
			}()
			fn(ev)
		}()
	}
}

// toolInvocation converts the wire representation into an event.
func toolInvocation(tc *toolCallMsg) ToolInvocation {
	calls := make([]ToolCall, len(tc.FunctionCalls))
	for i, fc := range tc.FunctionCalls {
		calls[i] = ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}
	}
	return ToolInvocation{Calls: calls}
}

// ── Wire format (incoming) ────────────────────────────────────────────────────

type serverFrame struct {
	ServerContent *serverContent `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg   `json:"toolCall,omitempty"`
	Error         *serverError   `json:"error,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}
