// Package playback schedules returned audio fragments for gap-free output.
//
// Fragments queue strictly in arrival order; a single writer goroutine feeds
// the sink so successive fragments never overlap. Decode failures skip the
// one fragment and leave the session running: audio is best-effort relative
// to the text and tool channel.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/auralis-ai/auralis/internal/media"
)

// ErrEngineClosed is returned by Play after Close.
var ErrEngineClosed = errors.New("playback: engine closed")

// Sink is the audio output device. Write consumes one block of 16-bit mono
// little-endian PCM at the rate the sink was opened with and blocks until the
// block has been handed to the device.
type Sink interface {
	Write(pcm []byte) error
	Close() error
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithErrorFunc registers fn, called for every non-fatal playback failure.
func WithErrorFunc(fn func(error)) Option {
	return func(e *Engine) { e.onError = fn }
}

// Engine decodes audio fragments and plays them through a [Sink] in order.
type Engine struct {
	sink     Sink
	sinkRate int
	log      *slog.Logger
	onError  func(error)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

// NewEngine creates an engine writing to sink, which expects PCM at
// sinkRate. The writer goroutine runs until [Engine.Close].
func NewEngine(sink Sink, sinkRate int, opts ...Option) *Engine {
	e := &Engine{
		sink:     sink,
		sinkRate: sinkRate,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cond = sync.NewCond(&e.mu)
	go e.writeLoop()
	return e
}

// Play enqueues one audio fragment. The payload is raw (already
// transport-decoded) and mime must declare the sample rate; the fragment is
// resampled to the sink rate so the declared rate is honoured exactly.
// A malformed fragment is reported and skipped without touching the queue.
func (e *Engine) Play(payload []byte, mime string) error {
	rate, err := media.ParsePCMRate(mime)
	if err != nil {
		err = fmt.Errorf("playback: %w", err)
		e.report(err)
		return err
	}
	if len(payload) < 2 {
		err := fmt.Errorf("playback: fragment too short: %d bytes", len(payload))
		e.report(err)
		return err
	}
	pcm := media.ResampleMono16(payload, rate, e.sinkRate)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.queue = append(e.queue, pcm)
	e.cond.Signal()
	return nil
}

// Stop discards everything queued and not yet handed to the sink. The engine
// stays usable; safe to call multiple times.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.queue = nil
	e.mu.Unlock()
}

// Close stops playback and shuts the writer goroutine down. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.queue = nil
	e.cond.Signal()
	e.mu.Unlock()
	return e.sink.Close()
}

// QueueLen reports how many fragments wait for the sink.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// writeLoop feeds queued fragments to the sink one at a time.
func (e *Engine) writeLoop() {
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		pcm := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		if err := e.sink.Write(pcm); err != nil {
			e.report(fmt.Errorf("playback: sink write: %w", err))
		}
	}
}

func (e *Engine) report(err error) {
	e.log.Warn("playback failure", "error", err)
	if e.onError != nil {
		e.onError(err)
	}
}
