package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/auralis-ai/auralis/internal/media"
)

// ErrConflictingCapture is returned when a capture kind cannot start because
// another kind already owns the device path.
var ErrConflictingCapture = errors.New("capture: conflicting capture already active")

// Emit hands a validated-ready chunk downstream. An error drops that chunk
// only; the cadence keeps running.
type Emit func(media.Chunk) error

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithIntervals overrides the audio and video cadence.
func WithIntervals(audio, video time.Duration) Option {
	return func(p *Pipeline) {
		if audio > 0 {
			p.audioInterval = audio
		}
		if video > 0 {
			p.videoInterval = video
		}
	}
}

// WithJPEGQuality overrides the encoder quality handed to video sources.
// Values outside (0, 1] are ignored.
func WithJPEGQuality(q float64) Option {
	return func(p *Pipeline) {
		if q > 0 && q <= 1 {
			p.jpegQuality = q
		}
	}
}

// WithRevokedFunc registers fn, called when a device ends its stream outside
// of Stop (for example the user revokes screen sharing).
func WithRevokedFunc(fn func(Kind)) Option {
	return func(p *Pipeline) { p.onRevoked = fn }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// Pipeline paces frames from active sources into chunks. At most one capture
// kind is active at a time: microphone and camera/screen are mutually
// exclusive, and screen capture cannot start while the camera is in use.
type Pipeline struct {
	emit          Emit
	log           *slog.Logger
	audioInterval time.Duration
	videoInterval time.Duration
	jpegQuality   float64
	onRevoked     func(Kind)

	mu     sync.Mutex
	active *Handle

	dropped atomic.Int64
}

// NewPipeline creates a pipeline that forwards paced chunks through emit.
func NewPipeline(emit Emit, opts ...Option) *Pipeline {
	p := &Pipeline{
		emit:          emit,
		log:           slog.Default(),
		audioInterval: 100 * time.Millisecond,
		videoInterval: 500 * time.Millisecond,
		jpegQuality:   0.75,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dropped reports how many chunks the pipeline has discarded because the
// downstream path rejected them.
func (p *Pipeline) Dropped() int64 {
	return p.dropped.Load()
}

// Start begins paced capture from src. It fails with [ErrConflictingCapture]
// while any other capture is active.
func (p *Pipeline) Start(ctx context.Context, src Source) (*Handle, error) {
	p.mu.Lock()
	if p.active != nil {
		kind := p.active.kind
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is active, cannot start %s", ErrConflictingCapture, kind, src.Kind())
	}

	interval := p.audioInterval
	if src.Kind().IsVideo() {
		interval = p.videoInterval
		if enc, ok := src.(QualityAware); ok {
			enc.SetQuality(p.jpegQuality)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		kind:   src.Kind(),
		src:    src,
		cancel: cancel,
		done:   make(chan struct{}),
		owner:  p,
	}
	p.active = h
	p.mu.Unlock()

	go p.run(ctx, h, interval)
	return h, nil
}

// run is the cadence loop for one handle. It exits when the handle is
// stopped or the source ends its stream.
func (p *Pipeline) run(ctx context.Context, h *Handle, interval time.Duration) {
	defer close(h.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := h.src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				p.log.Info("capture source ended by device", "kind", h.kind.String())
			} else {
				p.log.Warn("capture source failed", "kind", h.kind.String(), "error", err)
			}
			h.release()
			if p.onRevoked != nil {
				p.onRevoked(h.kind)
			}
			return
		}

		chunk := media.Chunk{MIMEType: frame.MIMEType, Payload: frame.Payload, Seq: seq}
		seq++

		// Fire and forget: a rejected chunk is dropped, never retried, so a
		// slow downstream cannot build an unbounded backlog here.
		if err := p.emit(chunk); err != nil {
			p.dropped.Add(1)
			p.log.Warn("capture chunk dropped", "kind", h.kind.String(), "seq", chunk.Seq, "error", err)
		}
	}
}

// detach clears h as the active capture if it still is.
func (p *Pipeline) detach(h *Handle) {
	p.mu.Lock()
	if p.active == h {
		p.active = nil
	}
	p.mu.Unlock()
}

// Handle is the exclusive owner of one running capture. Stopping it releases
// the underlying device.
type Handle struct {
	kind   Kind
	src    Source
	cancel context.CancelFunc
	done   chan struct{}
	owner  *Pipeline
	once   sync.Once
}

// Kind reports the capture type this handle owns.
func (h *Handle) Kind() Kind {
	return h.kind
}

// Stop halts the cadence and closes the device. Safe to call multiple times;
// it returns after the capture loop has fully exited.
func (h *Handle) Stop() {
	h.release()
	<-h.done
}

// release tears the handle down exactly once.
func (h *Handle) release() {
	h.once.Do(func() {
		h.cancel()
		if err := h.src.Close(); err != nil {
			h.owner.log.Warn("capture source close failed", "kind", h.kind.String(), "error", err)
		}
		h.owner.detach(h)
	})
}

// Done is closed once the capture loop has exited, whether through Stop or a
// device-side end of stream.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
