package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/auralis-ai/auralis/internal/media"
)

// fakeSource yields a fixed frame until it is told to end the stream.
type fakeSource struct {
	kind Kind

	mu     sync.Mutex
	reads  int
	ended  bool
	closes int
}

func (f *fakeSource) Kind() Kind { return f.kind }

func (f *fakeSource) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return Frame{}, io.EOF
	}
	f.reads++
	return Frame{MIMEType: "audio/pcm;rate=16000", Payload: make([]byte, 320)}, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) end() {
	f.mu.Lock()
	f.ended = true
	f.mu.Unlock()
}

func (f *fakeSource) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// chunkRecorder collects emitted chunks behind a mutex.
type chunkRecorder struct {
	mu     sync.Mutex
	chunks []media.Chunk
	fail   error
}

func (r *chunkRecorder) emit(c media.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.chunks = append(r.chunks, c)
	return nil
}

func (r *chunkRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func (r *chunkRecorder) all() []media.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]media.Chunk(nil), r.chunks...)
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

func TestPipeline_EmitsChunksInSequence(t *testing.T) {
	rec := &chunkRecorder{}
	p := NewPipeline(rec.emit, WithIntervals(time.Millisecond, time.Millisecond))

	h, err := p.Start(context.Background(), &fakeSource{kind: Microphone})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return rec.len() >= 3 })
	h.Stop()

	chunks := rec.all()
	for i, c := range chunks {
		if c.Seq != uint64(i) {
			t.Fatalf("chunk %d has seq %d", i, c.Seq)
		}
		if c.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("chunk %d mime = %q", i, c.MIMEType)
		}
	}
}

func TestPipeline_ConflictingCapture(t *testing.T) {
	rec := &chunkRecorder{}
	p := NewPipeline(rec.emit, WithIntervals(time.Millisecond, time.Millisecond))

	cam, err := p.Start(context.Background(), &fakeSource{kind: Camera})
	if err != nil {
		t.Fatalf("Start camera: %v", err)
	}
	defer cam.Stop()

	if _, err := p.Start(context.Background(), &fakeSource{kind: Screen}); !errors.Is(err, ErrConflictingCapture) {
		t.Fatalf("screen while camera: err = %v, want ErrConflictingCapture", err)
	}
	if _, err := p.Start(context.Background(), &fakeSource{kind: Microphone}); !errors.Is(err, ErrConflictingCapture) {
		t.Fatalf("microphone while camera: err = %v, want ErrConflictingCapture", err)
	}
}

func TestPipeline_StopReleasesForNextCapture(t *testing.T) {
	rec := &chunkRecorder{}
	p := NewPipeline(rec.emit, WithIntervals(time.Millisecond, time.Millisecond))

	src := &fakeSource{kind: Microphone}
	h, err := p.Start(context.Background(), src)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Stop()

	if src.closeCount() != 1 {
		t.Fatalf("source closed %d times, want 1", src.closeCount())
	}

	next, err := p.Start(context.Background(), &fakeSource{kind: Camera})
	if err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	next.Stop()
}

func TestHandle_StopIdempotent(t *testing.T) {
	rec := &chunkRecorder{}
	p := NewPipeline(rec.emit, WithIntervals(time.Millisecond, time.Millisecond))

	src := &fakeSource{kind: Microphone}
	h, err := p.Start(context.Background(), src)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.Stop()
	h.Stop()
	if src.closeCount() != 1 {
		t.Fatalf("source closed %d times after double Stop, want 1", src.closeCount())
	}
}

func TestPipeline_DropsAreCountedNotFatal(t *testing.T) {
	rec := &chunkRecorder{fail: errors.New("limiter says no")}
	p := NewPipeline(rec.emit, WithIntervals(time.Millisecond, time.Millisecond))

	h, err := p.Start(context.Background(), &fakeSource{kind: Microphone})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return p.Dropped() >= 2 })
	h.Stop()

	if rec.len() != 0 {
		t.Fatalf("rejected chunks were recorded: %d", rec.len())
	}
}

func TestPipeline_DeviceRevocationNotifies(t *testing.T) {
	rec := &chunkRecorder{}
	revoked := make(chan Kind, 1)
	p := NewPipeline(rec.emit,
		WithIntervals(time.Millisecond, time.Millisecond),
		WithRevokedFunc(func(k Kind) { revoked <- k }))

	src := &fakeSource{kind: Screen}
	h, err := p.Start(context.Background(), src)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.end()
	select {
	case k := <-revoked:
		if k != Screen {
			t.Fatalf("revoked kind = %v, want Screen", k)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("revocation not reported")
	}

	<-h.Done()
	// A new capture may start once the revoked one has fully stopped.
	next, err := p.Start(context.Background(), &fakeSource{kind: Microphone})
	if err != nil {
		t.Fatalf("Start after revocation: %v", err)
	}
	next.Stop()
}

// qualitySource is a video source that records the encoder quality it is
// handed.
type qualitySource struct {
	fakeSource
	quality float64
}

func (q *qualitySource) SetQuality(v float64) { q.quality = v }

func TestPipeline_AppliesJPEGQualityToVideoSources(t *testing.T) {
	rec := &chunkRecorder{}
	p := NewPipeline(rec.emit, WithIntervals(time.Millisecond, time.Millisecond), WithJPEGQuality(0.5))

	src := &qualitySource{fakeSource: fakeSource{kind: Camera}}
	h, err := p.Start(context.Background(), src)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	if src.quality != 0.5 {
		t.Errorf("video source quality = %v, want 0.5", src.quality)
	}
}

func TestPipeline_JPEGQualityDefaultAndBounds(t *testing.T) {
	rec := &chunkRecorder{}
	// Out-of-range values fall back to the 0.75 default.
	p := NewPipeline(rec.emit, WithIntervals(time.Millisecond, time.Millisecond), WithJPEGQuality(1.5))

	src := &qualitySource{fakeSource: fakeSource{kind: Screen}}
	h, err := p.Start(context.Background(), src)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	if src.quality != 0.75 {
		t.Errorf("video source quality = %v, want 0.75 default", src.quality)
	}
}

func TestSynthSource_ProducesPCMBlocks(t *testing.T) {
	src := NewSynthSource(16000, 440, 100)
	frame, err := src.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if frame.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("mime = %q", frame.MIMEType)
	}
	// 100 ms at 16 kHz, 2 bytes per sample.
	if len(frame.Payload) != 3200 {
		t.Errorf("payload = %d bytes, want 3200", len(frame.Payload))
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := src.Read(context.Background()); err == nil {
		t.Fatal("Read after Close succeeded")
	}
}
