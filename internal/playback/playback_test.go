package playback

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// blockingSink records written blocks and only proceeds when released,
// letting tests pin fragments in the queue.
type blockingSink struct {
	mu      sync.Mutex
	writes  [][]byte
	release chan struct{}
	closed  bool
}

func newBlockingSink() *blockingSink {
	return &blockingSink{release: make(chan struct{}, 64)}
}

func (s *blockingSink) Write(pcm []byte) error {
	<-s.release
	s.mu.Lock()
	s.writes = append(s.writes, pcm)
	s.mu.Unlock()
	return nil
}

func (s *blockingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *blockingSink) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func pcmBlock(b byte, samples int) []byte {
	buf := make([]byte, samples*2)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEngine_FragmentsPlayInOrder(t *testing.T) {
	sink := newBlockingSink()
	e := NewEngine(sink, 24000)
	defer e.Close()

	for i := byte(1); i <= 3; i++ {
		if err := e.Play(pcmBlock(i, 120), "audio/pcm;rate=24000"); err != nil {
			t.Fatalf("Play %d: %v", i, err)
		}
	}
	for range 3 {
		sink.release <- struct{}{}
	}
	waitFor(t, func() bool { return len(sink.written()) == 3 })

	for i, w := range sink.written() {
		if w[0] != byte(i+1) {
			t.Fatalf("write %d starts with %d, want %d", i, w[0], i+1)
		}
	}
}

func TestEngine_ResamplesToSinkRate(t *testing.T) {
	sink := newBlockingSink()
	e := NewEngine(sink, 48000)
	defer e.Close()

	// 120 samples at 24 kHz become 240 samples at 48 kHz.
	if err := e.Play(pcmBlock(7, 120), "audio/pcm;rate=24000"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	sink.release <- struct{}{}
	waitFor(t, func() bool { return len(sink.written()) == 1 })

	if got := len(sink.written()[0]); got != 480 {
		t.Fatalf("resampled block = %d bytes, want 480", got)
	}
}

func TestEngine_BadMIMEIsNonFatal(t *testing.T) {
	sink := newBlockingSink()
	var reported []error
	var mu sync.Mutex
	e := NewEngine(sink, 24000, WithErrorFunc(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	defer e.Close()

	if err := e.Play(pcmBlock(1, 10), "text/plain"); err == nil {
		t.Fatal("Play with non-audio mime succeeded")
	}
	mu.Lock()
	n := len(reported)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("reported %d errors, want 1", n)
	}

	// The engine still plays well-formed fragments afterwards.
	if err := e.Play(pcmBlock(2, 10), "audio/pcm;rate=24000"); err != nil {
		t.Fatalf("Play after failure: %v", err)
	}
	sink.release <- struct{}{}
	waitFor(t, func() bool { return len(sink.written()) == 1 })
}

func TestEngine_StopClearsQueue(t *testing.T) {
	sink := newBlockingSink()
	e := NewEngine(sink, 24000)
	defer e.Close()

	for i := byte(1); i <= 4; i++ {
		if err := e.Play(pcmBlock(i, 10), "audio/pcm;rate=24000"); err != nil {
			t.Fatalf("Play: %v", err)
		}
	}
	waitFor(t, func() bool { return e.QueueLen() >= 3 })

	e.Stop()
	e.Stop()
	if n := e.QueueLen(); n != 0 {
		t.Fatalf("queue length after Stop = %d", n)
	}
}

func TestEngine_CloseIdempotentAndRejectsPlay(t *testing.T) {
	sink := newBlockingSink()
	e := NewEngine(sink, 24000)

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := e.Play(pcmBlock(1, 10), "audio/pcm;rate=24000"); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Play after Close: err = %v, want ErrEngineClosed", err)
	}
	if !sink.closed {
		t.Fatal("sink not closed")
	}
}
