package capture

import (
	"context"
	"math"
	"sync"

	"github.com/auralis-ai/auralis/internal/media"
)

// SynthSource generates a continuous 16-bit mono PCM sine tone. It stands in
// for a real microphone when none is attached, and gives the demo binary
// something audible to stream.
type SynthSource struct {
	rate  int
	freq  float64
	block int

	mu     sync.Mutex
	phase  float64
	closed bool
}

// NewSynthSource returns a tone source at the given sample rate and
// frequency, producing blockMs milliseconds of audio per Read.
func NewSynthSource(rate int, freq float64, blockMs int) *SynthSource {
	if rate <= 0 {
		rate = 16000
	}
	if blockMs <= 0 {
		blockMs = 100
	}
	return &SynthSource{rate: rate, freq: freq, block: rate * blockMs / 1000}
}

func (s *SynthSource) Kind() Kind { return Microphone }

func (s *SynthSource) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Frame{}, context.Canceled
	}

	step := 2 * math.Pi * s.freq / float64(s.rate)
	buf := make([]byte, s.block*2)
	for i := 0; i < s.block; i++ {
		sample := int16(math.Sin(s.phase) * 0.3 * math.MaxInt16)
		buf[2*i] = byte(sample)
		buf[2*i+1] = byte(sample >> 8)
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return Frame{MIMEType: media.PCMMIME(s.rate), Payload: buf}, nil
}

func (s *SynthSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var _ Source = (*SynthSource)(nil)
