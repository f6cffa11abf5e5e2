// Package media defines the outbound chunk type, the chunk validation policy,
// and the PCM helpers shared by the capture and playback paths.
package media

import (
	"errors"
	"fmt"
)

// Validation policy. Chunks below the minimum are treated as empty/noise;
// chunks above the maximum would be rejected by the remote endpoint anyway.
const (
	// MinChunkBytes is the smallest payload accepted for transport.
	MinChunkBytes = 16

	// MaxChunkBytes is the largest payload accepted for transport (1 MiB).
	MaxChunkBytes = 1 << 20
)

// Validation errors. Each one is terminal for the offending chunk only and
// never tears down the session.
var (
	ErrChunkTooSmall  = errors.New("chunk below minimum size")
	ErrChunkTooLarge  = errors.New("chunk above maximum size")
	ErrMalformedChunk = errors.New("malformed chunk")
)

// Chunk is one unit of encoded media ready for transport. Immutable once
// validated.
type Chunk struct {
	// MIMEType declares the payload encoding, e.g. "audio/pcm;rate=16000" or
	// "image/jpeg".
	MIMEType string

	// Payload is the raw encoded bytes. Base64 encoding happens at the
	// transport boundary, not here.
	Payload []byte

	// Seq is the submission sequence number assigned by the capture pipeline.
	Seq uint64
}

// Validate applies the size and structural policy to c. It performs a cheap
// structural check only; deep codec validation is the remote endpoint's
// responsibility.
func Validate(c Chunk) error {
	if c.MIMEType == "" {
		return fmt.Errorf("%w: empty mime type", ErrMalformedChunk)
	}
	if c.Payload == nil {
		return fmt.Errorf("%w: nil payload", ErrMalformedChunk)
	}
	if len(c.Payload) < MinChunkBytes {
		return fmt.Errorf("%w: %d bytes < %d", ErrChunkTooSmall, len(c.Payload), MinChunkBytes)
	}
	if len(c.Payload) > MaxChunkBytes {
		return fmt.Errorf("%w: %d bytes > %d", ErrChunkTooLarge, len(c.Payload), MaxChunkBytes)
	}
	return nil
}
