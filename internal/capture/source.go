// Package capture acquires media from device sources and paces encoded
// chunks toward the transport at a fixed cadence.
package capture

import "context"

// Kind identifies a device capture type.
type Kind int

const (
	Microphone Kind = iota
	Camera
	Screen
)

func (k Kind) String() string {
	switch k {
	case Microphone:
		return "microphone"
	case Camera:
		return "camera"
	case Screen:
		return "screen"
	}
	return "unknown"
}

// IsVideo reports whether the kind produces image frames rather than audio.
func (k Kind) IsVideo() bool {
	return k == Camera || k == Screen
}

// Frame is one encoded media unit read from a device.
type Frame struct {
	MIMEType string
	Payload  []byte
}

// Source yields encoded frames for a single device. Implementations wrap the
// actual device APIs; the pipeline only drives the cadence.
//
// Read blocks until a frame is available or the context is cancelled. It
// returns io.EOF once the device has ended the stream, including the case
// where the user revokes sharing outside the application.
type Source interface {
	Kind() Kind
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// QualityAware is implemented by video sources whose frame encoder takes a
// quality setting in (0, 1]. The pipeline applies the configured quality
// before the first Read.
type QualityAware interface {
	SetQuality(q float64)
}
