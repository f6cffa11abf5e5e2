package media

import (
	"fmt"
	"strconv"
	"strings"
)

// Common mime types on the wire.
const (
	MIMEPCMPrefix = "audio/pcm"
	MIMEJPEG      = "image/jpeg"
)

// PCMMIME builds the mime type string for raw PCM at the given sample rate,
// e.g. "audio/pcm;rate=16000".
func PCMMIME(rate int) string {
	return fmt.Sprintf("%s;rate=%d", MIMEPCMPrefix, rate)
}

// ParsePCMRate extracts the sample rate parameter from a PCM mime type.
// Returns an error when mime is not a PCM type or carries no usable rate.
// The rate must be honoured exactly; playing PCM at the wrong rate produces
// audible pitch distortion.
func ParsePCMRate(mime string) (int, error) {
	base, params, _ := strings.Cut(mime, ";")
	if strings.TrimSpace(base) != MIMEPCMPrefix {
		return 0, fmt.Errorf("media: %q is not a PCM mime type", mime)
	}
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || strings.TrimSpace(k) != "rate" {
			continue
		}
		rate, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || rate <= 0 {
			return 0, fmt.Errorf("media: invalid rate %q in mime %q", v, mime)
		}
		return rate, nil
	}
	return 0, fmt.Errorf("media: no rate parameter in mime %q", mime)
}

// IsAudioMIME reports whether mime declares an audio payload.
func IsAudioMIME(mime string) bool {
	return strings.HasPrefix(mime, "audio/")
}
