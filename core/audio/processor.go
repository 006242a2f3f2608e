// Package audio converts uploads to the canonical MP3 rendition and derives
// amplitude envelopes from decoded PCM.
package audio

import (
	"context"
	"errors"
)

// Canonical output format. Bitrate is configurable, the rest is fixed.
const (
	OutputSampleRate = 44100
	OutputChannels   = 2
	DefaultBitrate   = 320
)

var (
	// ErrTranscodeFailed is returned when no codec path produced output.
	ErrTranscodeFailed = errors.New("transcode failed")
	// ErrExtractionFailed is returned when no decoder could read the audio.
	ErrExtractionFailed = errors.New("waveform extraction failed")
	// ErrUnsupportedFormat is returned by a codec or decoder that does not handle the input.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// TranscodedAudio is the canonical MP3 rendition of an upload.
type TranscodedAudio struct {
	Data []byte
	Size int64
	// Method names the codec path that produced Data.
	Method string
}

// Transcoder converts arbitrary audio into the canonical MP3 rendition.
// Implementations write only inside scratchDir and are safe for concurrent use.
type Transcoder interface {
	Transcode(ctx context.Context, src []byte, formatHint string, scratchDir string) (*TranscodedAudio, error)
}

// PCM is mono sample data in [-1, 1].
type PCM struct {
	Samples    []float64
	SampleRate int
}

// Decoder turns encoded audio into mono PCM.
type Decoder interface {
	Name() string
	Decode(ctx context.Context, data []byte) (*PCM, error)
}

// Extractor reduces audio to a fixed-resolution envelope.
type Extractor interface {
	Extract(ctx context.Context, data []byte, resolution int) (*Envelope, error)
}
