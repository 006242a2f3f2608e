package audio

import (
	"context"
	"errors"
	"fmt"
	"math"

	"trackingest/logger"
)

// DefaultResolution is the number of envelope points per track.
const DefaultResolution = 200

// Envelope is the normalized RMS amplitude summary of a track.
type Envelope struct {
	Peaks           []float64
	DurationSeconds int
	SampleRate      int
	Samples         int
	// Backend names the decoder that produced the samples.
	Backend string
}

// ComputeEnvelope splits samples into floor(n/resolution) sized chunks (at
// least one sample each), takes the RMS of each and keeps the first
// resolution chunks. Values are divided by the maximum and rounded to two
// decimals; an all-zero result is returned as is.
func ComputeEnvelope(samples []float64, resolution int) []float64 {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	n := len(samples)
	chunk := n / resolution
	if chunk < 1 {
		chunk = 1
	}

	peaks := make([]float64, 0, min(n, resolution))
	var loudest float64
	for start := 0; start+chunk <= n && len(peaks) < resolution; start += chunk {
		var sum float64
		for _, s := range samples[start : start+chunk] {
			sum += s * s
		}
		rms := math.Sqrt(sum / float64(chunk))
		if rms > loudest {
			loudest = rms
		}
		peaks = append(peaks, rms)
	}

	if loudest == 0 {
		return peaks
	}
	for i, v := range peaks {
		peaks[i] = math.Round(v/loudest*100) / 100
	}
	return peaks
}

// durationSeconds rounds to the nearest whole second.
func durationSeconds(samples, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return int(math.Round(float64(samples) / float64(sampleRate)))
}

// WaveformExtractor decodes with each backend in turn until one succeeds.
type WaveformExtractor struct {
	decoders []Decoder
}

// NewWaveformExtractor tries the in-process decoder first and ffmpeg second.
func NewWaveformExtractor(ff *FFmpeg, scratchDir string) *WaveformExtractor {
	return NewExtractorWithDecoders(
		NativeDecoder{},
		FFmpegDecoder{FFmpeg: ff, SampleRate: OutputSampleRate, ScratchDir: scratchDir},
	)
}

// NewExtractorWithDecoders builds an extractor over an explicit backend order.
func NewExtractorWithDecoders(decoders ...Decoder) *WaveformExtractor {
	return &WaveformExtractor{decoders: decoders}
}

// safeDecode turns a decoder panic into an error so the next backend still runs.
func safeDecode(ctx context.Context, d Decoder, data []byte) (pcm *PCM, err error) {
	defer func() {
		if r := recover(); r != nil {
			pcm = nil
			err = fmt.Errorf("%s decoder panicked: %v", d.Name(), r)
		}
	}()
	return d.Decode(ctx, data)
}

func (e *WaveformExtractor) Extract(ctx context.Context, data []byte, resolution int) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrExtractionFailed)
	}

	if len(e.decoders) == 0 {
		return nil, fmt.Errorf("%w: no decoders configured", ErrExtractionFailed)
	}

	var errs []error
	for _, d := range e.decoders {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
		}
		pcm, err := safeDecode(ctx, d, data)
		if err == nil && (pcm == nil || pcm.SampleRate <= 0) {
			err = errors.New("decoder returned no sample rate")
		}
		if err != nil {
			logger.Debug("waveform decoder failed, trying next",
				logger.String("backend", d.Name()),
				logger.ErrorField(err))
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}

		return &Envelope{
			Peaks:           ComputeEnvelope(pcm.Samples, resolution),
			DurationSeconds: durationSeconds(len(pcm.Samples), pcm.SampleRate),
			SampleRate:      pcm.SampleRate,
			Samples:         len(pcm.Samples),
			Backend:         d.Name(),
		}, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, errors.Join(errs...))
}
