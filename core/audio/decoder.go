package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// Decoder backend names reported in Envelope.Backend.
const (
	BackendNative = "native"
	BackendFFmpeg = "ffmpeg"
)

// NativeDecoder decodes PCM WAV and MP3 in-process.
type NativeDecoder struct{}

func (NativeDecoder) Name() string { return BackendNative }

func (d NativeDecoder) Decode(ctx context.Context, data []byte) (*PCM, error) {
	switch {
	case isWAV(data):
		return decodeWAV(data)
	case looksLikeMP3(data):
		return decodeMP3(ctx, data)
	default:
		return nil, ErrUnsupportedFormat
	}
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// 格式: 1 = PCM, 0xFFFE = WAVE_FORMAT_EXTENSIBLE
const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

func decodeWAV(data []byte) (*PCM, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav header", ErrUnsupportedFormat)
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return nil, fmt.Errorf("%w: wav format tag %d", ErrUnsupportedFormat, dec.WavAudioFormat)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read wav samples: %w", err)
	}
	channels := int(dec.NumChans)
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	if channels <= 0 || dec.SampleRate == 0 {
		return nil, fmt.Errorf("%w: wav without channels or sample rate", ErrUnsupportedFormat)
	}

	bitDepth := int(dec.BitDepth)
	if buf.SourceBitDepth > 0 {
		bitDepth = buf.SourceBitDepth
	}
	if bitDepth < 8 || bitDepth > 32 {
		return nil, fmt.Errorf("%w: wav bit depth %d", ErrUnsupportedFormat, bitDepth)
	}

	// 8-bit WAV is unsigned; the rest are two's complement.
	offset := 0.0
	if bitDepth == 8 {
		offset = 128
	}
	scale := float64(int64(1) << (bitDepth - 1))

	frames := len(buf.Data) / channels
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += (float64(buf.Data[i*channels+c]) - offset) / scale
		}
		samples[i] = sum / float64(channels)
	}
	return &PCM{Samples: samples, SampleRate: int(dec.SampleRate)}, nil
}

func decodeMP3(ctx context.Context, data []byte) (*PCM, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open mp3 stream: %w", err)
	}

	// go-mp3 always yields interleaved 16-bit little-endian stereo.
	const frameBytes = 4
	var samples []float64
	if n := dec.Length(); n > 0 {
		samples = make([]float64, 0, n/frameBytes)
	}
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := io.ReadFull(dec, buf)
		n -= n % frameBytes
		for i := 0; i < n; i += frameBytes {
			l := int16(binary.LittleEndian.Uint16(buf[i:]))
			r := int16(binary.LittleEndian.Uint16(buf[i+2:]))
			samples = append(samples, (float64(l)+float64(r))/2/32768)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode mp3: %w", err)
		}
	}
	return &PCM{Samples: samples, SampleRate: dec.SampleRate()}, nil
}

// FFmpegDecoder asks ffmpeg for mono 16-bit PCM. It handles anything ffmpeg can read.
type FFmpegDecoder struct {
	FFmpeg     *FFmpeg
	SampleRate int
	// ScratchDir holds the temporary input file. Empty means the OS temp dir.
	ScratchDir string
}

func (FFmpegDecoder) Name() string { return BackendFFmpeg }

func (d FFmpegDecoder) Decode(ctx context.Context, data []byte) (*PCM, error) {
	rate := d.SampleRate
	if rate <= 0 {
		rate = OutputSampleRate
	}

	in, err := os.CreateTemp(d.ScratchDir, "decode-*")
	if err != nil {
		return nil, fmt.Errorf("create decode input: %w", err)
	}
	defer os.Remove(in.Name())
	if _, err := in.Write(data); err != nil {
		in.Close()
		return nil, fmt.Errorf("write decode input: %w", err)
	}
	if err := in.Close(); err != nil {
		return nil, err
	}

	args := []string{
		"-hide_banner", "-nostdin", "-v", "error",
		"-i", in.Name(),
		"-vn",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"pipe:1",
	}
	raw, err := d.FFmpeg.Run(ctx, args, nil)
	if err != nil {
		return nil, err
	}

	samples := make([]float64, len(raw)/2)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(raw[2*i:]))) / 32768
	}
	return &PCM{Samples: samples, SampleRate: rate}, nil
}
