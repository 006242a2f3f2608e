package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"trackingest/logger"
)

// Transcode method names reported in TranscodedAudio.Method.
const (
	MethodPassthrough = "passthrough"
	MethodFFmpeg      = "ffmpeg"
)

// PassthroughCodec accepts input that already is the canonical rendition:
// MPEG-1 Layer III, 44.1 kHz, two channels, constant target bitrate.
type PassthroughCodec struct {
	BitrateKbps int
}

func (c PassthroughCodec) Transcode(ctx context.Context, src []byte, formatHint string, scratchDir string) (*TranscodedAudio, error) {
	info, err := ScanMP3(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	switch {
	case !info.MPEG1:
		return nil, fmt.Errorf("%w: not MPEG-1", ErrUnsupportedFormat)
	case info.SampleRate != OutputSampleRate:
		return nil, fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, info.SampleRate)
	case info.Mono:
		return nil, fmt.Errorf("%w: mono stream", ErrUnsupportedFormat)
	case !info.ConstantBitrate || info.BitrateKbps != c.BitrateKbps:
		return nil, fmt.Errorf("%w: bitrate %dk does not match %dk", ErrUnsupportedFormat, info.BitrateKbps, c.BitrateKbps)
	}

	out := append([]byte(nil), src...)
	return &TranscodedAudio{Data: out, Size: int64(len(out)), Method: MethodPassthrough}, nil
}

// FFmpegCodec encodes with libmp3lame through the ffmpeg CLI.
type FFmpegCodec struct {
	FFmpeg      *FFmpeg
	BitrateKbps int
}

func normalizeExt(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return ".dat"
	}
	if !strings.HasPrefix(hint, ".") {
		hint = "." + hint
	}
	return hint
}

func (c FFmpegCodec) Transcode(ctx context.Context, src []byte, formatHint string, scratchDir string) (*TranscodedAudio, error) {
	if scratchDir == "" {
		dir, err := os.MkdirTemp("", "transcode-*")
		if err != nil {
			return nil, fmt.Errorf("create scratch dir: %w", err)
		}
		defer os.RemoveAll(dir)
		scratchDir = dir
	}

	in, err := os.CreateTemp(scratchDir, "source-*"+normalizeExt(formatHint))
	if err != nil {
		return nil, fmt.Errorf("create scratch input: %w", err)
	}
	inPath := in.Name()
	defer os.Remove(inPath)
	if _, err := in.Write(src); err != nil {
		in.Close()
		return nil, fmt.Errorf("write scratch input: %w", err)
	}
	if err := in.Close(); err != nil {
		return nil, fmt.Errorf("close scratch input: %w", err)
	}

	outPath := strings.TrimSuffix(inPath, filepath.Ext(inPath)) + ".out.mp3"
	defer os.Remove(outPath)

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", inPath,
		"-vn",
		"-map_metadata", "-1",
		"-ar", strconv.Itoa(OutputSampleRate),
		"-ac", strconv.Itoa(OutputChannels),
		"-codec:a", "libmp3lame",
		"-b:a", strconv.Itoa(c.BitrateKbps) + "k",
		"-f", "mp3",
		outPath,
	}
	logger.Debug("Executing FFmpeg command",
		logger.String("cmd", c.FFmpeg.Path()+" "+strings.Join(args, " ")))
	if _, err := c.FFmpeg.Run(ctx, args, nil); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read ffmpeg output: %w", err)
	}
	if len(data) == 0 || !looksLikeMP3(data) {
		return nil, fmt.Errorf("ffmpeg produced no mp3 output")
	}
	if err := c.FFmpeg.ProbeAvailable(); err != nil {
		logger.Debug("skipping output probe", logger.ErrorField(err))
	} else {
		info, err := c.FFmpeg.Probe(ctx, outPath)
		if err != nil {
			return nil, fmt.Errorf("probe ffmpeg output: %w", err)
		}
		if err := checkRendition(info); err != nil {
			return nil, err
		}
	}
	return &TranscodedAudio{Data: data, Size: int64(len(data)), Method: MethodFFmpeg}, nil
}

// checkRendition rejects probed output that is not 44.1 kHz stereo MP3.
func checkRendition(info *ProbeInfo) error {
	if info.Codec != "mp3" || info.SampleRate != OutputSampleRate || info.Channels != OutputChannels {
		return fmt.Errorf("ffmpeg output is %s %d Hz %d channels, want mp3 %d Hz %d channels",
			info.Codec, info.SampleRate, info.Channels, OutputSampleRate, OutputChannels)
	}
	return nil
}

// InProcess tries each codec in order and returns the first success.
type InProcess []Transcoder

func (p InProcess) Transcode(ctx context.Context, src []byte, formatHint string, scratchDir string) (*TranscodedAudio, error) {
	errs := make([]error, 0, len(p))
	for _, codec := range p {
		out, err := codec.Transcode(ctx, src, formatHint, scratchDir)
		if err == nil {
			return out, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrUnsupportedFormat
	}
	return nil, errors.Join(errs...)
}

// FallbackTranscoder tries Fast first and Robust on any failure.
type FallbackTranscoder struct {
	Fast   Transcoder
	Robust Transcoder
}

// NewTranscoder wires the in-process codecs in front of ffmpeg.
func NewTranscoder(ff *FFmpeg, bitrateKbps int) *FallbackTranscoder {
	if bitrateKbps <= 0 {
		bitrateKbps = DefaultBitrate
	}
	return &FallbackTranscoder{
		Fast: InProcess{
			PassthroughCodec{BitrateKbps: bitrateKbps},
			ShineCodec{BitrateKbps: bitrateKbps},
		},
		Robust: FFmpegCodec{FFmpeg: ff, BitrateKbps: bitrateKbps},
	}
}

func (t *FallbackTranscoder) Transcode(ctx context.Context, src []byte, formatHint string, scratchDir string) (*TranscodedAudio, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrTranscodeFailed)
	}

	var fastErr error
	if t.Fast != nil {
		out, err := t.Fast.Transcode(ctx, src, formatHint, scratchDir)
		if err == nil {
			return out, nil
		}
		fastErr = err
		logger.Debug("fast transcode path declined input", logger.ErrorField(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
	}

	if t.Robust == nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscodeFailed, fastErr)
	}
	out, err := t.Robust.Transcode(ctx, src, formatHint, scratchDir)
	if err != nil {
		if fastErr != nil {
			return nil, fmt.Errorf("%w: fast path: %v; ffmpeg: %v", ErrTranscodeFailed, fastErr, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
	}
	return out, nil
}
