package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrFFmpegTimeout is returned when a subprocess exceeds its time budget.
var ErrFFmpegTimeout = errors.New("ffmpeg timed out")

// FFmpeg runs the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	timeout     time.Duration
}

// NewFFmpeg creates a runner. ffprobe is expected next to ffmpeg.
func NewFFmpeg(ffmpegPath string, timeout time.Duration) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: strings.Replace(ffmpegPath, "ffmpeg", "ffprobe", 1),
		timeout:     timeout,
	}
}

// Path returns the ffmpeg executable path.
func (f *FFmpeg) Path() string { return f.ffmpegPath }

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.ffmpegPath); err != nil {
		return fmt.Errorf("ffmpeg not found at %q: %w", f.ffmpegPath, err)
	}
	return nil
}

// ProbeAvailable reports whether the ffprobe binary can be found.
func (f *FFmpeg) ProbeAvailable() error {
	if _, err := exec.LookPath(f.ffprobePath); err != nil {
		return fmt.Errorf("ffprobe not found at %q: %w", f.ffprobePath, err)
	}
	return nil
}

// stderrTail keeps error messages readable when ffmpeg is chatty.
func stderrTail(b []byte) string {
	const max = 2048
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}

func (f *FFmpeg) run(ctx context.Context, bin string, args []string, stdin []byte) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrFFmpegTimeout, f.timeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s execution failed: %w\nFFmpeg Error: %s", bin, err, stderrTail(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// Run executes ffmpeg with args, feeding stdin when non-nil, and returns stdout.
func (f *FFmpeg) Run(ctx context.Context, args []string, stdin []byte) ([]byte, error) {
	return f.run(ctx, f.ffmpegPath, args, stdin)
}

// ProbeInfo is the subset of ffprobe output the pipeline reports.
type ProbeInfo struct {
	Codec      string
	SampleRate int
	Channels   int
	BitRate    int
	Duration   float64
}

type ffprobeOutput struct {
	Streams []struct {
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
		BitRate    string `json:"bit_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

// Probe inspects the first audio stream of inputFile with ffprobe.
func (f *FFmpeg) Probe(ctx context.Context, inputFile string) (*ProbeInfo, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name,sample_rate,channels,bit_rate:format=duration,bit_rate",
		"-of", "json",
		inputFile,
	}
	out, err := f.run(ctx, f.ffprobePath, args, nil)
	if err != nil {
		return nil, err
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (*ProbeInfo, error) {
	var probeData ffprobeOutput
	if err := json.Unmarshal(out, &probeData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ffprobe output: %w", err)
	}
	if len(probeData.Streams) == 0 {
		return nil, fmt.Errorf("no audio streams found in file")
	}

	s := probeData.Streams[0]
	info := &ProbeInfo{Codec: s.CodecName, Channels: s.Channels}
	info.SampleRate, _ = strconv.Atoi(s.SampleRate)
	if br, err := strconv.Atoi(s.BitRate); err == nil {
		info.BitRate = br
	} else if br, err := strconv.Atoi(probeData.Format.BitRate); err == nil {
		info.BitRate = br
	}
	if probeData.Format.Duration != "" {
		d, err := strconv.ParseFloat(probeData.Format.Duration, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse duration string %q: %w", probeData.Format.Duration, err)
		}
		info.Duration = d
	}
	return info, nil
}
