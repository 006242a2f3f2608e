package audio

import (
	"bytes"
	"context"
	"fmt"

	"github.com/braheezy/shine-mp3/pkg/mp3"
	"github.com/go-audio/wav"
)

// MethodShine names the in-process WAV encoder in TranscodedAudio.Method.
const MethodShine = "shine"

// ShineBitrateKbps is the only bitrate the shine encoder produces.
const ShineBitrateKbps = 128

// ShineCodec encodes 44.1 kHz PCM WAV to MP3 without leaving the process.
// It declines anything it would have to resample, and bitrates other than
// ShineBitrateKbps, so those go to ffmpeg.
type ShineCodec struct {
	BitrateKbps int
}

func (c ShineCodec) Transcode(ctx context.Context, src []byte, formatHint string, scratchDir string) (*TranscodedAudio, error) {
	if c.BitrateKbps != ShineBitrateKbps {
		return nil, fmt.Errorf("%w: shine encodes %dk only", ErrUnsupportedFormat, ShineBitrateKbps)
	}
	if !isWAV(src) {
		return nil, fmt.Errorf("%w: shine takes wav input", ErrUnsupportedFormat)
	}

	pcm, err := interleavedStereo16(src)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	enc := mp3.NewEncoder(OutputSampleRate, OutputChannels)
	if err := enc.Write(&out, pcm); err != nil {
		return nil, fmt.Errorf("shine encode: %w", err)
	}

	// 输出必须与 ffmpeg 路径一致
	info, err := ScanMP3(out.Bytes())
	if err != nil {
		return nil, fmt.Errorf("shine output: %w", err)
	}
	if info.SampleRate != OutputSampleRate || info.Mono || info.BitrateKbps != c.BitrateKbps {
		return nil, fmt.Errorf("%w: shine produced %d Hz %dk mono=%v", ErrUnsupportedFormat, info.SampleRate, info.BitrateKbps, info.Mono)
	}
	data := out.Bytes()
	return &TranscodedAudio{Data: data, Size: int64(len(data)), Method: MethodShine}, nil
}

// interleavedStereo16 reads a 44.1 kHz mono or stereo WAV as interleaved
// 16-bit stereo, duplicating mono into both channels.
func interleavedStereo16(src []byte) ([]int16, error) {
	dec := wav.NewDecoder(bytes.NewReader(src))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav header", ErrUnsupportedFormat)
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return nil, fmt.Errorf("%w: wav format tag %d", ErrUnsupportedFormat, dec.WavAudioFormat)
	}
	if int(dec.SampleRate) != OutputSampleRate {
		return nil, fmt.Errorf("%w: wav at %d Hz needs resampling", ErrUnsupportedFormat, dec.SampleRate)
	}
	channels := int(dec.NumChans)
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("%w: %d wav channels", ErrUnsupportedFormat, channels)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read wav samples: %w", err)
	}
	bitDepth := int(dec.BitDepth)
	if buf.SourceBitDepth > 0 {
		bitDepth = buf.SourceBitDepth
	}
	if bitDepth < 8 || bitDepth > 32 {
		return nil, fmt.Errorf("%w: wav bit depth %d", ErrUnsupportedFormat, bitDepth)
	}

	frames := len(buf.Data) / channels
	if frames == 0 {
		return nil, fmt.Errorf("%w: wav has no samples", ErrUnsupportedFormat)
	}
	out := make([]int16, 0, frames*OutputChannels)
	for i := 0; i < frames; i++ {
		l := to16(buf.Data[i*channels], bitDepth)
		r := l
		if channels == 2 {
			r = to16(buf.Data[i*channels+1], bitDepth)
		}
		out = append(out, l, r)
	}
	return out, nil
}

// to16 rescales one sample to signed 16-bit. 8-bit WAV is unsigned.
func to16(v, bitDepth int) int16 {
	switch {
	case bitDepth == 8:
		return int16((v - 128) << 8)
	case bitDepth > 16:
		return int16(v >> (bitDepth - 16))
	default:
		return int16(v << (16 - bitDepth))
	}
}
