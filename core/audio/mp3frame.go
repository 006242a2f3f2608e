package audio

import (
	"errors"
	"fmt"
)

// MPEG audio versions as encoded in the frame header.
const (
	mpeg25 = 0
	mpeg2  = 2
	mpeg1  = 3
)

const layer3 = 1

var (
	bitratesV1L3 = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, -1}
	bitratesV2L3 = [16]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, -1}

	sampleRates = map[int][3]int{
		mpeg1:  {44100, 48000, 32000},
		mpeg2:  {22050, 24000, 16000},
		mpeg25: {11025, 12000, 8000},
	}
)

var errNoFrame = errors.New("no mpeg audio frame")

// frameHeader is a decoded 4-byte MPEG audio frame header.
type frameHeader struct {
	version     int
	layer       int
	bitrateKbps int
	sampleRate  int
	padding     bool
	mono        bool
	length      int
}

func parseFrameHeader(b []byte) (frameHeader, error) {
	var h frameHeader
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return h, errNoFrame
	}
	h.version = int(b[1]>>3) & 0x3
	h.layer = int(b[1]>>1) & 0x3
	if h.version == 1 || h.layer == 0 {
		return h, fmt.Errorf("reserved version or layer")
	}
	if h.layer != layer3 {
		return h, fmt.Errorf("%w: mpeg layer %d", ErrUnsupportedFormat, 4-h.layer)
	}

	brIdx := int(b[2] >> 4)
	srIdx := int(b[2]>>2) & 0x3
	if srIdx == 3 {
		return h, fmt.Errorf("reserved sample rate index")
	}
	if h.version == mpeg1 {
		h.bitrateKbps = bitratesV1L3[brIdx]
	} else {
		h.bitrateKbps = bitratesV2L3[brIdx]
	}
	if h.bitrateKbps <= 0 {
		return h, fmt.Errorf("free-format or invalid bitrate index %d", brIdx)
	}
	h.sampleRate = sampleRates[h.version][srIdx]
	h.padding = b[2]&0x2 != 0
	h.mono = b[3]>>6 == 3

	coeff := 144
	if h.version != mpeg1 {
		coeff = 72
	}
	h.length = coeff * h.bitrateKbps * 1000 / h.sampleRate
	if h.padding {
		h.length++
	}
	return h, nil
}

// id3v2Size returns the total size of a leading ID3v2 tag, or 0.
func id3v2Size(b []byte) int {
	if len(b) < 10 || string(b[:3]) != "ID3" {
		return 0
	}
	size := int(b[6]&0x7F)<<21 | int(b[7]&0x7F)<<14 | int(b[8]&0x7F)<<7 | int(b[9]&0x7F)
	total := 10 + size
	if b[5]&0x10 != 0 {
		total += 10
	}
	return total
}

// MP3Info summarizes a validated MP3 stream.
type MP3Info struct {
	Frames      int
	SampleRate  int
	BitrateKbps int
	Mono        bool
	MPEG1       bool
	// ConstantBitrate is false when frames disagree on bitrate.
	ConstantBitrate bool
}

// ScanMP3 walks every frame of data and verifies the stream is a contiguous
// sequence of Layer III frames sharing one sample rate and channel layout.
// A leading ID3v2 tag and a trailing ID3v1 tag are allowed.
func ScanMP3(data []byte) (*MP3Info, error) {
	pos := id3v2Size(data)
	if pos > len(data) {
		return nil, fmt.Errorf("truncated id3v2 tag")
	}

	var info *MP3Info
	for pos < len(data) {
		rest := data[pos:]
		if len(rest) == 128 && string(rest[:3]) == "TAG" {
			break
		}
		h, err := parseFrameHeader(rest)
		if err != nil {
			return nil, fmt.Errorf("frame %d at offset %d: %w", framesOf(info), pos, err)
		}
		if h.length > len(rest) {
			return nil, fmt.Errorf("frame %d at offset %d truncated", framesOf(info), pos)
		}
		if info == nil {
			info = &MP3Info{
				SampleRate:      h.sampleRate,
				BitrateKbps:     h.bitrateKbps,
				Mono:            h.mono,
				MPEG1:           h.version == mpeg1,
				ConstantBitrate: true,
			}
		} else {
			if h.sampleRate != info.SampleRate || h.mono != info.Mono || (h.version == mpeg1) != info.MPEG1 {
				return nil, fmt.Errorf("frame %d changes stream parameters", info.Frames)
			}
			if h.bitrateKbps != info.BitrateKbps {
				info.ConstantBitrate = false
			}
		}
		info.Frames++
		pos += h.length
	}

	if info == nil {
		return nil, errNoFrame
	}
	return info, nil
}

func framesOf(info *MP3Info) int {
	if info == nil {
		return 0
	}
	return info.Frames
}

// looksLikeMP3 reports whether data starts with an ID3v2 tag or a Layer III frame.
func looksLikeMP3(data []byte) bool {
	pos := id3v2Size(data)
	if pos >= len(data) {
		return false
	}
	_, err := parseFrameHeader(data[pos:])
	return err == nil
}
