package audio

import (
	"context"
	"errors"
	"testing"
)

func TestShineCodecEncodesWAV(t *testing.T) {
	for name, channels := range map[string]int{"mono": 1, "stereo": 2} {
		t.Run(name, func(t *testing.T) {
			tone := sine(OutputSampleRate, OutputSampleRate, 440)
			data := tone
			if channels == 2 {
				data = make([]int, 0, 2*len(tone))
				for _, v := range tone {
					data = append(data, v, -v)
				}
			}
			src := writeWAV(t, OutputSampleRate, channels, data)

			out, err := ShineCodec{BitrateKbps: ShineBitrateKbps}.Transcode(context.Background(), src, ".wav", "")
			if err != nil {
				t.Fatalf("Transcode: %v", err)
			}
			if out.Method != MethodShine || out.Size != int64(len(out.Data)) {
				t.Fatalf("method = %s, size = %d/%d", out.Method, out.Size, len(out.Data))
			}
			info, err := ScanMP3(out.Data)
			if err != nil {
				t.Fatalf("ScanMP3: %v", err)
			}
			if !info.MPEG1 || info.Mono || info.SampleRate != OutputSampleRate || info.BitrateKbps != ShineBitrateKbps {
				t.Fatalf("info = %+v", info)
			}

			pcm, err := NativeDecoder{}.Decode(context.Background(), out.Data)
			if err != nil {
				t.Fatalf("decode output: %v", err)
			}
			if pcm.SampleRate != OutputSampleRate || len(pcm.Samples) < OutputSampleRate*9/10 {
				t.Fatalf("decoded %d samples at %d Hz", len(pcm.Samples), pcm.SampleRate)
			}
		})
	}
}

func TestShineCodecDeclines(t *testing.T) {
	wav44 := writeWAV(t, OutputSampleRate, 1, make([]int, 4410))
	cases := []struct {
		name    string
		bitrate int
		src     []byte
	}{
		{"other bitrate", 320, wav44},
		{"needs resampling", ShineBitrateKbps, writeWAV(t, 22050, 1, make([]int, 2205))},
		{"not wav", ShineBitrateKbps, stream(frame(hdrV1Stereo128, 417))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ShineCodec{BitrateKbps: tc.bitrate}.Transcode(context.Background(), tc.src, ".wav", "")
			if !errors.Is(err, ErrUnsupportedFormat) {
				t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
			}
		})
	}
}

func TestTo16(t *testing.T) {
	cases := []struct {
		v, depth int
		want     int16
	}{
		{128, 8, 0},
		{255, 8, 127 << 8},
		{-32768, 16, -32768},
		{1 << 20, 24, 1 << 12},
		{-(1 << 31), 32, -32768},
	}
	for _, tc := range cases {
		if got := to16(tc.v, tc.depth); got != tc.want {
			t.Errorf("to16(%d, %d) = %d, want %d", tc.v, tc.depth, got, tc.want)
		}
	}
}

func TestNewTranscoderEncodesWAVWithoutFFmpeg(t *testing.T) {
	src := writeWAV(t, OutputSampleRate, 1, sine(OutputSampleRate/2, OutputSampleRate, 220))
	tr := NewTranscoder(NewFFmpeg("/nonexistent/ffmpeg", 0), ShineBitrateKbps)
	out, err := tr.Transcode(context.Background(), src, ".wav", t.TempDir())
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if out.Method != MethodShine {
		t.Fatalf("method = %s", out.Method)
	}
}
