package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileOutputRespectsLevel(t *testing.T) {
	// 未初始化前调用不应 panic
	Info("dropped before init")

	path := filepath.Join(t.TempDir(), "logs", "ingest.log")
	InitLogger(Config{Level: WarnLevel, OutputPath: path, MaxSize: 1, ForceJSON: true})

	Info("below threshold", String("stage", "transcoding"))
	Warn("cleanup failed", String("key", "alice/audio/t1/orig/t1.wav"), ErrorField(errors.New("disk full")))
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "below threshold") || strings.Contains(out, "dropped before init") {
		t.Fatalf("unexpected entries:\n%s", out)
	}
	for _, want := range []string{`"msg":"cleanup failed"`, `"key":"alice/audio/t1/orig/t1.wav"`, `"error":"disk full"`, `"caller":"logger/logger_test.go`} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %s:\n%s", want, out)
		}
	}
}
