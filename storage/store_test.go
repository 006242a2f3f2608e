package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func exerciseStore(t *testing.T, s BlobStore) {
	t.Helper()
	ctx := context.Background()

	key, err := s.Put(ctx, "o1/audio/t1/orig/t1.wav", []byte("riff"), "audio/wav")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if key != "o1/audio/t1/orig/t1.wav" {
		t.Fatalf("stored key = %q", key)
	}
	if _, err := s.Put(ctx, "o1/audio/t1/320/t1.mp3", []byte("mp3"), "audio/mpeg"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put(ctx, "o2/audio/t9/320/t9.mp3", []byte("other"), "audio/mpeg"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, err := s.Get(ctx, "o1/audio/t1/orig/t1.wav")
	if err != nil || string(data) != "riff" {
		t.Fatalf("Get = %q, %v", data, err)
	}

	ok, err := s.Exists(ctx, "o1/audio/t1/320/t1.mp3")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	ok, err = s.Exists(ctx, "o1/audio/t1/320/missing.mp3")
	if err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v", ok, err)
	}

	keys, err := s.List(ctx, "o1/audio/t1/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"o1/audio/t1/320/t1.mp3", "o1/audio/t1/orig/t1.wav"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("List = %v, want %v", keys, want)
	}

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete(missing) err = %v, want ErrNotFound", err)
	}

	n, err := DeletePrefix(ctx, s, "o1/audio/t1/")
	if err != nil || n != 2 {
		t.Fatalf("DeletePrefix = %d, %v", n, err)
	}
	keys, err = s.List(ctx, "o1/")
	if err != nil || len(keys) != 0 {
		t.Fatalf("List after delete = %v, %v", keys, err)
	}
	if ok, _ := s.Exists(ctx, "o2/audio/t9/320/t9.mp3"); !ok {
		t.Fatal("unrelated owner's blob was removed")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root)
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, s)

	if _, err := os.Stat(filepath.Join(root, "o1")); !os.IsNotExist(err) {
		t.Fatalf("empty owner directory should be pruned, stat err = %v", err)
	}
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(filepath.Join(root, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := s.Put(ctx, "../../escape.txt", []byte("x"), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); !os.IsNotExist(err) {
		t.Fatal("key escaped the blob root")
	}
	if ok, _ := s.Exists(ctx, "escape.txt"); !ok {
		t.Fatal("cleaned key should be stored under the root")
	}
}

func TestUnlistableMemoryStore(t *testing.T) {
	s := NewUnlistableMemoryStore()
	ctx := context.Background()
	if _, err := s.Put(ctx, "a/b", []byte("x"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.List(ctx, "a/"); !errors.Is(err, ErrListUnsupported) {
		t.Fatalf("List err = %v, want ErrListUnsupported", err)
	}
	if _, err := DeletePrefix(ctx, s, "a/"); !errors.Is(err, ErrListUnsupported) {
		t.Fatalf("DeletePrefix err = %v", err)
	}
	if got := s.Keys(); len(got) != 1 {
		t.Fatalf("Keys = %v", got)
	}
}

func TestStats(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Put(ctx, "o1/audio/t1/orig/t1.wav", make([]byte, 100), "audio/wav")
	s.Put(ctx, "o1/audio/t1/320/t1.mp3", make([]byte, 40), "audio/mpeg")
	s.Put(ctx, "o2/audio/t2/320/t2.mp3", make([]byte, 10), "audio/mpeg")

	objs, stats, err := Stats(ctx, s, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(objs) != 3 || stats.TotalObjects != 3 || stats.TotalSize != 150 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.SizeByExt[".mp3"] != 50 || stats.SizeByOwner["o1"] != 140 {
		t.Fatalf("breakdown = %v %v", stats.SizeByExt, stats.SizeByOwner)
	}
}

func TestDeletePrefixRefusesRoot(t *testing.T) {
	if _, err := DeletePrefix(context.Background(), NewMemoryStore(), "/"); err == nil {
		t.Fatal("expected refusal for root prefix")
	}
}

func TestFormatSize(t *testing.T) {
	cases := map[int64]string{
		10:      "10 B",
		2048:    "2.0 KB",
		5 << 20: "5.0 MB",
	}
	for in, want := range cases {
		if got := FormatSize(in); got != want {
			t.Errorf("FormatSize(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestDirs(t *testing.T) {
	got := Dirs([]string{"o1/audio/t1/orig/t1.wav", "o1/audio/t1/320/t1.mp3"})
	want := []string{"o1", "o1/audio", "o1/audio/t1", "o1/audio/t1/320", "o1/audio/t1/orig"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Dirs = %v", got)
	}
}
