package model

import "testing"

func TestStoragePrefixLayout(t *testing.T) {
	p := NewStoragePrefix("owner-1", "abc")
	if p.String() != "owner-1/audio/abc" {
		t.Fatalf("prefix = %q", p)
	}

	cases := []struct {
		name string
		got  string
		want string
	}{
		{"original", p.OriginalKey("abc", ".wav"), "owner-1/audio/abc/orig/abc.wav"},
		{"transcoded", p.TranscodedKey("abc"), "owner-1/audio/abc/320/abc.mp3"},
		{"original dir", p.OriginalDir(), "owner-1/audio/abc/orig/"},
		{"transcoded dir", p.TranscodedDir(), "owner-1/audio/abc/320/"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s = %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}

func TestPrefixOfUnpublishedTrack(t *testing.T) {
	rec := &TrackRecord{ID: "t1", OwnerID: "o1"}
	if rec.Published() {
		t.Fatal("record without prefix should not be published")
	}
	if got := PrefixOf(rec); got != "o1/audio/t1" {
		t.Fatalf("PrefixOf = %q", got)
	}

	custom := "legacy/audio/t1"
	rec.StoragePrefix = &custom
	if got := PrefixOf(rec); got != StoragePrefix(custom) {
		t.Fatalf("PrefixOf = %q, want stored prefix", got)
	}
}

func TestWaveformColumn(t *testing.T) {
	v, err := Waveform(nil).Value()
	if err != nil {
		t.Fatal(err)
	}
	if v != "[]" {
		t.Fatalf("nil waveform stored as %v", v)
	}

	var w Waveform
	if err := w.Scan([]byte("[0.5,1,0]")); err != nil {
		t.Fatal(err)
	}
	if len(w) != 3 || w[0] != 0.5 || w[1] != 1 {
		t.Fatalf("scanned %v", w)
	}

	if err := w.Scan(nil); err != nil || len(w) != 0 {
		t.Fatalf("scan nil: %v %v", w, err)
	}
	if err := w.Scan(42); err == nil {
		t.Fatal("expected error for int column")
	}
}

func TestTrackUpdateApply(t *testing.T) {
	rec := &TrackRecord{Title: "Old", Description: "keep"}
	title := "New"
	dur := 12
	wf := Waveform{0.1, 1}
	upd := TrackUpdate{Title: &title, AudioDurationSeconds: &dur, Waveform: &wf}
	if upd.Empty() {
		t.Fatal("update should not be empty")
	}
	upd.Apply(rec)
	if rec.Title != "New" || rec.Description != "keep" || rec.AudioDurationSeconds != 12 || len(rec.Waveform) != 2 {
		t.Fatalf("unexpected record after apply: %+v", rec)
	}
	wf[0] = 9
	if rec.Waveform[0] != 0.1 {
		t.Fatal("apply should copy the waveform")
	}
	if !(TrackUpdate{}).Empty() {
		t.Fatal("zero update should be empty")
	}
}
