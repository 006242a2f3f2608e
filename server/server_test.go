package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"

	"trackingest/cache"
	"trackingest/core/audio"
	"trackingest/core/ingest"
	"trackingest/model"
	"trackingest/repository"
	"trackingest/storage"
)

type identityTranscoder struct{}

func (identityTranscoder) Transcode(ctx context.Context, src []byte, formatHint, scratchDir string) (*audio.TranscodedAudio, error) {
	return &audio.TranscodedAudio{Data: append([]byte(nil), src...), Size: int64(len(src)), Method: "identity"}, nil
}

func silentWAV(t *testing.T) []byte {
	t.Helper()
	const rate = 8000
	path := filepath.Join(t.TempDir(), "silence.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           make([]int, 2*rate),
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

type testServer struct {
	*httptest.Server
	blobs *storage.MemoryStore
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) *testServer {
	t.Helper()
	blobs := storage.NewMemoryStore()
	orch := ingest.New(blobs, repository.NewMemoryTrackRepository(), identityTranscoder{},
		audio.NewExtractorWithDecoders(audio.NativeDecoder{}), ingest.Options{
			WaveformResolution: 200,
			MaxTitleLength:     125,
			MaxSourceBytes:     1 << 20,
			ScratchDir:         t.TempDir(),
			BatchConcurrency:   2,
		})
	d := ingest.NewDispatcher(orch, cache.NewMemoryJobTracker(64, time.Hour), 2, 8)
	s := New(d, 1<<20, checks)
	s.jobPoll = 10 * time.Millisecond
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		d.Stop()
	})
	return &testServer{Server: ts, blobs: blobs}
}

func (ts *testServer) do(t *testing.T, method, path, user, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type part struct {
	field, filename string
	data            []byte
}

func multipartBody(t *testing.T, files []part, values map[string][]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range files {
		fw, err := mw.CreateFormFile(p.field, p.filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(p.data)
	}
	for k, vs := range values {
		for _, v := range vs {
			mw.WriteField(k, v)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), mw.FormDataContentType()
}

func (ts *testServer) upload(t *testing.T, user, title string, data []byte) string {
	t.Helper()
	body, ct := multipartBody(t, []part{{"file", "take.wav", data}}, map[string][]string{"title": {title}})
	resp := ts.do(t, http.MethodPost, "/api/tracks", user, ct, body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var out map[string]string
	decode(t, resp, &out)
	return out["jobId"]
}

func (ts *testServer) waitJob(t *testing.T, user, jobID string) *model.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp := ts.do(t, http.MethodGet, "/api/jobs/"+jobID, user, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("job status = %d", resp.StatusCode)
		}
		var job model.Job
		decode(t, resp, &job)
		if job.State.Terminal() {
			return &job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return nil
}

func TestRequiresIdentity(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodGet, "/api/tracks", "", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUploadLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	src := silentWAV(t)

	job := ts.waitJob(t, "alice", ts.upload(t, "alice", "Morning Take", src))
	if job.State != model.JobSucceeded || job.Track == nil {
		t.Fatalf("job = %+v", job)
	}
	trackID := job.TrackID

	// other callers cannot see the job
	if resp := ts.do(t, http.MethodGet, "/api/jobs/"+job.ID, "bob", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign job status = %d", resp.StatusCode)
	}

	resp := ts.do(t, http.MethodGet, "/api/tracks", "alice", "", nil)
	var tracks []model.TrackRecord
	decode(t, resp, &tracks)
	if len(tracks) != 1 || tracks[0].ID != trackID || tracks[0].TitleSlug != "morning-take" {
		t.Fatalf("tracks = %+v", tracks)
	}
	if len(tracks[0].Waveform) != 200 || tracks[0].AudioDurationSeconds != 2 {
		t.Fatalf("waveform %d peaks, duration %d", len(tracks[0].Waveform), tracks[0].AudioDurationSeconds)
	}

	// duplicate title is refused before a job is queued
	body, ct := multipartBody(t, []part{{"file", "again.wav", src}}, map[string][]string{"title": {"morning  take"}})
	resp = ts.do(t, http.MethodPost, "/api/tracks", "alice", ct, body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate upload status = %d", resp.StatusCode)
	}
	var rejected errorResponse
	decode(t, resp, &rejected)
	if rejected.Kind != string(ingest.KindValidation) || rejected.Retryable {
		t.Fatalf("duplicate response = %+v", rejected)
	}

	patch := []byte(`{"title":"Evening Take","description":"remastered"}`)
	if resp := ts.do(t, http.MethodPatch, "/api/tracks/"+trackID, "bob", "application/json", patch); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign update status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodPatch, "/api/tracks/"+trackID, "alice", "application/json", patch)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	var updated model.TrackRecord
	decode(t, resp, &updated)
	if updated.TitleSlug != "evening-take" || updated.Description != "remastered" {
		t.Fatalf("updated = %+v", updated)
	}

	if resp := ts.do(t, http.MethodDelete, "/api/tracks/"+trackID, "alice", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodDelete, "/api/tracks/"+trackID, "alice", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
	if keys := ts.blobs.Keys(); len(keys) != 0 {
		t.Fatalf("blobs left: %v", keys)
	}
}

func TestUploadRejectsBadForms(t *testing.T) {
	ts := newTestServer(t, nil)

	body, ct := multipartBody(t, nil, map[string][]string{"title": {"No File"}})
	if resp := ts.do(t, http.MethodPost, "/api/tracks", "alice", ct, body); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing file status = %d", resp.StatusCode)
	}

	body, ct = multipartBody(t, []part{{"file", "take.wav", silentWAV(t)}}, map[string][]string{"title": {"   "}})
	if resp := ts.do(t, http.MethodPost, "/api/tracks", "alice", ct, body); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank title status = %d", resp.StatusCode)
	}

	// just past the form limit so the rest of the body still drains
	big := make([]byte, 2<<20+32<<10)
	body, ct = multipartBody(t, []part{{"file", "big.wav", big}}, map[string][]string{"title": {"Big"}})
	if resp := ts.do(t, http.MethodPost, "/api/tracks", "alice", ct, body); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized status = %d", resp.StatusCode)
	}

	if keys := ts.blobs.Keys(); len(keys) != 0 {
		t.Fatalf("rejected uploads stored blobs: %v", keys)
	}
}

func TestBatchUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, nil)

	// maxBatchFiles*1MB plus form overhead, then a little more
	big := make([]byte, maxBatchFiles<<20+formOverhead+32<<10)
	body, ct := multipartBody(t, []part{{"files", "big.wav", big}}, map[string][]string{"titles": {"Big"}})
	resp := ts.do(t, http.MethodPost, "/api/tracks/batch", "alice", ct, body)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized batch status = %d", resp.StatusCode)
	}
	var out errorResponse
	decode(t, resp, &out)
	if !strings.Contains(out.Error, ingest.ErrSourceTooLarge.Error()) {
		t.Fatalf("error = %q", out.Error)
	}
}

func TestBatchUpload(t *testing.T) {
	ts := newTestServer(t, nil)
	src := silentWAV(t)

	body, ct := multipartBody(t,
		[]part{{"files", "a.wav", src}, {"files", "b.wav", src}},
		map[string][]string{"titles": {"Side A", "Side B"}})
	resp := ts.do(t, http.MethodPost, "/api/tracks/batch", "alice", ct, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch status = %d", resp.StatusCode)
	}
	var result ingest.BatchResult
	decode(t, resp, &result)
	if len(result.Tracks) != 2 || len(result.Failures) != 0 {
		t.Fatalf("result = %+v", result)
	}

	// one invalid title rejects the whole batch
	body, ct = multipartBody(t,
		[]part{{"files", "c.wav", src}, {"files", "d.wav", src}},
		map[string][]string{"titles": {"Side C", "!!!"}})
	if resp := ts.do(t, http.MethodPost, "/api/tracks/batch", "alice", ct, body); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid batch status = %d", resp.StatusCode)
	}

	body, ct = multipartBody(t, []part{{"files", "e.wav", src}}, nil)
	if resp := ts.do(t, http.MethodPost, "/api/tracks/batch", "alice", ct, body); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("mismatched batch status = %d", resp.StatusCode)
	}
}

func TestJobStatusWebSocket(t *testing.T) {
	ts := newTestServer(t, nil)
	jobID := ts.upload(t, "alice", "Socket Take", silentWAV(t))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/jobs/" + jobID + "/ws"
	header := http.Header{}
	header.Set(UserIDHeader, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var last model.Job
	for {
		var job model.Job
		if err := conn.ReadJSON(&job); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			t.Fatalf("read: %v", err)
		}
		last = job
	}
	if last.State != model.JobSucceeded || last.TrackID == "" {
		t.Fatalf("last pushed job = %+v", last)
	}

	header.Set(UserIDHeader, "bob")
	if _, resp, err := websocket.DefaultDialer.Dial(url, header); err == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign dial err = %v", err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, map[string]HealthCheck{
		"blobs":    func(ctx context.Context) error { return nil },
		"metadata": func(ctx context.Context) error { return errors.New("connection refused") },
	})
	resp := ts.do(t, http.MethodGet, "/health", "", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Backends map[string]string `json:"backends"`
	}
	decode(t, resp, &out)
	if out.Backends["blobs"] != "ok" || out.Backends["metadata"] != "connection refused" {
		t.Fatalf("backends = %v", out.Backends)
	}

	if resp := ts.do(t, http.MethodGet, "/metrics", "", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ingest.ErrQueueFull, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: x", ingest.ErrBatchFailed), http.StatusUnprocessableEntity},
		{model.ErrJobNotFound, http.StatusNotFound},
		{&ingest.IngestError{Kind: ingest.KindValidation, Err: ingest.ErrDuplicateTitle}, http.StatusConflict},
		{&ingest.IngestError{Kind: ingest.KindValidation, Err: ingest.ErrInvalidTitle}, http.StatusBadRequest},
		{&ingest.IngestError{Kind: ingest.KindNotFound, Err: ingest.ErrTrackNotFound}, http.StatusNotFound},
		{&ingest.IngestError{Kind: ingest.KindPermission, Err: ingest.ErrPermissionDenied}, http.StatusForbidden},
		{&ingest.IngestError{Kind: ingest.KindStorage, Err: errors.New("disk full")}, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestPreflightSkipsIdentity(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodOptions, "/api/tracks", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, UserIDHeader) {
		t.Fatalf("allow headers = %q", got)
	}
}
