package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"trackingest/core/ingest"
	"trackingest/logger"
	"trackingest/model"
)

// multipart form overhead allowed on top of the audio itself
const formOverhead = 1 << 20

const maxBatchFiles = 16

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", logger.ErrorField(err))
	}
}

// statusFor maps pipeline errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrQueueFull), errors.Is(err, ingest.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, ingest.ErrBatchFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrSourceTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ingest.ErrDuplicateTitle):
		return http.StatusConflict
	}
	switch ingest.KindOf(err) {
	case ingest.KindValidation:
		return http.StatusBadRequest
	case ingest.KindNotFound:
		return http.StatusNotFound
	case ingest.KindPermission:
		return http.StatusForbidden
	case ingest.KindTranscode:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", logger.ErrorField(err))
	}
	writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		Kind:      string(ingest.KindOf(err)),
		Retryable: ingest.IsRetryable(err) || errors.Is(err, ingest.ErrQueueFull),
	})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: string(ingest.KindValidation)})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// parseUploadForm limits the body then parses the multipart form.
func (s *Server) parseUploadForm(w http.ResponseWriter, r *http.Request, files int) error {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(files)*s.maxUploadBytes+formOverhead)
	}
	// 32MB 内存缓冲，超出部分写入临时文件
	return r.ParseMultipartForm(32 << 20)
}

// formError answers a failed parseUploadForm: 413 past the body limit, 400 otherwise.
func (s *Server) formError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, fmt.Errorf("%w: limit %d bytes per file", ingest.ErrSourceTooLarge, s.maxUploadBytes))
		return
	}
	badRequest(w, "invalid multipart form: "+err.Error())
}

// UploadTrackHandler accepts one multipart upload and queues it.
// Form fields: file, title, description.
func (s *Server) UploadTrackHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())

	if err := s.parseUploadForm(w, r, 1); err != nil {
		s.formError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	fh := firstFile(r.MultipartForm, "file")
	if fh == nil {
		badRequest(w, "missing file field")
		return
	}
	data, err := readPart(fh)
	if err != nil {
		badRequest(w, "failed to read upload: "+err.Error())
		return
	}

	jobID, err := s.dispatcher.Submit(r.Context(), model.UploadRequest{
		OwnerID:        userID,
		Title:          r.FormValue("title"),
		Description:    r.FormValue("description"),
		Source:         data,
		SourceFilename: fh.Filename,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", "/api/jobs/"+jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":     jobID,
		"statusUrl": "/api/jobs/" + jobID,
	})
}

func firstFile(form *multipart.Form, field string) *multipart.FileHeader {
	if form == nil || len(form.File[field]) == 0 {
		return nil
	}
	return form.File[field][0]
}

// UploadBatchHandler ingests several uploads and waits for all of them.
// Form fields: repeated files, titles and descriptions in matching order.
func (s *Server) UploadBatchHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())

	if err := s.parseUploadForm(w, r, maxBatchFiles); err != nil {
		s.formError(w, err)
		return
	}
	form := r.MultipartForm
	defer form.RemoveAll()

	files := form.File["files"]
	titles := form.Value["titles"]
	descriptions := form.Value["descriptions"]
	if len(files) != len(titles) {
		badRequest(w, fmt.Sprintf("got %d files but %d titles", len(files), len(titles)))
		return
	}
	if len(files) > maxBatchFiles {
		badRequest(w, fmt.Sprintf("at most %d files per batch", maxBatchFiles))
		return
	}
	if len(descriptions) != 0 && len(descriptions) != len(files) {
		badRequest(w, fmt.Sprintf("got %d files but %d descriptions", len(files), len(descriptions)))
		return
	}

	reqs := make([]model.UploadRequest, len(files))
	for i, fh := range files {
		data, err := readPart(fh)
		if err != nil {
			badRequest(w, fmt.Sprintf("failed to read %s: %v", fh.Filename, err))
			return
		}
		reqs[i] = model.UploadRequest{
			OwnerID:        userID,
			Title:          titles[i],
			Source:         data,
			SourceFilename: fh.Filename,
		}
		if len(descriptions) > 0 {
			reqs[i].Description = descriptions[i]
		}
	}

	result, err := s.orch.IngestBatch(r.Context(), reqs)
	if errors.Is(err, ingest.ErrBatchFailed) && result != nil {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListTracksHandler lists the caller's tracks.
func (s *Server) ListTracksHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	tracks, err := s.orch.ListTracks(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if tracks == nil {
		tracks = []*model.TrackRecord{}
	}
	writeJSON(w, http.StatusOK, tracks)
}

// UpdateTrackHandler edits title and description of one of the caller's tracks.
func (s *Server) UpdateTrackHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	trackID := mux.Vars(r)["id"]

	var fields ingest.TrackUpdateFields
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fields); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}

	rec, err := s.orch.Update(r.Context(), trackID, userID, fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteTrackHandler removes one of the caller's tracks with its audio.
func (s *Server) DeleteTrackHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	if err := s.orch.Delete(r.Context(), mux.Vars(r)["id"], userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedJob loads a job; jobs of other callers look missing.
func (s *Server) ownedJob(ctx context.Context, jobID string) (*model.Job, error) {
	userID, _ := GetUserIDFromContext(ctx)
	job, err := s.dispatcher.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != userID {
		return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	return job, nil
}

// JobStatusHandler returns the state of a queued upload.
func (s *Server) JobStatusHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.ownedJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HealthHandler runs every configured backend check.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	report := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			report[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":   http.StatusText(status),
		"backends": report,
	})
}
