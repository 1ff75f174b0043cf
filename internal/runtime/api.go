package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-memo/internal/capture"
	"github.com/loqalabs/loqa-memo/internal/device"
	"github.com/loqalabs/loqa-memo/internal/failure"
	"github.com/loqalabs/loqa-memo/internal/store"
)

// api serves the local control surface of the daemon.
type api struct {
	svc     *Services
	capture *capture.Manager
	devices *device.Registry
	log     *slog.Logger
}

type recordingView struct {
	ID         int64     `json:"id"`
	File       string    `json:"file"`
	CreatedAt  time.Time `json:"created_at"`
	DurationMs int64     `json:"duration_ms"`
}

type hitView struct {
	recordingView
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

type jobView struct {
	RecordingID int64  `json:"recording_id"`
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
}

func viewOf(rec store.Recording) recordingView {
	return recordingView{ID: rec.ID, File: rec.FilePath, CreatedAt: rec.CreatedAt, DurationMs: rec.DurationMs}
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/capture/start", a.handleCaptureStart)
	mux.HandleFunc("POST /v1/capture/stop", a.handleCaptureStop)
	mux.HandleFunc("GET /v1/capture/status", a.handleCaptureStatus)
	mux.HandleFunc("GET /v1/devices", a.handleDevices)
	mux.HandleFunc("GET /v1/recordings", a.handleRecordings)
	mux.HandleFunc("GET /v1/recordings/{id}", a.handleRecording)
	mux.HandleFunc("GET /v1/recordings/{id}/markdown", a.handleMarkdown)
	mux.HandleFunc("POST /v1/recordings/{id}/transcribe", a.handleTranscribe)
	mux.HandleFunc("GET /v1/recordings/{id}/job", a.handleJob)
	mux.HandleFunc("GET /v1/search", a.handleSearch)
}

func (a *api) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	if a.capture == nil {
		a.fail(w, failure.New(failure.UnsupportedOperation, "start capture", errors.New("capture is not available")))
		return
	}
	s, started, err := a.capture.TryStart(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	if !started {
		// Starting while a session runs is a no-op; report the running one.
		running := map[string]any{"started": false, "session_id": ""}
		if cur := a.capture.Current(); cur != nil {
			running["session_id"] = cur.ID()
		}
		writeJSON(w, http.StatusOK, running)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"started": true, "session_id": s.ID(), "path": s.Path()})
}

func (a *api) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	if a.capture == nil {
		a.fail(w, failure.New(failure.UnsupportedOperation, "stop capture", errors.New("capture is not available")))
		return
	}
	rec, err := a.capture.Stop(r.Context())
	if err != nil && rec.ID == 0 {
		a.fail(w, err)
		return
	}
	if err != nil {
		a.log.Warn("capture ended with error", slog.Int64("recording_id", rec.ID), slogError(err))
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (a *api) handleCaptureStatus(w http.ResponseWriter, _ *http.Request) {
	if a.capture == nil {
		writeJSON(w, http.StatusOK, map[string]string{"state": string(capture.StateIdle), "status": string(capture.StatusIdle)})
		return
	}
	writeJSON(w, http.StatusOK, a.capture.Status().Last())
}

func (a *api) handleDevices(w http.ResponseWriter, _ *http.Request) {
	entries := []device.Entry{}
	if a.devices != nil {
		entries = append(entries, a.devices.Entries()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": entries})
}

func (a *api) handleRecordings(w http.ResponseWriter, r *http.Request) {
	limit, ok := a.limit(w, r)
	if !ok {
		return
	}
	recs, err := a.svc.Store.ListRecordings(r.Context(), limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	out := make([]recordingView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": out})
}

func (a *api) handleRecording(w http.ResponseWriter, r *http.Request) {
	id, ok := a.recordingID(w, r)
	if !ok {
		return
	}
	session, err := a.svc.Exporter.Session(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *api) handleMarkdown(w http.ResponseWriter, r *http.Request) {
	id, ok := a.recordingID(w, r)
	if !ok {
		return
	}
	md, err := a.svc.Exporter.Markdown(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(md))
}

func (a *api) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := a.recordingID(w, r)
	if !ok {
		return
	}
	if _, err := a.svc.Store.GetRecording(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.svc.Jobs.Enqueue(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"recording_id": id})
}

func (a *api) handleJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.recordingID(w, r)
	if !ok {
		return
	}
	job, found, err := a.svc.Store.GetJob(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no job for recording"})
		return
	}
	writeJSON(w, http.StatusOK, jobView{
		RecordingID: job.RecordingID,
		State:       string(job.State),
		Attempts:    job.Attempts,
		LastError:   job.LastError,
		ErrorKind:   job.ErrorKind,
	})
}

func (a *api) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, ok := a.limit(w, r)
	if !ok {
		return
	}
	hits, err := a.svc.Store.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	out := make([]hitView, 0, len(hits))
	for _, h := range hits {
		out = append(out, hitView{recordingView: viewOf(h.Recording), Snippet: h.Snippet, Score: h.Score})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": out})
}

func (a *api) recordingID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid recording id"})
		return 0, false
	}
	return id, true
}

func (a *api) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		return 0, false
	}
	return n, true
}

func (a *api) fail(w http.ResponseWriter, err error) {
	kind := failure.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", slogError(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind.String()})
}

func statusFor(kind failure.Kind) int {
	switch kind {
	case failure.MalformedInput, failure.ValidationFailure:
		return http.StatusBadRequest
	case failure.InvalidState:
		return http.StatusConflict
	case failure.PermissionDenied, failure.AuthenticationFailure:
		return http.StatusForbidden
	case failure.UnsupportedOperation:
		return http.StatusNotImplemented
	case failure.TransientIO, failure.ModelUnavailable, failure.NativeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
