package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/christianlouis/document-processor/internal/config"
	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
	"github.com/christianlouis/document-processor/internal/observability/metrics"
)

const (
	multipartMemory    = 8 << 20
	multipartOverhead  = 1 << 20
	defaultUploadLimit = 64 << 20
)

type Router struct {
	cfg       config.Config
	submitter ports.DocumentSubmitter
	status    ports.StatusReader
	revoker   ports.TaskRevoker
	metrics   *metrics.HTTPServerMetrics
}

func NewRouter(
	cfg config.Config,
	submitter ports.DocumentSubmitter,
	status ports.StatusReader,
	revoker ports.TaskRevoker,
	httpMetrics *metrics.HTTPServerMetrics,
) *Router {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultUploadLimit
	}
	return &Router{
		cfg:       cfg,
		submitter: submitter,
		status:    status,
		revoker:   revoker,
		metrics:   httpMetrics,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/documents", rt.submitDocument)
	mux.HandleFunc("GET /v1/status/{ref}", rt.getStatus)
	mux.HandleFunc("DELETE /v1/tasks/{task_id}", rt.revokeTask)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware("api", handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitResponse struct {
	TaskID     string    `json:"task_id"`
	Filename   string    `json:"filename"`
	SizeBytes  int64     `json:"size_bytes"`
	AcceptedAt time.Time `json:"accepted_at"`
}

func (rt *Router) submitDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "multipart body is required")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	if fileHeader.Size > rt.cfg.MaxUploadBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		return
	}

	taskID, err := rt.submitter.Submit(r.Context(), ports.SubmitRequest{
		Filename: fileHeader.Filename,
		MimeType: fileHeader.Header.Get("Content-Type"),
		Source:   domain.SourceUpload,
		Body:     file,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.ObserveUpload(fileHeader.Size)
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID:     taskID,
		Filename:   fileHeader.Filename,
		SizeBytes:  fileHeader.Size,
		AcceptedAt: time.Now().UTC(),
	})
}

func (rt *Router) getStatus(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(r.PathValue("ref"))
	if ref == "" {
		writeError(w, r, http.StatusBadRequest, "checksum or task id is required")
		return
	}

	view, err := rt.status.GetStatus(r.Context(), ref)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *Router) revokeTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(r.PathValue("task_id"))
	if taskID == "" {
		writeError(w, r, http.StatusBadRequest, "task id is required")
		return
	}

	if err := rt.revoker.Revoke(r.Context(), taskID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "revoke_requested"})
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("http_handler_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, r, status, err.Error())
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":      message,
		"request_id": requestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
