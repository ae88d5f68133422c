// Package api exposes job submission, CSV batch upload, job status and the
// operational endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/imalyk/pixelpipe/internal/ingest"
	"github.com/imalyk/pixelpipe/internal/metrics"
	"github.com/imalyk/pixelpipe/internal/queue"
	"github.com/imalyk/pixelpipe/internal/status"
	"github.com/imalyk/pixelpipe/pkg/job"
)

const (
	maxJobBytes   = 1 << 20
	maxBatchBytes = 32 << 20
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	publisher queue.Publisher
	store     status.Store
	dead      queue.DeadLetterLister
	health    HealthCheck
	logger    *slog.Logger
}

// NewServer builds the API. dead and health may be nil.
func NewServer(publisher queue.Publisher, store status.Store, dead queue.DeadLetterLister, health HealthCheck, logger *slog.Logger) *Server {
	return &Server{publisher: publisher, store: store, dead: dead, health: health, logger: logger}
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/jobs", s.submitJob).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}", s.getJob).Methods(http.MethodGet)
	r.HandleFunc("/v1/batches", s.submitBatch).Methods(http.MethodPost)
	r.HandleFunc("/v1/dead-letters", s.listDeadLetters).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", s.getStats).Methods(http.MethodGet)
	addOpsRoutes(r, s.health)
	r.Use(recordRequests)
	return r
}

// OpsRoutes serves only /healthz and /metrics.
func OpsRoutes(health HealthCheck) http.Handler {
	r := mux.NewRouter()
	addOpsRoutes(r, health)
	return r
}

func addOpsRoutes(r *mux.Router, health HealthCheck) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/metrics", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = io.WriteString(w, metrics.Export())
	}).Methods(http.MethodGet)
}

func recordRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		metrics.RecordRequest(r.Method, path, rec.status)
	})
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJobBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		writeError(w, http.StatusBadRequest, "invalid JSON object")
		return
	}
	for _, key := range []string{"job_id", "image_id"} {
		if v, ok := fields[key]; !ok || string(v) == "null" || string(v) == `""` {
			fields[key], _ = json.Marshal(uuid.NewString())
		}
	}
	raw, _ = json.Marshal(fields)

	j, err := job.Validate(raw)
	if err != nil {
		var verr *job.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := json.Marshal(j)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode job")
		return
	}
	msgID, err := s.publisher.Publish(r.Context(), body)
	if err != nil {
		s.logger.Error("failed to publish job", "job_id", j.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue job")
		return
	}
	s.logger.Info("job submitted", "job_id", j.ID, "message_id", msgID, "priority", j.Priority)
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: j.ID, MessageID: msgID, Status: "queued"})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, status.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// submitBatch accepts a CSV either as the raw body or as the multipart form
// field "file".
func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBytes)
	defer r.Body.Close()

	var src io.Reader = r.Body
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBatchBytes); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		defer r.MultipartForm.RemoveAll()
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
			return
		}
		defer file.Close()
		src = file
	}

	options, err := batchOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := ingest.Submit(r.Context(), s.publisher, src, r.URL.Query().Get("batch_id"), options, s.logger)
	if err != nil {
		if report.BatchID == "" {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("batch ingestion interrupted", "batch_id", report.BatchID, "error", err)
		writeJSON(w, http.StatusInternalServerError, report)
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

// batchOptions reads processing options applied to every row of a batch from
// the query string: resize_formats, output_formats, create_thumbnail,
// extract_metadata and archive_original.
func batchOptions(r *http.Request) (job.ProcessingOptions, error) {
	q := r.URL.Query()
	var opts job.ProcessingOptions
	if v := q.Get("resize_formats"); v != "" {
		opts.ResizeFormats = strings.Split(v, ",")
	}
	if v := q.Get("output_formats"); v != "" {
		opts.OutputFormats = strings.Split(v, ",")
	}
	for key, dst := range map[string]**bool{"create_thumbnail": &opts.CreateThumbnail, "extract_metadata": &opts.ExtractMetadata} {
		if v := q.Get(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return job.ProcessingOptions{}, &job.ValidationError{Field: key, Reason: "must be a boolean"}
			}
			*dst = &b
		}
	}
	if v := q.Get("archive_original"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return job.ProcessingOptions{}, &job.ValidationError{Field: "archive_original", Reason: "must be a boolean"}
		}
		opts.ArchiveOriginal = b
	}
	if _, err := job.Normalize(job.Job{ID: "batch", ImageID: "batch", SourceURL: "http://batch.invalid", ProcessingOptions: opts}); err != nil {
		return job.ProcessingOptions{}, err
	}
	return opts, nil
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.dead == nil {
		writeError(w, http.StatusNotFound, "dead letters are not available")
		return
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}
	letters, err := s.dead.DeadLetters(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list dead letters", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

type statsResponse struct {
	TotalJobs int64               `json:"total_jobs"`
	ByState   map[job.State]int64 `json:"by_state"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		s.logger.Error("failed to load job counts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job counts")
		return
	}
	resp := statsResponse{ByState: make(map[job.State]int64, len(job.States))}
	for _, state := range job.States {
		resp.ByState[state] = counts[state]
		resp.TotalJobs += counts[state]
	}
	writeJSON(w, http.StatusOK, resp)
}
