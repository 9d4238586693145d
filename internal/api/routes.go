package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reelcut/reelcut/internal/jobs"
	"github.com/reelcut/reelcut/internal/logging"
	"github.com/reelcut/reelcut/internal/pipeline"
)

const maxListLimit = 500

func NewRouter(cfg ServerConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORS())

	r.Get("/", healthHandler(cfg))
	r.Get("/health", healthHandler(cfg))

	r.Post("/merge-intro", mergeIntroHandler(cfg))
	r.Post("/merge-outro", mergeOutroHandler(cfg))
	r.Get("/process-video", processVideoHandler(cfg))
	r.Post("/trim-video", trimVideoHandler(cfg))

	r.Get("/jobs", listJobsHandler(cfg))
	r.Get("/jobs/{id}", getJobHandler(cfg))

	r.Get("/output-video/{name}", outputHandler(cfg))
	r.Head("/output-video/{name}", outputHandler(cfg))

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		}
		if cfg.Doctor != nil {
			// Health checks read the last result; only a cold cache or an
			// explicit refresh runs the binaries.
			caps := cfg.Doctor.Peek()
			if caps == nil || r.URL.Query().Get("refresh") == "true" {
				caps = cfg.Doctor.Get(r.Context())
			}
			resp.Engine = caps
			if !caps.Ready() {
				resp.Status = "degraded"
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func mergeIntroHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MergeIntroRequest
		if err := decodeJSON(w, r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.IntroVideo == "" || req.VideoURL == "" {
			WriteError(w, http.StatusBadRequest, "introVideo and videoUrl are required", "BAD_REQUEST")
			return
		}
		runJob(cfg, w, r, pipeline.Request{
			Workflow:   pipeline.WorkflowMergeIntro,
			SourceURL:  req.VideoURL,
			AuxURL:     req.IntroVideo,
			OutputName: req.OutputName,
		})
	}
}

func mergeOutroHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MergeOutroRequest
		if err := decodeJSON(w, r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.OutroVideo == "" || req.VideoURL == "" {
			WriteError(w, http.StatusBadRequest, "outroVideo and videoUrl are required", "BAD_REQUEST")
			return
		}
		runJob(cfg, w, r, pipeline.Request{
			Workflow:   pipeline.WorkflowMergeOutro,
			SourceURL:  req.VideoURL,
			AuxURL:     req.OutroVideo,
			OutputName: req.OutputName,
		})
	}
}

func processVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		videoURL := q.Get("videoUrl")
		if videoURL == "" {
			WriteError(w, http.StatusBadRequest, "videoUrl is required", "BAD_REQUEST")
			return
		}
		runJob(cfg, w, r, pipeline.Request{
			Workflow:   pipeline.WorkflowSilenceTrim,
			SourceURL:  videoURL,
			OutputName: q.Get("outputName"),
		})
	}
}

func trimVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TrimRequest
		if err := decodeJSON(w, r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.URL == "" {
			WriteError(w, http.StatusBadRequest, "url is required", "BAD_REQUEST")
			return
		}
		cuts, err := parseSegments(req.Segments)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		runJob(cfg, w, r, pipeline.Request{
			Workflow:   pipeline.WorkflowExplicitTrim,
			SourceURL:  req.URL,
			Cuts:       cuts,
			OutputName: req.OutputName,
		})
	}
}

// runJob executes req on the request's context, so a client that hangs up
// cancels its job.
func runJob(cfg ServerConfig, w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	res, err := cfg.Runner.Run(r.Context(), req)
	if err != nil {
		writePipelineError(cfg, w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, VideoResponse{VideoURL: res.URL, JobID: res.JobID})
}

func writePipelineError(cfg ServerConfig, w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrShuttingDown) {
		WriteError(w, http.StatusServiceUnavailable, err.Error(), "SHUTTING_DOWN")
		return
	}
	kind := pipeline.KindOf(err)
	status := statusForKind(kind)
	code := string(kind)
	if code == "" {
		code = "INTERNAL_ERROR"
	}

	requestID, _ := r.Context().Value(RequestIDKey).(string)
	cfg.Logger.Warn("job failed", "kind", code, "status", status, "error", err, "request_id", requestID)

	msg := err.Error()
	if status == http.StatusInternalServerError && kind == "" {
		msg = "internal server error"
	}
	WriteError(w, status, msg, code)
}

func statusForKind(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindInvalidInput:
		return http.StatusBadRequest
	case pipeline.KindEmptyResult:
		return http.StatusUnprocessableEntity
	case pipeline.KindDownload:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Jobs == nil {
			WriteError(w, http.StatusNotFound, "job history disabled", "NOT_FOUND")
			return
		}
		opts := jobs.ListOptions{Status: strings.TrimSpace(r.URL.Query().Get("status"))}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxListLimit {
				WriteError(w, http.StatusBadRequest, "limit must be between 1 and 500", "BAD_REQUEST")
				return
			}
			opts.Limit = n
		}

		list, err := cfg.Jobs.ListJobs(r.Context(), opts)
		if err != nil {
			cfg.Logger.Error("list jobs failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}
		counts, err := cfg.Jobs.CountByStatus(r.Context())
		if err != nil {
			cfg.Logger.Warn("count jobs failed", "error", err)
		}
		if list == nil {
			list = []*jobs.Job{}
		}
		WriteJSON(w, http.StatusOK, JobsResponse{Jobs: list, Counts: counts})
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Jobs == nil {
			WriteError(w, http.StatusNotFound, "job history disabled", "NOT_FOUND")
			return
		}
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "job id required", "BAD_REQUEST")
			return
		}

		job, err := cfg.Jobs.GetJob(r.Context(), id)
		if err != nil {
			cfg.Logger.Error("get job failed", "job_id", id, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to load job", "INTERNAL_ERROR")
			return
		}
		if job == nil {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, job)
	}
}

func outputHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Outputs == nil {
			http.NotFound(w, r)
			return
		}
		name, err := url.PathUnescape(chi.URLParam(r, "name"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if err := cfg.Outputs.ServeOutput(w, r, name); err != nil {
			cfg.Logger.Error("output serve error", "name", name, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to read output", "INTERNAL_ERROR")
		}
	}
}
