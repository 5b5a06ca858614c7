// Package api provides HTTP handlers for the IQ tile server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iqtiles/server/internal/jobstore"
	"github.com/iqtiles/server/internal/pipeline"
	"github.com/iqtiles/server/internal/service"
	"github.com/iqtiles/server/pkg/colormap"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *RecordingRegistry
	CORSOrigins []string
	JobManager  *JobManager
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Missing-Tiles"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{DisableCompression: true}))
	}

	r.Get("/api/recordings", recordingsHandler(cfg.Registry))

	// Recording-scoped routes: /api/recordings/{recording}/...
	r.Route("/api/recordings/{recording}", func(r chi.Router) {
		r.Use(recordingMiddleware(cfg.Registry))

		r.Get("/meta", metaHandler)
		r.Get("/spectrogram.png", spectrogramHandler(cfg.Logger))
		r.Get("/export.parquet", exportHandler(cfg.Logger))
		r.Get("/stream", streamHandler(cfg.CORSOrigins, cfg.Logger))
		r.Post("/thumbnail/jobs", thumbnailJobSubmitHandler(cfg.JobManager))
	})

	// Global thumbnail job endpoints (not recording-scoped)
	r.Route("/api/thumbnail/jobs", func(r chi.Router) {
		r.Get("/{job_id}", thumbnailJobStatusHandler(cfg.JobManager))
		r.Get("/{job_id}/result", thumbnailJobResultHandler(cfg.JobManager))
		r.Delete("/{job_id}", thumbnailJobCancelHandler(cfg.JobManager))
	})

	return r
}

// Context key for recording service
type ctxKey string

const recordingServiceKey ctxKey = "recordingService"

// recordingMiddleware resolves the recording from URL and injects its service into context.
func recordingMiddleware(registry *RecordingRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recordingID := chi.URLParam(r, "recording")
			svc := registry.Get(recordingID)
			if svc == nil {
				http.Error(w, "recording not found: "+recordingID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), recordingServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getRecordingService(r *http.Request) *service.SpectrogramService {
	if svc, ok := r.Context().Value(recordingServiceKey).(*service.SpectrogramService); ok {
		return svc
	}
	return nil
}

// writeError maps service and pipeline errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing to report.
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrInvalidParam):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound), errors.Is(err, pipeline.ErrOutOfRange):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrUnavailable), errors.Is(err, pipeline.ErrSuperseded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// recordingsHandler returns the list of available recordings.
func recordingsHandler(registry *RecordingRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":    registry.DefaultRecordingID(),
			"recordings": registry.Recordings(),
			"title":      registry.Title(),
			"colormaps":  colormap.Names(),
			"windows":    pipeline.Windows(),
			"transforms": pipeline.TransformIDs(),
		})
	}
}

func metaHandler(w http.ResponseWriter, r *http.Request) {
	svc := getRecordingService(r)
	if svc == nil {
		http.Error(w, "recording service not found", http.StatusInternalServerError)
		return
	}
	d := svc.Defaults()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recording": svc.Info(),
		"defaults": map[string]interface{}{
			"fft_size": d.FFTSize,
			"window":   d.Window,
			"mag_min":  d.MagnitudeMin,
			"mag_max":  d.MagnitudeMax,
			"colormap": d.Colormap,
		},
	})
}

// spectrogramHandler renders a view as PNG. Tiles that could not be loaded
// are drawn as placeholders and listed in X-Missing-Tiles; such responses
// are not cacheable.
func spectrogramHandler(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getRecordingService(r)
		if svc == nil {
			http.Error(w, "recording service not found", http.StatusInternalServerError)
			return
		}
		q := r.URL.Query()
		params, err := parseParams(q, svc.Defaults(), svc.TileSampleCount())
		if err != nil {
			writeError(w, err)
			return
		}
		view, err := parseView(q)
		if err != nil {
			writeError(w, err)
			return
		}
		sel, err := parseSelection(q)
		if err != nil {
			writeError(w, err)
			return
		}

		data, missing, err := svc.RenderPNG(r.Context(), params, view, sel)
		if err != nil {
			if r.Context().Err() == nil {
				log.Warn("render failed", zap.String("recording", svc.RecordingID()), zap.Error(err))
			}
			writeError(w, err)
			return
		}
		if data == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if len(missing) > 0 {
			w.Header().Set("X-Missing-Tiles", joinInts(missing))
			w.Header().Set("Cache-Control", "no-store")
		} else {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}
}

func exportHandler(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getRecordingService(r)
		if svc == nil {
			http.Error(w, "recording service not found", http.StatusInternalServerError)
			return
		}
		q := r.URL.Query()
		params, err := parseParams(q, svc.Defaults(), svc.TileSampleCount())
		if err != nil {
			writeError(w, err)
			return
		}
		view, err := parseView(q)
		if err != nil {
			writeError(w, err)
			return
		}

		// Encode into memory so that failures can still produce an error status.
		var buf bytes.Buffer
		rows, err := svc.ExportParquet(r.Context(), &buf, params, view.Lower, view.Upper)
		if err != nil {
			writeError(w, err)
			return
		}
		log.Debug("exported magnitudes",
			zap.String("recording", svc.RecordingID()),
			zap.Int("rows", rows),
			zap.Int("bytes", buf.Len()))

		name := fmt.Sprintf("%s_%g_%g.parquet", svc.RecordingID(), view.Lower, view.Upper)
		w.Header().Set("Content-Type", "application/vnd.apache.parquet")
		w.Header().Set("Content-Disposition", "attachment; filename=\""+name+"\"")
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		w.Write(buf.Bytes())
	}
}

// Thumbnail job handlers

type thumbnailJobSubmitRequest struct {
	Tile         int      `json:"tile"`
	FFTSize      int      `json:"fft_size"`
	Window       string   `json:"window"`
	Colormap     string   `json:"colormap"`
	MagnitudeMin *float64 `json:"mag_min"`
	MagnitudeMax *float64 `json:"mag_max"`
}

func thumbnailJobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		svc := getRecordingService(r)
		if svc == nil {
			http.Error(w, "recording service not available", http.StatusInternalServerError)
			return
		}

		var req thumbnailJobSubmitRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		if req.Tile < 0 {
			http.Error(w, "tile must be >= 0", http.StatusBadRequest)
			return
		}

		params := jobstore.ThumbnailParams{
			RecordingID:  svc.RecordingID(),
			Tile:         req.Tile,
			FFTSize:      req.FFTSize,
			Window:       req.Window,
			Colormap:     req.Colormap,
			MagnitudeMin: req.MagnitudeMin,
			MagnitudeMax: req.MagnitudeMax,
		}
		// Reject bad parameters now rather than in a failed job.
		if _, err := svc.ParamsFor(params); err != nil {
			writeError(w, err)
			return
		}

		job, err := jm.Submit(params)
		if errors.Is(err, ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func thumbnailJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func thumbnailJobResultHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != jobstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		res, err := jm.Result(jobID)
		if err != nil {
			http.Error(w, "failed to load result: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if res == nil {
			http.Error(w, "result not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write(res.PNG)
	}
}

func thumbnailJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		// Finished jobs are removed; queued or running ones are cancelled.
		if job.Status.Terminal() {
			if err := jm.Delete(jobID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":  jobID,
				"deleted": true,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": jm.Cancel(jobID),
		})
	}
}

func joinInts(xs []int) string {
	b := make([]byte, 0, 4*len(xs))
	for i, x := range xs {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendInt(b, int64(x), 10)
	}
	return string(b)
}
