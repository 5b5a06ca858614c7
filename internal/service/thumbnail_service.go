package service

import (
	"context"
	"fmt"

	"github.com/iqtiles/server/internal/jobstore"
	"github.com/iqtiles/server/internal/pipeline"
)

// ThumbnailService renders thumbnails for queued jobs.
type ThumbnailService struct {
	registry interface {
		Get(recordingID string) *SpectrogramService
	}
}

// NewThumbnailService creates a new thumbnail service.
func NewThumbnailService(registry interface {
	Get(recordingID string) *SpectrogramService
}) *ThumbnailService {
	return &ThumbnailService{registry: registry}
}

// ParamsFor overlays the job's settings on the recording defaults.
func (s *SpectrogramService) ParamsFor(tp jobstore.ThumbnailParams) (pipeline.Params, error) {
	params := s.Defaults()
	if tp.FFTSize != 0 {
		params.FFTSize = tp.FFTSize
	}
	if tp.Window != "" {
		w, err := pipeline.ParseWindow(tp.Window)
		if err != nil {
			return params, err
		}
		params.Window = w
	}
	if tp.Colormap != "" {
		params.Colormap = tp.Colormap
	}
	if tp.MagnitudeMin != nil {
		params.MagnitudeMin = *tp.MagnitudeMin
	}
	if tp.MagnitudeMax != nil {
		params.MagnitudeMax = *tp.MagnitudeMax
	}
	return params, params.Validate(s.TileSampleCount())
}

// ExecuteThumbnailJob renders the thumbnail for a job (called by JobManager worker).
func (s *ThumbnailService) ExecuteThumbnailJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}

	svc := s.registry.Get(job.Params.RecordingID)
	if svc == nil {
		return fmt.Errorf("%w: recording %s", ErrNotFound, job.Params.RecordingID)
	}
	params, err := svc.ParamsFor(job.Params)
	if err != nil {
		return err
	}

	data, err := svc.Thumbnail(ctx, params, job.Params.Tile)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w, h := svc.renderer.ThumbnailSize()
	return store.SaveResult(&jobstore.Result{JobID: jobID, Width: w, Height: h, PNG: data})
}
