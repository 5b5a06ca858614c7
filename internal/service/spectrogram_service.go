// Package service provides business logic for the tile server.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/iqtiles/server/internal/cache"
	"github.com/iqtiles/server/internal/pipeline"
	"github.com/iqtiles/server/internal/render"
	"github.com/iqtiles/server/internal/source"
)

var (
	// ErrNotFound is returned for unknown recordings and jobs.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is returned when tiles needed for a complete result could not be loaded.
	ErrUnavailable = errors.New("tiles unavailable")
)

// SpectrogramServiceConfig contains spectrogram service configuration.
type SpectrogramServiceConfig struct {
	RecordingID    string
	Description    string
	Recording      Recording
	Cache          *cache.Manager
	Renderer       *render.Renderer
	Pipeline       pipeline.Config
	Defaults       pipeline.Params
	PoolSize       int
	MaxExportTiles int
	MaxRenderTiles int
}

// SpectrogramService renders one recording. Requests with the same parameter
// set share a pooled pipeline and so its tile caches and magnitude bounds.
type SpectrogramService struct {
	recordingID    string
	description    string
	recording      Recording
	cache          *cache.Manager
	renderer       *render.Renderer
	pipelineCfg    pipeline.Config
	defaults       pipeline.Params
	maxExportTiles int
	maxRenderTiles int
	log            *zap.Logger

	poolMu sync.Mutex
	pool   *lru.Cache[string, *pipeline.Pipeline]
}

// NewSpectrogramService creates a new spectrogram service.
func NewSpectrogramService(cfg SpectrogramServiceConfig) (*SpectrogramService, error) {
	if cfg.Recording == nil {
		return nil, fmt.Errorf("recording %q: no source", cfg.RecordingID)
	}
	if cfg.RecordingID == "" {
		cfg.RecordingID = "default"
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewRenderer(render.Config{})
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 16
	}
	if cfg.MaxExportTiles <= 0 {
		cfg.MaxExportTiles = 64
	}
	if cfg.MaxRenderTiles <= 0 {
		cfg.MaxRenderTiles = 256
	}
	if cfg.Pipeline.TileSampleCount <= 0 {
		cfg.Pipeline.TileSampleCount = pipeline.DefaultTileSampleCount
	}
	if cfg.Pipeline.MaxCachedTiles <= 0 {
		cfg.Pipeline.MaxCachedTiles = 256
	}
	if cfg.Pipeline.Logger == nil {
		cfg.Pipeline.Logger = zap.NewNop()
	}
	cfg.Pipeline.Logger = cfg.Pipeline.Logger.With(zap.String("recording", cfg.RecordingID))
	if cfg.Pipeline.RawStore == nil {
		if cfg.Cache != nil {
			cfg.Pipeline.RawStore = cfg.Cache.RawStore(cfg.RecordingID, cfg.Pipeline.TileSampleCount)
		} else {
			cfg.Pipeline.RawStore = pipeline.NewMemoryRawStore(cfg.Pipeline.MaxCachedTiles)
		}
	}
	if cfg.Defaults.FFTSize == 0 {
		cfg.Defaults = pipeline.DefaultParams()
	}
	if err := cfg.Defaults.Validate(cfg.Pipeline.TileSampleCount); err != nil {
		return nil, fmt.Errorf("recording %q: default parameters: %w", cfg.RecordingID, err)
	}

	pool, err := lru.New[string, *pipeline.Pipeline](cfg.PoolSize)
	if err != nil {
		return nil, err
	}

	return &SpectrogramService{
		recordingID:    cfg.RecordingID,
		description:    cfg.Description,
		recording:      cfg.Recording,
		cache:          cfg.Cache,
		renderer:       cfg.Renderer,
		pipelineCfg:    cfg.Pipeline,
		defaults:       cfg.Defaults,
		maxExportTiles: cfg.MaxExportTiles,
		maxRenderTiles: cfg.MaxRenderTiles,
		log:            cfg.Pipeline.Logger,
		pool:           pool,
	}, nil
}

// RecordingInfo describes a recording for the API.
type RecordingInfo struct {
	ID              string              `json:"id"`
	Description     string              `json:"description,omitempty"`
	DataType        string              `json:"data_type"`
	SampleRate      float64             `json:"sample_rate,omitempty"`
	CenterFrequency float64             `json:"center_frequency,omitempty"`
	TileSampleCount int                 `json:"tile_sample_count"`
	NumTiles        int                 `json:"num_tiles,omitempty"`
	Annotations     []source.Annotation `json:"annotations,omitempty"`
}

// Info returns the recording's description.
func (s *SpectrogramService) Info() RecordingInfo {
	md := s.recording.Metadata()
	info := RecordingInfo{
		ID:              s.recordingID,
		Description:     s.description,
		TileSampleCount: s.pipelineCfg.TileSampleCount,
		NumTiles:        s.numTiles(),
	}
	if md != nil {
		info.DataType = md.Global.DataType
		info.SampleRate = md.Global.SampleRate
		info.CenterFrequency = md.CenterFrequency()
		info.Annotations = md.Annotations
		if info.Description == "" {
			info.Description = md.Global.Description
		}
	}
	return info
}

// RecordingID returns the recording's ID.
func (s *SpectrogramService) RecordingID() string {
	return s.recordingID
}

// Defaults returns the parameters used for fields a request leaves unset.
func (s *SpectrogramService) Defaults() pipeline.Params {
	return s.defaults
}

// TileSampleCount returns the number of IQ samples per tile.
func (s *SpectrogramService) TileSampleCount() int {
	return s.pipelineCfg.TileSampleCount
}

// numTiles returns the recording length in tiles, or 0 when the source cannot tell.
func (s *SpectrogramService) numTiles() int {
	if sized, ok := s.recording.(interface{ NumTiles() int }); ok {
		return sized.NumTiles()
	}
	return 0
}

// clampView limits view to the recording.
func (s *SpectrogramService) clampView(view pipeline.View) pipeline.View {
	if n := s.numTiles(); n > 0 && view.Upper > float64(n) {
		view.Upper = float64(n)
	}
	if view.Zoom < 1 {
		view.Zoom = 1
	}
	return view
}

// checkView clamps view and rejects views covering more than maxRenderTiles.
func (s *SpectrogramService) checkView(view pipeline.View) (pipeline.View, error) {
	view = s.clampView(view)
	if n := view.TileCount(); n > s.maxRenderTiles {
		return view, fmt.Errorf("%w: view covers %d tiles, limit is %d", pipeline.ErrInvalidParam, n, s.maxRenderTiles)
	}
	return view, nil
}

// pipelineFor returns the pooled pipeline for params, creating it on first use.
func (s *SpectrogramService) pipelineFor(params pipeline.Params) (*pipeline.Pipeline, error) {
	key := params.Fingerprint()

	s.poolMu.Lock()
	defer s.poolMu.Unlock()

	if p, ok := s.pool.Get(key); ok {
		return p, nil
	}
	p, err := pipeline.New(s.recording, s.pipelineCfg, params)
	if err != nil {
		return nil, err
	}
	s.pool.Add(key, p)
	s.log.Debug("pipeline created", zap.String("params", key), zap.Int("pooled", s.pool.Len()))
	return p, nil
}

// NewSession returns a private pipeline for a long-lived client such as a
// stream. It shares the recording's raw tiles but nothing else.
func (s *SpectrogramService) NewSession(params pipeline.Params) (*pipeline.Pipeline, error) {
	return pipeline.New(s.recording, s.pipelineCfg, params)
}

// Render composes the spectrogram for view. A nil image means the view is empty.
func (s *SpectrogramService) Render(ctx context.Context, params pipeline.Params, view pipeline.View) (*pipeline.CompositeImage, error) {
	view, err := s.checkView(view)
	if err != nil {
		return nil, err
	}
	p, err := s.pipelineFor(params)
	if err != nil {
		return nil, err
	}
	return p.Render(ctx, view)
}

// RenderSession composes view on a pipeline returned by NewSession.
func (s *SpectrogramService) RenderSession(ctx context.Context, session *pipeline.Pipeline, view pipeline.View) (*pipeline.CompositeImage, error) {
	view, err := s.checkView(view)
	if err != nil {
		return nil, err
	}
	return session.Render(ctx, view)
}

// RenderPNG renders view as a PNG with an optional selection overlay and
// reports the tiles drawn as placeholders. It returns nil data when the view
// is empty. Only images without placeholder tiles are cached.
func (s *SpectrogramService) RenderPNG(ctx context.Context, params pipeline.Params, view pipeline.View, sel *render.Selection) ([]byte, []int, error) {
	view, err := s.checkView(view)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.pipelineFor(params)
	if err != nil {
		return nil, nil, err
	}

	lo, hi := p.Bounds()
	cacheKey := s.imageKey(params, lo, hi, view, sel)
	if s.cache != nil {
		if data, ok := s.cache.GetImage(cacheKey); ok {
			return data, nil, nil
		}
	}

	img, err := p.Render(ctx, view)
	if err != nil {
		return nil, nil, err
	}
	if img == nil {
		return nil, nil, nil
	}

	data, err := s.renderer.EncodePNG(img, sel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode spectrogram: %w", err)
	}

	// Bounds may have widened while rendering; the image then belongs to a
	// different key, so it is not cached.
	if s.cache != nil && img.Complete() {
		if lo2, hi2 := p.Bounds(); lo2 == lo && hi2 == hi {
			s.cache.SetImage(cacheKey, data)
		}
	}
	return data, img.Missing, nil
}

func (s *SpectrogramService) imageKey(params pipeline.Params, lo, hi float64, view pipeline.View, sel *render.Selection) string {
	selKey := "none"
	if sel != nil {
		selKey = fmt.Sprintf("%g:%g", sel.Lower, sel.Upper)
	}
	return cache.ImageKey(s.recordingID, params.Fingerprint(),
		"png", lo, hi, view.Lower, view.Upper, view.Zoom, selKey)
}

// Thumbnail renders tile index with params on a fresh pipeline, so the
// magnitude bounds start from params, and scales it to the renderer's
// thumbnail size.
func (s *SpectrogramService) Thumbnail(ctx context.Context, params pipeline.Params, index int) ([]byte, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: tile %d", pipeline.ErrInvalidParam, index)
	}
	if n := s.numTiles(); n > 0 && index >= n {
		return nil, fmt.Errorf("%w: tile %d of %d", pipeline.ErrOutOfRange, index, n)
	}
	p, err := s.NewSession(params)
	if err != nil {
		return nil, err
	}
	img, err := p.Render(ctx, pipeline.View{Lower: float64(index), Upper: float64(index + 1), Zoom: 1})
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("%w: tile %d", pipeline.ErrOutOfRange, index)
	}
	if !img.Complete() {
		return nil, fmt.Errorf("%w: tile %d", ErrUnavailable, index)
	}
	return s.renderer.Thumbnail(img)
}

// EmptyPNG returns a transparent placeholder image.
func (s *SpectrogramService) EmptyPNG(width, height int) ([]byte, error) {
	return s.renderer.EmptyPNG(width, height)
}

// Close releases the recording's source.
func (s *SpectrogramService) Close() error {
	if c, ok := s.recording.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// exportTiles returns the tile indexes an export of [lower, upper) covers.
func (s *SpectrogramService) exportTiles(lower, upper float64) ([]int, error) {
	view := s.clampView(pipeline.View{Lower: lower, Upper: upper, Zoom: 1})
	n := view.TileCount()
	if n == 0 {
		return nil, fmt.Errorf("%w: empty range [%g, %g)", pipeline.ErrInvalidParam, lower, upper)
	}
	if n > s.maxExportTiles {
		return nil, fmt.Errorf("%w: %d tiles requested, limit is %d", pipeline.ErrInvalidParam, n, s.maxExportTiles)
	}
	return view.Tiles(), nil
}
