package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	parquet "github.com/parquet-go/parquet-go"

	"github.com/iqtiles/server/internal/cache"
	"github.com/iqtiles/server/internal/jobstore"
	"github.com/iqtiles/server/internal/pipeline"
	"github.com/iqtiles/server/internal/render"
	"github.com/iqtiles/server/internal/source"
)

const (
	testTileSamples = 64
	testFFTSize     = 16
)

type memRecording struct {
	tiles []pipeline.RawTile
	fail  map[int]bool

	mu    sync.Mutex
	calls int
}

func newMemRecording(n int) *memRecording {
	m := &memRecording{fail: map[int]bool{}}
	for t := 0; t < n; t++ {
		tile := make(pipeline.RawTile, 2*testTileSamples)
		for k := 0; k < testTileSamples; k++ {
			phase := 2 * math.Pi * float64(t+2) * float64(k) / testFFTSize
			tile[2*k] = float32(math.Cos(phase))
			tile[2*k+1] = float32(math.Sin(phase))
		}
		m.tiles = append(m.tiles, tile)
	}
	return m
}

func (m *memRecording) Fetch(ctx context.Context, index int) (pipeline.RawTile, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.fail[index] {
		return nil, errors.New("backend unavailable")
	}
	if index < 0 || index >= len(m.tiles) {
		return nil, pipeline.ErrOutOfRange
	}
	return m.tiles[index], nil
}

func (m *memRecording) Metadata() *source.Metadata {
	return &source.Metadata{
		Global:   source.Global{DataType: "cf32_le", SampleRate: 1e6, Description: "synthetic tones"},
		Captures: []source.Capture{{Frequency: 100e6}},
	}
}

func (m *memRecording) NumTiles() int { return len(m.tiles) }

func (m *memRecording) fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testParams() pipeline.Params {
	p := pipeline.DefaultParams()
	p.FFTSize = testFFTSize
	return p
}

func newTestService(t *testing.T, rec Recording, withCache bool) *SpectrogramService {
	t.Helper()

	var cm *cache.Manager
	if withCache {
		var err error
		cm, err = cache.NewManager(cache.Config{RawCacheSizeMB: 8, MaxRawTileKB: 64, ImageCacheSize: 16}, nil)
		if err != nil {
			t.Fatalf("cache.NewManager: %v", err)
		}
		t.Cleanup(func() { cm.Close() })
	}
	svc, err := NewSpectrogramService(SpectrogramServiceConfig{
		RecordingID:    "tones",
		Recording:      rec,
		Cache:          cm,
		Renderer:       render.NewRenderer(render.Config{ThumbnailWidth: 32, ThumbnailHeight: 8}),
		Pipeline:       pipeline.Config{TileSampleCount: testTileSamples, FetchTimeout: time.Second},
		Defaults:       testParams(),
		MaxExportTiles: 3,
		MaxRenderTiles: 8,
	})
	if err != nil {
		t.Fatalf("NewSpectrogramService: %v", err)
	}
	return svc
}

func TestNewSpectrogramServiceRejectsBadDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewSpectrogramService(SpectrogramServiceConfig{
		Recording: newMemRecording(1),
		Pipeline:  pipeline.Config{TileSampleCount: testTileSamples},
		Defaults:  pipeline.DefaultParams(), // 1024-point FFT does not fit a 64-sample tile
	})
	if !errors.Is(err, pipeline.ErrInvalidParam) {
		t.Fatalf("expected ErrInvalidParam, got %v", err)
	}
}

func TestInfo(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMemRecording(4), false)
	info := svc.Info()
	if info.ID != "tones" || info.NumTiles != 4 || info.TileSampleCount != testTileSamples {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.DataType != "cf32_le" || info.CenterFrequency != 100e6 || info.Description != "synthetic tones" {
		t.Fatalf("unexpected metadata in info %+v", info)
	}
}

func TestRenderClampsToRecording(t *testing.T) {
	t.Parallel()

	rec := newMemRecording(4)
	svc := newTestService(t, rec, false)
	img, err := svc.Render(context.Background(), testParams(), pipeline.View{Lower: 0, Upper: 10, Zoom: 1})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	rows := 4 * pipeline.FramesPerTile(testTileSamples, testFFTSize)
	if img.Width != testFFTSize || img.Height != rows {
		t.Fatalf("image %dx%d, want %dx%d", img.Width, img.Height, testFFTSize, rows)
	}
	if !img.Complete() {
		t.Fatalf("unexpected missing tiles %v", img.Missing)
	}
	if rec.fetches() != 4 {
		t.Fatalf("fetched %d tiles, want 4", rec.fetches())
	}

	img, err = svc.Render(context.Background(), testParams(), pipeline.View{Lower: 5, Upper: 9})
	if err != nil || img != nil {
		t.Fatalf("view past the end = %v, %v; want nil, nil", img, err)
	}
}

// unsizedRecording hides the tile count, like a remote source.
type unsizedRecording struct {
	rec *memRecording
}

func (u unsizedRecording) Fetch(ctx context.Context, index int) (pipeline.RawTile, error) {
	return u.rec.Fetch(ctx, index)
}

func (u unsizedRecording) Metadata() *source.Metadata { return u.rec.Metadata() }

func TestRenderRejectsViewsOverTileLimit(t *testing.T) {
	t.Parallel()

	rec := newMemRecording(4)
	svc := newTestService(t, unsizedRecording{rec: rec}, false)
	huge := pipeline.View{Lower: 0, Upper: 1e7, Zoom: 1}

	if _, err := svc.Render(context.Background(), testParams(), huge); !errors.Is(err, pipeline.ErrInvalidParam) {
		t.Fatalf("Render: got %v, want ErrInvalidParam", err)
	}
	if _, _, err := svc.RenderPNG(context.Background(), testParams(), huge, nil); !errors.Is(err, pipeline.ErrInvalidParam) {
		t.Fatalf("RenderPNG: got %v, want ErrInvalidParam", err)
	}
	session, err := svc.NewSession(testParams())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := svc.RenderSession(context.Background(), session, pipeline.View{Lower: 0.5, Upper: 8.5, Zoom: 1}); !errors.Is(err, pipeline.ErrInvalidParam) {
		t.Fatalf("RenderSession over 9 tiles: got %v, want ErrInvalidParam", err)
	}
	if rec.fetches() != 0 {
		t.Fatalf("rejected views fetched %d tiles", rec.fetches())
	}

	img, err := svc.Render(context.Background(), testParams(), pipeline.View{Lower: 0, Upper: 4, Zoom: 1})
	if err != nil {
		t.Fatalf("Render within the limit: %v", err)
	}
	if !img.Complete() {
		t.Fatalf("unexpected missing tiles %v", img.Missing)
	}
}

func TestRenderPNGCachesCompleteImages(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMemRecording(2), true)
	ctx := context.Background()
	view := pipeline.View{Lower: 0, Upper: 2, Zoom: 1}

	var last []byte
	for i := 0; i < 3; i++ {
		data, missing, err := svc.RenderPNG(ctx, testParams(), view, nil)
		if err != nil {
			t.Fatalf("RenderPNG #%d: %v", i, err)
		}
		if len(missing) != 0 {
			t.Fatalf("RenderPNG #%d missing tiles %v", i, missing)
		}
		if _, err := png.Decode(bytes.NewReader(data)); err != nil {
			t.Fatalf("RenderPNG #%d returned invalid PNG: %v", i, err)
		}
		if i == 2 && !bytes.Equal(data, last) {
			t.Fatal("stable bounds should return identical images")
		}
		last = data
	}
	if n := svc.cache.Stats()["image_cache_len"].(int); n != 1 {
		t.Fatalf("image cache holds %d entries, want 1", n)
	}

	data, _, err := svc.RenderPNG(ctx, testParams(), pipeline.View{Lower: 3, Upper: 3}, nil)
	if err != nil || data != nil {
		t.Fatalf("empty view = %d bytes, %v; want nil, nil", len(data), err)
	}
}

func TestRenderPNGDoesNotCachePlaceholders(t *testing.T) {
	t.Parallel()

	rec := newMemRecording(2)
	rec.fail[1] = true
	svc := newTestService(t, rec, true)

	for i := 0; i < 2; i++ {
		_, missing, err := svc.RenderPNG(context.Background(), testParams(), pipeline.View{Lower: 0, Upper: 2, Zoom: 1}, nil)
		if err != nil {
			t.Fatalf("RenderPNG: %v", err)
		}
		if len(missing) != 1 || missing[0] != 1 {
			t.Fatalf("missing = %v, want [1]", missing)
		}
	}
	if n := svc.cache.Stats()["image_cache_len"].(int); n != 0 {
		t.Fatalf("partial image was cached (%d entries)", n)
	}
}

func TestPipelinePoolSharesByParams(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMemRecording(1), false)
	a, err := svc.pipelineFor(testParams())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := svc.pipelineFor(testParams())
	if a != b {
		t.Fatal("same parameters should share a pipeline")
	}
	other := testParams()
	other.Colormap = "gray"
	c, _ := svc.pipelineFor(other)
	if c == a {
		t.Fatal("different parameters should not share a pipeline")
	}
	session, err := svc.NewSession(testParams())
	if err != nil {
		t.Fatal(err)
	}
	if session == a {
		t.Fatal("sessions must be private")
	}
}

func TestExportParquet(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMemRecording(4), false)
	var buf bytes.Buffer
	rows, err := svc.ExportParquet(context.Background(), &buf, testParams(), 0.5, 2.5)
	if err != nil {
		t.Fatalf("ExportParquet: %v", err)
	}
	frames := pipeline.FramesPerTile(testTileSamples, testFFTSize)
	if rows != 3*frames {
		t.Fatalf("wrote %d rows, want %d", rows, 3*frames)
	}

	data := buf.Bytes()
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("parquet.OpenFile: %v", err)
	}
	if v, ok := f.Lookup("fft_size"); !ok || v != fmt.Sprint(testFFTSize) {
		t.Fatalf("fft_size metadata = %q, %v", v, ok)
	}

	r := parquet.NewGenericReader[MagnitudeRow](bytes.NewReader(data))
	defer r.Close()
	got := make([]MagnitudeRow, rows+1)
	n, err := r.Read(got)
	if err != nil && err != io.EOF {
		t.Fatalf("Read: %v", err)
	}
	if n != rows {
		t.Fatalf("read %d rows, want %d", n, rows)
	}
	if got[0].Tile != 0 || got[n-1].Tile != 2 || int(got[n-1].Frame) != frames-1 {
		t.Fatalf("unexpected row order: first %+v last tile %d frame %d", got[0].Tile, got[n-1].Tile, got[n-1].Frame)
	}
	if len(got[0].DB) != testFFTSize {
		t.Fatalf("row has %d bins, want %d", len(got[0].DB), testFFTSize)
	}
}

func TestExportParquetErrors(t *testing.T) {
	t.Parallel()

	rec := newMemRecording(8)
	rec.fail[1] = true
	svc := newTestService(t, rec, false)

	var buf bytes.Buffer
	if _, err := svc.ExportParquet(context.Background(), &buf, testParams(), 0, 2); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("missing tile: got %v, want ErrUnavailable", err)
	}
	if _, err := svc.ExportParquet(context.Background(), &buf, testParams(), 2, 8); !errors.Is(err, pipeline.ErrInvalidParam) {
		t.Fatalf("too many tiles: got %v, want ErrInvalidParam", err)
	}
	if _, err := svc.ExportParquet(context.Background(), &buf, testParams(), 3, 3); !errors.Is(err, pipeline.ErrInvalidParam) {
		t.Fatalf("empty range: got %v, want ErrInvalidParam", err)
	}
}

func TestThumbnail(t *testing.T) {
	t.Parallel()

	rec := newMemRecording(2)
	rec.fail[1] = true
	svc := newTestService(t, rec, false)

	data, err := svc.Thumbnail(context.Background(), testParams(), 0)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 8 {
		t.Fatalf("thumbnail bounds %v", b)
	}

	if _, err := svc.Thumbnail(context.Background(), testParams(), 1); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("failed tile: got %v, want ErrUnavailable", err)
	}
	if _, err := svc.Thumbnail(context.Background(), testParams(), 5); !errors.Is(err, pipeline.ErrOutOfRange) {
		t.Fatalf("tile past end: got %v, want ErrOutOfRange", err)
	}
}

type mapRegistry map[string]*SpectrogramService

func (m mapRegistry) Get(id string) *SpectrogramService { return m[id] }

func TestExecuteThumbnailJob(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMemRecording(2), false)
	store, err := jobstore.NewStore(filepath.Join(t.TempDir(), "jobs.sqlite"))
	if err != nil {
		t.Fatalf("jobstore.NewStore: %v", err)
	}
	defer store.Close()

	thumbs := NewThumbnailService(mapRegistry{"tones": svc})
	submit := func(id string, p jobstore.ThumbnailParams) {
		t.Helper()
		job := &jobstore.Job{ID: id, RecordingID: p.RecordingID, Status: jobstore.JobStatusQueued, Params: p, CreatedAt: time.Now()}
		if err := store.CreateJob(job); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	submit("ok", jobstore.ThumbnailParams{RecordingID: "tones", Tile: 1, Window: "hann", Colormap: "magma"})
	if err := thumbs.ExecuteThumbnailJob(context.Background(), store, "ok"); err != nil {
		t.Fatalf("ExecuteThumbnailJob: %v", err)
	}
	res, err := store.GetResult("ok")
	if err != nil || res == nil {
		t.Fatalf("GetResult = %v, %v", res, err)
	}
	if res.Width != 32 || res.Height != 8 {
		t.Fatalf("result size %dx%d", res.Width, res.Height)
	}
	if _, err := png.Decode(bytes.NewReader(res.PNG)); err != nil {
		t.Fatalf("stored thumbnail is not a PNG: %v", err)
	}

	submit("norec", jobstore.ThumbnailParams{RecordingID: "absent"})
	if err := thumbs.ExecuteThumbnailJob(context.Background(), store, "norec"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown recording: got %v, want ErrNotFound", err)
	}

	submit("badwin", jobstore.ThumbnailParams{RecordingID: "tones", Window: "kaiser"})
	if err := thumbs.ExecuteThumbnailJob(context.Background(), store, "badwin"); !errors.Is(err, pipeline.ErrInvalidParam) {
		t.Fatalf("bad window: got %v, want ErrInvalidParam", err)
	}

	if err := thumbs.ExecuteThumbnailJob(context.Background(), store, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown job: got %v, want ErrNotFound", err)
	}
}
