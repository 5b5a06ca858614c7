package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testTileSamples = 64
	testFFTSize     = 16
)

type fakeSource struct {
	mu      sync.Mutex
	tiles   map[int]RawTile
	fail    map[int]error
	delay   map[int]time.Duration
	calls   map[int]int
	started chan int
	gate    chan struct{}
}

func newFakeSource(n int) *fakeSource {
	s := &fakeSource{
		tiles: make(map[int]RawTile),
		fail:  make(map[int]error),
		delay: make(map[int]time.Duration),
		calls: make(map[int]int),
	}
	for i := 0; i < n; i++ {
		s.tiles[i] = toneTile(testTileSamples, i+1, testFFTSize)
	}
	return s
}

func (s *fakeSource) Fetch(ctx context.Context, index int) (RawTile, error) {
	s.mu.Lock()
	s.calls[index]++
	delay := s.delay[index]
	err := s.fail[index]
	tile, ok := s.tiles[index]
	started := s.started
	gate := s.gate
	s.mu.Unlock()

	if started != nil {
		started <- index
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOutOfRange
	}
	return tile, nil
}

func (s *fakeSource) callCount(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[index]
}

type rangeSource struct {
	*fakeSource
	mu     sync.Mutex
	ranges []Run
}

func (r *rangeSource) FetchRange(ctx context.Context, start, count int) ([]RawTile, error) {
	r.mu.Lock()
	r.ranges = append(r.ranges, Run{Start: start, Count: count})
	r.mu.Unlock()
	var out []RawTile
	for i := start; i < start+count; i++ {
		t, err := r.Fetch(ctx, i)
		if err != nil {
			if errors.Is(err, ErrOutOfRange) {
				break
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func testParams() Params {
	p := DefaultParams()
	p.FFTSize = testFFTSize
	return p
}

func newTestPipeline(t *testing.T, src TileSource, cfg Config) *Pipeline {
	t.Helper()
	cfg.TileSampleCount = testTileSamples
	p, err := New(src, cfg, testParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestRenderEmptyView(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, newFakeSource(2), Config{})
	for _, v := range []View{{Lower: 1, Upper: 1}, {Lower: -1, Upper: 2}, {Lower: 2, Upper: 1}} {
		img, err := p.Render(context.Background(), v)
		if err != nil || img != nil {
			t.Fatalf("Render(%+v) = %v, %v; want nil, nil", v, img, err)
		}
	}
}

func TestRenderDimensions(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, newFakeSource(4), Config{})
	img, err := p.Render(context.Background(), View{Lower: 0, Upper: 2, Zoom: 1})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	rows := FramesPerTile(testTileSamples, testFFTSize)
	if img.Width != testFFTSize || img.Height != 2*rows {
		t.Fatalf("got %dx%d, want %dx%d", img.Width, img.Height, testFFTSize, 2*rows)
	}
	if !img.Complete() {
		t.Fatalf("unexpected missing tiles %v", img.Missing)
	}
	if bytes.Contains(img.Pix[:4], []byte{PlaceholderByte, PlaceholderByte, PlaceholderByte, PlaceholderByte}) {
		t.Fatal("loaded tile rendered as placeholder")
	}

	zoomed, err := p.Render(context.Background(), View{Lower: 0, Upper: 2, Zoom: 2})
	if err != nil {
		t.Fatalf("Render zoom 2: %v", err)
	}
	if zoomed.Height != rows {
		t.Fatalf("zoom 2 height %d, want %d", zoomed.Height, rows)
	}
}

func TestRenderMissingTileIsPlaceholder(t *testing.T) {
	t.Parallel()

	src := newFakeSource(3)
	src.fail[1] = errors.New("connection reset")
	core, logs := observer.New(zap.WarnLevel)
	p := newTestPipeline(t, src, Config{Logger: zap.New(core)})

	img, err := p.Render(context.Background(), View{Lower: 0, Upper: 3, Zoom: 1})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(img.Missing) != 1 || img.Missing[0] != 1 {
		t.Fatalf("Missing = %v, want [1]", img.Missing)
	}
	rowBytes := testFFTSize * 4
	rows := FramesPerTile(testTileSamples, testFFTSize)
	for i, b := range img.Pix[rows*rowBytes : 2*rows*rowBytes] {
		if b != PlaceholderByte {
			t.Fatalf("tile 1 byte %d = %#x, want placeholder", i, b)
		}
	}
	if p.TileState(1) != TileMissing {
		t.Fatalf("TileState(1) = %s, want missing", p.TileState(1))
	}
	if p.TileState(0) != TileReady {
		t.Fatalf("TileState(0) = %s, want ready", p.TileState(0))
	}
	if p.TileState(7) != TileAbsent {
		t.Fatalf("TileState(7) = %s, want absent", p.TileState(7))
	}
	if n := logs.FilterMessage("tile fetch failed").Len(); n != 1 {
		t.Fatalf("expected 1 fetch warning, got %d", n)
	}
	if p.CachedTiles(StageComposite) != 0 {
		t.Fatal("partial composite should not be cached")
	}

	// A later success replaces the placeholder.
	src.mu.Lock()
	delete(src.fail, 1)
	src.mu.Unlock()
	img, err = p.Render(context.Background(), View{Lower: 0, Upper: 3, Zoom: 1})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !img.Complete() {
		t.Fatalf("Missing = %v after recovery", img.Missing)
	}
}

func TestFFTSizeChangeKeepsConditioningCache(t *testing.T) {
	t.Parallel()

	src := newFakeSource(2)
	p := newTestPipeline(t, src, Config{})
	view := View{Lower: 0, Upper: 2, Zoom: 1}
	if _, err := p.Render(context.Background(), view); err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, s := range []Stage{StageProcessed, StageSpectral, StagePixel, StageColor} {
		if n := p.CachedTiles(s); n != 2 {
			t.Fatalf("%s cache holds %d tiles, want 2", s, n)
		}
	}
	if p.CachedTiles(StageComposite) != 1 {
		t.Fatal("composite not cached")
	}

	if err := p.SetFFTSize(32); err != nil {
		t.Fatalf("SetFFTSize: %v", err)
	}
	if n := p.CachedTiles(StageProcessed); n != 2 {
		t.Fatalf("processed cache holds %d tiles after fft change, want 2", n)
	}
	for _, s := range []Stage{StageSpectral, StagePixel, StageColor, StageComposite} {
		if n := p.CachedTiles(s); n != 0 {
			t.Fatalf("%s cache holds %d entries after fft change, want 0", s, n)
		}
	}

	img, err := p.Render(context.Background(), view)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if img.Width != 32 {
		t.Fatalf("width %d, want 32", img.Width)
	}
	if src.callCount(0) != 1 || src.callCount(1) != 1 {
		t.Fatalf("raw tiles refetched: %d, %d", src.callCount(0), src.callCount(1))
	}
}

func TestInvalidationTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		set   func(p *Pipeline) error
		kept  []Stage
		reset []Stage
	}{
		{
			name:  "taps",
			set:   func(p *Pipeline) error { return p.SetTaps([]complex128{1, 0.5}) },
			reset: []Stage{StageProcessed, StageSpectral, StagePixel, StageColor, StageComposite},
		},
		{
			name:  "custom transform",
			set:   func(p *Pipeline) error { return p.SetCustomTransform(DCRemoval{}) },
			reset: []Stage{StageProcessed, StageSpectral, StagePixel, StageColor, StageComposite},
		},
		{
			name:  "window",
			set:   func(p *Pipeline) error { return p.SetWindow(WindowBlackman) },
			kept:  []Stage{StageProcessed},
			reset: []Stage{StageSpectral, StagePixel, StageColor, StageComposite},
		},
		{
			name:  "magnitude bounds",
			set:   func(p *Pipeline) error { return p.SetMagnitudeBounds(-80, 40) },
			kept:  []Stage{StageProcessed, StageSpectral},
			reset: []Stage{StagePixel, StageColor, StageComposite},
		},
		{
			name:  "palette",
			set:   func(p *Pipeline) error { return p.SetPalette("magma") },
			kept:  []Stage{StageProcessed, StageSpectral, StagePixel},
			reset: []Stage{StageColor, StageComposite},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestPipeline(t, newFakeSource(2), Config{})
			view := View{Lower: 0, Upper: 2, Zoom: 1}
			if _, err := p.Render(context.Background(), view); err != nil {
				t.Fatalf("Render: %v", err)
			}
			// Second render settles any widening from the first.
			if _, err := p.Render(context.Background(), view); err != nil {
				t.Fatalf("Render: %v", err)
			}
			if err := tc.set(p); err != nil {
				t.Fatalf("set: %v", err)
			}
			for _, s := range tc.kept {
				if p.CachedTiles(s) == 0 {
					t.Fatalf("%s cache was cleared", s)
				}
			}
			for _, s := range tc.reset {
				if n := p.CachedTiles(s); n != 0 {
					t.Fatalf("%s cache holds %d entries, want 0", s, n)
				}
			}
		})
	}
}

func TestApplyUnchangedParamsKeepsCaches(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, newFakeSource(2), Config{})
	view := View{Lower: 0, Upper: 2, Zoom: 1}
	first, err := p.Render(context.Background(), view)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if err := p.Apply(p.Params()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	second, err := p.Render(context.Background(), view)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if first != second {
		t.Fatal("expected cached composite after no-op Apply")
	}

	next := p.Params()
	next.Colormap = "gray"
	if err := p.Apply(next); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.CachedTiles(StageColor) != 0 || p.CachedTiles(StagePixel) != 2 {
		t.Fatalf("palette Apply: color=%d pixel=%d", p.CachedTiles(StageColor), p.CachedTiles(StagePixel))
	}
}

func TestBoundsWidenAcrossRenders(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, newFakeSource(2), Config{})
	if min, max := p.Bounds(); min != -30 || max != -10 {
		t.Fatalf("initial bounds %v..%v", min, max)
	}
	if _, err := p.Render(context.Background(), View{Lower: 0, Upper: 1, Zoom: 1}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	min1, max1 := p.Bounds()
	if max1 <= -10 {
		t.Fatalf("expected max to widen past -10 for a unit tone, got %v", max1)
	}
	if _, err := p.Render(context.Background(), View{Lower: 1, Upper: 2, Zoom: 1}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	min2, max2 := p.Bounds()
	if min2 > min1 || max2 < max1 {
		t.Fatalf("bounds shrank: %v..%v -> %v..%v", min1, max1, min2, max2)
	}

	if err := p.SetMagnitudeBounds(-30, -10); err != nil {
		t.Fatalf("SetMagnitudeBounds: %v", err)
	}
	if min, max := p.Bounds(); min != -30 || max != -10 {
		t.Fatalf("bounds after reset %v..%v", min, max)
	}
}

func TestRenderReturnsCachedComposite(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, newFakeSource(2), Config{})
	view := View{Lower: 0.25, Upper: 1.5, Zoom: 1}
	a, err := p.Render(context.Background(), view)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	b, err := p.Render(context.Background(), view)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if a != b {
		t.Fatal("expected the cached composite for an unchanged view")
	}
	c, err := p.Render(context.Background(), View{Lower: 0.25, Upper: 1.5, Zoom: 2})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if c == a {
		t.Fatal("zoom change must recompose")
	}
}

func TestCancelledFetchDoesNotWrite(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1)
	src.delay[0] = time.Minute
	src.started = make(chan int, 1)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	p := newTestPipeline(t, src, Config{Metrics: metrics})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-src.started
		cancel()
	}()
	img, err := p.Render(ctx, View{Lower: 0, Upper: 1, Zoom: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Render error = %v, want context.Canceled", err)
	}
	if img != nil {
		t.Fatal("cancelled render returned an image")
	}
	if st := p.TileState(0); st != TileAbsent {
		t.Fatalf("TileState(0) = %s, want absent", st)
	}
	if p.CachedTiles(StageProcessed) != 0 {
		t.Fatal("cancelled fetch populated the conditioning cache")
	}
	if got := testutil.ToFloat64(metrics.fetches.WithLabelValues("cancelled")); got != 1 {
		t.Fatalf("cancelled fetch counter = %v, want 1", got)
	}
}

func TestFetchTimeoutMarksMissing(t *testing.T) {
	t.Parallel()

	src := newFakeSource(2)
	src.delay[1] = time.Minute
	p := newTestPipeline(t, src, Config{FetchTimeout: 20 * time.Millisecond})

	img, err := p.Render(context.Background(), View{Lower: 0, Upper: 2, Zoom: 1})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(img.Missing) != 1 || img.Missing[0] != 1 {
		t.Fatalf("Missing = %v, want [1]", img.Missing)
	}
	if p.TileState(1) != TileMissing {
		t.Fatalf("TileState(1) = %s", p.TileState(1))
	}
}

func TestOutOfOrderCompletionIsDeterministic(t *testing.T) {
	t.Parallel()

	view := View{Lower: 0, Upper: 3, Zoom: 1}

	slow := newFakeSource(3)
	slow.delay[0] = 40 * time.Millisecond
	slow.delay[1] = 20 * time.Millisecond
	a := newTestPipeline(t, slow, Config{Workers: 3})
	imgA, err := a.Render(context.Background(), view)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	b := newTestPipeline(t, newFakeSource(3), Config{Workers: 1})
	imgB, err := b.Render(context.Background(), view)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if !bytes.Equal(imgA.Pix, imgB.Pix) {
		t.Fatal("completion order changed the rendered image")
	}
}

func TestConcurrentRendersShareFetches(t *testing.T) {
	t.Parallel()

	src := newFakeSource(4)
	for i := 0; i < 4; i++ {
		src.delay[i] = 10 * time.Millisecond
	}
	p := newTestPipeline(t, src, Config{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			view := View{Lower: float64(i % 2), Upper: 4, Zoom: 1 + i%3}
			if _, err := p.Render(context.Background(), view); err != nil {
				errs <- fmt.Errorf("render %d: %w", i, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if n := src.callCount(i); n != 1 {
			t.Fatalf("tile %d fetched %d times, want 1", i, n)
		}
	}
}

func TestRangeSourceFetchesRuns(t *testing.T) {
	t.Parallel()

	src := &rangeSource{fakeSource: newFakeSource(12)}
	p := newTestPipeline(t, src, Config{})

	if _, err := p.Render(context.Background(), View{Lower: 5, Upper: 8, Zoom: 1}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if _, err := p.Render(context.Background(), View{Lower: 4, Upper: 10, Zoom: 1}); err != nil {
		t.Fatalf("Render: %v", err)
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	want := []Run{{Start: 5, Count: 3}}
	if len(src.ranges) < 2 || src.ranges[0] != want[0] {
		t.Fatalf("ranges = %v", src.ranges)
	}
	var covered []int
	for _, r := range src.ranges[1:] {
		for i := r.Start; i < r.Start+r.Count; i++ {
			covered = append(covered, i)
		}
	}
	got := GroupContiguous(covered)
	if len(got) != 2 || got[0] != (Run{Start: 4, Count: 1}) || got[1] != (Run{Start: 8, Count: 2}) {
		t.Fatalf("second render fetched %v, want runs [4] and [8,9]", got)
	}
}

func TestRangeSourceShortReadIsMissing(t *testing.T) {
	t.Parallel()

	src := &rangeSource{fakeSource: newFakeSource(2)}
	p := newTestPipeline(t, src, Config{})
	img, err := p.Render(context.Background(), View{Lower: 0, Upper: 3, Zoom: 1})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(img.Missing) != 1 || img.Missing[0] != 2 {
		t.Fatalf("Missing = %v, want [2]", img.Missing)
	}
}

func TestShortTileIsZeroPadded(t *testing.T) {
	t.Parallel()

	src := newFakeSource(0)
	src.tiles[0] = RawTile{1, 1}
	p := newTestPipeline(t, src, Config{})
	img, err := p.Render(context.Background(), View{Lower: 0, Upper: 1, Zoom: 1})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !img.Complete() || img.Height != FramesPerTile(testTileSamples, testFFTSize) {
		t.Fatalf("short tile rendered as %dx%d missing=%v", img.Width, img.Height, img.Missing)
	}
}

func TestMagnitudeTiles(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, newFakeSource(2), Config{})
	mags, err := p.MagnitudeTiles(context.Background(), []int{0, 1, 5})
	if err != nil {
		t.Fatalf("MagnitudeTiles: %v", err)
	}
	if len(mags) != 2 {
		t.Fatalf("got %d tiles, want 2", len(mags))
	}
	if rows := len(mags[1].Rows); rows != FramesPerTile(testTileSamples, testFFTSize) {
		t.Fatalf("tile 1 has %d rows", rows)
	}
}

func TestNewValidatesParams(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1)
	cases := map[string]func(*Params){
		"zero fft":        func(p *Params) { p.FFTSize = 0 },
		"fft beyond tile": func(p *Params) { p.FFTSize = testTileSamples * 2 },
		"bad window":      func(p *Params) { p.Window = "kaiser" },
		"bad colormap":    func(p *Params) { p.Colormap = "nope" },
	}
	for name, mutate := range cases {
		params := testParams()
		mutate(&params)
		if _, err := New(src, Config{TileSampleCount: testTileSamples}, params); !errors.Is(err, ErrInvalidParam) {
			t.Fatalf("%s: expected ErrInvalidParam, got %v", name, err)
		}
	}
	if _, err := New(nil, Config{}, DefaultParams()); err == nil {
		t.Fatal("expected error for nil source")
	}

	p := newTestPipeline(t, src, Config{})
	if err := p.SetFFTSize(-1); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("SetFFTSize(-1) = %v", err)
	}
	if p.Params().FFTSize != testFFTSize {
		t.Fatal("rejected parameter was applied")
	}
}

func TestFingerprintTracksParams(t *testing.T) {
	t.Parallel()

	a := DefaultParams()
	b := DefaultParams()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("equal params produced different fingerprints")
	}
	b.Transform = Normalize{}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("transform not reflected in fingerprint")
	}
}

func uniform(pix []byte) bool {
	for i := 4; i < len(pix); i += 4 {
		if !bytes.Equal(pix[i:i+4], pix[:4]) {
			return false
		}
	}
	return true
}

func TestParamChangeDuringRenderDiscardsStaleTiles(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1)
	src.started = make(chan int, 1)
	src.gate = make(chan struct{})
	p := newTestPipeline(t, src, Config{})
	view := View{Lower: 0, Upper: 1, Zoom: 1}

	done := make(chan error, 1)
	go func() {
		_, err := p.Render(context.Background(), view)
		done <- err
	}()
	<-src.started
	// Zero taps silence the tile, so every pixel must come out the same.
	if err := p.SetTaps([]complex128{0, 0}); err != nil {
		t.Fatalf("SetTaps: %v", err)
	}
	close(src.gate)
	if err := <-done; err != nil {
		t.Fatalf("Render during parameter change: %v", err)
	}

	img, err := p.Render(context.Background(), view)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !img.Complete() {
		t.Fatalf("Missing = %v", img.Missing)
	}
	if !uniform(img.Pix) {
		t.Fatal("render after the tap change shows tiles computed with the old taps")
	}

	fresh := newTestPipeline(t, newFakeSource(1), Config{})
	if err := fresh.SetTaps([]complex128{0, 0}); err != nil {
		t.Fatalf("SetTaps: %v", err)
	}
	want, err := fresh.Render(context.Background(), view)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.Equal(img.Pix, want.Pix) {
		t.Fatal("cached tiles differ from a pipeline that never saw the old taps")
	}
	if src.callCount(0) != 1 {
		t.Fatalf("Fetch(0) called %d times, want 1", src.callCount(0))
	}
}

// droppingStore accepts writes and never returns them, like a raw cache that
// rejected or evicted every entry.
type droppingStore struct {
	mu   sync.Mutex
	puts int
}

func (d *droppingStore) Get(int) (RawTile, bool) { return nil, false }

func (d *droppingStore) Put(int, RawTile) {
	d.mu.Lock()
	d.puts++
	d.mu.Unlock()
}

func TestFetchedTileSurvivesRawStoreLoss(t *testing.T) {
	t.Parallel()

	for name, ranged := range map[string]bool{"single": false, "range": true} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			fake := newFakeSource(2)
			var src TileSource = fake
			if ranged {
				src = &rangeSource{fakeSource: fake}
			}
			store := &droppingStore{}
			p := newTestPipeline(t, src, Config{RawStore: store})

			img, err := p.Render(context.Background(), View{Lower: 0, Upper: 2, Zoom: 1})
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if !img.Complete() {
				t.Fatalf("Missing = %v, want none", img.Missing)
			}
			for i := 0; i < 2; i++ {
				if n := fake.callCount(i); n != 1 {
					t.Fatalf("Fetch(%d) called %d times, want 1", i, n)
				}
			}
			if store.puts != 2 {
				t.Fatalf("store saw %d writes, want 2", store.puts)
			}
		})
	}
}
