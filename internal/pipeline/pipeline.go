package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iqtiles/server/pkg/colormap"
)

// Stage identifies a cached pipeline stage.
type Stage int

const (
	StageProcessed Stage = iota
	StageSpectral
	StagePixel
	StageColor
	StageComposite
	stageCount
)

func (s Stage) String() string {
	switch s {
	case StageProcessed:
		return "processed"
	case StageSpectral:
		return "spectral"
	case StagePixel:
		return "pixel"
	case StageColor:
		return "color"
	case StageComposite:
		return "composite"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// RawStore holds fetched raw tiles. Implementations must be safe for concurrent use.
type RawStore interface {
	Get(index int) (RawTile, bool)
	Put(index int, tile RawTile)
}

type memoryRawStore struct {
	tiles *lru.Cache[int, RawTile]
}

// NewMemoryRawStore returns an in-process RawStore bounded to size tiles.
func NewMemoryRawStore(size int) RawStore {
	if size <= 0 {
		size = 1
	}
	tiles, _ := lru.New[int, RawTile](size)
	return &memoryRawStore{tiles: tiles}
}

func (s *memoryRawStore) Get(index int) (RawTile, bool) { return s.tiles.Get(index) }
func (s *memoryRawStore) Put(index int, tile RawTile)   { s.tiles.Add(index, tile) }

// Params is the externally settable parameter set.
type Params struct {
	Taps         []complex128
	Transform    CustomTransform
	FFTSize      int
	Window       Window
	MagnitudeMin float64
	MagnitudeMax float64
	Colormap     string
}

// DefaultParams returns identity taps, a 1024-point Hamming FFT and viridis.
func DefaultParams() Params {
	return Params{
		Taps:         []complex128{1},
		FFTSize:      DefaultFFTSize,
		Window:       WindowHamming,
		MagnitudeMin: -30,
		MagnitudeMax: -10,
		Colormap:     "viridis",
	}
}

func (p Params) clone() Params {
	p.Taps = append([]complex128(nil), p.Taps...)
	return p
}

// Validate checks p against the tile length.
func (p Params) Validate(tileSamples int) error {
	if p.FFTSize < 1 || p.FFTSize > tileSamples {
		return fmt.Errorf("%w: fft size %d outside [1, %d]", ErrInvalidParam, p.FFTSize, tileSamples)
	}
	if _, err := ParseWindow(string(p.Window)); err != nil {
		return err
	}
	if math.IsNaN(p.MagnitudeMin) || math.IsNaN(p.MagnitudeMax) {
		return fmt.Errorf("%w: magnitude bounds must be numbers", ErrInvalidParam)
	}
	for _, t := range p.Taps {
		if math.IsNaN(real(t)) || math.IsNaN(imag(t)) || math.IsInf(real(t), 0) || math.IsInf(imag(t), 0) {
			return fmt.Errorf("%w: non-finite filter tap", ErrInvalidParam)
		}
	}
	if _, err := colormap.Lookup(p.Colormap); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	return nil
}

// Fingerprint identifies the parameter set for pooling and cache keys.
func (p Params) Fingerprint() string {
	return fmt.Sprintf("taps=%v|transform=%s|fft=%d|window=%s|mag=%g:%g|cmap=%s",
		p.Taps, transformID(p.Transform), p.FFTSize, p.Window, p.MagnitudeMin, p.MagnitudeMax, p.Colormap)
}

func equalTaps(a, b []complex128) bool {
	if isIdentityTaps(a) && isIdentityTaps(b) {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Config controls a Pipeline's resources.
type Config struct {
	TileSampleCount int
	Workers         int
	FetchTimeout    time.Duration
	MaxCachedTiles  int
	RawStore        RawStore
	Logger          *zap.Logger
	Metrics         *Metrics
}

func (c *Config) applyDefaults() {
	if c.TileSampleCount <= 0 {
		c.TileSampleCount = DefaultTileSampleCount
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.MaxCachedTiles <= 0 {
		c.MaxCachedTiles = 256
	}
	if c.RawStore == nil {
		c.RawStore = NewMemoryRawStore(c.MaxCachedTiles)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// renderAttempts bounds how often Render recomputes magnitudes after a
// concurrent parameter change.
const renderAttempts = 3

type snapshot struct {
	params   Params
	palette  *colormap.Palette
	versions [stageCount]uint64
}

type composed struct {
	view    View
	version uint64
	image   *CompositeImage
}

// Pipeline renders spectrogram images for one recording and one parameter set.
// It is safe for concurrent use.
type Pipeline struct {
	cfg     Config
	source  TileSource
	log     *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	params   Params
	palette  *colormap.Palette
	epoch    uint64
	versions [stageCount]uint64
	bounds   *Bounds
	pending  map[int]chan struct{}
	missing  map[int]error
	last     *composed

	raw       RawStore
	processed *StageCache[ProcessedTile]
	spectral  *StageCache[MagnitudeTile]
	pixels    *StageCache[PixelTile]
	colors    *StageCache[ColorTile]
}

// New creates a pipeline reading from src.
func New(src TileSource, cfg Config, params Params) (*Pipeline, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil tile source", ErrInvalidParam)
	}
	cfg.applyDefaults()
	params = params.clone()
	if err := params.Validate(cfg.TileSampleCount); err != nil {
		return nil, err
	}
	palette, err := colormap.Lookup(params.Colormap)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:       cfg,
		source:    src,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		params:    params,
		palette:   palette,
		epoch:     1,
		bounds:    NewBounds(params.MagnitudeMin, params.MagnitudeMax),
		pending:   make(map[int]chan struct{}),
		missing:   make(map[int]error),
		raw:       cfg.RawStore,
		processed: NewStageCache[ProcessedTile](cfg.MaxCachedTiles),
		spectral:  NewStageCache[MagnitudeTile](cfg.MaxCachedTiles),
		pixels:    NewStageCache[PixelTile](cfg.MaxCachedTiles),
		colors:    NewStageCache[ColorTile](cfg.MaxCachedTiles),
	}
	for s := range p.versions {
		p.versions[s] = p.epoch
	}
	return p, nil
}

// Params returns a copy of the current parameters.
func (p *Pipeline) Params() Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params.clone()
}

// Bounds returns the running magnitude range.
func (p *Pipeline) Bounds() (min, max float64) {
	return p.bounds.Get()
}

// TileSampleCount returns the number of IQ samples per tile.
func (p *Pipeline) TileSampleCount() int {
	return p.cfg.TileSampleCount
}

// SetTaps replaces the FIR filter taps.
func (p *Pipeline) SetTaps(taps []complex128) error {
	return p.update(func(q *Params) { q.Taps = append([]complex128(nil), taps...) })
}

// SetCustomTransform replaces the custom conditioning step. nil disables it.
func (p *Pipeline) SetCustomTransform(t CustomTransform) error {
	return p.update(func(q *Params) { q.Transform = t })
}

// SetFFTSize changes the frame length.
func (p *Pipeline) SetFFTSize(n int) error {
	return p.update(func(q *Params) { q.FFTSize = n })
}

// SetWindow changes the frame weighting function.
func (p *Pipeline) SetWindow(w Window) error {
	return p.update(func(q *Params) { q.Window = w })
}

// SetPalette switches the colormap.
func (p *Pipeline) SetPalette(name string) error {
	return p.update(func(q *Params) { q.Colormap = name })
}

// SetMagnitudeBounds reseeds the running bounds, discarding any widening so far.
func (p *Pipeline) SetMagnitudeBounds(min, max float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.params.clone()
	next.MagnitudeMin, next.MagnitudeMax = min, max
	if err := next.Validate(p.cfg.TileSampleCount); err != nil {
		return err
	}
	p.params = next
	p.bounds.Reset(min, max)
	p.invalidateLocked(StagePixel)
	return nil
}

// Apply moves to params, invalidating only the stages whose inputs changed.
func (p *Pipeline) Apply(params Params) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applyLocked(params.clone())
}

func (p *Pipeline) update(fn func(*Params)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.params.clone()
	fn(&next)
	return p.applyLocked(next)
}

func (p *Pipeline) applyLocked(next Params) error {
	if err := next.Validate(p.cfg.TileSampleCount); err != nil {
		return err
	}
	palette, err := colormap.Lookup(next.Colormap)
	if err != nil {
		return err
	}

	cur := p.params
	from := stageCount
	lower := func(s Stage) {
		if s < from {
			from = s
		}
	}
	if !equalTaps(cur.Taps, next.Taps) || transformID(cur.Transform) != transformID(next.Transform) {
		lower(StageProcessed)
	}
	if cur.FFTSize != next.FFTSize || cur.Window != next.Window {
		lower(StageSpectral)
	}
	if cur.MagnitudeMin != next.MagnitudeMin || cur.MagnitudeMax != next.MagnitudeMax {
		p.bounds.Reset(next.MagnitudeMin, next.MagnitudeMax)
		lower(StagePixel)
	}
	if cur.Colormap != next.Colormap {
		lower(StageColor)
	}

	p.params = next
	p.palette = palette
	if from < stageCount {
		p.invalidateLocked(from)
	}
	return nil
}

// invalidateLocked moves every stage from `from` downstream to a new version.
func (p *Pipeline) invalidateLocked(from Stage) {
	p.epoch++
	for s := from; s < stageCount; s++ {
		p.versions[s] = p.epoch
	}
	p.processed.Invalidate(p.versions[StageProcessed])
	p.spectral.Invalidate(p.versions[StageSpectral])
	p.pixels.Invalidate(p.versions[StagePixel])
	p.colors.Invalidate(p.versions[StageColor])
	p.last = nil
	p.metrics.invalidated(from)
	p.log.Debug("pipeline caches invalidated", zap.Stringer("from", from), zap.Uint64("epoch", p.epoch))
}

func (p *Pipeline) snapshotLocked() snapshot {
	return snapshot{params: p.params, palette: p.palette, versions: p.versions}
}

func (p *Pipeline) snapshot() snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// TileState reports the raw cache membership of a tile.
func (p *Pipeline) TileState(index int) TileState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[index]; ok {
		return TilePending
	}
	if _, ok := p.raw.Get(index); ok {
		return TileReady
	}
	if _, ok := p.missing[index]; ok {
		return TileMissing
	}
	return TileAbsent
}

// CachedTiles counts the current-version entries of a stage cache.
// StageComposite reports 1 when a composite image is cached.
func (p *Pipeline) CachedTiles(stage Stage) int {
	p.mu.Lock()
	v := p.versions
	last := p.last
	p.mu.Unlock()

	switch stage {
	case StageProcessed:
		return p.processed.Len(v[StageProcessed])
	case StageSpectral:
		return p.spectral.Len(v[StageSpectral])
	case StagePixel:
		return p.pixels.Len(v[StagePixel])
	case StageColor:
		return p.colors.Len(v[StageColor])
	case StageComposite:
		if last != nil && last.version == v[StageComposite] {
			return 1
		}
	}
	return 0
}

// Render composes the image for view. It returns nil without error when the
// view is empty. Tiles that fail to load are drawn as placeholders and listed
// in the image's Missing field. The returned image may be shared with later
// calls and must not be modified.
func (p *Pipeline) Render(ctx context.Context, view View) (*CompositeImage, error) {
	if view.Zoom < 1 {
		view.Zoom = 1
	}
	tiles := view.Tiles()
	if len(tiles) == 0 {
		p.metrics.rendered("empty")
		return nil, nil
	}

	snap := p.snapshot()
	if img, ok := p.cachedComposite(view, snap.versions[StageComposite]); ok {
		p.metrics.rendered("cached")
		return img, nil
	}

	raw := p.loadRaw(ctx, tiles)
	var colors map[int]ColorTile
	for attempt := 1; ; attempt++ {
		mags := p.magnitudes(ctx, raw, snap)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, lo, hi, ok := p.expandBounds(snap, mags)
		if ok {
			snap = next
			colors = p.colorize(ctx, mags, snap, lo, hi)
			break
		}
		if attempt == renderAttempts {
			p.metrics.rendered("superseded")
			return nil, ErrSuperseded
		}
		p.log.Debug("parameters changed during render, recomputing", zap.Int("attempt", attempt))
		snap = next
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	fftSize := snap.params.FFTSize
	img := Composite(view.Lower, view.Upper, fftSize, FramesPerTile(p.cfg.TileSampleCount, fftSize), colors, view.Zoom)
	p.metrics.observe(StageComposite, start)
	if img == nil {
		p.metrics.rendered("empty")
		return nil, nil
	}
	for _, idx := range tiles {
		if _, ok := colors[idx]; !ok {
			img.Missing = append(img.Missing, idx)
		}
	}

	if img.Complete() {
		p.storeComposite(view, snap.versions[StageComposite], img)
		p.metrics.rendered("complete")
	} else {
		p.metrics.rendered("partial")
	}
	return img, nil
}

// MagnitudeTiles returns the dB rows of tiles, loading them as needed.
// Tiles that cannot be loaded are left out of the result.
func (p *Pipeline) MagnitudeTiles(ctx context.Context, tiles []int) (map[int]MagnitudeTile, error) {
	snap := p.snapshot()
	raw := p.loadRaw(ctx, tiles)
	mags := p.magnitudes(ctx, raw, snap)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mags, nil
}

func (p *Pipeline) cachedComposite(view View, version uint64) (*CompositeImage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last != nil && p.last.view == view && p.last.version == version {
		return p.last.image, true
	}
	return nil, false
}

func (p *Pipeline) storeComposite(view View, version uint64, img *CompositeImage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if version == p.versions[StageComposite] {
		p.last = &composed{view: view, version: version, image: img}
	}
}

// expandBounds widens the running bounds by every contributing tile and
// invalidates scaled tiles if they moved. It reports false, leaving the bounds
// alone, when mags were computed under a conditioning or spectral version that
// is no longer current. The returned snapshot and range are consistent with
// each other.
func (p *Pipeline) expandBounds(from snapshot, mags map[int]MagnitudeTile) (snapshot, float64, float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lo, hi := p.bounds.Get()
	if p.versions[StageProcessed] != from.versions[StageProcessed] ||
		p.versions[StageSpectral] != from.versions[StageSpectral] {
		return p.snapshotLocked(), lo, hi, false
	}
	widened := false
	for _, m := range mags {
		if p.bounds.Expand(m.Min, m.Max) {
			widened = true
		}
	}
	if widened {
		p.metrics.widened()
		p.invalidateLocked(StagePixel)
	}
	lo, hi = p.bounds.Get()
	return p.snapshotLocked(), lo, hi, true
}

// loadRaw returns the raw tiles it could obtain. Tiles this call fetched are
// returned directly; the raw store only serves later calls. Fetches already in
// flight for another caller are awaited; if that caller gave up, or its tile
// did not survive in the store, the tile is fetched again.
func (p *Pipeline) loadRaw(ctx context.Context, tiles []int) map[int]RawTile {
	out := make(map[int]RawTile, len(tiles))
	want := tiles
	for round := 0; round < 2 && len(want) > 0; round++ {
		claimed, waits := p.claim(want, out)
		for idx, t := range p.fetchTiles(ctx, claimed) {
			out[idx] = t
		}

		owned := make(map[int]bool, len(claimed))
		for _, idx := range claimed {
			owned[idx] = true
		}
		var again []int
		for _, w := range waits {
			if _, ok := out[w.index]; ok {
				continue
			}
			select {
			case <-w.done:
			case <-ctx.Done():
				return out
			}
			if t, ok := p.raw.Get(w.index); ok {
				out[w.index] = t
				continue
			}
			if !owned[w.index] && p.TileState(w.index) == TileAbsent {
				again = append(again, w.index)
			}
		}
		want = again
	}
	return out
}

type pendingWait struct {
	index int
	done  chan struct{}
}

// claim registers pending fetches for tiles nobody is loading yet.
func (p *Pipeline) claim(tiles []int, out map[int]RawTile) ([]int, []pendingWait) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var claimed []int
	var waits []pendingWait
	for _, idx := range tiles {
		if t, ok := p.raw.Get(idx); ok {
			out[idx] = t
			continue
		}
		ch, ok := p.pending[idx]
		if !ok {
			ch = make(chan struct{})
			p.pending[idx] = ch
			claimed = append(claimed, idx)
		}
		waits = append(waits, pendingWait{index: idx, done: ch})
	}
	return claimed, waits
}

// fetchTiles loads indexes from the source and returns the tiles that arrived.
func (p *Pipeline) fetchTiles(ctx context.Context, indexes []int) map[int]RawTile {
	fetched := make(map[int]RawTile, len(indexes))
	if len(indexes) == 0 {
		return fetched
	}
	var mu sync.Mutex
	keep := func(idx int, tile RawTile, ok bool) {
		if ok {
			mu.Lock()
			fetched[idx] = tile
			mu.Unlock()
		}
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	if rs, ok := p.source.(RangeSource); ok {
		for _, run := range GroupContiguous(indexes) {
			g.Go(func() error {
				p.fetchRun(ctx, rs, run, keep)
				return nil
			})
		}
	} else {
		for _, idx := range indexes {
			g.Go(func() error {
				fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
				defer cancel()
				tile, err := p.source.Fetch(fctx, idx)
				tile, ok := p.finishFetch(ctx, idx, tile, err)
				keep(idx, tile, ok)
				return nil
			})
		}
	}
	_ = g.Wait()
	return fetched
}

func (p *Pipeline) fetchRun(ctx context.Context, rs RangeSource, run Run, keep func(int, RawTile, bool)) {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()
	tiles, err := rs.FetchRange(fctx, run.Start, run.Count)
	for k := 0; k < run.Count; k++ {
		var tile RawTile
		tileErr := err
		if err == nil {
			if k < len(tiles) && len(tiles[k]) > 0 {
				tile = tiles[k]
			} else {
				tileErr = ErrOutOfRange
			}
		}
		idx := run.Start + k
		tile, ok := p.finishFetch(ctx, idx, tile, tileErr)
		keep(idx, tile, ok)
	}
}

// finishFetch records the outcome of one tile fetch and returns the fitted
// tile on success. Nothing is written when the caller's context has been
// cancelled.
func (p *Pipeline) finishFetch(ctx context.Context, idx int, tile RawTile, err error) (RawTile, bool) {
	cancelled := ctx.Err() != nil
	ok := !cancelled && err == nil
	if ok {
		tile = RawTile(fitTile(tile, p.cfg.TileSampleCount))
		p.raw.Put(idx, tile)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case cancelled:
		p.metrics.fetch("cancelled")
	case err != nil:
		p.missing[idx] = err
		p.metrics.fetch("missing")
		p.log.Warn("tile fetch failed", zap.Int("tile", idx), zap.Error(err))
	default:
		delete(p.missing, idx)
		p.metrics.fetch("ok")
	}
	if ch, found := p.pending[idx]; found {
		delete(p.pending, idx)
		close(ch)
	}
	return tile, ok
}

// magnitudes computes dB tiles for every raw tile in parallel.
func (p *Pipeline) magnitudes(ctx context.Context, raw map[int]RawTile, snap snapshot) map[int]MagnitudeTile {
	out := make(map[int]MagnitudeTile, len(raw))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, idx := range sortedKeys(raw) {
		tile := raw[idx]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			m, err := p.magnitudeTile(idx, tile, snap)
			if err != nil {
				p.log.Warn("tile conditioning failed", zap.Int("tile", idx), zap.Error(err))
				return nil
			}
			mu.Lock()
			out[idx] = m
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *Pipeline) magnitudeTile(idx int, raw RawTile, snap snapshot) (MagnitudeTile, error) {
	vs := snap.versions[StageSpectral]
	if m, ok := p.spectral.Get(vs, idx); ok {
		return m, nil
	}

	vp := snap.versions[StageProcessed]
	proc, ok := p.processed.Get(vp, idx)
	if !ok {
		start := time.Now()
		var err error
		proc, err = Condition(raw, snap.params.Taps, snap.params.Transform)
		if err != nil {
			return MagnitudeTile{}, err
		}
		p.metrics.observe(StageProcessed, start)
		p.processed.Put(vp, idx, proc)
	}

	start := time.Now()
	m := ToMagnitude(Transform(proc, snap.params.FFTSize, snap.params.Window))
	p.metrics.observe(StageSpectral, start)
	p.spectral.Put(vs, idx, m)
	return m, nil
}

// colorize scales and paints every dB tile in parallel.
func (p *Pipeline) colorize(ctx context.Context, mags map[int]MagnitudeTile, snap snapshot, lo, hi float64) map[int]ColorTile {
	out := make(map[int]ColorTile, len(mags))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, idx := range sortedKeys(mags) {
		m := mags[idx]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			c := p.colorTile(idx, m, snap, lo, hi)
			mu.Lock()
			out[idx] = c
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *Pipeline) colorTile(idx int, m MagnitudeTile, snap snapshot, lo, hi float64) ColorTile {
	vc := snap.versions[StageColor]
	if c, ok := p.colors.Get(vc, idx); ok {
		return c
	}

	vpx := snap.versions[StagePixel]
	px, ok := p.pixels.Get(vpx, idx)
	if !ok {
		start := time.Now()
		px = ScalePixels(m, lo, hi)
		p.metrics.observe(StagePixel, start)
		p.pixels.Put(vpx, idx, px)
	}

	start := time.Now()
	c := Colorize(px, snap.palette, snap.params.FFTSize)
	p.metrics.observe(StageColor, start)
	p.colors.Put(vc, idx, c)
	return c
}

func sortedKeys[T any](m map[int]T) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
