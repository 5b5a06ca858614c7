package cache

import (
	"context"
	"testing"
	"time"

	"github.com/iqtiles/server/internal/pipeline"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{RawCacheSizeMB: 8, RawTTL: time.Minute, MaxRawTileKB: 64, ImageCacheSize: 4}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRawRoundTrip(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	tile := pipeline.RawTile{0, 1.5, -2.25, 3e6, -1e-9}
	if err := m.SetRaw("k", tile); err != nil {
		t.Fatalf("SetRaw: %v", err)
	}
	got, ok := m.GetRaw("k")
	if !ok {
		t.Fatal("expected cached tile")
	}
	if len(got) != len(tile) {
		t.Fatalf("got %d samples, want %d", len(got), len(tile))
	}
	for i := range tile {
		if got[i] != tile[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], tile[i])
		}
	}
	if _, ok := m.GetRaw("other"); ok {
		t.Fatal("unexpected hit")
	}
}

func TestRawStoreNamespaces(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	a := m.RawStore("rec-a", 1024)
	b := m.RawStore("rec-b", 1024)
	a.Put(3, pipeline.RawTile{1, 2})

	if _, ok := b.Get(3); ok {
		t.Fatal("tile leaked across recordings")
	}
	if got, ok := a.Get(3); !ok || got[1] != 2 {
		t.Fatalf("Get = %v, %v", got, ok)
	}
	if _, ok := m.RawStore("rec-a", 2048).Get(3); ok {
		t.Fatal("tile shared across tile sizes")
	}
}

func TestRawStoreBacksPipeline(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	store := m.RawStore("rec", 64)
	src := constSource{}
	params := pipeline.DefaultParams()
	params.FFTSize = 16

	p, err := pipeline.New(src, pipeline.Config{TileSampleCount: 64, RawStore: store}, params)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	if _, err := p.Render(context.Background(), pipeline.View{Lower: 0, Upper: 2, Zoom: 1}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if _, ok := store.Get(1); !ok {
		t.Fatal("pipeline did not write through the shared store")
	}
	if p.TileState(0) != pipeline.TileReady {
		t.Fatalf("TileState(0) = %s", p.TileState(0))
	}
}

func TestNewManagerRejectsShardsSmallerThanATile(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(Config{RawCacheSizeMB: 1, MaxRawTileKB: 640}, nil); err == nil {
		t.Fatal("expected an error for 16 KB shards and 640 KB tiles")
	}
	m, err := NewManager(Config{RawCacheSizeMB: 40, MaxRawTileKB: 640}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Close()
}

type constSource struct{}

func (constSource) Fetch(_ context.Context, index int) (pipeline.RawTile, error) {
	tile := make(pipeline.RawTile, 128)
	for i := range tile {
		tile[i] = float32(index + 1)
	}
	return tile, nil
}

func TestImageCacheAndKeys(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	k1 := ImageKey("rec", "fp", 0.0, 1.5, 1)
	k2 := ImageKey("rec", "fp", 0.0, 1.5, 2)
	if k1 == k2 {
		t.Fatal("image keys must depend on every part")
	}
	if k1 != ImageKey("rec", "fp", 0.0, 1.5, 1) {
		t.Fatal("image key not stable")
	}

	m.SetImage(k1, []byte("png"))
	if got, ok := m.GetImage(k1); !ok || string(got) != "png" {
		t.Fatalf("GetImage = %q, %v", got, ok)
	}

	if got := RawTileKey("rec", 65536, 7); got != "raw:rec:65536:7" {
		t.Fatalf("RawTileKey = %q", got)
	}

	stats := m.Stats()
	if stats["image_cache_len"] != 1 {
		t.Fatalf("stats = %v", stats)
	}
}
