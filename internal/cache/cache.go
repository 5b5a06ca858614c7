// Package cache provides shared caching for raw sample tiles and encoded images.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/iqtiles/server/internal/pipeline"
)

// Config contains cache configuration.
type Config struct {
	RawCacheSizeMB int
	RawTTL         time.Duration
	MaxRawTileKB   int
	ImageCacheSize int
}

// RawShards is the shard count of the raw tile cache. Each shard holds
// RawCacheSizeMB/RawShards, and an entry larger than a shard is never stored.
const RawShards = 64

// Manager manages the raw tile and image caches.
type Manager struct {
	rawCache   *bigcache.BigCache
	imageCache *lru.Cache[string, []byte]
	encoder    *zstd.Encoder
	decoder    *zstd.Decoder
	log        *zap.Logger
}

// NewManager creates a new cache manager.
func NewManager(cfg Config, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RawCacheSizeMB <= 0 {
		cfg.RawCacheSizeMB = 256
	}
	if cfg.MaxRawTileKB <= 0 {
		cfg.MaxRawTileKB = 640
	}
	if cfg.ImageCacheSize <= 0 {
		cfg.ImageCacheSize = 256
	}
	if cfg.RawTTL <= 0 {
		cfg.RawTTL = 30 * time.Minute
	}

	if shardKB := cfg.RawCacheSizeMB * 1024 / RawShards; shardKB < cfg.MaxRawTileKB {
		return nil, fmt.Errorf("raw cache of %d MB has %d KB shards, smaller than a %d KB tile",
			cfg.RawCacheSizeMB, shardKB, cfg.MaxRawTileKB)
	}

	rawCacheConfig := bigcache.Config{
		Shards:             RawShards,
		LifeWindow:         cfg.RawTTL,
		CleanWindow:        cfg.RawTTL / 2,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       cfg.MaxRawTileKB * 1024,
		HardMaxCacheSize:   cfg.RawCacheSizeMB,
		Verbose:            false,
	}

	rawCache, err := bigcache.New(context.Background(), rawCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create raw tile cache: %w", err)
	}

	imageCache, err := lru.New[string, []byte](cfg.ImageCacheSize)
	if err != nil {
		rawCache.Close()
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		rawCache.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		rawCache.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Manager{
		rawCache:   rawCache,
		imageCache: imageCache,
		encoder:    encoder,
		decoder:    decoder,
		log:        log,
	}, nil
}

// GetRaw retrieves and decompresses a raw tile.
func (m *Manager) GetRaw(key string) (pipeline.RawTile, bool) {
	data, err := m.rawCache.Get(key)
	if err != nil {
		return nil, false
	}
	plain, err := m.decoder.DecodeAll(data, nil)
	if err != nil {
		m.log.Warn("dropping corrupt raw tile", zap.String("key", key), zap.Error(err))
		m.rawCache.Delete(key)
		return nil, false
	}
	return decodeSamples(plain), true
}

// SetRaw compresses and stores a raw tile.
func (m *Manager) SetRaw(key string, tile pipeline.RawTile) error {
	return m.rawCache.Set(key, m.encoder.EncodeAll(encodeSamples(tile), nil))
}

// GetImage retrieves an encoded image.
func (m *Manager) GetImage(key string) ([]byte, bool) {
	return m.imageCache.Get(key)
}

// SetImage stores an encoded image.
func (m *Manager) SetImage(key string, data []byte) {
	m.imageCache.Add(key, data)
}

// RawTileKey generates a cache key for a raw tile of a recording.
func RawTileKey(recording string, tileSamples, index int) string {
	return fmt.Sprintf("raw:%s:%d:%d", recording, tileSamples, index)
}

// ImageKey generates a cache key for an encoded image.
func ImageKey(recording, fingerprint string, parts ...interface{}) string {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	for _, p := range parts {
		h.Write([]byte(fmt.Sprintf("|%v", p)))
	}
	return "img:" + recording + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	s := m.rawCache.Stats()
	return map[string]interface{}{
		"raw_cache_len":    m.rawCache.Len(),
		"raw_cache_bytes":  m.rawCache.Capacity(),
		"raw_cache_hits":   s.Hits,
		"raw_cache_misses": s.Misses,
		"image_cache_len":  m.imageCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.encoder.Close()
	m.decoder.Close()
	return m.rawCache.Close()
}

// RawStore adapts the shared raw cache to one recording's pipelines.
type RawStore struct {
	m           *Manager
	recording   string
	tileSamples int
}

// RawStore returns a pipeline.RawStore namespaced to recording.
func (m *Manager) RawStore(recording string, tileSamples int) *RawStore {
	return &RawStore{m: m, recording: recording, tileSamples: tileSamples}
}

// Get implements pipeline.RawStore.
func (s *RawStore) Get(index int) (pipeline.RawTile, bool) {
	return s.m.GetRaw(RawTileKey(s.recording, s.tileSamples, index))
}

// Put implements pipeline.RawStore.
func (s *RawStore) Put(index int, tile pipeline.RawTile) {
	if err := s.m.SetRaw(RawTileKey(s.recording, s.tileSamples, index), tile); err != nil {
		s.m.log.Debug("raw tile not cached",
			zap.String("recording", s.recording), zap.Int("tile", index), zap.Error(err))
	}
}

func encodeSamples(tile pipeline.RawTile) []byte {
	buf := make([]byte, 4*len(tile))
	for i, v := range tile {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeSamples(buf []byte) pipeline.RawTile {
	out := make(pipeline.RawTile, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out
}
