// Package config handles configuration loading for the IQ tile server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Cache      CacheConfig      `yaml:"cache"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Render     RenderConfig     `yaml:"render"`
	Recordings RecordingsConfig `yaml:"recordings"`
	Jobs       JobsConfig       `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	RawSizeMB      int `yaml:"raw_size_mb"`
	RawTTLMinutes  int `yaml:"raw_ttl_minutes"`
	ImageCacheSize int `yaml:"image_cache_size"`
}

// PipelineConfig contains spectrogram pipeline settings.
type PipelineConfig struct {
	TileSampleCount int            `yaml:"tile_sample_count"`
	Workers         int            `yaml:"workers"`
	FetchTimeoutMS  int            `yaml:"fetch_timeout_ms"`
	MaxCachedTiles  int            `yaml:"max_cached_tiles"`
	PoolSize        int            `yaml:"pool_size"`
	MaxExportTiles  int            `yaml:"max_export_tiles"`
	MaxRenderTiles  int            `yaml:"max_render_tiles"`
	Defaults        DefaultsConfig `yaml:"defaults"`
}

// FetchTimeout returns the per-request tile fetch timeout.
func (p PipelineConfig) FetchTimeout() time.Duration {
	return time.Duration(p.FetchTimeoutMS) * time.Millisecond
}

// RawTileKB is the largest raw cache entry a tile can produce, in KiB.
func (p PipelineConfig) RawTileKB() int {
	return p.TileSampleCount*8/1024 + 128
}

// rawCacheShards matches the shard count of the raw tile cache. A tile must
// fit in one shard or it is never cached.
const rawCacheShards = 64

// DefaultsConfig holds the parameters used when a request does not set them.
type DefaultsConfig struct {
	FFTSize      int      `yaml:"fft_size"`
	Window       string   `yaml:"window"`
	MagnitudeMin *float64 `yaml:"magnitude_min"`
	MagnitudeMax *float64 `yaml:"magnitude_max"`
	Colormap     string   `yaml:"colormap"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	ThumbnailWidth  int `yaml:"thumbnail_width"`
	ThumbnailHeight int `yaml:"thumbnail_height"`
}

// JobsConfig contains thumbnail job settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	QueueSize     int    `yaml:"queue_size"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Recording source types.
const (
	SourceFile = "file"
	SourceS3   = "s3"
	SourceHTTP = "http"
)

// RecordingConfig describes where one recording lives.
type RecordingConfig struct {
	Type        string `yaml:"type"`
	Description string `yaml:"description"`

	// file
	Path string `yaml:"path"`

	// s3
	Bucket         string `yaml:"bucket"`
	Key            string `yaml:"key"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	// http
	URL        string  `yaml:"url"`
	DataType   string  `yaml:"data_type"`
	SampleRate float64 `yaml:"sample_rate"`
}

// RecordingsConfig is the recordings map, keeping YAML order.
type RecordingsConfig struct {
	Order []string
	Items map[string]RecordingConfig
}

// UnmarshalYAML decodes a mapping of recording ID to RecordingConfig.
func (r *RecordingsConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("recordings: expected a mapping, got %s", node.Tag)
	}
	r.Order = nil
	r.Items = make(map[string]RecordingConfig, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var rc RecordingConfig
		if err := node.Content[i+1].Decode(&rc); err != nil {
			return fmt.Errorf("recordings.%s: %w", id, err)
		}
		if _, dup := r.Items[id]; !dup {
			r.Order = append(r.Order, id)
		}
		r.Items[id] = rc
	}
	return nil
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks recording entries.
func (c *Config) Validate() error {
	if shardKB := c.Cache.RawSizeMB * 1024 / rawCacheShards; shardKB < c.Pipeline.RawTileKB() {
		need := (c.Pipeline.RawTileKB()*rawCacheShards + 1023) / 1024
		return fmt.Errorf("cache.raw_size_mb %d is too small for tile_sample_count %d: need at least %d",
			c.Cache.RawSizeMB, c.Pipeline.TileSampleCount, need)
	}
	for _, id := range c.Recordings.Order {
		rc := c.Recordings.Items[id]
		switch rc.Type {
		case SourceFile:
			if rc.Path == "" {
				return fmt.Errorf("recording %q: file source needs path", id)
			}
		case SourceS3:
			if rc.Bucket == "" || rc.Key == "" {
				return fmt.Errorf("recording %q: s3 source needs bucket and key", id)
			}
		case SourceHTTP:
			if rc.URL == "" || rc.DataType == "" {
				return fmt.Errorf("recording %q: http source needs url and data_type", id)
			}
		default:
			return fmt.Errorf("recording %q: unknown source type %q", id, rc.Type)
		}
	}
	return nil
}

func floatPtr(v float64) *float64 { return &v }

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "IQ Tiles",
		},
		Log: LogConfig{
			Level: "info",
		},
		Cache: CacheConfig{
			RawSizeMB:      512,
			RawTTLMinutes:  30,
			ImageCacheSize: 512,
		},
		Pipeline: PipelineConfig{
			TileSampleCount: 65536,
			Workers:         4,
			FetchTimeoutMS:  10000,
			MaxCachedTiles:  256,
			PoolSize:        16,
			MaxExportTiles:  64,
			MaxRenderTiles:  256,
			Defaults: DefaultsConfig{
				FFTSize:      1024,
				Window:       "hamming",
				MagnitudeMin: floatPtr(-30),
				MagnitudeMax: floatPtr(-10),
				Colormap:     "viridis",
			},
		},
		Render: RenderConfig{
			ThumbnailWidth:  256,
			ThumbnailHeight: 128,
		},
		Recordings: RecordingsConfig{Items: map[string]RecordingConfig{}},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			QueueSize:     100,
			SQLitePath:    "./data/jobs.sqlite",
			RetentionDays: 7,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Cache.RawSizeMB == 0 {
		cfg.Cache.RawSizeMB = defaults.Cache.RawSizeMB
	}
	if cfg.Cache.RawTTLMinutes == 0 {
		cfg.Cache.RawTTLMinutes = defaults.Cache.RawTTLMinutes
	}
	if cfg.Cache.ImageCacheSize == 0 {
		cfg.Cache.ImageCacheSize = defaults.Cache.ImageCacheSize
	}

	p, dp := &cfg.Pipeline, defaults.Pipeline
	if p.TileSampleCount == 0 {
		p.TileSampleCount = dp.TileSampleCount
	}
	if p.Workers == 0 {
		p.Workers = dp.Workers
	}
	if p.FetchTimeoutMS == 0 {
		p.FetchTimeoutMS = dp.FetchTimeoutMS
	}
	if p.MaxCachedTiles == 0 {
		p.MaxCachedTiles = dp.MaxCachedTiles
	}
	if p.PoolSize == 0 {
		p.PoolSize = dp.PoolSize
	}
	if p.MaxExportTiles == 0 {
		p.MaxExportTiles = dp.MaxExportTiles
	}
	if p.MaxRenderTiles == 0 {
		p.MaxRenderTiles = dp.MaxRenderTiles
	}
	if p.Defaults.FFTSize == 0 {
		p.Defaults.FFTSize = dp.Defaults.FFTSize
	}
	if p.Defaults.Window == "" {
		p.Defaults.Window = dp.Defaults.Window
	}
	if p.Defaults.MagnitudeMin == nil {
		p.Defaults.MagnitudeMin = dp.Defaults.MagnitudeMin
	}
	if p.Defaults.MagnitudeMax == nil {
		p.Defaults.MagnitudeMax = dp.Defaults.MagnitudeMax
	}
	if p.Defaults.Colormap == "" {
		p.Defaults.Colormap = dp.Defaults.Colormap
	}

	if cfg.Render.ThumbnailWidth == 0 {
		cfg.Render.ThumbnailWidth = defaults.Render.ThumbnailWidth
	}
	if cfg.Render.ThumbnailHeight == 0 {
		cfg.Render.ThumbnailHeight = defaults.Render.ThumbnailHeight
	}
	if cfg.Recordings.Items == nil {
		cfg.Recordings.Items = map[string]RecordingConfig{}
	}
	for _, id := range cfg.Recordings.Order {
		rc := cfg.Recordings.Items[id]
		if rc.Type == "" {
			rc.Type = SourceFile
			cfg.Recordings.Items[id] = rc
		}
	}

	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = defaults.Jobs.QueueSize
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
}
