package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/iqtiles/server/internal/pipeline"
)

// FileSource reads tiles from a local .sigmf-data file.
type FileSource struct {
	layout
	path string
	file *os.File
	meta *Metadata
}

// OpenFile opens dataPath and its .sigmf-meta sidecar.
func OpenFile(dataPath string, tileSamples int) (*FileSource, error) {
	meta, err := LoadMetadata(MetaPath(dataPath))
	if err != nil {
		return nil, err
	}
	dt, err := ParseDataType(meta.Global.DataType)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat recording: %w", err)
	}

	return &FileSource{
		layout: layout{dataType: dt, tileSamples: tileSamples, size: info.Size()},
		path:   dataPath,
		file:   f,
		meta:   meta,
	}, nil
}

// Metadata returns the recording's SigMF metadata.
func (s *FileSource) Metadata() *Metadata {
	return s.meta
}

// Fetch reads one tile.
func (s *FileSource) Fetch(ctx context.Context, index int) (pipeline.RawTile, error) {
	tiles, err := s.FetchRange(ctx, index, 1)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, fmt.Errorf("%w: tile %d", pipeline.ErrOutOfRange, index)
	}
	return tiles[0], nil
}

// FetchRange reads count contiguous tiles starting at start.
func (s *FileSource) FetchRange(ctx context.Context, start, count int) ([]pipeline.RawTile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offset, length, err := s.span(start, count)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.split(buf[:n]), nil
}

// Close releases the file handle.
func (s *FileSource) Close() error {
	return s.file.Close()
}
