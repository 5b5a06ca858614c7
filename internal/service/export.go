package service

import (
	"context"
	"fmt"
	"io"
	"strconv"

	parquet "github.com/parquet-go/parquet-go"

	"github.com/iqtiles/server/internal/pipeline"
)

// MagnitudeRow is one FFT frame of an export, in dB with the zero frequency
// bin at the center.
type MagnitudeRow struct {
	Tile  int64     `parquet:"tile"`
	Frame int32     `parquet:"frame"`
	DB    []float32 `parquet:"db"`
}

// ExportParquet writes the dB rows of every tile overlapping [lower, upper)
// to w. Whole tiles are exported. The export fails if any tile cannot be
// loaded.
func (s *SpectrogramService) ExportParquet(ctx context.Context, w io.Writer, params pipeline.Params, lower, upper float64) (int, error) {
	tiles, err := s.exportTiles(lower, upper)
	if err != nil {
		return 0, err
	}
	p, err := s.pipelineFor(params)
	if err != nil {
		return 0, err
	}
	mags, err := p.MagnitudeTiles(ctx, tiles)
	if err != nil {
		return 0, err
	}
	var missing []int
	for _, idx := range tiles {
		if _, ok := mags[idx]; !ok {
			missing = append(missing, idx)
		}
	}
	if len(missing) > 0 {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, missing)
	}

	info := s.Info()
	pw := parquet.NewGenericWriter[MagnitudeRow](w,
		parquet.Compression(&parquet.Zstd),
		parquet.KeyValueMetadata("recording", s.recordingID),
		parquet.KeyValueMetadata("fft_size", strconv.Itoa(params.FFTSize)),
		parquet.KeyValueMetadata("window", string(params.Window)),
		parquet.KeyValueMetadata("tile_sample_count", strconv.Itoa(info.TileSampleCount)),
		parquet.KeyValueMetadata("sample_rate", strconv.FormatFloat(info.SampleRate, 'g', -1, 64)),
		parquet.KeyValueMetadata("center_frequency", strconv.FormatFloat(info.CenterFrequency, 'g', -1, 64)),
	)

	rows := 0
	batch := make([]MagnitudeRow, 0, 256)
	for _, idx := range tiles {
		for f, row := range mags[idx].Rows {
			db := make([]float32, len(row))
			for i, v := range row {
				db[i] = float32(v)
			}
			batch = append(batch, MagnitudeRow{Tile: int64(idx), Frame: int32(f), DB: db})
		}
		if _, err := pw.Write(batch); err != nil {
			return rows, fmt.Errorf("failed to write parquet rows: %w", err)
		}
		rows += len(batch)
		batch = batch[:0]
	}
	if err := pw.Close(); err != nil {
		return rows, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return rows, nil
}
