package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/iqtiles/server/internal/pipeline"
)

// HTTPSource reads tiles from a remote iq-data endpoint that streams the
// bytes of the requested blocks back to back.
type HTTPSource struct {
	client      *http.Client
	endpoint    string
	dataType    DataType
	tileSamples int
}

// NewHTTPSource creates a source for endpoint, e.g.
// https://host/api/datasources/acct/container/rec/iq-data.
func NewHTTPSource(client *http.Client, endpoint string, dt DataType, tileSamples int) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{client: client, endpoint: endpoint, dataType: dt, tileSamples: tileSamples}
}

// Fetch reads one tile.
func (s *HTTPSource) Fetch(ctx context.Context, index int) (pipeline.RawTile, error) {
	tiles, err := s.FetchRange(ctx, index, 1)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, fmt.Errorf("%w: tile %d", pipeline.ErrOutOfRange, index)
	}
	return tiles[0], nil
}

// FetchRange requests count contiguous blocks in one call.
func (s *HTTPSource) FetchRange(ctx context.Context, start, count int) ([]pipeline.RawTile, error) {
	if start < 0 || count <= 0 {
		return nil, fmt.Errorf("%w: tiles [%d, %d)", pipeline.ErrOutOfRange, start, start+count)
	}
	indexes := make([]string, count)
	for i := range indexes {
		indexes[i] = strconv.Itoa(start + i)
	}
	q := url.Values{}
	q.Set("block_indexes_str", strings.Join(indexes, ","))
	q.Set("block_size", strconv.Itoa(s.tileSamples))
	q.Set("format", s.dataType.Name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build iq-data request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tiles %d+%d: %w", start, count, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("iq-data returned %s", resp.Status)
	}

	l := layout{dataType: s.dataType, tileSamples: s.tileSamples}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, int64(count)*l.tileBytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to read tiles %d+%d: %w", start, count, err)
	}
	return l.split(buf), nil
}
