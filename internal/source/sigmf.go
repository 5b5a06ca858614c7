// Package source provides TileSource implementations that read SigMF
// recordings from local files, S3 compatible object stores and remote
// IQ data endpoints.
package source

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/iqtiles/server/internal/pipeline"
)

// Capture is one SigMF capture segment.
type Capture struct {
	SampleStart int64   `json:"core:sample_start"`
	Frequency   float64 `json:"core:frequency,omitempty"`
	DateTime    string  `json:"core:datetime,omitempty"`
}

// Annotation is one SigMF annotation.
type Annotation struct {
	SampleStart   int64   `json:"core:sample_start"`
	SampleCount   int64   `json:"core:sample_count,omitempty"`
	FreqLowerEdge float64 `json:"core:freq_lower_edge,omitempty"`
	FreqUpperEdge float64 `json:"core:freq_upper_edge,omitempty"`
	Label         string  `json:"core:label,omitempty"`
	Description   string  `json:"core:description,omitempty"`
}

// Global holds the SigMF global object.
type Global struct {
	DataType    string  `json:"core:datatype"`
	SampleRate  float64 `json:"core:sample_rate,omitempty"`
	Version     string  `json:"core:version,omitempty"`
	Description string  `json:"core:description,omitempty"`
	Author      string  `json:"core:author,omitempty"`
	Hardware    string  `json:"core:hw,omitempty"`
}

// Metadata is a parsed .sigmf-meta document.
type Metadata struct {
	Global      Global       `json:"global"`
	Captures    []Capture    `json:"captures"`
	Annotations []Annotation `json:"annotations"`
}

// ParseMetadata decodes a .sigmf-meta document.
func ParseMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse sigmf metadata: %w", err)
	}
	if m.Global.DataType == "" {
		return nil, fmt.Errorf("sigmf metadata has no core:datatype")
	}
	return &m, nil
}

// LoadMetadata reads and parses a .sigmf-meta file.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sigmf metadata: %w", err)
	}
	return ParseMetadata(data)
}

// CenterFrequency returns the frequency of the first capture, or 0.
func (m *Metadata) CenterFrequency() float64 {
	if len(m.Captures) == 0 {
		return 0
	}
	return m.Captures[0].Frequency
}

// MetaPath returns the .sigmf-meta path that pairs with a data path.
func MetaPath(dataPath string) string {
	return strings.TrimSuffix(dataPath, ".sigmf-data") + ".sigmf-meta"
}

// DataType describes how complex samples are stored on disk.
type DataType struct {
	Name string
	// Size of one I or Q component in bytes.
	ComponentSize int
	decode        func(b []byte) float32
}

// BytesPerSample is the size of one I/Q pair.
func (d DataType) BytesPerSample() int {
	return 2 * d.ComponentSize
}

// Decode converts interleaved components to float32 values. Trailing bytes
// that do not form a whole I/Q pair are ignored.
func (d DataType) Decode(b []byte) pipeline.RawTile {
	pairs := len(b) / d.BytesPerSample()
	out := make(pipeline.RawTile, pairs*2)
	for i := range out {
		off := i * d.ComponentSize
		out[i] = d.decode(b[off : off+d.ComponentSize])
	}
	return out
}

var dataTypes = map[string]DataType{
	"ci8": {Name: "ci8", ComponentSize: 1, decode: func(b []byte) float32 { return float32(int8(b[0])) }},
	"cu8": {Name: "cu8", ComponentSize: 1, decode: func(b []byte) float32 { return float32(b[0]) }},
	"ci16_le": {Name: "ci16_le", ComponentSize: 2, decode: func(b []byte) float32 {
		return float32(int16(binary.LittleEndian.Uint16(b)))
	}},
	"ci16_be": {Name: "ci16_be", ComponentSize: 2, decode: func(b []byte) float32 {
		return float32(int16(binary.BigEndian.Uint16(b)))
	}},
	"cu16_le": {Name: "cu16_le", ComponentSize: 2, decode: func(b []byte) float32 {
		return float32(binary.LittleEndian.Uint16(b))
	}},
	"ci32_le": {Name: "ci32_le", ComponentSize: 4, decode: func(b []byte) float32 {
		return float32(int32(binary.LittleEndian.Uint32(b)))
	}},
	"cf32_le": {Name: "cf32_le", ComponentSize: 4, decode: func(b []byte) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}},
	"cf32_be": {Name: "cf32_be", ComponentSize: 4, decode: func(b []byte) float32 {
		return math.Float32frombits(binary.BigEndian.Uint32(b))
	}},
	"cf64_le": {Name: "cf64_le", ComponentSize: 8, decode: func(b []byte) float32 {
		return float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	}},
}

// ParseDataType resolves a SigMF core:datatype such as "cf32_le".
func ParseDataType(name string) (DataType, error) {
	dt, ok := dataTypes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return DataType{}, fmt.Errorf("unsupported sigmf datatype %q", name)
	}
	return dt, nil
}

// layout maps tile indexes to byte ranges of a recording.
type layout struct {
	dataType    DataType
	tileSamples int
	size        int64
}

func (l layout) tileBytes() int64 {
	return int64(l.tileSamples) * int64(l.dataType.BytesPerSample())
}

// NumTiles returns the number of tiles, counting a trailing partial tile.
func (l layout) NumTiles() int {
	tb := l.tileBytes()
	if tb == 0 {
		return 0
	}
	return int((l.size + tb - 1) / tb)
}

// span returns the byte range covering count tiles from start, truncated to
// the end of the recording.
func (l layout) span(start, count int) (offset, length int64, err error) {
	if start < 0 || count <= 0 {
		return 0, 0, fmt.Errorf("%w: tiles [%d, %d)", pipeline.ErrOutOfRange, start, start+count)
	}
	offset = int64(start) * l.tileBytes()
	if offset >= l.size {
		return 0, 0, fmt.Errorf("%w: tile %d starts past end of recording", pipeline.ErrOutOfRange, start)
	}
	length = int64(count) * l.tileBytes()
	if offset+length > l.size {
		length = l.size - offset
	}
	return offset, length, nil
}

// split decodes a contiguous byte range into per-tile sample slices.
func (l layout) split(buf []byte) []pipeline.RawTile {
	tb := int(l.tileBytes())
	var out []pipeline.RawTile
	for off := 0; off < len(buf); off += tb {
		end := off + tb
		if end > len(buf) {
			end = len(buf)
		}
		tile := l.dataType.Decode(buf[off:end])
		if len(tile) == 0 {
			break
		}
		out = append(out, tile)
	}
	return out
}
