package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Transforms holds the built-in custom transforms by ID.
var Transforms = map[string]CustomTransform{
	"dc-removal":      DCRemoval{},
	"invert-spectrum": InvertSpectrum{},
	"normalize":       Normalize{},
}

// LookupTransform resolves a transform ID. The empty string and "none" return nil.
func LookupTransform(id string) (CustomTransform, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" || id == "none" {
		return nil, nil
	}
	t, ok := Transforms[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown transform %q", ErrInvalidParam, id)
	}
	return t, nil
}

// TransformIDs lists the built-in transforms.
func TransformIDs() []string {
	ids := make([]string, 0, len(Transforms))
	for id := range Transforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func transformID(t CustomTransform) string {
	if t == nil {
		return ""
	}
	return t.ID()
}

// DCRemoval subtracts the mean I and Q value from every sample.
type DCRemoval struct{}

func (DCRemoval) ID() string { return "dc-removal" }

func (DCRemoval) Transform(samples []float32, _ []complex128) ([]float32, error) {
	n := len(samples) / 2
	out := make([]float32, len(samples))
	if n == 0 {
		return out, nil
	}
	var si, sq float64
	for i := 0; i < n; i++ {
		si += float64(samples[2*i])
		sq += float64(samples[2*i+1])
	}
	mi, mq := float32(si/float64(n)), float32(sq/float64(n))
	for i := 0; i < n; i++ {
		out[2*i] = samples[2*i] - mi
		out[2*i+1] = samples[2*i+1] - mq
	}
	return out, nil
}

// InvertSpectrum conjugates every sample, mirroring the spectrum around DC.
type InvertSpectrum struct{}

func (InvertSpectrum) ID() string { return "invert-spectrum" }

func (InvertSpectrum) Transform(samples []float32, _ []complex128) ([]float32, error) {
	out := make([]float32, len(samples))
	for i := 0; i+1 < len(samples); i += 2 {
		out[i] = samples[i]
		out[i+1] = -samples[i+1]
	}
	return out, nil
}

// Normalize scales a tile to unit RMS sample magnitude.
type Normalize struct{}

func (Normalize) ID() string { return "normalize" }

func (Normalize) Transform(samples []float32, _ []complex128) ([]float32, error) {
	out := make([]float32, len(samples))
	n := len(samples) / 2
	if n == 0 {
		return out, nil
	}
	vals := make([]float64, len(samples))
	for i, s := range samples {
		vals[i] = float64(s)
	}
	rms := floats.Norm(vals, 2) / math.Sqrt(float64(n))
	if rms == 0 || math.IsNaN(rms) || math.IsInf(rms, 0) {
		copy(out, samples)
		return out, nil
	}
	for i, v := range vals {
		out[i] = float32(v / rms)
	}
	return out, nil
}
