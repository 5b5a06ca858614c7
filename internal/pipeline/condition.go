package pipeline

import (
	"fmt"

	"github.com/mjibson/go-dsp/dsputils"
	"github.com/mjibson/go-dsp/fft"
)

// fastConvolveTaps is the tap count from which filtering switches to FFT convolution.
const fastConvolveTaps = 64

// Condition filters raw with taps and then applies custom, if any.
// A tap sequence of length 0 or 1 with unit gain is the identity.
func Condition(raw RawTile, taps []complex128, custom CustomTransform) (ProcessedTile, error) {
	tileSamples := len(raw) / 2
	samples := []float32(raw)

	if !isIdentityTaps(taps) {
		samples = filter(samples, taps)
	}

	if custom != nil {
		out, err := custom.Transform(samples, taps)
		if err != nil {
			return nil, fmt.Errorf("custom transform %s: %w", custom.ID(), err)
		}
		samples = out
	}

	if len(samples) > 0 && len(raw) > 0 && &samples[0] == &raw[0] {
		// Never hand the cached raw buffer downstream.
		samples = append([]float32(nil), samples...)
	}
	return ProcessedTile(fitTile(samples, tileSamples)), nil
}

func isIdentityTaps(taps []complex128) bool {
	return len(taps) == 0 || (len(taps) == 1 && taps[0] == 1)
}

// filter computes the causal FIR output y[n] = sum_k h[k]*x[n-k] truncated to the input length.
func filter(samples []float32, taps []complex128) []float32 {
	n := len(samples) / 2
	if n == 0 {
		return []float32{}
	}
	x := make([]complex128, n)
	for i := range x {
		x[i] = complex(float64(samples[2*i]), float64(samples[2*i+1]))
	}

	var y []complex128
	if len(taps) >= fastConvolveTaps {
		size := dsputils.NextPowerOf2(n + len(taps) - 1)
		y = fft.Convolve(dsputils.ZeroPad(x, size), dsputils.ZeroPad(taps, size))
	} else {
		y = make([]complex128, n)
		for i := range y {
			var acc complex128
			for k, h := range taps {
				if i-k < 0 {
					break
				}
				acc += h * x[i-k]
			}
			y[i] = acc
		}
	}

	out := make([]float32, 2*n)
	for i := 0; i < n; i++ {
		out[2*i] = float32(real(y[i]))
		out[2*i+1] = float32(imag(y[i]))
	}
	return out
}
