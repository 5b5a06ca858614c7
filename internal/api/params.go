package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/iqtiles/server/internal/pipeline"
	"github.com/iqtiles/server/internal/render"
)

// maxTaps bounds the FIR filter length accepted from a request.
const maxTaps = 4096

// parseParams overlays the query's spectrogram settings on defaults:
// fft_size, window, mag_min, mag_max, colormap, taps and transform.
func parseParams(q url.Values, defaults pipeline.Params, tileSamples int) (pipeline.Params, error) {
	p := defaults
	if v := q.Get("fft_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("%w: invalid fft_size %q", pipeline.ErrInvalidParam, v)
		}
		p.FFTSize = n
	}
	if v := q.Get("window"); v != "" {
		w, err := pipeline.ParseWindow(v)
		if err != nil {
			return p, err
		}
		p.Window = w
	}
	if v := q.Get("mag_min"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, fmt.Errorf("%w: invalid mag_min %q", pipeline.ErrInvalidParam, v)
		}
		p.MagnitudeMin = f
	}
	if v := q.Get("mag_max"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, fmt.Errorf("%w: invalid mag_max %q", pipeline.ErrInvalidParam, v)
		}
		p.MagnitudeMax = f
	}
	if v := q.Get("colormap"); v != "" {
		p.Colormap = strings.ToLower(v)
	}
	if v := q.Get("taps"); v != "" {
		taps, err := parseTaps(v)
		if err != nil {
			return p, err
		}
		p.Taps = taps
	}
	if v := q.Get("transform"); v != "" {
		t, err := pipeline.LookupTransform(v)
		if err != nil {
			return p, err
		}
		p.Transform = t
	}
	return p, p.Validate(tileSamples)
}

// parseTaps parses comma separated complex numbers such as "1,0.5-0.25i".
func parseTaps(s string) ([]complex128, error) {
	parts := strings.Split(s, ",")
	if len(parts) > maxTaps {
		return nil, fmt.Errorf("%w: %d taps, limit is %d", pipeline.ErrInvalidParam, len(parts), maxTaps)
	}
	taps := make([]complex128, 0, len(parts))
	for _, part := range parts {
		// An unescaped '+' in a query string decodes to a space.
		part = strings.ReplaceAll(strings.TrimSpace(part), " ", "+")
		c, err := strconv.ParseComplex(part, 128)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid tap %q", pipeline.ErrInvalidParam, part)
		}
		taps = append(taps, c)
	}
	return taps, nil
}

// parseView reads lower, upper and zoom. Zoom defaults to 1.
func parseView(q url.Values) (pipeline.View, error) {
	var v pipeline.View
	var err error
	if v.Lower, err = requireFloat(q, "lower"); err != nil {
		return v, err
	}
	if v.Upper, err = requireFloat(q, "upper"); err != nil {
		return v, err
	}
	v.Zoom = 1
	if s := q.Get("zoom"); s != "" {
		if v.Zoom, err = strconv.Atoi(s); err != nil || v.Zoom < 1 {
			return v, fmt.Errorf("%w: invalid zoom %q", pipeline.ErrInvalidParam, s)
		}
	}
	return v, nil
}

// parseSelection reads sel_lower and sel_upper; both or neither must be set.
func parseSelection(q url.Values) (*render.Selection, error) {
	lo, hi := q.Get("sel_lower"), q.Get("sel_upper")
	if lo == "" && hi == "" {
		return nil, nil
	}
	if lo == "" || hi == "" {
		return nil, fmt.Errorf("%w: sel_lower and sel_upper must be given together", pipeline.ErrInvalidParam)
	}
	var sel render.Selection
	var err error
	if sel.Lower, err = requireFloat(q, "sel_lower"); err != nil {
		return nil, err
	}
	if sel.Upper, err = requireFloat(q, "sel_upper"); err != nil {
		return nil, err
	}
	return &sel, nil
}

func requireFloat(q url.Values, key string) (float64, error) {
	s := q.Get(key)
	if s == "" {
		return 0, fmt.Errorf("%w: missing required query param: %s", pipeline.ErrInvalidParam, key)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", pipeline.ErrInvalidParam, key, s)
	}
	return f, nil
}
