package pipeline

import "sort"

// Run is a span of consecutive tile indexes.
type Run struct {
	Start int `json:"start"`
	Count int `json:"count"`
}

// GroupContiguous sorts indexes and folds them into runs of consecutive values.
// Duplicates are ignored.
func GroupContiguous(indexes []int) []Run {
	if len(indexes) == 0 {
		return nil
	}
	sorted := append([]int(nil), indexes...)
	sort.Ints(sorted)

	runs := []Run{{Start: sorted[0], Count: 1}}
	for _, idx := range sorted[1:] {
		cur := &runs[len(runs)-1]
		switch {
		case idx == cur.Start+cur.Count-1:
		case idx == cur.Start+cur.Count:
			cur.Count++
		default:
			runs = append(runs, Run{Start: idx, Count: 1})
		}
	}
	return runs
}
