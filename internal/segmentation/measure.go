package segmentation

import (
	"fmt"
)

// Measure returns the scaled area and centroid of label at time t. Scale has
// one entry per axis with time first; nil means unit scale. The centroid is
// expressed in scaled spatial coordinates.
func Measure(a *LabelArray, t int, label uint64, scale []float64) (float64, []float64, error) {
	if scale != nil && len(scale) != len(a.shape) {
		return 0, nil, invalid(fmt.Sprintf("scale %v does not match %d axes", scale, len(a.shape)))
	}
	cells, err := a.CellsOf(t, label)
	if err != nil {
		return 0, nil, err
	}
	n := cells.GetCardinality()
	if n == 0 {
		return 0, nil, invalid(fmt.Sprintf("label %d has no cells at time %d", label, t))
	}
	spatial := a.SpatialDims()
	sums := make([]float64, spatial)
	it := cells.Iterator()
	for it.HasNext() {
		coords := a.Coords(it.Next())
		for i := 0; i < spatial; i++ {
			sums[i] += float64(coords[i+1])
		}
	}
	voxel := 1.0
	centroid := make([]float64, spatial)
	for i := 0; i < spatial; i++ {
		s := 1.0
		if scale != nil {
			s = scale[i+1]
		}
		voxel *= s
		centroid[i] = sums[i] / float64(n) * s
	}
	return float64(n) * voxel, centroid, nil
}

// PixelCoords converts a scaled spatial position back into integer array
// coordinates at time t, rounding to the nearest cell.
func PixelCoords(t int, pos []float64, scale []float64) []int {
	out := make([]int, 0, len(pos)+1)
	out = append(out, t)
	for i, p := range pos {
		s := 1.0
		if scale != nil && i+1 < len(scale) && scale[i+1] != 0 {
			s = scale[i+1]
		}
		v := p / s
		if v < 0 {
			out = append(out, int(v-0.5))
		} else {
			out = append(out, int(v+0.5))
		}
	}
	return out
}
