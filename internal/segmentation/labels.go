// Package segmentation holds the dense label array backing a tracking store
// and the reversible patches applied to it.
package segmentation

import (
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"trackcore/pkg/domain"
)

// LabelArray is a dense row-major array of uint64 labels shaped
// (time, ...spatial). Label zero is background.
type LabelArray struct {
	shape   []int
	strides []int
	data    []uint64
}

// NewLabelArray allocates a zeroed array.
func NewLabelArray(shape ...int) (*LabelArray, error) {
	size, err := checkShape(shape)
	if err != nil {
		return nil, err
	}
	return newArray(shape, make([]uint64, size)), nil
}

// FromData wraps data as an array of the given shape. The slice is adopted,
// not copied.
func FromData(shape []int, data []uint64) (*LabelArray, error) {
	size, err := checkShape(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, invalid(fmt.Sprintf("data length %d does not match shape %v", len(data), shape))
	}
	return newArray(shape, data), nil
}

func checkShape(shape []int) (int, error) {
	if len(shape) < 2 {
		return 0, invalid(fmt.Sprintf("shape %v needs a time axis and at least one spatial axis", shape))
	}
	size := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, invalid(fmt.Sprintf("shape %v has a non-positive dimension", shape))
		}
		size *= d
	}
	return size, nil
}

func newArray(shape []int, data []uint64) *LabelArray {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return &LabelArray{shape: slices.Clone(shape), strides: strides, data: data}
}

func invalid(reason string) error {
	return domain.ValidationError{Entity: domain.EntitySegmentation, Reason: reason}
}

// Shape returns a copy of the array shape.
func (a *LabelArray) Shape() []int { return slices.Clone(a.shape) }

// Len is the total number of cells.
func (a *LabelArray) Len() int { return len(a.data) }

// Frames is the length of the time axis.
func (a *LabelArray) Frames() int { return a.shape[0] }

// SpatialDims is the number of axes after time.
func (a *LabelArray) SpatialDims() int { return len(a.shape) - 1 }

// Data exposes the backing slice. Callers must not modify it.
func (a *LabelArray) Data() []uint64 { return a.data }

// Offset converts full coordinates (time first) into a flat cell index.
func (a *LabelArray) Offset(coords ...int) (uint64, error) {
	if len(coords) != len(a.shape) {
		return 0, invalid(fmt.Sprintf("coordinates %v do not match %d axes", coords, len(a.shape)))
	}
	off := 0
	for i, c := range coords {
		if c < 0 || c >= a.shape[i] {
			return 0, invalid(fmt.Sprintf("coordinates %v out of bounds for shape %v", coords, a.shape))
		}
		off += c * a.strides[i]
	}
	return uint64(off), nil
}

// Coords converts a flat cell index back into coordinates.
func (a *LabelArray) Coords(cell uint64) []int {
	out := make([]int, len(a.shape))
	rem := int(cell)
	for i, s := range a.strides {
		out[i] = rem / s
		rem %= s
	}
	return out
}

// At returns the label at the given coordinates.
func (a *LabelArray) At(coords ...int) (uint64, error) {
	off, err := a.Offset(coords...)
	if err != nil {
		return 0, err
	}
	return a.data[off], nil
}

// Value returns the label of a flat cell index.
func (a *LabelArray) Value(cell uint64) uint64 { return a.data[cell] }

// FrameRange returns the half-open cell range covering frame t.
func (a *LabelArray) FrameRange(t int) (uint64, uint64, error) {
	if t < 0 || t >= a.shape[0] {
		return 0, 0, invalid(fmt.Sprintf("time %d out of bounds for %d frames", t, a.shape[0]))
	}
	lo := uint64(t * a.strides[0])
	return lo, lo + uint64(a.strides[0]), nil
}

// CellsOf returns every cell at time t holding label.
func (a *LabelArray) CellsOf(t int, label uint64) (*roaring64.Bitmap, error) {
	lo, hi, err := a.FrameRange(t)
	if err != nil {
		return nil, err
	}
	cells := roaring64.New()
	for i := lo; i < hi; i++ {
		if a.data[i] == label {
			cells.Add(i)
		}
	}
	return cells, nil
}

// Labels returns the sorted distinct non-background labels present at time t.
func (a *LabelArray) Labels(t int) ([]uint64, error) {
	lo, hi, err := a.FrameRange(t)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]struct{})
	for _, v := range a.data[lo:hi] {
		if v != 0 {
			seen[v] = struct{}{}
		}
	}
	out := make([]uint64, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out, nil
}

// Clone returns a deep copy.
func (a *LabelArray) Clone() *LabelArray {
	return newArray(a.shape, slices.Clone(a.data))
}

// Equal reports whether both arrays have the same shape and contents.
func (a *LabelArray) Equal(b *LabelArray) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return slices.Equal(a.shape, b.shape) && slices.Equal(a.data, b.data)
}
