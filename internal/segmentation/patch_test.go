package segmentation

import (
	"bytes"
	"errors"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"trackcore/pkg/domain"
)

// 2 frames of 3x3.
func sampleArray(t *testing.T) *LabelArray {
	t.Helper()
	a, err := FromData([]int{2, 3, 3}, []uint64{
		1, 1, 0,
		0, 2, 2,
		0, 0, 0,

		0, 3, 3,
		0, 3, 0,
		4, 0, 0,
	})
	if err != nil {
		t.Fatalf("from data: %v", err)
	}
	return a
}

func TestCellsOfAndLabels(t *testing.T) {
	a := sampleArray(t)
	cells, err := a.CellsOf(1, 3)
	if err != nil {
		t.Fatalf("cells: %v", err)
	}
	if got := cells.ToArray(); len(got) != 3 || got[0] != 10 || got[2] != 13 {
		t.Fatalf("unexpected cells %v", got)
	}
	labels, err := a.Labels(0)
	if err != nil {
		t.Fatalf("labels: %v", err)
	}
	if len(labels) != 2 || labels[0] != 1 || labels[1] != 2 {
		t.Fatalf("unexpected labels %v", labels)
	}
	if _, err := a.CellsOf(5, 1); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for out of range time, got %v", err)
	}
}

func TestPatchApplyAndInverseRoundTrip(t *testing.T) {
	a := sampleArray(t)
	orig := a.Clone()

	relabel, err := RelabelOp(a, 0, 2, 7)
	if err != nil {
		t.Fatalf("relabel: %v", err)
	}
	// Chained op over an overlapping cell set: 7 -> 9 only makes sense after
	// the first op ran.
	chained := Op{Cells: relabel.Cells, Prev: Uniform(7), Next: Uniform(9)}
	paint, err := SetCells(a, roaring64.BitmapOf(0, 8), 5)
	if err != nil {
		t.Fatalf("set cells: %v", err)
	}
	patch := NewPatch(relabel, chained, paint)
	inverse := patch.Inverse()

	if err := patch.Apply(a); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if v, _ := a.At(0, 1, 1); v != 9 {
		t.Fatalf("expected chained relabel to end at 9, got %d", v)
	}
	if v, _ := a.At(0, 0, 0); v != 5 {
		t.Fatalf("expected painted cell, got %d", v)
	}
	if v, _ := a.At(0, 2, 2); v != 5 {
		t.Fatalf("expected painted background cell, got %d", v)
	}
	if err := inverse.Apply(a); err != nil {
		t.Fatalf("apply inverse: %v", err)
	}
	if !a.Equal(orig) {
		t.Fatalf("inverse did not restore array")
	}
	// Inverse of inverse is the patch again.
	if err := inverse.Inverse().Apply(a); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if v, _ := a.At(0, 1, 2); v != 9 {
		t.Fatalf("expected reapplied patch, got %d", v)
	}
}

func TestSetCellsCapturesPerCellValues(t *testing.T) {
	a := sampleArray(t)
	op, err := SetCells(a, roaring64.BitmapOf(0, 4, 8), 0)
	if err != nil {
		t.Fatalf("set cells: %v", err)
	}
	if len(op.Prev) != 3 || op.Prev[0] != 1 || op.Prev[1] != 2 || op.Prev[2] != 0 {
		t.Fatalf("unexpected prev values %v", op.Prev)
	}
	op, err = SetCells(a, roaring64.BitmapOf(0, 1), 3)
	if err != nil {
		t.Fatalf("set cells: %v", err)
	}
	if len(op.Prev) != 1 || op.Prev[0] != 1 {
		t.Fatalf("expected uniform prev, got %v", op.Prev)
	}
}

func TestPatchApplyMismatchLeavesArrayUntouched(t *testing.T) {
	a := sampleArray(t)
	orig := a.Clone()
	first, _ := RelabelOp(a, 1, 3, 8)
	stale := Op{Cells: roaring64.BitmapOf(15), Prev: Uniform(6), Next: Uniform(0)}
	err := NewPatch(first, stale).Apply(a)
	if !errors.Is(err, domain.ErrReversibility) {
		t.Fatalf("expected reversibility error, got %v", err)
	}
	if !a.Equal(orig) {
		t.Fatalf("array mutated by failed patch")
	}
}

func TestPatchApplyBoundsChecked(t *testing.T) {
	a := sampleArray(t)
	orig := a.Clone()
	ok, _ := RelabelOp(a, 0, 1, 6)
	bad := Op{Cells: roaring64.BitmapOf(100), Prev: Uniform(0), Next: Uniform(1)}
	if err := NewPatch(ok, bad).Apply(a); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !a.Equal(orig) {
		t.Fatalf("array mutated by rejected patch")
	}
	if err := NewPatch(ok).Apply(nil); err == nil {
		t.Fatalf("expected error applying to missing array")
	}
	if err := (Patch{}).Apply(nil); err != nil {
		t.Fatalf("empty patch should be a no-op: %v", err)
	}
}

func TestMeasure(t *testing.T) {
	a := sampleArray(t)
	area, centroid, err := Measure(a, 1, 3, []float64{1, 2, 0.5})
	if err != nil {
		t.Fatalf("measure: %v", err)
	}
	if area != 3 {
		t.Fatalf("expected area 3, got %v", area)
	}
	// cells (0,1) (0,2) (1,1): mean row 1/3, mean col 4/3.
	if centroid[0] != 2.0/3.0 || centroid[1] != 4.0/6.0 {
		t.Fatalf("unexpected centroid %v", centroid)
	}
	if _, _, err := Measure(a, 0, 42, nil); err == nil {
		t.Fatalf("expected error for absent label")
	}
	if got := PixelCoords(1, []float64{2.0 / 3.0, 4.0 / 6.0}, []float64{1, 2, 0.5}); got[0] != 1 || got[1] != 0 || got[2] != 1 {
		t.Fatalf("unexpected pixel coords %v", got)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	a := sampleArray(t)
	var buf bytes.Buffer
	if _, err := a.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadLabelArray(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.Equal(a) {
		t.Fatalf("decoded array differs")
	}
	if _, err := ReadLabelArray(bytes.NewReader([]byte("nope, not an array"))); err == nil {
		t.Fatalf("expected bad magic error")
	}
}
