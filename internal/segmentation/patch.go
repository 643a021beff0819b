package segmentation

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"trackcore/pkg/domain"
)

// Values holds either one label broadcast to every selected cell or one label
// per cell in ascending cell order.
type Values []uint64

// Uniform broadcasts a single label.
func Uniform(v uint64) Values { return Values{v} }

func (v Values) at(i int) uint64 {
	if len(v) == 1 {
		return v[0]
	}
	return v[i]
}

// Op rewrites a set of cells from Prev to Next. Cells is treated as immutable
// once the op is built.
type Op struct {
	Cells *roaring64.Bitmap
	Prev  Values
	Next  Values
}

// Inverse swaps the previous and new values.
func (o Op) Inverse() Op {
	return Op{Cells: o.Cells, Prev: o.Next, Next: o.Prev}
}

func (o Op) size() int {
	if o.Cells == nil {
		return 0
	}
	return int(o.Cells.GetCardinality())
}

func (o Op) validate(a *LabelArray) error {
	n := o.size()
	if n == 0 {
		return nil
	}
	if max := o.Cells.Maximum(); max >= uint64(a.Len()) {
		return invalid(fmt.Sprintf("cell %d out of bounds for %d cells", max, a.Len()))
	}
	for _, vals := range []Values{o.Prev, o.Next} {
		if len(vals) != 1 && len(vals) != n {
			return invalid(fmt.Sprintf("op carries %d values for %d cells", len(vals), n))
		}
	}
	return nil
}

// matches reports the first cell whose current value differs from Prev.
func (o Op) matches(a *LabelArray) (uint64, bool) {
	it := o.Cells.Iterator()
	for i := 0; it.HasNext(); i++ {
		cell := it.Next()
		if a.data[cell] != o.Prev.at(i) {
			return cell, false
		}
	}
	return 0, true
}

func (o Op) write(a *LabelArray, vals Values) {
	it := o.Cells.Iterator()
	for i := 0; it.HasNext(); i++ {
		a.data[it.Next()] = vals.at(i)
	}
}

// Patch is an ordered list of reversible label edits.
type Patch struct {
	ops []Op
}

// NewPatch builds a patch, dropping ops that select no cells.
func NewPatch(ops ...Op) Patch {
	kept := make([]Op, 0, len(ops))
	for _, op := range ops {
		if op.size() > 0 {
			kept = append(kept, op)
		}
	}
	if len(kept) == 0 {
		return Patch{}
	}
	return Patch{ops: kept}
}

// Ops returns the operations in application order.
func (p Patch) Ops() []Op {
	out := make([]Op, len(p.ops))
	copy(out, p.ops)
	return out
}

// IsEmpty reports whether the patch touches no cells.
func (p Patch) IsEmpty() bool { return len(p.ops) == 0 }

// Then returns a patch applying p followed by next.
func (p Patch) Then(next Patch) Patch {
	ops := make([]Op, 0, len(p.ops)+len(next.ops))
	ops = append(ops, p.ops...)
	ops = append(ops, next.ops...)
	return Patch{ops: ops}
}

// Inverse reverses the op order and swaps previous and new values. It never
// reads the array.
func (p Patch) Inverse() Patch {
	if len(p.ops) == 0 {
		return Patch{}
	}
	ops := make([]Op, len(p.ops))
	for i, op := range p.ops {
		ops[len(p.ops)-1-i] = op.Inverse()
	}
	return Patch{ops: ops}
}

// Apply writes every op in order. All ops are bounds checked before the first
// write. Each op also checks that its cells still hold the recorded previous
// values; on a mismatch the ops already written are undone and a
// ReversibilityError is returned, leaving the array unchanged.
func (p Patch) Apply(a *LabelArray) error {
	if len(p.ops) == 0 {
		return nil
	}
	if a == nil {
		return invalid("patch applied to a store without segmentation")
	}
	for _, op := range p.ops {
		if err := op.validate(a); err != nil {
			return err
		}
	}
	for i, op := range p.ops {
		if cell, ok := op.matches(a); !ok {
			for j := i - 1; j >= 0; j-- {
				p.ops[j].write(a, p.ops[j].Prev)
			}
			return domain.ReversibilityError{
				Op:     "segmentation patch",
				Reason: fmt.Sprintf("cell %v holds %d, expected recorded value", a.Coords(cell), a.data[cell]),
			}
		}
		op.write(a, op.Next)
	}
	return nil
}

// SetCells builds an op writing value into cells, capturing their current
// labels as the previous values.
func SetCells(a *LabelArray, cells *roaring64.Bitmap, value uint64) (Op, error) {
	op := Op{Cells: cells, Next: Uniform(value)}
	n := op.size()
	if n == 0 {
		op.Prev = Uniform(0)
		return op, nil
	}
	if max := cells.Maximum(); max >= uint64(a.Len()) {
		return Op{}, invalid(fmt.Sprintf("cell %d out of bounds for %d cells", max, a.Len()))
	}
	prev := make(Values, 0, n)
	uniform := true
	it := cells.Iterator()
	for it.HasNext() {
		v := a.data[it.Next()]
		if len(prev) > 0 && v != prev[0] {
			uniform = false
		}
		prev = append(prev, v)
	}
	if uniform {
		prev = prev[:1]
	}
	op.Prev = prev
	return op, nil
}

// RelabelOp builds an op turning every cell labelled from at time t into to.
func RelabelOp(a *LabelArray, t int, from, to uint64) (Op, error) {
	cells, err := a.CellsOf(t, from)
	if err != nil {
		return Op{}, err
	}
	return Op{Cells: cells, Prev: Uniform(from), Next: Uniform(to)}, nil
}

// ClearOp builds an op resetting every cell labelled label at time t to
// background.
func ClearOp(a *LabelArray, t int, label uint64) (Op, error) {
	return RelabelOp(a, t, label, 0)
}
