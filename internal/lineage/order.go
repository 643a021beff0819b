// Package lineage derives the tracklet tree of a tracking store and a
// horizontal ordering of its tracklets that stays stable across edits.
package lineage

import (
	"slices"

	"trackcore/pkg/domain"
)

// Record describes one visible tracklet. ParentTrackletID is zero for roots.
// Representative is a detection of the tracklet used to locate it in a
// previous layout.
type Record struct {
	TrackletID       int
	ParentTrackletID int
	Representative   domain.NodeID
}

// Previous is the placement of an earlier layout.
type Previous struct {
	// Order lists tracklet ids by horizontal position.
	Order []int
	// Roots holds the tracklets that were roots.
	Roots map[int]struct{}
	// Positions maps every previously visible detection to the horizontal
	// position of its tracklet.
	Positions map[domain.NodeID]int
}

func (p *Previous) empty() bool {
	return p == nil || len(p.Order) == 0
}

// Order returns tracklet ids in horizontal order: roots first in input order,
// each tracklet followed directly by its subtree. A record whose parent is
// not among records is treated as a root.
//
// With a previous placement, a root that was not a root before is moved to
// sit right after the root of the tracklet that used to be on its left, so
// an edit that splits a lineage does not reshuffle the rest of the view.
func Order(records []Record, prev *Previous) []int {
	parent := make(map[int]int, len(records))
	rep := make(map[int]domain.NodeID, len(records))
	for _, r := range records {
		parent[r.TrackletID] = r.ParentTrackletID
		rep[r.TrackletID] = r.Representative
	}
	children := make(map[int][]int)
	var roots []int
	for _, r := range records {
		if _, ok := parent[r.ParentTrackletID]; r.ParentTrackletID == 0 || !ok {
			roots = append(roots, r.TrackletID)
			continue
		}
		children[r.ParentTrackletID] = append(children[r.ParentTrackletID], r.TrackletID)
	}

	if !prev.empty() {
		var fresh []int
		for _, id := range roots {
			if _, was := prev.Roots[id]; !was {
				fresh = append(fresh, id)
			}
		}
		for _, id := range fresh {
			pos, ok := prev.Positions[rep[id]]
			if !ok {
				continue
			}
			roots = slices.DeleteFunc(roots, func(r int) bool { return r == id })
			at := 0
			if pos > 0 && pos-1 < len(prev.Order) {
				if left, ok := rootOf(prev.Order[pos-1], parent); ok {
					if i := slices.Index(roots, left); i >= 0 {
						at = i + 1
					}
				}
			}
			roots = slices.Insert(roots, at, id)
		}
	}

	order := slices.Clone(roots)
	placed := make(map[int]struct{}, len(records))
	for _, id := range roots {
		placed[id] = struct{}{}
	}
	frontier := roots
	for len(frontier) > 0 {
		var next []int
		for _, id := range frontier {
			var kids []int
			for _, c := range children[id] {
				if _, dup := placed[c]; dup {
					continue
				}
				placed[c] = struct{}{}
				kids = append(kids, c)
			}
			if len(kids) == 0 {
				continue
			}
			at := slices.Index(order, id) + 1
			order = slices.Insert(order, at, kids...)
			next = append(next, kids...)
		}
		frontier = next
	}
	return order
}

// rootOf walks parent links up to a root. It fails for tracklets that are no
// longer present.
func rootOf(id int, parent map[int]int) (int, bool) {
	seen := make(map[int]struct{})
	for {
		p, ok := parent[id]
		if !ok {
			return 0, false
		}
		if _, present := parent[p]; p == 0 || !present {
			return id, true
		}
		if _, loop := seen[id]; loop {
			return id, true
		}
		seen[id] = struct{}{}
		id = p
	}
}

// Compact maps tracklet ids to dense ranks starting at 1, in ascending id
// order. Duplicates share a rank.
func Compact(ids []int) map[int]int {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	out := make(map[int]int, len(sorted))
	for i, id := range sorted {
		out[id] = i + 1
	}
	return out
}
