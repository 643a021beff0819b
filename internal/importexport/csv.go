// Package importexport reads and writes tracking results as CSV tables with
// one row per detection.
package importexport

import (
	"bytes"
	"cmp"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"

	"trackcore/internal/core"
	"trackcore/internal/segmentation"
	"trackcore/pkg/domain"
)

// Column names understood by ImportCSV and written by ExportCSV.
const (
	ColTime     = "t"
	ColZ        = "z"
	ColY        = "y"
	ColX        = "x"
	ColID       = "id"
	ColParentID = "parent_id"
	ColSegID    = "seg_id"
	ColTrackID  = "track_id"
	ColArea     = "area"

	// colTimeLong is accepted as an alias of ColTime.
	colTimeLong = "time"
)

// ImportOptions configures ImportCSV.
type ImportOptions struct {
	// Segmentation, when set, backs the imported detections. The table must
	// then carry a seg_id column.
	Segmentation *segmentation.LabelArray
	// Scale has one entry per axis of the segmentation, time first. Nil
	// means unit scale.
	Scale  []float64
	Logger *slog.Logger
}

type row struct {
	line      int
	id        domain.NodeID
	time      int
	pos       []float64
	parent    domain.NodeID
	hasParent bool
	segID     uint64
	area      *float64
	extra     domain.Extra
}

func rowError(line int, reason string) error {
	return domain.ValidationError{Entity: domain.EntityDetection, ID: fmt.Sprintf("csv line %d", line), Reason: reason}
}

// ImportCSV builds a store from a table with columns t, [z], y, x, id,
// parent_id, [seg_id] and any number of extra columns, which are kept as
// detection attributes. Rows are processed in time order and a non-empty
// parent_id other than -1 links the parent, which must already have been
// read, to the row's detection.
//
// With a segmentation, the seg_id of the first row must match the label
// found at its position, tracklet ids follow seg_id, and areas missing from
// the table are measured. Tracklet ids that disagree with the graph are
// derived again and the segmentation relabeled to match.
func ImportCSV(r io.Reader, opts ImportOptions) (*core.Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.ValidationError{Entity: domain.EntitySnapshot, Reason: "csv table is empty"}
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	if _, ok := cols[ColTime]; !ok {
		if i, ok := cols[colTimeLong]; ok {
			cols[ColTime] = i
			delete(cols, colTimeLong)
		}
	}
	for _, name := range []string{ColID, ColTime, ColY, ColX, ColParentID} {
		if _, ok := cols[name]; !ok {
			return nil, domain.ValidationError{Entity: domain.EntitySnapshot, Reason: fmt.Sprintf("required column %q not found in %v", name, header)}
		}
	}
	axes := []string{ColY, ColX}
	if _, ok := cols[ColZ]; ok {
		axes = []string{ColZ, ColY, ColX}
	}
	seg := opts.Segmentation
	if seg != nil {
		if _, ok := cols[ColSegID]; !ok {
			return nil, domain.ValidationError{Entity: domain.EntitySnapshot, Reason: "a segmentation requires a seg_id column"}
		}
		if seg.SpatialDims() != len(axes) {
			return nil, domain.ValidationError{Entity: domain.EntitySnapshot, Reason: fmt.Sprintf("table has %d spatial axes, segmentation has %d", len(axes), seg.SpatialDims())}
		}
	}

	var rows []row
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		rw, err := parseRow(line, rec, cols, axes)
		if err != nil {
			return nil, err
		}
		rows = append(rows, rw)
	}
	if len(rows) == 0 {
		return nil, domain.ValidationError{Entity: domain.EntitySnapshot, Reason: "csv table has no rows"}
	}
	if seg != nil {
		if err := checkFirstRow(seg, opts.Scale, rows[0]); err != nil {
			return nil, err
		}
	}

	slices.SortStableFunc(rows, func(a, b row) int { return cmp.Compare(a.time, b.time) })
	meta := domain.DefaultMetadata(len(axes))
	meta.Scale = slices.Clone(opts.Scale)
	store, err := core.NewStore(meta, seg)
	if err != nil {
		return nil, err
	}

	dets := make([]domain.Detection, 0, len(rows))
	var links []domain.Link
	seen := make(map[domain.NodeID]int, len(rows))
	for _, rw := range rows {
		d := domain.Detection{ID: rw.id, DetectionAttrs: domain.DetectionAttrs{
			Time:     rw.time,
			Position: rw.pos,
			Area:     rw.area,
			Extra:    rw.extra,
		}}
		if seg != nil {
			d.SegID = rw.segID
			d.TrackletID = int(rw.segID)
			if d.Area == nil {
				area, _, err := segmentation.Measure(seg, rw.time, rw.segID, opts.Scale)
				if err != nil {
					return nil, fmt.Errorf("measure detection %d: %w", rw.id, err)
				}
				d.Area = &area
			}
		}
		if rw.hasParent {
			pt, ok := seen[rw.parent]
			if !ok {
				return nil, rowError(rw.line, fmt.Sprintf("parent id %d of detection %d not read yet", rw.parent, rw.id))
			}
			if pt >= rw.time {
				return nil, rowError(rw.line, fmt.Sprintf("parent id %d is not earlier than detection %d", rw.parent, rw.id))
			}
			links = append(links, domain.Link{Edge: domain.Edge{Source: rw.parent, Target: rw.id}})
		}
		seen[rw.id] = rw.time
		dets = append(dets, d)
	}
	if err := store.AddDetections(dets); err != nil {
		return nil, err
	}
	if err := store.AddLinks(links); err != nil {
		return nil, err
	}

	if seg == nil {
		if err := core.InitializeTracklets(store); err != nil {
			return nil, err
		}
	} else if !trackletsConsistent(store) {
		logger.Warn("seg ids do not follow tracklets; deriving tracklet ids")
		if err := core.ApplyAssignment(store, core.AssignTracklets(store, 1)); err != nil {
			return nil, err
		}
		if err := core.NormalizeSegmentation(store); err != nil {
			return nil, err
		}
	}
	if err := store.Validate(); err != nil {
		return nil, err
	}
	logger.Info("csv imported", "detections", store.NodeCount(), "links", store.LinkCount())
	return store, nil
}

func parseRow(line int, rec []string, cols map[string]int, axes []string) (row, error) {
	rw := row{line: line}
	field := func(name string) (string, bool) {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return "", false
		}
		return strings.TrimSpace(rec[i]), true
	}

	raw, _ := field(ColID)
	id, err := parseInteger(raw)
	if err != nil {
		return rw, rowError(line, fmt.Sprintf("id: %v", err))
	}
	rw.id = domain.NodeID(id)
	raw, _ = field(ColTime)
	t, err := parseInteger(raw)
	if err != nil {
		return rw, rowError(line, fmt.Sprintf("time: %v", err))
	}
	rw.time = int(t)
	for _, axis := range axes {
		raw, _ = field(axis)
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return rw, rowError(line, fmt.Sprintf("%s: %v", axis, err))
		}
		rw.pos = append(rw.pos, v)
	}
	if raw, _ = field(ColParentID); raw != "" && !strings.EqualFold(raw, "nan") {
		p, err := parseInteger(raw)
		if err != nil {
			return rw, rowError(line, fmt.Sprintf("parent_id: %v", err))
		}
		if p != -1 {
			rw.parent, rw.hasParent = domain.NodeID(p), true
		}
	}
	if raw, ok := field(ColSegID); ok && raw != "" {
		v, err := parseInteger(raw)
		if err != nil || v < 0 {
			return rw, rowError(line, fmt.Sprintf("seg_id %q is not a label", raw))
		}
		rw.segID = uint64(v)
	}
	if raw, ok := field(ColArea); ok && raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return rw, rowError(line, fmt.Sprintf("area: %v", err))
		}
		rw.area = &v
	}

	for name, i := range cols {
		if isStandard(name) || i >= len(rec) {
			continue
		}
		raw := strings.TrimSpace(rec[i])
		if raw == "" {
			continue
		}
		if rw.extra == nil {
			rw.extra = make(domain.Extra)
		}
		rw.extra[name] = extraValue(raw)
	}
	return rw, nil
}

func isStandard(name string) bool {
	switch name {
	case ColTime, ColZ, ColY, ColX, ColID, ColParentID, ColSegID, ColTrackID, ColArea:
		return true
	}
	return false
}

// parseInteger accepts integers written as floats, such as "3.0".
func parseInteger(raw string) (int64, error) {
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", raw)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not an integer", raw)
	}
	return int64(f), nil
}

// extraValue keeps cells that already hold JSON, such as numbers or lists,
// and stores anything else as a JSON string.
func extraValue(raw string) json.RawMessage {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

func checkFirstRow(seg *segmentation.LabelArray, scale []float64, rw row) error {
	coords := segmentation.PixelCoords(rw.time, rw.pos, scale)
	v, err := seg.At(coords...)
	if err != nil {
		return rowError(rw.line, fmt.Sprintf("position %v lies outside the segmentation", rw.pos))
	}
	if v != rw.segID {
		return rowError(rw.line, fmt.Sprintf("seg_id %d does not match label %d in the segmentation; check the scale and the segmentation file", rw.segID, v))
	}
	return nil
}

// trackletsConsistent reports whether the tracklet ids taken from seg_id
// partition the detections the same way tracklet derivation does.
func trackletsConsistent(s *core.Store) bool {
	a := core.AssignTracklets(s, 1)
	given := make(map[int]int)
	derived := make(map[int]int)
	for id, tid := range a.Tracklets {
		have, _ := s.TrackletID(id)
		if have <= 0 {
			return false
		}
		if g, ok := given[tid]; ok && g != have {
			return false
		}
		if d, ok := derived[have]; ok && d != tid {
			return false
		}
		given[tid], derived[have] = have, tid
	}
	return true
}

// ExportCSV writes one row per detection in id order with columns t, [z],
// y, x, id, parent_id, track_id, followed by area when any detection has
// one and by every extra attribute key in sorted order. A detection without
// a parent gets an empty parent_id. Stores whose positions are not 2D or 3D
// are rejected before anything is written.
func ExportCSV(w io.Writer, s *core.Store) error {
	meta := s.Metadata()
	dets := s.Detections()
	header := []string{ColTime}
	switch meta.NDim {
	case 0, 2:
		header = append(header, ColY, ColX)
	case 3:
		header = append(header, ColZ, ColY, ColX)
	default:
		return domain.ValidationError{
			Entity: domain.EntityDetection, ID: "csv export",
			Reason: fmt.Sprintf("positions have %d dimensions, csv holds 2 or 3", meta.NDim),
		}
	}
	header = append(header, ColID, ColParentID, ColTrackID)

	hasArea := false
	keys := make(map[string]struct{})
	for _, d := range dets {
		hasArea = hasArea || d.Area != nil
		for k := range d.Extra {
			if !isStandard(k) {
				keys[k] = struct{}{}
			}
		}
	}
	extras := make([]string, 0, len(keys))
	for k := range keys {
		extras = append(extras, k)
	}
	slices.Sort(extras)
	if hasArea {
		header = append(header, ColArea)
	}
	header = append(header, extras...)

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	formatFloat := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, d := range dets {
		rec := []string{strconv.Itoa(d.Time)}
		for _, p := range d.Position {
			rec = append(rec, formatFloat(p))
		}
		parent := ""
		if preds := s.Predecessors(d.ID); len(preds) > 0 {
			parent = strconv.FormatInt(int64(preds[0]), 10)
		}
		rec = append(rec, strconv.FormatInt(int64(d.ID), 10), parent, strconv.Itoa(d.TrackletID))
		if hasArea {
			area := ""
			if d.Area != nil {
				area = formatFloat(*d.Area)
			}
			rec = append(rec, area)
		}
		for _, k := range extras {
			v := d.Extra[k]
			if len(v) == 0 || bytes.Equal(v, []byte("null")) {
				rec = append(rec, "")
				continue
			}
			rec = append(rec, string(v))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
