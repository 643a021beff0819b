package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"trackcore/internal/blob"
	"trackcore/internal/core"
	"trackcore/internal/infra/persistence/memory"
	"trackcore/internal/segmentation"
	"trackcore/pkg/domain"
)

func ptr(v float64) *float64 { return &v }

func fixtureStore(t *testing.T) *core.Store {
	t.Helper()
	seg, err := segmentation.FromData([]int{2, 2, 2}, []uint64{
		1, 0,
		0, 0,
		0, 0,
		0, 1,
	})
	if err != nil {
		t.Fatalf("segmentation: %v", err)
	}
	meta := domain.DefaultMetadata(2)
	meta.Scale = []float64{1, 0.5, 0.5}
	s, err := core.NewStore(meta, seg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	dets := []domain.Detection{
		{ID: 1, DetectionAttrs: domain.DetectionAttrs{Time: 0, Position: []float64{0, 0}, TrackletID: 1, SegID: 1, Area: ptr(0.25),
			Extra: domain.Extra{"score": json.RawMessage(`0.5`)}}},
		{ID: 2, DetectionAttrs: domain.DetectionAttrs{Time: 1, Position: []float64{1, 1}, TrackletID: 1, SegID: 1, Area: ptr(0.25)}},
	}
	if err := s.AddDetections(dets); err != nil {
		t.Fatalf("add detections: %v", err)
	}
	links := []domain.Link{{Edge: domain.Edge{Source: 1, Target: 2}, LinkAttrs: domain.LinkAttrs{Distance: ptr(1.4),
		Extra: domain.Extra{"manual": json.RawMessage(`true`)}}}}
	if err := s.AddLinks(links); err != nil {
		t.Fatalf("add links: %v", err)
	}
	return s
}

func assertSameStore(t *testing.T, want, got *core.Store) {
	t.Helper()
	if diff := cmp.Diff(want.Detections(), got.Detections()); diff != "" {
		t.Fatalf("detections differ (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Links(), got.Links()); diff != "" {
		t.Fatalf("links differ (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Metadata(), got.Metadata()); diff != "" {
		t.Fatalf("metadata differs (-want +got):\n%s", diff)
	}
	if want.HasSegmentation() != got.HasSegmentation() {
		t.Fatalf("segmentation presence differs")
	}
	if want.HasSegmentation() && !want.Segmentation().Equal(got.Segmentation()) {
		t.Fatalf("segmentation differs")
	}
}

func TestSaveLoadRoundTripAcrossBackends(t *testing.T) {
	ctx := context.Background()
	fsStore, err := blob.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	backends := map[string]blob.Store{
		"memory": blob.NewMemory(),
		"fs":     fsStore,
		"s3":     blob.NewMockS3ForTests("snapshots"),
	}
	for name, bs := range backends {
		for _, compress := range []bool{false, true} {
			s := fixtureStore(t)
			if err := Save(ctx, bs, "session", s, SaveOptions{Compress: compress}); err != nil {
				t.Fatalf("%s save (compress=%v): %v", name, compress, err)
			}
			got, err := Load(ctx, bs, "session/", LoadOptions{RequireSegmentation: true, RequireAttrs: true})
			if err != nil {
				t.Fatalf("%s load (compress=%v): %v", name, compress, err)
			}
			assertSameStore(t, s, got)
		}
	}
}

func TestSaveRemovesStaleSegmentationVariant(t *testing.T) {
	ctx := context.Background()
	bs := blob.NewMemory()
	s := fixtureStore(t)
	if err := Save(ctx, bs, "p", s, SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := Save(ctx, bs, "p", s, SaveOptions{Compress: true}); err != nil {
		t.Fatalf("save compressed: %v", err)
	}
	infos, err := bs.List(ctx, "p/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var keys []string
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	want := []string{"p/attrs.json", "p/graph.json", "p/seg.bin.zst"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("unexpected keys (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFiles(t *testing.T) {
	ctx := context.Background()
	bs := blob.NewMemory()
	_, err := Load(ctx, bs, "nothing", LoadOptions{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var nf domain.NotFoundError
	if !errors.As(err, &nf) || nf.Entity != domain.EntitySnapshot || nf.ID != "nothing/graph.json" {
		t.Fatalf("unexpected error detail %+v", nf)
	}

	s := core.NewEmptyStore(2)
	if err := s.AddDetections([]domain.Detection{{ID: 1, DetectionAttrs: domain.DetectionAttrs{Position: []float64{1, 1}, TrackletID: 1}}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := Save(ctx, bs, "points", s, SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := Load(ctx, bs, "points", LoadOptions{RequireSegmentation: true}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected missing segmentation error, got %v", err)
	}
	got, err := Load(ctx, bs, "points", LoadOptions{})
	if err != nil {
		t.Fatalf("load without segmentation: %v", err)
	}
	if got.HasSegmentation() || got.NodeCount() != 1 {
		t.Fatalf("unexpected store: seg=%v nodes=%d", got.HasSegmentation(), got.NodeCount())
	}
	if _, err := bs.Delete(ctx, "points/attrs.json"); err != nil {
		t.Fatalf("delete attrs: %v", err)
	}
	if _, err := Load(ctx, bs, "points", LoadOptions{RequireAttrs: true}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected missing attrs error, got %v", err)
	}
}

func TestLoadNetworkxStyleGraph(t *testing.T) {
	ctx := context.Background()
	bs := blob.NewMemory()
	graph := `{"directed": true, "multigraph": false, "graph": {},
		"nodes": [{"id": 1, "t": 0, "pos": [1.0, 2.0]}, {"id": 2, "t": 1.0, "pos": [1.0, 3.0], "label": "a"}],
		"links": [{"source": 1, "target": 2, "iou": 0.75}]}`
	if _, err := bs.Put(ctx, "legacy/graph.json", strings.NewReader(graph), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	s, err := Load(ctx, bs, "legacy", LoadOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.NodeCount() != 2 || s.LinkCount() != 1 {
		t.Fatalf("unexpected counts %d/%d", s.NodeCount(), s.LinkCount())
	}
	t1, _ := s.TrackletID(1)
	t2, _ := s.TrackletID(2)
	if t1 == 0 || t1 != t2 {
		t.Fatalf("expected one derived tracklet, got %d and %d", t1, t2)
	}
	d, err := s.Detection(2)
	if err != nil {
		t.Fatalf("detection: %v", err)
	}
	if string(d.Extra["label"]) != `"a"` || d.Time != 1 {
		t.Fatalf("unexpected detection %+v", d)
	}
	l, err := s.Link(domain.Edge{Source: 1, Target: 2})
	if err != nil || l.IoU == nil || *l.IoU != 0.75 {
		t.Fatalf("unexpected link %+v %v", l, err)
	}
}

func TestDecodeRejectsFractionalTime(t *testing.T) {
	meta := domain.DefaultMetadata(2)
	_, _, err := Decode(meta, []byte(`{"nodes": [{"id": 1, "t": 0.5, "y": 1, "x": 1}], "edges": []}`))
	if err == nil || !strings.Contains(err.Error(), "not an integer") {
		t.Fatalf("expected fractional time error, got %v", err)
	}
	_, _, err = Decode(meta, []byte(`{"nodes": [{"id": 1, "t": 0, "y": 1}]}`))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected missing axis validation error, got %v", err)
	}
}

func TestEncodeFlattensAxes(t *testing.T) {
	s := fixtureStore(t)
	data, err := Encode(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	nodes := doc["nodes"].([]any)
	first := nodes[0].(map[string]any)
	for _, key := range []string{"id", "t", "y", "x", "track_id", "seg_id", "area", "score"} {
		if _, ok := first[key]; !ok {
			t.Fatalf("node missing %q: %v", key, first)
		}
	}
	if doc["directed"] != true || doc["multigraph"] != false {
		t.Fatalf("unexpected graph flags %v", doc)
	}
	if !bytes.Contains(data, []byte(`"edges"`)) {
		t.Fatalf("expected edges member: %s", data)
	}
}

func TestRunSaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	bs := blob.NewMemory()
	catalog := memory.NewStore()
	created := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	run := Run{
		Name:      "demo",
		CreatedAt: created,
		Params:    domain.DefaultSolverParams(),
		Gaps:      []float64{0.5, 0.125},
		Store:     fixtureStore(t),
	}
	rec, err := SaveRun(ctx, bs, catalog, run, SaveOptions{Compress: true})
	if err != nil {
		t.Fatalf("save run: %v", err)
	}
	if rec.Prefix != "03052024_140709_demo/" || rec.ID == "" || rec.Status != domain.RunStatusSolved {
		t.Fatalf("unexpected record %+v", rec)
	}
	loaded, err := LoadRun(ctx, bs, rec.Prefix, true, LoadOptions{RequireSegmentation: true})
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if loaded.Name != "demo" || !loaded.CreatedAt.Equal(created) {
		t.Fatalf("unexpected identity %q %v", loaded.Name, loaded.CreatedAt)
	}
	if diff := cmp.Diff(run.Params, loaded.Params); diff != "" {
		t.Fatalf("params differ (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(run.Gaps, loaded.Gaps); diff != "" {
		t.Fatalf("gaps differ (-want +got):\n%s", diff)
	}
	assertSameStore(t, run.Store, loaded.Store)

	if err := DeleteRun(ctx, bs, catalog, rec); err != nil {
		t.Fatalf("delete run: %v", err)
	}
	if infos, _ := bs.List(ctx, rec.Prefix); len(infos) != 0 {
		t.Fatalf("expected run files removed, got %+v", infos)
	}
	if _, err := catalog.GetRun(ctx, rec.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected catalog entry removed, got %v", err)
	}
}

func TestLoadRunWithoutOutput(t *testing.T) {
	ctx := context.Background()
	bs := blob.NewMemory()
	rec, err := SaveRun(ctx, bs, nil, Run{Name: "pending", CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), Status: domain.RunStatusPending}, SaveOptions{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	run, err := LoadRun(ctx, bs, rec.Prefix, false, LoadOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if run.Store != nil || run.Gaps != nil || run.Status != domain.RunStatusPending {
		t.Fatalf("unexpected run %+v", run)
	}
	if _, err := LoadRun(ctx, bs, rec.Prefix, true, LoadOptions{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected missing graph error, got %v", err)
	}
	if _, _, err := ParseRunPrefix("not-a-run"); err == nil {
		t.Fatalf("expected parse error")
	}
}
