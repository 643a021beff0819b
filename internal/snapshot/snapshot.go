// Package snapshot saves and loads whole tracking stores on a blob store.
//
// A snapshot is a set of files under a common key prefix:
//
//	graph.json            node-link JSON of detections and links
//	seg.bin | seg.bin.zst the dense label array, optionally zstd compressed
//	attrs.json            time_attr, pos_attr and scale
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"trackcore/internal/blob"
	"trackcore/internal/core"
	"trackcore/internal/segmentation"
	"trackcore/pkg/domain"
)

// File names inside a snapshot prefix.
const (
	GraphFile     = "graph.json"
	SegFile       = "seg.bin"
	SegFileZstd   = "seg.bin.zst"
	AttrsFile     = "attrs.json"
	jsonType      = "application/json"
	segType       = "application/octet-stream"
	segZstdType   = "application/zstd"
	defaultTime   = "t"
	defaultPosKey = "pos"
)

// SaveOptions controls how a snapshot is written.
type SaveOptions struct {
	// Compress stores the segmentation as seg.bin.zst.
	Compress bool
}

// LoadOptions controls which optional files must be present.
type LoadOptions struct {
	RequireSegmentation bool
	RequireAttrs        bool
}

type attrsFile struct {
	TimeAttr string    `json:"time_attr"`
	PosAttr  posAttr   `json:"pos_attr"`
	Scale    []float64 `json:"scale"`
}

// posAttr accepts either a single key or a list of per-axis keys.
type posAttr []string

func (p *posAttr) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*p = posAttr{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("pos_attr: %w", err)
	}
	*p = many
	return nil
}

// Key joins a prefix and a file name with exactly one separator.
func Key(prefix, name string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Encode renders the graph of s as node-link JSON.
func Encode(s *core.Store) ([]byte, error) {
	meta := s.Metadata()
	doc := nodeLinkGraph{
		Directed: true,
		Graph:    map[string]json.RawMessage{},
		Nodes:    []map[string]json.RawMessage{},
		Edges:    []map[string]json.RawMessage{},
	}
	for _, d := range s.Detections() {
		obj, err := encodeNode(meta, d)
		if err != nil {
			return nil, err
		}
		doc.Nodes = append(doc.Nodes, obj)
	}
	for _, l := range s.Links() {
		obj, err := encodeEdge(l)
		if err != nil {
			return nil, err
		}
		doc.Edges = append(doc.Edges, obj)
	}
	return json.Marshal(doc)
}

// Decode parses node-link JSON into detections and links using meta to find
// the time and position attributes. Both the "edges" and the older "links"
// member are accepted.
func Decode(meta domain.Metadata, data []byte) ([]domain.Detection, []domain.Link, error) {
	var doc nodeLinkGraph
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode graph: %w", err)
	}
	edges := doc.Edges
	if len(edges) == 0 {
		edges = doc.Links
	}
	dets := make([]domain.Detection, 0, len(doc.Nodes))
	for i, obj := range doc.Nodes {
		d, err := decodeNode(meta, obj)
		if err != nil {
			return nil, nil, fmt.Errorf("node %d: %w", i, err)
		}
		dets = append(dets, d)
	}
	links := make([]domain.Link, 0, len(edges))
	for i, obj := range edges {
		l, err := decodeEdge(obj)
		if err != nil {
			return nil, nil, fmt.Errorf("edge %d: %w", i, err)
		}
		links = append(links, l)
	}
	return dets, links, nil
}

func encodeSegmentation(seg *segmentation.LabelArray, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	if !compress {
		if _, err := seg.WriteTo(&buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	if _, err := seg.WriteTo(enc); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSegmentation(data []byte, compressed bool) (*segmentation.LabelArray, error) {
	if !compressed {
		return segmentation.ReadLabelArray(bytes.NewReader(data))
	}
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return segmentation.ReadLabelArray(dec)
}

// Save writes s under prefix, replacing any snapshot already there. The
// segmentation variant not written this time is removed.
func Save(ctx context.Context, bs blob.Store, prefix string, s *core.Store, opts SaveOptions) error {
	graph, err := Encode(s)
	if err != nil {
		return err
	}
	meta := s.Metadata()
	attrs, err := json.Marshal(attrsFile{TimeAttr: meta.TimeAttr, PosAttr: posAttr(meta.PosAttr), Scale: meta.Scale})
	if err != nil {
		return fmt.Errorf("encode attrs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	put := func(name string, data []byte, contentType string) {
		g.Go(func() error {
			if _, err := bs.Put(gctx, Key(prefix, name), bytes.NewReader(data), blob.PutOptions{ContentType: contentType}); err != nil {
				return fmt.Errorf("write %s: %w", name, err)
			}
			return nil
		})
	}
	drop := func(name string) {
		g.Go(func() error {
			if _, err := bs.Delete(gctx, Key(prefix, name)); err != nil {
				return fmt.Errorf("remove %s: %w", name, err)
			}
			return nil
		})
	}
	put(GraphFile, graph, jsonType)
	put(AttrsFile, attrs, jsonType)
	if seg := s.Segmentation(); seg != nil {
		data, err := encodeSegmentation(seg, opts.Compress)
		if err != nil {
			return fmt.Errorf("encode segmentation: %w", err)
		}
		if opts.Compress {
			put(SegFileZstd, data, segZstdType)
			drop(SegFile)
		} else {
			put(SegFile, data, segType)
			drop(SegFileZstd)
		}
	} else {
		drop(SegFile)
		drop(SegFileZstd)
	}
	return g.Wait()
}

// fetch reads a whole blob. Missing keys report found=false without error.
func fetch(ctx context.Context, bs blob.Store, key string) (data []byte, found bool, err error) {
	_, rc, err := bs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer rc.Close()
	data, err = io.ReadAll(rc)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func missing(prefix, name string) error {
	return domain.NotFoundError{Entity: domain.EntitySnapshot, ID: Key(prefix, name)}
}

// Load reads a snapshot written by Save. The files are fetched concurrently.
// A missing graph file always fails with a domain.NotFoundError; the
// segmentation and attrs files fail the same way only when required by opts.
// Detections without a tracklet id get one derived from the graph. With a
// segmentation, a detection without seg_id takes its tracklet id as label.
func Load(ctx context.Context, bs blob.Store, prefix string, opts LoadOptions) (*core.Store, error) {
	names := []string{GraphFile, AttrsFile, SegFile, SegFileZstd}
	data := make([][]byte, len(names))
	found := make([]bool, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			b, ok, err := fetch(gctx, bs, Key(prefix, name))
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			data[i], found[i] = b, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if !found[0] {
		return nil, missing(prefix, GraphFile)
	}

	meta := domain.Metadata{TimeAttr: defaultTime, PosAttr: []string{defaultPosKey}}
	if found[1] {
		var af attrsFile
		if err := json.Unmarshal(data[1], &af); err != nil {
			return nil, fmt.Errorf("decode attrs: %w", err)
		}
		if af.TimeAttr != "" {
			meta.TimeAttr = af.TimeAttr
		}
		if len(af.PosAttr) > 0 {
			meta.PosAttr = af.PosAttr
		}
		meta.Scale = af.Scale
	} else if opts.RequireAttrs {
		return nil, missing(prefix, AttrsFile)
	}

	var seg *segmentation.LabelArray
	switch {
	case found[3]:
		var err error
		if seg, err = decodeSegmentation(data[3], true); err != nil {
			return nil, fmt.Errorf("decode %s: %w", SegFileZstd, err)
		}
	case found[2]:
		var err error
		if seg, err = decodeSegmentation(data[2], false); err != nil {
			return nil, fmt.Errorf("decode %s: %w", SegFile, err)
		}
	case opts.RequireSegmentation:
		return nil, missing(prefix, SegFile)
	}

	dets, links, err := Decode(meta, data[0])
	if err != nil {
		return nil, err
	}
	if seg != nil {
		// Normalized snapshots paint each detection with its tracklet id.
		for i := range dets {
			if dets[i].SegID == 0 {
				dets[i].SegID = uint64(dets[i].TrackletID)
			}
		}
	}
	if len(meta.PosAttr) > 1 {
		meta.NDim = len(meta.PosAttr)
	}
	s, err := core.NewStore(meta, seg)
	if err != nil {
		return nil, err
	}
	if err := s.AddDetections(dets); err != nil {
		return nil, fmt.Errorf("load detections: %w", err)
	}
	if err := s.AddLinks(links); err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}
	if err := core.InitializeTracklets(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Delete removes every file under prefix and reports how many were removed.
func Delete(ctx context.Context, bs blob.Store, prefix string) (int, error) {
	infos, err := bs.List(ctx, Key(prefix, ""))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range infos {
		ok, err := bs.Delete(ctx, info.Key)
		if err != nil {
			return removed, fmt.Errorf("remove %s: %w", info.Key, err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
