package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"trackcore/internal/core"
	"trackcore/internal/snapshot"
	"trackcore/pkg/domain"
)

// parseEdge reads "source:target".
func parseEdge(s string) (domain.Edge, error) {
	src, dst, ok := strings.Cut(s, ":")
	if !ok {
		return domain.Edge{}, fmt.Errorf("link %q: want source:target", s)
	}
	a, err := strconv.ParseInt(strings.TrimSpace(src), 10, 64)
	if err != nil {
		return domain.Edge{}, fmt.Errorf("link %q: %w", s, err)
	}
	b, err := strconv.ParseInt(strings.TrimSpace(dst), 10, 64)
	if err != nil {
		return domain.Edge{}, fmt.Errorf("link %q: %w", s, err)
	}
	return domain.Edge{Source: domain.NodeID(a), Target: domain.NodeID(b)}, nil
}

func parseEdges(raw []string) ([]domain.Edge, error) {
	out := make([]domain.Edge, 0, len(raw))
	for _, s := range raw {
		e, err := parseEdge(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

type editFlags struct {
	deleteDetections []int64
	deleteLinks      []string
	addLinks         []string
	reassign         []string
	replaceIncoming  bool
	relabel          bool
}

func (f editFlags) empty() bool {
	return len(f.deleteDetections) == 0 && len(f.deleteLinks) == 0 && len(f.addLinks) == 0 &&
		len(f.reassign) == 0 && !f.relabel
}

func newEditCmd(a *app) *cobra.Command {
	var f editFlags
	cmd := &cobra.Command{
		Use:   "edit <run>",
		Short: "Apply corrections to a saved run and write it back",
		Long: `Apply corrections to a saved run and write it back.

Edits run in a fixed order: detection deletions, link deletions, link
additions, tracklet reassignments, then segmentation relabeling. Each step
repairs tracklet ids the same way an interactive edit would. Nothing is
written when any step is rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.empty() {
				return fmt.Errorf("no edits requested")
			}
			ctx := cmd.Context()
			b, err := a.backends(ctx)
			if err != nil {
				return err
			}
			rec, err := a.resolveRun(ctx, b, args[0])
			if err != nil {
				return err
			}
			store, err := snapshot.Load(ctx, b.blobs, rec.Prefix, snapshot.LoadOptions{})
			if err != nil {
				return err
			}

			metrics := core.NewExpvarMetricsRecorder("")
			svc := core.NewService(store, core.WithLogger(a.logger), core.WithMetricsRecorder(metrics))
			var changes int
			unsubscribe := svc.Subscribe(func(ev core.Event) { changes += len(ev.Changes) })
			defer unsubscribe()

			if len(f.deleteDetections) > 0 {
				ids := make([]domain.NodeID, len(f.deleteDetections))
				for i, id := range f.deleteDetections {
					ids[i] = domain.NodeID(id)
				}
				if err := svc.DeleteDetections(ctx, ids); err != nil {
					return err
				}
			}
			if len(f.deleteLinks) > 0 {
				edges, err := parseEdges(f.deleteLinks)
				if err != nil {
					return err
				}
				if err := svc.DeleteLinks(ctx, edges); err != nil {
					return err
				}
			}
			if len(f.addLinks) > 0 {
				edges, err := parseEdges(f.addLinks)
				if err != nil {
					return err
				}
				links := make([]domain.Link, len(edges))
				for i, e := range edges {
					links[i] = domain.Link{Edge: e}
				}
				if err := svc.AddLinks(ctx, links, core.AddLinkOptions{ReplaceIncoming: f.replaceIncoming}); err != nil {
					return err
				}
			}
			for _, raw := range f.reassign {
				// node:tracklet shares the edge syntax
				e, err := parseEdge(raw)
				if err != nil {
					return fmt.Errorf("reassign: %w", err)
				}
				if err := svc.ReassignTracklet(ctx, e.Source, int(e.Target)); err != nil {
					return err
				}
			}
			if f.relabel {
				if err := svc.RelabelSegmentation(ctx); err != nil {
					return err
				}
			}

			if err := snapshot.Save(ctx, b.blobs, rec.Prefix, svc.Store(), snapshot.SaveOptions{Compress: a.cfg.Snapshot.Compress}); err != nil {
				return err
			}
			if rec.ID != "" {
				if _, err := b.catalog.PutRun(ctx, rec); err != nil {
					return err
				}
			}
			undo, _ := svc.History().Len()
			a.logger.Debug("edit metrics", "metrics", metrics.Snapshot().Results)
			fmt.Fprintf(cmd.OutOrStdout(), "%d edits, %d changes, %d detections, %d links\n",
				undo, changes, svc.Store().NodeCount(), svc.Store().LinkCount())
			return nil
		},
	}
	fl := cmd.Flags()
	fl.Int64SliceVar(&f.deleteDetections, "delete-detection", nil, "detection id to delete (repeatable)")
	fl.StringSliceVar(&f.deleteLinks, "delete-link", nil, "link source:target to delete (repeatable)")
	fl.StringSliceVar(&f.addLinks, "add-link", nil, "link source:target to add (repeatable)")
	fl.StringSliceVar(&f.reassign, "reassign", nil, "node:tracklet gives the tracklet downstream of node a new id (repeatable)")
	fl.BoolVar(&f.replaceIncoming, "replace-incoming", false, "let added links replace a target's existing incoming link")
	fl.BoolVar(&f.relabel, "relabel", false, "relabel the segmentation so every label equals its tracklet id")
	return cmd
}
