package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"trackcore/internal/lineage"
	"trackcore/internal/snapshot"
	"trackcore/pkg/domain"
)

type trackletSpan struct {
	parent     int
	start, end int
	size       int
}

func newLineageCmd(a *app) *cobra.Command {
	var node int64
	cmd := &cobra.Command{
		Use:   "lineage <run>",
		Short: "Print the tracklet tree in layout order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			out := cmd.OutOrStdout()

			if cmd.Flags().Changed("node") {
				id := domain.NodeID(node)
				if !store.HasDetection(id) {
					return domain.MissingDetection(id)
				}
				ids := lineage.Extract(store, id)
				parts := make([]string, len(ids))
				for i, n := range ids {
					parts[i] = fmt.Sprint(n)
				}
				fmt.Fprintln(out, strings.Join(parts, " "))
				return nil
			}

			layout := lineage.Build(store, nil)
			spans := make(map[int]*trackletSpan, len(layout.Order))
			for _, row := range layout.Rows {
				sp, ok := spans[row.TrackletID]
				if !ok {
					sp = &trackletSpan{parent: row.ParentTrackletID, start: row.Time, end: row.Time}
					spans[row.TrackletID] = sp
				}
				sp.start = min(sp.start, row.Time)
				sp.end = max(sp.end, row.Time)
				sp.size++
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "XPOS\tTRACKLET\tPARENT\tSTART\tEND\tDETECTIONS")
			for _, tid := range layout.Order {
				sp := spans[tid]
				if sp == nil {
					continue
				}
				parent := "-"
				if sp.parent != 0 {
					parent = fmt.Sprint(sp.parent)
				}
				pos, _ := layout.Position(tid)
				fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%d\n", pos, tid, parent, sp.start, sp.end, sp.size)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int64Var(&node, "node", 0, "print the detections of the lineage containing this detection")
	return cmd
}
