package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"trackcore/internal/core"
	"trackcore/internal/importexport"
	"trackcore/internal/snapshot"
	"trackcore/pkg/domain"
)

func newImportCmd(a *app) *cobra.Command {
	var (
		name   string
		segRun string
	)
	cmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Import a CSV tracking result as a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := a.backends(ctx)
			if err != nil {
				return err
			}
			opts := importexport.ImportOptions{Logger: a.logger}
			if segRun != "" {
				rec, err := a.resolveRun(ctx, b, segRun)
				if err != nil {
					return err
				}
				src, err := snapshot.Load(ctx, b.blobs, rec.Prefix, snapshot.LoadOptions{RequireSegmentation: true})
				if err != nil {
					return fmt.Errorf("load segmentation from %s: %w", rec.Prefix, err)
				}
				opts.Segmentation = src.Segmentation()
				opts.Scale = src.Metadata().Scale
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			store, err := importexport.ImportCSV(f, opts)
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			rec, err := snapshot.SaveRun(ctx, b.blobs, b.catalog, snapshot.Run{
				Name:   name,
				Params: a.cfg.Solver,
				Status: domain.RunStatusImported,
				Store:  store,
			}, snapshot.SaveOptions{Compress: a.cfg.Snapshot.Compress})
			if err != nil {
				return err
			}
			a.logger.Info("run imported", "id", rec.ID, "prefix", rec.Prefix, "detections", store.NodeCount(), "links", store.LinkCount())
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", rec.ID, rec.Prefix)
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "run name (defaults to the file name)")
	cmd.Flags().StringVar(&segRun, "seg-run", "", "run id or prefix whose segmentation backs the import")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <run>",
		Short: "Write a run's detections and links as CSV",
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
			if output == "" || output == "-" {
				return importexport.ExportCSV(cmd.OutOrStdout(), store)
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := importexport.ExportCSV(f, store); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file (default stdout)")
	return cmd
}

// runSummary counts the parts of a store shown by the summary command.
type runSummary struct {
	Detections int
	Links      int
	Tracklets  int
	Divisions  int
	FirstFrame int
	LastFrame  int
	SegShape   []int
}

func summarize(s *core.Store) runSummary {
	sum := runSummary{Detections: s.NodeCount(), Links: s.LinkCount()}
	tracklets := make(map[int]struct{})
	for i, d := range s.Detections() {
		tracklets[d.TrackletID] = struct{}{}
		if s.OutDegree(d.ID) >= 2 {
			sum.Divisions++
		}
		if i == 0 || d.Time < sum.FirstFrame {
			sum.FirstFrame = d.Time
		}
		if i == 0 || d.Time > sum.LastFrame {
			sum.LastFrame = d.Time
		}
	}
	sum.Tracklets = len(tracklets)
	if seg := s.Segmentation(); seg != nil {
		sum.SegShape = seg.Shape()
	}
	return sum
}

func newSummaryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <run>",
		Short: "Print counts for a saved run",
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
			run, err := snapshot.LoadRun(ctx, b.blobs, rec.Prefix, false, snapshot.LoadOptions{})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "name\t%s\n", run.Name)
			fmt.Fprintf(w, "created\t%s\n", run.CreatedAt.Format(time.DateTime))
			status := run.Status
			if rec.ID != "" {
				status = rec.Status
			}
			fmt.Fprintf(w, "status\t%s\n", status)
			if run.Store != nil {
				sum := summarize(run.Store)
				fmt.Fprintf(w, "detections\t%d\n", sum.Detections)
				fmt.Fprintf(w, "links\t%d\n", sum.Links)
				fmt.Fprintf(w, "tracklets\t%d\n", sum.Tracklets)
				fmt.Fprintf(w, "divisions\t%d\n", sum.Divisions)
				if sum.Detections > 0 {
					fmt.Fprintf(w, "frames\t%d-%d\n", sum.FirstFrame, sum.LastFrame)
				}
				if sum.SegShape != nil {
					fmt.Fprintf(w, "segmentation\t%v\n", sum.SegShape)
				}
			}
			if len(run.Gaps) > 0 {
				fmt.Fprintf(w, "gaps\t%v\n", run.Gaps)
			}
			return w.Flush()
		},
	}
}

func newRunsListCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs in the catalog, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := a.backends(ctx)
			if err != nil {
				return err
			}
			runs, err := b.catalog.ListRuns(ctx)
			if err != nil {
				return err
			}
			if status != "" {
				runs = slices.DeleteFunc(runs, func(r domain.RunRecord) bool {
					return string(r.Status) != status
				})
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCREATED\tPREFIX")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Status, r.CreatedAt.Format(time.DateTime), r.Prefix)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list runs with this status")
	return cmd
}

func newRunsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a run's files and its catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := a.backends(ctx)
			if err != nil {
				return err
			}
			rec, err := b.catalog.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if err := snapshot.DeleteRun(ctx, b.blobs, b.catalog, rec); err != nil {
				return err
			}
			a.logger.Info("run deleted", "id", rec.ID, "prefix", rec.Prefix)
			return nil
		},
	}
}
