// Command trackctl inspects, imports, exports and edits saved tracking runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"trackcore/internal/blob"
	"trackcore/internal/config"
	"trackcore/internal/core"
	"trackcore/internal/logging"
	"trackcore/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, nil))
}

// backends are opened lazily from config unless injected.
type backends struct {
	blobs   blob.Store
	catalog domain.RunCatalog
}

type app struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
	stderr     io.Writer

	injected *backends
	opened   *backends
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, injected *backends) int {
	a := &app{stderr: stderr, injected: injected, logger: logging.Discard()}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(stderr, "trackctl: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "trackctl",
		Short:         "Inspect and correct saved tracking runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log, a.stderr)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML config file")

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Manage the run catalog",
	}
	runsCmd.AddCommand(newRunsListCmd(a), newRunsDeleteCmd(a))

	root.AddCommand(
		newImportCmd(a),
		newExportCmd(a),
		newSummaryCmd(a),
		newLineageCmd(a),
		newEditCmd(a),
		runsCmd,
	)
	return root
}

func (a *app) backends(ctx context.Context) (*backends, error) {
	if a.injected != nil {
		return a.injected, nil
	}
	if a.opened != nil {
		return a.opened, nil
	}
	bs, err := blob.Open(ctx, a.cfg.BlobOptions())
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	catalog, err := core.OpenRunCatalog(ctx, a.cfg.CatalogOptions())
	if err != nil {
		return nil, fmt.Errorf("open run catalog: %w", err)
	}
	a.opened = &backends{blobs: bs, catalog: catalog}
	return a.opened, nil
}

func (a *app) close() error {
	if a.opened == nil {
		return nil
	}
	return a.opened.catalog.Close()
}

// resolveRun looks ref up as a catalog id first and falls back to treating
// it as a blob prefix.
func (a *app) resolveRun(ctx context.Context, b *backends, ref string) (domain.RunRecord, error) {
	rec, err := b.catalog.GetRun(ctx, ref)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.RunRecord{}, err
	}
	prefix := strings.TrimSuffix(ref, "/") + "/"
	return domain.RunRecord{Prefix: prefix, Status: domain.RunStatusSolved}, nil
}
