package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"trackcore/internal/blob"
	"trackcore/internal/core"
	"trackcore/pkg/domain"
)

// Run files stored next to the snapshot files.
const (
	ParamsFile = "solver_params.json"
	GapsFile   = "gaps.txt"
	// StampLayout formats run timestamps as MMDDYYYY_HHMMSS.
	StampLayout = "01022006_150405"
)

// Run is a named tracking result together with the solver settings that
// produced it. Store may be nil for runs that failed or never finished.
type Run struct {
	Name      string
	CreatedAt time.Time
	Params    domain.SolverParams
	Gaps      []float64
	Status    domain.RunStatus
	Store     *core.Store
}

// RunPrefix derives the directory prefix of a run from its creation time
// and name.
func RunPrefix(name string, createdAt time.Time) string {
	return createdAt.Format(StampLayout) + "_" + name + "/"
}

// ParseRunPrefix splits a run prefix back into its timestamp and name.
func ParseRunPrefix(prefix string) (time.Time, string, error) {
	base := strings.TrimSuffix(prefix, "/")
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if len(base) < len(StampLayout)+2 || base[len(StampLayout)] != '_' {
		return time.Time{}, "", fmt.Errorf("cannot unpack run prefix %q into timestamp and name", prefix)
	}
	at, err := time.Parse(StampLayout, base[:len(StampLayout)])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("cannot unpack run prefix %q into timestamp and name: %w", prefix, err)
	}
	return at, base[len(StampLayout)+1:], nil
}

func formatGaps(gaps []float64) string {
	parts := make([]string, len(gaps))
	for i, g := range gaps {
		parts[i] = strconv.FormatFloat(g, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func parseGaps(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("gap %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// SaveRun writes the run files under its prefix and indexes the run in
// catalog when one is given.
func SaveRun(ctx context.Context, bs blob.Store, catalog domain.RunCatalog, run Run, opts SaveOptions) (domain.RunRecord, error) {
	if run.Name == "" {
		return domain.RunRecord{}, domain.ValidationError{Entity: domain.EntityRun, Reason: "run name is required"}
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusSolved
	}
	prefix := RunPrefix(run.Name, run.CreatedAt)
	if run.Store != nil {
		if err := Save(ctx, bs, prefix, run.Store, opts); err != nil {
			return domain.RunRecord{}, err
		}
	}
	params, err := json.Marshal(run.Params)
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("encode params: %w", err)
	}
	if _, err := bs.Put(ctx, Key(prefix, ParamsFile), bytes.NewReader(params), blob.PutOptions{ContentType: jsonType}); err != nil {
		return domain.RunRecord{}, fmt.Errorf("write %s: %w", ParamsFile, err)
	}
	if run.Gaps != nil {
		if _, err := bs.Put(ctx, Key(prefix, GapsFile), strings.NewReader(formatGaps(run.Gaps)), blob.PutOptions{ContentType: "text/plain"}); err != nil {
			return domain.RunRecord{}, fmt.Errorf("write %s: %w", GapsFile, err)
		}
	}
	rec := domain.RunRecord{
		Name:      run.Name,
		Prefix:    prefix,
		Status:    run.Status,
		Params:    run.Params,
		CreatedAt: run.CreatedAt.UTC(),
	}
	if catalog == nil {
		return rec, nil
	}
	return catalog.PutRun(ctx, rec)
}

// LoadRun reads a run saved by SaveRun. When outputRequired is false a run
// without a graph file loads with a nil Store.
func LoadRun(ctx context.Context, bs blob.Store, prefix string, outputRequired bool, opts LoadOptions) (Run, error) {
	at, name, err := ParseRunPrefix(prefix)
	if err != nil {
		return Run{}, err
	}
	run := Run{Name: name, CreatedAt: at, Status: domain.RunStatusSolved}
	raw, ok, err := fetch(ctx, bs, Key(prefix, ParamsFile))
	if err != nil {
		return Run{}, fmt.Errorf("read %s: %w", ParamsFile, err)
	}
	if !ok {
		return Run{}, missing(prefix, ParamsFile)
	}
	if err := json.Unmarshal(raw, &run.Params); err != nil {
		return Run{}, fmt.Errorf("decode %s: %w", ParamsFile, err)
	}
	raw, ok, err = fetch(ctx, bs, Key(prefix, GapsFile))
	if err != nil {
		return Run{}, fmt.Errorf("read %s: %w", GapsFile, err)
	}
	if ok {
		if run.Gaps, err = parseGaps(string(raw)); err != nil {
			return Run{}, fmt.Errorf("decode %s: %w", GapsFile, err)
		}
	}
	store, err := Load(ctx, bs, prefix, opts)
	switch {
	case err == nil:
		run.Store = store
	case !outputRequired && isMissingGraph(err, prefix):
		run.Status = domain.RunStatusPending
	default:
		return Run{}, err
	}
	return run, nil
}

func isMissingGraph(err error, prefix string) bool {
	var nf domain.NotFoundError
	return errors.As(err, &nf) && nf.ID == Key(prefix, GraphFile)
}

// DeleteRun removes the run files and its catalog entry.
func DeleteRun(ctx context.Context, bs blob.Store, catalog domain.RunCatalog, rec domain.RunRecord) error {
	if rec.Prefix == "" {
		return domain.ValidationError{Entity: domain.EntityRun, ID: rec.ID, Reason: "run has no prefix"}
	}
	if _, err := Delete(ctx, bs, rec.Prefix); err != nil {
		return err
	}
	if catalog == nil || rec.ID == "" {
		return nil
	}
	return catalog.DeleteRun(ctx, rec.ID)
}
