package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"trackcore/internal/blob"
	"trackcore/internal/core"
	"trackcore/pkg/domain"
)

const lineageCSV = `t,y,x,id,parent_id
0,1,1,1,-1
1,1,1,2,1
2,1,1,3,2
3,1,0,4,3
3,1,2,5,3
`

func newBackends(t *testing.T) *backends {
	t.Helper()
	catalog, err := core.OpenRunCatalog(context.Background(), core.CatalogOptions{Driver: core.StorageMemory})
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	return &backends{blobs: blob.NewMemory(), catalog: catalog}
}

func invoke(t *testing.T, b *backends, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr, b)
	return stdout.String(), stderr.String(), code
}

func mustInvoke(t *testing.T, b *backends, args ...string) string {
	t.Helper()
	out, errOut, code := invoke(t, b, args...)
	if code != 0 {
		t.Fatalf("trackctl %v exited %d: %s", args, code, errOut)
	}
	return out
}

// field returns the value printed after key in tabular output.
func field(out, key string) string {
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) >= 2 && f[0] == key {
			return strings.Join(f[1:], " ")
		}
	}
	return ""
}

func TestImportInspectEditExport(t *testing.T) {
	t.Setenv("TRACKCORE_STORAGE_DRIVER", "memory")
	t.Setenv("TRACKCORE_BLOB_DRIVER", "memory")
	b := newBackends(t)
	csvPath := filepath.Join(t.TempDir(), "lineage.csv")
	if err := os.WriteFile(csvPath, []byte(lineageCSV), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	out := mustInvoke(t, b, "import", csvPath)
	id, prefix, ok := strings.Cut(strings.TrimSpace(out), "\t")
	if !ok || id == "" || !strings.HasSuffix(prefix, "_lineage/") {
		t.Fatalf("unexpected import output %q", out)
	}

	list := mustInvoke(t, b, "runs", "list", "--status", "imported")
	if !strings.Contains(list, id) || !strings.Contains(list, "lineage") {
		t.Fatalf("run missing from list:\n%s", list)
	}
	if list := mustInvoke(t, b, "runs", "list", "--status", "solved"); strings.Contains(list, id) {
		t.Fatalf("status filter ignored:\n%s", list)
	}

	sum := mustInvoke(t, b, "summary", id)
	for key, want := range map[string]string{
		"detections": "5",
		"links":      "4",
		"tracklets":  "3",
		"divisions":  "1",
		"frames":     "0-3",
		"status":     "imported",
	} {
		if got := field(sum, key); got != want {
			t.Fatalf("summary %s = %q, want %q\n%s", key, got, want, sum)
		}
	}

	table := mustInvoke(t, b, "lineage", id)
	rows := strings.Split(strings.TrimSpace(table), "\n")
	if len(rows) != 4 {
		t.Fatalf("expected header and three tracklets:\n%s", table)
	}
	if root := strings.Fields(rows[1]); root[0] != "0" || root[2] != "-" || root[5] != "3" {
		t.Fatalf("unexpected root row %q", rows[1])
	}
	if got := strings.TrimSpace(mustInvoke(t, b, "lineage", id, "--node", "5")); got != "1 2 3 4 5" {
		t.Fatalf("lineage of 5 = %q", got)
	}

	edited := mustInvoke(t, b, "edit", id, "--delete-link", "3:5")
	if !strings.HasPrefix(edited, "1 edits") || !strings.Contains(edited, "5 detections, 3 links") {
		t.Fatalf("unexpected edit output %q", edited)
	}
	sum = mustInvoke(t, b, "summary", prefix)
	if field(sum, "links") != "3" || field(sum, "divisions") != "0" || field(sum, "tracklets") != "2" {
		t.Fatalf("edit not persisted:\n%s", sum)
	}

	if _, errOut, code := invoke(t, b, "edit", id, "--add-link", "4:5"); code != 1 || !strings.Contains(errOut, "trackctl:") {
		t.Fatalf("horizontal link accepted: code %d %s", code, errOut)
	}

	csvOut := mustInvoke(t, b, "export", id)
	lines := strings.Split(strings.TrimSpace(csvOut), "\n")
	if lines[0] != "t,y,x,id,parent_id,track_id" || len(lines) != 6 {
		t.Fatalf("unexpected export:\n%s", csvOut)
	}
	exported := filepath.Join(t.TempDir(), "out.csv")
	mustInvoke(t, b, "export", id, "-o", exported)
	if data, err := os.ReadFile(exported); err != nil || string(data) != csvOut {
		t.Fatalf("file export differs: %v", err)
	}

	mustInvoke(t, b, "runs", "delete", id)
	if list := mustInvoke(t, b, "runs", "list"); strings.Contains(list, id) {
		t.Fatalf("run still listed:\n%s", list)
	}
	if _, _, code := invoke(t, b, "summary", prefix); code != 1 {
		t.Fatalf("deleted run still loads")
	}
}

func TestEditRequiresChanges(t *testing.T) {
	t.Setenv("TRACKCORE_STORAGE_DRIVER", "memory")
	_, errOut, code := invoke(t, newBackends(t), "edit", "01022006_150405_x")
	if code != 1 || !strings.Contains(errOut, "no edits requested") {
		t.Fatalf("code %d: %s", code, errOut)
	}
}

func TestBadConfigFails(t *testing.T) {
	_, errOut, code := invoke(t, newBackends(t), "--config", filepath.Join(t.TempDir(), "missing.yaml"), "runs", "list")
	if code != 1 || !strings.Contains(errOut, "read config") {
		t.Fatalf("code %d: %s", code, errOut)
	}
}

func TestParseEdge(t *testing.T) {
	e, err := parseEdge("3: 4")
	if err != nil || e != (domain.Edge{Source: 3, Target: 4}) {
		t.Fatalf("parse: %v %v", e, err)
	}
	for _, bad := range []string{"3", "a:4", "3:b"} {
		if _, err := parseEdge(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
