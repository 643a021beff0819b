package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

type recordingT struct {
	msg string
}

func (r *recordingT) Fatalf(format string, args ...any) {
	r.msg = format
	if len(args) > 0 {
		r.msg = strings.Join([]string{format, args[len(args)-1].(string)}, " ")
	}
}

func writeGo(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestInternalImportForbidden(t *testing.T) {
	cases := map[string]bool{
		"trackcore/internal/core":  true,
		"trackcore/internal":       true,
		"trackcore/pkg/domain":     false,
		"example.com/internalized": false,
	}
	for in, want := range cases {
		if got := InternalImportForbidden(in); got != want {
			t.Fatalf("InternalImportForbidden(%q)=%v want %v", in, got, want)
		}
	}
}

func TestImportUnder(t *testing.T) {
	forbidden := ImportUnder("internal/snapshot", "/internal/infra/blob/")
	cases := map[string]bool{
		"trackcore/internal/snapshot":          true,
		"trackcore/internal/snapshot/extra":    true,
		"trackcore/internal/snapshotter":       false,
		"trackcore/internal/infra/blob/s3":     true,
		"trackcore/internal/infra/persistence": false,
	}
	for in, want := range cases {
		if got := forbidden(in); got != want {
			t.Fatalf("ImportUnder(%q)=%v want %v", in, got, want)
		}
	}
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "a.go", "package tmp\nimport \"fmt\"\nimport \"trackcore/internal/core\"\nfunc X() { fmt.Println(core.X) }\n")
	writeGo(t, dir, "a_test.go", "package tmp\nimport \"trackcore/internal/snapshot\"\n")
	writeGo(t, dir, "notes.txt", "import \"trackcore/internal/lineage\"")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeGo(t, filepath.Join(dir, "sub"), "b.go", "package sub\nimport \"trackcore/internal/blob\"\n")

	viols, err := directImportViolations(dir, InternalImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "trackcore/internal/core (in a.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}

	AssertNoDirectImports(t, dir, func(string) bool { return false }, "nothing forbidden")

	writeGo(t, dir, "broken.go", "package tmp\nimport (")
	if _, err := directImportViolations(dir, InternalImportForbidden); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := directImportViolations(filepath.Join(dir, "missing"), InternalImportForbidden); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestTransitiveViolationsWalksDependencies(t *testing.T) {
	orig := loadPackages
	t.Cleanup(func() { loadPackages = orig })

	leaf := &packages.Package{PkgPath: "trackcore/internal/infra/blob/fs"}
	mid := &packages.Package{PkgPath: "trackcore/internal/blob", Imports: map[string]*packages.Package{leaf.PkgPath: leaf}}
	root := &packages.Package{PkgPath: "trackcore/internal/snapshot", Imports: map[string]*packages.Package{
		mid.PkgPath: mid,
		"fmt":       {PkgPath: "fmt"},
	}}
	loadPackages = func(string) ([]*packages.Package, error) { return []*packages.Package{root, root}, nil }

	viols, err := transitiveViolations("./...", ImportUnder("internal/infra"))
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(viols) != 1 || viols[0] != leaf.PkgPath {
		t.Fatalf("unexpected violations %v", viols)
	}

	leaf.Errors = []packages.Error{{Msg: "no Go files"}}
	if _, err := transitiveViolations("./...", ImportUnder("internal/infra")); err == nil || !strings.Contains(err.Error(), "no Go files") {
		t.Fatalf("expected package error, got %v", err)
	}

	loadPackages = func(string) ([]*packages.Package, error) { return nil, errors.New("boom") }
	if _, err := transitiveViolations("./...", InternalImportForbidden); err == nil {
		t.Fatalf("expected load error")
	}
}

func TestFailIfViolations(t *testing.T) {
	var rec recordingT
	failIfViolations(&rec, "direct imports", "reason", nil)
	if rec.msg != "" {
		t.Fatalf("unexpected failure %q", rec.msg)
	}
	failIfViolations(&rec, "direct imports", "reason", []string{"a", "b"})
	if !strings.Contains(rec.msg, "a\nb") {
		t.Fatalf("violations not reported: %q", rec.msg)
	}
}
