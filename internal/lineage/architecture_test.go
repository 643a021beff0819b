package lineage

import (
	"testing"

	"trackcore/testutil"
)

// Layouts are built from a Source view so any store implementation can be
// laid out.
func TestLineageReadsThroughSource(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.ImportUnder("internal"), "lineage depends only on the Source view")
}
