package segmentation

import (
	"testing"

	"trackcore/testutil"
)

func TestSegmentationStandsAlone(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.ImportUnder("internal"), "label arrays must not know about stores or snapshots")
}
