package engine_test

import (
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/evalctl/evalctl/engine"
)

// cmpSortKeys lets cmp.Diff compare []engine.Key slices ignoring order,
// since KeySet-derived slices (Slice(), Snapshot()) have no defined order.
var cmpSortKeys = cmpopts.SortSlices(func(a, b engine.Key) bool {
	return a.String() < b.String()
})
