package search

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// assertQueryEqual compares two Query structs, treating nil slices and empty
// slices as equivalent. Used by TestParse across both the fields
// retrieval.mergeFilters consumes and the ones it currently leaves unused.
func assertQueryEqual(t *testing.T, got, want Query) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Query mismatch (-want +got):\n%s", diff)
	}
}
