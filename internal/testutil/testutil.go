// Package testutil provides test helpers shared across the module's tests.
//
// The package is organized into focused files:
//   - assert.go: assertion helpers (MustNoErr, AssertEqualSlices, etc.)
//   - store_helpers.go: database test setup (NewTestStore)
//   - encoding.go: charset-detection sample fixtures for internal/textutil
//   - email/: builders for synthetic MBOX/RFC 5322 fixtures
package testutil
