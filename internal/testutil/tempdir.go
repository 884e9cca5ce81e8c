// Package testutil holds small test helpers shared across engine packages,
// carried over from the teacher's common/testutil package.
package testutil

import "testing"

// TempDir creates a temporary directory for a test, removed on cleanup.
func TempDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}
