package testutil

import (
	"testing"

	"fsy-go/internal/fsy"
)

// NewIdentity generates a fresh node identity or fails the test.
func NewIdentity(t *testing.T) *fsy.NodeIdentity {
	t.Helper()
	id, err := fsy.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	return id
}
