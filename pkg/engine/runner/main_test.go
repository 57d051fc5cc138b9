package runner

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain enables goroutine leak detection for all tests in this package.
// This catches tick loops and run workers left behind by Stop.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
