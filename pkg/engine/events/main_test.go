package events

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain enables goroutine leak detection for all tests in this package.
// This catches subscriber goroutines left behind by bus teardown.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
