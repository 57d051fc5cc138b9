package testutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAssertHelpers(t *testing.T) {
	AssertNoError(t, nil)
	AssertError(t, context.Canceled)
	AssertEqual(t, 42, 42)
	AssertEqual(t, "hello", "hello")
	AssertNotEqual(t, 1, 2)
	AssertNotEqual(t, "a", "b")
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(t)
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("context should have a deadline")
	}
	if time.Until(deadline) > TestTimeout {
		t.Error("deadline is too far in the future")
	}
}

func TestEventually(t *testing.T) {
	t.Run("condition met immediately", func(t *testing.T) {
		called := false
		Eventually(t, func() bool {
			called = true
			return true
		}, 100*time.Millisecond, 10*time.Millisecond)

		if !called {
			t.Error("condition function should be called")
		}
	})

	t.Run("condition met after delay", func(t *testing.T) {
		var counter int32
		go func() {
			time.Sleep(30 * time.Millisecond)
			atomic.StoreInt32(&counter, 1)
		}()

		Eventually(t, func() bool {
			return atomic.LoadInt32(&counter) == 1
		}, 200*time.Millisecond, 10*time.Millisecond)
	})
}

func TestEventuallyWithContext(t *testing.T) {
	var flag atomic.Bool
	go func() {
		time.Sleep(30 * time.Millisecond)
		flag.Store(true)
	}()

	EventuallyWithContext(t, context.Background(), flag.Load, 10*time.Millisecond)
}

func TestWaitForInt32(t *testing.T) {
	var value int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		atomic.StoreInt32(&value, 42)
	}()

	WaitForInt32(t, &value, 42, 200*time.Millisecond)
}

func TestWaitForInt64(t *testing.T) {
	var value int64
	go func() {
		time.Sleep(30 * time.Millisecond)
		atomic.StoreInt64(&value, 100)
	}()

	WaitForInt64(t, &value, 100, 200*time.Millisecond)
}

func TestMockClock(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := NewMockClock(start)

	AssertEqual(t, clock.Now(), start)

	clock.Advance(90 * time.Second)
	AssertEqual(t, clock.Now(), start.Add(90*time.Second))

	later := start.Add(time.Hour)
	clock.Set(later)
	AssertEqual(t, clock.Now(), later)
}

func TestMockClockZeroStart(t *testing.T) {
	before := time.Now()
	clock := NewMockClock(time.Time{})
	if clock.Now().Before(before) {
		t.Error("zero start should default to the current time")
	}
}

func TestCallbackTracker(t *testing.T) {
	t.Run("basic tracking", func(t *testing.T) {
		tracker := NewCallbackTracker()
		tracker.AssertNotCalled(t)

		tracker.Mark()
		tracker.AssertCalled(t)
		tracker.AssertCallCount(t, 1)
	})

	t.Run("value tracking", func(t *testing.T) {
		tracker := NewCallbackTracker()

		tracker.Mark("first")
		if tracker.Value() != "first" {
			t.Errorf("value = %v, want first", tracker.Value())
		}

		tracker.Mark("second")
		if tracker.Value() != "second" {
			t.Errorf("value = %v, want second", tracker.Value())
		}
	})

	t.Run("reset", func(t *testing.T) {
		tracker := NewCallbackTracker()
		tracker.Mark("test")
		tracker.Reset()

		tracker.AssertNotCalled(t)
		if tracker.Value() != nil {
			t.Errorf("value = %v, want nil", tracker.Value())
		}
	})

	t.Run("concurrent access", func(t *testing.T) {
		tracker := NewCallbackTracker()

		const goroutines = 10
		const callsPerGoroutine = 100

		done := make(chan struct{}, goroutines)
		for i := 0; i < goroutines; i++ {
			go func() {
				for j := 0; j < callsPerGoroutine; j++ {
					tracker.Mark()
				}
				done <- struct{}{}
			}()
		}
		for i := 0; i < goroutines; i++ {
			<-done
		}

		tracker.AssertCallCount(t, goroutines*callsPerGoroutine)
	})
}
