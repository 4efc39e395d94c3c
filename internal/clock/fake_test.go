package clock

import (
	"testing"
	"time"
)

func TestFake_TickerFiresOnAdvance(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ticker := f.NewTicker(time.Second)
	defer ticker.Stop()

	select {
	case <-ticker.C:
		t.Fatal("ticker fired before advance")
	default:
	}

	f.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after advance")
	}

	if f.Pending() != 1 {
		t.Errorf("expected ticker to stay pending, got %d", f.Pending())
	}
}

func TestFake_StopRemovesTicker(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ticker := f.NewTicker(time.Second)
	ticker.Stop()

	if f.Pending() != 0 {
		t.Errorf("expected no pending waiters, got %d", f.Pending())
	}
	f.Advance(2 * time.Second)
	select {
	case <-ticker.C:
		t.Error("stopped ticker fired")
	default:
	}
}

func TestFake_AfterIsOneShot(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ch := f.After(500 * time.Millisecond)

	f.Advance(499 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	f.Advance(time.Millisecond)
	select {
	case <-ch:
	default:
		t.Fatal("did not fire at deadline")
	}
	if f.Pending() != 0 {
		t.Errorf("one-shot waiter should be gone, got %d pending", f.Pending())
	}
}

func TestFake_WaitForPending(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		f.WaitForPending(1)
		close(done)
	}()

	f.NewTicker(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForPending did not return")
	}
}
