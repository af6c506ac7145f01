package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDoneUntil(t *testing.T, w *Watermark, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.DoneUntil() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("watermark stuck at %d, want %d", w.DoneUntil(), want)
}

// TestBeginDone tests the basic advance
func TestBeginDone(t *testing.T) {
	w := NewWatermark(0)
	defer w.Close()

	w.Begin(1)
	w.Begin(2)
	w.Begin(3)

	w.Done(2)
	w.Done(3)
	// 1 is still pending, nothing is visible
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, uint64(0), w.DoneUntil())

	w.Done(1)
	waitDoneUntil(t, w, 3)
}

// TestWaitFor tests blocking until a version is visible
func TestWaitFor(t *testing.T) {
	w := NewWatermark(0)
	defer w.Close()

	w.Begin(1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Done(1)
	}()
	err := w.WaitFor(context.Background(), 1, time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, w.DoneUntil(), uint64(1))
}

// TestWaitForTimeout tests the bounded wait failing retryably
func TestWaitForTimeout(t *testing.T) {
	w := NewWatermark(0)
	defer w.Close()

	w.Begin(1)
	err := w.WaitFor(context.Background(), 1, 20*time.Millisecond)
	require.Error(t, err)
}

// TestNeverRegresses tests watermark monotonicity under churn
func TestNeverRegresses(t *testing.T) {
	w := NewWatermark(0)
	defer w.Close()

	observed := uint64(0)
	for v := uint64(1); v <= 100; v++ {
		w.Begin(v)
		w.Done(v)
		if d := w.DoneUntil(); d < observed {
			t.Fatalf("watermark regressed from %d to %d", observed, d)
		} else {
			observed = d
		}
	}
	waitDoneUntil(t, w, 100)
}

// TestBaseSeed tests re-opened stores seeding the watermark
func TestBaseSeed(t *testing.T) {
	w := NewWatermark(40)
	defer w.Close()
	assert.Equal(t, uint64(40), w.DoneUntil())
	require.NoError(t, w.WaitFor(context.Background(), 39, time.Second))
}
