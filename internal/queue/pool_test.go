package queue

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(3)
	defer pool.Close()

	var running, peak atomic.Int32
	release := make(chan struct{})
	handles := make([]*TaskHandle, 0, 8)
	for i := 0; i < 8; i++ {
		handles = append(handles, pool.Submit(func() {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		}))
	}

	deadline := time.Now().Add(5 * time.Second)
	for running.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := running.Load(); got != 3 {
		t.Fatalf("expected 3 tasks running, got %d", got)
	}

	close(release)
	for _, h := range handles {
		h.Wait()
		if !h.Finished() {
			t.Fatal("handle must report finished after Wait")
		}
	}
	if got := peak.Load(); got > 3 {
		t.Fatalf("concurrency bound exceeded: %d", got)
	}
}

func TestPoolSubmitAfterClose(t *testing.T) {
	pool := NewPool(1)
	pool.Close()
	h := pool.Submit(func() { t.Error("task must not run after close") })
	if !h.Finished() {
		t.Fatal("post-close submission must resolve immediately")
	}
}
