package busring

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingRunsItemsInOrder(t *testing.T) {
	r := New()
	var order []int
	done := make(chan struct{})

	r.Submit(Item{Key: 1, Work: func() { order = append(order, 1) }}, false)
	r.Submit(Item{Key: 2, Work: func() { order = append(order, 2) }}, false)
	r.Submit(Item{Key: 3, Work: func() {
		order = append(order, 3)
		close(done)
	}}, false)

	go r.Run()
	defer r.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ring to drain")
	}
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRingDedupDropsDuplicateKey(t *testing.T) {
	r := New()

	blocker := make(chan struct{})
	var ran atomic.Int32
	r.Submit(Item{Key: 1, Work: func() { <-blocker; ran.Add(1) }}, false)

	queued := r.Submit(Item{Key: 1, Work: func() { ran.Add(1) }}, true)
	assert.False(t, queued, "dedup should drop the second submission for the same key while one is still queued")

	close(blocker)
}

func TestRingCloseStopsAcceptingWork(t *testing.T) {
	r := New()
	r.Close()

	queued := r.Submit(Item{Key: 1, Work: func() {}}, false)
	assert.False(t, queued)
}

func TestRingDepthReflectsQueueSize(t *testing.T) {
	r := New()
	block := make(chan struct{})
	r.Submit(Item{Key: 1, Work: func() { <-block }}, false)
	r.Submit(Item{Key: 2, Work: func() {}}, false)

	go r.Run()
	defer close(block)
	defer r.Close()

	require.Eventually(t, func() bool { return r.Depth() >= 1 }, time.Second, time.Millisecond)
}
