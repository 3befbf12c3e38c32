package orchestrator

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoolRunsHighestWeightFirst(t *testing.T) {
	p := NewPool(1, nil, quietLogger())

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	gate := make(chan struct{})
	require.NoError(t, p.Submit(5, func() { <-gate }))
	// Let the single worker pick up the blocker so the rest queue up.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Submit(3, record("low")))
	require.NoError(t, p.Submit(9, record("urgent")))
	require.NoError(t, p.Submit(7, record("high")))

	close(gate)
	p.Close()

	assert.Equal(t, []string{"urgent", "high", "low"}, order)
}

func TestPoolEqualWeightIsFIFO(t *testing.T) {
	p := NewPool(1, nil, quietLogger())

	var mu sync.Mutex
	var order []int
	gate := make(chan struct{})
	require.NoError(t, p.Submit(5, func() { <-gate }))
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 4; i++ {
		i := i
		require.NoError(t, p.Submit(5, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}

	close(gate)
	p.Close()

	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestPoolRejectsAfterClose(t *testing.T) {
	p := NewPool(2, nil, quietLogger())
	p.Close()
	assert.Error(t, p.Submit(5, func() {}))
}

func TestPoolSurvivesPanickingJob(t *testing.T) {
	p := NewPool(1, nil, quietLogger())

	done := make(chan struct{})
	require.NoError(t, p.Submit(5, func() { panic("boom") }))
	require.NoError(t, p.Submit(5, func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool worker died after a panic")
	}
	p.Close()
}
