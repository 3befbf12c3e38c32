package orchestrator

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vydata/taskpilot/metrics"
)

// job is one queued unit of work. seq breaks weight ties FIFO.
type job struct {
	weight int
	seq    uint64
	run    func()
}

type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight > h[j].weight
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(*job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Pool runs submitted jobs on a fixed set of workers, highest weight first.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    jobHeap
	seq     uint64
	closed  bool
	wg      sync.WaitGroup
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPool starts workers goroutines. m may be nil.
func NewPool(workers int, m *metrics.Metrics, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{metrics: m, logger: logger}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a job. Higher weights run first.
func (p *Pool) Submit(weight int, fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("worker pool is closed")
	}
	p.seq++
	heap.Push(&p.jobs, &job{weight: weight, seq: p.seq, run: fn})
	if p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(len(p.jobs)))
	}
	p.cond.Signal()
	return nil
}

// Close stops accepting jobs, drains the queue, and waits for the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.jobs) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.jobs) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		next := heap.Pop(&p.jobs).(*job)
		if p.metrics != nil {
			p.metrics.QueueDepth.Set(float64(len(p.jobs)))
			p.metrics.ActiveWorkers.Inc()
		}
		p.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("Worker job panicked", "panic", r)
				}
				if p.metrics != nil {
					p.metrics.ActiveWorkers.Dec()
				}
			}()
			next.run()
		}()
	}
}
