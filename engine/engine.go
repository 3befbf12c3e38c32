package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vydata/taskpilot/store"
)

// Event types emitted on the stream.
const (
	EventNodeStarted       = "node_started"
	EventNodeCompleted     = "node_completed"
	EventNodeFailed        = "node_failed"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowTimeout   = "workflow_timeout"
)

// Event is one entry of the run's event stream.
type Event struct {
	Type       string    `json:"type"`
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id"`
	Node       string    `json:"node,omitempty"`
	Output     Results   `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventSink consumes engine events. Sinks must be fast or buffer internally;
// the engine calls them inline between nodes.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// Engine drives a graph over a state with two-level timeouts and a node
// dispatch safety limit.
type Engine struct {
	graph         *Graph
	runtime       *Runtime
	globalTimeout time.Duration
	nodeTimeout   time.Duration
	maxNodes      int
	maxRetries    int
	sinks         []EventSink
	logger        *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithGlobalTimeout bounds the whole run.
func WithGlobalTimeout(d time.Duration) Option {
	return func(e *Engine) { e.globalTimeout = d }
}

// WithNodeTimeout bounds each node attempt.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.nodeTimeout = d }
}

// WithMaxNodes caps node dispatches per run.
func WithMaxNodes(n int) Option {
	return func(e *Engine) { e.maxNodes = n }
}

// WithMaxRetries sets the per-node transient retry bound.
func WithMaxRetries(n int) Option {
	return func(e *Engine) { e.maxRetries = n }
}

// WithSink attaches an event consumer.
func WithSink(sink EventSink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sink) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an engine over a graph.
func New(graph *Graph, runtime *Runtime, opts ...Option) *Engine {
	e := &Engine{
		graph:         graph,
		runtime:       runtime,
		globalTimeout: time.Hour,
		nodeTimeout:   10 * time.Minute,
		maxNodes:      15,
		maxRetries:    2,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.runtime == nil {
		e.runtime = NewRuntime(nil, e.logger)
	}
	return e
}

// Run executes the graph to termination and finalizes the run record.
// The returned error describes why the run did not complete normally; the
// state carries the detailed trail either way.
func (e *Engine) Run(ctx context.Context, s *State) error {
	if err := e.graph.Validate(); err != nil {
		return fmt.Errorf("invalid graph: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.globalTimeout)
	defer cancel()

	e.logger.Info("Workflow started",
		"workflow_id", s.WorkflowID,
		"run_id", s.RunID,
		"recovery", s.RecoveryMode)

	node := e.graph.start
	dispatches := 0
	recoverySkips := map[string]bool{}
	var runErr error

	for node != End {
		if runCtx.Err() != nil {
			runErr = e.timeout(ctx, s, node)
			break
		}

		// Recovery skips the already-completed prefix, then resumes normal
		// execution from the first incomplete node. Each node is skipped at
		// most once: reaching a node a second time means the completed set
		// routes in a circle over unchanged state, and re-executing it is
		// the only way the run can make progress.
		if s.RecoveryMode && s.HasCompleted(node) && !recoverySkips[node] {
			recoverySkips[node] = true
			e.logger.Debug("Skipping completed node in recovery", "node", node)
			next, err := e.graph.Next(s, node)
			if err != nil {
				runErr = err
				break
			}
			node = next
			continue
		}
		s.RecoveryMode = false

		dispatches++
		if dispatches > e.maxNodes {
			msg := fmt.Sprintf("node dispatch limit (%d) reached at %s", e.maxNodes, node)
			s.ApplyResults(Results{KeyErrorLogs: msg, KeyWorkflowTerminated: true})
			e.emit(ctx, s, Event{Type: EventWorkflowFailed, Node: node, Error: msg})
			runErr = errors.New(msg)
			break
		}

		fn, ok := e.graph.Node(node)
		if !ok {
			runErr = fmt.Errorf("undeclared node %q", node)
			break
		}

		s.CurrentNode = node
		e.emit(ctx, s, Event{Type: EventNodeStarted, Node: node})

		delta, err := e.runtime.RunNode(runCtx, node, fn, s, e.nodeTimeout, e.maxRetries)
		if err != nil {
			s.ApplyResults(Results{KeyErrorLogs: fmt.Sprintf("%s: %v", node, err)})
			e.emit(ctx, s, Event{Type: EventNodeFailed, Node: node, Error: err.Error()})

			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				runErr = e.timeout(ctx, s, node)
				break
			}
			// Node timeout and permanent node failures both shut down
			// gracefully; the run record carries the cause.
			runErr = err
			break
		}

		s.ApplyResults(delta)
		s.MarkCompleted(node)
		e.runtime.Checkpoint(ctx, s, node)
		e.emit(ctx, s, Event{Type: EventNodeCompleted, Node: node, Output: delta})

		next, err := e.graph.Next(s, node)
		if err != nil {
			runErr = err
			break
		}
		node = next
	}

	s.CompletedAt = time.Now().UTC()
	e.finalize(ctx, s, runErr)
	return runErr
}

// timeout records a global-timeout termination.
func (e *Engine) timeout(ctx context.Context, s *State, node string) error {
	msg := fmt.Sprintf("global timeout after %s at node %s", e.globalTimeout, node)
	s.Status = string(store.RunTimeout)
	s.ApplyResults(Results{KeyErrorLogs: msg, KeyWorkflowTerminated: true})
	e.emit(ctx, s, Event{Type: EventWorkflowTimeout, Node: node, Error: msg})
	return errors.New(msg)
}

// finalize sets the terminal status and writes the run record.
func (e *Engine) finalize(ctx context.Context, s *State, runErr error) {
	status := store.RunCompleted
	errMsg := ""
	switch {
	case s.Status == string(store.RunTimeout):
		status = store.RunTimeout
		errMsg = runErr.Error()
	case runErr != nil:
		status = store.RunFailed
		errMsg = runErr.Error()
		s.Status = string(store.RunFailed)
		e.emit(ctx, s, Event{Type: EventWorkflowFailed, Error: errMsg})
	default:
		s.Status = string(store.RunCompleted)
		e.emit(ctx, s, Event{Type: EventWorkflowCompleted})
	}

	e.runtime.FinishRun(ctx, s, status, errMsg)
	e.logger.Info("Workflow finished",
		"workflow_id", s.WorkflowID,
		"run_id", s.RunID,
		"status", s.Status,
		"nodes", len(s.CompletedNodes))
}

func (e *Engine) emit(ctx context.Context, s *State, ev Event) {
	ev.WorkflowID = s.WorkflowID
	ev.RunID = s.RunID
	ev.Timestamp = time.Now().UTC()
	for _, sink := range e.sinks {
		sink.Emit(ctx, ev)
	}
}
