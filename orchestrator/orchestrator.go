// Package orchestrator ties the inbound Monday events to the workflow
// engine: task admission, intent routing, the priority worker pool, and
// per-item run serialization.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vydata/taskpilot/config"
	"github.com/vydata/taskpilot/engine"
	"github.com/vydata/taskpilot/intent"
	"github.com/vydata/taskpilot/mention"
	"github.com/vydata/taskpilot/metrics"
	"github.com/vydata/taskpilot/nodes"
	"github.com/vydata/taskpilot/queue"
	"github.com/vydata/taskpilot/rag"
	"github.com/vydata/taskpilot/router"
	"github.com/vydata/taskpilot/store"
)

// workflowID names the one graph this service runs.
const workflowID = "task-workflow"

// TaskStore is the persistence surface the orchestrator drives.
// *store.Store satisfies it.
type TaskStore interface {
	CreateOrLoadTask(ctx context.Context, payload *store.TaskPayload) (int64, error)
	GetTask(ctx context.Context, taskID int64) (*store.Task, error)
	GetTaskByExternalID(ctx context.Context, externalID int64) (*store.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID int64, internal store.TaskStatus, external string) error
	StartRun(ctx context.Context, taskID int64, workflowID, correlationID, aiProvider string, reactivationCount int, sourceBranch string, triggeredBy *string) (int64, error)
	CountRuns(ctx context.Context, taskID int64) (int, error)
	ListUnfinishedRuns(ctx context.Context) ([]*store.Run, error)
	GetLatestCheckpoint(ctx context.Context, runID int64) (json.RawMessage, error)
	CreateUpdateTrigger(ctx context.Context, taskID int64, updateID, classification string, confidence float64) (int64, error)
	MarkTriggerProcessed(ctx context.Context, triggerID int64, triggeredRunID *int64) error
}

// StatusChangeEvent is an inbound board status transition.
type StatusChangeEvent struct {
	ExternalID    int64
	BoardID       int64
	Title         string
	Description   string
	RepositoryURL string
	OldStatus     string
	NewStatus     string
	ChangedBy     string
}

// CommentEvent is an inbound update posted on a board item.
type CommentEvent struct {
	ExternalID int64
	BoardID    int64
	UpdateID   string
	Body       string
	Author     string
}

// submission is one unit of work heading into the pool.
type submission struct {
	queueID           string
	taskID            int64
	externalID        int64
	weight            int
	triggeredBy       string
	triggerID         int64
	isReactivation    bool
	reactivationCount int
	sourceBranch      string
	text              string
	ragContext        string
}

// Orchestrator owns the full inbound-event-to-run pipeline.
type Orchestrator struct {
	cfg        *config.Config
	store      TaskStore
	queue      *queue.Manager
	deps       *nodes.Deps
	graph      *engine.Graph
	classifier *intent.Classifier
	router     *router.Router
	parser     *mention.Parser
	memory     *rag.Memory
	metrics    *metrics.Metrics
	persister  engine.Persister
	sinks      []engine.EventSink
	pool       *Pool
	logger     *slog.Logger

	mu              sync.Mutex
	pending         map[string]submission
	pendingTriggers map[int64]int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMemory attaches the conversation vector memory.
func WithMemory(m *rag.Memory) Option {
	return func(o *Orchestrator) { o.memory = m }
}

// WithMetrics attaches the Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPersister attaches the run/step persister used by the engine runtime.
func WithPersister(p engine.Persister) Option {
	return func(o *Orchestrator) { o.persister = p }
}

// WithSink attaches an engine event consumer (e.g. the NATS mirror).
func WithSink(sink engine.EventSink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sink) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates the orchestrator and starts its worker pool.
func New(cfg *config.Config, st TaskStore, qm *queue.Manager, deps *nodes.Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:             cfg,
		store:           st,
		queue:           qm,
		deps:            deps,
		logger:          slog.Default(),
		pending:         make(map[string]submission),
		pendingTriggers: make(map[int64]int64),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.graph = nodes.BuildGraph(deps)
	o.parser = mention.NewParser(cfg.Monday.MentionHandle)
	o.classifier = intent.NewClassifier(deps.LLM, o.logger)
	o.router = router.New(&boardPoster{board: deps.Board}, o, deps.LLM, o.logger)
	o.pool = NewPool(cfg.Workers.Count, o.metrics, o.logger)
	return o
}

// Shutdown drains the worker pool.
func (o *Orchestrator) Shutdown() {
	o.pool.Close()
}

// Status vocabularies, normalized to lowercase-hyphenated form.
var activeStatuses = map[string]bool{
	"pending":       true,
	"to-do":         true,
	"todo":          true,
	"in-progress":   true,
	"working":       true,
	"working-on-it": true,
}

var settledStatuses = map[string]bool{
	"done":          true,
	"completed":     true,
	"failed":        true,
	"quality-check": true,
	"stuck":         true,
}

func normalizeStatus(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "-")
}

// HandleStatusChange reacts to a board status transition. Moving an item
// into an active status starts (or queues) a run; a transition out of a
// settled status is a reactivation and resumes from the existing branch.
func (o *Orchestrator) HandleStatusChange(ctx context.Context, ev StatusChangeEvent) error {
	newStatus := normalizeStatus(ev.NewStatus)
	if !activeStatuses[newStatus] {
		o.logger.Debug("Status change needs no run",
			"external_id", ev.ExternalID, "new_status", ev.NewStatus)
		return nil
	}

	payload := &store.TaskPayload{
		ExternalID:    ev.ExternalID,
		BoardID:       ev.BoardID,
		Title:         ev.Title,
		Description:   ev.Description,
		RepositoryURL: ev.RepositoryURL,
		CreatedBy:     ev.ChangedBy,
	}
	payload.Normalize()

	taskID, err := o.store.CreateOrLoadTask(ctx, payload)
	if err != nil {
		return fmt.Errorf("load task for item %d: %w", ev.ExternalID, err)
	}

	count, err := o.store.CountRuns(ctx, taskID)
	if err != nil {
		o.logger.Warn("Run count unavailable, assuming first run", "task_id", taskID, "error", err)
		count = 0
	}

	return o.submit(ctx, submission{
		taskID:            taskID,
		externalID:        ev.ExternalID,
		weight:            payload.Priority.Weight(),
		triggeredBy:       "status_change",
		isReactivation:    count > 0 && settledStatuses[normalizeStatus(ev.OldStatus)],
		reactivationCount: count,
		sourceBranch:      "main",
		text:              ev.Title,
	})
}

// HandleComment processes one update posted on a board item: mention
// detection, intent classification, and routing. Questions are answered on
// the thread; commands spawn or queue a workflow run.
func (o *Orchestrator) HandleComment(ctx context.Context, ev CommentEvent) error {
	cleaned := o.parser.CleanText(ev.Body)
	if mention.IsAgentMessage(cleaned) {
		o.logger.Debug("Own message ignored", "external_id", ev.ExternalID)
		return nil
	}

	parsed := o.parser.Parse(ev.Body)
	if !parsed.HasMention {
		return nil
	}
	if !parsed.IsValid {
		o.logger.Info("Mention rejected",
			"external_id", ev.ExternalID, "reason", parsed.ErrorMessage)
		return nil
	}

	task, err := o.loadOrCreateTask(ctx, ev, parsed.CleanedText)
	if err != nil {
		return err
	}

	taskCtx := intent.TaskContext{
		Title:       task.Title,
		Status:      task.ExternalStatus,
		Description: task.Description,
	}
	cls := o.classifier.Classify(ctx, parsed.CleanedText, taskCtx)

	triggerID, err := o.store.CreateUpdateTrigger(ctx, task.ID, ev.UpdateID, string(cls.Type), cls.Confidence)
	if err != nil {
		o.logger.Warn("Trigger record failed", "update_id", ev.UpdateID, "error", err)
	}

	ragContext := ""
	if o.memory != nil {
		ragContext = o.memory.ContextFor(ctx, parsed.CleanedText, ev.ExternalID, 5)
		if err := o.memory.StoreMessage(ctx, parsed.CleanedText, map[string]string{
			"external_id": fmt.Sprintf("%d", ev.ExternalID),
			"update_id":   ev.UpdateID,
		}); err != nil {
			o.logger.Debug("Conversation indexing failed", "update_id", ev.UpdateID, "error", err)
		}
	}

	o.stashTrigger(ev.ExternalID, triggerID)
	defer o.dropTrigger(ev.ExternalID)

	decision, err := o.router.Route(ctx, ev.ExternalID, parsed.CleanedText, cls, taskCtx, ragContext)
	if err != nil {
		return err
	}

	// Questions and ignored comments create no run; close the trigger now.
	if decision != router.DecisionCommandWorkflow && triggerID != 0 {
		if err := o.store.MarkTriggerProcessed(ctx, triggerID, nil); err != nil {
			o.logger.Warn("Trigger close failed", "trigger_id", triggerID, "error", err)
		}
	}
	return nil
}

// Reactivate starts a workflow run from a routed comment.
// Implements router.Reactivator.
func (o *Orchestrator) Reactivate(ctx context.Context, req router.WorkflowRequest) error {
	task, err := o.store.GetTaskByExternalID(ctx, req.ExternalID)
	if err != nil {
		return fmt.Errorf("load task for item %d: %w", req.ExternalID, err)
	}

	count, err := o.store.CountRuns(ctx, task.ID)
	if err != nil {
		o.logger.Warn("Run count unavailable, assuming first run", "task_id", task.ID, "error", err)
		count = 0
	}

	return o.submit(ctx, submission{
		taskID:            task.ID,
		externalID:        req.ExternalID,
		weight:            req.PriorityWeight,
		triggeredBy:       "comment:" + string(req.Intent.Type),
		triggerID:         o.takeTrigger(req.ExternalID),
		isReactivation:    count > 0,
		reactivationCount: count,
		sourceBranch:      "main",
		text:              req.Text,
		ragContext:        req.RAGContext,
	})
}

func (o *Orchestrator) loadOrCreateTask(ctx context.Context, ev CommentEvent, text string) (*store.Task, error) {
	task, err := o.store.GetTaskByExternalID(ctx, ev.ExternalID)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load task for item %d: %w", ev.ExternalID, err)
	}

	title := text
	if len(title) > 80 {
		title = title[:80]
	}
	taskID, err := o.store.CreateOrLoadTask(ctx, &store.TaskPayload{
		ExternalID: ev.ExternalID,
		BoardID:    ev.BoardID,
		Title:      title,
		CreatedBy:  ev.Author,
	})
	if err != nil {
		return nil, fmt.Errorf("create task for item %d: %w", ev.ExternalID, err)
	}
	return o.store.GetTask(ctx, taskID)
}

// submit admits the work into the per-item queue and dispatches it.
func (o *Orchestrator) submit(ctx context.Context, sub submission) error {
	sub.queueID = uuid.New().String()
	spec := []byte(fmt.Sprintf("%d|%s", sub.externalID, sub.text))

	switch o.queue.Admit(sub.externalID, sub.queueID, spec) {
	case queue.RejectedDuplicate:
		o.logger.Info("Duplicate request dropped",
			"external_id", sub.externalID, "triggered_by", sub.triggeredBy)
		if sub.triggerID != 0 {
			if err := o.store.MarkTriggerProcessed(ctx, sub.triggerID, nil); err != nil {
				o.logger.Warn("Trigger close failed", "trigger_id", sub.triggerID, "error", err)
			}
		}
		return nil

	case queue.Queued:
		o.mu.Lock()
		o.pending[sub.queueID] = sub
		o.mu.Unlock()
		o.logger.Info("Request queued behind active run",
			"external_id", sub.externalID, "queue_id", sub.queueID)
		return nil

	default: // Admitted
		return o.dispatch(sub)
	}
}

func (o *Orchestrator) dispatch(sub submission) error {
	return o.pool.Submit(sub.weight, func() {
		o.executeRun(context.Background(), sub)
	})
}

// executeRun drives one workflow run end to end and releases the queue slot.
func (o *Orchestrator) executeRun(ctx context.Context, sub submission) {
	logger := o.logger.With("external_id", sub.externalID, "queue_id", sub.queueID)

	runUUID := uuid.New().String()
	triggeredBy := sub.triggeredBy
	runID, err := o.store.StartRun(ctx, sub.taskID, workflowID, runUUID,
		o.cfg.LLM.Provider, sub.reactivationCount, sub.sourceBranch, &triggeredBy)
	if err != nil {
		logger.Error("Run row creation failed", "error", err)
		o.releaseSlot(sub, err)
		return
	}
	logger = logger.With("run_id", runUUID)

	task, err := o.store.GetTask(ctx, sub.taskID)
	if err != nil {
		logger.Error("Task load failed", "error", err)
		o.releaseSlot(sub, err)
		return
	}

	s := engine.NewState(workflowID, runUUID)
	s.Task = task
	s.IsReactivation = sub.isReactivation
	s.ReactivationCount = sub.reactivationCount
	s.SourceBranch = sub.sourceBranch
	s.ReactivationContext = sub.text
	s.TaskContext = sub.ragContext
	if err := s.BindRunIDs(sub.taskID, runID); err != nil {
		logger.Error("Run identity binding failed", "error", err)
		o.releaseSlot(sub, err)
		return
	}
	s.ApplyResults(engine.Results{engine.KeyQueueID: sub.queueID})

	if sub.triggerID != 0 {
		if err := o.store.MarkTriggerProcessed(ctx, sub.triggerID, &runID); err != nil {
			logger.Warn("Trigger link failed", "trigger_id", sub.triggerID, "error", err)
		}
	}

	o.runEngine(ctx, logger, sub, s)
}

// runEngine drives the engine over a prepared state and settles the task,
// metrics, and queue slot afterwards. Shared by fresh runs and resumes.
func (o *Orchestrator) runEngine(ctx context.Context, logger *slog.Logger, sub submission, s *engine.State) {
	if err := o.store.UpdateTaskStatus(ctx, sub.taskID, store.TaskRunning, "Working on it"); err != nil {
		logger.Warn("Task status update failed", "error", err)
	}
	if o.metrics != nil {
		o.metrics.RunsStarted.WithLabelValues(sub.triggeredBy).Inc()
	}

	engOpts := []engine.Option{
		engine.WithGlobalTimeout(o.cfg.Workflow.GlobalTimeout),
		engine.WithNodeTimeout(o.cfg.Workflow.NodeTimeout),
		engine.WithMaxNodes(o.cfg.Workflow.MaxNodesSafetyLimit),
		engine.WithMaxRetries(o.cfg.Workflow.MaxRetryAttempts),
		engine.WithLogger(o.logger),
	}
	for _, sink := range o.sinks {
		engOpts = append(engOpts, engine.WithSink(sink))
	}
	eng := engine.New(o.graph, engine.NewRuntime(o.persister, o.logger), engOpts...)

	started := time.Now()
	runErr := eng.Run(ctx, s)

	internal := store.TaskCompleted
	if runErr != nil {
		internal = store.TaskFailed
	}
	if err := o.store.UpdateTaskStatus(ctx, sub.taskID, internal, nodes.FinalStatus(s)); err != nil {
		logger.Warn("Terminal task status update failed", "error", err)
	}
	if o.metrics != nil {
		o.metrics.RunsCompleted.WithLabelValues(s.Status).Inc()
	}

	logger.Info("Run finished",
		"status", s.Status,
		"duration", time.Since(started).Round(time.Second),
		"nodes", len(s.CompletedNodes))

	o.releaseSlot(sub, runErr)
}

// ResumeInterrupted restarts runs a previous process left in a non-terminal
// status. Runs with a checkpoint continue from it in recovery mode; runs
// that never reached a checkpoint are closed as failed. Called once at
// startup, before the webhook surface accepts traffic.
func (o *Orchestrator) ResumeInterrupted(ctx context.Context) int {
	runs, err := o.store.ListUnfinishedRuns(ctx)
	if err != nil {
		o.logger.Warn("Interrupted-run scan failed", "error", err)
		return 0
	}

	resumed := 0
	for _, run := range runs {
		if o.resumeRun(ctx, run) {
			resumed++
		}
	}
	if resumed > 0 {
		o.logger.Info("Interrupted runs resumed", "count", resumed)
	}
	return resumed
}

func (o *Orchestrator) resumeRun(ctx context.Context, run *store.Run) bool {
	logger := o.logger.With("run_id", run.UUIDRunID, "task_id", run.TaskID)

	blob, err := o.store.GetLatestCheckpoint(ctx, run.ID)
	if err != nil {
		// Died before the first checkpoint; nothing to continue from.
		logger.Warn("Interrupted run has no checkpoint, closing as failed", "error", err)
		o.closeOrphanRun(ctx, run)
		return false
	}

	s, err := engine.RestoreState(blob)
	if err != nil {
		logger.Error("Checkpoint restore failed, closing as failed", "error", err)
		o.closeOrphanRun(ctx, run)
		return false
	}

	task, err := o.store.GetTask(ctx, run.TaskID)
	if err != nil {
		logger.Error("Task load failed, run not resumed", "error", err)
		return false
	}
	s.Task = task
	s.RecoveryMode = true

	sub := submission{
		queueID:     uuid.New().String(),
		taskID:      run.TaskID,
		externalID:  task.ExternalID,
		weight:      task.Priority.Weight(),
		triggeredBy: "recovery",
	}
	spec := []byte(fmt.Sprintf("%d|recovery:%s", sub.externalID, run.UUIDRunID))
	if o.queue.Admit(sub.externalID, sub.queueID, spec) != queue.Admitted {
		logger.Warn("Recovery slot not admitted, run not resumed")
		return false
	}
	s.ApplyResults(engine.Results{engine.KeyQueueID: sub.queueID})

	logger.Info("Resuming interrupted run", "completed_nodes", len(s.CompletedNodes))
	if err := o.pool.Submit(sub.weight, func() {
		o.runEngine(context.Background(), logger, sub, s)
	}); err != nil {
		logger.Error("Recovery dispatch failed", "error", err)
		o.releaseSlot(sub, err)
		return false
	}
	return true
}

// closeOrphanRun finalizes a run that cannot be resumed.
func (o *Orchestrator) closeOrphanRun(ctx context.Context, run *store.Run) {
	if o.persister == nil {
		return
	}
	msg := "interrupted before first checkpoint"
	if err := o.persister.CompleteTaskRun(ctx, run.ID, store.RunFailed, []byte("{}"), &msg); err != nil {
		o.logger.Warn("Orphan run not closed", "run_id", run.UUIDRunID, "error", err)
	}
}

// releaseSlot frees the per-item queue slot and dispatches the promoted
// request, if any. Missing-slot errors are tolerated: the validation node
// may have prompted an early release.
func (o *Orchestrator) releaseSlot(sub submission, runErr error) {
	var next *queue.Request
	var err error
	if runErr != nil {
		next, err = o.queue.MarkFailed(sub.externalID, sub.queueID, runErr.Error())
	} else {
		next, err = o.queue.MarkCompleted(sub.externalID, sub.queueID)
	}
	if err != nil {
		o.logger.Debug("Queue release skipped", "queue_id", sub.queueID, "error", err)
		return
	}
	if next == nil {
		return
	}

	o.mu.Lock()
	promoted, ok := o.pending[next.QueueID]
	delete(o.pending, next.QueueID)
	o.mu.Unlock()
	if !ok {
		o.logger.Warn("Promoted request has no pending submission", "queue_id", next.QueueID)
		return
	}
	if err := o.dispatch(promoted); err != nil {
		o.logger.Error("Promoted request dispatch failed", "queue_id", next.QueueID, "error", err)
	}
}

func (o *Orchestrator) stashTrigger(externalID, triggerID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pendingTriggers[externalID] = triggerID
}

func (o *Orchestrator) takeTrigger(externalID int64) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.pendingTriggers[externalID]
	delete(o.pendingTriggers, externalID)
	return id
}

func (o *Orchestrator) dropTrigger(externalID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pendingTriggers, externalID)
}

// boardPoster adapts the nodes board client to the router's poster surface.
type boardPoster struct {
	board nodes.BoardClient
}

func (p *boardPoster) PostUpdate(ctx context.Context, itemID int64, body string) error {
	if p.board == nil {
		return fmt.Errorf("no board client configured")
	}
	_, err := p.board.PostUpdate(ctx, itemID, body)
	return err
}
