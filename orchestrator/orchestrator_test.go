package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vydata/taskpilot/config"
	"github.com/vydata/taskpilot/engine"
	"github.com/vydata/taskpilot/llm"
	"github.com/vydata/taskpilot/monday"
	"github.com/vydata/taskpilot/nodes"
	"github.com/vydata/taskpilot/queue"
	"github.com/vydata/taskpilot/store"
)

// runRecord captures one StartRun call.
type runRecord struct {
	TaskID            int64
	CorrelationID     string
	ReactivationCount int
	SourceBranch      string
	TriggeredBy       string
}

// memStore is an in-memory TaskStore.
type memStore struct {
	mu          sync.Mutex
	nextTaskID  int64
	nextRunID   int64
	byExternal  map[int64]*store.Task
	byID        map[int64]*store.Task
	runs        []runRecord
	triggers    map[int64]*int64
	processed   map[int64]bool
	statuses    []string
	unfinished  []*store.Run
	checkpoints map[int64]json.RawMessage
	startGate   chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		byExternal:  make(map[int64]*store.Task),
		byID:        make(map[int64]*store.Task),
		triggers:    make(map[int64]*int64),
		processed:   make(map[int64]bool),
		checkpoints: make(map[int64]json.RawMessage),
	}
}

func (m *memStore) CreateOrLoadTask(ctx context.Context, payload *store.TaskPayload) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.byExternal[payload.ExternalID]; ok {
		return task.ID, nil
	}
	m.nextTaskID++
	task := &store.Task{
		ID:          m.nextTaskID,
		ExternalID:  payload.ExternalID,
		BoardID:     payload.BoardID,
		Title:       payload.Title,
		Description: payload.Description,
		Priority:    payload.Priority,
		TaskType:    payload.TaskType,
		CreatedBy:   payload.CreatedBy,
	}
	m.byExternal[payload.ExternalID] = task
	m.byID[task.ID] = task
	return task.ID, nil
}

func (m *memStore) GetTask(ctx context.Context, taskID int64) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.byID[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return task, nil
}

func (m *memStore) GetTaskByExternalID(ctx context.Context, externalID int64) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.byExternal[externalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return task, nil
}

func (m *memStore) UpdateTaskStatus(ctx context.Context, taskID int64, internal store.TaskStatus, external string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, string(internal)+"/"+external)
	return nil
}

func (m *memStore) StartRun(ctx context.Context, taskID int64, workflowID, correlationID, aiProvider string, reactivationCount int, sourceBranch string, triggeredBy *string) (int64, error) {
	if m.startGate != nil {
		<-m.startGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRunID++
	rec := runRecord{
		TaskID:            taskID,
		CorrelationID:     correlationID,
		ReactivationCount: reactivationCount,
		SourceBranch:      sourceBranch,
	}
	if triggeredBy != nil {
		rec.TriggeredBy = *triggeredBy
	}
	m.runs = append(m.runs, rec)
	return m.nextRunID, nil
}

func (m *memStore) CountRuns(ctx context.Context, taskID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.runs {
		if r.TaskID == taskID {
			count++
		}
	}
	return count, nil
}

func (m *memStore) CreateUpdateTrigger(ctx context.Context, taskID int64, updateID, classification string, confidence float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := int64(len(m.triggers) + 1)
	m.triggers[id] = nil
	return id, nil
}

func (m *memStore) MarkTriggerProcessed(ctx context.Context, triggerID int64, triggeredRunID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[triggerID] = triggeredRunID
	m.processed[triggerID] = true
	return nil
}

func (m *memStore) ListUnfinishedRuns(ctx context.Context) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.Run(nil), m.unfinished...), nil
}

func (m *memStore) GetLatestCheckpoint(ctx context.Context, runID int64) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.checkpoints[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return blob, nil
}

func (m *memStore) statusCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.statuses)
}

func (m *memStore) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func (m *memStore) run(i int) runRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[i]
}

// recordingBoard implements nodes.BoardClient.
type recordingBoard struct {
	mu      sync.Mutex
	updates []string
}

func (b *recordingBoard) PostUpdate(ctx context.Context, itemID int64, body string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, body)
	return fmt.Sprintf("u%d", len(b.updates)), nil
}

func (b *recordingBoard) PollReplies(ctx context.Context, itemID int64, updateID string) ([]monday.Reply, error) {
	return nil, nil
}

func (b *recordingBoard) SetStatus(ctx context.Context, boardID, itemID int64, columnID, label string) error {
	return nil
}

func (b *recordingBoard) posted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.updates...)
}

// orchProvider replays canned completions for the orchestrator tests.
type orchProvider struct {
	mu       sync.Mutex
	contents []string
}

func (p *orchProvider) Name() string                 { return "script-orch" }
func (p *orchProvider) BuildURL(base string) string  { return base }
func (p *orchProvider) SetHeaders(req *http.Request) {}

func (p *orchProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	return json.Marshal(map[string]any{"model": model})
}

func (p *orchProvider) ParseResponse(body []byte, model string) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content := p.contents[0]
	if len(p.contents) > 1 {
		p.contents = p.contents[1:]
	}
	return &llm.Response{Content: content, Model: model, FinishReason: "stop"}, nil
}

func scriptedLLM(t *testing.T, contents ...string) *llm.Client {
	t.Helper()
	llm.RegisterProvider(&orchProvider{contents: contents})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	return llm.NewClient([]llm.Endpoint{{Provider: "script-orch", Model: "test", BaseURL: srv.URL}})
}

type fixture struct {
	orch  *Orchestrator
	store *memStore
	board *recordingBoard
	queue *queue.Manager
}

func newFixture(t *testing.T, client *llm.Client) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workers.Count = 1
	cfg.Workflow.WorkspaceRoot = t.TempDir()

	st := newMemStore()
	board := &recordingBoard{}
	qm := queue.NewManager(quietLogger())

	// Git, GitHub, tests and validations are absent on purpose: the graph
	// degrades through its fallback paths and each run finishes fast.
	deps := &nodes.Deps{
		Config: cfg,
		LLM:    client,
		Board:  board,
		Logger: quietLogger(),
	}

	orch := New(cfg, st, qm, deps, WithLogger(quietLogger()))
	return &fixture{orch: orch, store: st, board: board, queue: qm}
}

func TestStatusChangeToActiveStartsRun(t *testing.T) {
	f := newFixture(t, nil)

	err := f.orch.HandleStatusChange(context.Background(), StatusChangeEvent{
		ExternalID: 42,
		BoardID:    7,
		Title:      "Fix login",
		OldStatus:  "",
		NewStatus:  "To-Do",
		ChangedBy:  "marie@acme.dev",
	})
	require.NoError(t, err)
	f.orch.Shutdown()

	require.Equal(t, 1, f.store.runCount())
	rec := f.store.run(0)
	assert.Equal(t, "status_change", rec.TriggeredBy)
	assert.Equal(t, 0, rec.ReactivationCount)
	assert.Equal(t, "main", rec.SourceBranch)
}

func TestStatusChangeToSettledIsIgnored(t *testing.T) {
	f := newFixture(t, nil)

	err := f.orch.HandleStatusChange(context.Background(), StatusChangeEvent{
		ExternalID: 42,
		NewStatus:  "Done",
	})
	require.NoError(t, err)
	f.orch.Shutdown()

	assert.Equal(t, 0, f.store.runCount())
}

func TestReactivationCountsPriorRuns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.orch.HandleStatusChange(ctx, StatusChangeEvent{
		ExternalID: 42, Title: "Fix login", NewStatus: "To-Do",
	}))
	// Let the first run drain before reactivating.
	f.orch.Shutdown()
	f.orch.pool = NewPool(1, nil, quietLogger())

	require.NoError(t, f.orch.HandleStatusChange(ctx, StatusChangeEvent{
		ExternalID: 42, Title: "Fix login again", OldStatus: "Done", NewStatus: "Working on it",
	}))
	f.orch.Shutdown()

	require.Equal(t, 2, f.store.runCount())
	assert.Equal(t, 1, f.store.run(1).ReactivationCount)
}

func TestDuplicateRequestCreatesNoRun(t *testing.T) {
	f := newFixture(t, nil)

	// Another owner already holds the slot with the same request content.
	f.queue.Admit(42, "other-owner", []byte("42|Fix login"))

	err := f.orch.HandleStatusChange(context.Background(), StatusChangeEvent{
		ExternalID: 42,
		Title:      "Fix login",
		NewStatus:  "To-Do",
	})
	require.NoError(t, err)
	f.orch.Shutdown()

	assert.Equal(t, 0, f.store.runCount())
}

func TestCommentQuestionIsAnsweredOnThread(t *testing.T) {
	client := scriptedLLM(t,
		`{"type":"question","confidence":0.95,"requires_workflow":false,"reasoning":"asks about state"}`,
		`La page est déployée en staging depuis hier.`,
	)
	f := newFixture(t, client)
	ctx := context.Background()

	_, err := f.store.CreateOrLoadTask(ctx, &store.TaskPayload{
		ExternalID: 42, Title: "Page contact", CreatedBy: "marie@acme.dev",
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.HandleComment(ctx, CommentEvent{
		ExternalID: 42,
		UpdateID:   "u-100",
		Body:       "@vydata est-ce que la page contact est déployée ?",
		Author:     "marie@acme.dev",
	}))
	f.orch.Shutdown()

	assert.Equal(t, 0, f.store.runCount())
	posted := f.board.posted()
	require.Len(t, posted, 1)
	assert.True(t, strings.HasPrefix(posted[0], "\U0001F916"))
	assert.Contains(t, posted[0], "staging")

	// The trigger closed without a linked run.
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	require.Len(t, f.store.triggers, 1)
	assert.True(t, f.store.processed[1])
	assert.Nil(t, f.store.triggers[1])
}

func TestCommentCommandStartsRun(t *testing.T) {
	client := scriptedLLM(t,
		`{"type":"modification","confidence":0.9,"requires_workflow":true,"extracted_requirements":{"priority":"urgent"}}`,
		`{"summary":"plan"}`,
	)
	f := newFixture(t, client)
	ctx := context.Background()

	_, err := f.store.CreateOrLoadTask(ctx, &store.TaskPayload{
		ExternalID: 42, Title: "Page contact", CreatedBy: "marie@acme.dev",
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.HandleComment(ctx, CommentEvent{
		ExternalID: 42,
		UpdateID:   "u-101",
		Body:       "@vydata change le titre de la page en Contactez-nous",
		Author:     "marie@acme.dev",
	}))
	f.orch.Shutdown()

	require.Equal(t, 1, f.store.runCount())
	assert.Equal(t, "comment:modification", f.store.run(0).TriggeredBy)

	// The trigger links to the run it spawned.
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	require.Len(t, f.store.triggers, 1)
	require.NotNil(t, f.store.triggers[1])
	assert.EqualValues(t, 1, *f.store.triggers[1])
}

func TestCommentFromAgentIsIgnored(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.orch.HandleComment(context.Background(), CommentEvent{
		ExternalID: 42,
		UpdateID:   "u-102",
		Body:       "\U0001F916 Traitement terminé.",
	}))
	f.orch.Shutdown()

	assert.Equal(t, 0, f.store.runCount())
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	assert.Empty(t, f.store.triggers)
}

func TestCommentWithoutMentionIsIgnored(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.orch.HandleComment(context.Background(), CommentEvent{
		ExternalID: 42,
		UpdateID:   "u-103",
		Body:       "on en parle demain en réunion",
	}))
	f.orch.Shutdown()

	assert.Equal(t, 0, f.store.runCount())
}

func TestResumeInterruptedRunFinishesFromCheckpoint(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	taskID, err := f.store.CreateOrLoadTask(ctx, &store.TaskPayload{
		ExternalID: 42, Title: "Page contact", CreatedBy: "marie@acme.dev",
	})
	require.NoError(t, err)

	// A previous process died after monday-validation; only the board
	// update remains.
	s := engine.NewState(workflowID, "run-rec-1")
	require.NoError(t, s.BindRunIDs(taskID, 77))
	s.ApplyResults(engine.Results{
		engine.KeySkipGitHub:    true,
		engine.KeyHumanDecision: "skipped",
		engine.KeyNoTestsFound:  true,
		engine.KeyTestSuccess:   true,
	})
	for _, node := range []string{
		nodes.NodePrepareEnvironment, nodes.NodeAnalyzeRequirements,
		nodes.NodeImplementTask, nodes.NodeRunTests,
		nodes.NodeQualityAssurance, nodes.NodeBrowserQA,
		nodes.NodeFinalizePR, nodes.NodeMondayValidation,
	} {
		s.MarkCompleted(node)
	}
	blob, err := s.Snapshot()
	require.NoError(t, err)

	f.store.mu.Lock()
	f.store.unfinished = []*store.Run{{
		ID: 77, UUIDRunID: "run-rec-1", TaskID: taskID, Status: store.RunRunning,
	}}
	f.store.checkpoints[77] = blob
	f.store.mu.Unlock()

	assert.Equal(t, 1, f.orch.ResumeInterrupted(ctx))
	f.orch.Shutdown()

	// No new run row; the resumed run finished and settled the task.
	assert.Equal(t, 0, f.store.runCount())
	require.GreaterOrEqual(t, f.store.statusCount(), 2)
	f.store.mu.Lock()
	last := f.store.statuses[len(f.store.statuses)-1]
	f.store.mu.Unlock()
	assert.Equal(t, string(store.TaskCompleted)+"/Done", last)
}

func TestResumeWithoutCheckpointClosesRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	taskID, err := f.store.CreateOrLoadTask(ctx, &store.TaskPayload{
		ExternalID: 42, Title: "Page contact", CreatedBy: "marie@acme.dev",
	})
	require.NoError(t, err)

	f.store.mu.Lock()
	f.store.unfinished = []*store.Run{{
		ID: 78, UUIDRunID: "run-rec-2", TaskID: taskID, Status: store.RunRunning,
	}}
	f.store.mu.Unlock()

	assert.Equal(t, 0, f.orch.ResumeInterrupted(ctx))
	f.orch.Shutdown()
	assert.Equal(t, 0, f.store.runCount())
}

func TestQueuedRequestIsPromotedAfterRelease(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.startGate = make(chan struct{})

	require.NoError(t, f.orch.HandleStatusChange(ctx, StatusChangeEvent{
		ExternalID: 42, Title: "Fix login", NewStatus: "To-Do",
	}))
	require.NoError(t, f.orch.HandleStatusChange(ctx, StatusChangeEvent{
		ExternalID: 42, Title: "Fix logout too", NewStatus: "To-Do",
	}))

	close(f.store.startGate)
	// The promoted request is re-dispatched from inside the first run's
	// worker; wait for it before draining the pool.
	assert.Eventually(t, func() bool { return f.store.runCount() == 2 },
		5*time.Second, 10*time.Millisecond)
	f.orch.Shutdown()

	assert.Equal(t, 2, f.store.runCount())
}
