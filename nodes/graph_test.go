package nodes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vydata/taskpilot/config"
	"github.com/vydata/taskpilot/engine"
	"github.com/vydata/taskpilot/notify"
	"github.com/vydata/taskpilot/store"
	"github.com/vydata/taskpilot/validation"
)

const (
	analyzeJSON   = `{"summary":"add a contact page","approach":"create contact.html","files_to_touch":["contact.html"]}`
	implementJSON = `{"summary":"added contact page","files":[{"path":"contact.html","content":"<h1>Contact</h1>"}]}`
	debugFixJSON  = `{"summary":"fixed the heading","files":[{"path":"contact.html","content":"<h1>Contact us</h1>"}]}`
)

type scenario struct {
	deps        *Deps
	git         *fakeGit
	github      *fakeGitHub
	board       *fakeBoard
	runs        *fakeRunStore
	validations *fakeValidations
	awaiter     *fakeAwaiter
	tests       *fakeTestRunner
	queue       *fakeQueue
	state       *engine.State
}

func newScenario(t *testing.T, llmResponses ...string) *scenario {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Workflow.WorkspaceRoot = t.TempDir()
	cfg.GitHub.Token = "tok"

	sc := &scenario{
		git:         &fakeGit{},
		github:      &fakeGitHub{},
		board:       &fakeBoard{},
		runs:        &fakeRunStore{},
		validations: &fakeValidations{createOK: true},
		awaiter:     &fakeAwaiter{},
		tests:       &fakeTestRunner{},
		queue:       &fakeQueue{},
	}
	sc.deps = &Deps{
		Config:      cfg,
		LLM:         newScriptedLLM(t, llmResponses...),
		Store:       sc.runs,
		Validations: sc.validations,
		Coordinator: sc.awaiter,
		Queue:       sc.queue,
		Git:         sc.git,
		GitHub:      sc.github,
		Board:       sc.board,
		Tests:       sc.tests,
		BrowserQA:   disabledQA{},
		Logger:      quietLogger(),
	}

	sc.state = engine.NewState("task-workflow", "run-0001")
	sc.state.Task = &store.Task{
		ID:            1,
		ExternalID:    42,
		BoardID:       7,
		Title:         "Ajouter une page contact",
		Description:   "ajoute une page de contact au site",
		RepositoryURL: "https://github.com/acme/demo",
		Priority:      store.PriorityMedium,
		TaskType:      store.TypeFeature,
		CreatedBy:     "marie@acme.dev",
	}
	require.NoError(t, sc.state.BindRunIDs(1, 1))
	sc.state.ApplyResults(engine.Results{engine.KeyQueueID: "q-1"})
	return sc
}

func (sc *scenario) run(t *testing.T) error {
	t.Helper()
	eng := engine.New(BuildGraph(sc.deps), engine.NewRuntime(nil, quietLogger()),
		engine.WithMaxNodes(30),
		engine.WithLogger(quietLogger()))
	return eng.Run(context.Background(), sc.state)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func approvedOutcome() *notify.Outcome {
	return &notify.Outcome{Response: &validation.Response{
		ResponseStatus: validation.StatusApproved,
		ShouldMerge:    true,
		ValidatedBy:    "marie",
	}}
}

func TestWorkflowHappyPath(t *testing.T) {
	sc := newScenario(t, analyzeJSON, implementJSON)
	sc.awaiter.outcomes = []*notify.Outcome{approvedOutcome()}

	require.NoError(t, sc.run(t))

	assert.True(t, sc.state.BoolResult(engine.KeyMergeSuccessful))
	assert.Equal(t, "approved", sc.state.StringResult(engine.KeyHumanDecision))
	assert.Equal(t, 1, sc.github.created)
	assert.Equal(t, 1, sc.github.merged)
	assert.Equal(t, []store.PRStatus{store.PRMerged}, sc.runs.prStatuses)
	assert.Equal(t, []string{"q-1"}, sc.queue.waiting)
	require.NotEmpty(t, sc.board.statuses)
	assert.Equal(t, "Done", sc.board.statuses[len(sc.board.statuses)-1])

	assert.True(t, sc.state.HasCompleted(NodeMergeAfterValidation))
	assert.False(t, sc.state.HasCompleted(NodeDebugCode))
	assert.Len(t, sc.runs.prs, 1)
	assert.Equal(t, "acme/demo", mustPRRepo(t, sc.state))
}

func mustPRRepo(t *testing.T, s *engine.State) string {
	t.Helper()
	pr, ok := s.Results[engine.KeyPRInfo].(map[string]any)
	require.True(t, ok)
	repo, _ := pr["repo"].(string)
	return repo
}

func TestWorkflowDebugLoopRecovers(t *testing.T) {
	sc := newScenario(t, analyzeJSON, implementJSON, debugFixJSON)
	sc.tests.reports = []*TestReport{
		{Success: false, TotalTests: 3, PassedTests: 2, FailedTests: 1, Output: "FAIL contact_test"},
		{Success: true, TotalTests: 3, PassedTests: 3},
	}
	sc.awaiter.outcomes = []*notify.Outcome{approvedOutcome()}

	require.NoError(t, sc.run(t))

	assert.Equal(t, 1, sc.state.IntResult(engine.KeyDebugAttempts))
	assert.True(t, sc.state.HasCompleted(NodeDebugCode))
	assert.True(t, sc.state.BoolResult(engine.KeyMergeSuccessful))
	assert.Len(t, sc.runs.testResults, 2)
}

func TestWorkflowDebugBudgetExhausted(t *testing.T) {
	sc := newScenario(t, analyzeJSON, implementJSON, debugFixJSON)
	sc.tests.reports = []*TestReport{
		{Success: false, TotalTests: 3, PassedTests: 2, FailedTests: 1, Output: "FAIL contact_test"},
	}

	require.NoError(t, sc.run(t))

	// Budget spent, the run still publishes and waits; without approval it
	// lands on the board as in progress.
	assert.Equal(t, 2, sc.state.IntResult(engine.KeyDebugAttempts))
	assert.Equal(t, "timeout", sc.state.StringResult(engine.KeyHumanDecision))
	assert.Equal(t, 0, sc.github.merged)
	assert.Equal(t, 1, sc.github.created)
	assert.Contains(t, sc.state.StringsResult(engine.KeyErrorLogs),
		"Tests échoués après 2 tentatives de debug")
	require.NotEmpty(t, sc.board.statuses)
	assert.Equal(t, "Working on it", sc.board.statuses[len(sc.board.statuses)-1])
}

func TestWorkflowRejectionRetry(t *testing.T) {
	sc := newScenario(t, analyzeJSON, implementJSON)
	sc.awaiter.outcomes = []*notify.Outcome{
		{Response: &validation.Response{
			ResponseStatus:           validation.StatusRejected,
			ShouldRetryWorkflow:      true,
			ModificationInstructions: "utilise un fond bleu",
			RejectionCount:           1,
		}},
		approvedOutcome(),
	}

	require.NoError(t, sc.run(t))

	assert.True(t, sc.state.BoolResult(engine.KeyMergeSuccessful))
	assert.Equal(t, 1, sc.state.IntResult(engine.KeyRejectionCount))
	assert.Equal(t, 2, sc.github.created)
	assert.Equal(t, 1, sc.github.merged)
	assert.Len(t, sc.validations.created, 2)

	noticed := false
	for _, body := range sc.board.posted() {
		if strings.Contains(body, "Reprise de l'implémentation") {
			noticed = true
		}
	}
	assert.True(t, noticed, "expected a reimplementation notice on the thread")
}

func TestWorkflowAutoApproveOnTimeout(t *testing.T) {
	sc := newScenario(t, analyzeJSON, implementJSON)
	sc.awaiter.outcomes = []*notify.Outcome{
		{AutoApproved: true, TimedOut: true, Reason: "timeout with passing tests"},
	}

	require.NoError(t, sc.run(t))

	assert.Equal(t, "approve_auto", sc.state.StringResult(engine.KeyHumanDecision))
	assert.True(t, sc.state.BoolResult(engine.KeyAutoApproved))
	assert.True(t, sc.state.BoolResult(engine.KeyMergeSuccessful))
	require.NotEmpty(t, sc.board.statuses)
	assert.Equal(t, "Done", sc.board.statuses[len(sc.board.statuses)-1])
}

func TestWorkflowFallbackWithoutRepo(t *testing.T) {
	sc := newScenario(t, analyzeJSON, implementJSON)
	sc.git.cloneErr = errors.New("remote unreachable")

	require.NoError(t, sc.run(t))

	assert.True(t, sc.state.BoolResult(engine.KeyFallbackMode))
	assert.True(t, sc.state.BoolResult(engine.KeySkipGitHub))
	assert.Equal(t, "skipped", sc.state.StringResult(engine.KeyHumanDecision))
	assert.Equal(t, 0, sc.github.created)
	require.NotEmpty(t, sc.board.statuses)
	assert.Equal(t, "Stuck", sc.board.statuses[len(sc.board.statuses)-1])
}

func TestWorkflowMergeFailureStillUpdatesBoard(t *testing.T) {
	sc := newScenario(t, analyzeJSON, implementJSON)
	sc.github.mergeErr = errors.New("merge conflict")
	sc.awaiter.outcomes = []*notify.Outcome{approvedOutcome()}

	require.NoError(t, sc.run(t))

	assert.False(t, sc.state.BoolResult(engine.KeyMergeSuccessful))
	require.NotEmpty(t, sc.board.statuses)
	assert.Equal(t, "Working on it", sc.board.statuses[len(sc.board.statuses)-1])
}
