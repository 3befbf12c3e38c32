// Package nodes implements the workflow graph nodes and routing rules:
// provision, analyze, implement, test, debug, QA, PR, human validation,
// merge, and board status propagation.
package nodes

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/vydata/taskpilot/browserqa"
	"github.com/vydata/taskpilot/config"
	"github.com/vydata/taskpilot/ghub"
	"github.com/vydata/taskpilot/llm"
	"github.com/vydata/taskpilot/monday"
	"github.com/vydata/taskpilot/notify"
	"github.com/vydata/taskpilot/store"
	"github.com/vydata/taskpilot/validation"
)

// Node names are contracts; routing and recovery reference them.
const (
	NodePrepareEnvironment   = "prepare-environment"
	NodeAnalyzeRequirements  = "analyze-requirements"
	NodeImplementTask        = "implement-task"
	NodeRunTests             = "run-tests"
	NodeDebugCode            = "debug-code"
	NodeQualityAssurance     = "quality-assurance-automation"
	NodeBrowserQA            = "browser-quality-assurance"
	NodeFinalizePR           = "finalize-pr"
	NodeMondayValidation     = "monday-validation"
	NodeOpenAIDebug          = "openai-debug"
	NodeMergeAfterValidation = "merge-after-validation"
	NodeUpdateMonday         = "update-monday"
)

// GitClient is the git surface the nodes drive.
type GitClient interface {
	Clone(ctx context.Context, url, branch, dir string) error
	Checkout(ctx context.Context, dir, branch string, create bool) error
	AddAll(ctx context.Context, dir string) error
	Commit(ctx context.Context, dir, message string) error
	Push(ctx context.Context, dir, branch, remoteURL string) error
	DiffNamesCached(ctx context.Context, dir string) ([]string, error)
	HeadSHA(ctx context.Context, dir string) (string, error)
}

// GitHubClient covers PR lifecycle operations.
type GitHubClient interface {
	CreatePR(ctx context.Context, repo, title, body, head, base string) (*ghub.PullRequest, error)
	MergePR(ctx context.Context, repo string, number int, method, message string) (string, error)
	DeleteBranch(ctx context.Context, repo, branch string) error
}

// BoardClient covers the Monday operations the workflow performs.
type BoardClient interface {
	PostUpdate(ctx context.Context, itemID int64, body string) (string, error)
	PollReplies(ctx context.Context, itemID int64, updateID string) ([]monday.Reply, error)
	SetStatus(ctx context.Context, boardID, itemID int64, columnID, label string) error
}

// TestReport is the outcome of one test command execution.
type TestReport struct {
	Success         bool    `json:"success"`
	TotalTests      int     `json:"total_tests"`
	PassedTests     int     `json:"passed_tests"`
	FailedTests     int     `json:"failed_tests"`
	SkippedTests    int     `json:"skipped_tests"`
	Output          string  `json:"output"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// TestRunner executes the project's test command in a workspace.
type TestRunner interface {
	Run(ctx context.Context, dir string) (*TestReport, error)
}

// QARunner drives the optional browser QA service.
type QARunner interface {
	Enabled() bool
	Run(ctx context.Context, baseURL string) (*browserqa.Report, error)
}

// RunStore is the persistence surface the nodes write through.
type RunStore interface {
	CreatePullRequest(ctx context.Context, pr *store.PullRequest) (int64, error)
	UpdatePullRequestStatus(ctx context.Context, runID int64, status store.PRStatus, mergeCommit *string) error
	UpdateLastMergedPRURL(ctx context.Context, runID int64, url string) error
	LogTestResult(ctx context.Context, res *store.TestResult) error
	LogCodeGeneration(ctx context.Context, gen *store.CodeGeneration) error
	LogLLMInteraction(ctx context.Context, rec *store.LLMInteraction) (int64, error)
}

// ValidationStore covers the human-approval persistence the gate needs.
type ValidationStore interface {
	CreateRequest(ctx context.Context, in validation.CreateInput) (string, bool)
	SubmitResponse(ctx context.Context, validationID string, resp *validation.Response) error
}

// Awaiter blocks on the human decision with reminder/timeout escalation.
type Awaiter interface {
	Await(ctx context.Context, in notify.WaitInput) (*notify.Outcome, error)
}

// QueueController is the slice of the queue manager the nodes touch.
type QueueController interface {
	MarkWaitingValidation(externalID int64, queueID string) error
}

// UserResolver maps an email to a Slack user id for escalations.
type UserResolver interface {
	LookupUserByEmail(ctx context.Context, email string) (string, error)
}

// Deps carries every collaborator a node may use. Nil members degrade the
// corresponding node instead of crashing it, except where noted.
type Deps struct {
	Config      *config.Config
	LLM         *llm.Client
	Store       RunStore
	Validations ValidationStore
	Coordinator Awaiter
	Queue       QueueController
	Users       UserResolver
	Git         GitClient
	GitHub      GitHubClient
	Board       BoardClient
	Tests       TestRunner
	BrowserQA   QARunner
	Logger      *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Deps) cfg() *config.Config {
	if d.Config == nil {
		return config.DefaultConfig()
	}
	return d.Config
}

// mustJSON renders v, degrading to "{}" on marshal failure.
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
