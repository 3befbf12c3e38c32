// Package engine drives the workflow graph: shared state with per-key merge
// reducers, conditional routing, two-level timeouts, and checkpoint recovery.
package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vydata/taskpilot/store"
)

// Result keys used across nodes. Accumulator keys carry merge semantics;
// everything else is last-write-wins.
const (
	KeyAIMessages      = "ai_messages"
	KeyErrorLogs       = "error_logs"
	KeyModifiedFiles   = "modified_files"
	KeyTestResults     = "test_results"
	KeyDebugAttempts   = "debug_attempts"
	KeyHumanDebugTries = "human_debug_attempts"

	KeyRequirementsAnalysis = "requirements_analysis"
	KeyCodeChanges          = "code_changes"
	KeyPRInfo               = "pr_info"
	KeyTestSuccess          = "test_success"
	KeyImplementSuccess     = "implementation_success"
	KeyShouldMerge          = "should_merge"
	KeyHumanDecision        = "human_decision"
	KeyMergeSuccessful      = "merge_successful"
	KeyMondayFinalStatus    = "monday_final_status"
	KeyReimplement          = "reimplement_with_modifications"
	KeyRejectionCount       = "rejection_count"
	KeyModInstructions      = "modification_instructions"
	KeyShouldRetryWorkflow  = "should_retry_workflow"
	KeyWorkflowTerminated   = "workflow_terminated"
	KeyQueueID              = "queue_id"
	KeyValidationID         = "validation_id"
	KeyOpenAIDebugDone      = "openai_debug_completed"
	KeyOpenAIDebugFailed    = "openai_debug_failed"
	KeyTriggerReimplement   = "trigger_reimplementation"
	KeyDebugLimitReached    = "debug_limit_reached"
	KeyNoTestsFound         = "no_tests_found"
	KeyHumanOverride        = "human_override"
	KeyHumanOverrideIssues  = "human_override_issues"
	KeyQualityAssurance     = "quality_assurance"
	KeyBrowserQA            = "browser_qa"
	KeyFallbackMode         = "fallback_mode"
	KeyBranchName           = "branch_name"
	KeySkipGitHub           = "skip_github"
	KeyReimplMessagePosted  = "reimplementation_message_posted"
	KeyHumanValidationState = "human_validation_status"
	KeyAutoApproved         = "auto_approved"
)

// Results is the per-node output delta merged into State.Results.
type Results map[string]any

// Reducer merges a new value into an existing one for a given key.
type Reducer func(old, incoming any) any

// reducers holds the accumulator semantics. Keys without an entry are
// last-write-wins.
var reducers = map[string]Reducer{
	KeyAIMessages:    appendStrings,
	KeyErrorLogs:     appendStrings,
	KeyTestResults:   appendAny,
	KeyModifiedFiles: unionStrings,
}

func toStrings(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []string:
		return val
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", val)}
	}
}

func appendStrings(old, incoming any) any {
	prev := toStrings(old)
	out := make([]string, 0, len(prev)+1)
	out = append(out, prev...)
	return append(out, toStrings(incoming)...)
}

func appendAny(old, incoming any) any {
	var out []any
	switch val := old.(type) {
	case nil:
	case []any:
		out = val
	default:
		out = []any{val}
	}
	switch val := incoming.(type) {
	case nil:
	case []any:
		out = append(out, val...)
	default:
		out = append(out, val)
	}
	return out
}

func unionStrings(old, incoming any) any {
	seen := make(map[string]bool)
	out := []string{}
	for _, s := range toStrings(old) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range toStrings(incoming) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// State is the payload threaded through the graph. One State per run; the
// engine owns it and nodes mutate it only through their returned Results.
type State struct {
	WorkflowID string      `json:"workflow_id"`
	Task       *store.Task `json:"task,omitempty"`
	RunID      string      `json:"run_id"`
	StepID     int64       `json:"step_id"`

	// DBTaskID and DBRunID are write-once; see BindRunIDs.
	DBTaskID int64 `json:"db_task_id"`
	DBRunID  int64 `json:"db_run_id"`

	Status         string   `json:"status"`
	CurrentNode    string   `json:"current_node"`
	CompletedNodes []string `json:"completed_nodes"`
	Results        Results  `json:"results"`

	IsReactivation      bool   `json:"is_reactivation"`
	ReactivationCount   int    `json:"reactivation_count"`
	SourceBranch        string `json:"source_branch"`
	ReactivationContext string `json:"reactivation_context,omitempty"`

	UserLanguage    string `json:"user_language,omitempty"`
	ProjectLanguage string `json:"project_language,omitempty"`
	TaskContext     string `json:"task_context,omitempty"`
	WorkingDir      string `json:"working_dir,omitempty"`

	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at,omitempty"`
	NodeRetryCount map[string]int `json:"node_retry_count,omitempty"`
	RecoveryMode   bool           `json:"recovery_mode"`
	CheckpointData Results        `json:"checkpoint_data,omitempty"`
}

// NewState creates a run state with initialized containers.
func NewState(workflowID, correlationID string) *State {
	return &State{
		WorkflowID:     workflowID,
		RunID:          correlationID,
		Status:         "running",
		Results:        Results{},
		NodeRetryCount: map[string]int{},
		StartedAt:      time.Now().UTC(),
	}
}

// BindRunIDs records the database identifiers exactly once. Later calls with
// different values are rejected so a run can never silently change identity.
func (s *State) BindRunIDs(taskID, runID int64) error {
	if s.DBTaskID != 0 && s.DBTaskID != taskID {
		return fmt.Errorf("db task id already bound to %d", s.DBTaskID)
	}
	if s.DBRunID != 0 && s.DBRunID != runID {
		return fmt.Errorf("db run id already bound to %d", s.DBRunID)
	}
	s.DBTaskID = taskID
	s.DBRunID = runID
	return nil
}

// ApplyResults merges a node's output delta into the state using the
// registered per-key reducers.
func (s *State) ApplyResults(delta Results) {
	if s.Results == nil {
		s.Results = Results{}
	}
	for key, incoming := range delta {
		if reduce, ok := reducers[key]; ok {
			s.Results[key] = reduce(s.Results[key], incoming)
			continue
		}
		s.Results[key] = incoming
	}
}

// MarkCompleted appends a node to the completion list. A retried node's
// second appearance supersedes the first.
func (s *State) MarkCompleted(node string) {
	out := s.CompletedNodes[:0]
	for _, n := range s.CompletedNodes {
		if n != node {
			out = append(out, n)
		}
	}
	s.CompletedNodes = append(out, node)
}

// HasCompleted reports whether a node already ran in this state.
func (s *State) HasCompleted(node string) bool {
	for _, n := range s.CompletedNodes {
		if n == node {
			return true
		}
	}
	return false
}

// Accessors with type coercion. Nodes exchange loosely typed results; these
// keep the reads total.

// BoolResult reads a boolean result key.
func (s *State) BoolResult(key string) bool {
	v, ok := s.Results[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IntResult reads an integer result key, accepting float64 from JSON.
func (s *State) IntResult(key string) int {
	switch v := s.Results[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// StringResult reads a string result key.
func (s *State) StringResult(key string) string {
	v, _ := s.Results[key].(string)
	return v
}

// StringsResult reads a string-list result key in any upstream shape.
func (s *State) StringsResult(key string) []string {
	return toStrings(s.Results[key])
}

// LastTestResult returns the most recent test-result record, or nil.
func (s *State) LastTestResult() map[string]any {
	records, ok := s.Results[KeyTestResults].([]any)
	if !ok || len(records) == 0 {
		return nil
	}
	last, _ := records[len(records)-1].(map[string]any)
	return last
}

// Snapshot serializes the state for checkpointing and retry restore.
func (s *State) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}
	return data, nil
}

// RestoreState rebuilds a state from a snapshot.
func RestoreState(blob json.RawMessage) (*State, error) {
	var s State
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	if s.Results == nil {
		s.Results = Results{}
	}
	if s.NodeRetryCount == nil {
		s.NodeRetryCount = map[string]int{}
	}
	return &s, nil
}
