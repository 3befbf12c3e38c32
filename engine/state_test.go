package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyResultsAccumulators(t *testing.T) {
	s := NewState("wf", "run-1")

	s.ApplyResults(Results{
		KeyAIMessages:    "analyzing requirements",
		KeyErrorLogs:     []string{"warning: no lockfile"},
		KeyModifiedFiles: []string{"main.txt"},
		KeyTestResults:   map[string]any{"success": true, "total_tests": 3},
	})
	s.ApplyResults(Results{
		KeyAIMessages:    []string{"implementing", "running tests"},
		KeyModifiedFiles: []string{"main.txt", "README.md"},
		KeyTestResults:   map[string]any{"success": false, "total_tests": 5},
	})

	assert.Equal(t, []string{"analyzing requirements", "implementing", "running tests"},
		s.StringsResult(KeyAIMessages))
	assert.Equal(t, []string{"warning: no lockfile"}, s.StringsResult(KeyErrorLogs))
	// Union semantics: no duplicate for main.txt.
	assert.Equal(t, []string{"main.txt", "README.md"}, s.StringsResult(KeyModifiedFiles))

	records := s.Results[KeyTestResults].([]any)
	assert.Len(t, records, 2)
	last := s.LastTestResult()
	require.NotNil(t, last)
	assert.Equal(t, false, last["success"])
}

func TestApplyResultsLastWriteWins(t *testing.T) {
	s := NewState("wf", "run-1")

	s.ApplyResults(Results{KeyDebugAttempts: 1, KeyHumanDecision: "pending"})
	s.ApplyResults(Results{KeyDebugAttempts: 2, KeyHumanDecision: "approved"})

	assert.Equal(t, 2, s.IntResult(KeyDebugAttempts))
	assert.Equal(t, "approved", s.StringResult(KeyHumanDecision))
}

func TestMarkCompletedDeduplicatesRetries(t *testing.T) {
	s := NewState("wf", "run-1")

	s.MarkCompleted("prepare-environment")
	s.MarkCompleted("run-tests")
	s.MarkCompleted("debug-code")
	// The retried node's second appearance supersedes the first.
	s.MarkCompleted("run-tests")

	assert.Equal(t, []string{"prepare-environment", "debug-code", "run-tests"}, s.CompletedNodes)
	assert.True(t, s.HasCompleted("run-tests"))
	assert.False(t, s.HasCompleted("finalize-pr"))
}

func TestBindRunIDsIsWriteOnce(t *testing.T) {
	s := NewState("wf", "run-1")

	require.NoError(t, s.BindRunIDs(11, 22))
	assert.Equal(t, int64(11), s.DBTaskID)
	assert.Equal(t, int64(22), s.DBRunID)

	// Rebinding the same values is a no-op.
	require.NoError(t, s.BindRunIDs(11, 22))

	assert.Error(t, s.BindRunIDs(99, 22))
	assert.Error(t, s.BindRunIDs(11, 99))
	assert.Equal(t, int64(11), s.DBTaskID)
	assert.Equal(t, int64(22), s.DBRunID)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewState("wf", "run-1")
	require.NoError(t, s.BindRunIDs(1, 2))
	s.ApplyResults(Results{
		KeyModifiedFiles: []string{"a.go"},
		KeyDebugAttempts: 1,
	})
	s.MarkCompleted("implement-task")

	blob, err := s.Snapshot()
	require.NoError(t, err)

	restored, err := RestoreState(blob)
	require.NoError(t, err)
	assert.Equal(t, int64(2), restored.DBRunID)
	assert.Equal(t, []string{"a.go"}, restored.StringsResult(KeyModifiedFiles))
	assert.Equal(t, 1, restored.IntResult(KeyDebugAttempts))
	assert.True(t, restored.HasCompleted("implement-task"))
}

func TestStringsResultCoercesShapes(t *testing.T) {
	s := NewState("wf", "run-1")

	s.Results["single"] = "main.txt"
	s.Results["mixed"] = []any{"a.go", "", 3}
	assert.Equal(t, []string{"main.txt"}, s.StringsResult("single"))
	assert.Equal(t, []string{"a.go"}, s.StringsResult("mixed"))
	assert.Empty(t, s.StringsResult("absent"))
}
