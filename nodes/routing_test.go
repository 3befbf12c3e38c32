package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vydata/taskpilot/engine"
)

func stateWith(results engine.Results) *engine.State {
	s := engine.NewState("wf", "r1")
	s.ApplyResults(results)
	return s
}

func TestShouldDebug(t *testing.T) {
	router := ShouldDebug(2)

	tests := []struct {
		name    string
		results engine.Results
		want    string
	}{
		{"no test record", engine.Results{}, RouteContinue},
		{"no tests found", engine.Results{
			engine.KeyNoTestsFound: true,
			engine.KeyTestResults:  map[string]any{"success": false},
		}, RouteContinue},
		{"tests passed", engine.Results{
			engine.KeyTestResults: map[string]any{"success": true},
		}, RouteContinue},
		{"tests failed under budget", engine.Results{
			engine.KeyTestResults: map[string]any{"success": false},
		}, RouteDebug},
		{"tests failed at budget", engine.Results{
			engine.KeyTestResults:   map[string]any{"success": false},
			engine.KeyDebugAttempts: 2,
		}, RouteContinue},
		{"latest run wins over earlier failure", engine.Results{
			engine.KeyTestResults: []any{
				map[string]any{"success": false},
				map[string]any{"success": true},
			},
		}, RouteContinue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, router(stateWith(tt.results)))
		})
	}
}

func TestAfterValidation(t *testing.T) {
	tests := []struct {
		name    string
		results engine.Results
		want    string
	}{
		{"approved merges", engine.Results{
			engine.KeyHumanDecision: "approved",
		}, RouteMerge},
		{"auto approval merges", engine.Results{
			engine.KeyHumanDecision: "approve_auto",
		}, RouteMerge},
		{"approval wins over recorded errors", engine.Results{
			engine.KeyHumanDecision: "approved",
			engine.KeyErrorLogs:     "something went sideways",
			engine.KeyHumanOverride: true,
		}, RouteMerge},
		{"abandoned ends the run", engine.Results{
			engine.KeyHumanDecision: "abandoned",
		}, RouteEnd},
		{"timeout updates the board", engine.Results{
			engine.KeyHumanDecision: "timeout",
		}, RouteUpdateBoard},
		{"rejection updates the board", engine.Results{
			engine.KeyHumanDecision: "rejected",
		}, RouteUpdateBoard},
		{"rejection with instructions reimplements", engine.Results{
			engine.KeyHumanDecision:  "rejected-with-retry",
			engine.KeyRejectionCount: 1,
		}, RouteImplement},
		{"last allowed rejection reimplements", engine.Results{
			engine.KeyHumanDecision:  "rejected-with-retry",
			engine.KeyRejectionCount: 2,
		}, RouteImplement},
		{"rejection retries exhausted at the bound", engine.Results{
			engine.KeyHumanDecision:  "rejected-with-retry",
			engine.KeyRejectionCount: 3,
		}, RouteUpdateBoard},
		{"rejection retries exhausted", engine.Results{
			engine.KeyHumanDecision:  "rejected-with-retry",
			engine.KeyRejectionCount: 4,
		}, RouteUpdateBoard},
		{"debug request escalates", engine.Results{
			engine.KeyHumanDecision: "debug",
		}, RouteDebug},
		{"nothing published skips straight to the board", engine.Results{
			engine.KeyHumanDecision: "approved",
			engine.KeySkipGitHub:    true,
		}, RouteUpdateBoard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AfterValidation(stateWith(tt.results)))
		})
	}
}

func TestAfterOpenAIDebug(t *testing.T) {
	tests := []struct {
		name    string
		results engine.Results
		want    string
	}{
		{"reimplementation requested", engine.Results{
			engine.KeyTriggerReimplement: true,
		}, RouteImplement},
		{"budget exhausted", engine.Results{
			engine.KeyDebugLimitReached: true,
		}, RouteUpdateBoard},
		{"debug itself failed", engine.Results{
			engine.KeyOpenAIDebugFailed: true,
		}, RouteUpdateBoard},
		{"patched files go back to tests", engine.Results{
			engine.KeyOpenAIDebugDone: true,
		}, RouteRetest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AfterOpenAIDebug(stateWith(tt.results)))
		})
	}
}

func TestFinalStatus(t *testing.T) {
	tests := []struct {
		name    string
		results engine.Results
		want    string
	}{
		{"merge wins", engine.Results{
			engine.KeyMergeSuccessful: true,
			engine.KeyErrorLogs:       "an earlier hiccup",
		}, "Done"},
		{"explicit override", engine.Results{
			engine.KeyMondayFinalStatus: "Quality Check",
		}, "Quality Check"},
		{"open pr without merge", engine.Results{
			engine.KeyPRInfo: map[string]any{"number": 7},
		}, "Working on it"},
		{"errors without pr", engine.Results{
			engine.KeyErrorLogs: "clone failed",
		}, "Stuck"},
		{"clean run", engine.Results{}, "Done"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FinalStatus(stateWith(tt.results)))
		})
	}
}
