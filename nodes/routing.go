package nodes

import (
	"github.com/vydata/taskpilot/engine"
)

// Routing labels. Targets are bound in BuildGraph.
const (
	RouteContinue    = "continue"
	RouteDebug       = "debug"
	RouteMerge       = "merge"
	RouteUpdateBoard = "update-monday"
	RouteImplement   = "implement"
	RouteRetest      = "retest"
	RouteEnd         = "end"
)

// ShouldDebug decides after run-tests: loop into debugging on failure until
// the attempt budget is spent, then continue with what exists.
func ShouldDebug(maxAttempts int) engine.RouterFunc {
	return func(s *engine.State) string {
		if s.BoolResult(engine.KeyNoTestsFound) {
			return RouteContinue
		}
		last := s.LastTestResult()
		if last == nil {
			return RouteContinue
		}
		if passed, _ := last["success"].(bool); passed {
			return RouteContinue
		}
		if s.IntResult(engine.KeyDebugAttempts) >= maxAttempts {
			return RouteContinue
		}
		return RouteDebug
	}
}

// AfterValidation maps the human decision to the next node. Human approval
// always reaches the merge, even when automated signals disagree.
func AfterValidation(s *engine.State) string {
	if s.BoolResult(engine.KeySkipGitHub) {
		return RouteUpdateBoard
	}

	decision := s.StringResult(engine.KeyHumanDecision)
	if decision == "approve_auto" {
		decision = "approved"
	}

	switch decision {
	case "approved":
		return RouteMerge
	case "abandoned":
		return RouteEnd
	case "debug":
		return RouteDebug
	case "rejected-with-retry":
		if s.IntResult(engine.KeyRejectionCount) < maxRejectionRetries {
			return RouteImplement
		}
		return RouteUpdateBoard
	default:
		// rejected, timeout, skipped, error
		return RouteUpdateBoard
	}
}

// AfterOpenAIDebug decides what follows the escalated debug pass.
func AfterOpenAIDebug(s *engine.State) string {
	if s.BoolResult(engine.KeyTriggerReimplement) {
		return RouteImplement
	}
	if s.BoolResult(engine.KeyDebugLimitReached) || s.BoolResult(engine.KeyOpenAIDebugFailed) {
		return RouteUpdateBoard
	}
	return RouteRetest
}
