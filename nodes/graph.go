package nodes

import (
	"github.com/vydata/taskpilot/engine"
)

// BuildGraph wires the full task workflow:
//
//	prepare -> analyze -> implement -> run-tests
//	run-tests -> debug-code -> run-tests        (bounded loop)
//	run-tests -> qa -> browser-qa -> finalize-pr -> monday-validation
//	monday-validation -> merge | update-monday | openai-debug | implement | end
//	openai-debug -> implement | run-tests | update-monday
//	merge -> update-monday -> end
func BuildGraph(deps *Deps) *engine.Graph {
	cfg := deps.cfg()

	g := engine.NewGraph().
		AddNode(NodePrepareEnvironment, PrepareEnvironment(deps)).
		AddNode(NodeAnalyzeRequirements, AnalyzeRequirements(deps)).
		AddNode(NodeImplementTask, ImplementTask(deps)).
		AddNode(NodeRunTests, RunTests(deps)).
		AddNode(NodeDebugCode, DebugCode(deps)).
		AddNode(NodeQualityAssurance, QualityAssurance(deps)).
		AddNode(NodeBrowserQA, BrowserQualityAssurance(deps)).
		AddNode(NodeFinalizePR, FinalizePR(deps)).
		AddNode(NodeMondayValidation, MondayValidation(deps)).
		AddNode(NodeOpenAIDebug, OpenAIDebug(deps)).
		AddNode(NodeMergeAfterValidation, MergeAfterValidation(deps)).
		AddNode(NodeUpdateMonday, UpdateMonday(deps)).
		SetStart(NodePrepareEnvironment)

	g.AddEdge(NodePrepareEnvironment, NodeAnalyzeRequirements)
	g.AddEdge(NodeAnalyzeRequirements, NodeImplementTask)
	g.AddEdge(NodeImplementTask, NodeRunTests)
	g.AddEdge(NodeDebugCode, NodeRunTests)
	g.AddEdge(NodeQualityAssurance, NodeBrowserQA)
	g.AddEdge(NodeBrowserQA, NodeFinalizePR)
	g.AddEdge(NodeFinalizePR, NodeMondayValidation)
	g.AddEdge(NodeMergeAfterValidation, NodeUpdateMonday)
	g.AddEdge(NodeUpdateMonday, engine.End)

	g.AddConditional(NodeRunTests, ShouldDebug(cfg.Workflow.MaxDebugAttempts), map[string]string{
		RouteContinue: NodeQualityAssurance,
		RouteDebug:    NodeDebugCode,
	})
	g.AddConditional(NodeMondayValidation, AfterValidation, map[string]string{
		RouteMerge:       NodeMergeAfterValidation,
		RouteUpdateBoard: NodeUpdateMonday,
		RouteDebug:       NodeOpenAIDebug,
		RouteImplement:   NodeImplementTask,
		RouteEnd:         engine.End,
	})
	g.AddConditional(NodeOpenAIDebug, AfterOpenAIDebug, map[string]string{
		RouteImplement:   NodeImplementTask,
		RouteRetest:      NodeRunTests,
		RouteUpdateBoard: NodeUpdateMonday,
	})

	return g
}
