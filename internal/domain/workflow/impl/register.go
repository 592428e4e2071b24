package impl

import "github.com/gaos-systems/apc-coordinator/internal/domain/workflow"

// RegisterAll registers every concrete workflow type this package provides
// against reg. Callers that only need a subset register individually using
// the New*Factory constructors instead.
func RegisterAll(reg *workflow.Registry) {
	reg.Register(workflow.Metadata{
		Name:                         workflow.TypeTaskImplementation,
		RequiresCompleteDependencies: true,
		Factory:                      NewTaskImplementationFactory(),
	})
	reg.Register(workflow.Metadata{
		Name:                         workflow.TypeErrorResolution,
		RequiresCompleteDependencies: false,
		Factory:                      NewErrorResolutionFactory(),
	})
	reg.Register(workflow.Metadata{
		Name:                         workflow.TypeContextGathering,
		RequiresCompleteDependencies: false,
		Factory:                      NewContextGatheringFactory(),
	})
	reg.Register(workflow.Metadata{
		Name:                         workflow.TypePlanningRevision,
		RequiresCompleteDependencies: false,
		Factory:                      NewPlanningRevisionFactory(),
	})
}
