package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/pkg/spawn"
)

// RunPrime runs the research phase as a one-shot spawn: a subagent studies
// the project and epic so later phases start from an informed baseline.
func (o *Orchestrator) RunPrime(ctx context.Context, req Request, caller *models.ProjectContext) *Outcome {
	return o.runSinglePhase(ctx, req, caller, PhasePrime, models.TaskResearch,
		fmt.Sprintf("Study the project and the epic in %s; summarize the current state, relevant modules, and risks before implementation begins.", req.EpicFile))
}

// RunPlan runs the planning phase as a one-shot spawn: a subagent produces or
// refines the epic's implementation notes and acceptance criteria.
func (o *Orchestrator) RunPlan(ctx context.Context, req Request, caller *models.ProjectContext) *Outcome {
	outcome := o.runSinglePhase(ctx, req, caller, PhasePlan, models.TaskPlanning,
		fmt.Sprintf("Produce an ordered implementation plan with acceptance criteria for the epic in %s.", req.EpicFile))
	if outcome.Success {
		o.logEvent(ctx, callerInstance(caller), models.EventEpicPlanned, map[string]any{
			"epic_file": req.EpicFile,
		})
	}
	return outcome
}

// runSinglePhase executes one spawn under the phase deadline with the same
// timeout and logging semantics as the implementation phases, so a caller can
// restart a single failed phase without re-running its predecessors.
func (o *Orchestrator) runSinglePhase(ctx context.Context, req Request, caller *models.ProjectContext, phase string, taskType models.TaskType, description string) *Outcome {
	epicContent := ""
	if data, err := os.ReadFile(req.EpicFile); err == nil {
		epicContent = string(data)
	}

	phaseCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
	defer cancel()

	result := o.engine.Spawn(phaseCtx, spawn.Params{
		TaskType:    taskType,
		Description: description,
		Context: map[string]any{
			"epic_file":    req.EpicFile,
			"epic_content": epicContent,
			"project_path": req.ProjectPath,
			"project_name": req.ProjectName,
		},
	}, caller)

	if result.Success {
		return &Outcome{Success: true, Phase: phase}
	}

	outcome := &Outcome{Success: false, Phase: phase}
	switch result.Error.Kind {
	case spawn.KindTimeout:
		outcome.Reason = ReasonTimeout
	case spawn.KindCancelled:
		outcome.Reason = ReasonCancelled
	default:
		outcome.Reason = result.Error.Message
	}
	return outcome
}
