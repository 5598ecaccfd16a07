// Package orchestrator executes epics: sequential implementation spawns with
// per-phase deadlines, followed by bounded-concurrency validation of every
// acceptance criterion.
package orchestrator

import (
	"context"

	"github.com/gpt153/supervisor/pkg/epic"
	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/pkg/spawn"
)

// Spawner launches one subagent and reports its structured result.
// Satisfied by *spawn.Engine.
type Spawner interface {
	Spawn(ctx context.Context, params spawn.Params, caller *models.ProjectContext) *spawn.Result
}

// EventLogger appends events to an instance stream. Satisfied by
// *services.EventService.
type EventLogger interface {
	LogEvent(ctx context.Context, instanceID string, eventType models.EventType, data, metadata map[string]any) error
}

// Phase names used in outcomes and events.
const (
	PhasePrime    = "prime"
	PhasePlan     = "plan"
	PhaseExecute  = "execute"
	PhaseValidate = "validate"
)

// Failure reasons surfaced in Outcome.Reason.
const (
	ReasonEmptyPlan = "EmptyPlan"
	ReasonTimeout   = "Timeout"
	ReasonCancelled = "Cancelled"
)

// Request identifies the epic to execute and where.
type Request struct {
	ProjectName string `json:"project_name"`
	ProjectPath string `json:"project_path"`
	EpicFile    string `json:"epic_file"`
	CreatePR    bool   `json:"create_pr,omitempty"`
}

// CriterionResult is the verdict of one validation spawn.
type CriterionResult struct {
	Criterion string `json:"criterion"`
	Section   string `json:"section"`
	Met       bool   `json:"met"`
	Evidence  string `json:"evidence"`
}

// CriteriaValidation aggregates all criterion verdicts.
type CriteriaValidation struct {
	AllMet  bool              `json:"all_met"`
	Results []CriterionResult `json:"results"`
}

// Outcome is the structured result of an orchestrator run. The orchestrator
// never raises past its caller except on internal faults: failures are
// reported here with the phase and task index that failed.
type Outcome struct {
	Success            bool                `json:"success"`
	Phase              string              `json:"phase,omitempty"`
	TaskIndex          *int                `json:"task_index,omitempty"`
	Reason             string              `json:"reason,omitempty"`
	TasksCompleted     int                 `json:"tasks_completed"`
	CriteriaValidation *CriteriaValidation `json:"criteria_validation,omitempty"`
	PRCreated          bool                `json:"pr_created,omitempty"`
	PRURL              string              `json:"pr_url,omitempty"`
	ParserWarnings     []epic.Warning      `json:"parser_warnings,omitempty"`
}

// PRCreator is the git/PR collaborator invoked only on full success.
type PRCreator interface {
	CreatePR(ctx context.Context, projectPath, title, body string) (url string, err error)
}

// Notifier receives terminal epic outcomes. Optional.
type Notifier interface {
	NotifyEpicOutcome(ctx context.Context, projectName, epicTitle string, success bool, summary string)
}
