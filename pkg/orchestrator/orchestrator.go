package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gpt153/supervisor/pkg/epic"
	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/pkg/spawn"
)

// Orchestrator drives the epic state machine:
//
//	LOADED → IMPLEMENTING (task i) → … → VALIDATING → DONE
//	                        ↘ FAILED (phase, task i, reason)
type Orchestrator struct {
	engine   Spawner
	events   EventLogger
	pr       PRCreator // nil: PR creation disabled
	notifier Notifier  // nil: notifications disabled

	phaseTimeout          time.Duration
	validationConcurrency int
}

// New creates an Orchestrator. pr and notifier may be nil.
func New(engine Spawner, events EventLogger, pr PRCreator, notifier Notifier, phaseTimeout time.Duration, validationConcurrency int) *Orchestrator {
	return &Orchestrator{
		engine:                engine,
		events:                events,
		pr:                    pr,
		notifier:              notifier,
		phaseTimeout:          phaseTimeout,
		validationConcurrency: validationConcurrency,
	}
}

// ImplementEpic runs the full state machine: every implementation note in
// order, then every acceptance criterion validated. Cancelling ctx cancels
// only the spawn in flight; completed phases are preserved and the run is
// restartable via RunExecute.
func (o *Orchestrator) ImplementEpic(ctx context.Context, req Request, caller *models.ProjectContext) *Outcome {
	return o.run(ctx, req, caller, 0)
}

// RunExecute restarts the implementation phase from the given task index
// (0-based), carrying the earlier notes as completed, then resumes
// validation. RunExecute(ctx, req, caller, 0) is equivalent to ImplementEpic.
func (o *Orchestrator) RunExecute(ctx context.Context, req Request, caller *models.ProjectContext, fromTask int) *Outcome {
	if fromTask < 0 {
		fromTask = 0
	}
	return o.run(ctx, req, caller, fromTask)
}

func (o *Orchestrator) run(ctx context.Context, req Request, caller *models.ProjectContext, fromTask int) *Outcome {
	log := slog.With("project", req.ProjectName, "epic_file", req.EpicFile)

	// LOADED
	doc, warnings, err := epic.ParseFile(req.EpicFile)
	if err != nil {
		return &Outcome{Success: false, Phase: PhaseExecute, Reason: err.Error()}
	}
	if len(doc.ImplementationNotes) == 0 {
		// Nothing to do: fail before any spawn.
		return &Outcome{Success: false, Phase: PhaseExecute, Reason: ReasonEmptyPlan, ParserWarnings: warnings}
	}
	if fromTask >= len(doc.ImplementationNotes) {
		fromTask = len(doc.ImplementationNotes)
	}

	epicContent := doc.Serialize()
	instanceID := callerInstance(caller)
	o.logEvent(ctx, instanceID, models.EventEpicStarted, map[string]any{
		"epic_id":    doc.ID,
		"epic_title": doc.Title,
		"tasks":      len(doc.ImplementationNotes),
		"from_task":  fromTask,
	})

	log.Info("Epic loaded",
		"epic_title", doc.Title,
		"tasks", len(doc.ImplementationNotes),
		"criteria", len(doc.AcceptanceCriteria),
		"from_task", fromTask)

	// IMPLEMENTING: strictly sequential, one deadline per phase.
	completed := doc.ImplementationNotes[:fromTask]
	for i := fromTask; i < len(doc.ImplementationNotes); i++ {
		note := doc.ImplementationNotes[i]
		outcome := o.runImplementationTask(ctx, req, caller, doc, epicContent, note, i, completed)
		if outcome != nil {
			outcome.TasksCompleted = i
			outcome.ParserWarnings = warnings
			o.finishFailed(ctx, instanceID, req, doc, outcome)
			return outcome
		}
		completed = doc.ImplementationNotes[:i+1]
	}

	// VALIDATING: concurrent, bounded, all results collected before DONE.
	validation := o.validateCriteria(ctx, req, caller, doc.AcceptanceCriteria)

	outcome := &Outcome{
		Success:            validation.AllMet,
		TasksCompleted:     len(doc.ImplementationNotes),
		CriteriaValidation: validation,
		ParserWarnings:     warnings,
	}
	if !validation.AllMet {
		outcome.Phase = PhaseValidate
		outcome.Reason = fmt.Sprintf("%d of %d criteria unmet", countUnmet(validation), len(validation.Results))
		o.finishFailed(ctx, instanceID, req, doc, outcome)
		return outcome
	}

	// DONE: PR only on full success.
	if req.CreatePR && o.pr != nil {
		url, err := o.pr.CreatePR(ctx, req.ProjectPath,
			fmt.Sprintf("Epic %s: %s", doc.ID, doc.Title),
			epicContent)
		if err != nil {
			log.Error("PR creation failed after successful epic", "error", err)
		} else {
			outcome.PRCreated = true
			outcome.PRURL = url
			o.logEvent(ctx, instanceID, models.EventPRCreated, map[string]any{
				"epic_id": doc.ID,
				"pr_url":  url,
			})
		}
	}

	o.logEvent(ctx, instanceID, models.EventEpicCompleted, map[string]any{
		"epic_id":         doc.ID,
		"tasks_completed": outcome.TasksCompleted,
	})
	o.notify(ctx, req.ProjectName, doc.Title, true, fmt.Sprintf("%d tasks, %d criteria met", outcome.TasksCompleted, len(validation.Results)))
	log.Info("Epic completed", "tasks_completed", outcome.TasksCompleted)
	return outcome
}

// runImplementationTask spawns one implementation subagent under the phase
// deadline. Returns nil on success, or the failure outcome.
func (o *Orchestrator) runImplementationTask(ctx context.Context, req Request, caller *models.ProjectContext, doc *epic.Epic, epicContent, note string, index int, completed []string) *Outcome {
	phaseCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
	defer cancel()

	taskIndex := index
	result := o.engine.Spawn(phaseCtx, spawn.Params{
		TaskType:    models.TaskImplementation,
		Description: note,
		Context: map[string]any{
			"epic_file":       req.EpicFile,
			"epic_content":    epicContent,
			"current_task":    note,
			"task_index":      index,
			"completed_tasks": append([]string(nil), completed...),
			"project_path":    req.ProjectPath,
			"project_name":    req.ProjectName,
		},
	}, caller)

	if result.Success {
		return nil
	}

	switch result.Error.Kind {
	case spawn.KindTimeout:
		// The engine already marked the spawn stalled and the adapter
		// escalated SIGTERM→SIGKILL.
		return &Outcome{Success: false, Phase: PhaseExecute, TaskIndex: &taskIndex, Reason: ReasonTimeout}
	case spawn.KindCancelled:
		return &Outcome{Success: false, Phase: PhaseExecute, TaskIndex: &taskIndex, Reason: ReasonCancelled}
	default:
		return &Outcome{
			Success:   false,
			Phase:     PhaseExecute,
			TaskIndex: &taskIndex,
			Reason:    fmt.Sprintf("TaskFailed: %s", result.Error.Message),
		}
	}
}

// finishFailed emits the terminal failure event and notification.
func (o *Orchestrator) finishFailed(ctx context.Context, instanceID string, req Request, doc *epic.Epic, outcome *Outcome) {
	o.logEvent(ctx, instanceID, models.EventEpicFailed, map[string]any{
		"epic_id":    doc.ID,
		"phase":      outcome.Phase,
		"task_index": outcome.TaskIndex,
		"reason":     outcome.Reason,
	})
	o.notify(ctx, req.ProjectName, doc.Title, false, outcome.Reason)
}

// logEvent appends to the caller's stream, tolerating failures.
func (o *Orchestrator) logEvent(ctx context.Context, instanceID string, eventType models.EventType, data map[string]any) {
	if err := o.events.LogEvent(ctx, instanceID, eventType, data, nil); err != nil {
		slog.Warn("Failed to log orchestrator event",
			"instance_id", instanceID, "event_type", eventType, "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, project, title string, success bool, summary string) {
	if o.notifier == nil {
		return
	}
	o.notifier.NotifyEpicOutcome(ctx, project, title, success, summary)
}

func callerInstance(caller *models.ProjectContext) string {
	if caller != nil && caller.InstanceID != "" {
		return caller.InstanceID
	}
	return models.AnonymousInstanceID
}

func countUnmet(v *CriteriaValidation) int {
	n := 0
	for _, r := range v.Results {
		if !r.Met {
			n++
		}
	}
	return n
}
