package orchestrator

import (
	"bufio"
	"context"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gpt153/supervisor/pkg/epic"
	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/pkg/spawn"
)

// Verdict markers the validation template instructs agents to print.
const (
	verdictMet    = "CRITERION MET:"
	verdictNotMet = "CRITERION NOT MET:"
)

// validateCriteria spawns one validation subagent per criterion, bounded by
// the orchestrator's concurrency cap. All results are collected before
// returning; result order matches criterion order.
func (o *Orchestrator) validateCriteria(ctx context.Context, req Request, caller *models.ProjectContext, criteria []epic.Criterion) *CriteriaValidation {
	results := make([]CriterionResult, len(criteria))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.validationConcurrency)

	for i, criterion := range criteria {
		g.Go(func() error {
			results[i] = o.validateOne(gctx, req, caller, criterion)
			return nil
		})
	}
	// Validators never return errors; the group is used only for the
	// concurrency bound and the barrier.
	_ = g.Wait()

	allMet := true
	for _, r := range results {
		if !r.Met {
			allMet = false
			break
		}
	}
	return &CriteriaValidation{AllMet: allMet, Results: results}
}

// validateOne runs a single validation spawn under the phase deadline and
// extracts the verdict from the agent's output.
func (o *Orchestrator) validateOne(ctx context.Context, req Request, caller *models.ProjectContext, criterion epic.Criterion) CriterionResult {
	result := CriterionResult{
		Criterion: criterion.Text,
		Section:   criterion.Section,
	}

	phaseCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
	defer cancel()

	spawnResult := o.engine.Spawn(phaseCtx, spawn.Params{
		TaskType:    models.TaskValidation,
		Description: criterion.Text,
		Context: map[string]any{
			"criterion":    criterion.Text,
			"section":      criterion.Section,
			"project_path": req.ProjectPath,
			"project_name": req.ProjectName,
		},
	}, caller)

	if !spawnResult.Success {
		result.Met = false
		result.Evidence = "validation spawn failed: " + spawnResult.Error.Message
	} else {
		result.Met, result.Evidence = parseVerdict(spawnResult.OutputPath)
	}

	eventType := models.EventValidationFailed
	if result.Met {
		eventType = models.EventValidationPassed
	}
	o.logEvent(ctx, callerInstance(caller), eventType, map[string]any{
		"criterion": criterion.Text,
		"section":   criterion.Section,
		"met":       result.Met,
		"evidence":  result.Evidence,
		"agent_id":  spawnResult.AgentID,
	})

	return result
}

// parseVerdict scans the agent's output for the last verdict marker line.
// Output without a verdict counts as unmet: absence of evidence is not
// evidence of acceptance.
func parseVerdict(outputPath string) (met bool, evidence string) {
	f, err := os.Open(outputPath)
	if err != nil {
		return false, "no agent output available"
	}
	defer func() { _ = f.Close() }()

	met = false
	evidence = "no verdict in agent output"
	found := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.Index(line, verdictNotMet); idx >= 0 {
			met = false
			evidence = strings.TrimSpace(line[idx+len(verdictNotMet):])
			found = true
		} else if idx := strings.Index(line, verdictMet); idx >= 0 {
			met = true
			evidence = strings.TrimSpace(line[idx+len(verdictMet):])
			found = true
		}
	}
	if !found {
		return false, evidence
	}
	return met, evidence
}
