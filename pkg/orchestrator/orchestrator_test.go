package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/pkg/spawn"
)

const testEpic = `# Epic 7: Hello

## Implementation Notes

1. Create src/hello.ts exporting hello()
2. Add test tests/hello.spec.ts

## Acceptance Criteria

- [ ] hello.ts exists
- [ ] tests pass
`

// fakeSpawner scripts spawn results per task type and records every call.
type fakeSpawner struct {
	mu    sync.Mutex
	t     *testing.T
	dir   string
	calls []spawn.Params

	// implResults is consumed in order by implementation spawns.
	implResults []*spawn.Result
	// verdicts maps criterion text → verdict line written to the output file.
	verdicts map[string]string
}

func (f *fakeSpawner) Spawn(_ context.Context, params spawn.Params, _ *models.ProjectContext) *spawn.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)

	switch params.TaskType {
	case models.TaskImplementation, models.TaskResearch, models.TaskPlanning:
		require.NotEmpty(f.t, f.implResults, "unexpected extra spawn for %q", params.Description)
		result := f.implResults[0]
		f.implResults = f.implResults[1:]
		return result
	case models.TaskValidation:
		verdict, ok := f.verdicts[params.Description]
		if !ok {
			verdict = "CRITERION NOT MET: no verdict scripted"
		}
		out := filepath.Join(f.dir, fmt.Sprintf("verdict-%d.log", len(f.calls)))
		require.NoError(f.t, os.WriteFile(out, []byte("agent noise\n"+verdict+"\n"), 0o600))
		return &spawn.Result{Success: true, AgentID: "fake", OutputPath: out}
	default:
		f.t.Fatalf("unexpected task type %q", params.TaskType)
		return nil
	}
}

func (f *fakeSpawner) implementationCalls() []spawn.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []spawn.Params
	for _, c := range f.calls {
		if c.TaskType == models.TaskImplementation {
			out = append(out, c)
		}
	}
	return out
}

// fakeEvents records logged event types.
type fakeEvents struct {
	mu    sync.Mutex
	types []models.EventType
}

func (f *fakeEvents) LogEvent(_ context.Context, _ string, eventType models.EventType, _, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, eventType)
	return nil
}

func (f *fakeEvents) logged() []models.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.EventType(nil), f.types...)
}

// fakePR records CreatePR invocations.
type fakePR struct {
	mu     sync.Mutex
	called bool
	url    string
	err    error
}

func (f *fakePR) CreatePR(_ context.Context, _, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = true
	return f.url, f.err
}

func writeEpic(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "epic.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return dir, path
}

func ok() *spawn.Result { return &spawn.Result{Success: true, AgentID: "fake"} }

func newTestOrchestrator(spawner Spawner, events EventLogger, pr PRCreator) *Orchestrator {
	return New(spawner, events, pr, nil, time.Minute, 4)
}

func testRequest(path string) Request {
	return Request{ProjectName: "consilio", ProjectPath: "/projects/consilio", EpicFile: path}
}

func TestImplementEpicHappyPath(t *testing.T) {
	dir, path := writeEpic(t, testEpic)
	spawner := &fakeSpawner{
		t: t, dir: dir,
		implResults: []*spawn.Result{ok(), ok()},
		verdicts: map[string]string{
			"hello.ts exists": "CRITERION MET: src/hello.ts present",
			"tests pass":      "CRITERION MET: vitest run green",
		},
	}
	events := &fakeEvents{}
	pr := &fakePR{url: "https://github.com/x/y/pull/1"}

	outcome := newTestOrchestrator(spawner, events, pr).ImplementEpic(context.Background(), testRequest(path), nil)

	require.True(t, outcome.Success)
	assert.Equal(t, 2, outcome.TasksCompleted)
	require.NotNil(t, outcome.CriteriaValidation)
	assert.True(t, outcome.CriteriaValidation.AllMet)
	require.Len(t, outcome.CriteriaValidation.Results, 2)
	for _, r := range outcome.CriteriaValidation.Results {
		assert.True(t, r.Met)
		assert.NotEmpty(t, r.Evidence)
	}

	// No PR requested: collaborator untouched.
	assert.False(t, pr.called)

	// Implementation tasks ran strictly in order with growing completed lists.
	impls := spawner.implementationCalls()
	require.Len(t, impls, 2)
	assert.Equal(t, "Create src/hello.ts exporting hello()", impls[0].Description)
	assert.Empty(t, impls[0].Context["completed_tasks"])
	assert.Equal(t, []string{"Create src/hello.ts exporting hello()"}, impls[1].Context["completed_tasks"])

	logged := events.logged()
	assert.Contains(t, logged, models.EventEpicStarted)
	assert.Contains(t, logged, models.EventEpicCompleted)
	assert.Contains(t, logged, models.EventValidationPassed)
	assert.NotContains(t, logged, models.EventEpicFailed)
}

func TestImplementEpicCreatesPROnFullSuccess(t *testing.T) {
	dir, path := writeEpic(t, testEpic)
	spawner := &fakeSpawner{
		t: t, dir: dir,
		implResults: []*spawn.Result{ok(), ok()},
		verdicts: map[string]string{
			"hello.ts exists": "CRITERION MET: present",
			"tests pass":      "CRITERION MET: green",
		},
	}
	events := &fakeEvents{}
	pr := &fakePR{url: "https://github.com/x/y/pull/2"}

	req := testRequest(path)
	req.CreatePR = true
	outcome := newTestOrchestrator(spawner, events, pr).ImplementEpic(context.Background(), req, nil)

	require.True(t, outcome.Success)
	assert.True(t, pr.called)
	assert.True(t, outcome.PRCreated)
	assert.Equal(t, "https://github.com/x/y/pull/2", outcome.PRURL)
	assert.Contains(t, events.logged(), models.EventPRCreated)
}

func TestImplementEpicEmptyPlan(t *testing.T) {
	_, path := writeEpic(t, "# Epic 9: Empty\n\n## Acceptance Criteria\n\n- [ ] something\n")
	spawner := &fakeSpawner{t: t}
	outcome := newTestOrchestrator(spawner, &fakeEvents{}, nil).ImplementEpic(context.Background(), testRequest(path), nil)

	assert.False(t, outcome.Success)
	assert.Equal(t, ReasonEmptyPlan, outcome.Reason)
	assert.Empty(t, spawner.calls, "EmptyPlan must not spawn")
}

func TestImplementEpicTaskFailureStopsRun(t *testing.T) {
	dir, path := writeEpic(t, testEpic)
	spawner := &fakeSpawner{
		t: t, dir: dir,
		implResults: []*spawn.Result{
			ok(),
			{Success: false, Error: &spawn.ErrorInfo{Kind: spawn.KindAdapterExit, Message: "adapter exited with code 2"}},
		},
	}
	events := &fakeEvents{}

	outcome := newTestOrchestrator(spawner, events, nil).ImplementEpic(context.Background(), testRequest(path), nil)

	require.False(t, outcome.Success)
	assert.Equal(t, PhaseExecute, outcome.Phase)
	require.NotNil(t, outcome.TaskIndex)
	assert.Equal(t, 1, *outcome.TaskIndex)
	assert.Contains(t, outcome.Reason, "TaskFailed")
	assert.Equal(t, 1, outcome.TasksCompleted)

	// Failure stops the run: no validation spawns at all.
	for _, c := range spawner.calls {
		assert.NotEqual(t, models.TaskValidation, c.TaskType)
	}
	assert.Contains(t, events.logged(), models.EventEpicFailed)
}

func TestImplementEpicTimeoutMapsToPhaseOutcome(t *testing.T) {
	dir, path := writeEpic(t, testEpic)
	spawner := &fakeSpawner{
		t: t, dir: dir,
		implResults: []*spawn.Result{
			ok(),
			{Success: false, Error: &spawn.ErrorInfo{Kind: spawn.KindTimeout, Message: "context deadline exceeded"}},
		},
	}

	outcome := newTestOrchestrator(spawner, &fakeEvents{}, nil).ImplementEpic(context.Background(), testRequest(path), nil)

	require.False(t, outcome.Success)
	assert.Equal(t, PhaseExecute, outcome.Phase)
	require.NotNil(t, outcome.TaskIndex)
	assert.Equal(t, 1, *outcome.TaskIndex)
	assert.Equal(t, ReasonTimeout, outcome.Reason)
}

func TestRunExecuteResumesFromTask(t *testing.T) {
	dir, path := writeEpic(t, testEpic)
	spawner := &fakeSpawner{
		t: t, dir: dir,
		implResults: []*spawn.Result{ok()}, // only task 2 runs
		verdicts: map[string]string{
			"hello.ts exists": "CRITERION MET: present",
			"tests pass":      "CRITERION MET: green",
		},
	}

	outcome := newTestOrchestrator(spawner, &fakeEvents{}, nil).RunExecute(context.Background(), testRequest(path), nil, 1)

	require.True(t, outcome.Success)
	assert.Equal(t, 2, outcome.TasksCompleted)

	impls := spawner.implementationCalls()
	require.Len(t, impls, 1)
	assert.Equal(t, "Add test tests/hello.spec.ts", impls[0].Description)
	// Prior steps ride along as completed context.
	assert.Equal(t, []string{"Create src/hello.ts exporting hello()"}, impls[0].Context["completed_tasks"])
}

func TestImplementEpicPartialAcceptance(t *testing.T) {
	dir, path := writeEpic(t, testEpic)
	spawner := &fakeSpawner{
		t: t, dir: dir,
		implResults: []*spawn.Result{ok(), ok()},
		verdicts: map[string]string{
			"hello.ts exists": "CRITERION MET: present",
			"tests pass":      "CRITERION NOT MET: 1 test failing",
		},
	}
	pr := &fakePR{url: "https://example.com/pr"}

	req := testRequest(path)
	req.CreatePR = true
	outcome := newTestOrchestrator(spawner, &fakeEvents{}, pr).ImplementEpic(context.Background(), req, nil)

	require.False(t, outcome.Success)
	assert.Equal(t, PhaseValidate, outcome.Phase)
	require.NotNil(t, outcome.CriteriaValidation)
	assert.False(t, outcome.CriteriaValidation.AllMet)

	unmet := 0
	for _, r := range outcome.CriteriaValidation.Results {
		if !r.Met {
			unmet++
			assert.Equal(t, "tests pass", r.Criterion)
			assert.Equal(t, "1 test failing", r.Evidence)
		}
	}
	assert.Equal(t, 1, unmet)

	// No PR on partial acceptance, even with create_pr requested.
	assert.False(t, pr.called)
}

func TestRunPrimeAndPlan(t *testing.T) {
	dir, path := writeEpic(t, testEpic)
	events := &fakeEvents{}
	spawner := &fakeSpawner{t: t, dir: dir, implResults: []*spawn.Result{ok(), ok()}}
	o := newTestOrchestrator(spawner, events, nil)

	prime := o.RunPrime(context.Background(), testRequest(path), nil)
	assert.True(t, prime.Success)
	assert.Equal(t, PhasePrime, prime.Phase)

	plan := o.RunPlan(context.Background(), testRequest(path), nil)
	assert.True(t, plan.Success)
	assert.Equal(t, PhasePlan, plan.Phase)
	assert.Contains(t, events.logged(), models.EventEpicPlanned)

	require.Len(t, spawner.calls, 2)
	assert.Equal(t, models.TaskResearch, spawner.calls[0].TaskType)
	assert.Equal(t, models.TaskPlanning, spawner.calls[1].TaskType)
}

func TestParseVerdict(t *testing.T) {
	dir := t.TempDir()
	write := func(content string) string {
		path := filepath.Join(dir, fmt.Sprintf("out-%d.log", len(content)))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}

	met, evidence := parseVerdict(write("thinking...\nCRITERION MET: file exists at src/hello.ts\n"))
	assert.True(t, met)
	assert.Equal(t, "file exists at src/hello.ts", evidence)

	met, evidence = parseVerdict(write("CRITERION NOT MET: file missing\n"))
	assert.False(t, met)
	assert.Equal(t, "file missing", evidence)

	// The last verdict wins when an agent corrects itself.
	met, _ = parseVerdict(write("CRITERION NOT MET: draft\nCRITERION MET: confirmed after rerun\n"))
	assert.True(t, met)

	// No verdict counts as unmet.
	met, evidence = parseVerdict(write("rambling output without a verdict\n"))
	assert.False(t, met)
	assert.Contains(t, evidence, "no verdict")

	// Missing output file counts as unmet.
	met, _ = parseVerdict(filepath.Join(dir, "missing.log"))
	assert.False(t, met)
}
