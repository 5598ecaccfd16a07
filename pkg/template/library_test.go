package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpt153/supervisor/pkg/models"
)

func loadLibrary(t *testing.T) *Library {
	t.Helper()
	lib, err := Load()
	require.NoError(t, err)
	return lib
}

func TestLoadEmbeddedTemplates(t *testing.T) {
	lib := loadLibrary(t)
	ids := lib.IDs()
	assert.Contains(t, ids, "implementation-default")
	assert.Contains(t, ids, "validation-criterion")
	assert.Contains(t, ids, "general-default")
}

func TestSelectByTaskType(t *testing.T) {
	lib := loadLibrary(t)

	tests := []struct {
		taskType models.TaskType
		wantID   string
	}{
		{models.TaskImplementation, "implementation-default"},
		{models.TaskValidation, "validation-criterion"},
		{models.TaskResearch, "research-default"},
		{models.TaskPlanning, "planning-default"},
		{models.TaskTesting, "testing-default"},
		{models.TaskDocumentation, "documentation-default"},
		{models.TaskFix, "fix-default"},
		// No dedicated template: generic fallback.
		{models.TaskDeployment, "general-default"},
		{models.TaskSecurity, "general-default"},
	}
	for _, tt := range tests {
		tmpl, err := lib.Select(tt.taskType, "do the thing")
		require.NoError(t, err)
		assert.Equal(t, tt.wantID, tmpl.ID, "task type %s", tt.taskType)
	}
}

func TestSelectKeywordOverlapBreaksTowardSpecific(t *testing.T) {
	lib := loadLibrary(t)

	// A fix-typed task whose description also matches fix keywords still
	// selects the fix template over the generic one.
	tmpl, err := lib.Select(models.TaskFix, "fix the broken error handling regression")
	require.NoError(t, err)
	assert.Equal(t, "fix-default", tmpl.ID)
}

func TestSelectDeterministic(t *testing.T) {
	lib := loadLibrary(t)
	first, err := lib.Select(models.TaskImplementation, "implement feature")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		tmpl, err := lib.Select(models.TaskImplementation, "implement feature")
		require.NoError(t, err)
		assert.Equal(t, first.ID, tmpl.ID)
	}
}

func TestRenderSubstitutesPlaceholders(t *testing.T) {
	lib := loadLibrary(t)
	tmpl, err := lib.Get("implementation-default")
	require.NoError(t, err)

	out, err := tmpl.Render(Data{
		TASK_DESCRIPTION: "Create src/hello.ts",
		TASK_TYPE:        "implementation",
		PROJECT_PATH:     "/projects/consilio",
		PROJECT_NAME:     "consilio",
		CONTEXT_JSON:     `{"task_index": 0}`,
		AGENT_ID:         "1700000000000-ab12cd34",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "Create src/hello.ts")
	assert.Contains(t, out, "/projects/consilio")
	assert.Contains(t, out, `"task_index": 0`)
	assert.NotContains(t, out, "{{")
}

func TestGetUnknownTemplate(t *testing.T) {
	lib := loadLibrary(t)
	_, err := lib.Get("no-such-template")
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestParseTemplateFrontMatter(t *testing.T) {
	raw := []byte("---\nid: sample\ntask_type: fix\nkeywords: [Bug, CRASH]\n---\n\nBody {{.TASK_DESCRIPTION}}\n")
	tmpl, err := parseTemplate("sample.md", raw)
	require.NoError(t, err)
	assert.Equal(t, "sample", tmpl.ID)
	assert.Equal(t, models.TaskFix, tmpl.TaskType)
	assert.Equal(t, []string{"bug", "crash"}, tmpl.Keywords)
	assert.Equal(t, "Body {{.TASK_DESCRIPTION}}\n", tmpl.Body)
}

func TestParseTemplateRejectsMissingFrontMatter(t *testing.T) {
	_, err := parseTemplate("bad.md", []byte("no front matter"))
	assert.Error(t, err)

	_, err = parseTemplate("bad.md", []byte("---\nid: x\nunterminated"))
	assert.Error(t, err)
}
