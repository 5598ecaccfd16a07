package spawn

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpt153/supervisor/pkg/models"
)

func TestResolveProjectFromContext(t *testing.T) {
	path, name, err := resolveProject(Params{
		Context: map[string]any{"project_path": "/projects/consilio"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/projects/consilio", path)
	assert.Equal(t, "consilio", name)
}

func TestResolveProjectExplicitName(t *testing.T) {
	path, name, err := resolveProject(Params{
		Context: map[string]any{
			"project_path": "/srv/checkouts/abc123",
			"project_name": "consilio",
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/srv/checkouts/abc123", path)
	assert.Equal(t, "consilio", name)
}

func TestResolveProjectFromCaller(t *testing.T) {
	caller := &models.ProjectContext{Name: "consilio", Path: "/projects/consilio"}
	path, name, err := resolveProject(Params{}, caller)
	require.NoError(t, err)
	assert.Equal(t, "/projects/consilio", path)
	assert.Equal(t, "consilio", name)
}

func TestResolveProjectContextWinsOverCaller(t *testing.T) {
	caller := &models.ProjectContext{Name: "consilio", Path: "/projects/consilio"}
	path, _, err := resolveProject(Params{
		Context: map[string]any{"project_path": "/projects/other"},
	}, caller)
	require.NoError(t, err)
	assert.Equal(t, "/projects/other", path)
}

func TestResolveProjectNoContext(t *testing.T) {
	// No context path, no caller: never falls back to the process cwd.
	_, _, err := resolveProject(Params{}, nil)
	assert.ErrorIs(t, err, ErrNoProjectContext)

	// A caller without a path (e.g. the meta endpoint) is not a fallback either.
	_, _, err = resolveProject(Params{}, &models.ProjectContext{Name: "meta"})
	assert.ErrorIs(t, err, ErrNoProjectContext)

	// Empty string in context does not count as a path.
	_, _, err = resolveProject(Params{Context: map[string]any{"project_path": ""}}, nil)
	assert.ErrorIs(t, err, ErrNoProjectContext)
}

func TestGenerateAgentID(t *testing.T) {
	id, err := generateAgentID()
	require.NoError(t, err)

	parts := strings.SplitN(id, "-", 2)
	require.Len(t, parts, 2)
	assert.NotEmpty(t, parts[0])
	assert.Len(t, parts[1], 8)

	other, err := generateAgentID()
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestAdapterExitError(t *testing.T) {
	err := &AdapterExitError{Code: 7}
	assert.Equal(t, "adapter exited with code 7", err.Error())
}

func TestErrorInfoError(t *testing.T) {
	info := &ErrorInfo{Kind: KindQuotaExhausted, Message: "all services exhausted"}
	assert.Equal(t, "QuotaExhausted: all services exhausted", info.Error())
}
