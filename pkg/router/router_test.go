package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpt153/supervisor/pkg/config"
	"github.com/gpt153/supervisor/pkg/models"
)

// fakeProber reports quota per service; unlisted services are available.
type fakeProber struct {
	exhausted map[models.Service]string
}

func (f *fakeProber) CheckQuota(_ context.Context, service models.Service) QuotaStatus {
	if reason, ok := f.exhausted[service]; ok {
		return QuotaStatus{Available: false, Reason: reason}
	}
	return QuotaStatus{Available: true}
}

func testRouter(prober QuotaProber) *Router {
	return New(config.BuiltinServices(), prober)
}

func TestRouteComplexityHintPrefersClaude(t *testing.T) {
	r := testRouter(&fakeProber{})
	d, err := r.Route(context.Background(), Task{
		TaskType:       models.TaskImplementation,
		ComplexityHint: "complex",
		Description:    "refactor storage layer",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ServiceClaude, d.Service)
	assert.Equal(t, "claude-opus", d.Model)
}

func TestRouteComplexityKeywords(t *testing.T) {
	r := testRouter(&fakeProber{})
	for _, desc := range []string{
		"redesign the ARCHITECTURE of the scheduler",
		"critical hotfix for checkout",
		"prepare production rollout",
		"this is a complex migration",
	} {
		d, err := r.Route(context.Background(), Task{
			TaskType:    models.TaskImplementation,
			Description: desc,
		})
		require.NoError(t, err)
		assert.Equal(t, models.ServiceClaude, d.Service, "description %q", desc)
	}
}

func TestRouteCheapTaskTypesPickCheapest(t *testing.T) {
	r := testRouter(&fakeProber{})
	for _, taskType := range []models.TaskType{models.TaskResearch, models.TaskDocumentation, models.TaskPlanning} {
		d, err := r.Route(context.Background(), Task{
			TaskType:    taskType,
			Description: "summarize the repo layout",
		})
		require.NoError(t, err)
		assert.Equal(t, models.ServiceGemini, d.Service, "task type %s", taskType)
		assert.Equal(t, "gemini-flash", d.Model)
	}
}

func TestRouteDefaultIsCodexMidTier(t *testing.T) {
	r := testRouter(&fakeProber{})
	d, err := r.Route(context.Background(), Task{
		TaskType:    models.TaskImplementation,
		Description: "add a small helper",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ServiceCodex, d.Service)
	assert.Equal(t, "codex-mid", d.Model)
}

func TestRouteFallsBackToCheapestAvailable(t *testing.T) {
	r := testRouter(&fakeProber{exhausted: map[models.Service]string{
		models.ServiceCodex: "daily limit reached",
	}})
	d, err := r.Route(context.Background(), Task{
		TaskType:    models.TaskImplementation,
		Description: "add a small helper",
	})
	require.NoError(t, err)
	assert.NotEqual(t, models.ServiceCodex, d.Service)
	assert.Equal(t, "gemini-flash", d.Model)
	assert.Contains(t, d.Reasoning, "quota exhausted")
}

func TestRouteAllExhausted(t *testing.T) {
	r := testRouter(&fakeProber{exhausted: map[models.Service]string{
		models.ServiceClaude: "out",
		models.ServiceGemini: "out",
		models.ServiceCodex:  "out",
	}})
	_, err := r.Route(context.Background(), Task{
		TaskType:    models.TaskImplementation,
		Description: "anything",
	})
	assert.ErrorIs(t, err, ErrQuotaExhausted)
}

func TestRouteDeterministic(t *testing.T) {
	r := testRouter(&fakeProber{})
	task := Task{TaskType: models.TaskResearch, Description: "compare caching strategies"}
	first, err := r.Route(context.Background(), task)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		d, err := r.Route(context.Background(), task)
		require.NoError(t, err)
		assert.Equal(t, first, d)
	}
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		pricePer1K float64
		tokens     int
		want       float64
	}{
		{0.0150, 50_000, 0.75},
		{0.0015, 1000, 0.0015},
		{0.0750, 123_456, 9.2592},
		{0.0100, 0, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, EstimateCost(tt.pricePer1K, tt.tokens), 1e-9)
	}
}

func TestRouteCostQuoted(t *testing.T) {
	r := testRouter(&fakeProber{})
	d, err := r.Route(context.Background(), Task{
		TaskType:        models.TaskImplementation,
		Description:     "helper",
		EstimatedTokens: 100_000,
	})
	require.NoError(t, err)
	// codex-mid at 0.0100 per 1k tokens.
	assert.InDelta(t, 1.0, d.EstimatedCostUSD, 1e-9)
}
