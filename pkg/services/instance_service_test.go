package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpt153/supervisor/pkg/database"
	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/test/util"
)

func newInstanceFixture(t *testing.T) (*database.Client, *InstanceService, *EventService) {
	t.Helper()
	db := util.SetupTestDatabase(t)
	events := NewEventService(db)
	return db, NewInstanceService(db, events), events
}

func registerTestInstance(t *testing.T, svc *InstanceService, project string) *models.Instance {
	t.Helper()
	inst, err := svc.Register(context.Background(), models.RegisterInstanceRequest{
		Project: project,
		Type:    models.InstanceTypePS,
	})
	require.NoError(t, err)
	return inst
}

func TestRegisterInstance(t *testing.T) {
	_, svc, events := newInstanceFixture(t)
	ctx := context.Background()

	inst := registerTestInstance(t, svc, "consilio")

	assert.Regexp(t, models.InstanceIDPattern, inst.InstanceID)
	assert.Equal(t, "consilio", inst.Project)
	assert.Equal(t, models.InstanceStatusActive, inst.Status)
	assert.Equal(t, 0, inst.ContextPercent)
	assert.Nil(t, inst.ClosedAt)

	// instance_registered is sequence 1.
	stream, err := events.GetEvents(ctx, inst.InstanceID, 1, 10)
	require.NoError(t, err)
	require.Len(t, stream, 1)
	assert.Equal(t, models.EventInstanceRegistered, stream[0].EventType)
	assert.Equal(t, 1, stream[0].SequenceNum)
}

func TestRegisterValidation(t *testing.T) {
	_, svc, _ := newInstanceFixture(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, models.RegisterInstanceRequest{Type: models.InstanceTypePS})
	assert.True(t, IsValidationError(err))

	_, err = svc.Register(ctx, models.RegisterInstanceRequest{Project: "p", Type: "ZZ"})
	assert.True(t, IsValidationError(err))

	_, err = svc.Register(ctx, models.RegisterInstanceRequest{Project: "p", Type: models.InstanceTypePS, ContextPercent: 101})
	assert.True(t, IsValidationError(err))
}

func TestRegisterThenGetDetailsRoundTrip(t *testing.T) {
	_, svc, _ := newInstanceFixture(t)
	ctx := context.Background()

	inst := registerTestInstance(t, svc, "consilio")

	details, err := svc.GetDetails(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.NotNil(t, details.Exact)
	assert.Equal(t, inst.InstanceID, details.Exact.InstanceID)
	assert.Equal(t, inst.Project, details.Exact.Project)
	assert.Equal(t, inst.Status, details.Exact.Status)
}

func TestHeartbeat(t *testing.T) {
	_, svc, _ := newInstanceFixture(t)
	ctx := context.Background()

	inst := registerTestInstance(t, svc, "consilio")
	epicName := "epic-7"

	updated, err := svc.Heartbeat(ctx, models.HeartbeatRequest{
		InstanceID:     inst.InstanceID,
		ContextPercent: 55,
		CurrentEpic:    &epicName,
	})
	require.NoError(t, err)
	assert.Equal(t, 55, updated.ContextPercent)
	require.NotNil(t, updated.CurrentEpic)
	assert.Equal(t, "epic-7", *updated.CurrentEpic)
	assert.True(t, updated.LastHeartbeat.After(inst.LastHeartbeat) || updated.LastHeartbeat.Equal(inst.LastHeartbeat))
}

func TestHeartbeatBoundaries(t *testing.T) {
	_, svc, _ := newInstanceFixture(t)
	ctx := context.Background()
	inst := registerTestInstance(t, svc, "consilio")

	for _, pct := range []int{0, 100} {
		_, err := svc.Heartbeat(ctx, models.HeartbeatRequest{InstanceID: inst.InstanceID, ContextPercent: pct})
		assert.NoError(t, err, "context_percent=%d must succeed", pct)
	}
	for _, pct := range []int{-1, 101} {
		_, err := svc.Heartbeat(ctx, models.HeartbeatRequest{InstanceID: inst.InstanceID, ContextPercent: pct})
		assert.True(t, IsValidationError(err), "context_percent=%d must fail validation", pct)
	}
}

func TestHeartbeatErrors(t *testing.T) {
	_, svc, _ := newInstanceFixture(t)
	ctx := context.Background()

	_, err := svc.Heartbeat(ctx, models.HeartbeatRequest{InstanceID: "consilio-PS-ffffff", ContextPercent: 10})
	assert.ErrorIs(t, err, ErrNotFound)

	inst := registerTestInstance(t, svc, "consilio")
	_, err = svc.Close(ctx, inst.InstanceID)
	require.NoError(t, err)

	_, err = svc.Heartbeat(ctx, models.HeartbeatRequest{InstanceID: inst.InstanceID, ContextPercent: 10})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseIdempotent(t *testing.T) {
	_, svc, events := newInstanceFixture(t)
	ctx := context.Background()

	inst := registerTestInstance(t, svc, "consilio")

	closed, err := svc.Close(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	// Second close is a no-op returning the already-closed row.
	again, err := svc.Close(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusClosed, again.Status)
	assert.WithinDuration(t, *closed.ClosedAt, *again.ClosedAt, time.Second)

	// Exactly one instance_closed event despite two calls.
	stream, err := events.GetEvents(ctx, inst.InstanceID, 1, 100)
	require.NoError(t, err)
	closedEvents := 0
	for _, e := range stream {
		if e.EventType == models.EventInstanceClosed {
			closedEvents++
		}
	}
	assert.Equal(t, 1, closedEvents)
}

func TestListSortingAndDerivedFields(t *testing.T) {
	_, svc, _ := newInstanceFixture(t)
	ctx := context.Background()

	b1 := registerTestInstance(t, svc, "bravo")
	time.Sleep(10 * time.Millisecond)
	a1 := registerTestInstance(t, svc, "alpha")
	time.Sleep(10 * time.Millisecond)
	b2 := registerTestInstance(t, svc, "bravo")

	items, err := svc.List(ctx, "", false)
	require.NoError(t, err)
	require.Len(t, items, 3)

	// Project asc, then last_heartbeat desc.
	assert.Equal(t, a1.InstanceID, items[0].InstanceID)
	assert.Equal(t, b2.InstanceID, items[1].InstanceID)
	assert.Equal(t, b1.InstanceID, items[2].InstanceID)

	for _, item := range items {
		assert.False(t, item.Stale)
		assert.GreaterOrEqual(t, item.AgeSeconds, int64(0))
	}

	// Project filter.
	items, err = svc.List(ctx, "bravo", false)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	// active_only excludes closed.
	_, err = svc.Close(ctx, b1.InstanceID)
	require.NoError(t, err)
	items, err = svc.List(ctx, "bravo", true)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestGetDetailsPrefix(t *testing.T) {
	db, svc, _ := newInstanceFixture(t)
	ctx := context.Background()

	// Crafted IDs force suffix collisions a random Register cannot.
	for _, id := range []string{"alpha-PS-abc123", "bravo-MS-abc999", "alpha-PS-def456"} {
		_, err := db.Pool().Exec(ctx, `
			INSERT INTO instances (instance_id, project, type, status, context_percent)
			VALUES ($1, split_part($1, '-', 1), split_part($1, '-', 2), 'active', 0)`, id)
		require.NoError(t, err)
	}

	// Unique prefix resolves exactly.
	details, err := svc.GetDetails(ctx, "def")
	require.NoError(t, err)
	require.NotNil(t, details.Exact)
	assert.Equal(t, "alpha-PS-def456", details.Exact.InstanceID)

	// Ambiguous prefix returns all matches, never a silent pick.
	details, err = svc.GetDetails(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, details.Exact)
	assert.Len(t, details.Matches, 2)

	// Unknown prefix is NotFound.
	_, err = svc.GetDetails(ctx, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkStaleAndRevive(t *testing.T) {
	db, svc, events := newInstanceFixture(t)
	ctx := context.Background()

	fresh := registerTestInstance(t, svc, "consilio")
	silent := registerTestInstance(t, svc, "consilio")

	// Backdate one heartbeat past the threshold.
	_, err := db.Pool().Exec(ctx,
		`UPDATE instances SET last_heartbeat = now() - interval '3 minutes' WHERE instance_id = $1`,
		silent.InstanceID)
	require.NoError(t, err)

	staleIDs, err := svc.MarkStaleInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{silent.InstanceID}, staleIDs)

	items, err := svc.List(ctx, "consilio", true)
	require.NoError(t, err)
	for _, item := range items {
		switch item.InstanceID {
		case silent.InstanceID:
			assert.Equal(t, models.InstanceStatusStale, item.Status)
			assert.True(t, item.Stale)
		case fresh.InstanceID:
			assert.Equal(t, models.InstanceStatusActive, item.Status)
			assert.False(t, item.Stale)
		}
	}

	// A second pass finds nothing: stale rows are not re-marked.
	staleIDs, err = svc.MarkStaleInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, staleIDs)

	// Heartbeat revives the stale instance.
	revived, err := svc.Heartbeat(ctx, models.HeartbeatRequest{InstanceID: silent.InstanceID, ContextPercent: 5})
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusActive, revived.Status)

	stream, err := events.GetEvents(ctx, silent.InstanceID, 1, 100)
	require.NoError(t, err)
	var sawStale bool
	for _, e := range stream {
		if e.EventType == models.EventInstanceStale {
			sawStale = true
		}
	}
	assert.True(t, sawStale)
}

func TestEventOrderingInvariant(t *testing.T) {
	_, svc, events := newInstanceFixture(t)
	ctx := context.Background()

	inst := registerTestInstance(t, svc, "consilio")
	for i := 0; i < 5; i++ {
		_, err := svc.Heartbeat(ctx, models.HeartbeatRequest{InstanceID: inst.InstanceID, ContextPercent: i * 10})
		require.NoError(t, err)
	}

	stream, err := events.GetEvents(ctx, inst.InstanceID, 1, 100)
	require.NoError(t, err)
	require.Len(t, stream, 6)

	// created_at order and sequence order agree; sequences are dense from 1.
	for i, e := range stream {
		assert.Equal(t, i+1, e.SequenceNum)
		if i > 0 {
			assert.False(t, e.CreatedAt.Before(stream[i-1].CreatedAt))
		}
	}
}
