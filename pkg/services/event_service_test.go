package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/test/util"
)

func newEventFixture(t *testing.T) (*EventService, *models.Instance) {
	t.Helper()
	db := util.SetupTestDatabase(t)
	events := NewEventService(db)
	instances := NewInstanceService(db, events)
	inst, err := instances.Register(context.Background(), models.RegisterInstanceRequest{
		Project: "consilio",
		Type:    models.InstanceTypePS,
	})
	require.NoError(t, err)
	return events, inst
}

func TestLogEventSequencing(t *testing.T) {
	events, inst := newEventFixture(t)
	ctx := context.Background()

	require.NoError(t, events.LogEvent(ctx, inst.InstanceID, models.EventEpicStarted, map[string]any{"epic_id": "7"}, nil))
	require.NoError(t, events.LogEvent(ctx, inst.InstanceID, models.EventTaskSpawned, nil, map[string]any{"agent": "x"}))

	stream, err := events.GetEvents(ctx, inst.InstanceID, 1, 10)
	require.NoError(t, err)
	require.Len(t, stream, 3) // instance_registered + two above
	assert.Equal(t, models.EventEpicStarted, stream[1].EventType)
	assert.Equal(t, "7", stream[1].EventData["epic_id"])
	assert.Equal(t, 2, stream[1].SequenceNum)
	assert.Equal(t, 3, stream[2].SequenceNum)
}

func TestLogEventValidation(t *testing.T) {
	events, inst := newEventFixture(t)
	ctx := context.Background()

	err := events.LogEvent(ctx, inst.InstanceID, models.EventType("invented_event"), nil, nil)
	assert.True(t, IsValidationError(err))

	err = events.LogEvent(ctx, "", models.EventEpicStarted, nil, nil)
	assert.True(t, IsValidationError(err))

	err = events.LogEvent(ctx, "consilio-PS-ffffff", models.EventEpicStarted, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogEventConcurrentWritersStayDense(t *testing.T) {
	events, inst := newEventFixture(t)
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, events.LogEvent(ctx, inst.InstanceID, models.EventContextWindowUpdated, nil, nil))
		}()
	}
	wg.Wait()

	stream, err := events.GetEvents(ctx, inst.InstanceID, 1, 100)
	require.NoError(t, err)
	require.Len(t, stream, writers+1)
	for i, e := range stream {
		assert.Equal(t, i+1, e.SequenceNum, "sequence numbers must be dense")
	}
}

func TestClosedInstanceRejectsEvents(t *testing.T) {
	db := util.SetupTestDatabase(t)
	events := NewEventService(db)
	instances := NewInstanceService(db, events)
	ctx := context.Background()

	inst, err := instances.Register(ctx, models.RegisterInstanceRequest{Project: "p", Type: models.InstanceTypeMS})
	require.NoError(t, err)
	_, err = instances.Close(ctx, inst.InstanceID)
	require.NoError(t, err)

	err = events.LogEvent(ctx, inst.InstanceID, models.EventEpicStarted, nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLogCommand(t *testing.T) {
	events, inst := newEventFixture(t)
	ctx := context.Background()

	ms := int64(42)
	require.NoError(t, events.LogCommand(ctx, models.CommandLogEntry{
		InstanceID:      inst.InstanceID,
		CommandType:     "mcp",
		Action:          "tools/call",
		ToolName:        "spawn_subagent",
		Parameters:      map[string]any{"task_type": "implementation"},
		Success:         true,
		ExecutionTimeMS: &ms,
		Tags:            []string{"mcp"},
	}))

	// Anonymous sink accepts entries with no instance.
	require.NoError(t, events.LogCommand(ctx, models.CommandLogEntry{
		CommandType: "mcp",
		Action:      "tools/list",
		Success:     true,
	}))

	// Unknown claimed instance falls back to the sink rather than losing the row.
	require.NoError(t, events.LogCommand(ctx, models.CommandLogEntry{
		InstanceID:  "ghost-PS-ffffff",
		CommandType: "mcp",
		Action:      "tools/call",
		Success:     false,
	}))

	err := events.LogCommand(ctx, models.CommandLogEntry{Action: "x"})
	assert.True(t, IsValidationError(err))
}

func TestCheckpoints(t *testing.T) {
	events, inst := newEventFixture(t)
	ctx := context.Background()

	_, err := events.GetLatestCheckpoint(ctx, inst.InstanceID)
	assert.ErrorIs(t, err, ErrNotFound)

	cp, err := events.CreateCheckpoint(ctx, inst.InstanceID, models.CheckpointManual,
		map[string]any{"current_task": "step 2"}, 40)
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointManual, cp.CheckpointType)
	assert.Equal(t, 40, cp.ContextWindowPercent)
	// Snapshot position is the stream's current head (sequence 1: registration).
	assert.Equal(t, 1, cp.SequenceNum)

	latest, err := events.GetLatestCheckpoint(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, cp.CheckpointID, latest.CheckpointID)
	assert.Equal(t, "step 2", latest.WorkState["current_task"])

	// checkpoint_created rides on the event stream.
	stream, err := events.GetEvents(ctx, inst.InstanceID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, models.EventCheckpointCreated, stream[len(stream)-1].EventType)

	_, err = events.CreateCheckpoint(ctx, inst.InstanceID, models.CheckpointType("weird"), nil, 0)
	assert.True(t, IsValidationError(err))
}

func TestReplayEventsRestartable(t *testing.T) {
	events, inst := newEventFixture(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, events.LogEvent(ctx, inst.InstanceID, models.EventContextWindowUpdated,
			map[string]any{"i": i}, nil))
	}

	var seen []int
	err := events.ReplayEvents(ctx, inst.InstanceID, 1, func(e models.Event) error {
		seen = append(seen, e.SequenceNum)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 8)

	// Restart from the middle: no duplicates, no gaps.
	seen = nil
	err = events.ReplayEvents(ctx, inst.InstanceID, 5, func(e models.Event) error {
		seen = append(seen, e.SequenceNum)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6, 7, 8}, seen)
}

func TestTruncateEventsBefore(t *testing.T) {
	events, inst := newEventFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, events.LogEvent(ctx, inst.InstanceID, models.EventContextWindowUpdated, nil, nil))
	}

	removed, err := events.TruncateEventsBefore(ctx, inst.InstanceID, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	stream, err := events.GetEvents(ctx, inst.InstanceID, 1, 10)
	require.NoError(t, err)
	require.Len(t, stream, 2)
	assert.Equal(t, 4, stream[0].SequenceNum)

	// New appends continue from the retained head.
	require.NoError(t, events.LogEvent(ctx, inst.InstanceID, models.EventContextWindowUpdated, nil, nil))
	stream, err = events.GetEvents(ctx, inst.InstanceID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 6, stream[len(stream)-1].SequenceNum)
}

func TestBroadcasterReceivesCommittedEvents(t *testing.T) {
	events, inst := newEventFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var received []models.Event
	events.SetBroadcaster(func(_ string, evt models.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, evt)
	})

	require.NoError(t, events.LogEvent(ctx, inst.InstanceID, models.EventEpicStarted, nil, nil))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, models.EventEpicStarted, received[0].EventType)
	assert.Equal(t, 2, received[0].SequenceNum)
}
