package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gpt153/supervisor/pkg/database"
	"github.com/gpt153/supervisor/pkg/models"
)

// replayBatchSize is how many events one replay query fetches. The reader
// restarts from the last delivered sequence, so a consumer can resume after
// interruption without gaps or duplicates.
const replayBatchSize = 200

// EventService owns the append-only per-instance event stream, the command
// audit log, and checkpoint snapshots. Event sequence numbers are dense and
// strictly increasing per instance; writers serialize on a per-instance
// advisory lock.
type EventService struct {
	db *database.Client

	// broadcast, when set, receives every committed event for live WebSocket
	// delivery. Advisory: the persisted row is canonical.
	broadcast func(instanceID string, evt models.Event)
}

// NewEventService creates a new EventService.
func NewEventService(db *database.Client) *EventService {
	return &EventService{db: db}
}

// SetBroadcaster wires live event delivery. Called once during startup.
func (s *EventService) SetBroadcaster(fn func(instanceID string, evt models.Event)) {
	s.broadcast = fn
}

// LogEvent appends an event with sequence_num = max(sequence)+1 for the
// instance. Appending to a closed instance is rejected.
func (s *EventService) LogEvent(ctx context.Context, instanceID string, eventType models.EventType, data, metadata map[string]any) error {
	if instanceID == "" {
		return NewValidationError("instance_id", "required")
	}
	if !eventType.Valid() {
		return NewValidationError("event_type", fmt.Sprintf("unknown event type %q", eventType))
	}
	if data == nil {
		data = map[string]any{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	var appended models.Event
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		q := s.db.Querier(ctx)

		// Per-instance advisory lock serializes sequence assignment across
		// concurrent writers. Transaction-scoped: released on commit/rollback.
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, instanceID); err != nil {
			return fmt.Errorf("failed to acquire event lock: %w", err)
		}

		var status models.InstanceStatus
		err := q.QueryRow(ctx, `SELECT status FROM instances WHERE instance_id = $1`, instanceID).Scan(&status)
		if err != nil {
			if database.IsNoRows(err) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to check instance: %w", err)
		}
		if status == models.InstanceStatusClosed {
			return ErrClosed
		}

		row := q.QueryRow(ctx, `
			INSERT INTO events (event_id, instance_id, sequence_num, event_type, event_data, metadata)
			SELECT $1, $2, COALESCE(MAX(sequence_num), 0) + 1, $3, $4, $5
			FROM events WHERE instance_id = $2
			RETURNING event_id, instance_id, sequence_num, event_type, event_data, metadata, timestamp, created_at`,
			uuid.New().String(), instanceID, eventType, data, metadata)
		if err := row.Scan(&appended.EventID, &appended.InstanceID, &appended.SequenceNum, &appended.EventType,
			&appended.EventData, &appended.Metadata, &appended.Timestamp, &appended.CreatedAt); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.broadcast != nil {
		s.broadcast(instanceID, appended)
	}
	return nil
}

// LogCommand appends a command audit row. Entries without an instance fall
// into the anonymous sink.
func (s *EventService) LogCommand(ctx context.Context, entry models.CommandLogEntry) error {
	if entry.CommandType == "" {
		return NewValidationError("command_type", "required")
	}
	if entry.Action == "" {
		return NewValidationError("action", "required")
	}
	instanceID := entry.InstanceID
	if instanceID == "" {
		instanceID = models.AnonymousInstanceID
	}
	params := entry.Parameters
	if params == nil {
		params = map[string]any{}
	}
	tags := entry.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err := s.db.Querier(ctx).Exec(ctx, `
		INSERT INTO command_log
			(instance_id, command_type, action, tool_name, parameters, result, success, error_message, execution_time_ms, tags)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9, $10)`,
		instanceID, entry.CommandType, entry.Action, entry.ToolName,
		params, entry.Result, entry.Success, entry.ErrorMessage, entry.ExecutionTimeMS, tags)
	if err != nil {
		// An unknown caller-supplied instance_id must not lose the audit row:
		// retry against the anonymous sink with the original id preserved.
		if instanceID != models.AnonymousInstanceID {
			entry.Parameters = params
			entry.Parameters["claimed_instance_id"] = instanceID
			entry.InstanceID = models.AnonymousInstanceID
			return s.LogCommand(ctx, entry)
		}
		return fmt.Errorf("failed to append command log entry: %w", err)
	}
	return nil
}

// CreateCheckpoint stores an advisory work-state snapshot at the instance's
// current sequence position. The event stream remains canonical.
func (s *EventService) CreateCheckpoint(ctx context.Context, instanceID string, checkpointType models.CheckpointType, workState map[string]any, contextPercent int) (*models.Checkpoint, error) {
	if instanceID == "" {
		return nil, NewValidationError("instance_id", "required")
	}
	if checkpointType != models.CheckpointManual && checkpointType != models.CheckpointAutomatic {
		return nil, NewValidationError("checkpoint_type", "must be manual or automatic")
	}
	if contextPercent < 0 || contextPercent > 100 {
		return nil, NewValidationError("context_window_percent", "must be between 0 and 100")
	}
	if workState == nil {
		workState = map[string]any{}
	}

	var cp models.Checkpoint
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		q := s.db.Querier(ctx)
		row := q.QueryRow(ctx, `
			INSERT INTO checkpoints (checkpoint_id, instance_id, sequence_num, checkpoint_type, context_window_percent, work_state)
			SELECT $1, $2, COALESCE(MAX(sequence_num), 0), $3, $4, $5
			FROM events WHERE instance_id = $2
			RETURNING checkpoint_id, instance_id, sequence_num, checkpoint_type, context_window_percent, work_state, created_at`,
			uuid.New().String(), instanceID, checkpointType, contextPercent, workState)
		if err := row.Scan(&cp.CheckpointID, &cp.InstanceID, &cp.SequenceNum, &cp.CheckpointType,
			&cp.ContextWindowPercent, &cp.WorkState, &cp.CreatedAt); err != nil {
			return fmt.Errorf("failed to create checkpoint: %w", err)
		}

		return s.LogEvent(ctx, instanceID, models.EventCheckpointCreated, map[string]any{
			"checkpoint_id":   cp.CheckpointID,
			"checkpoint_type": string(checkpointType),
			"sequence_num":    cp.SequenceNum,
		}, nil)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// GetLatestCheckpoint returns the most recent checkpoint for an instance, or
// ErrNotFound when none exists.
func (s *EventService) GetLatestCheckpoint(ctx context.Context, instanceID string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := s.db.Querier(ctx).QueryRow(ctx, `
		SELECT checkpoint_id, instance_id, sequence_num, checkpoint_type, context_window_percent, work_state, created_at
		FROM checkpoints
		WHERE instance_id = $1
		ORDER BY created_at DESC, sequence_num DESC
		LIMIT 1`, instanceID).
		Scan(&cp.CheckpointID, &cp.InstanceID, &cp.SequenceNum, &cp.CheckpointType,
			&cp.ContextWindowPercent, &cp.WorkState, &cp.CreatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return &cp, nil
}

// ReplayEvents streams the instance's events in sequence order starting at
// fromSeq, invoking fn per event. Fetches in batches; fn returning an error
// stops the replay. Restartable: resume with the last delivered sequence + 1.
func (s *EventService) ReplayEvents(ctx context.Context, instanceID string, fromSeq int, fn func(models.Event) error) error {
	if fromSeq < 1 {
		fromSeq = 1
	}
	for {
		events, err := s.GetEvents(ctx, instanceID, fromSeq, replayBatchSize)
		if err != nil {
			return err
		}
		for _, evt := range events {
			if err := fn(evt); err != nil {
				return err
			}
			fromSeq = evt.SequenceNum + 1
		}
		if len(events) < replayBatchSize {
			return nil
		}
	}
}

// GetEvents returns up to limit events with sequence_num >= fromSeq in order.
func (s *EventService) GetEvents(ctx context.Context, instanceID string, fromSeq, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = replayBatchSize
	}
	rows, err := s.db.Querier(ctx).Query(ctx, `
		SELECT event_id, instance_id, sequence_num, event_type, event_data, metadata, timestamp, created_at
		FROM events
		WHERE instance_id = $1 AND sequence_num >= $2
		ORDER BY sequence_num ASC
		LIMIT $3`, instanceID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var evt models.Event
		if err := rows.Scan(&evt.EventID, &evt.InstanceID, &evt.SequenceNum, &evt.EventType,
			&evt.EventData, &evt.Metadata, &evt.Timestamp, &evt.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// TruncateEventsBefore removes events below the given sequence. This is the
// only sanctioned source of gaps in a stream (checkpoint-backed compaction).
func (s *EventService) TruncateEventsBefore(ctx context.Context, instanceID string, beforeSeq int) (int64, error) {
	tag, err := s.db.Querier(ctx).Exec(ctx,
		`DELETE FROM events WHERE instance_id = $1 AND sequence_num < $2`, instanceID, beforeSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to truncate events: %w", err)
	}
	return tag.RowsAffected(), nil
}
