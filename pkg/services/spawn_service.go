package services

import (
	"context"
	"fmt"
	"time"

	"github.com/gpt153/supervisor/pkg/database"
	"github.com/gpt153/supervisor/pkg/models"
)

// SpawnService persists subagent attempts in active_spawns. The spawn engine
// creates and completes rows; the health sweep marks overdue rows stalled and
// eventually abandoned.
type SpawnService struct {
	db *database.Client
}

// NewSpawnService creates a new SpawnService.
func NewSpawnService(db *database.Client) *SpawnService {
	return &SpawnService{db: db}
}

const spawnColumns = `agent_id, instance_id, project_path, task_type, description,
	context, service, model, status, output_path, exit_code, error, started_at, ended_at`

// Create inserts a running spawn row.
func (s *SpawnService) Create(ctx context.Context, spawn models.Spawn) error {
	if spawn.AgentID == "" {
		return NewValidationError("agent_id", "required")
	}
	if spawn.ProjectPath == "" {
		return NewValidationError("project_path", "required")
	}
	spawnCtx := spawn.Context
	if spawnCtx == nil {
		spawnCtx = map[string]any{}
	}

	_, err := s.db.Querier(ctx).Exec(ctx, `
		INSERT INTO active_spawns
			(agent_id, instance_id, project_path, task_type, description, context, service, model, status, output_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		spawn.AgentID, spawn.InstanceID, spawn.ProjectPath, spawn.TaskType, spawn.Description,
		spawnCtx, spawn.Service, spawn.Model, models.SpawnRunning, spawn.OutputPath)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create spawn row: %w", err)
	}
	return nil
}

// Complete records the terminal state of a spawn.
func (s *SpawnService) Complete(ctx context.Context, agentID string, status models.SpawnStatus, exitCode *int, errMsg string) error {
	tag, err := s.db.Querier(ctx).Exec(ctx, `
		UPDATE active_spawns
		SET status = $2, exit_code = $3, error = NULLIF($4, ''), ended_at = now()
		WHERE agent_id = $1`,
		agentID, status, exitCode, errMsg)
	if err != nil {
		return fmt.Errorf("failed to complete spawn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a spawn by agent ID.
func (s *SpawnService) Get(ctx context.Context, agentID string) (*models.Spawn, error) {
	row := s.db.Querier(ctx).QueryRow(ctx,
		`SELECT `+spawnColumns+` FROM active_spawns WHERE agent_id = $1`, agentID)
	spawn, err := scanSpawn(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get spawn: %w", err)
	}
	return spawn, nil
}

// ListRunning returns spawns currently in running state, oldest first.
func (s *SpawnService) ListRunning(ctx context.Context) ([]models.Spawn, error) {
	rows, err := s.db.Querier(ctx).Query(ctx,
		`SELECT `+spawnColumns+` FROM active_spawns WHERE status = $1 ORDER BY started_at ASC`,
		models.SpawnRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list running spawns: %w", err)
	}
	defer rows.Close()

	var spawns []models.Spawn
	for rows.Next() {
		spawn, err := scanSpawn(rows)
		if err != nil {
			return nil, err
		}
		spawns = append(spawns, *spawn)
	}
	return spawns, rows.Err()
}

// MarkStalled transitions running spawns started before the threshold to
// stalled and returns them. Used by the health sweep for processes whose
// owner never completed the row (e.g. a crashed supervisor).
func (s *SpawnService) MarkStalled(ctx context.Context, olderThan time.Duration) ([]models.Spawn, error) {
	rows, err := s.db.Querier(ctx).Query(ctx, `
		UPDATE active_spawns
		SET status = $1, ended_at = now()
		WHERE status = $2 AND started_at < now() - make_interval(secs => $3)
		RETURNING `+spawnColumns,
		models.SpawnStalled, models.SpawnRunning, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to mark stalled spawns: %w", err)
	}
	defer rows.Close()

	var spawns []models.Spawn
	for rows.Next() {
		spawn, err := scanSpawn(rows)
		if err != nil {
			return nil, err
		}
		spawns = append(spawns, *spawn)
	}
	return spawns, rows.Err()
}

// MarkAbandoned transitions stalled spawns whose owning instance is closed to
// abandoned. Returns the number of rows changed.
func (s *SpawnService) MarkAbandoned(ctx context.Context) (int64, error) {
	tag, err := s.db.Querier(ctx).Exec(ctx, `
		UPDATE active_spawns
		SET status = $1
		WHERE status = $2
		  AND instance_id IN (SELECT instance_id FROM instances WHERE status = $3)`,
		models.SpawnAbandoned, models.SpawnStalled, models.InstanceStatusClosed)
	if err != nil {
		return 0, fmt.Errorf("failed to mark abandoned spawns: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneEnded deletes terminal spawn rows that ended before the cutoff.
// Used by the maintenance subcommand alongside output-file cleanup.
func (s *SpawnService) PruneEnded(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Querier(ctx).Exec(ctx, `
		DELETE FROM active_spawns
		WHERE status <> $1 AND ended_at IS NOT NULL AND ended_at < $2`,
		models.SpawnRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune spawns: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSpawn(row rowScanner) (*models.Spawn, error) {
	var spawn models.Spawn
	var errMsg *string
	err := row.Scan(
		&spawn.AgentID, &spawn.InstanceID, &spawn.ProjectPath, &spawn.TaskType, &spawn.Description,
		&spawn.Context, &spawn.Service, &spawn.Model, &spawn.Status, &spawn.OutputPath,
		&spawn.ExitCode, &errMsg, &spawn.StartedAt, &spawn.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		spawn.Error = *errMsg
	}
	return &spawn, nil
}
