package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gpt153/supervisor/pkg/database"
	"github.com/gpt153/supervisor/pkg/models"
)

// idGenerationAttempts bounds retries on instance_id collisions. Six hex
// chars give ~16M combinations per project/type; consecutive collisions are
// effectively impossible, but the insert retries rather than assumes.
const idGenerationAttempts = 5

// InstanceService manages the supervisor session registry: registration,
// heartbeats, listing, prefix lookup, closing, and stale transitions.
type InstanceService struct {
	db     *database.Client
	events *EventService
}

// NewInstanceService creates a new InstanceService.
func NewInstanceService(db *database.Client, events *EventService) *InstanceService {
	return &InstanceService{db: db, events: events}
}

const instanceColumns = `instance_id, project, type, status, context_percent,
	current_epic, host_machine, created_at, last_heartbeat, closed_at`

// Register creates a new supervisor session with a fresh instance ID and
// appends the instance_registered event as sequence 1.
func (s *InstanceService) Register(httpCtx context.Context, req models.RegisterInstanceRequest) (*models.Instance, error) {
	if req.Project == "" {
		return nil, NewValidationError("project", "required")
	}
	if req.Type != models.InstanceTypePS && req.Type != models.InstanceTypeMS {
		return nil, NewValidationError("type", "must be PS or MS")
	}
	if req.ContextPercent < 0 || req.ContextPercent > 100 {
		return nil, NewValidationError("context_percent", "must be between 0 and 100")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var instance *models.Instance
	for attempt := 0; attempt < idGenerationAttempts; attempt++ {
		id, err := generateInstanceID(req.Project, req.Type)
		if err != nil {
			return nil, fmt.Errorf("failed to generate instance id: %w", err)
		}

		err = s.db.WithTx(ctx, func(ctx context.Context) error {
			q := s.db.Querier(ctx)
			row := q.QueryRow(ctx, `
				INSERT INTO instances (instance_id, project, type, status, context_percent, host_machine)
				VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
				RETURNING `+instanceColumns,
				id, req.Project, req.Type, models.InstanceStatusActive, req.ContextPercent, req.HostMachine)

			inst, scanErr := scanInstance(row)
			if scanErr != nil {
				return scanErr
			}
			instance = inst

			return s.events.LogEvent(ctx, id, models.EventInstanceRegistered, map[string]any{
				"project": req.Project,
				"type":    string(req.Type),
			}, nil)
		})
		if err == nil {
			break
		}
		if database.IsUniqueViolation(err) {
			slog.Warn("Instance ID collision, regenerating", "instance_id", id, "attempt", attempt+1)
			continue
		}
		return nil, fmt.Errorf("failed to register instance: %w", err)
	}
	if instance == nil {
		return nil, fmt.Errorf("failed to register instance: exhausted %d id attempts", idGenerationAttempts)
	}

	return instance, nil
}

// Heartbeat updates last_heartbeat and context usage for an instance. A
// heartbeat on a stale instance revives it to active; a closed instance is
// rejected.
func (s *InstanceService) Heartbeat(httpCtx context.Context, req models.HeartbeatRequest) (*models.Instance, error) {
	if req.InstanceID == "" {
		return nil, NewValidationError("instance_id", "required")
	}
	if req.ContextPercent < 0 || req.ContextPercent > 100 {
		return nil, NewValidationError("context_percent", "must be between 0 and 100")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var instance *models.Instance
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.getForUpdate(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		if current.IsClosed() {
			return ErrClosed
		}

		q := s.db.Querier(ctx)
		row := q.QueryRow(ctx, `
			UPDATE instances
			SET status = $2, context_percent = $3, current_epic = COALESCE($4, current_epic), last_heartbeat = now()
			WHERE instance_id = $1
			RETURNING `+instanceColumns,
			req.InstanceID, models.InstanceStatusActive, req.ContextPercent, req.CurrentEpic)

		inst, err := scanInstance(row)
		if err != nil {
			return err
		}
		instance = inst

		return s.events.LogEvent(ctx, req.InstanceID, models.EventInstanceHeartbeat, map[string]any{
			"context_percent": req.ContextPercent,
		}, nil)
	})
	if err != nil {
		return nil, err
	}

	return instance, nil
}

// List returns instances sorted by project asc then last_heartbeat desc, each
// carrying derived age_seconds and stale flags. activeOnly excludes closed rows.
func (s *InstanceService) List(ctx context.Context, project string, activeOnly bool) ([]models.InstanceListItem, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE instance_id <> $1`
	args := []any{models.AnonymousInstanceID}
	if project != "" {
		args = append(args, project)
		query += fmt.Sprintf(" AND project = $%d", len(args))
	}
	if activeOnly {
		args = append(args, models.InstanceStatusClosed)
		query += fmt.Sprintf(" AND status <> $%d", len(args))
	}
	query += " ORDER BY project ASC, last_heartbeat DESC"

	rows, err := s.db.Querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var items []models.InstanceListItem
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, models.InstanceListItem{
			Instance:   *inst,
			AgeSeconds: int64(now.Sub(inst.CreatedAt).Seconds()),
			Stale:      isStale(inst, now),
		})
	}
	return items, rows.Err()
}

// GetDetails resolves an instance by full ID or by a prefix of its 6-hex
// suffix. Exactly one match returns Exact; several return Matches; none
// returns ErrNotFound. A prefix is never silently resolved to one of many.
func (s *InstanceService) GetDetails(ctx context.Context, idOrPrefix string) (*models.InstanceDetails, error) {
	if idOrPrefix == "" {
		return nil, NewValidationError("instance_id", "required")
	}

	if models.InstanceIDPattern.MatchString(idOrPrefix) {
		inst, err := s.Get(ctx, idOrPrefix)
		if err != nil {
			return nil, err
		}
		return &models.InstanceDetails{Exact: inst}, nil
	}

	suffix := strings.ToLower(idOrPrefix)
	rows, err := s.db.Querier(ctx).Query(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE instance_id <> $2
		  AND split_part(instance_id, '-', -1) LIKE $1 || '%'
		ORDER BY last_heartbeat DESC`,
		suffix, models.AnonymousInstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances by suffix: %w", err)
	}
	defer rows.Close()

	var matches []models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &models.InstanceDetails{Exact: &matches[0]}, nil
	default:
		return &models.InstanceDetails{Matches: matches}, nil
	}
}

// Get retrieves a single instance by exact ID.
func (s *InstanceService) Get(ctx context.Context, instanceID string) (*models.Instance, error) {
	row := s.db.Querier(ctx).QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE instance_id = $1`, instanceID)
	inst, err := scanInstance(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// Close marks an instance closed. Idempotent: closing a closed instance
// returns the existing row without appending another event.
func (s *InstanceService) Close(httpCtx context.Context, instanceID string) (*models.Instance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var instance *models.Instance
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.getForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		if current.IsClosed() {
			instance = current
			return nil
		}

		// Event appended before the status flip: once closed, the stream
		// accepts no further events.
		if err := s.events.LogEvent(ctx, instanceID, models.EventInstanceClosed, map[string]any{}, nil); err != nil {
			return err
		}

		q := s.db.Querier(ctx)
		row := q.QueryRow(ctx, `
			UPDATE instances
			SET status = $2, closed_at = now()
			WHERE instance_id = $1
			RETURNING `+instanceColumns,
			instanceID, models.InstanceStatusClosed)

		inst, err := scanInstance(row)
		if err != nil {
			return err
		}
		instance = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// MarkStaleInstances transitions active instances whose heartbeat is older
// than the stale threshold, emitting instance_stale per transition. Returns
// the transitioned IDs. Called by the health sweep.
func (s *InstanceService) MarkStaleInstances(ctx context.Context) ([]string, error) {
	var staleIDs []string
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		q := s.db.Querier(ctx)
		rows, err := q.Query(ctx, `
			UPDATE instances
			SET status = $1
			WHERE status = $2 AND last_heartbeat < now() - make_interval(secs => $3)
			  AND instance_id <> $4
			RETURNING instance_id`,
			models.InstanceStatusStale, models.InstanceStatusActive,
			models.StaleThreshold.Seconds(), models.AnonymousInstanceID)
		if err != nil {
			return fmt.Errorf("failed to mark stale instances: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			staleIDs = append(staleIDs, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range staleIDs {
			if err := s.events.LogEvent(ctx, id, models.EventInstanceStale, map[string]any{}, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return staleIDs, nil
}

// CloseIdleInstances closes non-closed instances whose heartbeat is older
// than the cutoff. Used by the maintenance subcommand.
func (s *InstanceService) CloseIdleInstances(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.Querier(ctx).Query(ctx, `
		SELECT instance_id FROM instances
		WHERE status <> $1 AND last_heartbeat < $2 AND instance_id <> $3`,
		models.InstanceStatusClosed, cutoff, models.AnonymousInstanceID)
	if err != nil {
		return 0, fmt.Errorf("failed to find idle instances: %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	closed := 0
	for _, id := range ids {
		if _, err := s.Close(ctx, id); err != nil {
			slog.Warn("Failed to close idle instance", "instance_id", id, "error", err)
			continue
		}
		closed++
	}
	return closed, nil
}

// getForUpdate loads an instance with a row lock inside the current transaction.
func (s *InstanceService) getForUpdate(ctx context.Context, instanceID string) (*models.Instance, error) {
	row := s.db.Querier(ctx).QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE instance_id = $1 FOR UPDATE`, instanceID)
	inst, err := scanInstance(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	return inst, nil
}

// isStale reports whether an instance would be flagged stale at the given time.
func isStale(inst *models.Instance, now time.Time) bool {
	return !inst.IsClosed() && now.Sub(inst.LastHeartbeat) > models.StaleThreshold
}

// generateInstanceID builds "{project}-{type}-{6 lowercase hex}".
func generateInstanceID(project string, typ models.InstanceType) (string, error) {
	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", project, typ, hex.EncodeToString(buf[:])), nil
}

// rowScanner abstracts pgx.Row and pgx.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*models.Instance, error) {
	var inst models.Instance
	err := row.Scan(
		&inst.InstanceID, &inst.Project, &inst.Type, &inst.Status, &inst.ContextPercent,
		&inst.CurrentEpic, &inst.HostMachine, &inst.CreatedAt, &inst.LastHeartbeat, &inst.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}
