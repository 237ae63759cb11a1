package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ghostflow-ai/ghostflow/pkg/models"
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// PostgresTaskStore is the production TaskStore.
type PostgresTaskStore struct {
	pool *pgxpool.Pool
}

// NewPostgresTaskStore creates a store over the shared pool.
func NewPostgresTaskStore(pool *pgxpool.Pool) *PostgresTaskStore {
	return &PostgresTaskStore{pool: pool}
}

const taskColumns = `id, namespace, bot, thread_id, prompt, status, show_thinking,
	stream_id, error, attempts, submitted_by, created_at, started_at, completed_at, deleted_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.Namespace, &t.Bot, &t.ThreadID, &t.Prompt, &t.Status,
		&t.ShowThinking, &t.StreamID, &t.Error, &t.Attempts, &t.SubmittedBy,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}

func (s *PostgresTaskStore) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Namespace == "" {
		task.Namespace = "default"
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, namespace, bot, thread_id, prompt, status, show_thinking,
			stream_id, error, attempts, submitted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		task.ID, task.Namespace, task.Bot, task.ThreadID, task.Prompt, task.Status,
		task.ShowThinking, task.StreamID, task.Error, task.Attempts, task.SubmittedBy, task.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresTaskStore) Get(ctx context.Context, id string) (*models.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanTask(row)
}

func (s *PostgresTaskStore) List(ctx context.Context, namespace string, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE deleted_at IS NULL AND ($1 = '' OR namespace = $1)
		ORDER BY created_at DESC
		LIMIT $2`, namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// transition updates a non-terminal task, returning ErrTaskTerminal when
// the task already finished.
func (s *PostgresTaskStore) transition(ctx context.Context, id, set string, args ...any) (*models.Task, error) {
	query := fmt.Sprintf(`
		UPDATE tasks SET %s
		WHERE id = $1 AND deleted_at IS NULL
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		RETURNING `+taskColumns, set)
	task, err := scanTask(s.pool.QueryRow(ctx, query, append([]any{id}, args...)...))
	if errors.Is(err, ErrNotFound) {
		// Distinguish missing from frozen.
		if _, getErr := s.Get(ctx, id); getErr == nil {
			return nil, ErrTaskTerminal
		}
		return nil, ErrNotFound
	}
	return task, err
}

func (s *PostgresTaskStore) Start(ctx context.Context, id string) (*models.Task, error) {
	return s.transition(ctx, id,
		`status = 'running', attempts = attempts + 1, started_at = COALESCE(started_at, now())`)
}

func (s *PostgresTaskStore) Complete(ctx context.Context, id string) (*models.Task, error) {
	return s.transition(ctx, id, `status = 'completed', completed_at = now()`)
}

func (s *PostgresTaskStore) Fail(ctx context.Context, id, errMsg string) (*models.Task, error) {
	return s.transition(ctx, id, `status = 'failed', error = $2, completed_at = now()`, errMsg)
}

func (s *PostgresTaskStore) Cancel(ctx context.Context, id string) (*models.Task, error) {
	return s.transition(ctx, id, `status = 'cancelled', completed_at = now()`)
}

func (s *PostgresTaskStore) SetStream(ctx context.Context, id, streamID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET stream_id = $2 WHERE id = $1 AND deleted_at IS NULL`, id, streamID)
	if err != nil {
		return fmt.Errorf("set task stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresTaskStore) SoftDelete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresTaskStore) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tasks WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PostgresMessageStore is the production MessageStore.
type PostgresMessageStore struct {
	pool *pgxpool.Pool
}

// NewPostgresMessageStore creates a store over the shared pool.
func NewPostgresMessageStore(pool *pgxpool.Pool) *PostgresMessageStore {
	return &PostgresMessageStore{pool: pool}
}

// Create inserts the message with the next dense sequence for its
// (task, thread). A concurrent insert for the same pair trips the unique
// constraint; the insert retries with a fresh sequence.
func (s *PostgresMessageStore) Create(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	const attempts = 3
	for i := 0; i < attempts; i++ {
		err := s.pool.QueryRow(ctx, `
			INSERT INTO messages (id, task_id, thread_id, sequence, role, content, tool_name, created_at)
			SELECT $1, $2, $3, COALESCE(MAX(sequence) + 1, 0), $4, $5, $6, $7
			FROM messages WHERE task_id = $2 AND thread_id = $3
			RETURNING sequence`,
			msg.ID, msg.TaskID, msg.ThreadID, msg.Role, msg.Content, msg.ToolName, msg.CreatedAt,
		).Scan(&msg.Sequence)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return fmt.Errorf("insert message: sequence contention after %d attempts", attempts)
}

func scanMessages(rows pgx.Rows) ([]*models.Message, error) {
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.TaskID, &m.ThreadID, &m.Sequence, &m.Role,
			&m.Content, &m.ToolName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

const messageColumns = `id, task_id, thread_id, sequence, role, content, tool_name, created_at`

func (s *PostgresMessageStore) TaskHistory(ctx context.Context, taskID string) ([]*models.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE task_id = $1 ORDER BY sequence`, taskID)
	if err != nil {
		return nil, fmt.Errorf("task history: %w", err)
	}
	return scanMessages(rows)
}

func (s *PostgresMessageStore) ThreadHistory(ctx context.Context, threadID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE thread_id = $1
			ORDER BY created_at DESC, sequence DESC
			LIMIT $2
		) recent ORDER BY created_at, sequence`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("thread history: %w", err)
	}
	return scanMessages(rows)
}

func (s *PostgresMessageStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PostgresResourceStore is the production ResourceStore.
type PostgresResourceStore struct {
	pool *pgxpool.Pool
}

// NewPostgresResourceStore creates a store over the shared pool.
func NewPostgresResourceStore(pool *pgxpool.Pool) *PostgresResourceStore {
	return &PostgresResourceStore{pool: pool}
}

const resourceColumns = `id, kind, namespace, name, spec, created_at, updated_at, deleted_at`

func scanResource(row pgx.Row) (*models.Resource, error) {
	var r models.Resource
	err := row.Scan(&r.ID, &r.Kind, &r.Namespace, &r.Name, &r.Spec,
		&r.CreatedAt, &r.UpdatedAt, &r.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan resource: %w", err)
	}
	return &r, nil
}

func (s *PostgresResourceStore) Create(ctx context.Context, res *models.Resource) error {
	exists := func(ctx context.Context, kind models.ResourceKind, namespace, name string) (bool, error) {
		var found bool
		err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM resources
				WHERE kind = $1 AND namespace = $2 AND name = $3 AND deleted_at IS NULL
			)`, kind, namespace, name).Scan(&found)
		if err != nil {
			return false, fmt.Errorf("check resource reference: %w", err)
		}
		return found, nil
	}
	if err := validateResource(ctx, exists, res); err != nil {
		return err
	}

	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO resources (id, kind, namespace, name, spec, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.ID, res.Kind, res.Namespace, res.Name, res.Spec, res.CreatedAt, res.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

func (s *PostgresResourceStore) Get(ctx context.Context, kind models.ResourceKind, namespace, name string) (*models.Resource, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+resourceColumns+` FROM resources
		WHERE kind = $1 AND namespace = $2 AND name = $3 AND deleted_at IS NULL`,
		kind, namespace, name)
	return scanResource(row)
}

func (s *PostgresResourceStore) List(ctx context.Context, kind models.ResourceKind, namespace string) ([]*models.Resource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+resourceColumns+` FROM resources
		WHERE kind = $1 AND deleted_at IS NULL AND ($2 = '' OR namespace = $2)
		ORDER BY name`, kind, namespace)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var out []*models.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresResourceStore) SoftDelete(ctx context.Context, kind models.ResourceKind, namespace, name string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE resources SET deleted_at = now()
		WHERE kind = $1 AND namespace = $2 AND name = $3 AND deleted_at IS NULL`,
		kind, namespace, name)
	if err != nil {
		return fmt.Errorf("soft delete resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
