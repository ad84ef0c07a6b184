package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hwfleet/fleetmaster/internal/log"
	"github.com/hwfleet/fleetmaster/internal/model"
	"github.com/hwfleet/fleetmaster/internal/storage"
	"github.com/hwfleet/fleetmaster/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.Repository.
//
// SQLite transactions are the serialization point for read-modify-write
// operations, claims run inside a single transaction.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new SQLite repository.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

const taskColumns = `
	id, title, description, type, status,
	parent_task, assigned_worker, worker,
	artifact_dir, script, extra, created_at
`

// CreateTask creates a new task in the repository.
func (r *Repository) CreateTask(ctx context.Context, t model.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertTask(ctx, tx, t); err != nil {
		return err
	}
	if err := replaceTransitions(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Created task in repository: %s", t.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	if err := r.loadTransitions(ctx, task); err != nil {
		return nil, err
	}

	return task, nil
}

// ListTasks returns all tasks ordered by creation time.
func (r *Repository) ListTasks(ctx context.Context) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at ASC, id ASC`
	return r.queryTasks(ctx, query)
}

// ListChildTasks returns all tasks with the given parent, ordered by
// creation time.
func (r *Repository) ListChildTasks(ctx context.Context, parentID string) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE parent_task = ? ORDER BY created_at ASC, id ASC`
	return r.queryTasks(ctx, query, parentID)
}

// UpdateTask updates an existing task and rewrites its transition log.
func (r *Repository) UpdateTask(ctx context.Context, t model.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := updateTask(ctx, tx, t)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrNotFound)
	}

	if err := replaceTransitions(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Updated task in repository: %s", t.ID)
	return nil
}

// ClaimPendingTask atomically claims the next pending task for a worker.
// The selection and the state change run in one transaction so concurrent
// claimants can never pick the same task.
func (r *Repository) ClaimPendingTask(ctx context.Context, workerID string, now time.Time) (*model.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Assignment affinity first, then unassigned work.
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = ? AND assigned_worker = ?
		ORDER BY created_at ASC, id ASC LIMIT 1`

	task, err := scanTask(tx.QueryRowContext(ctx, query, model.TaskStatusPending, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		task, err = scanTask(tx.QueryRowContext(ctx, query, model.TaskStatusPending, ""))
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no pending task for worker %s: %w", workerID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query pending task: %w", err)
	}

	if err := r.loadTransitionsTx(ctx, tx, task); err != nil {
		return nil, err
	}

	storage.ApplyClaim(task, workerID, now)

	if _, err := updateTask(ctx, tx, *task); err != nil {
		return nil, err
	}
	if err := replaceTransitions(ctx, tx, *task); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Claimed task %s for worker %s", task.ID, workerID)
	return task, nil
}

func (r *Repository) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate tasks: %w", err)
	}

	for i := range tasks {
		if err := r.loadTransitions(ctx, &tasks[i]); err != nil {
			return nil, err
		}
	}

	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var extraJSON string
	var createdAt int64

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Type, &t.Status,
		&t.ParentTask, &t.AssignedWorker, &t.Worker,
		&t.ArtifactDir, &t.Script, &extraJSON, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(extraJSON), &t.Extra); err != nil {
		return nil, fmt.Errorf("could not decode task extra: %w", err)
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &t, nil
}

func insertTask(ctx context.Context, tx *sql.Tx, t model.Task) error {
	extraJSON, err := encodeMap(t.Extra)
	if err != nil {
		return fmt.Errorf("could not encode task extra: %w", err)
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(
		ctx, query,
		t.ID, t.Title, t.Description, t.Type, t.Status,
		t.ParentTask, t.AssignedWorker, t.Worker,
		t.ArtifactDir, t.Script, extraJSON, t.CreatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: tasks.") {
			return fmt.Errorf("task already exists: %w", model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert task: %w", err)
	}

	return nil
}

func updateTask(ctx context.Context, tx *sql.Tx, t model.Task) (sql.Result, error) {
	extraJSON, err := encodeMap(t.Extra)
	if err != nil {
		return nil, fmt.Errorf("could not encode task extra: %w", err)
	}

	query := `
		UPDATE tasks SET
			title = ?, description = ?, type = ?, status = ?,
			parent_task = ?, assigned_worker = ?, worker = ?,
			artifact_dir = ?, script = ?, extra = ?
		WHERE id = ?
	`

	res, err := tx.ExecContext(
		ctx, query,
		t.Title, t.Description, t.Type, t.Status,
		t.ParentTask, t.AssignedWorker, t.Worker,
		t.ArtifactDir, t.Script, extraJSON, t.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("could not update task: %w", err)
	}

	return res, nil
}

// replaceTransitions rewrites the whole transition log of a task. The log is
// append-only at the model level so this only ever grows.
func replaceTransitions(ctx context.Context, tx *sql.Tx, t model.Task) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_transitions WHERE task_id = ?`, t.ID); err != nil {
		return fmt.Errorf("could not clear transitions: %w", err)
	}

	query := `
		INSERT INTO task_transitions (task_id, seq, from_status, to_status, at, note, worker, manual)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, tr := range t.Transitions {
		manual := 0
		if tr.Manual {
			manual = 1
		}
		_, err := tx.ExecContext(ctx, query, t.ID, i, tr.From, tr.To, tr.At.Unix(), tr.Note, tr.Worker, manual)
		if err != nil {
			return fmt.Errorf("could not insert transition: %w", err)
		}
	}

	return nil
}

func (r *Repository) loadTransitions(ctx context.Context, t *model.Task) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT from_status, to_status, at, note, worker, manual
		FROM task_transitions WHERE task_id = ? ORDER BY seq ASC`, t.ID)
	if err != nil {
		return fmt.Errorf("could not query transitions: %w", err)
	}
	defer rows.Close()

	return decodeTransitions(rows, t)
}

func (r *Repository) loadTransitionsTx(ctx context.Context, tx *sql.Tx, t *model.Task) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT from_status, to_status, at, note, worker, manual
		FROM task_transitions WHERE task_id = ? ORDER BY seq ASC`, t.ID)
	if err != nil {
		return fmt.Errorf("could not query transitions: %w", err)
	}
	defer rows.Close()

	return decodeTransitions(rows, t)
}

func decodeTransitions(rows *sql.Rows, t *model.Task) error {
	t.Transitions = nil
	t.StatusTimes = map[string]time.Time{}
	for rows.Next() {
		var tr model.TaskTransition
		var at int64
		var manual int
		if err := rows.Scan(&tr.From, &tr.To, &at, &tr.Note, &tr.Worker, &manual); err != nil {
			return fmt.Errorf("could not scan transition: %w", err)
		}
		tr.At = time.Unix(at, 0).UTC()
		tr.Manual = manual != 0
		t.Transitions = append(t.Transitions, tr)
		t.StatusTimes[tr.To] = tr.At
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("could not iterate transitions: %w", err)
	}

	return nil
}

func encodeMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
