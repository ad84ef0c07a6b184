package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hwfleet/fleetmaster/internal/model"
)

// UpsertWorker replaces the whole worker record.
func (r *Repository) UpsertWorker(ctx context.Context, w model.Worker) error {
	skillsJSON, err := json.Marshal(w.Skills)
	if err != nil {
		return fmt.Errorf("could not encode worker skills: %w", err)
	}

	query := `
		INSERT INTO workers (id, addr, status, task, vnc_port, skills, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			addr = excluded.addr,
			status = excluded.status,
			task = excluded.task,
			vnc_port = excluded.vnc_port,
			skills = excluded.skills,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, query, w.ID, w.Addr, w.Status, w.Task, w.VNCPort, string(skillsJSON), w.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("could not upsert worker: %w", err)
	}

	r.logger.Debugf("Upserted worker in repository: %s", w.ID)
	return nil
}

// GetWorker retrieves a worker by ID.
func (r *Repository) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	query := `SELECT id, addr, status, task, vnc_port, skills, updated_at FROM workers WHERE id = ?`

	worker, err := scanWorker(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("worker %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query worker: %w", err)
	}

	return worker, nil
}

// ListWorkers returns all workers ordered by ID.
func (r *Repository) ListWorkers(ctx context.Context) ([]model.Worker, error) {
	query := `SELECT id, addr, status, task, vnc_port, skills, updated_at FROM workers ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not query workers: %w", err)
	}
	defer rows.Close()

	workers := []model.Worker{}
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan worker: %w", err)
		}
		workers = append(workers, *worker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate workers: %w", err)
	}

	return workers, nil
}

func scanWorker(row rowScanner) (*model.Worker, error) {
	var w model.Worker
	var skillsJSON string
	var updatedAt int64

	err := row.Scan(&w.ID, &w.Addr, &w.Status, &w.Task, &w.VNCPort, &skillsJSON, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(skillsJSON), &w.Skills); err != nil {
		return nil, fmt.Errorf("could not decode worker skills: %w", err)
	}
	w.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &w, nil
}
