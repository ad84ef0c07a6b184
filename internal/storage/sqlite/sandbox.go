package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hwfleet/fleetmaster/internal/model"
)

const sandboxColumns = `id, port, status, work_dir, entry, messages, tool_calls, files, workers, created_at`

// CreateSandbox creates a new sandbox in the repository.
func (r *Repository) CreateSandbox(ctx context.Context, s model.Sandbox) error {
	enc, err := encodeSandbox(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sandboxes (` + sandboxColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(
		ctx, query,
		s.ID, s.Port, s.Status, s.WorkDir, s.Entry,
		enc.messages, enc.toolCalls, enc.files, enc.workers,
		s.CreatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: sandboxes.") {
			return fmt.Errorf("sandbox already exists: %w", model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert sandbox: %w", err)
	}

	r.logger.Debugf("Created sandbox in repository: %s", s.ID)
	return nil
}

// GetSandbox retrieves a sandbox by ID.
func (r *Repository) GetSandbox(ctx context.Context, id string) (*model.Sandbox, error) {
	query := `SELECT ` + sandboxColumns + ` FROM sandboxes WHERE id = ?`

	sandbox, err := scanSandbox(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sandbox %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query sandbox: %w", err)
	}

	return sandbox, nil
}

// ListSandboxes returns all sandboxes ordered by creation time.
func (r *Repository) ListSandboxes(ctx context.Context) ([]model.Sandbox, error) {
	query := `SELECT ` + sandboxColumns + ` FROM sandboxes ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not query sandboxes: %w", err)
	}
	defer rows.Close()

	sandboxes := []model.Sandbox{}
	for rows.Next() {
		sandbox, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan sandbox: %w", err)
		}
		sandboxes = append(sandboxes, *sandbox)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate sandboxes: %w", err)
	}

	return sandboxes, nil
}

// UpdateSandbox updates an existing sandbox.
func (r *Repository) UpdateSandbox(ctx context.Context, s model.Sandbox) error {
	enc, err := encodeSandbox(s)
	if err != nil {
		return err
	}

	query := `
		UPDATE sandboxes SET
			status = ?, work_dir = ?, entry = ?,
			messages = ?, tool_calls = ?, files = ?, workers = ?
		WHERE id = ?
	`

	res, err := r.db.ExecContext(
		ctx, query,
		s.Status, s.WorkDir, s.Entry,
		enc.messages, enc.toolCalls, enc.files, enc.workers,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("could not update sandbox: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("sandbox %s: %w", s.ID, model.ErrNotFound)
	}

	r.logger.Debugf("Updated sandbox in repository: %s", s.ID)
	return nil
}

// DeleteSandbox deletes a sandbox, releasing its port for reuse.
func (r *Repository) DeleteSandbox(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not delete sandbox: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("sandbox %s: %w", id, model.ErrNotFound)
	}

	r.logger.Debugf("Deleted sandbox from repository: %s", id)
	return nil
}

type encodedSandbox struct {
	messages  string
	toolCalls string
	files     string
	workers   string
}

func encodeSandbox(s model.Sandbox) (*encodedSandbox, error) {
	messages, err := encodeJSON(s.Messages, "[]")
	if err != nil {
		return nil, fmt.Errorf("could not encode sandbox messages: %w", err)
	}
	toolCalls, err := encodeJSON(s.ToolCalls, "[]")
	if err != nil {
		return nil, fmt.Errorf("could not encode sandbox tool calls: %w", err)
	}
	files, err := encodeJSON(s.Files, "{}")
	if err != nil {
		return nil, fmt.Errorf("could not encode sandbox files: %w", err)
	}
	workers, err := encodeJSON(s.Workers, "[]")
	if err != nil {
		return nil, fmt.Errorf("could not encode sandbox workers: %w", err)
	}

	return &encodedSandbox{messages: messages, toolCalls: toolCalls, files: files, workers: workers}, nil
}

func encodeJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	s := string(b)
	if s == "null" {
		s = empty
	}
	return s, nil
}

func scanSandbox(row rowScanner) (*model.Sandbox, error) {
	var s model.Sandbox
	var messages, toolCalls, files, workers string
	var createdAt int64

	err := row.Scan(&s.ID, &s.Port, &s.Status, &s.WorkDir, &s.Entry, &messages, &toolCalls, &files, &workers, &createdAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(messages), &s.Messages); err != nil {
		return nil, fmt.Errorf("could not decode sandbox messages: %w", err)
	}
	if err := json.Unmarshal([]byte(toolCalls), &s.ToolCalls); err != nil {
		return nil, fmt.Errorf("could not decode sandbox tool calls: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &s.Files); err != nil {
		return nil, fmt.Errorf("could not decode sandbox files: %w", err)
	}
	if err := json.Unmarshal([]byte(workers), &s.Workers); err != nil {
		return nil, fmt.Errorf("could not decode sandbox workers: %w", err)
	}
	s.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &s, nil
}
