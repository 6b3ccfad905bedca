package workflow

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/liamcoop/dealflow/entity"
)

const stepColumns = `ws.id, ws.workflow_id, ws.step_order, ws.is_initial_step, ws.is_final_step, ws.metadata,
	st.id, st.name, st.color`

// PostgresStore implements Store backed by PostgreSQL
type PostgresStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresStore creates a PostgreSQL-backed workflow store for a specific tenant
func NewPostgresStore(db *sql.DB, tenantID string) *PostgresStore {
	return &PostgresStore{
		db:       db,
		tenantID: tenantID,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (Step, error) {
	var (
		s        Step
		metadata []byte
	)
	err := row.Scan(&s.ID, &s.WorkflowID, &s.Order, &s.IsInitial, &s.IsFinal, &metadata,
		&s.Status.ID, &s.Status.Name, &s.Status.Color)
	if err != nil {
		return Step{}, err
	}
	if len(metadata) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(metadata))
		decoder.UseNumber()
		if err := decoder.Decode(&s.Metadata); err != nil {
			return Step{}, fmt.Errorf("failed to decode metadata of step %s: %w", s.ID, err)
		}
	}
	return s, nil
}

// Save validates and writes a workflow with its statuses and steps in one transaction
func (p *PostgresStore) Save(ctx context.Context, w Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (tenant_id, id, name, entity_type, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET name = EXCLUDED.name, entity_type = EXCLUDED.entity_type, is_active = EXCLUDED.is_active
	`, p.tenantID, w.ID, w.Name, string(w.EntityType), w.Active)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_steps WHERE tenant_id = $1 AND workflow_id = $2`, p.tenantID, w.ID); err != nil {
		return fmt.Errorf("failed to clear workflow steps: %w", err)
	}

	for _, s := range w.Steps {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_statuses (tenant_id, id, name, color)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, id) DO UPDATE SET name = EXCLUDED.name, color = EXCLUDED.color
		`, p.tenantID, s.Status.ID, s.Status.Name, s.Status.Color)
		if err != nil {
			return fmt.Errorf("failed to save status %s: %w", s.Status.ID, err)
		}

		metadata := s.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata of step %s: %w", s.ID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (tenant_id, id, workflow_id, status_id, step_order,
				is_initial_step, is_final_step, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, p.tenantID, s.ID, w.ID, s.Status.ID, s.Order, s.IsInitial, s.IsFinal, string(encoded))
		if err != nil {
			return fmt.Errorf("failed to save step %s: %w", s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}
	return nil
}

// Workflow returns a workflow by ID with its ordered steps
func (p *PostgresStore) Workflow(ctx context.Context, id string) (Workflow, error) {
	var (
		w          Workflow
		entityType string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, entity_type, is_active
		FROM workflows
		WHERE id = $1 AND tenant_id = $2
	`, id, p.tenantID).Scan(&w.ID, &w.Name, &entityType, &w.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return Workflow{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if err != nil {
		return Workflow{}, fmt.Errorf("failed to get workflow: %w", err)
	}
	w.EntityType = entity.Type(entityType)

	w.Steps, err = p.steps(ctx, id)
	if err != nil {
		return Workflow{}, err
	}
	return w, nil
}

func (p *PostgresStore) steps(ctx context.Context, workflowID string) ([]Step, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+stepColumns+`
		FROM workflow_steps ws
		JOIN workflow_statuses st ON st.tenant_id = ws.tenant_id AND st.id = ws.status_id
		WHERE ws.tenant_id = $1 AND ws.workflow_id = $2
		ORDER BY ws.step_order ASC
	`, p.tenantID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow steps: %w", err)
	}
	defer rows.Close()

	steps := []Step{}
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow step: %w", err)
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow steps: %w", err)
	}
	return steps, nil
}

// Workflows lists workflows sorted by name
func (p *PostgresStore) Workflows(ctx context.Context, entityType entity.Type) ([]Workflow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id
		FROM workflows
		WHERE tenant_id = $1 AND ($2 = '' OR entity_type = $2)
		ORDER BY name ASC
	`, p.tenantID, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	out := make([]Workflow, 0, len(ids))
	for _, id := range ids {
		w, err := p.Workflow(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// Step returns a step by ID
func (p *PostgresStore) Step(ctx context.Context, id string) (Step, error) {
	s, err := scanStep(p.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+`
		FROM workflow_steps ws
		JOIN workflow_statuses st ON st.tenant_id = ws.tenant_id AND st.id = ws.status_id
		WHERE ws.tenant_id = $1 AND ws.id = $2
	`, p.tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	if err != nil {
		return Step{}, fmt.Errorf("failed to get workflow step: %w", err)
	}
	return s, nil
}

// StepPlacement returns the workflow and status of a step
func (p *PostgresStore) StepPlacement(ctx context.Context, stepID string) (string, string, error) {
	s, err := p.Step(ctx, stepID)
	if err != nil {
		return "", "", err
	}
	return s.WorkflowID, s.Status.ID, nil
}
