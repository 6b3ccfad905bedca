package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// columns lists the snapshot select expressions, optionally qualified with a table alias
func columns(alias string) string {
	p := ""
	if alias != "" {
		p = alias + "."
	}
	return fmt.Sprintf(`%[1]sid, %[1]stype, COALESCE(%[1]sname, ''), %[1]samount, COALESCE(%[1]scurrency, ''),
	COALESCE(%[1]spriority, ''), COALESCE(%[1]sstatus, ''), COALESCE(%[1]sassignee_id, ''),
	COALESCE(%[1]screator_id, ''), COALESCE(%[1]semail, ''), COALESCE(%[1]sphone, ''),
	COALESCE(%[1]sorganization_id, ''), COALESCE(%[1]sperson_id, ''), %[1]sexpected_close_date,
	%[1]smanual_probability, COALESCE(%[1]sworkflow_id, ''), COALESCE(%[1]scurrent_step_id, ''),
	COALESCE(%[1]scurrent_status_id, ''), %[1]sversion, %[1]scustom, %[1]screated_at, %[1]supdated_at`, p)
}

var snapshotColumns = columns("")

// PostgresRepository implements Repository and Lister backed by PostgreSQL
type PostgresRepository struct {
	db       *sql.DB
	tenantID string
	registry *Registry
}

// NewPostgresRepository creates a PostgreSQL-backed entity repository for a specific tenant
func NewPostgresRepository(db *sql.DB, tenantID string, registry *Registry) *PostgresRepository {
	return &PostgresRepository{
		db:       db,
		tenantID: tenantID,
		registry: registry,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var (
		s           Snapshot
		entityType  string
		amount      sql.NullFloat64
		probability sql.NullFloat64
		closeDate   sql.NullTime
		custom      []byte
	)
	err := row.Scan(&s.ID, &entityType, &s.Name, &amount, &s.Currency,
		&s.Priority, &s.Status, &s.AssigneeID,
		&s.CreatorID, &s.Email, &s.Phone,
		&s.OrganizationID, &s.PersonID, &closeDate,
		&probability, &s.WorkflowID, &s.CurrentStepID,
		&s.CurrentStatusID, &s.Version, &custom, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Snapshot{}, err
	}

	s.Type = Type(entityType)
	if amount.Valid {
		s.Amount = Float64(amount.Float64)
	}
	if probability.Valid {
		s.ManualProbability = Float64(probability.Float64)
	}
	if closeDate.Valid {
		t := closeDate.Time
		s.ExpectedCloseDate = &t
	}
	if len(custom) > 0 {
		if err := json.Unmarshal(custom, &s.Custom); err != nil {
			return Snapshot{}, fmt.Errorf("failed to decode custom fields: %w", err)
		}
	}
	return s, nil
}

// Get loads an entity snapshot by ID
func (r *PostgresRepository) Get(ctx context.Context, id string) (Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM entities
		WHERE id = $1 AND tenant_id = $2
	`, id, r.tenantID)

	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get entity: %w", err)
	}
	return s, nil
}

// UpdateField writes one field. The write is conditional on the version read
// beforehand so a concurrent writer surfaces ErrConcurrentModification.
func (r *PostgresRepository) UpdateField(ctx context.Context, id, field, value string) (Snapshot, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}

	updated := current.Clone()
	if err := r.registry.Apply(&updated, field, value); err != nil {
		return Snapshot{}, err
	}

	var (
		column string
		arg    any
	)
	if strings.HasPrefix(field, CustomPrefix) {
		column = "custom"
		encoded, err := json.Marshal(updated.Custom)
		if err != nil {
			return Snapshot{}, fmt.Errorf("failed to encode custom fields: %w", err)
		}
		arg = string(encoded)
	} else {
		f, _ := r.registry.Field(updated.Type, field)
		column = f.Column
		if v, ok := f.get(updated); ok {
			arg = v
		}
	}

	// column comes from the registry, never from user input
	row := r.db.QueryRowContext(ctx, `
		UPDATE entities
		SET `+column+` = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND tenant_id = $4 AND version = $5
		RETURNING `+snapshotColumns,
		arg, time.Now(), id, r.tenantID, current.Version)

	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrConcurrentModification, id)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to update entity field: %w", err)
	}
	return s, nil
}

// AdvanceWorkflowStep moves the entity to stepID, keeping workflow and status
// columns in sync with the step. The update only applies while the entity is
// still on expectedStepID.
func (r *PostgresRepository) AdvanceWorkflowStep(ctx context.Context, id, expectedStepID, stepID string) (Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE entities e
		SET current_step_id = ws.id,
			workflow_id = ws.workflow_id,
			current_status_id = ws.status_id,
			version = e.version + 1,
			updated_at = $1
		FROM workflow_steps ws
		WHERE ws.id = $2 AND ws.tenant_id = e.tenant_id
			AND e.id = $3 AND e.tenant_id = $4
			AND e.current_step_id IS NOT DISTINCT FROM NULLIF($5, '')
		RETURNING `+columns("e"),
		time.Now(), stepID, id, r.tenantID, expectedStepID)

	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return Snapshot{}, getErr
		}
		return Snapshot{}, fmt.Errorf("%w: %s is no longer on step %q", ErrConcurrentModification, id, expectedStepID)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to advance workflow step: %w", err)
	}
	return s, nil
}

// ListByType returns all entities of type t for the tenant
func (r *PostgresRepository) ListByType(ctx context.Context, t Type) ([]Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM entities
		WHERE tenant_id = $1 AND type = $2
		ORDER BY id ASC
	`, r.tenantID, string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return out, nil
}

// Insert stores a new entity snapshot
func (r *PostgresRepository) Insert(ctx context.Context, s Snapshot) error {
	if s.Custom == nil {
		s.Custom = map[string]any{}
	}
	custom, err := json.Marshal(s.Custom)
	if err != nil {
		return fmt.Errorf("failed to encode custom fields: %w", err)
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO entities (tenant_id, id, type, name, amount, currency, priority, status,
			assignee_id, creator_id, email, phone, organization_id, person_id,
			expected_close_date, manual_probability, workflow_id, current_step_id,
			current_status_id, version, custom, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			NULLIF($17, ''), NULLIF($18, ''), NULLIF($19, ''), $20, $21, $22, $23)
	`, r.tenantID, s.ID, string(s.Type), s.Name, s.Amount, s.Currency, s.Priority, s.Status,
		s.AssigneeID, s.CreatorID, s.Email, s.Phone, s.OrganizationID, s.PersonID,
		s.ExpectedCloseDate, s.ManualProbability, s.WorkflowID, s.CurrentStepID,
		s.CurrentStatusID, s.Version, string(custom), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert entity: %w", err)
	}
	return nil
}
