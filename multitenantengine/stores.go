package multitenantengine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/liamcoop/dealflow/entity"
	"github.com/liamcoop/dealflow/rules"
	"github.com/liamcoop/dealflow/tasks"
	"github.com/liamcoop/dealflow/workflow"
)

// Stores is the persistence bundle of one tenant
type Stores struct {
	Rules     rules.RuleStore
	Workflows workflow.MutableStore
	Entities  entity.Store
	Tasks     tasks.Store
}

// StoreFactory opens the stores of one tenant
type StoreFactory func(tenantID string, registry *entity.Registry) Stores

// PostgresStores opens tenant-scoped PostgreSQL stores on a shared connection pool
func PostgresStores(db *sql.DB) StoreFactory {
	return func(tenantID string, registry *entity.Registry) Stores {
		return Stores{
			Rules:     rules.NewPostgresRuleStore(db, tenantID),
			Workflows: workflow.NewPostgresStore(db, tenantID),
			Entities:  entity.NewPostgresRepository(db, tenantID, registry),
			Tasks:     tasks.NewPostgresStore(db, tenantID),
		}
	}
}

// InMemoryStores keeps each tenant's data in process memory. A tenant gets
// the same stores every time it is opened.
func InMemoryStores() StoreFactory {
	var (
		opened = make(map[string]Stores)
		mu     sync.Mutex
	)
	return func(tenantID string, registry *entity.Registry) Stores {
		mu.Lock()
		defer mu.Unlock()

		if s, ok := opened[tenantID]; ok {
			return s
		}
		workflows := workflow.NewInMemoryStore()
		s := Stores{
			Rules:     rules.NewInMemoryRuleStore(),
			Workflows: workflows,
			Entities:  entity.NewInMemoryRepository(registry, workflows),
			Tasks:     tasks.NewInMemoryStore(),
		}
		opened[tenantID] = s
		return s
	}
}

// SchemaStore persists tenant custom field schemas
type SchemaStore interface {
	// LoadSchemas returns the schema of every known tenant
	LoadSchemas(ctx context.Context) (map[string]Schema, error)

	// SaveSchema replaces a tenant's schema
	SaveSchema(ctx context.Context, tenantID string, schema Schema) error
}

// PostgresSchemaStore implements SchemaStore over the field_schemas table
type PostgresSchemaStore struct {
	db *sql.DB
}

// NewPostgresSchemaStore creates a PostgreSQL-backed schema store
func NewPostgresSchemaStore(db *sql.DB) *PostgresSchemaStore {
	return &PostgresSchemaStore{db: db}
}

// LoadSchemas returns every tenant, including those without custom fields
func (p *PostgresSchemaStore) LoadSchemas(ctx context.Context) (map[string]Schema, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id, fs.entity_type, fs.name, fs.kind
		FROM tenants t
		LEFT JOIN field_schemas fs ON fs.tenant_id = t.id
		ORDER BY t.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tenant schemas: %w", err)
	}
	defer rows.Close()

	schemas := make(map[string]Schema)
	for rows.Next() {
		var (
			tenantID               string
			entityType, name, kind sql.NullString
		)
		if err := rows.Scan(&tenantID, &entityType, &name, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan tenant schema row: %w", err)
		}
		schema, ok := schemas[tenantID]
		if !ok {
			schema = Schema{}
			schemas[tenantID] = schema
		}
		if !entityType.Valid {
			continue
		}
		t := entity.Type(entityType.String)
		if schema[t] == nil {
			schema[t] = make(map[string]entity.Kind)
		}
		schema[t][name.String] = entity.Kind(kind.String)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant schema rows: %w", err)
	}
	return schemas, nil
}

// SaveSchema replaces a tenant's declared fields in one transaction,
// registering the tenant if it is new
func (p *PostgresSchemaStore) SaveSchema(ctx context.Context, tenantID string, schema Schema) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenants (id, name) VALUES ($1, $1)
		ON CONFLICT (id) DO NOTHING
	`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to register tenant: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM field_schemas WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("failed to clear schema: %w", err)
	}
	for entityType, fields := range schema {
		for name, kind := range fields {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO field_schemas (tenant_id, entity_type, name, kind)
				VALUES ($1, $2, $3, $4)
			`, tenantID, string(entityType), name, string(kind))
			if err != nil {
				return fmt.Errorf("failed to save field %s.%s: %w", entityType, name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

// InMemorySchemaStore implements SchemaStore using an in-memory map
type InMemorySchemaStore struct {
	schemas map[string]Schema
	mu      sync.RWMutex
}

// NewInMemorySchemaStore creates a schema store holding the given tenants
func NewInMemorySchemaStore(initial map[string]Schema) *InMemorySchemaStore {
	s := &InMemorySchemaStore{schemas: make(map[string]Schema)}
	for tenantID, schema := range initial {
		s.schemas[tenantID] = schema.clone()
	}
	return s
}

func (s *InMemorySchemaStore) LoadSchemas(_ context.Context) (map[string]Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Schema, len(s.schemas))
	for tenantID, schema := range s.schemas {
		out[tenantID] = schema.clone()
	}
	return out, nil
}

func (s *InMemorySchemaStore) SaveSchema(_ context.Context, tenantID string, schema Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[tenantID] = schema.clone()
	return nil
}

func (s Schema) clone() Schema {
	out := make(Schema, len(s))
	for t, fields := range s {
		copied := make(map[string]entity.Kind, len(fields))
		for name, kind := range fields {
			copied[name] = kind
		}
		out[t] = copied
	}
	return out
}
