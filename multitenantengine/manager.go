package multitenantengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/dealflow/entity"
	"github.com/liamcoop/dealflow/internal/logger"
	"github.com/liamcoop/dealflow/rules"
	"github.com/liamcoop/dealflow/scheduler"
	"github.com/liamcoop/dealflow/workflow"
)

// ErrTenantNotFound is returned for tenants that are not loaded
var ErrTenantNotFound = errors.New("tenant not found")

// TenantNotifier hands out notifiers bound to a single tenant's inboxes
type TenantNotifier interface {
	ForTenant(tenantID string) rules.Notifier
}

// Config tunes the engines the manager builds
type Config struct {
	// Notifier receives NOTIFY_USER actions, one bound notifier per tenant
	Notifier TenantNotifier

	// Permissions authorizes workflow moves; nil allows every actor
	Permissions workflow.PermissionChecker

	CacheTTL    time.Duration
	Concurrency int

	// Schedule starts a cron scheduler per tenant for SCHEDULED rules
	Schedule       bool
	ResyncInterval time.Duration
}

// Tenant is one tenant's loaded engine and the components built around it
type Tenant struct {
	ID          string
	Registry    *entity.Registry
	Engine      *rules.Engine
	Stores      Stores
	Coordinator *workflow.Coordinator
	Scheduler   *scheduler.Scheduler

	schema Schema
	mu     sync.RWMutex
}

// Schema returns the tenant's declared custom fields
func (t *Tenant) Schema() Schema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.schema.clone()
}

// Manager keeps one engine per tenant. A tenant's field registry lives as
// long as the tenant is loaded; schema updates change it in place.
type Manager struct {
	tenants map[string]*Tenant
	schemas SchemaStore
	stores  StoreFactory
	config  Config
	mu      sync.RWMutex
}

// NewManager creates a manager persisting schemas in schemas and opening
// tenant data through stores
func NewManager(schemas SchemaStore, stores StoreFactory, config Config) *Manager {
	return &Manager{
		tenants: make(map[string]*Tenant),
		schemas: schemas,
		stores:  stores,
		config:  config,
	}
}

// LoadAllTenants builds an engine for every tenant in the schema store
func (m *Manager) LoadAllTenants(ctx context.Context) error {
	all, err := m.schemas.LoadSchemas(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch tenants: %w", err)
	}

	for tenantID, schema := range all {
		if _, err := m.load(ctx, tenantID, schema); err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", tenantID, err)
		}
	}

	logger.Info("tenants loaded", "count", len(all))
	return nil
}

// CreateTenant validates and saves schema, then builds the tenant's engine
func (m *Manager) CreateTenant(ctx context.Context, tenantID string, schema Schema) (*Tenant, error) {
	if err := ValidateSchema(schema); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if err := m.schemas.SaveSchema(ctx, tenantID, schema); err != nil {
		return nil, fmt.Errorf("failed to save schema: %w", err)
	}
	return m.load(ctx, tenantID, schema)
}

func (m *Manager) load(ctx context.Context, tenantID string, schema Schema) (*Tenant, error) {
	registry := entity.NewRegistry()
	m.mu.RLock()
	if loaded, ok := m.tenants[tenantID]; ok {
		registry = loaded.Registry
	}
	m.mu.RUnlock()
	registry.ReplaceCustomFields(schema)

	stores := m.stores(tenantID, registry)
	var notifier rules.Notifier
	if m.config.Notifier != nil {
		notifier = m.config.Notifier.ForTenant(tenantID)
	}
	engine, err := rules.NewEngine(stores.Rules, registry, rules.EngineConfig{
		Collaborators: rules.Collaborators{
			Entities:   stores.Entities,
			Notifier:   notifier,
			Tasks:      stores.Tasks,
			Activities: stores.Tasks,
		},
		CacheTTL:    m.config.CacheTTL,
		Concurrency: m.config.Concurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	tenant := &Tenant{
		ID:          tenantID,
		Registry:    registry,
		Engine:      engine,
		Stores:      stores,
		Coordinator: workflow.NewCoordinator(stores.Entities, stores.Workflows, engine, m.config.Permissions),
		schema:      schema.clone(),
	}

	if m.config.Schedule {
		tenant.Scheduler = scheduler.New(engine, stores.Entities, m.config.ResyncInterval)
		if err := tenant.Scheduler.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	m.mu.Lock()
	previous := m.tenants[tenantID]
	m.tenants[tenantID] = tenant
	m.mu.Unlock()

	if previous != nil && previous.Scheduler != nil {
		previous.Scheduler.Stop()
	}
	return tenant, nil
}

// Tenant returns a loaded tenant
func (m *Manager) Tenant(tenantID string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return t, nil
}

// UpdateTenantSchema saves a new schema and applies it to the running
// tenant. Rules the new schema invalidates stay stored; they are returned
// keyed by rule ID so callers can report them. Unknown tenants are created.
func (m *Manager) UpdateTenantSchema(ctx context.Context, tenantID string, schema Schema) (map[string]error, error) {
	tenant, err := m.Tenant(tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		_, err := m.CreateTenant(ctx, tenantID, schema)
		return nil, err
	}

	if err := ValidateSchema(schema); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if err := m.schemas.SaveSchema(ctx, tenantID, schema); err != nil {
		return nil, fmt.Errorf("failed to save schema: %w", err)
	}

	tenant.mu.Lock()
	tenant.Registry.ReplaceCustomFields(schema)
	tenant.schema = schema.clone()
	tenant.mu.Unlock()

	invalid, err := tenant.Engine.Revalidate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to revalidate rules: %w", err)
	}
	if len(invalid) > 0 {
		logger.Warn("schema update invalidated rules", "tenant_id", tenantID, "invalid_rules", len(invalid))
	}
	logger.Info("tenant schema updated", "tenant_id", tenantID, "entity_types", len(schema))
	return invalid, nil
}

// ListTenants returns the loaded tenant IDs in order
func (m *Manager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeleteTenant unloads a tenant. Its stored data is kept.
func (m *Manager) DeleteTenant(tenantID string) error {
	m.mu.Lock()
	t, ok := m.tenants[tenantID]
	delete(m.tenants, tenantID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	if t.Scheduler != nil {
		t.Scheduler.Stop()
	}
	return nil
}

// Close stops every tenant scheduler
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tenants {
		if t.Scheduler != nil {
			t.Scheduler.Stop()
		}
	}
}
