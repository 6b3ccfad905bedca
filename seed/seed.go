// Package seed loads tenants, workflows, rules and entities from YAML
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/dealflow/entity"
	"github.com/liamcoop/dealflow/internal/logger"
	"github.com/liamcoop/dealflow/multitenantengine"
	"github.com/liamcoop/dealflow/rules"
	"github.com/liamcoop/dealflow/workflow"
)

// CreatedBy is recorded as the author of seeded rules
const CreatedBy = "seed"

// File is the top-level seed document
type File struct {
	Tenants []Tenant `yaml:"tenants"`
}

// Tenant is the seed data of one tenant. A nil schema leaves an existing
// tenant's schema alone.
type Tenant struct {
	ID        string                   `yaml:"id"`
	Schema    multitenantengine.Schema `yaml:"schema,omitempty"`
	Workflows []workflow.Workflow      `yaml:"workflows,omitempty"`
	Rules     []rules.RuleInput        `yaml:"rules,omitempty"`
	Entities  []Entity                 `yaml:"entities,omitempty"`
}

// Entity is a seeded CRM record
type Entity struct {
	ID                string         `yaml:"id"`
	Type              string         `yaml:"type"`
	Name              string         `yaml:"name"`
	Amount            *float64       `yaml:"amount,omitempty"`
	Currency          string         `yaml:"currency,omitempty"`
	Priority          string         `yaml:"priority,omitempty"`
	Status            string         `yaml:"status,omitempty"`
	Assignee          string         `yaml:"assignee,omitempty"`
	Creator           string         `yaml:"creator,omitempty"`
	Email             string         `yaml:"email,omitempty"`
	Phone             string         `yaml:"phone,omitempty"`
	OrganizationID    string         `yaml:"organizationId,omitempty"`
	PersonID          string         `yaml:"personId,omitempty"`
	ExpectedCloseDate string         `yaml:"expectedCloseDate,omitempty"`
	ManualProbability *float64       `yaml:"probability,omitempty"`
	Step              string         `yaml:"step,omitempty"`
	Custom            map[string]any `yaml:"custom,omitempty"`
}

// Report counts what Apply wrote. Records that already existed are skipped.
type Report struct {
	Tenants   int
	Workflows int
	Rules     int
	Entities  int
	Skipped   int
}

// Load decodes a seed document, rejecting unknown keys
func Load(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("failed to decode seed file: %w", err)
	}
	for i, t := range f.Tenants {
		if t.ID == "" {
			return File{}, fmt.Errorf("tenant %d: id is required", i+1)
		}
	}
	return f, nil
}

// LoadFile reads and decodes the seed document at path
func LoadFile(path string) (File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer fh.Close()
	return Load(fh)
}

// Apply writes the seed data through the manager's tenants. Workflows are
// replaced; rules are added unless one with the same name exists; entities
// are inserted unless their ID exists.
func Apply(ctx context.Context, m *multitenantengine.Manager, f File) (Report, error) {
	var report Report
	for _, t := range f.Tenants {
		if err := applyTenant(ctx, m, t, &report); err != nil {
			return report, fmt.Errorf("tenant %s: %w", t.ID, err)
		}
	}
	logger.Info("seed data applied",
		"tenants", report.Tenants,
		"workflows", report.Workflows,
		"rules", report.Rules,
		"entities", report.Entities,
		"skipped", report.Skipped,
	)
	return report, nil
}

func applyTenant(ctx context.Context, m *multitenantengine.Manager, t Tenant, report *Report) error {
	tenant, err := m.Tenant(t.ID)
	switch {
	case errors.Is(err, multitenantengine.ErrTenantNotFound):
		if tenant, err = m.CreateTenant(ctx, t.ID, t.Schema); err != nil {
			return err
		}
	case err != nil:
		return err
	case t.Schema != nil:
		if _, err := m.UpdateTenantSchema(ctx, t.ID, t.Schema); err != nil {
			return err
		}
	}
	report.Tenants++

	for _, w := range t.Workflows {
		if err := tenant.Stores.Workflows.Save(ctx, w); err != nil {
			return fmt.Errorf("failed to save workflow %s: %w", w.ID, err)
		}
		report.Workflows++
	}

	existing, _, err := tenant.Engine.ListRules(ctx, rules.ListFilter{})
	if err != nil {
		return err
	}
	names := make(map[string]bool, len(existing))
	for _, r := range existing {
		names[r.Name] = true
	}
	for _, in := range t.Rules {
		if names[in.Name] {
			report.Skipped++
			continue
		}
		if _, err := tenant.Engine.AddRule(ctx, in, CreatedBy); err != nil {
			return fmt.Errorf("failed to add rule %q: %w", in.Name, err)
		}
		names[in.Name] = true
		report.Rules++
	}

	for _, e := range t.Entities {
		_, err := tenant.Stores.Entities.Get(ctx, e.ID)
		if err == nil {
			report.Skipped++
			continue
		}
		if !errors.Is(err, entity.ErrNotFound) {
			return err
		}
		s, err := e.snapshot(ctx, tenant.Stores.Workflows)
		if err != nil {
			return fmt.Errorf("entity %s: %w", e.ID, err)
		}
		if err := tenant.Stores.Entities.Insert(ctx, s); err != nil {
			return err
		}
		report.Entities++
	}
	return nil
}

func (e Entity) snapshot(ctx context.Context, workflows workflow.Store) (entity.Snapshot, error) {
	t, err := entity.ParseType(e.Type)
	if err != nil {
		return entity.Snapshot{}, err
	}
	s := entity.Snapshot{
		ID:                e.ID,
		Type:              t,
		Name:              e.Name,
		Amount:            e.Amount,
		Currency:          e.Currency,
		Priority:          e.Priority,
		Status:            e.Status,
		AssigneeID:        e.Assignee,
		CreatorID:         e.Creator,
		Email:             e.Email,
		Phone:             e.Phone,
		OrganizationID:    e.OrganizationID,
		PersonID:          e.PersonID,
		ManualProbability: e.ManualProbability,
		Custom:            e.Custom,
	}
	if e.ExpectedCloseDate != "" {
		closeDate, err := entity.ParseTime(e.ExpectedCloseDate)
		if err != nil {
			return entity.Snapshot{}, err
		}
		s.ExpectedCloseDate = &closeDate
	}
	if e.Step != "" {
		workflowID, statusID, err := workflows.StepPlacement(ctx, e.Step)
		if err != nil {
			return entity.Snapshot{}, err
		}
		s.WorkflowID, s.CurrentStepID, s.CurrentStatusID = workflowID, e.Step, statusID
	}
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	return s, nil
}
