package entity

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies the kind of CRM record a snapshot describes
type Type string

const (
	TypeDeal         Type = "DEAL"
	TypeLead         Type = "LEAD"
	TypePerson       Type = "PERSON"
	TypeOrganization Type = "ORGANIZATION"
	TypeActivity     Type = "ACTIVITY"
)

// Types lists every entity type the engine understands
var Types = []Type{TypeDeal, TypeLead, TypePerson, TypeOrganization, TypeActivity}

// ParseType converts a case-insensitive name to a Type
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entity type: %q", s)
}

// Permission returns the permission an actor needs to modify entities of this type
func (t Type) Permission() string {
	return strings.ToLower(string(t)) + ":update"
}

// Snapshot is the read-only view of a CRM record at evaluation time.
// Snapshots are passed by value; Custom is shared, so use Clone before mutating it.
type Snapshot struct {
	ID                string
	Type              Type
	Name              string
	Amount            *float64
	Currency          string
	Priority          string
	Status            string
	AssigneeID        string
	CreatorID         string
	Email             string
	Phone             string
	OrganizationID    string
	PersonID          string
	ExpectedCloseDate *time.Time
	ManualProbability *float64

	// Workflow position. Steps are referenced by ID only.
	WorkflowID      string
	CurrentStepID   string
	CurrentStatusID string

	// Version is bumped by the repository on every write
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time

	Custom map[string]any
}

// Clone returns a deep copy of the snapshot
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Amount != nil {
		v := *s.Amount
		out.Amount = &v
	}
	if s.ManualProbability != nil {
		v := *s.ManualProbability
		out.ManualProbability = &v
	}
	if s.ExpectedCloseDate != nil {
		v := *s.ExpectedCloseDate
		out.ExpectedCloseDate = &v
	}
	if s.Custom != nil {
		out.Custom = cloneMap(s.Custom)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Float64 returns a pointer to v, handy for building snapshots
func Float64(v float64) *float64 {
	return &v
}
