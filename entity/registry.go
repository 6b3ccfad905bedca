package entity

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oliveagle/jsonpath"
)

// Kind is the natural type of a field value
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindTime   Kind = "date"

	// KindDynamic marks undeclared custom fields; the value's runtime type decides
	KindDynamic Kind = ""
)

// CustomPrefix introduces a path into the snapshot's custom field bag
const CustomPrefix = "custom."

// DateLayout is the accepted layout for date-only literals
const DateLayout = "2006-01-02"

// Field describes a known field and how to read and write it on a snapshot
type Field struct {
	Name     string
	Kind     Kind
	Column   string
	ReadOnly bool

	types []Type
	get   func(Snapshot) (any, bool)
	set   func(*Snapshot, any)
}

// Registry maps field paths to typed accessors per entity type.
// Paths are validated against it when rules are authored. Built-in fields are
// fixed; custom field declarations can be replaced while the registry is in use.
type Registry struct {
	fields map[Type]map[string]*Field
	custom map[Type]map[string]Kind
	mu     sync.RWMutex
}

// NewRegistry creates a registry holding the built-in CRM fields
func NewRegistry() *Registry {
	r := &Registry{
		fields: make(map[Type]map[string]*Field),
		custom: make(map[Type]map[string]Kind),
	}
	for _, f := range builtinFields() {
		for _, t := range f.types {
			if r.fields[t] == nil {
				r.fields[t] = make(map[string]*Field)
			}
			r.fields[t][f.Name] = f
		}
	}
	return r
}

// DeclareCustomFields restricts custom paths for t to the given names.
// Without a declaration any custom path is accepted and typed at runtime.
func (r *Registry) DeclareCustomFields(t Type, fields map[string]Kind) {
	declared := make(map[string]Kind, len(fields))
	for name, kind := range fields {
		declared[name] = kind
	}
	r.mu.Lock()
	r.custom[t] = declared
	r.mu.Unlock()
}

// ReplaceCustomFields swaps every custom field declaration at once.
// Types missing from schema go back to accepting any custom path.
func (r *Registry) ReplaceCustomFields(schema map[Type]map[string]Kind) {
	custom := make(map[Type]map[string]Kind, len(schema))
	for t, fields := range schema {
		declared := make(map[string]Kind, len(fields))
		for name, kind := range fields {
			declared[name] = kind
		}
		custom[t] = declared
	}
	r.mu.Lock()
	r.custom = custom
	r.mu.Unlock()
}

// Lookup validates path for entity type t and returns its kind
func (r *Registry) Lookup(t Type, path string) (Kind, error) {
	if path == "" {
		return "", fmt.Errorf("field path cannot be empty")
	}
	if strings.HasPrefix(path, CustomPrefix) {
		name := strings.TrimPrefix(path, CustomPrefix)
		if name == "" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
			return "", fmt.Errorf("invalid custom field path %q", path)
		}
		r.mu.RLock()
		declared, ok := r.custom[t]
		r.mu.RUnlock()
		if !ok {
			return KindDynamic, nil
		}
		root := strings.SplitN(name, ".", 2)[0]
		kind, ok := declared[root]
		if !ok {
			return "", fmt.Errorf("custom field %q is not declared for %s", root, t)
		}
		return kind, nil
	}
	f, ok := r.fields[t][path]
	if !ok {
		return "", fmt.Errorf("unknown field %q for %s", path, t)
	}
	return f.Kind, nil
}

// Field returns the built-in field definition for path
func (r *Registry) Field(t Type, path string) (*Field, bool) {
	f, ok := r.fields[t][path]
	return f, ok
}

// Fields returns the sorted built-in field names available on t
func (r *Registry) Fields(t Type) []string {
	names := make([]string, 0, len(r.fields[t]))
	for name := range r.fields[t] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve reads path off the snapshot. The second result is false when the
// field is unknown or has no value.
func (r *Registry) Resolve(s Snapshot, path string) (any, bool) {
	if strings.HasPrefix(path, CustomPrefix) {
		if s.Custom == nil {
			return nil, false
		}
		v, err := jsonpath.JsonPathLookup(s.Custom, "$."+strings.TrimPrefix(path, CustomPrefix))
		if err != nil || v == nil {
			return nil, false
		}
		return v, true
	}
	f, ok := r.fields[s.Type][path]
	if !ok {
		return nil, false
	}
	return f.get(s)
}

// Apply writes a string-encoded value to path on the snapshot, coercing it to
// the field's kind. An empty value clears nullable fields.
func (r *Registry) Apply(s *Snapshot, path, value string) error {
	if strings.HasPrefix(path, CustomPrefix) {
		kind, err := r.Lookup(s.Type, path)
		if err != nil {
			return err
		}
		v, err := Coerce(kind, value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", path, err)
		}
		if s.Custom == nil {
			s.Custom = make(map[string]any)
		}
		setNested(s.Custom, strings.Split(strings.TrimPrefix(path, CustomPrefix), "."), v)
		return nil
	}

	f, ok := r.fields[s.Type][path]
	if !ok {
		return fmt.Errorf("unknown field %q for %s", path, s.Type)
	}
	if f.ReadOnly {
		return fmt.Errorf("field %q is read-only", path)
	}
	v, err := Coerce(f.Kind, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", path, err)
	}
	if path == "probability" && v != nil {
		if p := v.(float64); p < 0 || p > 1 {
			return fmt.Errorf("probability %v is outside [0,1]", p)
		}
	}
	f.set(s, v)
	return nil
}

// Facts flattens a snapshot into a map keyed by field name, used for
// expression evaluation and placeholder rendering. Missing values map to nil.
func (r *Registry) Facts(s Snapshot) map[string]any {
	facts := make(map[string]any, len(r.fields[s.Type])+1)
	for name, f := range r.fields[s.Type] {
		if v, ok := f.get(s); ok {
			facts[name] = v
		} else {
			facts[name] = nil
		}
	}
	custom := map[string]any{}
	if s.Custom != nil {
		custom = cloneMap(s.Custom)
	}
	facts["custom"] = custom
	return facts
}

// Coerce parses a string literal into the natural Go value of kind.
// Empty input yields nil.
func Coerce(kind Kind, value string) (any, error) {
	if value == "" {
		return nil, nil
	}
	switch kind {
	case KindNumber:
		return strconv.ParseFloat(strings.TrimSpace(value), 64)
	case KindBool:
		return strconv.ParseBool(strings.TrimSpace(value))
	case KindTime:
		return ParseTime(value)
	default:
		return value, nil
	}
}

// ParseTime accepts RFC3339 timestamps and date-only literals
func ParseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse %q as a date", value)
	}
	return t, nil
}

func setNested(m map[string]any, keys []string, v any) {
	for i, key := range keys {
		if i == len(keys)-1 {
			if v == nil {
				delete(m, key)
			} else {
				m[key] = v
			}
			return
		}
		next, ok := m[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[key] = next
		}
		m = next
	}
}

func stringField(name, column string, types []Type, get func(Snapshot) string, set func(*Snapshot, string)) *Field {
	f := &Field{
		Name:   name,
		Kind:   KindString,
		Column: column,
		types:  types,
		get: func(s Snapshot) (any, bool) {
			v := get(s)
			return v, v != ""
		},
	}
	if set == nil {
		f.ReadOnly = true
	} else {
		f.set = func(s *Snapshot, v any) {
			str, _ := v.(string)
			set(s, str)
		}
	}
	return f
}

func timeField(name, column string, types []Type, get func(Snapshot) time.Time) *Field {
	return &Field{
		Name:     name,
		Kind:     KindTime,
		Column:   column,
		ReadOnly: true,
		types:    types,
		get: func(s Snapshot) (any, bool) {
			v := get(s)
			return v, !v.IsZero()
		},
	}
}

func builtinFields() []*Field {
	all := Types
	sales := []Type{TypeDeal, TypeLead}
	contacts := []Type{TypePerson, TypeLead}
	linked := []Type{TypeDeal, TypePerson, TypeLead, TypeActivity}

	return []*Field{
		stringField("id", "id", all, func(s Snapshot) string { return s.ID }, nil),
		stringField("name", "name", all, func(s Snapshot) string { return s.Name },
			func(s *Snapshot, v string) { s.Name = v }),
		stringField("status", "status", all, func(s Snapshot) string { return s.Status },
			func(s *Snapshot, v string) { s.Status = v }),
		stringField("priority", "priority", all, func(s Snapshot) string { return s.Priority },
			func(s *Snapshot, v string) { s.Priority = v }),
		stringField("assigneeId", "assignee_id", all, func(s Snapshot) string { return s.AssigneeID },
			func(s *Snapshot, v string) { s.AssigneeID = v }),
		stringField("creatorId", "creator_id", all, func(s Snapshot) string { return s.CreatorID }, nil),
		stringField("currency", "currency", sales, func(s Snapshot) string { return s.Currency },
			func(s *Snapshot, v string) { s.Currency = v }),
		stringField("email", "email", contacts, func(s Snapshot) string { return s.Email },
			func(s *Snapshot, v string) { s.Email = v }),
		stringField("phone", "phone", contacts, func(s Snapshot) string { return s.Phone },
			func(s *Snapshot, v string) { s.Phone = v }),
		stringField("organizationId", "organization_id", linked, func(s Snapshot) string { return s.OrganizationID },
			func(s *Snapshot, v string) { s.OrganizationID = v }),
		stringField("personId", "person_id", []Type{TypeDeal, TypeActivity}, func(s Snapshot) string { return s.PersonID },
			func(s *Snapshot, v string) { s.PersonID = v }),
		stringField("workflowId", "workflow_id", sales, func(s Snapshot) string { return s.WorkflowID }, nil),
		stringField("currentWfmStep", "current_step_id", sales, func(s Snapshot) string { return s.CurrentStepID }, nil),
		stringField("currentStatus", "current_status_id", sales, func(s Snapshot) string { return s.CurrentStatusID }, nil),
		{
			Name:   "amount",
			Kind:   KindNumber,
			Column: "amount",
			types:  sales,
			get: func(s Snapshot) (any, bool) {
				if s.Amount == nil {
					return nil, false
				}
				return *s.Amount, true
			},
			set: func(s *Snapshot, v any) { s.Amount = floatPtr(v) },
		},
		{
			Name:   "probability",
			Kind:   KindNumber,
			Column: "manual_probability",
			types:  []Type{TypeDeal},
			get: func(s Snapshot) (any, bool) {
				if s.ManualProbability == nil {
					return nil, false
				}
				return *s.ManualProbability, true
			},
			set: func(s *Snapshot, v any) { s.ManualProbability = floatPtr(v) },
		},
		{
			Name:   "expectedCloseDate",
			Kind:   KindTime,
			Column: "expected_close_date",
			types:  []Type{TypeDeal},
			get: func(s Snapshot) (any, bool) {
				if s.ExpectedCloseDate == nil {
					return nil, false
				}
				return *s.ExpectedCloseDate, true
			},
			set: func(s *Snapshot, v any) {
				if t, ok := v.(time.Time); ok {
					s.ExpectedCloseDate = &t
					return
				}
				s.ExpectedCloseDate = nil
			},
		},
		timeField("createdAt", "created_at", all, func(s Snapshot) time.Time { return s.CreatedAt }),
		timeField("updatedAt", "updated_at", all, func(s Snapshot) time.Time { return s.UpdatedAt }),
	}
}

func floatPtr(v any) *float64 {
	if f, ok := v.(float64); ok {
		return &f
	}
	return nil
}
