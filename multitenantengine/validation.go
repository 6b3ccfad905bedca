package multitenantengine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/liamcoop/dealflow/entity"
)

const maxFieldsPerType = 200

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Schema declares a tenant's custom fields: entity type to field name to kind.
// Entity types without an entry accept any custom path.
type Schema map[entity.Type]map[string]entity.Kind

// ValidateSchema validates a custom field schema.
// Returns an error if validation fails, nil if schema is valid
func ValidateSchema(schema Schema) error {
	for entityType, fields := range schema {
		if _, err := entity.ParseType(string(entityType)); err != nil {
			return fmt.Errorf("invalid schema: %w", err)
		}
		if entity.Type(strings.ToUpper(string(entityType))) != entityType {
			return fmt.Errorf("entity type %q must be upper case", entityType)
		}

		// A declared type needs at least one field; omit the type to leave it open
		if len(fields) == 0 {
			return fmt.Errorf("entity type %s must declare at least one custom field", entityType)
		}
		if len(fields) > maxFieldsPerType {
			return fmt.Errorf("entity type %s declares %d custom fields, maximum allowed is %d", entityType, len(fields), maxFieldsPerType)
		}

		for name, kind := range fields {
			if err := validateIdentifier(name); err != nil {
				return fmt.Errorf("invalid custom field name %q on %s: %w", name, entityType, err)
			}
			if !isValidKind(kind) {
				return fmt.Errorf("custom field %q on %s has invalid kind %q (must be one of: string, number, bool, date)", name, entityType, kind)
			}
		}
	}
	return nil
}

// validateIdentifier checks a custom field name is usable both as a path
// segment and as a CEL map key
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("identifier length %d exceeds maximum of 100 characters", len(name))
	}
	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}
	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

func isValidKind(kind entity.Kind) bool {
	switch kind {
	case entity.KindString, entity.KindNumber, entity.KindBool, entity.KindTime:
		return true
	}
	return false
}

// isReservedKeyword reports CEL reserved words, which cannot be selected
// with dot notation in EXPRESSION conditions
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		"true":      true,
		"false":     true,
		"null":      true,
		"if":        true,
		"else":      true,
		"for":       true,
		"while":     true,
		"break":     true,
		"continue":  true,
		"return":    true,
		"var":       true,
		"let":       true,
		"const":     true,
		"function":  true,
		"in":        true,
		"as":        true,
		"import":    true,
		"package":   true,
		"namespace": true,
		"loop":      true,
		"void":      true,
	}
	return reservedKeywords[name]
}
