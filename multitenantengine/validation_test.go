package multitenantengine

import (
	"fmt"
	"strings"
	"testing"

	"github.com/liamcoop/dealflow/entity"
)

// TestValidateSchema_EmptySchema verifies a tenant without custom fields is valid
func TestValidateSchema_EmptySchema(t *testing.T) {
	if err := ValidateSchema(Schema{}); err != nil {
		t.Errorf("Expected empty schema to be valid, got: %v", err)
	}
	if err := ValidateSchema(nil); err != nil {
		t.Errorf("Expected nil schema to be valid, got: %v", err)
	}
}

// TestValidateSchema_EmptyType verifies a declared entity type needs at least one field
func TestValidateSchema_EmptyType(t *testing.T) {
	schema := Schema{
		entity.TypeDeal: {},
	}

	err := ValidateSchema(schema)
	if err == nil {
		t.Fatal("Expected error for entity type without fields, got nil")
	}
	if !strings.Contains(err.Error(), "DEAL") {
		t.Errorf("Expected error message to mention 'DEAL', got: %v", err)
	}
}

// TestValidateSchema_UnknownEntityType verifies only CRM entity types can be declared
func TestValidateSchema_UnknownEntityType(t *testing.T) {
	tests := []entity.Type{"INVOICE", "User", "deal", ""}

	for _, entityType := range tests {
		schema := Schema{
			entityType: {"region": entity.KindString},
		}
		if err := ValidateSchema(schema); err == nil {
			t.Errorf("Expected error for entity type %q, got nil", entityType)
		}
	}
}

// TestValidateSchema_TooManyFields verifies the per-type field limit
func TestValidateSchema_TooManyFields(t *testing.T) {
	fields := make(map[string]entity.Kind)
	for i := 0; i < maxFieldsPerType+1; i++ {
		fields[fmt.Sprintf("field_%d", i)] = entity.KindString
	}

	err := ValidateSchema(Schema{entity.TypeDeal: fields})
	if err == nil {
		t.Fatal("Expected error for too many fields (201), got nil")
	}
	if !strings.Contains(err.Error(), "200") {
		t.Errorf("Expected error message about max 200 fields, got: %v", err)
	}
}

// TestValidateSchema_ValidKinds verifies every custom field kind is accepted
func TestValidateSchema_ValidKinds(t *testing.T) {
	for _, kind := range []entity.Kind{entity.KindString, entity.KindNumber, entity.KindBool, entity.KindTime} {
		schema := Schema{
			entity.TypeDeal: {"test_field": kind},
		}
		if err := ValidateSchema(schema); err != nil {
			t.Errorf("Expected valid kind %s to pass validation, got error: %v", kind, err)
		}
	}
}

// TestValidateSchema_InvalidKinds verifies unsupported kinds are rejected
func TestValidateSchema_InvalidKinds(t *testing.T) {
	invalidKinds := []entity.Kind{"varchar", "int", "timestamp", "decimal", "array", "String", "NUMBER", " bool", ""}

	for _, kind := range invalidKinds {
		schema := Schema{
			entity.TypeDeal: {"test_field": kind},
		}

		err := ValidateSchema(schema)
		if err == nil {
			t.Errorf("Expected error for invalid kind %q, got nil", kind)
			continue
		}
		if !strings.Contains(err.Error(), fmt.Sprintf("%q", kind)) {
			t.Errorf("Expected error message to mention invalid kind %q, got: %v", kind, err)
		}
	}
}

// TestValidateIdentifier_ValidFormats verifies valid identifier formats
func TestValidateIdentifier_ValidFormats(t *testing.T) {
	validIdentifiers := []string{
		"region",
		"Region",
		"_private",
		"score2",
		"renewal_date",
		"_",
		"a",
		"SCREAMING_SNAKE_CASE",
	}

	for _, id := range validIdentifiers {
		if err := validateIdentifier(id); err != nil {
			t.Errorf("Expected valid identifier %q to pass validation, got error: %v", id, err)
		}
	}
}

// TestValidateIdentifier_InvalidFormats verifies invalid identifier formats are rejected
func TestValidateIdentifier_InvalidFormats(t *testing.T) {
	invalidIdentifiers := []string{
		"123field",     // starts with digit
		"field-name",   // contains hyphen
		"field.name",   // contains dot, which would nest the path
		"field name",   // contains space
		"field@email",  // contains @
		"field$value",  // contains $
		"field[0]",     // contains brackets
		"field*",       // contains *
	}

	for _, id := range invalidIdentifiers {
		if err := validateIdentifier(id); err == nil {
			t.Errorf("Expected error for invalid identifier %q, got nil", id)
		}
	}
}

// TestValidateIdentifier_ReservedKeywords verifies CEL reserved words are rejected
func TestValidateIdentifier_ReservedKeywords(t *testing.T) {
	reservedKeywords := []string{
		"true", "false", "null",
		"in", "as", "break", "const", "continue",
		"else", "for", "function", "if", "import",
		"let", "loop", "package", "namespace", "return",
		"var", "void", "while",
	}

	for _, keyword := range reservedKeywords {
		err := validateIdentifier(keyword)
		if err == nil {
			t.Errorf("Expected error for reserved keyword %q, got nil", keyword)
			continue
		}
		if !strings.Contains(err.Error(), "reserved") {
			t.Errorf("Expected error message about reserved keyword for %q, got: %v", keyword, err)
		}
	}
}

// TestValidateIdentifier_LengthLimits verifies identifier length limits
func TestValidateIdentifier_LengthLimits(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		shouldErr bool
	}{
		{"empty", "", true},
		{"single char", "a", false},
		{"max length 100", strings.Repeat("a", 100), false},
		{"too long 101", strings.Repeat("a", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateIdentifier(tt.id)
			if tt.shouldErr && err == nil {
				t.Errorf("Expected error for %s, got nil", tt.name)
			}
			if !tt.shouldErr && err != nil {
				t.Errorf("Expected no error for %s, got: %v", tt.name, err)
			}
		})
	}
}

// TestValidateSchema_ValidCompleteSchema verifies a fully valid schema passes
func TestValidateSchema_ValidCompleteSchema(t *testing.T) {
	schema := Schema{
		entity.TypeDeal: {
			"region":       entity.KindString,
			"score":        entity.KindNumber,
			"strategic":    entity.KindBool,
			"renewal_date": entity.KindTime,
		},
		entity.TypeOrganization: {
			"industry":  entity.KindString,
			"employees": entity.KindNumber,
		},
	}

	if err := ValidateSchema(schema); err != nil {
		t.Errorf("Expected valid complete schema to pass, got error: %v", err)
	}
}

// TestValidateSchema_InvalidFieldName verifies field names are validated
func TestValidateSchema_InvalidFieldName(t *testing.T) {
	tests := []struct {
		name      string
		fieldName string
	}{
		{"starts with digit", "123field"},
		{"contains hyphen", "field-name"},
		{"contains space", "field name"},
		{"reserved keyword", "return"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := Schema{
				entity.TypeDeal: {tt.fieldName: entity.KindString},
			}
			if err := ValidateSchema(schema); err == nil {
				t.Errorf("Expected error for invalid field name %q, got nil", tt.fieldName)
			}
		})
	}
}
