package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// WorkingSuffix is appended to a schema name to form its working name.
	WorkingSuffix = "__staging"

	// MaxSchemaNameLength keeps working names within common identifier limits.
	MaxSchemaNameLength = 63 - len(WorkingSuffix)

	// MaxTableNameLength is the maximum length of a table name.
	MaxTableNameLength = 128
)

// schemaNamePattern: lowercase alphanumeric and underscores, starting and
// ending with an alphanumeric character.
var schemaNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_]*[a-z0-9])?$`)

// tableNamePattern permits identifier characters plus '-' and '.'.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]*$`)

// ValidateSchemaName validates a schema name against format rules.
func ValidateSchemaName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty schema name", ErrInvalidName)
	}
	if len(name) > MaxSchemaNameLength {
		return fmt.Errorf("%w: schema name exceeds %d characters", ErrInvalidName, MaxSchemaNameLength)
	}
	if !schemaNamePattern.MatchString(name) {
		return fmt.Errorf("%w: schema name %q (must be lowercase alphanumeric with underscores)", ErrInvalidName, name)
	}
	if strings.Contains(name, "__") {
		return fmt.Errorf("%w: schema name %q contains reserved separator \"__\"", ErrInvalidName, name)
	}
	return nil
}

// ValidateTableName validates a table name against format rules.
func ValidateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty table name", ErrInvalidName)
	}
	if len(name) > MaxTableNameLength {
		return fmt.Errorf("%w: table name exceeds %d characters", ErrInvalidName, MaxTableNameLength)
	}
	if !tableNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: table name %q", ErrInvalidName, name)
	}
	return nil
}

// WorkingName returns the working name of the schema called name.
func WorkingName(name string) string {
	return name + WorkingSuffix
}
