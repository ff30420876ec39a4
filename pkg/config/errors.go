package config

import (
	"errors"
	"fmt"
)

// Sentinel errors for common validation failures.
var (
	ErrMissingField    = errors.New("required field is missing")
	ErrInvalidValue    = errors.New("field has invalid value")
	ErrUnknownProfile  = errors.New("unknown profile")
	ErrLegacyLayout    = errors.New("legacy profile layout")
	ErrDriverMismatch  = errors.New("driver incompatible with sandbox mode")
	ErrDuplicateID     = errors.New("duplicate identifier")
	ErrFileNotFound    = errors.New("configuration file not found")
	ErrInvalidYAML     = errors.New("invalid YAML syntax")
	ErrEnvVarExpansion = errors.New("environment variable expansion failed")
)

// ValidationError wraps a config validation failure with enough context to
// locate the offending entry.
type ValidationError struct {
	Component string // e.g. "profile", "agent", "sandbox"
	ID        string // profile name, role name
	Field     string
	Err       error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s %q: field %q: %v", e.Component, e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Component, e.ID, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a ValidationError for a component field.
func NewValidationError(component, id, field string, err error) *ValidationError {
	return &ValidationError{Component: component, ID: id, Field: field, Err: err}
}

// LoadError wraps a failure to read or parse a configuration file.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError creates a LoadError for a file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}
