package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors []ValidationError
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) add(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Compiler.validate(result)
	c.Logging.validate(result)
	c.Observability.validate(result)

	return result
}

func (c *CompilerConfig) validate(result *ValidationResult) {
	if c.DefaultFetchSize <= 0 {
		result.add("compiler.default_fetch_size", "must be positive")
	}
	if c.AggregateRowLimit <= 0 {
		result.add("compiler.aggregate_row_limit", "must be positive")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"json": true, "text": true}

func (l *LoggingConfig) validate(result *ValidationResult) {
	if !validLogLevels[l.Level] {
		result.add("logging.level", "must be one of debug, info, warn, error")
	}
	if !validLogFormats[l.Format] {
		result.add("logging.format", "must be one of json, text")
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.add("observability.trace_sample_ratio", "must be between 0 and 1")
	}
}
