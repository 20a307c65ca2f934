package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting found.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d invalid settings:", len(e))
	for _, err := range e {
		sb.WriteString("\n  ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// ValidLogLevels lists the accepted log.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats lists the accepted log.format values.
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// Validate returns every invalid setting, or nil.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if strings.TrimSpace(c.Database.Path) == "" {
		add("database.path", c.Database.Path, "must not be empty")
	}
	if strings.TrimSpace(c.Lawbook.ID) == "" {
		add("lawbook.id", c.Lawbook.ID, "must not be empty")
	}
	if strings.TrimSpace(c.Policy.TemplateID) == "" {
		add("policy.template_id", c.Policy.TemplateID, "must not be empty")
	}
	if c.Store.Retry.MaxAttempts < 1 {
		add("store.retry.max_attempts", c.Store.Retry.MaxAttempts, "must be at least 1")
	}
	if c.Store.Retry.InitialInterval <= 0 {
		add("store.retry.initial_interval", c.Store.Retry.InitialInterval, "must be positive")
	}
	if c.Store.Retry.MaxInterval < c.Store.Retry.InitialInterval {
		add("store.retry.max_interval", c.Store.Retry.MaxInterval, "must not be below initial_interval")
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		add("log.level", c.Log.Level, fmt.Sprintf("must be one of %s", strings.Join(ValidLogLevels(), ", ")))
	}
	if !slices.Contains(ValidLogFormats(), c.Log.Format) {
		add("log.format", c.Log.Format, fmt.Sprintf("must be one of %s", strings.Join(ValidLogFormats(), ", ")))
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
