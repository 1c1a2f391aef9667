package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string) {
	*ve = append(*ve, ValidationError{Field: field, Message: message})
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs.Add("server.port", fmt.Sprintf("must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.Host == "" {
		errs.Add("server.host", "must not be empty")
	}
	if c.Packages.Dir == "" {
		errs.Add("packages.dir", "must not be empty")
	}
	if c.Pool.MaxProcesses < 1 {
		errs.Add("pool.maxProcesses", fmt.Sprintf("must be at least 1, got %d", c.Pool.MaxProcesses))
	}
	if c.Pool.MinProcesses < 0 {
		errs.Add("pool.minProcesses", fmt.Sprintf("must not be negative, got %d", c.Pool.MinProcesses))
	}
	if c.Pool.MinProcesses > c.Pool.MaxProcesses {
		errs.Add("pool.minProcesses", fmt.Sprintf("must not exceed pool.maxProcesses (%d > %d)", c.Pool.MinProcesses, c.Pool.MaxProcesses))
	}
	if c.Pool.WaiterQueueDepth < 1 {
		errs.Add("pool.waiterQueueDepth", fmt.Sprintf("must be at least 1, got %d", c.Pool.WaiterQueueDepth))
	}
	if c.Pool.CancelGrace.Std() <= 0 {
		errs.Add("pool.cancelGrace", "must be positive")
	}
	if c.Pool.ReadyTimeout.Std() <= 0 {
		errs.Add("pool.readyTimeout", "must be positive")
	}
	if c.Worker.Command == "" {
		errs.Add("worker.command", "must not be empty")
	}
	if c.Watcher.Enabled && c.Watcher.Debounce.Std() <= 0 {
		errs.Add("watcher.debounce", "must be positive when the watcher is enabled")
	}
	if c.Callback.Retries < 0 {
		errs.Add("callback.retries", fmt.Sprintf("must not be negative, got %d", c.Callback.Retries))
	}
	if c.Guardian.ParentPID < 0 {
		errs.Add("guardian.parentPID", fmt.Sprintf("must not be negative, got %d", c.Guardian.ParentPID))
	}

	return errs
}
