package domain

import (
	"fmt"
	"strings"
)

// ValidationError reports a malformed or semantically invalid request.
// Slots is set when an output payload was partially rejected.
type ValidationError struct {
	Field string
	Msg   string
	Slots []string
}

func (e *ValidationError) Error() string {
	switch {
	case len(e.Slots) > 0:
		return fmt.Sprintf("invalid output slots: %s", strings.Join(e.Slots, ", "))
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	return e.Msg
}

type IllegalTransitionError struct {
	From RunStatus
	To   RunStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// Stale reports whether the rejected move targeted a run that already ended.
func (e *IllegalTransitionError) Stale() bool { return e.From.IsTerminal() }

type NotFoundError struct {
	Resource string
	ID       string
	Detail   string
}

func (e *NotFoundError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

type ForbiddenError struct {
	Detail string
}

func (e *ForbiddenError) Error() string { return e.Detail }

// ConfigurationError means the deployment lacks required settings (e.g. storage credentials).
type ConfigurationError struct {
	Detail string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return e.Detail + ": " + e.Err.Error()
	}
	return e.Detail
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// UpstreamError wraps an unexpected failure of a dependency (object store, Redis).
type UpstreamError struct {
	Detail string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return e.Detail + ": " + e.Err.Error()
	}
	return e.Detail
}

func (e *UpstreamError) Unwrap() error { return e.Err }
