// Package errs defines the error taxonomy shared by checkout, pricing and
// webhook reconciliation. The HTTP layer maps each kind to a status code;
// everything below it only returns and wraps them.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by stores when no row matches the lookup key.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a guarded write finds the row in an
// incompatible state, e.g. a second gateway session for one order.
var ErrConflict = errors.New("conflict")

// ErrInProgress is returned when another request holding the same
// idempotency key has not finished yet.
var ErrInProgress = errors.New("request already in progress")

// FieldError is a single offending request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed or out-of-range input. It carries one
// entry per offending field and is always raised before any side effect.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a field message.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns nil when no field was recorded, so callers can build the
// error incrementally and return it unconditionally.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// PricingError reports an unsupported product/size/quantity combination.
type PricingError struct {
	Reason string
}

func (e *PricingError) Error() string {
	return "pricing: " + e.Reason
}

// AuthenticityError reports a webhook that failed signature verification.
type AuthenticityError struct {
	Gateway string
	Reason  string
}

func (e *AuthenticityError) Error() string {
	return fmt.Sprintf("%s webhook rejected: %s", e.Gateway, e.Reason)
}

// UpstreamError wraps a failed or timed-out payment gateway call.
type UpstreamError struct {
	Gateway string
	Op      string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed order store read or write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Upstream is a shorthand for wrapping a gateway failure.
func Upstream(gateway, op string, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Gateway: gateway, Op: op, Err: err}
}

// Persistence is a shorthand for wrapping a store failure.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
