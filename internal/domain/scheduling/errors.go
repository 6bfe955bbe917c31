package scheduling

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors shared by the stores, resolver and scheduler.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("booking overlaps an existing booking")
	ErrStorageTimeout  = errors.New("storage operation timed out")
	ErrSlotUnavailable = errors.New("requested slot is not available")
)

// ValidationError reports malformed input with per-field detail.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

// orNil returns nil when no fields were recorded.
func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// SlotUnavailableError is the business-level rejection of a booking request.
// It matches ErrSlotUnavailable under errors.Is.
type SlotUnavailableError struct {
	Date     string
	Interval Interval
	Reason   string
	Err      error
}

func (e *SlotUnavailableError) Error() string {
	msg := fmt.Sprintf("slot %s %s is not available", e.Date, e.Interval)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *SlotUnavailableError) Is(target error) bool { return target == ErrSlotUnavailable }

func (e *SlotUnavailableError) Unwrap() error { return e.Err }

// InvalidTransitionError rejects a disallowed booking status change.
type InvalidTransitionError struct {
	From BookingStatus
	To   BookingStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}
