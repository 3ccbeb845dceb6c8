package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors. Typed errors below match them with errors.Is.
var (
	ErrSourceUnavailable  = errors.New("source unavailable")
	ErrSourceNotFound     = errors.New("source not found")
	ErrAmbiguousUpsertKey = errors.New("ambiguous upsert key")
	ErrMissingUpsertKey   = errors.New("missing upsert key")
	ErrConcurrentAdvance  = errors.New("concurrent cursor advance")
	ErrCursorRegression   = errors.New("cursor cannot move backwards")
	ErrTargetUnavailable  = errors.New("target store unavailable")
	ErrRecordNotFound     = errors.New("target record not found")
	ErrNoUniqueKey        = errors.New("no unique key")
	ErrInvalidMapping     = errors.New("invalid mapping")
	ErrMappingNotFound    = errors.New("mapping not found")
	ErrAuditNotFound      = errors.New("audit record not found")
)

// SourceUnavailableError is a transient connectivity or access failure.
// Retryable is false for failures a retry cannot fix, such as revoked access.
type SourceUnavailableError struct {
	Source    string
	Retryable bool
	Err       error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source unavailable: %s: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

func (e *SourceUnavailableError) Is(target error) bool { return target == ErrSourceUnavailable }

// SourceNotFoundError means the source or worksheet no longer exists.
type SourceNotFoundError struct {
	Source    string
	Worksheet string
	Err       error
}

func (e *SourceNotFoundError) Error() string {
	msg := "source not found: " + e.Source
	if e.Worksheet != "" {
		msg += " worksheet " + e.Worksheet
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SourceNotFoundError) Unwrap() error { return e.Err }

func (e *SourceNotFoundError) Is(target error) bool { return target == ErrSourceNotFound }

// AmbiguousUpsertKeyError means more than one target record matches a key.
type AmbiguousUpsertKeyError struct {
	Row     int
	Key     map[string]string
	Matches int
}

func (e *AmbiguousUpsertKeyError) Error() string {
	return fmt.Sprintf("ambiguous upsert key at row %d: %s matches %d records", e.Row, formatKey(e.Key), e.Matches)
}

func (e *AmbiguousUpsertKeyError) Is(target error) bool { return target == ErrAmbiguousUpsertKey }

// MissingUpsertKeyError means a record has no value for a required key field.
type MissingUpsertKeyError struct {
	Row   int
	Field string
}

func (e *MissingUpsertKeyError) Error() string {
	return fmt.Sprintf("missing upsert key at row %d: field %q is empty", e.Row, e.Field)
}

func (e *MissingUpsertKeyError) Is(target error) bool { return target == ErrMissingUpsertKey }

// ConcurrentAdvanceError means the cursor moved after this cycle read it, or
// another cycle for the mapping was already running.
type ConcurrentAdvanceError struct {
	MappingID string
	Expected  int64
	Actual    int64

	// InFlight is set when the cycle was refused because another cycle for
	// the mapping was still running.
	InFlight bool
}

func (e *ConcurrentAdvanceError) Error() string {
	if e.InFlight {
		return fmt.Sprintf("concurrent cursor advance for mapping %q: a cycle is already running", e.MappingID)
	}
	return fmt.Sprintf("concurrent cursor advance for mapping %q: expected version %d, found %d",
		e.MappingID, e.Expected, e.Actual)
}

func (e *ConcurrentAdvanceError) Is(target error) bool { return target == ErrConcurrentAdvance }

// TargetUnavailableError wraps a connectivity or timeout failure of the
// target store. Writes made through a rolled back transaction are discarded.
type TargetUnavailableError struct {
	Op  string
	Err error
}

func (e *TargetUnavailableError) Error() string {
	return fmt.Sprintf("target store unavailable during %s: %v", e.Op, e.Err)
}

func (e *TargetUnavailableError) Unwrap() error { return e.Err }

func (e *TargetUnavailableError) Is(target error) bool { return target == ErrTargetUnavailable }

// UniqueKeyError means no usable unique key could be resolved for an upsert mapping.
type UniqueKeyError struct {
	MappingID string
	Reason    string
}

func (e *UniqueKeyError) Error() string {
	return fmt.Sprintf("no unique key for mapping %q: %s", e.MappingID, e.Reason)
}

func (e *UniqueKeyError) Is(target error) bool { return target == ErrNoUniqueKey }

// IsRetryable reports whether a cycle-level error may succeed on an
// immediate second attempt.
func IsRetryable(err error) bool {
	var su *SourceUnavailableError
	if errors.As(err, &su) {
		return su.Retryable
	}
	return errors.Is(err, ErrTargetUnavailable)
}

// formatKey renders key fields in sorted order for stable messages.
func formatKey(key map[string]string) string {
	names := make([]string, 0, len(key))
	for k := range key {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s=%q", k, key[k])
	}
	return strings.Join(parts, ", ")
}
