// ABOUTME: Typed errors for sync, codec, and sharing operations.
// ABOUTME: Enables programmatic error handling with errors.Is() and errors.As().
package petsync

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic handling.
var (
	ErrConversion    = errors.New("record conversion failed")
	ErrNotFound      = errors.New("record not found")
	ErrPermission    = errors.New("participant permission error")
	ErrNetwork       = errors.New("network failure")
	ErrValidation    = errors.New("validation failed")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrServerError   = errors.New("server error")
	ErrMergeInFlight = errors.New("merge already in flight for kind")
	ErrSyncActive    = errors.New("sync pass already active")
	ErrNotConfigured = errors.New("remote sync not configured")
)

// IsNotFound reports whether err is an absence, at any wrap depth.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ConversionError reports which record and field could not be decoded.
type ConversionError struct {
	Record RecordID
	Kind   RecordKind
	Field  string
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("decode %s record %s: field %q: %s", e.Kind, e.Record, e.Field, e.Reason)
}

func (e *ConversionError) Is(target error) bool {
	return target == ErrConversion
}

// ParticipantError reports a sharing-participant lookup failure.
type ParticipantError struct {
	PetID   string
	Contact string
}

func (e *ParticipantError) Error() string {
	return fmt.Sprintf("participant %q not found on share for pet %s", e.Contact, e.PetID)
}

func (e *ParticipantError) Is(target error) bool {
	return target == ErrPermission
}

// SyncError wraps errors with operation context.
type SyncError struct {
	Op      string // "query", "save", "fetch", "share", "merge"
	Kind    RecordKind
	Err     error
	Retries int
}

func (e *SyncError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s %s failed after %d attempts: %v", e.Op, e.Kind, e.Retries, e.Err)
	}
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Retries, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
