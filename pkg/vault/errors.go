package vault

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error types
var (
	// ErrNotFound indicates the requested record or blob does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidReference indicates a reference to a missing or wrong-kind record
	ErrInvalidReference = errors.New("invalid reference")

	// ErrInvalidSchedule indicates a scheduled time outside the accepted window
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrConflictingState indicates a compare-and-set lost a race
	ErrConflictingState = errors.New("conflicting state")

	// ErrStorageFault indicates durability of a write could not be confirmed
	ErrStorageFault = errors.New("storage fault")

	// ErrTransientService indicates a retryable external service failure
	ErrTransientService = errors.New("transient service failure")

	// ErrPermanentService indicates an external service rejected the request for good
	ErrPermanentService = errors.New("permanent service failure")

	// ErrValidation indicates malformed caller input
	ErrValidation = errors.New("validation error")

	// ErrIllegalTransition indicates a transition the state machine does not allow
	ErrIllegalTransition = errors.New("illegal state transition")
)

// AssetError represents an error related to asset operations
type AssetError struct {
	AssetID uuid.UUID
	Op      string
	Err     error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("asset operation %s failed for asset %s: %v", e.Op, e.AssetID, e.Err)
}

func (e *AssetError) Unwrap() error {
	return e.Err
}

// JobError represents an error related to job operations
type JobError struct {
	JobID uuid.UUID
	Op    string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job operation %s failed for job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to blob storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ServiceError is returned by external collaborators (transformation
// service, platform sinks). Permanent failures are never retried.
type ServiceError struct {
	Service   string
	Permanent bool
	Err       error
}

// Transient wraps err as a retryable failure of service.
func Transient(service string, err error) *ServiceError {
	return &ServiceError{Service: service, Err: err}
}

// Permanent wraps err as a non-retryable failure of service.
func Permanent(service string, err error) *ServiceError {
	return &ServiceError{Service: service, Permanent: true, Err: err}
}

func (e *ServiceError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s failure from %s: %v", kind, e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	switch target {
	case ErrPermanentService:
		return e.Permanent
	case ErrTransientService:
		return !e.Permanent
	}
	return false
}

// IsPermanent reports whether err should skip further retries. Anything
// not explicitly marked permanent is retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentService)
}

// Outcome is the operator-facing classification of an error.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeNotFound        Outcome = "not-found"
	OutcomeConflict        Outcome = "conflict"
	OutcomeValidationError Outcome = "validation-error"
	OutcomeInternalFault   Outcome = "internal-fault"
)

// Classify maps err onto an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrConflictingState), errors.Is(err, ErrIllegalTransition):
		return OutcomeConflict
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidReference),
		errors.Is(err, ErrInvalidSchedule), errors.Is(err, ErrPermanentService):
		return OutcomeValidationError
	default:
		return OutcomeInternalFault
	}
}

// ExitCode returns the process exit status for an Outcome.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeOK:
		return 0
	case OutcomeValidationError:
		return 2
	case OutcomeNotFound:
		return 3
	case OutcomeConflict:
		return 4
	default:
		return 1
	}
}
