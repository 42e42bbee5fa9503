// Package errors provides centralized error definitions and error handling utilities
// for pmtscan. It defines the scan fault taxonomy, semantic error types, error
// constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain errors represent faults raised by the scan engine and its devices:
//   - ConfigurationError: an empty or malformed axis range or scan setting
//   - DeviceFault: an actuator or detector could not be reached or timed out
//   - AcquisitionFault: the detector returned an unexpected number of samples
//   - ChannelMisuseError: a request was submitted while another is outstanding
//   - ResourceStateError: a device operation was attempted on a released handle
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewDeviceFault("move failed", cause).WithAxis("x")
//
//	var fault *errors.AcquisitionFault
//	if errors.As(err, &fault) { ... }
//
//	if errors.IsProgrammerError(err) { panic(err) }
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: transient errors that may succeed on retry
//   - UserFacing: errors safe to display to users (vs internal errors)
//   - ProgrammerError: contract violations that must never be swallowed
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Scan sentinel errors
var (
	// ErrInvalidStep indicates a non-positive or non-finite step size.
	ErrInvalidStep = New("invalid step size")
	// ErrIndexOutOfRange indicates a visit index beyond the session total.
	ErrIndexOutOfRange = New("visit index out of range")
	// ErrSessionActive indicates an operation that requires no running session.
	ErrSessionActive = New("scan session is active")
	// ErrNoSession indicates an operation that requires a session.
	ErrNoSession = New("no scan session")
	// ErrSessionAborted indicates that a session ended before completing.
	ErrSessionAborted = New("scan session aborted")
)

// Device sentinel errors
var (
	// ErrDeviceUnreachable indicates a device that did not answer.
	ErrDeviceUnreachable = New("device unreachable")
	// ErrSampleCountMismatch indicates a detector readout with the wrong sample count.
	ErrSampleCountMismatch = New("sample count mismatch")
	// ErrHandleReleased indicates an operation on a released resource handle.
	ErrHandleReleased = New("resource handle released")
	// ErrWorkerBusy indicates a side transition requested while a job is executing.
	ErrWorkerBusy = New("worker is busy")
	// ErrRequestOutstanding indicates a submit while a request is still in flight.
	ErrRequestOutstanding = New("request already outstanding")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ScanError is the base interface for all pmtscan errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type ScanError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ConfigurationError is raised when a scan is configured with an empty or
// malformed axis range. It is only ever raised at session creation.
//
// Example:
//
//	err := errors.NewConfigurationError("step must be positive", errors.ErrInvalidStep)
//	err = err.WithField("x.step").WithValue(-0.5)
type ConfigurationError struct {
	baseError
	Field string
	Value any
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(message string, cause error) *ConfigurationError {
	return &ConfigurationError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds the offending field name to the error context.
func (e *ConfigurationError) WithField(field string) *ConfigurationError {
	e.Field = field
	return e
}

// WithValue adds the offending value to the error context.
func (e *ConfigurationError) WithValue(value any) *ConfigurationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ConfigurationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("configuration error", parts)
}

// Is checks if this error matches the target.
func (e *ConfigurationError) Is(target error) bool {
	if _, ok := target.(*ConfigurationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// DeviceFault represents an actuator or detector communication failure,
// including timeouts. A device fault aborts the current session once the
// in-flight operation has completed; the worker survives it.
//
// Example:
//
//	err := errors.NewDeviceFault("move did not complete", ctx.Err()).WithAxis("y")
type DeviceFault struct {
	baseError
	Axis   string
	Device string
}

// NewDeviceFault creates a new DeviceFault.
func NewDeviceFault(message string, cause error) *DeviceFault {
	return &DeviceFault{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithAxis adds the axis that faulted to the error context.
func (e *DeviceFault) WithAxis(axis string) *DeviceFault {
	e.Axis = axis
	return e
}

// WithDevice adds a device identifier (serial number, port) to the error context.
func (e *DeviceFault) WithDevice(device string) *DeviceFault {
	e.Device = device
	return e
}

// WithSeverity sets the error severity.
func (e *DeviceFault) WithSeverity(s Severity) *DeviceFault {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *DeviceFault) Error() string {
	var parts []string
	if e.Axis != "" {
		parts = append(parts, fmt.Sprintf("axis=%s", e.Axis))
	}
	if e.Device != "" {
		parts = append(parts, fmt.Sprintf("device=%s", e.Device))
	}
	return e.format("device fault", parts)
}

// Is checks if this error matches the target.
func (e *DeviceFault) Is(target error) bool {
	if _, ok := target.(*DeviceFault); ok {
		return true
	}
	if errors.Is(target, ErrDeviceUnreachable) {
		return true
	}
	return e.baseError.Is(target)
}

// AcquisitionFault is raised when the detector returns a sample count that
// differs from the requested repeat count. The affected cell is recorded as
// "no data"; it is never averaged over the partial readout.
//
// Example:
//
//	err := errors.NewAcquisitionFault(50, 47)
type AcquisitionFault struct {
	baseError
	Expected int
	// Got is UnknownSampleCount when the source reported a mismatch without
	// the count it read.
	Got int
}

// UnknownSampleCount is the Got value of an AcquisitionFault built from a
// bare ErrSampleCountMismatch.
const UnknownSampleCount = -1

// AsAcquisitionFault returns err as an *AcquisitionFault when it is one or
// wraps ErrSampleCountMismatch; expected is used for the latter. Other
// errors are returned unchanged.
func AsAcquisitionFault(err error, expected int) error {
	var acq *AcquisitionFault
	if errors.As(err, &acq) || !errors.Is(err, ErrSampleCountMismatch) {
		return err
	}
	return NewAcquisitionFault(expected, UnknownSampleCount).WithCause(err)
}

// NewAcquisitionFault creates a new AcquisitionFault.
func NewAcquisitionFault(expected, got int) *AcquisitionFault {
	return &AcquisitionFault{
		baseError: baseError{
			message:    "detector returned unexpected sample count",
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Expected: expected,
		Got:      got,
	}
}

// WithCause adds a cause to the error.
func (e *AcquisitionFault) WithCause(cause error) *AcquisitionFault {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *AcquisitionFault) Error() string {
	return e.format("acquisition fault", []string{
		fmt.Sprintf("expected=%d", e.Expected),
		fmt.Sprintf("got=%d", e.Got),
	})
}

// Is checks if this error matches the target.
func (e *AcquisitionFault) Is(target error) bool {
	if _, ok := target.(*AcquisitionFault); ok {
		return true
	}
	if errors.Is(target, ErrSampleCountMismatch) {
		return true
	}
	return e.baseError.Is(target)
}

// ChannelMisuseError is raised when a request is submitted while another one
// is still outstanding. It is a programmer error: the at-most-one-in-flight
// contract would otherwise silently overwrite an undelivered job.
type ChannelMisuseError struct {
	baseError
	Outstanding string
}

// NewChannelMisuseError creates a new ChannelMisuseError describing the
// request that is still outstanding.
func NewChannelMisuseError(outstanding string) *ChannelMisuseError {
	return &ChannelMisuseError{
		baseError: baseError{
			message:    "submit called while a request is outstanding",
			cause:      ErrRequestOutstanding,
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: false,
		},
		Outstanding: outstanding,
	}
}

// Error returns the formatted error message.
func (e *ChannelMisuseError) Error() string {
	var parts []string
	if e.Outstanding != "" {
		parts = append(parts, fmt.Sprintf("outstanding=%s", e.Outstanding))
	}
	return e.format("channel misuse", parts)
}

// Is checks if this error matches the target.
func (e *ChannelMisuseError) Is(target error) bool {
	if _, ok := target.(*ChannelMisuseError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ResourceStateError is raised when a device operation is attempted while
// the resource handle is released. It fails fast instead of touching an
// absent handle.
type ResourceStateError struct {
	baseError
	Operation string
	State     string
}

// NewResourceStateError creates a new ResourceStateError.
func NewResourceStateError(operation, state string) *ResourceStateError {
	return &ResourceStateError{
		baseError: baseError{
			message:    fmt.Sprintf("cannot %s", operation),
			cause:      ErrHandleReleased,
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: false,
		},
		Operation: operation,
		State:     state,
	}
}

// Error returns the formatted error message.
func (e *ResourceStateError) Error() string {
	var parts []string
	if e.State != "" {
		parts = append(parts, fmt.Sprintf("state=%s", e.State))
	}
	return e.format("resource state error", parts)
}

// Is checks if this error matches the target.
func (e *ResourceStateError) Is(target error) bool {
	if _, ok := target.(*ResourceStateError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("run", "2024-05-01_scan")
//	fmt.Println(err) // "run '2024-05-01_scan' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("exposure must be positive")
//	err = err.WithField("exposure_ms").WithValue(0)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for stage to settle", 5*time.Second)
//	fmt.Println(err) // "timeout error: waiting for stage to settle (timeout: 5s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var scanErr ScanError
	if As(err, &scanErr) {
		return scanErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var scanErr ScanError
	if As(err, &scanErr) {
		return scanErr.IsUserFacing()
	}

	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ScanError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var scanErr ScanError
	if As(err, &scanErr) {
		return scanErr.Severity()
	}

	return SeverityError
}

// IsProgrammerError returns true for contract violations (ChannelMisuseError,
// ResourceStateError) that callers must surface rather than swallow.
func IsProgrammerError(err error) bool {
	if err == nil {
		return false
	}

	var misuse *ChannelMisuseError
	var state *ResourceStateError
	return As(err, &misuse) || As(err, &state)
}

// IsDeviceError returns true if the error originated from a device
// (DeviceFault or AcquisitionFault).
func IsDeviceError(err error) bool {
	if err == nil {
		return false
	}

	var fault *DeviceFault
	var acq *AcquisitionFault
	return As(err, &fault) || As(err, &acq)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to open run file")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
