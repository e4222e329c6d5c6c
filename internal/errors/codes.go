package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for sync operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeInvalidOperation ErrorCode = 1001
	ErrCodeCodec            ErrorCode = 1002
	ErrCodeUnknownPeer      ErrorCode = 1003

	// Server errors
	ErrCodeInternal     ErrorCode = 2000
	ErrCodeBackpressure ErrorCode = 2001
	ErrCodeSync         ErrorCode = 2002
	ErrCodeLockFailed   ErrorCode = 2003
	ErrCodeStorage      ErrorCode = 2004
	ErrCodeUnavailable  ErrorCode = 2005
)

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts SyncError to gRPC status
func (e *SyncError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *SyncError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidOperation, ErrCodeCodec:
		return codes.InvalidArgument
	case ErrCodeUnknownPeer:
		return codes.NotFound
	case ErrCodeBackpressure:
		return codes.ResourceExhausted
	case ErrCodeLockFailed, ErrCodeUnavailable:
		return codes.Unavailable
	case ErrCodeSync, ErrCodeStorage:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, message, cause)
}

func InvalidOperation(opType, reason string) *SyncError {
	return NewSyncError(ErrCodeInvalidOperation, fmt.Sprintf("invalid operation '%s': %s", opType, reason), nil).
		WithDetail("operation_type", opType).
		WithDetail("reason", reason)
}

func Backpressure(resource string, current, limit int) *SyncError {
	return NewSyncError(ErrCodeBackpressure, fmt.Sprintf("%s backpressure: %d/%d", resource, current, limit), nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

func Codec(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeCodec, message, cause)
}

func Sync(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeSync, message, cause)
}

func LockFailed(target string, cause error) *SyncError {
	return NewSyncError(ErrCodeLockFailed, fmt.Sprintf("failed to acquire lock for target '%s'", target), cause).
		WithDetail("target", target)
}

func Storage(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeStorage, message, cause)
}

func UnknownPeer(peerID string) *SyncError {
	return NewSyncError(ErrCodeUnknownPeer, fmt.Sprintf("unknown peer: %s", peerID), nil).
		WithDetail("peer_id", peerID)
}

func Internal(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

// IsSyncError checks if an error is a SyncError
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsBackpressure reports whether err is a backpressure rejection
func IsBackpressure(err error) bool {
	return GetCode(err) == ErrCodeBackpressure
}
