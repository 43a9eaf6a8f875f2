package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for stream operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Argument errors, surfaced to the caller and never retried
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeUnknownStream    ErrorCode = 1001
	ErrCodeDuplicateTailer  ErrorCode = 1002
	ErrCodeCodecMismatch    ErrorCode = 1003
	ErrCodeInvalidPartition ErrorCode = 1004
	ErrCodeRecordTooLarge   ErrorCode = 1005
	ErrCodeInvalidTopology  ErrorCode = 1006

	// State errors, the object is not in a state that allows the operation
	ErrCodeIllegalState        ErrorCode = 1100
	ErrCodeClosed              ErrorCode = 1101
	ErrCodeUnassignedPartition ErrorCode = 1102
	ErrCodeUnsupported         ErrorCode = 1103

	// Server errors
	ErrCodeInternal      ErrorCode = 2000
	ErrCodeStorage       ErrorCode = 2001
	ErrCodeCorruptedData ErrorCode = 2002
	ErrCodeProcessing    ErrorCode = 2003
	ErrCodeRebalance     ErrorCode = 2004
	ErrCodeDiskFull      ErrorCode = 2005
	ErrCodeUnavailable   ErrorCode = 2006
)

// StreamError represents a structured error with code and context
type StreamError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to the status returned by the admin API
func (e *StreamError) HTTPStatus() int {
	switch {
	case e.Code == ErrCodeOK:
		return http.StatusOK
	case e.Code == ErrCodeUnknownStream:
		return http.StatusNotFound
	case e.Code >= 1000 && e.Code < 1100:
		return http.StatusBadRequest
	case e.Code == ErrCodeUnsupported:
		return http.StatusNotImplemented
	case e.Code >= 1100 && e.Code < 1200:
		return http.StatusConflict
	case e.Code == ErrCodeDiskFull:
		return http.StatusInsufficientStorage
	case e.Code == ErrCodeUnavailable, e.Code == ErrCodeRebalance:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewStreamError creates a new StreamError
func NewStreamError(code ErrorCode, message string, cause error) *StreamError {
	return &StreamError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StreamError) WithDetail(key string, value interface{}) *StreamError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StreamError {
	return NewStreamError(ErrCodeInvalidArgument, message, cause)
}

func UnknownStream(name string) *StreamError {
	return NewStreamError(ErrCodeUnknownStream, fmt.Sprintf("unknown stream: %s", name), nil).
		WithDetail("stream", name)
}

func DuplicateTailer(group, partition string) *StreamError {
	return NewStreamError(ErrCodeDuplicateTailer,
		fmt.Sprintf("a tailer is already open for group %s on %s", group, partition), nil).
		WithDetail("group", group).
		WithDetail("partition", partition)
}

func CodecMismatch(stream, expected, actual string) *StreamError {
	return NewStreamError(ErrCodeCodecMismatch,
		fmt.Sprintf("stream %s uses codec %s, got %s", stream, expected, actual), nil).
		WithDetail("stream", stream).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InvalidPartition(stream string, partition, size int) *StreamError {
	return NewStreamError(ErrCodeInvalidPartition,
		fmt.Sprintf("partition %d out of range for stream %s of size %d", partition, stream, size), nil).
		WithDetail("stream", stream).
		WithDetail("partition", partition).
		WithDetail("size", size)
}

func RecordTooLarge(field string, size, maxSize int) *StreamError {
	return NewStreamError(ErrCodeRecordTooLarge, fmt.Sprintf("record %s size %d exceeds maximum %d", field, size, maxSize), nil).
		WithDetail("field", field).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidTopology(message string) *StreamError {
	return NewStreamError(ErrCodeInvalidTopology, message, nil)
}

func IllegalState(message string) *StreamError {
	return NewStreamError(ErrCodeIllegalState, message, nil)
}

func Closed(what string) *StreamError {
	return NewStreamError(ErrCodeClosed, fmt.Sprintf("%s is closed", what), nil).
		WithDetail("resource", what)
}

func UnassignedPartition(partition string) *StreamError {
	return NewStreamError(ErrCodeUnassignedPartition, fmt.Sprintf("partition %s is not assigned to this tailer", partition), nil).
		WithDetail("partition", partition)
}

func Unsupported(operation string) *StreamError {
	return NewStreamError(ErrCodeUnsupported, fmt.Sprintf("%s is not supported by this backend", operation), nil)
}

func InternalError(message string, cause error) *StreamError {
	return NewStreamError(ErrCodeInternal, message, cause)
}

func StorageFailed(message string, cause error) *StreamError {
	return NewStreamError(ErrCodeStorage, message, cause)
}

func CorruptedData(message string, cause error) *StreamError {
	return NewStreamError(ErrCodeCorruptedData, message, cause)
}

func ProcessingFailed(computation string, cause error) *StreamError {
	return NewStreamError(ErrCodeProcessing, fmt.Sprintf("computation %s failed", computation), cause).
		WithDetail("computation", computation)
}

func Rebalance(group string, revoked []string) *StreamError {
	return NewStreamError(ErrCodeRebalance, fmt.Sprintf("partitions revoked from group %s", group), nil).
		WithDetail("group", group).
		WithDetail("revoked", revoked)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StreamError {
	return NewStreamError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func Unavailable(message string, cause error) *StreamError {
	return NewStreamError(ErrCodeUnavailable, message, cause)
}

// IsStreamError checks if an error chain contains a StreamError
func IsStreamError(err error) bool {
	var se *StreamError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StreamError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsArgument reports whether err is an argument kind error.
func IsArgument(err error) bool {
	code := GetCode(err)
	return code >= 1000 && code < 1100
}

// IsState reports whether err is a state kind error.
func IsState(err error) bool {
	code := GetCode(err)
	return code >= 1100 && code < 1200
}

// IsRebalance reports whether err signals a partition reassignment; the read should be retried.
func IsRebalance(err error) bool {
	return GetCode(err) == ErrCodeRebalance
}

// IsProcessing reports whether err was raised by a computation callback.
func IsProcessing(err error) bool {
	return GetCode(err) == ErrCodeProcessing
}
