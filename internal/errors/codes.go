package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for replication operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Refused requests, prior state untouched
	ErrCodeValidation    ErrorCode = 1000
	ErrCodeNotFound      ErrorCode = 1001
	ErrCodeAlreadyExists ErrorCode = 1002

	// Server side failures
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeTransientNetwork  ErrorCode = 2001
	ErrCodeChangelogWrite    ErrorCode = 2004
	ErrCodeCorruptChangelog  ErrorCode = 2007
	ErrCodeConflictAmbiguity ErrorCode = 2009
	ErrCodeSuffixHalted      ErrorCode = 2010
)

// ReplError represents a structured error with code and context
type ReplError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ReplError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ReplError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts ReplError to gRPC status
func (e *ReplError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *ReplError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeValidation:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeAlreadyExists:
		return codes.AlreadyExists
	case ErrCodeTransientNetwork:
		return codes.Unavailable
	case ErrCodeCorruptChangelog:
		return codes.DataLoss
	case ErrCodeSuffixHalted:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// NewReplError creates a new ReplError
func NewReplError(code ErrorCode, message string, cause error) *ReplError {
	return &ReplError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ReplError) WithDetail(key string, value interface{}) *ReplError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func Validation(message string) *ReplError {
	return NewReplError(ErrCodeValidation, message, nil)
}

func InvalidAttribute(attr, value, reason string) *ReplError {
	return NewReplError(ErrCodeValidation,
		fmt.Sprintf("Attribute %s value (%s) is invalid, %s", attr, value, reason), nil).
		WithDetail("attribute", attr).
		WithDetail("value", value)
}

func NotFound(what string) *ReplError {
	return NewReplError(ErrCodeNotFound, fmt.Sprintf("no such object: %s", what), nil).
		WithDetail("target", what)
}

func AlreadyExists(dn string) *ReplError {
	return NewReplError(ErrCodeAlreadyExists, fmt.Sprintf("entry already exists: %s", dn), nil).
		WithDetail("dn", dn)
}

func TransientNetwork(peer string, cause error) *ReplError {
	return NewReplError(ErrCodeTransientNetwork, fmt.Sprintf("peer %s unreachable", peer), cause).
		WithDetail("peer", peer)
}

func ChangelogWrite(message string, cause error) *ReplError {
	return NewReplError(ErrCodeChangelogWrite, message, cause)
}

func CorruptChangelog(path string, line int, cause error) *ReplError {
	return NewReplError(ErrCodeCorruptChangelog,
		fmt.Sprintf("changelog corrupted at %s:%d", path, line), cause).
		WithDetail("path", path).
		WithDetail("line", line)
}

func ConflictAmbiguity(message string) *ReplError {
	return NewReplError(ErrCodeConflictAmbiguity, message, nil)
}

func SuffixHalted(suffix string, cause error) *ReplError {
	return NewReplError(ErrCodeSuffixHalted,
		fmt.Sprintf("replication halted for suffix %s until operator intervention", suffix), cause).
		WithDetail("suffix", suffix)
}

func Internal(message string, cause error) *ReplError {
	return NewReplError(ErrCodeInternal, message, cause)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var re *ReplError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}

func IsValidation(err error) bool { return GetCode(err) == ErrCodeValidation }

func IsNotFound(err error) bool { return GetCode(err) == ErrCodeNotFound }

func IsTransient(err error) bool { return GetCode(err) == ErrCodeTransientNetwork }

// IsCorrupt reports errors that break the changelog durability guarantee.
func IsCorrupt(err error) bool {
	code := GetCode(err)
	return code == ErrCodeCorruptChangelog || code == ErrCodeChangelogWrite
}

// FromGRPC maps a client-side gRPC error back into the replication taxonomy.
func FromGRPC(peer string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return TransientNetwork(peer, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Canceled, codes.Aborted:
		return TransientNetwork(peer, err)
	case codes.InvalidArgument:
		return NewReplError(ErrCodeValidation, st.Message(), err)
	case codes.NotFound:
		return NewReplError(ErrCodeNotFound, st.Message(), err)
	case codes.DataLoss:
		return NewReplError(ErrCodeCorruptChangelog, st.Message(), err)
	case codes.FailedPrecondition:
		return NewReplError(ErrCodeSuffixHalted, st.Message(), err)
	default:
		return Internal(fmt.Sprintf("peer %s failed", peer), err)
	}
}
