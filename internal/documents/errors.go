package documents

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates that an operation referenced an unknown document id.
	ErrNotFound = errors.New("documents: not found")
	// ErrAlreadyExists indicates that create was called with a colliding id.
	ErrAlreadyExists = errors.New("documents: already exists")
	// ErrInvalidOperation indicates a malformed payload or an operation the document state does not allow.
	ErrInvalidOperation = errors.New("documents: invalid operation")
	// ErrStorageFailure indicates that a durable-storage read or write failed.
	ErrStorageFailure = errors.New("documents: storage failure")
	// ErrSyncProtocol indicates that a sync client violated the binary message protocol.
	ErrSyncProtocol = errors.New("documents: sync protocol error")

	errMissingRepository = errors.New("repository is required")
	errMissingDatabase   = errors.New("database handle is required")
	errDocumentRemoved   = errors.New("document was removed")
	errUnknownHeads      = errors.New("heads are not part of the document history")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the error class.
type ServiceError struct {
	code  string
	class error
	err   error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the error class (ErrNotFound, ErrStorageFailure, ...) and the cause.
func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.class != nil {
		unwrapped = append(unwrapped, e.class)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, class, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, class: class, err: cause}
}

// ErrorCode extracts the service error code, or returns an empty string.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

func logServiceError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("documents service error", attrs...)
}
