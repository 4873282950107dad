// Package serviceerror carries stable <operation>.<reason> codes on errors returned by the domain services.
package serviceerror

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Error pairs a stable code with the underlying cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Code() string {
	return e.code
}

// New builds an Error coded operation.reason.
func New(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Code extracts the code from the first Error in err's chain, or returns an empty string.
func Code(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

// Log writes a service failure at Error with its operation and reason as fields.
func Log(logger *zap.Logger, message, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error(message, attrs...)
}
