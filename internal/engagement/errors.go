package engagement

import (
	"errors"

	"github.com/markbryant-rw/AgentBuddy-sub007/internal/serviceerror"
	"go.uber.org/zap"
)

var (
	// ErrMissingLeadID indicates a delivery without externalLeadId.
	ErrMissingLeadID = errors.New("externalLeadId is required")
	// ErrMissingEvent indicates a delivery without an event discriminator.
	ErrMissingEvent = errors.New("event is required")
	// ErrLeadNotFound indicates an externalLeadId that does not resolve to a known lead.
	ErrLeadNotFound = errors.New("lead not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable <operation>.<reason> code alongside the underlying cause.
type ServiceError = serviceerror.Error

func newServiceError(operation, reason string, cause error) error {
	return serviceerror.New(operation, reason, cause)
}

// ErrorCode extracts the ServiceError code from err, or returns an empty string.
func ErrorCode(err error) string {
	return serviceerror.Code(err)
}
