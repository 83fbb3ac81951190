package domain

import (
	"errors"
	"fmt"
)

// Error kinds shared across adapters. Callers classify with errors.Is.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidQuery       = fmt.Errorf("%w: either a free-text query or structured parameters are required", ErrInvalidInput)
	ErrInvalidCoordinates = fmt.Errorf("%w: coordinates out of range", ErrInvalidInput)
	ErrInvalidOSMID       = fmt.Errorf("%w: osm id must look like N123, W123 or R123", ErrInvalidInput)

	ErrTransient         = errors.New("transient network failure")
	ErrRateLimited       = fmt.Errorf("%w: rate limited", ErrTransient)
	ErrNotFound          = errors.New("not found")
	ErrContractViolation = errors.New("llm output violated the expected contract")
	ErrPersistence       = errors.New("persistence failure")
	ErrMisconfigured     = errors.New("misconfigured")
)
