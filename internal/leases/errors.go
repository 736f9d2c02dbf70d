package leases

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidInput       = errors.New("invalid input")
	ErrQuotaExceeded      = errors.New("lease quota exceeded")
	ErrNoKeysAvailable    = errors.New("no managed keys available for provider")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrAgentAlreadyLeased = errors.New("agent already holds an active lease")
	ErrLeaseNotFound      = errors.New("lease not found")
	ErrLeaseNotActive     = errors.New("lease not found or not active")
	ErrKeyNotFound        = errors.New("managed key not found")
)

// QuotaExceededError carries the tier limit that rejected a lease request.
type QuotaExceededError struct {
	Tier   string
	Limit  int
	Active int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("lease quota exceeded: tier %s allows %d active lease(s), user has %d", e.Tier, e.Limit, e.Active)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// NoKeysAvailableError names the provider that has no active managed key.
type NoKeysAvailableError struct {
	Provider string
}

func (e *NoKeysAvailableError) Error() string {
	return fmt.Sprintf("no managed keys available for provider %s", e.Provider)
}

func (e *NoKeysAvailableError) Is(target error) bool {
	return target == ErrNoKeysAvailable
}
