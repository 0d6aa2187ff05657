package models

import "time"

// Provisioning attempt states.
//
//	requested -> created -> address_pending -> configured
//	                        address_pending -> deferred_retry -> configured | given_up
//	requested -> failed
const (
	AttemptRequested      = "requested"
	AttemptCreated        = "created"
	AttemptAddressPending = "address_pending"
	AttemptDeferredRetry  = "deferred_retry"
	AttemptConfigured     = "configured"
	AttemptGivenUp        = "given_up"
	AttemptFailed         = "failed"
)

// Attempt outcomes as reported to callers.
const (
	OutcomeConfigured     = "configured"
	OutcomeAddressPending = "address-pending"
	OutcomeFailed         = "failed"
)

// ProvisioningAttempt tracks one VM creation job through address resolution and guest setup.
type ProvisioningAttempt struct {
	ID             string
	ResourceID     string
	ExternalID     string
	CPU            int
	RAMGB          int
	StorageGB      int
	Address        *string
	PollCount      int
	State          string
	RetryScheduled bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Outcome collapses the state machine into the three externally visible results.
func (a *ProvisioningAttempt) Outcome() string {
	switch a.State {
	case AttemptConfigured:
		return OutcomeConfigured
	case AttemptFailed, AttemptGivenUp:
		return OutcomeFailed
	default:
		return OutcomeAddressPending
	}
}

// Pending reports whether the attempt still waits for an address.
func (a *ProvisioningAttempt) Pending() bool {
	return a.State == AttemptAddressPending || a.State == AttemptDeferredRetry
}
