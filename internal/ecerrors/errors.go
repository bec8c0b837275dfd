package ecerrors

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	// credential and provisioning failures; never retryable
	ErrUnauthorized           = errors.New("unauthorized")
	ErrProvisioningKeyInvalid = errors.New("provisioning key is invalid, expired, or exhausted")

	// malformed input rejected at the boundary without state change
	ErrBadRequest = errors.New("malformed request payload")

	// license enforcement
	ErrLicenseExpired       = errors.New("license has expired")
	ErrLicenseInvalid       = errors.New("license envelope is invalid")
	ErrLicenseFeatureDenied = errors.New("feature is not included in the current license")
	ErrLicenseLimitExceeded = errors.New("license limit exceeded; upgrade the plan to add more")

	// transport-level backpressure
	ErrRateLimited = errors.New("too many attempts; back off and retry later")

	// storage
	ErrRetryableStorage   = errors.New("transient storage conflict; retry the operation")
	ErrNotFound           = errors.New("object not found")
	ErrDuplicate          = errors.New("an object with this identifier already exists")
	ErrInvariantViolation = errors.New("stored data violates a model invariant")

	ErrDeadlineExceeded = errors.New("operation did not complete within the caller deadline")

	// key, signature, or wrap/unwrap failure
	ErrCryptoFailure = errors.New("cryptographic operation failed")

	// jobs
	ErrInvalidJobTransition = errors.New("job status transition is not allowed")
)

// sqlState is implemented by the postgres driver's error type; checking for
// the interface avoids a direct driver dependency here.
type sqlState interface {
	SQLState() string
}

// ErrorFromGormError converts driver and gorm errors into the package's
// sentinel kinds. Serialization failures and deadlocks map to
// ErrRetryableStorage so callers can retry with backoff.
func ErrorFromGormError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	case errors.Is(err, gorm.ErrCheckConstraintViolated):
		return ErrInvariantViolation
	case errors.Is(err, context.DeadlineExceeded):
		return ErrDeadlineExceeded
	}
	var state sqlState
	if errors.As(err, &state) {
		switch state.SQLState() {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ErrRetryableStorage
		case "55P03": // lock_not_available
			return ErrRetryableStorage
		case "23505": // unique_violation
			return ErrDuplicate
		}
	}
	return err
}
