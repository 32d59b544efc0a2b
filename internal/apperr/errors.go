package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across repositories, services and handlers. Callers
// classify failures with errors.Is and map them to transport-level responses.
var (
	// ErrValidation indicates malformed or out-of-range input. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates a missing snapshot or message.
	ErrNotFound = errors.New("record not found")
	// ErrTurnLimitExceeded indicates the snapshot's chat budget is exhausted.
	// Terminal for that snapshot's conversation.
	ErrTurnLimitExceeded = errors.New("chat turn limit exceeded")
	// ErrInvalidTransition indicates an illegal snapshot status change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidState indicates a protocol violation, such as appending a
	// chunk to an already finalized message.
	ErrInvalidState = errors.New("invalid message state")
	// ErrStorageFault wraps an underlying persistence failure. The service
	// performs no implicit retry; clients retry through the idempotency key.
	ErrStorageFault = errors.New("storage fault")
)

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// NotFoundf wraps ErrNotFound with a formatted detail message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrNotFound}, args...)...)
}

// Storage wraps a persistence error so callers can classify it without
// depending on the driver.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorageFault, err)
}
