package mailstore

import "errors"

var (
	// ErrNoEventAvailable is returned by Claim when no PENDING or
	// reclaimable event matches the request.
	ErrNoEventAvailable = errors.New("no event available to claim")

	// ErrLeaseLost is returned by Ack/Fail when the caller does not
	// hold the current lease on the event (spec.md §7 taxonomy).
	ErrLeaseLost = errors.New("lease lost: caller does not hold the current lease")

	// ErrEventNotFound is returned when an operation references an
	// event id that does not exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrDuplicateKey indicates an idempotency key has already
	// produced a non-denied tool audit entry.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)
