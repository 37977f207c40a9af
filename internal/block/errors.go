package block

import "errors"

var (
	// ErrUnknownBlock is returned when an operation references a block that
	// is absent or already tombstoned. The operation is dropped and its
	// issuer informed; shared state is untouched.
	ErrUnknownBlock = errors.New("block: unknown block")

	// ErrStaleClock marks a duplicate or replayed operation: its clock is
	// not greater than one already applied for the same actor.
	ErrStaleClock = errors.New("block: stale clock")

	ErrInvalidOperation = errors.New("block: invalid operation")
	ErrDuplicateBlock   = errors.New("block: block id already used")

	// ErrCausality is returned when an operation references a block created
	// at or after the operation's own clock, which its issuer cannot have
	// observed.
	ErrCausality = errors.New("block: operation precedes referenced block")

	// ErrClockExhausted is returned by Clock.Tick once no larger value
	// remains.
	ErrClockExhausted = errors.New("block: logical clock exhausted")
)

// IsRejected reports whether err means the operation is malformed and must
// not reach the log.
func IsRejected(err error) bool {
	return errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrDuplicateBlock) ||
		errors.Is(err, ErrCausality)
}
