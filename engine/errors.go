package engine

import "fmt"

// Kind is a stable rejection reason. Handlers and tests assert on kinds, not
// on message text.
type Kind string

const (
	// accrual state machine
	KindNotVerified     Kind = "NotVerified"
	KindAlreadyAccruing Kind = "AlreadyAccruing"
	KindNotAccruing     Kind = "NotAccruing"
	KindStillVerified   Kind = "StillVerified"

	// malformed delegation request
	KindNotEligible      Kind = "NotEligible"
	KindInvalidRecipient Kind = "InvalidRecipient"
	KindZeroRate         Kind = "ZeroRate"
	KindStartsInPast     Kind = "StartsInPast"
	KindInvalidWindow    Kind = "InvalidWindow"
	KindRateExceedsBase  Kind = "RateExceedsBase"

	// capacity validator
	KindTooManyDelegations         Kind = "TooManyDelegations"
	KindOverlappingToSameRecipient Kind = "OverlappingToSameRecipient"
	KindCircularDelegation         Kind = "CircularDelegation"
	KindInsufficientCapacity       Kind = "InsufficientCapacity"

	// access and lookup
	KindUnauthorized Kind = "Unauthorized"
	KindNotFound     Kind = "NotFound"

	// balance mutations
	KindAmountExceedsAvailable Kind = "AmountExceedsAvailable"
	KindInsufficientBalance    Kind = "InsufficientBalance"
	KindInvalidAmount          Kind = "InvalidAmount"
	KindNotCancellable         Kind = "NotCancellable"

	// re-entrancy guard
	KindReentrantCall Kind = "ReentrantCall"

	// storage or invariant failure, not a caller mistake
	KindInternal Kind = "Internal"
)

// Error is a rejection with a stable kind. Two errors compare equal under
// errors.Is when their kinds match, so sentinel values below can be used as
// targets.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func errf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from an engine error, or KindInternal for any
// other error.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindInternal
}

// Sentinels for errors.Is.
var (
	ErrNotVerified                = &Error{Kind: KindNotVerified}
	ErrAlreadyAccruing            = &Error{Kind: KindAlreadyAccruing}
	ErrNotAccruing                = &Error{Kind: KindNotAccruing}
	ErrStillVerified              = &Error{Kind: KindStillVerified}
	ErrNotEligible                = &Error{Kind: KindNotEligible}
	ErrInvalidRecipient           = &Error{Kind: KindInvalidRecipient}
	ErrZeroRate                   = &Error{Kind: KindZeroRate}
	ErrStartsInPast               = &Error{Kind: KindStartsInPast}
	ErrInvalidWindow              = &Error{Kind: KindInvalidWindow}
	ErrRateExceedsBase            = &Error{Kind: KindRateExceedsBase}
	ErrTooManyDelegations         = &Error{Kind: KindTooManyDelegations}
	ErrOverlappingToSameRecipient = &Error{Kind: KindOverlappingToSameRecipient}
	ErrCircularDelegation         = &Error{Kind: KindCircularDelegation}
	ErrInsufficientCapacity       = &Error{Kind: KindInsufficientCapacity}
	ErrUnauthorized               = &Error{Kind: KindUnauthorized}
	ErrNotFound                   = &Error{Kind: KindNotFound}
	ErrAmountExceedsAvailable     = &Error{Kind: KindAmountExceedsAvailable}
	ErrInsufficientBalance        = &Error{Kind: KindInsufficientBalance}
	ErrInvalidAmount              = &Error{Kind: KindInvalidAmount}
	ErrNotCancellable             = &Error{Kind: KindNotCancellable}
	ErrReentrantCall              = &Error{Kind: KindReentrantCall}
)
