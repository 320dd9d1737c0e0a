package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure. The dispatcher translates kinds into
// protocol responses; it never inspects error text.
type Kind int

const (
	KindUnknownAccount Kind = iota + 1
	KindDuplicateAccount
	KindInvalidBalance
	KindInvalidAmount
	KindInsufficientBalance
	KindInsufficientShares
	KindNoSuchHolding
	KindUnknownOrder
	KindAlreadyTerminal
	KindStoreFailure
)

func (k Kind) String() string {
	switch k {
	case KindUnknownAccount:
		return "unknown_account"
	case KindDuplicateAccount:
		return "duplicate_account"
	case KindInvalidBalance:
		return "invalid_balance"
	case KindInvalidAmount:
		return "invalid_amount"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindInsufficientShares:
		return "insufficient_shares"
	case KindNoSuchHolding:
		return "no_such_holding"
	case KindUnknownOrder:
		return "unknown_order"
	case KindAlreadyTerminal:
		return "already_terminal"
	case KindStoreFailure:
		return "store_failure"
	}
	return "unknown"
}

// Error is the typed failure returned by every engine operation. The unit of
// work is fully rolled back before one of these is returned.
type Error struct {
	Kind   Kind
	Detail string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.err }

// KindOf extracts the Kind from err, or 0 if err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// storeErr wraps an unexpected ledger failure as KindStoreFailure.
func storeErr(op string, err error) *Error {
	return &Error{Kind: KindStoreFailure, Detail: op, err: err}
}
