// Package rollerr defines the typed error kinds the execution pipeline and
// batch engine report to callers and persist into TxOutputJson failure
// events. Every error raised above storage or transport is a *Error so
// callers can branch on Kind without string matching, while still composing
// with fmt.Errorf's %w and errors.Is/As.
package rollerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind string

const (
	InvalidSignature     Kind = "invalid_signature"
	NoteNotFound         Kind = "note_not_found"
	DoubleSpend          Kind = "double_spend"
	AmountMismatch       Kind = "amount_mismatch"
	TokenMismatch        Kind = "token_mismatch"
	DustViolation        Kind = "dust_violation"
	LeverageExceeded     Kind = "leverage_exceeded"
	PositionSideMismatch Kind = "position_side_mismatch"
	OverSpend            Kind = "over_spend"
	UnknownMarket        Kind = "unknown_market"
	OrderNotFound        Kind = "order_not_found"
	CommitmentMissing    Kind = "commitment_missing"
	OracleStale          Kind = "oracle_stale"
	StorageCorruption    Kind = "storage_corruption"
	Internal             Kind = "internal"
)

// Error is the typed error every exported rollupcore operation returns for
// expected failure modes. Op names the failing operation (e.g.
// "execution.SpotSwap") so logs and TxOutputJson failure records stay
// greppable without re-deriving the call site from a stack trace.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap builds an *Error wrapping an underlying cause via %w semantics.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) is a *Error of the given
// kind. Use this instead of type-asserting directly so wrapped errors from
// deeper layers still match.
func Is(err error, kind Kind) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

// Fatal reports whether kind represents a post-mutation failure that must
// halt batch finalization rather than simply reject the triggering
// transaction: errors discovered after any mutation either fully revert
// or are promoted to StorageCorruption and halt the batch.
func Fatal(kind Kind) bool {
	return kind == StorageCorruption
}
