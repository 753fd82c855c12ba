package txrelay

import (
	"errors"
	"strings"
)

// ErrorKind identifies a kind of relay rejection. It has full support for
// errors.Is and errors.As, so the caller can directly check against an error
// kind when determining the reason for a rejection.
type ErrorKind string

const (
	// ErrFeeTooLow indicates the transaction pays less than the minimum
	// relay fee.
	ErrFeeTooLow = ErrorKind("ErrFeeTooLow")

	// ErrDoubleSpend indicates the transaction spends outputs already
	// spent by a pooled transaction.
	ErrDoubleSpend = ErrorKind("ErrDoubleSpend")

	// ErrMalformed indicates the transaction could not be decoded or is
	// invalid per consensus.
	ErrMalformed = ErrorKind("ErrMalformed")

	// ErrNonZeroTimelock indicates the transaction sets a time lock, such
	// transactions are not relayed.
	ErrNonZeroTimelock = ErrorKind("ErrNonZeroTimelock")

	// ErrTooBig indicates the serialized transaction exceeds the maximum
	// relayed size.
	ErrTooBig = ErrorKind("ErrTooBig")

	// ErrRateLimited indicates the sending peer exceeded its relay rate.
	ErrRateLimited = ErrorKind("ErrRateLimited")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Flag returns the reject flag that corresponds to the kind.
func (e ErrorKind) Flag() RejectFlags {
	switch e {
	case ErrFeeTooLow:
		return RejectFeeTooLow
	case ErrDoubleSpend:
		return RejectDoubleSpend
	case ErrMalformed:
		return RejectMalformed
	case ErrNonZeroTimelock:
		return RejectNonZeroTimelock
	case ErrTooBig:
		return RejectTooBig
	case ErrRateLimited:
		return RejectRateLimited
	default:
		return 0
	}
}

// RuleError identifies a policy violation of a transaction. Verifiers return
// it to reject a transaction, every other error is treated as a failure of
// the verifier itself. It has full support for errors.Is and errors.As.
type RuleError struct {
	Description string
	Err         error
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e RuleError) Unwrap() error {
	return e.Err
}

// NewRuleError creates a RuleError of the given kind.
func NewRuleError(kind ErrorKind, desc string) RuleError {
	return RuleError{Err: kind, Description: desc}
}

// RejectFlags is the set of reasons a transaction was not relayed.
type RejectFlags uint8

const (
	// RejectFeeTooLow is set for transactions paying too little fee.
	RejectFeeTooLow RejectFlags = 1 << iota

	// RejectDoubleSpend is set for double spends.
	RejectDoubleSpend

	// RejectMalformed is set for undecodable or invalid transactions.
	RejectMalformed

	// RejectNonZeroTimelock is set for transactions with a time lock.
	RejectNonZeroTimelock

	// RejectTooBig is set for oversized transactions.
	RejectTooBig

	// RejectRateLimited is set for transactions above the peer's rate.
	RejectRateLimited
)

// allFlags lists every flag in bit order.
var allFlags = []RejectFlags{
	RejectFeeTooLow, RejectDoubleSpend, RejectMalformed,
	RejectNonZeroTimelock, RejectTooBig, RejectRateLimited,
}

// flagNames maps each flag to its name.
var flagNames = map[RejectFlags]string{
	RejectFeeTooLow:       "fee_too_low",
	RejectDoubleSpend:     "double_spend",
	RejectMalformed:       "malformed",
	RejectNonZeroTimelock: "non_zero_timelock",
	RejectTooBig:          "too_big",
	RejectRateLimited:     "rate_limited",
}

// Has returns true if every flag of other is set.
func (f RejectFlags) Has(other RejectFlags) bool {
	return f&other == other
}

// Flags returns the individual flags that are set.
func (f RejectFlags) Flags() []RejectFlags {
	var flags []RejectFlags
	for _, flag := range allFlags {
		if f.Has(flag) {
			flags = append(flags, flag)
		}
	}

	return flags
}

// String returns the names of the set flags separated by '|'.
func (f RejectFlags) String() string {
	if f == 0 {
		return "none"
	}

	names := make([]string, 0, len(allFlags))
	for _, flag := range f.Flags() {
		names = append(names, flagNames[flag])
	}

	return strings.Join(names, "|")
}

// FlagsFromError returns the reject flags carried by err. Errors that are not
// rule violations carry no flags.
func FlagsFromError(err error) RejectFlags {
	var ruleErr RuleError
	if !errors.As(err, &ruleErr) {
		return 0
	}

	var flags RejectFlags
	for _, flag := range allFlags {
		if errors.Is(ruleErr, flag.Kind()) {
			flags |= flag
		}
	}

	return flags
}

// Kind returns the error kind of a single flag.
func (f RejectFlags) Kind() ErrorKind {
	switch f {
	case RejectFeeTooLow:
		return ErrFeeTooLow
	case RejectDoubleSpend:
		return ErrDoubleSpend
	case RejectMalformed:
		return ErrMalformed
	case RejectNonZeroTimelock:
		return ErrNonZeroTimelock
	case RejectTooBig:
		return ErrTooBig
	case RejectRateLimited:
		return ErrRateLimited
	default:
		return ""
	}
}
