package bridge

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers can pattern-match on the
// category instead of inspecting error strings.
type ErrorKind int

const (
	// KindVerification marks a bad signature or stale timestamp. Rejected at
	// the gate, no state change.
	KindVerification ErrorKind = iota + 1
	// KindCorrelation marks a missing or ambiguous join key, or mismatched
	// payloads. The owning record moves to FAILED.
	KindCorrelation
	// KindTransient marks an RPC or network failure. Retried with backoff,
	// watermark and record state unchanged.
	KindTransient
	// KindExternalRejection marks a ledger revert or gateway 4xx. Terminal
	// for the attempt, record moves to FAILED with the reason preserved.
	KindExternalRejection
	// KindInvariant marks a transition the state machine table does not
	// permit. Logged loudly, record untouched.
	KindInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case KindVerification:
		return "verification"
	case KindCorrelation:
		return "correlation"
	case KindTransient:
		return "transient"
	case KindExternalRejection:
		return "external_rejection"
	case KindInvariant:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// Error attributes a failure to a category and, when known, a record.
type Error struct {
	Kind     ErrorKind
	RecordID string
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Reason
	if e.Err != nil {
		if msg != "" {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		} else {
			msg = e.Err.Error()
		}
	}
	if e.RecordID != "" {
		return fmt.Sprintf("%s: record %s: %s", e.Kind, e.RecordID, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain. Unclassified
// errors are reported as transient so callers fail safe toward retry.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}

// IsTransient reports whether the error should be retried rather than
// attributed to a record.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == KindTransient
}

func correlationErr(reason string) error {
	return &Error{Kind: KindCorrelation, Reason: reason}
}

func verificationErr(reason string, err error) error {
	return &Error{Kind: KindVerification, Reason: reason, Err: err}
}

// VerificationError wraps a gate rejection.
func VerificationError(reason string, err error) error {
	return verificationErr(reason, err)
}

// TransientError wraps an infrastructure failure.
func TransientError(op string, err error) error {
	return &Error{Kind: KindTransient, Reason: op, Err: err}
}

// RejectionError wraps an external rejection with the upstream reason.
func RejectionError(recordID, reason string, err error) error {
	return &Error{Kind: KindExternalRejection, RecordID: recordID, Reason: reason, Err: err}
}

// InvariantError flags a transition outside the state machine table.
func InvariantError(recordID, reason string) error {
	return &Error{Kind: KindInvariant, RecordID: recordID, Reason: reason}
}

// CorrelationError attributes a join failure to a record.
func CorrelationError(recordID, reason string) error {
	return &Error{Kind: KindCorrelation, RecordID: recordID, Reason: reason}
}
