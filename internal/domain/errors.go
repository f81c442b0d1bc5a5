package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every *Failure unwraps to exactly one of the kind sentinels.
var (
	ErrPathEscape       = errors.New("path escapes sandbox root")
	ErrPolicyDenied     = errors.New("command denied by policy")
	ErrTimeout          = errors.New("command timed out")
	ErrExecutionFailure = errors.New("command failed")
	ErrSessionClosed    = errors.New("session closed")
	ErrSpawnFailed      = errors.New("cannot spawn shell process")
	ErrApprovalRejected = errors.New("command rejected by approver")
	ErrSessionLimit     = errors.New("session limit reached")
)

// FailureKind classifies a Failure.
type FailureKind int

const (
	FailurePathEscape FailureKind = iota
	FailurePolicyDenied
	FailureTimeout
	FailureExecution
	FailureSessionClosed
	FailureSpawn
	FailureRejected
)

func (k FailureKind) String() string {
	switch k {
	case FailurePathEscape:
		return "path_escape"
	case FailurePolicyDenied:
		return "policy_denied"
	case FailureTimeout:
		return "timeout"
	case FailureExecution:
		return "execution_failure"
	case FailureSessionClosed:
		return "session_closed"
	case FailureSpawn:
		return "spawn_failed"
	case FailureRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (k FailureKind) sentinel() error {
	switch k {
	case FailurePathEscape:
		return ErrPathEscape
	case FailurePolicyDenied:
		return ErrPolicyDenied
	case FailureTimeout:
		return ErrTimeout
	case FailureExecution:
		return ErrExecutionFailure
	case FailureSessionClosed:
		return ErrSessionClosed
	case FailureSpawn:
		return ErrSpawnFailed
	case FailureRejected:
		return ErrApprovalRejected
	default:
		return nil
	}
}

// Failure is the typed error surfaced to the agent layer. Result carries
// whatever output was captured up to the failure point, if any.
type Failure struct {
	Kind    FailureKind
	Command string
	Reason  string
	Rule    string
	Result  *ExecutionResult
	Err     error
}

func (f *Failure) Error() string {
	msg := f.Kind.sentinel().Error()
	if f.Reason != "" {
		msg += ": " + f.Reason
	}
	if f.Rule != "" {
		msg += fmt.Sprintf(" (rule %s)", f.Rule)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is/As.
func (f *Failure) Unwrap() []error {
	errs := []error{f.Kind.sentinel()}
	if f.Err != nil {
		errs = append(errs, f.Err)
	}
	return errs
}

// AsFailure returns the *Failure in err's chain, if any.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
