// Package dexerr defines the error kinds shared by the quote, build,
// reconcile and finalize paths.
package dexerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDerivation marks a configuration or programming error while deriving
	// addresses or encoding instructions. Not retryable.
	ErrDerivation = errors.New("derivation error")
	// ErrStaleState marks a quote or simulation computed on state that no
	// longer holds. The caller may retry against fresh state.
	ErrStaleState = errors.New("stale state")
	// ErrConflict marks a uniqueness violation on a mirror write; the effect
	// was already applied.
	ErrConflict = errors.New("conflict")
	// ErrRemoteUnavailable marks RPC or database timeouts and exhausted retries.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrSchedulerItem marks a single presale finalize failure.
	ErrSchedulerItem = errors.New("scheduler item failed")
	// ErrInvalidInput marks a malformed request.
	ErrInvalidInput = errors.New("invalid input")
)

// Error carries a kind, the failing operation, and optional simulation logs.
type Error struct {
	Kind error
	Op   string
	Err  error
	Logs []string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		if e.Kind != nil {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func New(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Derivation(op string, format string, args ...any) error {
	return &Error{Kind: ErrDerivation, Op: op, Err: fmt.Errorf(format, args...)}
}

func StaleState(op string, format string, args ...any) error {
	return &Error{Kind: ErrStaleState, Op: op, Err: fmt.Errorf(format, args...)}
}

func Conflict(op string, format string, args ...any) error {
	return &Error{Kind: ErrConflict, Op: op, Err: fmt.Errorf(format, args...)}
}

func InvalidInput(op string, format string, args ...any) error {
	return &Error{Kind: ErrInvalidInput, Op: op, Err: fmt.Errorf(format, args...)}
}

func RemoteUnavailable(op string, err error) error {
	return &Error{Kind: ErrRemoteUnavailable, Op: op, Err: err}
}

// Simulation wraps a failed pre-submission simulation together with its log.
func Simulation(op string, err error, logs []string) error {
	return &Error{Kind: ErrStaleState, Op: op, Err: err, Logs: append([]string(nil), logs...)}
}

// SimulationLogs returns the simulation log attached anywhere in err's chain.
func SimulationLogs(err error) []string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Logs
	}
	return nil
}

// Classify maps transport-level failures onto ErrRemoteUnavailable and leaves
// already-classified errors untouched.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return RemoteUnavailable(op, err)
	}
	return err
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrStaleState)
}
