package errorsx

import (
	"errors"
	"fmt"
)

// ReasonedError tags a cause with the reason code the session controller
// routes on.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e *ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e *ReasonedError) Unwrap() error { return e.Err }

// Is lets a bare &ReasonedError{Reason: r} target match any error carrying r.
func (e *ReasonedError) Is(target error) bool {
	t, ok := target.(*ReasonedError)
	return ok && t.Reason == e.Reason && t.Err == nil
}

// Wrap tags err with reason. The innermost reason wins: an error that already
// carries one is returned unchanged.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if _, ok := find(err); ok {
		return err
	}
	return &ReasonedError{Err: err, Reason: reason}
}

// Wrapf is Wrap with a context prefix in fmt.Errorf style.
func Wrapf(err error, reason ReasonCode, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(fmt.Errorf(format+": %w", append(args, err)...), reason)
}

func New(reason ReasonCode, msg string) error {
	return &ReasonedError{Err: errors.New(msg), Reason: reason}
}

// Reason reports the reason code carried anywhere in err's chain.
func Reason(err error) ReasonCode {
	if re, ok := find(err); ok {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return err != nil && Reason(err) == reason
}

// Terminal is true for failures the fallback ladder must not retry around,
// such as a denied microphone.
func Terminal(err error) bool {
	return err != nil && Reason(err).Terminal()
}

func find(err error) (*ReasonedError, bool) {
	if err == nil {
		return nil, false
	}
	var re *ReasonedError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
