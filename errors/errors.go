// Package errors wraps pkg/errors and adds error codes. Every failure the
// page store reports to a caller carries one of the codes declared by the
// packages that produce it, so transports can map failures to statuses and
// clients can tell a conflict from an expired snapshot.
package errors

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Code is an error code which can be used to check against a given error. For
// example, see the Is() function.
type Code string

const (
	// ErrUncoded is the code reported for errors that were not created by
	// New or Newf.
	ErrUncoded Code = "Uncoded"
)

// New returns a coded error with a stack trace.
func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

// Newf is like New but formats its message.
func Newf(code Code, format string, args ...interface{}) error {
	return New(code, fmt.Sprintf(format, args...))
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is reports whether any error in err's chain carries the target code.
func Is(err error, target Code) bool {
	return errors.Is(err, codedError{Code: target})
}

// CodeOf returns the code of the first coded error in err's chain. Nil
// returns the empty code; an error without a code returns ErrUncoded.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrUncoded
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// codedError is the fundamental type used by this package to provide coded
// errors.
type codedError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Wrapped string `json:"wrapped,omitempty"`
}

func (ce codedError) Error() string {
	if ce.Wrapped != "" {
		return ce.Wrapped
	}
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	e, ok := err.(codedError)
	return ok && ce.Code == e.Code
}

// MarshalJSON returns err as a json object representing a codedError. An
// error without a code is marshalled with an empty code, which is different
// from ErrUncoded.
func MarshalJSON(err error) []byte {
	out := codedError{Wrapped: err.Error()}
	var ce codedError
	if errors.As(err, &ce) {
		out.Code, out.Message = ce.Code, ce.Message
	} else {
		out.Message = errors.Cause(err).Error()
	}

	j, jerr := json.Marshal(out)
	if jerr != nil {
		return []byte(out.Error())
	}
	return j
}

// UnmarshalJSON reads a codedError written by MarshalJSON. If the bytes do
// not hold one, a plain error containing them is returned. An empty code is
// restored as ErrUncoded so that Is and CodeOf keep working on the result.
func UnmarshalJSON(r io.Reader) error {
	b, _ := io.ReadAll(r)

	var out codedError
	if err := json.Unmarshal(b, &out); err != nil || (out.Message == "" && out.Wrapped == "") {
		return errors.New(string(b))
	}
	if out.Code == "" {
		out.Code = ErrUncoded
	}
	return errors.WithStack(out)
}
