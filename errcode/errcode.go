// errcode/errcode.go
package errcode

import "errors"

// Code is a stable, log- and bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK            Code = "ok"
	Unsupported   Code = "unsupported"
	InvalidParams Code = "invalid_params"
	InvalidState  Code = "invalid_state"
	Timeout       Code = "timeout"

	// storage
	NoData      Code = "no_data"
	NotFound    Code = "not_found"
	NotOpen     Code = "not_open"
	AlreadyOpen Code = "already_open"
	IOError     Code = "io_error"
	Corrupt     Code = "corrupt"

	// cloud link
	NotConnected  Code = "not_connected"
	PublishFailed Code = "publish_failed"

	Error Code = "error" // generic fallback
)

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, code) match a wrapped Code.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Wrap annotates err with a code and operation. A nil err stays nil.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Err: err}
}

// New returns a coded error with a message and no cause.
func New(c Code, op, msg string) error {
	return &E{C: c, Op: op, Msg: msg}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	return Error
}
