package api

import "errors"

// ErrInvalidRequest marks client-side validation failures so handlers can
// answer 400 instead of 500.
var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string { return e.msg }

func (e invalidRequestError) Unwrap() error { return ErrInvalidRequest }

// newInvalidRequest wraps a validation message so that
// errors.Is(err, ErrInvalidRequest) holds for it.
func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}
