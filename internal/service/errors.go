package service

import "fmt"

// ErrMalformedMessage marks input rejected at the boundary; the message is
// acknowledged with a client error and never redelivered.
type ErrMalformedMessage struct {
	error
}

func NewErrMalformedMessage(format string, args ...any) *ErrMalformedMessage {
	return &ErrMalformedMessage{fmt.Errorf(format, args...)}
}

// ErrRetryable marks a failure that warrants bus redelivery.
type ErrRetryable struct {
	error
}

func NewErrRetryable(err error) *ErrRetryable {
	return &ErrRetryable{err}
}

func (e *ErrRetryable) Unwrap() error {
	return e.error
}
