package oj

import (
	"errors"
	"fmt"
)

// Error taxonomy for judge interactions. Sentinels cover the soft,
// recognizable failures; ServerError wraps transport and 5xx-class problems;
// ProtocolError marks a response missing something the contract requires.
// Everything else surfaces as a plain wrapped client error.
var (
	// ErrAccountExists: registration rejected because the username is taken.
	// Benign; callers try another username.
	ErrAccountExists = errors.New("oj: username already exists")
	// ErrCaptcha: the captcha solution was rejected. Retryable.
	ErrCaptcha = errors.New("oj: invalid captcha")
	// ErrLoginFailed: the judge rejected known credentials. Soft; the account
	// is skipped for the task, not disabled.
	ErrLoginFailed = errors.New("oj: login rejected")
)

// ServerError is a transport failure or a structured judge error we do not
// understand: network timeouts, connection resets, non-2xx responses, or an
// error envelope on a submission poll.
type ServerError struct {
	Op  string
	Err error
}

func (e *ServerError) Error() string { return fmt.Sprintf("oj: %s: %v", e.Op, e.Err) }
func (e *ServerError) Unwrap() error { return e.Err }

// ProtocolError reports a judge response that violates the wire contract,
// e.g. a judged submission without statistic_info.memory_cost, or a CSRF
// seed request that yields no token cookie.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("oj: %s: %s", e.Op, e.Detail) }

// Retryable reports whether an error is worth another submission attempt
// within a probe's retry budget. Transport/server trouble and protocol
// violations are retried (the judge is flaky); soft registration and login
// errors are handled by their own loops and are not probe-retryable.
func Retryable(err error) bool {
	var se *ServerError
	var pe *ProtocolError
	return errors.As(err, &se) || errors.As(err, &pe)
}
