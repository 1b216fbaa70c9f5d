// Package tasks runs the background work units: test-case crawls and account
// creation. Runners load their task from the store, do the work against the
// judge, and write status/progress/result back; the worker pool dispatches
// queue jobs to them.
package tasks

import "context"

// Session is one authenticated judge session, bound to a single account for
// its lifetime. The oj.Client satisfies it; tests substitute fakes.
type Session interface {
	Login(ctx context.Context, username, password string) error
	SubmitCode(ctx context.Context, code, language string, problemID int) (string, error)
	WaitForMemory(ctx context.Context, submissionID string) (int, error)
}

// Registrar creates judge accounts. Each registration should use a fresh
// session so captcha and CSRF state never leak between attempts.
type Registrar interface {
	Register(ctx context.Context, username, password, email string) error
}

// SessionFactory dials a fresh, unauthenticated session.
type SessionFactory func() (Session, error)

// RegistrarFactory dials a fresh registration session.
type RegistrarFactory func() (Registrar, error)
