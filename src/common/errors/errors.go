// Package errors provides the coded errors grubimage reports. Every error
// carries a domain (the pipeline stage it belongs to), a code unique within
// the domain and the process exit code the command line returns for it.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies an error within its domain
type Code string

// Domain names the part of grubimage an error comes from
type Domain string

// Error domains, one per pipeline stage
const (
	DomainConfig   Domain = "config"
	DomainBuild    Domain = "build"
	DomainProvider Domain = "provider"
	DomainAssemble Domain = "assemble"
	DomainInternal Domain = "internal"
)

// Process exit codes
const (
	ExitOK          = 0
	ExitInternal    = 1
	ExitConfig      = 2
	ExitKernelBuild = 3
	ExitProvider    = 4
	ExitAssemble    = 5
	ExitInterrupted = 130
)

// noStatus marks an error that does not describe a subprocess exit
const noStatus = -1

// Error is a coded grubimage error. Sentinels are never mutated; the With
// methods return copies.
type Error struct {
	Domain   Domain `json:"domain"`
	Code     Code   `json:"code"`
	Message  string `json:"message"`
	ExitCode int    `json:"exit_code"`
	// Status is the exit status of the failed subprocess, -1 when none
	Status int `json:"status,omitempty"`

	cause error
}

// New defines a coded error
func New(domain Domain, code Code, exitCode int, message string) *Error {
	return &Error{
		Domain:   domain,
		Code:     code,
		Message:  message,
		ExitCode: exitCode,
		Status:   noStatus,
	}
}

// Error formats as "domain.code: message[: cause]"
func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s.%s: %s", e.Domain, e.Code, e.Message)
	}
	return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Code, e.Message, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any error with the same domain and code, so a sentinel matches
// every copy derived from it
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Domain == t.Domain && e.Code == t.Code
}

func (e *Error) with(mutate func(c *Error)) *Error {
	c := *e
	mutate(&c)
	return &c
}

// WithCause attaches the underlying error
func (e *Error) WithCause(cause error) *Error {
	return e.with(func(c *Error) { c.cause = cause })
}

// WithMessage replaces the message
func (e *Error) WithMessage(message string) *Error {
	return e.with(func(c *Error) { c.Message = message })
}

// WithMessagef replaces the message with a formatted one
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	return e.with(func(c *Error) { c.Message = fmt.Sprintf(format, args...) })
}

// WithStatus records the exit status of the subprocess that failed
func (e *Error) WithStatus(status int) *Error {
	return e.with(func(c *Error) { c.Status = status })
}

// Report is the machine-readable form of an error, printed with --json
type Report struct {
	Domain   Domain `json:"domain"`
	Code     Code   `json:"code"`
	Message  string `json:"message"`
	ExitCode int    `json:"exit_code"`
	Status   int    `json:"status,omitempty"`
	// Detail is the full error chain
	Detail string `json:"detail"`
}

// Describe reports the outermost coded error in err's chain. Errors without
// a code are reported as internal errors.
func Describe(err error) Report {
	r := Report{Detail: err.Error()}
	var e *Error
	if errors.As(err, &e) {
		r.Domain, r.Code, r.Message, r.ExitCode = e.Domain, e.Code, e.Message, e.ExitCode
		if e.Status != noStatus {
			r.Status = e.Status
		}
		return r
	}
	r.Domain, r.Code, r.Message, r.ExitCode = DomainInternal, CodeInternal, err.Error(), ExitInternal
	return r
}

// GetExitCode maps err to the process exit code: ExitOK for nil, the code
// of the outermost coded error, or ExitInternal.
func GetExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.ExitCode
	}
	return ExitInternal
}

// GetStatus returns the subprocess exit status carried by err, or -1
func GetStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return noStatus
}

// Is delegates to the standard errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As delegates to the standard errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
