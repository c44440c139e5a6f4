// Package errs provides structured error types and helpers for Outpost dispatch loops.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a dispatch error category.
type Code string

const (
	// CodeUnresolvableType indicates no registry entry exists for the event name and version.
	CodeUnresolvableType Code = "unresolvable_type"
	// CodeMalformedPayload indicates the stored envelope payload could not be deserialized.
	CodeMalformedPayload Code = "malformed_payload"
	// CodeHandlerFailure indicates a handler or subscriber invocation returned an error.
	CodeHandlerFailure Code = "handler_failure"
	// CodeLeaseLost indicates another dispatcher instance won the claim race.
	CodeLeaseLost Code = "lease_lost"
	// CodeStore indicates a persistence-layer failure.
	CodeStore Code = "store"
	// CodeTransport indicates a broker publish failure.
	CodeTransport Code = "transport"
	// CodeConfig indicates invalid configuration or registration state.
	CodeConfig Code = "config"
)

// Class describes how the dispatch engine reacts to an error.
type Class string

const (
	// ClassTerminal marks errors that poison a message; they are never retried.
	ClassTerminal Class = "terminal"
	// ClassTransient marks errors that schedule a backoff and retry.
	ClassTransient Class = "transient"
	// ClassBenign marks expected conditions such as a lost lease race.
	ClassBenign Class = "benign"
)

// E captures structured error information produced across the dispatch engine.
type E struct {
	Code      Code
	Class     Class
	Message   string
	EventName string
	Version   int
	Handler   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given code.
func New(code Code, opts ...Option) *E {
	e := &E{
		Code:  code,
		Class: classFor(code),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func classFor(code Code) Class {
	switch code {
	case CodeUnresolvableType, CodeMalformedPayload, CodeConfig:
		return ClassTerminal
	case CodeLeaseLost:
		return ClassBenign
	default:
		return ClassTransient
	}
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithEvent records the event name and schema version the error relates to.
func WithEvent(name string, version int) Option {
	return func(e *E) {
		e.EventName = strings.TrimSpace(name)
		e.Version = version
	}
}

// WithHandler records the handler or subscriber identity that failed.
func WithHandler(identity string) Option {
	trimmed := strings.TrimSpace(identity)
	return func(e *E) {
		e.Handler = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithClass overrides the default class derived from the code.
func WithClass(class Class) Option {
	return func(e *E) {
		if class != "" {
			e.Class = class
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Class != "" {
		parts = append(parts, "class="+string(e.Class))
	}
	if e.EventName != "" {
		parts = append(parts, "event="+e.EventName+".v"+strconv.Itoa(e.Version))
	}
	if e.Handler != "" {
		parts = append(parts, "handler="+strconv.Quote(e.Handler))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Poison constructs a terminal error that permanently excludes a message from retry.
func Poison(code Code, opts ...Option) *E {
	opts = append(opts, WithClass(ClassTerminal))
	return New(code, opts...)
}

// IsPoison reports whether the error chain carries a terminal dispatch error.
func IsPoison(err error) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Class == ClassTerminal
	}
	return false
}

// IsLeaseLost reports whether the error chain indicates a lost claim race.
func IsLeaseLost(err error) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Code == CodeLeaseLost
	}
	return false
}

// CodeOf extracts the dispatch error code, or empty when the chain has none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
