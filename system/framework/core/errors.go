// Package core holds the failure taxonomy shared by the upgrade pipeline
// components. Every precondition violation surfaces as one of four typed
// errors, each unwrapping to a sentinel so callers can branch with errors.Is.
package core

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrForbidden     = errors.New("forbidden")
	ErrConflict      = errors.New("state conflict")
	ErrReentrant     = errors.New("re-entrant operation")
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindNotFound
	KindStateConflict
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Code names a specific failure.
type Code string

const (
	CodeUnauthorized       Code = "Unauthorized"
	CodeNotFound           Code = "NotFound"
	CodeNotRegistered      Code = "NotRegistered"
	CodeAlreadyExists      Code = "AlreadyExists"
	CodeAlreadyRegistered  Code = "AlreadyRegistered"
	CodeSelfDependency     Code = "SelfDependency"
	CodeCircularDependency Code = "CircularDependency"
	CodeAlreadyApproved    Code = "AlreadyApproved"
	CodeAlreadyRejected    Code = "AlreadyRejected"
	CodeAlreadyExecuted    Code = "AlreadyExecuted"
	CodeAlreadyCancelled   Code = "AlreadyCancelled"
	CodeNotApproved        Code = "NotApproved"
	CodeNotAccepted        Code = "NotAccepted"
	CodeTimeDelayNotMet    Code = "TimeDelayNotMet"
	CodeInvalidThreshold   Code = "InvalidThreshold"
	CodeInvalidDelay       Code = "InvalidDelay"
	CodeInvalidModuleCode  Code = "InvalidModuleCode"
	CodeInvalidAddress     Code = "InvalidAddress"
	CodeInvalidPrincipal   Code = "InvalidPrincipal"
	CodeInvalidArgument    Code = "InvalidArgument"
	CodeProxyMismatch      Code = "ProxyMismatch"
	CodeDependencyInvalid  Code = "DependencyInvalid"
	CodeReentrant          Code = "Reentrant"
)

// Coded is implemented by every typed failure.
type Coded interface {
	error
	ErrorCode() Code
	ErrorKind() Kind
}

// AuthorizationError reports a caller lacking the role an operation requires.
type AuthorizationError struct {
	Component string
	Operation string
	Principal string
	Required  string
}

func (e *AuthorizationError) Error() string {
	who := e.Principal
	if who == "" {
		who = "<anonymous>"
	}
	msg := fmt.Sprintf("%s.%s: principal %s is not authorized", e.Component, e.Operation, who)
	if e.Required != "" {
		msg += " (requires " + e.Required + ")"
	}
	return msg
}

func (e *AuthorizationError) Unwrap() error   { return ErrForbidden }
func (e *AuthorizationError) ErrorCode() Code { return CodeUnauthorized }
func (e *AuthorizationError) ErrorKind() Kind { return KindAuthorization }

// NotFoundError reports a reference to an entity that does not exist.
type NotFoundError struct {
	Component string
	Resource  string
	ID        string
	Code      Code
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %s not found", e.Component, e.Resource)
	}
	return fmt.Sprintf("%s: %s %q not found", e.Component, e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
func (e *NotFoundError) ErrorCode() Code {
	if e.Code == "" {
		return CodeNotFound
	}
	return e.Code
}
func (e *NotFoundError) ErrorKind() Kind { return KindNotFound }

// StateConflictError reports an operation on an entity whose current state
// does not permit it.
type StateConflictError struct {
	Component string
	Resource  string
	ID        string
	Code      Code
	State     string
	Detail    string
}

func (e *StateConflictError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s %q: %s", e.Component, e.Resource, e.ID, e.Code)
	if e.State != "" {
		fmt.Fprintf(&b, " (state %s)", e.State)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *StateConflictError) Unwrap() error {
	switch e.Code {
	case CodeAlreadyExists, CodeAlreadyRegistered:
		return ErrAlreadyExists
	case CodeReentrant:
		return ErrReentrant
	default:
		return ErrConflict
	}
}
func (e *StateConflictError) ErrorCode() Code { return e.Code }
func (e *StateConflictError) ErrorKind() Kind { return KindStateConflict }

// InvalidInputError reports a malformed or out-of-range argument.
type InvalidInputError struct {
	Component string
	Field     string
	Value     string
	Code      Code
	Reason    string
}

func (e *InvalidInputError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Component, e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got %q)", e.Value)
	}
	return msg
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }
func (e *InvalidInputError) ErrorCode() Code {
	if e.Code == "" {
		return CodeInvalidArgument
	}
	return e.Code
}
func (e *InvalidInputError) ErrorKind() Kind { return KindInvalidInput }

// Constructors -----------------------------------------------------------------

// Unauthorized builds an AuthorizationError.
func Unauthorized(component, operation, principal, required string) error {
	return &AuthorizationError{Component: component, Operation: operation, Principal: principal, Required: required}
}

// NotFound builds a NotFoundError with the generic NotFound code.
func NotFound(component, resource, id string) error {
	return &NotFoundError{Component: component, Resource: resource, ID: id}
}

// NotRegistered builds a NotFoundError with the NotRegistered code.
func NotRegistered(component, resource, id string) error {
	return &NotFoundError{Component: component, Resource: resource, ID: id, Code: CodeNotRegistered}
}

// Conflict builds a StateConflictError.
func Conflict(component, resource, id string, code Code, state string) error {
	return &StateConflictError{Component: component, Resource: resource, ID: id, Code: code, State: state}
}

// Invalid builds an InvalidInputError.
func Invalid(component, field, value string, code Code, reason string) error {
	return &InvalidInputError{Component: component, Field: field, Value: value, Code: code, Reason: reason}
}

// Classification helpers -------------------------------------------------------

// KindOf returns the failure kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var c Coded
	if errors.As(err, &c) {
		return c.ErrorKind()
	}
	return KindUnknown
}

// CodeOf returns the named failure code of err, or "".
func CodeOf(err error) Code {
	var c Coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool { return err != nil && CodeOf(err) == code }

func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsForbidden(err error) bool    { return errors.Is(err, ErrForbidden) }
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrReentrant)
}

// ServiceError wraps an error with the component operation that produced it.
type ServiceError struct {
	Service   string
	Operation string
	Err       error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Service, e.Operation, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WrapServiceError returns nil when err is nil.
func WrapServiceError(service, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Service: service, Operation: operation, Err: err}
}
