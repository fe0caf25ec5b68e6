package parser

import (
	"errors"
	"fmt"
	"strings"
)

// Parse-time errors. All are permanent: a submission that fails here never
// becomes a job.
var (
	ErrMalformedJob       = errors.New("malformed job")
	ErrInvalidTimeout     = errors.New("invalid timeout")
	ErrUnsupportedMethod  = errors.New("unsupported method")
	ErrUnresolvedVariable = errors.New("unresolved variable")
)

// MalformedJobError reports a missing or invalid submission field.
type MalformedJobError struct {
	Field  string
	Reason string
}

func (e *MalformedJobError) Error() string {
	return fmt.Sprintf("malformed job: field %q: %s", e.Field, e.Reason)
}

func (e *MalformedJobError) Unwrap() error { return ErrMalformedJob }

// InvalidTimeoutError reports an action timeout exceeding its enclosing scope.
type InvalidTimeoutError struct {
	Action  string
	Timeout string
	Limit   string
}

func (e *InvalidTimeoutError) Error() string {
	return fmt.Sprintf("invalid timeout: action %q timeout %s exceeds enclosing limit %s",
		e.Action, e.Timeout, e.Limit)
}

func (e *InvalidTimeoutError) Unwrap() error { return ErrInvalidTimeout }

// UnsupportedMethodError reports an unknown deploy/boot/test method.
type UnsupportedMethodError struct {
	Kind      string
	Method    string
	Supported []string
}

func (e *UnsupportedMethodError) Error() string {
	if len(e.Supported) > 0 {
		return fmt.Sprintf("unsupported method: no %s method %q (supported: %s)",
			e.Kind, e.Method, strings.Join(e.Supported, ", "))
	}
	return fmt.Sprintf("unsupported method: no %s method %q", e.Kind, e.Method)
}

func (e *UnsupportedMethodError) Unwrap() error { return ErrUnsupportedMethod }

// UnresolvedVariableError reports a substitution reference nothing declares.
type UnresolvedVariableError struct {
	Action   string
	Variable string
}

func (e *UnresolvedVariableError) Error() string {
	return fmt.Sprintf("unresolved variable: action %q references {%s} which no preceding action provides",
		e.Action, e.Variable)
}

func (e *UnresolvedVariableError) Unwrap() error { return ErrUnresolvedVariable }
