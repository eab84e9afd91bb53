package graph

import (
	"errors"
	"fmt"
)

// FailKind labels the error taxonomy a failed session reports. Only these
// kinds escape to the session level; node-local transient errors are retried
// or degraded inside the node that saw them.
type FailKind string

const (
	FailNotFound        FailKind = "NotFoundError"
	FailSchemaViolation FailKind = "SchemaViolationError"
	FailPersistence     FailKind = "PersistenceError"
	FailCancelled       FailKind = "Cancelled"
	FailNode            FailKind = "NodeError"
)

type Failure struct {
	Kind FailKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func Fail(kind FailKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// KindOf classifies an error for the session record. Unclassified errors
// report as plain node errors.
func KindOf(err error) FailKind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return FailNode
}
