package graph

import (
	"context"
	"fmt"

	"github.com/medigraph/clinagent/session"
)

// Outcome tells the executor what to do after a node ran.
type Outcome int

const (
	// Advance hands control to the route policy for the next node.
	Advance Outcome = iota
	// Suspend freezes the session behind a checkpoint until an external
	// resume call; the suspending node re-executes on resume.
	Suspend
	// Complete terminates the session successfully.
	Complete
)

type Node interface {
	Execute(ctx context.Context, st *session.State) (Outcome, error)
}

type NodeFunc func(ctx context.Context, st *session.State) (Outcome, error)

func (f NodeFunc) Execute(ctx context.Context, st *session.State) (Outcome, error) {
	if f == nil {
		return Advance, fmt.Errorf("node func is nil")
	}
	return f(ctx, st)
}
