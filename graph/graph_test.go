package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/medigraph/clinagent/session"
)

func noopNode() Node {
	return NodeFunc(func(ctx context.Context, st *session.State) (Outcome, error) {
		return Advance, nil
	})
}

func TestGraphCompile_Validation(t *testing.T) {
	g := New("test")
	g.AddNode("start", noopNode())
	g.SetStart("start")
	if err := g.Compile(); err != nil {
		t.Fatalf("expected valid graph, got %v", err)
	}

	missingStart := New("test")
	missingStart.AddNode("start", noopNode())
	if err := missingStart.Compile(); err == nil {
		t.Fatal("expected error for missing start node")
	}

	badEdge := New("test")
	badEdge.AddNode("start", noopNode())
	badEdge.AddEdge("start", "nowhere", nil)
	badEdge.SetStart("start")
	if err := badEdge.Compile(); err == nil || !strings.Contains(err.Error(), "nowhere") {
		t.Fatalf("expected missing target error, got %v", err)
	}

	dup := New("test")
	dup.AddNode("start", noopNode())
	dup.AddNode("start", noopNode())
	dup.SetStart("start")
	if err := dup.Compile(); err == nil {
		t.Fatal("expected duplicate node error")
	}
}

func TestGraphCompile_Unreachable(t *testing.T) {
	g := New("test")
	g.AddNode("start", noopNode())
	g.AddNode("island", noopNode())
	g.SetStart("start")
	err := g.Compile()
	if err == nil || !strings.Contains(err.Error(), "island") {
		t.Fatalf("expected unreachable node error, got %v", err)
	}
}

func TestGraphCompile_CycleOptIn(t *testing.T) {
	build := func() *Graph {
		g := New("test")
		g.AddNode("a", noopNode())
		g.AddNode("b", noopNode())
		g.AddEdge("a", "b", nil)
		g.AddEdge("b", "a", nil)
		g.SetStart("a")
		return g
	}

	if err := build().Compile(); err == nil {
		t.Fatal("expected cycle error without opt-in")
	}
	if err := build().AllowCycles(true).Compile(); err != nil {
		t.Fatalf("expected cycle to be allowed, got %v", err)
	}
}

func TestGraphNext_FirstMatchingEdge(t *testing.T) {
	g := New("test")
	g.AddNode("a", noopNode())
	g.AddNode("loop", noopNode())
	g.AddNode("out", noopNode())
	g.AddEdge("a", "loop", func(st *session.State) bool { return st.GradeAttempts < 2 })
	g.AddEdge("a", "out", Always)
	g.SetStart("a")
	g.AllowCycles(true)
	if err := g.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}

	st := &session.State{GradeAttempts: 0}
	if next := g.Next("a", st); next != "loop" {
		t.Fatalf("expected loop while under ceiling, got %q", next)
	}
	st.GradeAttempts = 2
	if next := g.Next("a", st); next != "out" {
		t.Fatalf("expected out at ceiling, got %q", next)
	}
	if next := g.Next("out", st); next != "" {
		t.Fatalf("expected terminal node, got %q", next)
	}
}

func TestGraphNext_DoesNotMutateState(t *testing.T) {
	g := New("test")
	g.AddNode("a", noopNode())
	g.AddNode("b", noopNode())
	g.AddEdge("a", "b", func(st *session.State) bool { return st.ToolCalls < 5 })
	g.SetStart("a")
	if err := g.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}

	st := &session.State{ToolCalls: 3}
	first := g.Next("a", st)
	second := g.Next("a", st)
	if first != second {
		t.Fatalf("routing must be deterministic: %q vs %q", first, second)
	}
	if st.ToolCalls != 3 {
		t.Fatalf("routing mutated state: toolCalls=%d", st.ToolCalls)
	}
}
