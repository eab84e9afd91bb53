package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/medigraph/clinagent/session"
	"github.com/medigraph/clinagent/types"
)

func noSleep(ctx context.Context, d time.Duration) error {
	_ = d
	return ctx.Err()
}

func testState() *session.State {
	return session.New("sess-1", "test query", time.Now().UTC())
}

func countingCapability(def Definition, failures int, result any) (*Func, *int) {
	calls := new(int)
	fn := func(ctx context.Context, args json.RawMessage) (any, error) {
		_ = ctx
		_ = args
		*calls++
		if *calls <= failures {
			return nil, Transient(fmt.Errorf("upstream 503"))
		}
		return result, nil
	}
	return NewFunc(def, fn), calls
}

func TestInvoke_RetriesTransientForIdempotent(t *testing.T) {
	registry := NewRegistry()
	cap, calls := countingCapability(Definition{Name: "lab_lookup", ReadOnly: true}, 2, map[string]any{"ok": true})
	registry.MustRegister(cap)

	invoker, err := NewInvoker(registry, WithRetryPolicy(RetryPolicy{MaxAttempts: 3}), WithSleep(noSleep))
	if err != nil {
		t.Fatalf("invoker: %v", err)
	}

	st := testState()
	raw, err := invoker.Invoke(context.Background(), st, types.ToolRequest{Name: "lab_lookup"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if *calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", *calls)
	}
	if len(st.Invocations) != 1 {
		t.Fatalf("expected one invocation record, got %d", len(st.Invocations))
	}
	inv := st.Invocations[0]
	if inv.Attempts != 3 || inv.Error != "" {
		t.Fatalf("unexpected record %+v", inv)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded["ok"] != true {
		t.Fatalf("unexpected result %s", raw)
	}
}

func TestInvoke_NoRetryForNonIdempotent(t *testing.T) {
	registry := NewRegistry()
	cap, calls := countingCapability(Definition{Name: "order_med"}, 5, nil)
	registry.MustRegister(cap)

	invoker, err := NewInvoker(registry, WithRetryPolicy(RetryPolicy{MaxAttempts: 3}), WithSleep(noSleep))
	if err != nil {
		t.Fatalf("invoker: %v", err)
	}

	st := testState()
	_, err = invoker.Invoke(context.Background(), st, types.ToolRequest{Name: "order_med"})
	if err == nil {
		t.Fatal("expected failure")
	}
	if *calls != 1 {
		t.Fatalf("non-idempotent capability must not retry, got %d attempts", *calls)
	}
	if len(st.Invocations) != 1 || st.Invocations[0].Error == "" {
		t.Fatalf("failure must still be audited, got %+v", st.Invocations)
	}
}

func TestInvoke_MaxRetriesExceeded(t *testing.T) {
	registry := NewRegistry()
	cap, _ := countingCapability(Definition{Name: "guideline_search", ReadOnly: true}, 10, nil)
	registry.MustRegister(cap)

	invoker, err := NewInvoker(registry, WithRetryPolicy(RetryPolicy{MaxAttempts: 2}), WithSleep(noSleep))
	if err != nil {
		t.Fatalf("invoker: %v", err)
	}

	st := testState()
	_, err = invoker.Invoke(context.Background(), st, types.ToolRequest{Name: "guideline_search"})
	var maxErr *MaxRetriesError
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected MaxRetriesError, got %v", err)
	}
	if maxErr.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", maxErr.Attempts)
	}
}

func TestInvoke_UnknownCapability(t *testing.T) {
	registry := NewRegistry()
	invoker, err := NewInvoker(registry, WithSleep(noSleep))
	if err != nil {
		t.Fatalf("invoker: %v", err)
	}

	st := testState()
	_, err = invoker.Invoke(context.Background(), st, types.ToolRequest{Name: "nope"})
	if !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("expected ErrUnknownCapability, got %v", err)
	}
	if len(st.Invocations) != 0 {
		t.Fatal("unknown capability must not be audited as an invocation")
	}
}

func TestInvoke_ArgumentSchemaRejection(t *testing.T) {
	registry := NewRegistry()
	executed := false
	def := Definition{
		Name: "risk_calculator",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"age"},
			"properties": map[string]any{
				"age": map[string]any{"type": "integer"},
			},
		},
		ReadOnly: true,
	}
	registry.MustRegister(NewFunc(def, func(ctx context.Context, args json.RawMessage) (any, error) {
		executed = true
		return nil, nil
	}))

	invoker, err := NewInvoker(registry, WithSleep(noSleep))
	if err != nil {
		t.Fatalf("invoker: %v", err)
	}

	st := testState()
	_, err = invoker.Invoke(context.Background(), st, types.ToolRequest{
		Name:      "risk_calculator",
		Arguments: json.RawMessage(`{"age": "forty"}`),
	})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if executed {
		t.Fatal("capability must not execute on invalid arguments")
	}
	if len(st.Invocations) != 1 || st.Invocations[0].Attempts != 0 {
		t.Fatalf("rejection must be audited without attempts, got %+v", st.Invocations)
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewRegistry()
	cap, _ := countingCapability(Definition{Name: "dup"}, 0, nil)
	if err := registry.Register(cap); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := registry.Register(cap); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestSchemaFor(t *testing.T) {
	type args struct {
		PatientID string `json:"patientId"`
		TopK      int    `json:"topK,omitempty"`
	}
	schema, err := SchemaFor(args{})
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties, got %v", schema)
	}
	if _, ok := props["patientId"]; !ok {
		t.Fatalf("expected patientId property, got %v", props)
	}
}

func TestBackoffForAttempt(t *testing.T) {
	policy := normalizeRetryPolicy(RetryPolicy{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 500 * time.Millisecond})
	if got := policy.backoffForAttempt(1); got != 100*time.Millisecond {
		t.Fatalf("attempt 1 backoff = %v", got)
	}
	if got := policy.backoffForAttempt(2); got != 200*time.Millisecond {
		t.Fatalf("attempt 2 backoff = %v", got)
	}
	if got := policy.backoffForAttempt(4); got != 500*time.Millisecond {
		t.Fatalf("attempt 4 backoff must cap, got %v", got)
	}
}
