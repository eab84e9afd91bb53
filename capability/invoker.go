package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/medigraph/clinagent/observe"
	"github.com/medigraph/clinagent/session"
	"github.com/medigraph/clinagent/types"
)

const (
	defaultInvokeTimeout = 10 * time.Second
	defaultBaseBackoff   = 200 * time.Millisecond
	defaultMaxBackoff    = 2 * time.Second
)

// ErrUnknownCapability rejects requests for names the registry does not hold.
// The request is refused before any budget or audit effect.
var ErrUnknownCapability = errors.New("capability: unknown capability")

// TransientError marks a failure worth retrying: network hiccups, upstream
// 5xx, rate limits. Anything else fails the invocation on first sight.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ValidationError rejects arguments that do not satisfy the capability's
// input schema. The capability is never executed.
type ValidationError struct {
	Name   string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("capability %q arguments invalid: %v", e.Name, e.Issues)
}

// MaxRetriesError reports that every allowed attempt failed. Callers treat it
// as a signal to degrade rather than abort the session.
type MaxRetriesError struct {
	Name     string
	Attempts int
	Last     error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("capability %q failed after %d attempt(s): %v", e.Name, e.Attempts, e.Last)
}

func (e *MaxRetriesError) Unwrap() error { return e.Last }

type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: defaultBaseBackoff,
		MaxBackoff:  defaultMaxBackoff,
	}
}

func normalizeRetryPolicy(in RetryPolicy) RetryPolicy {
	out := in
	if out.MaxAttempts < 1 {
		out.MaxAttempts = 1
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = defaultBaseBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = defaultMaxBackoff
	}
	if out.MaxBackoff < out.BaseBackoff {
		out.MaxBackoff = out.BaseBackoff
	}
	return out
}

func (p RetryPolicy) backoffForAttempt(retryNumber int) time.Duration {
	if retryNumber < 1 {
		retryNumber = 1
	}
	delay := p.BaseBackoff
	for i := 1; i < retryNumber; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// Invoker runs capabilities with argument validation, a per-attempt timeout,
// and retries for transient failures. Every attempt sequence, successful or
// not, lands in the session's invocation log.
type Invoker struct {
	registry *Registry
	timeout  time.Duration
	policy   RetryPolicy
	observer observe.Sink
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type InvokerOption func(*Invoker)

func WithTimeout(timeout time.Duration) InvokerOption {
	return func(i *Invoker) {
		if timeout > 0 {
			i.timeout = timeout
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) InvokerOption {
	return func(i *Invoker) { i.policy = normalizeRetryPolicy(policy) }
}

func WithObserver(sink observe.Sink) InvokerOption {
	return func(i *Invoker) {
		if sink != nil {
			i.observer = sink
		}
	}
}

func WithClock(now func() time.Time) InvokerOption {
	return func(i *Invoker) {
		if now != nil {
			i.now = now
		}
	}
}

// WithSleep replaces the inter-attempt wait, so tests do not spend real time
// in backoff.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) InvokerOption {
	return func(i *Invoker) {
		if sleep != nil {
			i.sleep = sleep
		}
	}
}

func NewInvoker(registry *Registry, opts ...InvokerOption) (*Invoker, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	inv := &Invoker{
		registry: registry,
		timeout:  defaultInvokeTimeout,
		policy:   defaultRetryPolicy(),
		observer: observe.NoopSink{},
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv, nil
}

// Invoke validates, executes, and audits one capability call. The invocation
// record is appended to the state whether or not the call succeeded, so the
// audit trail covers failed attempts.
func (i *Invoker) Invoke(ctx context.Context, st *session.State, request types.ToolRequest) (json.RawMessage, error) {
	if i == nil || i.registry == nil {
		return nil, fmt.Errorf("invoker is not initialized")
	}
	cap, ok := i.registry.Get(request.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, request.Name)
	}
	def := cap.Definition()

	started := i.now()
	record := types.ToolInvocation{
		Name:      request.Name,
		Arguments: request.Arguments,
		StartedAt: started,
	}

	if err := validateArgs(def, request.Arguments); err != nil {
		record.Error = err.Error()
		record.FinishedAt = i.now()
		st.RecordInvocation(record)
		i.emit(ctx, st, def.Name, observe.StatusFailed, 0, started, err)
		return nil, err
	}

	retryable := def.ReadOnly || def.Idempotent
	maxAttempts := i.policy.MaxAttempts
	if !retryable {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		record.Attempts = attempt
		result, err := i.attempt(ctx, cap, request.Arguments)
		if err == nil {
			raw, encodeErr := json.Marshal(result)
			if encodeErr != nil {
				lastErr = fmt.Errorf("capability %q result not serializable: %w", def.Name, encodeErr)
				break
			}
			record.Result = raw
			record.FinishedAt = i.now()
			st.RecordInvocation(record)
			i.emit(ctx, st, def.Name, observe.StatusCompleted, attempt, started, nil)
			return raw, nil
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
		if attempt == maxAttempts {
			break
		}
		if sleepErr := i.sleep(ctx, i.policy.backoffForAttempt(attempt)); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}

	if IsTransient(lastErr) && record.Attempts >= maxAttempts {
		lastErr = &MaxRetriesError{Name: def.Name, Attempts: record.Attempts, Last: lastErr}
	}
	record.Error = lastErr.Error()
	record.FinishedAt = i.now()
	st.RecordInvocation(record)
	i.emit(ctx, st, def.Name, observe.StatusFailed, record.Attempts, started, lastErr)
	return nil, lastErr
}

func (i *Invoker) attempt(ctx context.Context, cap Capability, args json.RawMessage) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	return cap.Execute(attemptCtx, args)
}

func validateArgs(def Definition, args json.RawMessage) error {
	if len(def.InputSchema) == 0 {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	schemaLoader := gojsonschema.NewGoLoader(def.InputSchema)
	docLoader := gojsonschema.NewBytesLoader(args)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return &ValidationError{Name: def.Name, Issues: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, issue := range result.Errors() {
		issues = append(issues, issue.String())
	}
	return &ValidationError{Name: def.Name, Issues: issues}
}

func (i *Invoker) emit(ctx context.Context, st *session.State, name string, status observe.Status, attempts int, started time.Time, err error) {
	event := observe.Event{
		Timestamp:  i.now(),
		SessionID:  st.SessionID,
		Kind:       observe.KindCapability,
		Status:     status,
		Capability: name,
		DurationMs: i.now().Sub(started).Milliseconds(),
		Attributes: map[string]any{"attempts": attempts},
	}
	if err != nil {
		event.Error = err.Error()
	}
	_ = i.observer.Emit(ctx, event)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
