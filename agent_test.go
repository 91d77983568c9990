package fathom

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestInvokeSimpleTurn(t *testing.T) {
	model := &scriptedModel{responses: []Response{textResponse("hello there")}}
	agent, err := New("be helpful", model)
	if err != nil {
		t.Fatal(err)
	}

	res, err := agent.Invoke(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "hello there" || res.StopReason != StopEndTurn || res.Steps != 1 {
		t.Fatalf("res = %+v", res)
	}
	if model.callCount() != 1 {
		t.Fatalf("model called %d times", model.callCount())
	}

	req := model.request(0)
	if req.System != "be helpful" {
		t.Fatalf("system = %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Text() != "hi" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	// Built-in tools are always advertised.
	names := map[string]bool{}
	for _, d := range req.Tools {
		names[d.Name] = true
	}
	for _, want := range []string{"write_todos", "read_todos", "update_todo_status", "write_file", "read_file", "list_files"} {
		if !names[want] {
			t.Fatalf("builtin tool %q not advertised", want)
		}
	}
}

func TestInvokeToolRoundTrip(t *testing.T) {
	model := &scriptedModel{responses: []Response{
		toolUseResponse(use("tu_1", "echo", `{"value":"a"}`), use("tu_2", "echo", `{"value":"b"}`)),
		textResponse("both done"),
	}}
	agent, err := New("x", model, WithTools(echoTool("echo")))
	if err != nil {
		t.Fatal(err)
	}

	res, err := agent.Invoke(context.Background(), "run both")
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "both done" || res.Steps != 2 {
		t.Fatalf("res = %+v", res)
	}

	// The second request must carry the ordered tool results.
	req := model.request(1)
	last := req.Messages[len(req.Messages)-1]
	if last.Role != RoleUser {
		t.Fatalf("last message role = %s", last.Role)
	}
	results := last.ToolResults()
	if len(results) != 2 || results[0].ToolUseID != "tu_1" || results[1].ToolUseID != "tu_2" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Content != "echo:a" || results[1].Content != "echo:b" {
		t.Fatalf("contents = %+v", results)
	}
}

func TestStepBudgetExhaustion(t *testing.T) {
	// The model asks for a tool on every step and never finishes.
	responses := make([]Response, 10)
	for i := range responses {
		responses[i] = toolUseResponse(use(NewID(), "echo", `{"value":"again"}`))
	}
	model := &scriptedModel{responses: responses}
	agent, err := New("x", model, WithTools(echoTool("echo")), WithMaxSteps(3))
	if err != nil {
		t.Fatal(err)
	}

	res, err := agent.Invoke(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("step budget is a result, not an error: %v", err)
	}
	if res.StopReason != StopStepBudget || res.Steps != 3 {
		t.Fatalf("res = %+v", res)
	}
	if model.callCount() != 3 {
		t.Fatalf("model called %d times, want 3", model.callCount())
	}

	// The transcript must end with the synthetic assistant notice so the
	// next turn starts from a legal history.
	msgs := agent.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != RoleAssistant || !strings.Contains(last.Text(), "Step budget exhausted") {
		t.Fatalf("last message = %+v", last)
	}

	// And the next turn must still work.
	if _, err := agent.Invoke(context.Background(), "continue"); err != nil {
		t.Fatalf("turn after budget exhaustion: %v", err)
	}
}

func TestTransientRetryLeavesNoTranscriptTrace(t *testing.T) {
	transient := &ModelError{Provider: "test", Message: "overloaded", Status: 529, Transient: true}
	model := &scriptedModel{
		errs:      []error{transient, transient, nil},
		responses: []Response{{}, {}, textResponse("recovered")},
	}
	agent, err := New("x", model, WithModelRetries(3), WithModelRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	res, err := agent.Invoke(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "recovered" {
		t.Fatalf("res = %+v", res)
	}
	if model.callCount() != 3 {
		t.Fatalf("model called %d times, want 3", model.callCount())
	}
	// All three attempts must have seen the identical history.
	first := model.request(0).Messages
	for i := 1; i < 3; i++ {
		got := model.request(i).Messages
		if len(got) != len(first) {
			t.Fatalf("attempt %d saw %d messages, attempt 0 saw %d", i, len(got), len(first))
		}
	}
	// Transcript: user + final assistant only. No retry debris.
	if msgs := agent.Messages(); len(msgs) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(msgs))
	}
}

// A model call that runs past the per-attempt deadline is retried; only
// exhausting the attempts (or the turn deadline) fails the turn.
func TestModelTimeoutRetriesAttempt(t *testing.T) {
	calls := 0
	model := ModelFunc(func(ctx context.Context, _ Request) (Response, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return Response{}, ctx.Err()
		}
		return textResponse("recovered"), nil
	})
	agent, err := New("x", model,
		WithModelTimeout(20*time.Millisecond),
		WithModelRetries(3),
		WithModelRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	res, err := agent.Invoke(context.Background(), "hi")
	if err != nil {
		t.Fatalf("attempt timeout must retry, not fail the turn: %v", err)
	}
	if res.Output != "recovered" {
		t.Fatalf("res = %+v", res)
	}
	if calls != 2 {
		t.Fatalf("model called %d times, want 2", calls)
	}
}

// Caller cancellation is not an attempt timeout and must not be retried.
func TestCallerCancellationNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	model := ModelFunc(func(mctx context.Context, _ Request) (Response, error) {
		calls++
		cancel()
		<-mctx.Done()
		return Response{}, mctx.Err()
	})
	agent, err := New("x", model, WithModelRetries(3), WithModelRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := agent.Invoke(ctx, "hi"); err == nil {
		t.Fatal("expected turn failure on caller cancellation")
	}
	if calls != 1 {
		t.Fatalf("cancelled request retried: %d calls", calls)
	}
}

func TestNonTransientModelErrorFailsTurn(t *testing.T) {
	model := &scriptedModel{errs: []error{&ModelError{Provider: "test", Message: "bad request", Status: 400}}}
	agent, err := New("x", model)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agent.Invoke(context.Background(), "hi"); err == nil {
		t.Fatal("expected turn failure")
	}
	if model.callCount() != 1 {
		t.Fatalf("non-transient error retried: %d calls", model.callCount())
	}
}

func TestTurnTimeout(t *testing.T) {
	slow := ModelFunc(func(ctx context.Context, _ Request) (Response, error) {
		select {
		case <-time.After(5 * time.Second):
			return textResponse("too late"), nil
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	})
	agent, err := New("x", slow, WithTurnTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	_, err = agent.Invoke(context.Background(), "hi")
	var tt *TurnTimeoutError
	if !errors.As(err, &tt) {
		t.Fatalf("err = %v, want *TurnTimeoutError", err)
	}
}

func TestConcurrentInvokeFailsFast(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := ModelFunc(func(ctx context.Context, _ Request) (Response, error) {
		close(started)
		<-release
		return textResponse("done"), nil
	})
	agent, err := New("x", blocking)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = agent.Invoke(context.Background(), "first")
	}()
	<-started

	if _, err := agent.Invoke(context.Background(), "second"); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("err = %v, want ErrTurnInProgress", err)
	}
	close(release)
	wg.Wait()
}

func TestInvokeStreamEvents(t *testing.T) {
	model := &scriptedModel{responses: []Response{
		toolUseResponse(use("tu_1", "echo", `{"value":"a"}`)),
		textResponse("finished"),
	}}
	agent, err := New("x", model, WithTools(echoTool("echo")))
	if err != nil {
		t.Fatal(err)
	}

	ch := make(chan Event, 32)
	res, err := agent.InvokeStream(context.Background(), "go", ch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "finished" {
		t.Fatalf("res = %+v", res)
	}

	var types []EventType
	for ev := range ch {
		types = append(types, ev.Type)
	}
	want := []EventType{EventToolCallStart, EventToolCallResult, EventAssistantText}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

// onceClose must accept the send-only channel InvokeStream hands in and
// tolerate repeated calls.
func TestOnceCloseSendOnlyChannel(t *testing.T) {
	ch := make(chan Event)
	var send chan<- Event = ch
	safeClose := onceClose(send)
	safeClose()
	safeClose()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after onceClose")
	}
}

func TestSessionRoundTripAcrossAgents(t *testing.T) {
	store := newMemoryStore()
	model := &scriptedModel{responses: []Response{
		toolUseResponse(use("tu_1", "write_file", `{"path":"plan.md","content":"step one"}`)),
		textResponse("saved"),
	}}

	agent, err := New("x", model, WithSession(store, "s1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agent.Invoke(context.Background(), "make a plan"); err != nil {
		t.Fatal(err)
	}
	if err := agent.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A new agent over the same session sees the transcript and files.
	model2 := &scriptedModel{responses: []Response{textResponse("recalled")}}
	agent2, err := New("x", model2, WithSession(store, "s1"))
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := agent2.State().ReadFile("plan.md"); !ok || f.Content != "step one" {
		t.Fatalf("file not restored: %+v, %v", f, ok)
	}
	if len(agent2.Messages()) != 4 {
		t.Fatalf("restored %d messages, want 4", len(agent2.Messages()))
	}
	if _, err := agent2.Invoke(context.Background(), "what did we plan?"); err != nil {
		t.Fatal(err)
	}
	// The continued request carries the full restored history.
	req := model2.request(0)
	if len(req.Messages) != 5 {
		t.Fatalf("continued request has %d messages, want 5", len(req.Messages))
	}
}

func TestSessionBusy(t *testing.T) {
	store := newMemoryStore()
	model := &scriptedModel{}

	agent, err := New("x", model, WithSession(store, "s1"))
	if err != nil {
		t.Fatal(err)
	}
	defer agent.Close(context.Background())

	if _, err := New("x", model, WithSession(store, "s1")); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("err = %v, want ErrSessionBusy", err)
	}
}

func TestWithStateSeedsAgent(t *testing.T) {
	model := &scriptedModel{}
	agent, err := New("x", model, WithState(InitialState{
		Todos: []Todo{{Content: "seeded"}},
		Files: map[string]string{"seed.md": "content"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if len(agent.State().Todos()) != 1 {
		t.Fatal("todos not seeded")
	}
	if _, ok := agent.State().ReadFile("seed.md"); !ok {
		t.Fatal("files not seeded")
	}
}
