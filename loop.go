package fathom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// StopReason explains why a turn ended.
type StopReason string

const (
	// StopEndTurn means the model produced a final text response.
	StopEndTurn StopReason = "end_turn"
	// StopStepBudget means the turn hit max steps before the model
	// finished. The transcript carries a synthetic assistant notice so
	// the next turn starts from a well-formed history.
	StopStepBudget StopReason = "step_budget"
)

// Result is the outcome of one completed turn.
type Result struct {
	// Output is the assistant's final text.
	Output string
	// StopReason explains how the turn ended.
	StopReason StopReason
	// Steps is the number of model requests the turn consumed.
	Steps int
	Usage Usage
}

// stepBudgetNotice is appended as a synthetic assistant message when a
// turn exhausts its step budget, keeping the transcript well-formed for
// the next turn.
const stepBudgetNotice = "Step budget exhausted before the task completed. " +
	"Summarizing is no longer possible in this turn; ask again to continue."

// loopConfig holds everything one reason-act loop run needs. The lead
// agent and every sub-agent invocation each build their own.
type loopConfig struct {
	name       string // for logging and spans, e.g. "lead" or "subagent:critic"
	model      ModelClient
	system     string
	registry   *Registry
	transcript *Transcript
	exec       *executor
	tctx       *ToolContext

	maxSteps        int
	modelAttempts   int           // total attempts per request, >= 1
	modelRetryDelay time.Duration // base backoff delay
	modelTimeout    time.Duration // per-attempt deadline, 0 = none
	maxTokens       int

	tracer Tracer
	logger *slog.Logger // never nil
}

// runLoop drives one turn: request a completion, execute any tool calls,
// append the ordered results, repeat. The caller has already appended the
// user message. When ch is non-nil, events are emitted; runLoop does not
// close ch.
//
// The transcript is the single source of truth: every model request reads
// it fresh, and a retried request sees a byte-identical history because
// retries happen strictly between transcript appends.
func runLoop(ctx context.Context, cfg loopConfig, ch chan<- Event) (Result, error) {
	var totalUsage Usage

	for step := 1; step <= cfg.maxSteps; step++ {
		stepCtx := ctx
		var stepSpan Span
		if cfg.tracer != nil {
			stepCtx, stepSpan = cfg.tracer.Start(ctx, "agent.loop.step",
				StringAttr("agent", cfg.name),
				IntAttr("step", step))
		}
		endStep := func() {
			if stepSpan != nil {
				stepSpan.End()
			}
		}

		req := Request{
			System:    cfg.system,
			Messages:  cfg.transcript.Messages(),
			Tools:     cfg.registry.Definitions(),
			MaxTokens: cfg.maxTokens,
		}

		resp, err := completeWithRetry(stepCtx, cfg, req, ch)
		if err != nil {
			endStep()
			return Result{StopReason: StopEndTurn, Steps: step, Usage: totalUsage}, err
		}
		totalUsage.Add(resp.Usage)

		blocks := resp.Blocks
		if len(blocks) == 0 {
			blocks = []Block{TextBlock{}}
		}
		assistant := Message{Role: RoleAssistant, Content: blocks}
		if err := cfg.transcript.Append(assistant); err != nil {
			endStep()
			return Result{Steps: step, Usage: totalUsage}, err
		}

		if text := assistant.Text(); text != "" {
			emit(ctx, ch, Event{Type: EventAssistantText, Name: cfg.name, Content: text})
		}

		uses := assistant.ToolUses()
		if len(uses) == 0 {
			endStep()
			return Result{Output: assistant.Text(), StopReason: StopEndTurn, Steps: step, Usage: totalUsage}, nil
		}

		if stepSpan != nil {
			stepSpan.SetAttr(IntAttr("tool_count", len(uses)))
		}
		for _, tu := range uses {
			emit(ctx, ch, Event{Type: EventToolCallStart, ID: tu.ID, Name: tu.Name, Args: tu.Input})
		}

		results := cfg.exec.runBatch(stepCtx, uses, cfg.tctx)

		for i, r := range results {
			emit(ctx, ch, Event{Type: EventToolCallResult, ID: r.ToolUseID, Name: uses[i].Name, Content: r.Content, IsError: r.IsError})
		}

		if err := cfg.transcript.Append(ToolResultsMessage(results)); err != nil {
			endStep()
			return Result{Steps: step, Usage: totalUsage}, err
		}
		endStep()
	}

	// Step budget exhausted. Close the transcript with a synthetic
	// assistant message so the next turn starts from a legal history.
	cfg.logger.Warn("step budget exhausted", "agent", cfg.name, "max_steps", cfg.maxSteps)
	if err := cfg.transcript.Append(AssistantTextMessage(stepBudgetNotice)); err != nil {
		return Result{Steps: cfg.maxSteps, Usage: totalUsage}, err
	}
	emit(ctx, ch, Event{Type: EventAssistantText, Name: cfg.name, Content: stepBudgetNotice})
	return Result{Output: stepBudgetNotice, StopReason: StopStepBudget, Steps: cfg.maxSteps, Usage: totalUsage}, nil
}

// completeWithRetry performs one model request with transient-error
// retry. When ch is non-nil and the client streams, text deltas are
// forwarded as they arrive; a transient failure is only retried while no
// delta has been emitted yet, so consumers never see duplicate content.
func completeWithRetry(ctx context.Context, cfg loopConfig, req Request, ch chan<- Event) (Response, error) {
	sc, streaming := cfg.model.(StreamingModelClient)
	if !streaming || ch == nil {
		return retryCall(ctx, cfg.modelAttempts, cfg.modelRetryDelay, cfg.name, cfg.logger, func() (Response, error) {
			return completeOnce(ctx, cfg, req)
		})
	}

	var emitted bool
	return retryCall(ctx, cfg.modelAttempts, cfg.modelRetryDelay, cfg.name, cfg.logger, func() (Response, error) {
		if emitted {
			return Response{}, &ModelError{Provider: cfg.name, Message: "stream failed after partial output"}
		}
		attemptCtx, cancel := attemptContext(ctx, cfg.modelTimeout)
		defer cancel()
		s, err := sc.Stream(attemptCtx, req)
		if err != nil {
			return Response{}, attemptErr(ctx, attemptCtx, cfg, err)
		}
		resp, err := assemble(s, func(delta string) {
			emitted = true
			emit(ctx, ch, Event{Type: EventTextDelta, Content: delta})
		})
		return resp, attemptErr(ctx, attemptCtx, cfg, err)
	})
}

func completeOnce(ctx context.Context, cfg loopConfig, req Request) (Response, error) {
	attemptCtx, cancel := attemptContext(ctx, cfg.modelTimeout)
	defer cancel()
	resp, err := cfg.model.Complete(attemptCtx, req)
	return resp, attemptErr(ctx, attemptCtx, cfg, err)
}

// attemptErr maps an expired per-attempt deadline to a transient
// ModelError so the retry loop gets another attempt. Parent cancellation
// and provider errors pass through unchanged.
func attemptErr(parent, attempt context.Context, cfg loopConfig, err error) error {
	if err == nil || parent.Err() != nil {
		return err
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return &ModelError{
			Provider:  cfg.name,
			Message:   fmt.Sprintf("model request timed out after %s", cfg.modelTimeout),
			Transient: true,
		}
	}
	return err
}

func attemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// emit sends an event without blocking past cancellation. Safe with a
// nil channel.
func emit(ctx context.Context, ch chan<- Event, ev Event) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// onceClose returns a function that closes the given channel exactly
// once. Safe to call multiple times; subsequent calls are no-ops.
func onceClose[T any](ch chan<- T) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			defer func() { recover() }()
			close(ch)
		})
	}
}
