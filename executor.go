package fathom

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultMaxParallelTools caps concurrent tool handler goroutines per
// batch when no explicit limit is configured.
const defaultMaxParallelTools = 4

// ConsentHook is called before every tool handler runs. Returning an
// error denies the call; the denial becomes an error tool result so the
// model can pick a different approach. Configure with WithConsentHook,
// disable with WithBypassConsent.
type ConsentHook func(ctx context.Context, call ToolUseBlock) error

// executor runs one assistant tool-call batch. Handlers execute
// concurrently under a bounded worker pool, but results always come back
// in the batch's original order, matched to their tool-use ids. A batch
// of n calls always yields exactly n results, even under cancellation,
// timeouts, panics, and unknown tools.
type executor struct {
	registry    *Registry
	state       *State
	maxParallel int
	toolTimeout time.Duration // 0 = no per-call timeout
	// globalSem, when non-nil, is shared with nested sub-agent executors
	// so total in-flight handlers across the whole agent tree stay capped.
	globalSem chan struct{}
	consent   ConsentHook
	logger    *slog.Logger
	tracer    Tracer
}

// toolExecResult is the internal outcome of one dispatched call.
type toolExecResult struct {
	content  string
	isError  bool
	duration time.Duration
}

// indexedResult pairs a result with its position in the original call
// slice, allowing channel-based collection in order.
type indexedResult struct {
	idx    int
	result toolExecResult
}

// runBatch executes calls and returns one ToolResultBlock per call, in
// input order. Single calls run inline (no goroutine). Multiple calls use
// a fixed worker pool of min(len(calls), maxParallel) goroutines pulling
// from a shared work channel.
//
// The collection loop is context-aware: if ctx is cancelled while calls
// are still in flight, remaining slots are filled with context-error
// results instead of blocking indefinitely.
func (e *executor) runBatch(ctx context.Context, calls []ToolUseBlock, tctx *ToolContext) []ToolResultBlock {
	if len(calls) == 0 {
		return nil
	}

	batchCtx := ctx
	if e.tracer != nil {
		var span Span
		batchCtx, span = e.tracer.Start(ctx, "tool.batch",
			IntAttr("tool_count", len(calls)))
		defer span.End()
	}

	// Fast path: single call, no goroutine needed.
	if len(calls) == 1 {
		r := e.dispatchOne(batchCtx, calls[0], tctx)
		return []ToolResultBlock{resultBlock(calls[0], r)}
	}

	resultCh := make(chan indexedResult, len(calls))

	type workItem struct {
		idx  int
		call ToolUseBlock
	}
	workCh := make(chan workItem, len(calls))
	for i, call := range calls {
		workCh <- workItem{idx: i, call: call}
	}
	close(workCh)

	numWorkers := min(len(calls), e.parallelLimit())
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if batchCtx.Err() != nil {
					resultCh <- indexedResult{w.idx, toolExecResult{content: "error: " + batchCtx.Err().Error(), isError: true}}
					continue
				}
				resultCh <- indexedResult{w.idx, e.dispatchOne(batchCtx, w.call, tctx)}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	// Collect keyed by input position, bailing out if ctx is cancelled
	// while calls are in flight.
	results := make([]toolExecResult, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[r.idx] = r.result
			seen[r.idx] = true
		case <-batchCtx.Done():
			errResult := toolExecResult{content: "error: " + batchCtx.Err().Error(), isError: true}
			for i := range results {
				if !seen[i] {
					results[i] = errResult
				}
			}
			return orderedBlocks(calls, results)
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = toolExecResult{content: "error: result not received", isError: true}
		}
	}
	return orderedBlocks(calls, results)
}

// orderedBlocks reassembles results into ToolResultBlocks matched to the
// original calls, preserving the assistant's emission order.
func orderedBlocks(calls []ToolUseBlock, results []toolExecResult) []ToolResultBlock {
	blocks := make([]ToolResultBlock, len(calls))
	for i, call := range calls {
		blocks[i] = resultBlock(call, results[i])
	}
	return blocks
}

func resultBlock(call ToolUseBlock, r toolExecResult) ToolResultBlock {
	return ToolResultBlock{ToolUseID: call.ID, Content: r.content, IsError: r.isError}
}

func (e *executor) parallelLimit() int {
	if e.maxParallel > 0 {
		return e.maxParallel
	}
	return defaultMaxParallelTools
}

// dispatchOne runs the full per-call pipeline: lookup, schema validation,
// consent, the global concurrency cap, the state lease, the per-call
// timeout, and panic recovery. Every failure mode becomes an error result
// so the model can react; nothing here aborts the turn.
func (e *executor) dispatchOne(ctx context.Context, call ToolUseBlock, tctx *ToolContext) toolExecResult {
	start := time.Now()

	tool, ok := e.registry.Lookup(call.Name)
	if !ok {
		return toolExecResult{content: fmt.Sprintf("error: unknown tool %q", call.Name), isError: true, duration: time.Since(start)}
	}

	if err := tool.validate(call.Input); err != nil {
		return toolExecResult{content: "error: input validation failed for " + call.Name + ": " + err.Error(), isError: true, duration: time.Since(start)}
	}

	if e.consent != nil {
		if err := e.consent(ctx, call); err != nil {
			return toolExecResult{content: "error: " + call.Name + " denied: " + err.Error(), isError: true, duration: time.Since(start)}
		}
	}

	// Delegation does not consume a slot; the sub-agent's own tool calls
	// do. Holding a slot across a whole nested run would deadlock the
	// shared cap.
	if e.globalSem != nil && call.Name != TaskToolName {
		select {
		case e.globalSem <- struct{}{}:
			defer func() { <-e.globalSem }()
		case <-ctx.Done():
			return toolExecResult{content: "error: " + ctx.Err().Error(), isError: true, duration: time.Since(start)}
		}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if e.toolTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.toolTimeout)
		defer cancel()
	}

	callTctx := *tctx
	callTctx.CallID = call.ID

	content, err := e.runHandler(callCtx, tool, call, &callTctx)
	elapsed := time.Since(start)

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			e.logger.Warn("tool timed out", "tool", call.Name, "timeout", e.toolTimeout)
			return toolExecResult{content: fmt.Sprintf("error: %s timed out after %s", call.Name, e.toolTimeout), isError: true, duration: elapsed}
		}
		return toolExecResult{content: "error: " + err.Error(), isError: true, duration: elapsed}
	}
	return toolExecResult{content: content, duration: elapsed}
}

// runHandler invokes the handler with panic recovery, holding the state
// lease for the full invocation when the tool declares state effects.
// The handler runs in its own goroutine so a handler that ignores its
// context cannot hold the batch past the per-call timeout.
func (e *executor) runHandler(ctx context.Context, tool *compiledTool, call ToolUseBlock, tctx *ToolContext) (string, error) {
	if tool.desc.Effect == EffectState && tctx.State != nil {
		tctx.State.acquireLease()
		defer tctx.State.releaseLease()
	}

	type handlerOut struct {
		content string
		err     error
	}
	out := make(chan handlerOut, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				out <- handlerOut{err: fmt.Errorf("tool %q panic: %v", call.Name, p)}
			}
		}()
		content, err := tool.desc.Handler(ctx, tctx, call.Input)
		out <- handlerOut{content: content, err: err}
	}()

	select {
	case r := <-out:
		return r.content, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
