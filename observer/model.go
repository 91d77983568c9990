package observer

import (
	"context"
	"io"
	"time"

	fathom "github.com/nevindra/fathom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedModel wraps a fathom.ModelClient with OTEL instrumentation.
// Compose it with fathom.WithRetry and fathom.WithRateLimit; wrapping
// outermost records one span per logical request including retries,
// wrapping innermost records each attempt.
type ObservedModel struct {
	inner    fathom.ModelClient
	inst     *Instruments
	provider string
	model    string
}

// WrapModel returns an instrumented client that emits traces, metrics,
// and logs for every completion.
func WrapModel(inner fathom.ModelClient, provider, model string, inst *Instruments) *ObservedModel {
	return &ObservedModel{inner: inner, inst: inst, provider: provider, model: model}
}

var _ fathom.ModelClient = (*ObservedModel)(nil)

func (o *ObservedModel) Complete(ctx context.Context, req fathom.Request) (fathom.Response, error) {
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrModelID.String(o.model),
			AttrModelProvider.String(o.provider),
		),
	}
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
	}

	ctx, span := o.inst.Tracer.Start(ctx, "model.complete", spanAttrs...)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Complete(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, "complete", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedModel) record(ctx context.Context, span trace.Span, method, status string, durationMs float64, usage fathom.Usage) {
	cost := o.inst.Cost.Calculate(o.model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrModelID.String(o.model),
		AttrModelProvider.String(o.provider),
		AttrModelMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrModelID.String(o.model),
		AttrModelProvider.String(o.provider),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrModelID.String(o.model),
		AttrModelProvider.String(o.provider),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.ModelRequests.Add(ctx, 1, metric.WithAttributes(
		AttrModelID.String(o.model),
		AttrModelProvider.String(o.provider),
		AttrModelMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.ModelDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("model call completed"))
	rec.AddAttributes(
		otellog.String("model.id", o.model),
		otellog.String("model.provider", o.provider),
		otellog.String("model.method", method),
		otellog.Int("model.tokens.input", usage.InputTokens),
		otellog.Int("model.tokens.output", usage.OutputTokens),
		otellog.Float64("model.cost_usd", cost),
		otellog.Float64("model.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// ObservedStreamingModel instruments a streaming client. The span for a
// streamed completion stays open until the caller drains or closes the
// streamer, so its duration covers time-to-last-chunk.
type ObservedStreamingModel struct {
	ObservedModel
	inner fathom.StreamingModelClient
}

// WrapStreamingModel returns an instrumented streaming client.
func WrapStreamingModel(inner fathom.StreamingModelClient, provider, model string, inst *Instruments) *ObservedStreamingModel {
	return &ObservedStreamingModel{
		ObservedModel: ObservedModel{inner: inner, inst: inst, provider: provider, model: model},
		inner:         inner,
	}
}

var _ fathom.StreamingModelClient = (*ObservedStreamingModel)(nil)

func (o *ObservedStreamingModel) Stream(ctx context.Context, req fathom.Request) (fathom.Streamer, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "model.stream", trace.WithAttributes(
		AttrModelID.String(o.model),
		AttrModelProvider.String(o.provider),
	))
	start := time.Now()

	s, err := o.inner.Stream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.record(ctx, span, "stream", "error", float64(time.Since(start).Milliseconds()), fathom.Usage{})
		span.End()
		return nil, err
	}
	return &observedStreamer{
		inner: s,
		owner: &o.ObservedModel,
		ctx:   ctx,
		span:  span,
		start: start,
	}, nil
}

// observedStreamer counts chunks and captures final usage, flushing the
// span and metrics once the stream finishes.
type observedStreamer struct {
	inner fathom.Streamer
	owner *ObservedModel
	ctx   context.Context
	span  trace.Span
	start time.Time

	chunks   int
	usage    fathom.Usage
	finished bool
}

var _ fathom.Streamer = (*observedStreamer)(nil)

func (s *observedStreamer) Recv() (fathom.Chunk, error) {
	chunk, err := s.inner.Recv()
	switch {
	case err == io.EOF:
		s.finish("ok", nil)
	case err != nil:
		s.finish("error", err)
	default:
		s.chunks++
		if chunk.Type == fathom.ChunkStop && chunk.Usage != nil {
			s.usage = *chunk.Usage
		}
	}
	return chunk, err
}

func (s *observedStreamer) Close() error {
	s.finish("ok", nil)
	return s.inner.Close()
}

func (s *observedStreamer) finish(status string, err error) {
	if s.finished {
		return
	}
	s.finished = true
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.SetAttributes(AttrStreamChunks.Int(s.chunks))
	s.owner.record(s.ctx, s.span, "stream", status, float64(time.Since(s.start).Milliseconds()), s.usage)
	s.span.End()
}
