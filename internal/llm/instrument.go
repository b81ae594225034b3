package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/titration-sim/internal/observability/metrics"
)

// InstrumentedClient records latency and outcome of every call it forwards.
type InstrumentedClient struct {
	next    Client
	metrics *metrics.RunMetrics
	tracer  trace.Tracer
	now     func() time.Time
}

func NewInstrumentedClient(next Client, m *metrics.RunMetrics) *InstrumentedClient {
	return &InstrumentedClient{
		next:    next,
		metrics: m,
		tracer:  otel.Tracer("titration.internal.llm"),
		now:     time.Now,
	}
}

func (c *InstrumentedClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, span := c.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("titration.llm.purpose", req.Purpose),
		attribute.String("titration.llm.model", req.Model),
		attribute.Int("titration.llm.messages", len(req.Messages)),
	))
	defer span.End()

	start := c.now()
	resp, err := c.next.Complete(ctx, req)
	elapsed := c.now().Sub(start)

	status := "ok"
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case resp.Cached:
		status = "cached"
	}
	span.SetAttributes(
		attribute.String("titration.llm.status", status),
		attribute.Int("titration.llm.output_tokens", int(resp.Usage.OutputTokens)),
	)
	c.metrics.ObserveLLMCall(req.Purpose, status, elapsed)
	return resp, err
}
