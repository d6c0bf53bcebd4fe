// Package tracing wraps OpenTelemetry spans around payment admission, provider
// charges and webhook reconciliation.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	SpanProcess = "payment.process"
	SpanCharge  = "payment.charge"
	SpanWebhook = "payment.webhook"
)

const (
	AttrIdempotencyKey = attribute.Key("payment.idempotency_key")
	AttrProvider       = attribute.Key("payment.provider")
	AttrProviderTxID   = attribute.Key("payment.provider_transaction_id")
	AttrStatus         = attribute.Key("payment.status")
	AttrCached         = attribute.Key("payment.cached")
	AttrAttempt        = attribute.Key("payment.attempt")
)

// Tracer opens the spans the engine records. A charge span started from the
// context returned by StartPayment is its child.
type Tracer interface {
	StartPayment(ctx context.Context, key string, provider string) (context.Context, Span)
	StartCharge(ctx context.Context, key string, provider string, attempt int) (context.Context, Span)
	StartWebhook(ctx context.Context, providerTxID string) (context.Context, Span)
}

// Span is the subset of trace.Span the engine touches.
type Span interface {
	End()
	// SetError records err and marks the span failed. Nil is ignored.
	SetError(err error)
	SetStatus(code codes.Code, description string)
	SetAttributes(attrs ...attribute.KeyValue)
	AddEvent(name string, attrs ...attribute.KeyValue)
}

// Config selects where spans go.
type Config struct {
	ServiceName string
	// TracerProvider defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
}

func DefaultConfig() Config {
	return Config{ServiceName: "paygate"}
}

// OTelTracer is the OpenTelemetry backed Tracer.
type OTelTracer struct {
	tracer trace.Tracer
}

var _ Tracer = (*OTelTracer)(nil)

func NewOTelTracer(cfg Config) *OTelTracer {
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &OTelTracer{tracer: tp.Tracer(cfg.ServiceName)}
}

func (t *OTelTracer) open(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, Span) {
	ctx, s := t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
	return ctx, otelSpan{s}
}

func (t *OTelTracer) StartPayment(ctx context.Context, key string, provider string) (context.Context, Span) {
	return t.open(ctx, SpanProcess, trace.SpanKindInternal,
		AttrIdempotencyKey.String(key), AttrProvider.String(provider))
}

// StartCharge is a client span: the provider is a remote system.
func (t *OTelTracer) StartCharge(ctx context.Context, key string, provider string, attempt int) (context.Context, Span) {
	return t.open(ctx, SpanCharge, trace.SpanKindClient,
		AttrIdempotencyKey.String(key), AttrProvider.String(provider), AttrAttempt.Int(attempt))
}

func (t *OTelTracer) StartWebhook(ctx context.Context, providerTxID string) (context.Context, Span) {
	return t.open(ctx, SpanWebhook, trace.SpanKindServer, AttrProviderTxID.String(providerTxID))
}

type otelSpan struct{ s trace.Span }

func (o otelSpan) End() { o.s.End() }

func (o otelSpan) SetError(err error) {
	if err == nil {
		return
	}
	o.s.RecordError(err)
	o.s.SetStatus(codes.Error, err.Error())
}

func (o otelSpan) SetStatus(code codes.Code, description string) { o.s.SetStatus(code, description) }

func (o otelSpan) SetAttributes(attrs ...attribute.KeyValue) { o.s.SetAttributes(attrs...) }

func (o otelSpan) AddEvent(name string, attrs ...attribute.KeyValue) {
	o.s.AddEvent(name, trace.WithAttributes(attrs...))
}

// NoopTracer records nothing. The engine uses it when no tracer is configured.
type NoopTracer struct{}

var _ Tracer = (*NoopTracer)(nil)

func (NoopTracer) StartPayment(ctx context.Context, _ string, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (NoopTracer) StartCharge(ctx context.Context, _ string, _ string, _ int) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (NoopTracer) StartWebhook(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                                   {}
func (noopSpan) SetError(error)                         {}
func (noopSpan) SetStatus(codes.Code, string)           {}
func (noopSpan) SetAttributes(...attribute.KeyValue)    {}
func (noopSpan) AddEvent(string, ...attribute.KeyValue) {}
