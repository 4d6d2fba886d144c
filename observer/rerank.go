package observer

import (
	"context"
	"time"

	"github.com/nevindra/engram"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedRerank wraps an engram.RerankProvider with OTEL instrumentation.
type ObservedRerank struct {
	inner engram.RerankProvider
	inst  *Instruments
	model string
}

// WrapRerank returns an instrumented rerank provider.
func WrapRerank(inner engram.RerankProvider, model string, inst *Instruments) *ObservedRerank {
	return &ObservedRerank{inner: inner, inst: inst, model: model}
}

func (o *ObservedRerank) Name() string { return o.inner.Name() }

func (o *ObservedRerank) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.rerank", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrRerankDocCount.Int(len(documents)),
	))
	defer span.End()
	start := time.Now()

	scores, err := o.inner.Rerank(ctx, query, documents)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.inst.RerankRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.RerankDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("rerank completed"))
	rec.AddAttributes(
		otellog.String("llm.model", o.model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.Int("llm.rerank.document_count", len(documents)),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return scores, err
}

// compile-time check
var _ engram.RerankProvider = (*ObservedRerank)(nil)
