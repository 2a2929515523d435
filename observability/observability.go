// Package observability wires OTEL traces, metrics, and logs for the
// engine. A single Init call reads standard OTEL_* environment
// variables, builds OTLP-over-HTTP exporters, and returns a ready-to-use
// Instruments bundle plus a shutdown func.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	pc "github.com/nevindra/pipelinecore"
)

// Instruments bundles the meters/tracer the executor and runners record
// against. Zero-value Instruments is safe to use: every method on a nil
// field is skipped rather than panicking, so observability is optional.
type Instruments struct {
	Tracer trace.Tracer
	Logger otellog.Logger

	StepsDispatched metric.Int64Counter
	StepsSucceeded  metric.Int64Counter
	StepsFailed     metric.Int64Counter
	StepsSkipped    metric.Int64Counter
	StepsRetried    metric.Int64Counter
	StepDuration    metric.Float64Histogram
	TokensTotal     metric.Int64Counter
	CostTotal       metric.Float64Counter
}

// Init sets up OTLP HTTP exporters for traces, metrics, and logs from
// standard OTEL_EXPORTER_OTLP_* environment variables, and returns an
// Instruments bundle plus a shutdown func that flushes all providers.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("observability: log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)))

	tracer := tp.Tracer("pipelinecore/executor")
	meter := mp.Meter("pipelinecore/executor")
	logger := lp.Logger("pipelinecore/executor")

	inst := &Instruments{Tracer: tracer, Logger: logger}
	inst.StepsDispatched, _ = meter.Int64Counter("steps_dispatched")
	inst.StepsSucceeded, _ = meter.Int64Counter("steps_succeeded")
	inst.StepsFailed, _ = meter.Int64Counter("steps_failed")
	inst.StepsSkipped, _ = meter.Int64Counter("steps_skipped")
	inst.StepsRetried, _ = meter.Int64Counter("steps_retried")
	inst.StepDuration, _ = meter.Float64Histogram("step_duration_seconds")
	inst.TokensTotal, _ = meter.Int64Counter("tokens_total")
	inst.CostTotal, _ = meter.Float64Counter("cost_total")

	shutdown := func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		if err := mp.Shutdown(ctx); err != nil {
			return err
		}
		return lp.Shutdown(ctx)
	}
	return inst, shutdown, nil
}

// otelTracer adapts an OTEL trace.Tracer to the engine's pc.Tracer
// interface.
type otelTracer struct {
	tracer trace.Tracer
}

// NewTracer wraps an OTEL tracer as a pc.Tracer.
func NewTracer(tracer trace.Tracer) pc.Tracer {
	return &otelTracer{tracer: tracer}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...pc.SpanAttr) (context.Context, pc.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	s := &otelSpan{span: span}
	s.SetAttr(attrs...)
	return ctx, s
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetAttr(attrs ...pc.SpanAttr) {
	s.span.SetAttributes(toKVs(attrs)...)
}

func (s *otelSpan) Event(name string, attrs ...pc.SpanAttr) {
	s.span.AddEvent(name, trace.WithAttributes(toKVs(attrs)...))
}

func (s *otelSpan) Error(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.span.End()
}

func toKVs(attrs []pc.SpanAttr) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			kvs = append(kvs, attribute.String(a.Key, v))
		case int:
			kvs = append(kvs, attribute.Int(a.Key, v))
		case int64:
			kvs = append(kvs, attribute.Int64(a.Key, v))
		case bool:
			kvs = append(kvs, attribute.Bool(a.Key, v))
		case float64:
			kvs = append(kvs, attribute.Float64(a.Key, v))
		default:
			kvs = append(kvs, attribute.String(a.Key, fmt.Sprint(v)))
		}
	}
	return kvs
}

// SubscribeMeter subscribes to every run/step topic on bus and turns
// StepStarted/StepSucceeded/StepFailed/StepSkipped events into counter
// increments, giving the executor's own instrumentation a uniform
// ingestion path instead of a separate code path threaded through the
// scheduling loop. The returned func unsubscribes and stops the pump
// goroutine.
func SubscribeMeter(bus pc.EventBus, inst *Instruments) func() {
	ch, unsub := bus.Subscribe("run:*")
	stepCh, stepUnsub := bus.Subscribe("step:*")
	done := make(chan struct{})
	record := meterRecorder(inst)
	go func() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				record(ev)
			case ev, ok := <-stepCh:
				if !ok {
					return
				}
				record(ev)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		unsub()
		stepUnsub()
	}
}

func meterRecorder(inst *Instruments) func(pc.Event) {
	return func(ev pc.Event) {
		if inst == nil {
			return
		}
		switch ev.Kind {
		case pc.EventStepSucceeded:
			incr(inst.StepsSucceeded)
			if inst.StepDuration != nil {
				inst.StepDuration.Record(context.Background(), ev.Duration.Seconds())
			}
			if inst.TokensTotal != nil && ev.Metrics.Tokens > 0 {
				inst.TokensTotal.Add(context.Background(), int64(ev.Metrics.Tokens))
			}
			if inst.CostTotal != nil && ev.Metrics.Cost > 0 {
				inst.CostTotal.Add(context.Background(), ev.Metrics.Cost)
			}
		case pc.EventStepFailed:
			incr(inst.StepsFailed)
		case pc.EventStepSkipped:
			incr(inst.StepsSkipped)
		case pc.EventStepStarted:
			incr(inst.StepsDispatched)
			if ev.Attempt > 1 {
				incr(inst.StepsRetried)
			}
		}
	}
}

func incr(c metric.Int64Counter) {
	if c != nil {
		c.Add(context.Background(), 1)
	}
}
