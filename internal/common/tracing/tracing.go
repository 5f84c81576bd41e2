// Package tracing wires a process-wide Jaeger tracer and exposes the
// StartChunkSpan/StartSessionSpan helpers, built on
// opentracing.StartSpanFromContext, that the rest of pgscrub uses to trace a
// scrub chunk, in the idiom seen across the example corpus (e.g. cortex's
// ingester flush path: `ot.StartSpanFromContext(ctx, "flushUserSeries")`).
package tracing

import (
	"context"
	"io"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"

	"github.com/ronen-fr/pgscrub/internal/common/logging"
)

// Init builds a Jaeger tracer reporting as serviceName and installs it as
// the global opentracing.Tracer. The returned closer must be closed at
// process shutdown to flush buffered spans.
func Init(serviceName string) (io.Closer, error) {
	cfg := jaegercfg.Configuration{
		ServiceName: serviceName,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans: false,
		},
	}
	logger := logging.GetLogger("common/tracing")
	tracer, closer, err := cfg.NewTracer(jaegercfg.Logger(jaegerLoggerAdapter{logger}))
	if err != nil {
		return nil, err
	}
	opentracing.SetGlobalTracer(tracer)
	return closer, nil
}

type jaegerLoggerAdapter struct {
	l *logging.Logger
}

func (a jaegerLoggerAdapter) Error(msg string) {
	a.l.Error(msg)
}

func (a jaegerLoggerAdapter) Infof(msg string, args ...interface{}) {
	a.l.Debug(msg, "args", args)
}

// StartChunkSpan starts a span covering one scrub chunk's lifetime, tagged
// with the identifying fields a reader would want in a trace viewer.
func StartChunkSpan(ctx context.Context, pgid string, deep, repair bool) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "scrub.chunk")
	span.SetTag("pgid", pgid)
	span.SetTag("deep", deep)
	span.SetTag("repair", repair)
	return span, ctx
}

// StartSessionSpan starts a span covering an entire scrub session, from
// startScrub through scrubFinish.
func StartSessionSpan(ctx context.Context, pgid string, deep bool) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "scrub.session")
	span.SetTag("pgid", pgid)
	span.SetTag("deep", deep)
	return span, ctx
}
