package cli

import (
	"context"
	"fmt"

	"github.com/nimburion/queuejob/pkg/config"
	"github.com/nimburion/queuejob/pkg/observability/logger"
	"github.com/nimburion/queuejob/pkg/observability/metrics"
	"github.com/nimburion/queuejob/pkg/observability/tracing"
	"github.com/nimburion/queuejob/pkg/version"
	"go.opentelemetry.io/otel/attribute"
)

// startTelemetry installs the tracer provider and, when metrics_addr is set,
// serves /metrics until ctx ends. The returned stop flushes pending spans.
func startTelemetry(ctx context.Context, cfg *config.Config, log logger.Logger) (func(), error) {
	tp, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
		Attributes: []attribute.KeyValue{
			attribute.String("queue.backend", cfg.Queue.Backend),
			attribute.String("queue.name", cfg.Queue.Name),
			attribute.String("lock.provider", cfg.Lock.Provider),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create tracer provider: %w", err)
	}

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		registry := metrics.NewRegistry()
		go func() {
			log.Info("serving metrics", "addr", addr)
			if err := registry.Serve(ctx, addr); err != nil {
				log.Error("metrics server stopped", "addr", addr, "error", err)
			}
		}()
	}

	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn("tracer provider shutdown failed", "error", err)
		}
	}, nil
}
