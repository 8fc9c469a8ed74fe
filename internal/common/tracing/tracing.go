// Package tracing provides shared OTel tracer initialization.
//
// Real tracing requires tracing.enabled plus an OTLP endpoint (config or
// OTEL_EXPORTER_OTLP_ENDPOINT). Without it a no-op tracer is used.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sellerdesk/sellerdesk/internal/common/config"
)

var (
	mu             sync.Mutex
	initialized    bool
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Init configures the global tracer provider from config. Safe to call more
// than once; only the first call takes effect.
func Init(cfg config.TracingConfig) {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return
	}
	initialized = true

	endpoint := cfg.Endpoint
	if env := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); env != "" {
		endpoint = env
	}
	if !cfg.Enabled || endpoint == "" {
		return
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	service := cfg.Service
	if service == "" {
		service = "sellerdesk"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(service)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	defer mu.Unlock()
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	provider := sdkProvider
	mu.Unlock()
	if provider != nil {
		return provider.Shutdown(ctx)
	}
	return nil
}
