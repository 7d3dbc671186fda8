package tracing

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Service: "api"})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestProviderCarriesServiceResource(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := newProvider(Config{Service: "api", SampleRatio: 1}, sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("test").Start(context.Background(), "rag.query")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	found := false
	for _, kv := range spans[0].Resource().Attributes() {
		if kv.Key == "service.name" && kv.Value.AsString() == "api" {
			found = true
		}
	}
	if !found {
		t.Fatalf("service.name missing from resource: %v", spans[0].Resource().Attributes())
	}
}
