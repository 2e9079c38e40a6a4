package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// tracerProvider exports step spans as JSON lines.
type tracerProvider struct {
	*sdktrace.TracerProvider
}

func newTracerProvider(w io.Writer) (*tracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return &tracerProvider{sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))}, nil
}

func (tp *tracerProvider) shutdown(logger logr.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		logger.Error(err, "failed to flush spans")
	}
}
