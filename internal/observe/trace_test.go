package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func captureDefaultLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	useTestTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	cid := CorrelationID(ctx)
	if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID = %q, want 32 hex chars", cid)
	}
}

func TestStartTurnSpan_RecordsUser(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartTurnSpan(context.Background(), "chat.respond", "alice")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "chat.respond" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var found bool
	for _, kv := range spans[0].Attributes {
		if kv.Key == UserIDKey && kv.Value.AsString() == "alice" {
			found = true
		}
	}
	if !found {
		t.Errorf("span attributes %v missing %s=alice", spans[0].Attributes, UserIDKey)
	}
}

func TestSpanError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
		wantEvents int
	}{
		{"nil", nil, codes.Unset, 0},
		{"failure", errors.New("boom"), codes.Error, 1},
		{"canceled", context.Canceled, codes.Unset, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := useTestTracer(t)
			_, span := StartSpan(context.Background(), "op")
			SpanError(span, tt.err)
			span.End()

			got := exp.GetSpans()[0]
			if got.Status.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", got.Status.Code, tt.wantStatus)
			}
			if len(got.Events) != tt.wantEvents {
				t.Errorf("events = %d, want %d", len(got.Events), tt.wantEvents)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)

	t.Run("with span", func(t *testing.T) {
		buf := captureDefaultLog(t)
		ctx, span := StartSpan(context.Background(), "log-test")
		defer span.End()

		Logger(ctx).Info("hello")
		out := buf.String()
		if !strings.Contains(out, "trace_id=") || !strings.Contains(out, "span_id=") {
			t.Errorf("log output missing trace fields: %s", out)
		}
	})

	t.Run("without span", func(t *testing.T) {
		buf := captureDefaultLog(t)
		Logger(context.Background()).Info("hello")
		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("log output should not contain trace_id: %s", buf.String())
		}
	})
}
