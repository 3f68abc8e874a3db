package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"workstream/items-api/items"
	"workstream/items-api/storage"
)

func TestItemRequestMetricsLogProducesObservabilityEvent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetFormatter(&log.JSONFormatter{})

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newItemRequestMetrics(context.Background(), logger, http.MethodGet, "/items")
	metrics.start = metrics.start.Add(-50 * time.Millisecond)
	metrics.ObserveService(15 * time.Millisecond)
	metrics.SetItemsReturned(3)

	metrics.Log(http.StatusOK, nil)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected log entry")
	}
	if entry.Message != "observability.event" {
		t.Fatalf("unexpected message: %s", entry.Message)
	}
	if entry.Level != log.InfoLevel {
		t.Fatalf("unexpected level: %v", entry.Level)
	}
	if got := entry.Data["event.name"]; got != itemsEventName {
		t.Fatalf("unexpected event name: %v", got)
	}
	if got := entry.Data["event.domain"]; got != itemsEventDomain {
		t.Fatalf("unexpected event domain: %v", got)
	}
	attrsVal, ok := entry.Data["attributes"].(map[string]any)
	if !ok {
		t.Fatalf("attributes not logged as map: %#v", entry.Data["attributes"])
	}
	if attrsVal["http.route"] != "/items" {
		t.Fatalf("unexpected route attribute: %#v", attrsVal["http.route"])
	}
	if attrsVal["workstream.items.items_returned"] != int64(3) {
		t.Fatalf("unexpected items returned: %#v", attrsVal["workstream.items.items_returned"])
	}
	if total, ok := attrsVal["workstream.items.total_ms"].(float64); !ok || total < 50 {
		t.Fatalf("expected total duration attribute, got %#v", attrsVal["workstream.items.total_ms"])
	}
	if entry.Data["severity_text"] != "INFO" || entry.Data["severity_number"] != 9 {
		t.Fatalf("unexpected severity: %v/%v", entry.Data["severity_text"], entry.Data["severity_number"])
	}
	if traceID, ok := entry.Data["trace_id"].(string); !ok || traceID == "" {
		t.Fatalf("expected trace_id to be recorded, got %#v", entry.Data["trace_id"])
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != itemsSpanName {
		t.Fatalf("unexpected span name: %s", span.Name)
	}
	spanAttrs := attributesToMap(span.Attributes)
	if code, ok := spanAttrs["http.status_code"].(int64); !ok || code != int64(http.StatusOK) {
		t.Fatalf("unexpected http.status_code on span: %#v", spanAttrs["http.status_code"])
	}
	if _, exists := spanAttrs["workstream.items.error_stage"]; exists {
		t.Fatalf("expected no error stage, got %#v", spanAttrs["workstream.items.error_stage"])
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("expected span status Ok, got %v", span.Status.Code)
	}

	event := findEvent(span, "observability.event")
	if event.Name == "" {
		t.Fatalf("expected observability.event span event, got %#v", span.Events)
	}
	eventAttrs := attributesToMap(event.Attributes)
	if eventAttrs["event.name"] != itemsEventName || eventAttrs["severity_text"] != "INFO" {
		t.Fatalf("unexpected span event attributes: %#v", eventAttrs)
	}
}

func TestItemRequestMetricsLogWithErrorSetsSpanStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newItemRequestMetrics(context.Background(), logger, http.MethodPost, "/items")
	boom := errors.New("storage failure")
	metrics.Fail("create", boom)
	metrics.Fail("later", errors.New("ignored"))

	metrics.Log(http.StatusInternalServerError, metrics.err)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error || span.Status.Description != boom.Error() {
		t.Fatalf("unexpected span status: %+v", span.Status)
	}
	attrs := attributesToMap(findEvent(span, "observability.event").Attributes)
	if attrs["severity_text"] != "ERROR" {
		t.Fatalf("unexpected severity_text for error: %#v", attrs["severity_text"])
	}
	if attrs["workstream.items.error_stage"] != "create" {
		t.Fatalf("expected first error stage to stick, got %#v", attrs["workstream.items.error_stage"])
	}
	if attrs["error.message"] != boom.Error() {
		t.Fatalf("expected error.message attribute, got %#v", attrs["error.message"])
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.ErrorLevel {
		t.Fatalf("expected error level log entry, got %#v", entry)
	}
}

func TestRequestMetricsMiddlewareTracesRoutes(t *testing.T) {
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	logger, hook := test.NewNullLogger()
	store := storage.NewMemory()
	s := newTestServerWith(t, items.NewService(store, nil, logger), nil, logger, hook, store)

	if rec := s.do(http.MethodGet, "/items/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	var server sdktrace.ReadOnlySpan
	var service sdktrace.ReadOnlySpan
	for _, sp := range exporter.GetSpans().Snapshots() {
		switch sp.Name() {
		case itemsSpanName:
			server = sp
		case "items.Get":
			service = sp
		}
	}
	if server == nil || service == nil {
		t.Fatalf("expected server and service spans, got %d spans", len(exporter.GetSpans()))
	}
	if service.Parent().SpanID() != server.SpanContext().SpanID() {
		t.Fatal("expected service span to be a child of the request span")
	}
	attrs := attributesToMap(server.Attributes())
	if attrs["http.route"] != "/items/:id" {
		t.Fatalf("unexpected route: %#v", attrs["http.route"])
	}
	if attrs["workstream.items.error_stage"] != "get" {
		t.Fatalf("unexpected error stage: %#v", attrs["workstream.items.error_stage"])
	}
	if server.Status().Code != codes.Ok {
		t.Fatalf("client errors must not fail the span, got %v", server.Status().Code)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.WarnLevel || entry.Data["severity_text"] != "WARN" {
		t.Fatalf("expected WARN observability event, got %#v", entry)
	}
}

func TestSeverityForStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		err        error
		wantText   string
		wantNumber int
	}{
		{name: "ok", status: http.StatusOK, wantText: "INFO", wantNumber: 9},
		{name: "created", status: http.StatusCreated, wantText: "INFO", wantNumber: 9},
		{name: "warn", status: http.StatusBadRequest, wantText: "WARN", wantNumber: 13},
		{name: "warnWithErr", status: http.StatusNotFound, err: assertErr{}, wantText: "WARN", wantNumber: 13},
		{name: "error", status: http.StatusServiceUnavailable, wantText: "ERROR", wantNumber: 17},
		{name: "errorFromErr", status: 0, err: assertErr{}, wantText: "ERROR", wantNumber: 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotText, gotNumber := severityForStatus(tt.status, tt.err)
			if gotText != tt.wantText || gotNumber != tt.wantNumber {
				t.Fatalf("severityForStatus(%d, %v) = %s/%d, want %s/%d", tt.status, tt.err, gotText, gotNumber, tt.wantText, tt.wantNumber)
			}
		})
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *itemRequestMetrics
	m.ObserveService(time.Second)
	m.SetItemsReturned(1)
	m.SetIdempotent(true)
	m.Fail("x", errors.New("x"))
	m.Log(http.StatusOK, nil)
}

type assertErr struct{}

func (assertErr) Error() string { return "error" }

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	}
	return tp, exporter, cleanup
}

func findEvent(span tracetest.SpanStub, name string) sdktrace.Event {
	for _, ev := range span.Events {
		if ev.Name == name {
			return ev
		}
	}
	return sdktrace.Event{}
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}
