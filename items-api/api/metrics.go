package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	itemsTracerName  = "workstream/api"
	itemsSpanName    = "items.http.request"
	itemsEventName   = "items.request"
	itemsEventDomain = "workstream.items"

	metricsContextKey = "items.request.metrics"
)

type itemRequestMetrics struct {
	logger          *log.Logger
	span            trace.Span
	start           time.Time
	method          string
	route           string
	serviceDuration time.Duration
	itemsReturned   int
	idempotent      bool
	errorStage      string
	err             error
}

// newItemRequestMetrics starts the request span. The returned context carries
// it and should replace the request context.
func newItemRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*itemRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(itemsTracerName).Start(ctx, itemsSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
	return &itemRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		method: method,
		route:  route,
	}, spanCtx
}

// RequestMetrics opens a span per request and emits one observability event
// when the handler returns.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			metrics, spanCtx := newItemRequestMetrics(req.Context(), logger, req.Method, route)
			c.SetRequest(req.WithContext(spanCtx))
			c.Set(metricsContextKey, metrics)

			if err := next(c); err != nil {
				metrics.Fail("handler", err)
				c.Error(err)
			}
			metrics.Log(c.Response().Status, metrics.err)
			return nil
		}
	}
}

func metricsFrom(c echo.Context) *itemRequestMetrics {
	m, _ := c.Get(metricsContextKey).(*itemRequestMetrics)
	return m
}

func (m *itemRequestMetrics) ObserveService(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.serviceDuration += duration
}

func (m *itemRequestMetrics) SetItemsReturned(count int) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.itemsReturned = count
}

func (m *itemRequestMetrics) SetIdempotent(v bool) {
	if m == nil {
		return
	}
	m.idempotent = v
}

func (m *itemRequestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.errorStage = stage
}

// Fail records the first failure of the request.
func (m *itemRequestMetrics) Fail(stage string, err error) {
	if m == nil || m.err != nil {
		return
	}
	m.SetErrorStage(stage)
	m.err = err
}

func (m *itemRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("http.method", m.method),
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("workstream.items.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Int("workstream.items.items_returned", m.itemsReturned),
		attribute.Bool("workstream.items.idempotent", m.idempotent),
	}
	if m.serviceDuration > 0 {
		attrs = append(attrs, attribute.Float64("workstream.items.service_ms", durationToMillis(m.serviceDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("workstream.items.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	severityText, severityNumber := severityForStatus(status, err)
	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", itemsEventName),
		attribute.String("event.domain", itemsEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
		if severityText == "ERROR" {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
				m.span.RecordError(err)
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
	}

	if m.logger != nil {
		attrMap := make(map[string]any, len(attrs))
		for _, kv := range attrs {
			attrMap[string(kv.Key)] = kv.Value.AsInterface()
		}
		fields := log.Fields{
			"event.name":      itemsEventName,
			"event.domain":    itemsEventDomain,
			"severity_text":   severityText,
			"severity_number": severityNumber,
			"attributes":      attrMap,
		}
		if m.span != nil {
			if sc := m.span.SpanContext(); sc.IsValid() {
				fields["trace_id"] = sc.TraceID().String()
				fields["span_id"] = sc.SpanID().String()
			}
		}
		entry := m.logger.WithFields(fields)
		switch severityText {
		case "ERROR":
			entry.Error("observability.event")
		case "WARN":
			entry.Warn("observability.event")
		default:
			entry.Info("observability.event")
		}
	}

	if m.span != nil {
		m.span.End()
	}
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil && status < http.StatusBadRequest, status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
