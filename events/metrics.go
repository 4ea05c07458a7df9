package events

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "ootd-notify/events"
	consumeSpanName    = "notify.consume"
	consumeEventName   = "notification_event_consumed"
	consumeEventDomain = "ootd.notify"
)

// consumeMetrics records one consumed broker message as an OpenTelemetry
// span plus a structured observability log entry carrying the trace id.
type consumeMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	decodeDuration time.Duration
	fanoutDuration time.Duration
	eventType      string
	receivers      int
	delivered      int
	broadcast      bool
	errorStage     string
}

func newConsumeMetrics(ctx context.Context, logger *log.Logger) (*consumeMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, consumeSpanName)
	return &consumeMetrics{logger: logger, span: span, start: time.Now()}, spanCtx
}

func (m *consumeMetrics) ObserveDecode(d time.Duration) {
	if d > 0 {
		m.decodeDuration = d
	}
}

func (m *consumeMetrics) ObserveFanout(d time.Duration) {
	if d > 0 {
		m.fanoutDuration = d
	}
}

func (m *consumeMetrics) SetEventType(t string) {
	m.eventType = t
}

func (m *consumeMetrics) SetReceivers(count int, broadcast bool) {
	if count < 0 {
		count = 0
	}
	m.receivers = count
	m.broadcast = broadcast
}

func (m *consumeMetrics) SetDelivered(count int) {
	if count < 0 {
		count = 0
	}
	m.delivered = count
}

func (m *consumeMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log closes the span and emits the observability.event record.
func (m *consumeMetrics) Log(err error) {
	if m == nil || m.span == nil {
		return
	}
	defer m.span.End()

	totalMs := durationToMillis(time.Since(m.start))
	attrs := []attribute.KeyValue{
		attribute.String("messaging.operation", "process"),
		attribute.String("ootd.event.type", m.eventType),
		attribute.Int("ootd.fanout.receivers", m.receivers),
		attribute.Int("ootd.fanout.delivered", m.delivered),
		attribute.Bool("ootd.fanout.broadcast", m.broadcast),
		attribute.Float64("ootd.consume.total_ms", totalMs),
	}
	if m.decodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("ootd.consume.decode_ms", durationToMillis(m.decodeDuration)))
	}
	if m.fanoutDuration > 0 {
		attrs = append(attrs, attribute.Float64("ootd.consume.fanout_ms", durationToMillis(m.fanoutDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("ootd.consume.error_stage", m.errorStage))
	}
	m.span.SetAttributes(attrs...)
	m.span.AddEvent("observability.event", trace.WithAttributes(attrs...))
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}

	if m.logger == nil {
		return
	}
	attributes := map[string]any{
		"ootd.event.type":        m.eventType,
		"ootd.fanout.receivers":  m.receivers,
		"ootd.fanout.delivered":  m.delivered,
		"ootd.fanout.broadcast":  m.broadcast,
		"ootd.consume.total_ms":  totalMs,
		"ootd.consume.decode_ms": durationToMillis(m.decodeDuration),
		"ootd.consume.fanout_ms": durationToMillis(m.fanoutDuration),
	}
	if m.errorStage != "" {
		attributes["ootd.consume.error_stage"] = m.errorStage
	}
	fields := log.Fields{
		"event.name":      consumeEventName,
		"event.domain":    consumeEventDomain,
		"attributes":      attributes,
		"severity_text":   "INFO",
		"severity_number": 9,
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	if err != nil {
		fields["severity_text"] = "ERROR"
		fields["severity_number"] = 17
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Error("observability.event")
		return
	}
	m.logger.WithFields(fields).Info("observability.event")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
