package feed

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/spreadfeed/internal/codec"
	"github.com/coachpo/spreadfeed/internal/telemetry"
)

type clientMetrics struct {
	environment string
	endpoint    string

	messagesReceived metric.Int64Counter
	messageBytes     metric.Int64Histogram
	frames           metric.Int64Counter
	decodeFailures   metric.Int64Counter
	reconnects       metric.Int64Counter
	sessionCloses    metric.Int64Counter
	transitions      metric.Int64Counter
	subscribers      metric.Int64UpDownCounter
	fanoutSize       metric.Int64Histogram
	deliveryLatency  metric.Float64Histogram
}

func newClientMetrics(endpoint string) *clientMetrics {
	meter := otel.Meter("feed.client")
	env := telemetry.Environment()

	cm := &clientMetrics{
		environment:      env,
		endpoint:         endpoint,
		messagesReceived: nil,
		messageBytes:     nil,
		frames:           nil,
		decodeFailures:   nil,
		reconnects:       nil,
		sessionCloses:    nil,
		transitions:      nil,
		subscribers:      nil,
		fanoutSize:       nil,
		deliveryLatency:  nil,
	}

	cm.messagesReceived, _ = meter.Int64Counter("spreadfeed_ws_messages",
		metric.WithDescription("Frames received from the spread feed"),
		metric.WithUnit("{message}"))

	cm.messageBytes, _ = meter.Int64Histogram("spreadfeed_ws_message_bytes",
		metric.WithDescription("Size of spread feed frames"),
		metric.WithUnit("By"))

	cm.frames, _ = meter.Int64Counter("spreadfeed_frame_items",
		metric.WithDescription("Frame items classified by the codec"),
		metric.WithUnit("{item}"))

	cm.decodeFailures, _ = meter.Int64Counter("spreadfeed_decode_failures",
		metric.WithDescription("Payloads rejected as unparseable JSON"),
		metric.WithUnit("{payload}"))

	cm.reconnects, _ = meter.Int64Counter("spreadfeed_ws_reconnects",
		metric.WithDescription("Reconnect attempts against the spread feed"),
		metric.WithUnit("{reconnect}"))

	cm.sessionCloses, _ = meter.Int64Counter("spreadfeed_ws_session_closes",
		metric.WithDescription("Feed sessions ended, labelled by close code"),
		metric.WithUnit("{close}"))

	cm.transitions, _ = meter.Int64Counter("spreadfeed_status_transitions",
		metric.WithDescription("Connection state transitions"),
		metric.WithUnit("{transition}"))

	cm.subscribers, _ = meter.Int64UpDownCounter("spreadfeed_subscribers",
		metric.WithDescription("Active data subscribers"),
		metric.WithUnit("{subscriber}"))

	cm.fanoutSize, _ = meter.Int64Histogram("spreadfeed_fanout_size",
		metric.WithDescription("Subscribers reached per delivered dataset"),
		metric.WithUnit("1"))

	cm.deliveryLatency, _ = meter.Float64Histogram("spreadfeed_delivery_duration",
		metric.WithDescription("Subscriber fan-out delivery duration"),
		metric.WithUnit("ms"))

	return cm
}

func (cm *clientMetrics) baseAttrs() []attribute.KeyValue {
	if cm == nil {
		return nil
	}
	return []attribute.KeyValue{
		telemetry.AttrEnvironment.String(cm.environment),
		telemetry.AttrEndpoint.String(cm.endpoint),
	}
}

func (cm *clientMetrics) recordMessage(ctx context.Context, bytes int) {
	if cm == nil || cm.messagesReceived == nil || cm.messageBytes == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := cm.baseAttrs()
	cm.messagesReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytes > 0 {
		cm.messageBytes.Record(ctx, int64(bytes), metric.WithAttributes(attrs...))
	}
}

func (cm *clientMetrics) recordFrameStats(ctx context.Context, stats codec.Stats) {
	if cm == nil || cm.frames == nil {
		return
	}
	ctx = ensureContext(ctx)
	record := func(class string, count int) {
		if count == 0 {
			return
		}
		attrs := append(cm.baseAttrs(), telemetry.AttrFrameClass.String(class))
		cm.frames.Add(ctx, int64(count), metric.WithAttributes(attrs...))
	}
	record(telemetry.FrameClassRow, stats.Rows)
	record(telemetry.FrameClassControl, stats.Control)
	record(telemetry.FrameClassInvalid, stats.Invalid)
}

func (cm *clientMetrics) recordDecodeFailure(ctx context.Context) {
	if cm == nil || cm.decodeFailures == nil {
		return
	}
	cm.decodeFailures.Add(ensureContext(ctx), 1, metric.WithAttributes(cm.baseAttrs()...))
}

func (cm *clientMetrics) recordReconnect(ctx context.Context, result string, attempt int) {
	if cm == nil || cm.reconnects == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := cm.baseAttrs()
	if result != "" {
		attrs = append(attrs, telemetry.AttrResult.String(result))
	}
	if attempt > 0 {
		attrs = append(attrs, attribute.Int("attempt", attempt))
	}
	cm.reconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (cm *clientMetrics) recordSessionClose(ctx context.Context, evt CloseEvent) {
	if cm == nil || cm.sessionCloses == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := append(cm.baseAttrs(),
		telemetry.AttrCloseCode.String(strconv.Itoa(evt.Code)),
		attribute.Bool("was_clean", evt.WasClean),
	)
	cm.sessionCloses.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (cm *clientMetrics) recordTransition(ctx context.Context, from, to Status) {
	if cm == nil || cm.transitions == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := append(cm.baseAttrs(),
		telemetry.AttrConnectionState.String(string(to)),
		attribute.String("from", string(from)),
	)
	cm.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (cm *clientMetrics) adjustSubscribers(ctx context.Context, delta int) {
	if cm == nil || cm.subscribers == nil || delta == 0 {
		return
	}
	cm.subscribers.Add(ensureContext(ctx), int64(delta), metric.WithAttributes(cm.baseAttrs()...))
}

func (cm *clientMetrics) recordDelivery(ctx context.Context, subscribers int, elapsed time.Duration) {
	if cm == nil || cm.fanoutSize == nil || cm.deliveryLatency == nil {
		return
	}
	ctx = ensureContext(ctx)
	if elapsed < 0 {
		elapsed = 0
	}
	attrs := cm.baseAttrs()
	cm.fanoutSize.Record(ctx, int64(subscribers), metric.WithAttributes(attrs...))
	cm.deliveryLatency.Record(ctx, float64(elapsed.Microseconds())/1000.0, metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
