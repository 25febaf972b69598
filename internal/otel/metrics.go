package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all bridge metrics instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	HandshakeDuration  metric.Float64Histogram
	EventsAppended     metric.Int64Counter
	FramesReceived     metric.Int64Counter
	FramesDropped      metric.Int64Counter
	PermissionsOpened  metric.Int64Counter
	PermissionsPending metric.Int64UpDownCounter
	ActiveSessions     metric.Int64UpDownCounter
	NotifyFanout       metric.Int64Counter
}

// NopMetrics returns instruments that record nothing, for tests and for
// callers constructed before telemetry is initialized.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("haven.rpc.duration",
		metric.WithDescription("WebSocket RPC request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HandshakeDuration, err = meter.Float64Histogram("haven.handshake.duration",
		metric.WithDescription("Agent handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsAppended, err = meter.Int64Counter("haven.events.appended",
		metric.WithDescription("Events appended to session logs"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesReceived, err = meter.Int64Counter("haven.agent.frames",
		metric.WithDescription("JSON frames received from agent subprocesses"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesDropped, err = meter.Int64Counter("haven.agent.frames_dropped",
		metric.WithDescription("Unparseable lines dropped from agent output"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionsOpened, err = meter.Int64Counter("haven.permissions.opened",
		metric.WithDescription("Permission requests received from agents"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionsPending, err = meter.Int64UpDownCounter("haven.permissions.pending",
		metric.WithDescription("Permission requests currently awaiting a client reply"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("haven.sessions.active",
		metric.WithDescription("Sessions with a live agent subprocess"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyFanout, err = meter.Int64Counter("haven.notify.fanout",
		metric.WithDescription("Notifications pushed to subscribed clients"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
