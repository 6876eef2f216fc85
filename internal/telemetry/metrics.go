package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "schoolhub"

// Metrics holds the instruments recorded by the presence, messaging and provisioning paths.
// A nil *Metrics records nothing.
type Metrics struct {
	presenceTransitions metric.Int64Counter
	activeConnections   metric.Int64UpDownCounter
	heartbeats          metric.Int64Counter
	staleEvictions      metric.Int64Counter
	messagesSent        metric.Int64Counter
	dedupHits           metric.Int64Counter
	readReceipts        metric.Int64Counter
	watcherRestarts     metric.Int64Counter
	profilesCreated     metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates the instruments on meter
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{}
	m.presenceTransitions, _ = meter.Int64Counter("presence_transitions_total",
		metric.WithDescription("Online and offline presence transitions"))
	m.activeConnections, _ = meter.Int64UpDownCounter("presence_active_connections",
		metric.WithDescription("Authenticated connections currently registered"))
	m.heartbeats, _ = meter.Int64Counter("presence_heartbeats_total",
		metric.WithDescription("Liveness signals received"))
	m.staleEvictions, _ = meter.Int64Counter("presence_stale_evictions_total",
		metric.WithDescription("Connections evicted for missing heartbeats"))
	m.messagesSent, _ = meter.Int64Counter("messages_sent_total",
		metric.WithDescription("Messages accepted by the router"))
	m.dedupHits, _ = meter.Int64Counter("messages_dedup_hits_total",
		metric.WithDescription("Sends answered with an existing message inside the dedup window"))
	m.readReceipts, _ = meter.Int64Counter("messages_read_receipts_total",
		metric.WithDescription("Messages marked as read"))
	m.watcherRestarts, _ = meter.Int64Counter("provisioning_watcher_restarts_total",
		metric.WithDescription("Change feed subscription restarts"))
	m.profilesCreated, _ = meter.Int64Counter("provisioning_profiles_created_total",
		metric.WithDescription("Role profiles created"))
	return m
}

func (m *Metrics) PresenceTransition(ctx context.Context, online bool) {
	if m == nil {
		return
	}
	m.presenceTransitions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("online", online)))
}

func (m *Metrics) ConnectionAdded(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeConnections.Add(ctx, 1)
}

func (m *Metrics) ConnectionRemoved(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeConnections.Add(ctx, -1)
}

func (m *Metrics) Heartbeat(ctx context.Context) {
	if m == nil {
		return
	}
	m.heartbeats.Add(ctx, 1)
}

func (m *Metrics) StaleEviction(ctx context.Context) {
	if m == nil {
		return
	}
	m.staleEvictions.Add(ctx, 1)
}

func (m *Metrics) MessageSent(ctx context.Context, msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

func (m *Metrics) DedupHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.dedupHits.Add(ctx, 1)
}

func (m *Metrics) ReadReceipt(ctx context.Context) {
	if m == nil {
		return
	}
	m.readReceipts.Add(ctx, 1)
}

func (m *Metrics) WatcherRestart(ctx context.Context) {
	if m == nil {
		return
	}
	m.watcherRestarts.Add(ctx, 1)
}

func (m *Metrics) ProfileCreated(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.profilesCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
