package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the feed engine.
type Metrics struct {
	FramesTotal    prometheus.Counter
	TicksTotal     prometheus.Counter
	DecodeErrors   prometheus.Counter
	DuplicateTicks prometheus.Counter
	StoreErrors    prometheus.Counter
	StoreWriteDur  prometheus.Histogram
	PublishErrors  *prometheus.CounterVec // labels: publisher
	TickLag        prometheus.Histogram   // server timestamp to ingest

	// Connection manager
	FeedReconnects  prometheus.Counter
	FeedState       prometheus.Gauge // feed.Phase value
	FeedExhausted   prometheus.Counter
	SubscribedTotal prometheus.Gauge

	// Segment status as reported by the feed (feedproto.MarketStatus value)
	SegmentStatus *prometheus.GaugeVec // labels: segment

	// Browser push gateway
	GatewayClients   prometheus.Gauge
	FanoutDropsTotal *prometheus.CounterVec // labels: subscriber
	FanoutQueueDepth *prometheus.GaugeVec   // labels: subscriber
	GatewayPushLag   prometheus.Histogram   // payload timestamp to broadcast

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter

	// Market session
	MarketState prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_frames_total",
			Help: "Binary frames received from the broker feed",
		}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_ticks_total",
			Help: "Normalized ticks produced",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_decode_errors_total",
			Help: "Frames that failed to decode",
		}),
		DuplicateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_duplicate_ticks_total",
			Help: "Ticks skipped by storage because their key already existed",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_store_errors_total",
			Help: "Tick batch writes that failed",
		}),
		StoreWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feed_store_write_duration_seconds",
			Help:    "Tick batch write latency",
			Buckets: prometheus.DefBuckets,
		}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_publish_errors_total",
			Help: "Push events that a publisher failed to deliver",
		}, []string{"publisher"}),
		TickLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feed_tick_lag_seconds",
			Help:    "Delay between the feed's server timestamp and ingestion",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),

		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Reconnects scheduled by the connection manager",
		}),
		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_connection_state",
			Help: "Connection state (0=disconnected, 1=authorizing, 2=connected, 3=reconnecting, 4=exhausted)",
		}),
		FeedExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_reconnect_exhausted_total",
			Help: "Times the reconnect budget was spent",
		}),
		SubscribedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_subscribed_instruments",
			Help: "Instruments in the last subscribe request",
		}),

		SegmentStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feed_segment_status",
			Help: "Last reported segment status (0=PRE_OPEN_START .. 5=CLOSING_END)",
		}, []string{"segment"}),

		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_clients",
			Help: "Connected browser push clients",
		}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_fanout_drops_total",
			Help: "Push events dropped because a subscriber was slow",
		}, []string{"subscriber"}),
		FanoutQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_fanout_queue_depth",
			Help: "Push events waiting in a subscriber's fan-out queue",
		}, []string{"subscriber"}),
		GatewayPushLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_push_lag_seconds",
			Help:    "Delay between an event's payload timestamp and its broadcast to clients",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
	}

	reg.MustRegister(
		m.FramesTotal,
		m.TicksTotal,
		m.DecodeErrors,
		m.DuplicateTicks,
		m.StoreErrors,
		m.StoreWriteDur,
		m.PublishErrors,
		m.TickLag,
		m.FeedReconnects,
		m.FeedState,
		m.FeedExhausted,
		m.SubscribedTotal,
		m.SegmentStatus,
		m.GatewayClients,
		m.FanoutDropsTotal,
		m.FanoutQueueDepth,
		m.GatewayPushLag,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.MarketState,
	)

	return m
}
