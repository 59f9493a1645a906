// Registers:
//
//	#AccountFlow_session_created_total
//	#AccountFlow_session_reused_total
//	#AccountFlow_session_evicted_total
//	#AccountFlow_stream_frames_total
//	#AccountFlow_stream_reconnects_total
//	#AccountFlow_stream_parse_errors_total
//	#AccountFlow_rate_limit_throttled_total
//	#AccountFlow_pool_active / #AccountFlow_pool_idle
//	#AccountFlow_sessions_streaming / #AccountFlow_sessions_reconnecting
//	#go_* and process_* system metrics
//
// Exposes them on the configured listen address using the Prometheus
// HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	sessionCreated *prometheus.CounterVec
	sessionReused  *prometheus.CounterVec
	sessionEvicted *prometheus.CounterVec

	streamFrames      *prometheus.CounterVec
	streamReconnects  *prometheus.CounterVec
	streamParseErrors *prometheus.CounterVec

	rateLimitThrottled *prometheus.CounterVec

	poolActive           *prometheus.GaugeVec
	poolIdle             *prometheus.GaugeVec
	sessionsStreaming    prometheus.Gauge
	sessionsReconnecting prometheus.Gauge
)

func Init(listen string) {
	once.Do(func() {
		sessionCreated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "AccountFlow_session_created_total",
				Help: "Number of REST sessions created",
			},
			[]string{"exchange"},
		)
		sessionReused = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "AccountFlow_session_reused_total",
				Help: "Number of pool hits serving an existing session",
			},
			[]string{"exchange"},
		)
		sessionEvicted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "AccountFlow_session_evicted_total",
				Help: "Number of sessions evicted from the pool",
			},
			[]string{"exchange"},
		)
		streamFrames = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "AccountFlow_stream_frames_total",
				Help: "Number of push frames received",
			},
			[]string{"exchange", "kind"},
		)
		streamReconnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "AccountFlow_stream_reconnects_total",
				Help: "Number of websocket reconnect attempts",
			},
			[]string{"exchange"},
		)
		streamParseErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "AccountFlow_stream_parse_errors_total",
				Help: "Number of push frames dropped as unparseable",
			},
			[]string{"exchange"},
		)
		rateLimitThrottled = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "AccountFlow_rate_limit_throttled_total",
				Help: "Number of calls rejected by the per-exchange rate limit",
			},
			[]string{"exchange"},
		)
		poolActive = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "AccountFlow_pool_active",
				Help: "Sessions currently checked out of the pool",
			},
			[]string{"exchange"},
		)
		poolIdle = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "AccountFlow_pool_idle",
				Help: "Sessions currently parked in the pool",
			},
			[]string{"exchange"},
		)
		sessionsStreaming = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "AccountFlow_sessions_streaming",
			Help: "Websocket sessions in the streaming state",
		})
		sessionsReconnecting = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "AccountFlow_sessions_reconnecting",
			Help: "Websocket sessions currently reconnecting",
		})

		_ = prometheus.Register(sessionCreated)
		_ = prometheus.Register(sessionReused)
		_ = prometheus.Register(sessionEvicted)
		_ = prometheus.Register(streamFrames)
		_ = prometheus.Register(streamReconnects)
		_ = prometheus.Register(streamParseErrors)
		_ = prometheus.Register(rateLimitThrottled)
		_ = prometheus.Register(poolActive)
		_ = prometheus.Register(poolIdle)
		_ = prometheus.Register(sessionsStreaming)
		_ = prometheus.Register(sessionsReconnecting)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if listen == "" {
			listen = "0.0.0.0:2112"
		}
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(listen, nil); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementSessionCreated increases the created counter for an exchange.
func IncrementSessionCreated(exchange string) {
	if sessionCreated != nil {
		sessionCreated.WithLabelValues(exchange).Inc()
	}
}

// IncrementSessionReused increases the reuse counter for an exchange.
func IncrementSessionReused(exchange string) {
	if sessionReused != nil {
		sessionReused.WithLabelValues(exchange).Inc()
	}
}

// IncrementSessionEvicted increases the eviction counter for an exchange.
func IncrementSessionEvicted(exchange string) {
	if sessionEvicted != nil {
		sessionEvicted.WithLabelValues(exchange).Inc()
	}
}

// IncrementStreamFrame counts one received push frame of the given kind.
func IncrementStreamFrame(exchange, kind string) {
	if streamFrames != nil {
		streamFrames.WithLabelValues(exchange, kind).Inc()
	}
}

// IncrementStreamReconnect counts one reconnect attempt.
func IncrementStreamReconnect(exchange string) {
	if streamReconnects != nil {
		streamReconnects.WithLabelValues(exchange).Inc()
	}
}

// IncrementStreamParseError counts one dropped unparseable frame.
func IncrementStreamParseError(exchange string) {
	if streamParseErrors != nil {
		streamParseErrors.WithLabelValues(exchange).Inc()
	}
}

// IncrementRateLimitThrottled counts one call bounced by the limiter.
func IncrementRateLimitThrottled(exchange string) {
	if rateLimitThrottled != nil {
		rateLimitThrottled.WithLabelValues(exchange).Inc()
	}
}

// SetPoolGauges records the current per-exchange pool occupancy.
func SetPoolGauges(exchange string, active, idle int64) {
	if poolActive != nil {
		poolActive.WithLabelValues(exchange).Set(float64(active))
	}
	if poolIdle != nil {
		poolIdle.WithLabelValues(exchange).Set(float64(idle))
	}
}

// SetSessionGauges records the websocket session population.
func SetSessionGauges(streaming, reconnecting int64) {
	if sessionsStreaming != nil {
		sessionsStreaming.Set(float64(streaming))
	}
	if sessionsReconnecting != nil {
		sessionsReconnecting.Set(float64(reconnecting))
	}
}
