package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "m1n1ctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served by the status API.",
		},
		[]string{"app", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "m1n1ctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app", "method", "path", "status"},
	)
	proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "m1n1ctl",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Proxy commands issued to the target.",
		},
		[]string{"op", "result"},
	)
	proxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "m1n1ctl",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Proxy command round trip in seconds.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 3},
		},
		[]string{"op"},
	)
	linkBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "m1n1ctl",
			Subsystem: "link",
			Name:      "bytes_total",
			Help:      "Bytes moved over the target link.",
		},
		[]string{"direction"},
	)
	linkTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "m1n1ctl",
			Subsystem: "link",
			Name:      "timeouts_total",
			Help:      "Reads that expired before the target answered.",
		},
		[]string{"stage"},
	)
	bootFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "m1n1ctl",
			Subsystem: "link",
			Name:      "boot_frames_total",
			Help:      "BOOT frames received, by reason.",
		},
		[]string{"reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, proxyRequests, proxyDuration, linkBytes, linkTimeouts, bootFrames)
	})
}

func RecordHTTPRequest(app, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(app, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(app, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordProxyRequest counts one proxy command. result is "ok", "timeout",
// "unsupported" or "error".
func RecordProxyRequest(op, result string, duration time.Duration) {
	RegisterMetrics()
	proxyRequests.WithLabelValues(op, result).Inc()
	proxyDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordLinkBytes(direction string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	linkBytes.WithLabelValues(direction).Add(float64(n))
}

func RecordLinkTimeout(stage string) {
	RegisterMetrics()
	linkTimeouts.WithLabelValues(stage).Inc()
}

func RecordBootFrame(reason string) {
	RegisterMetrics()
	bootFrames.WithLabelValues(reason).Inc()
}
