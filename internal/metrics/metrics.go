package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"permstate/internal/cache"
	"permstate/internal/models"
	"permstate/internal/permissions"
)

var (
	Registry = prometheus.NewRegistry()

	reqTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	reqInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "In-flight HTTP requests",
		},
	)

	reqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	cacheItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapshot_cache_items",
			Help: "Approximate number of items in the snapshot cache",
		},
	)

	cacheStats = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapshot_cache_stats",
			Help: "Cumulative snapshot cache counters reported by ristretto",
		},
		[]string{"stat"},
	)

	permEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "permstate_cache_entries",
			Help: "Live permission entries",
		},
	)

	permSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "permstate_subscribers",
			Help: "Attached permission subscribers",
		},
	)

	permQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permstate_queries_total",
			Help: "Platform permission queries by result",
		},
		[]string{"result"},
	)

	permChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permstate_state_changes_total",
			Help: "Permission states emitted, by state",
		},
		[]string{"state"},
	)
)

func init() {
	Registry.MustRegister(reqTotal, reqInFlight, reqDuration, cacheItems, cacheStats,
		permEntries, permSubscribers, permQueries, permChanges)
}

// CacheSizer provides ability to get cache size
// Implemented by internal/cache MemoryCache via Size()
type CacheSizer interface{ Size() int }

// CacheStatter is implemented by caches that report hit and eviction counters
type CacheStatter interface{ Metrics() cache.CacheMetrics }

// UpdateCacheItems gauges current cache size, and the cache counters when
// the sizer also reports them
func UpdateCacheItems(c CacheSizer) {
	if c == nil {
		return
	}
	cacheItems.Set(float64(c.Size()))

	if st, ok := c.(CacheStatter); ok {
		m := st.Metrics()
		cacheStats.WithLabelValues("hits").Set(float64(m.Hits))
		cacheStats.WithLabelValues("misses").Set(float64(m.Misses))
		cacheStats.WithLabelValues("keys_added").Set(float64(m.KeysAdded))
		cacheStats.WithLabelValues("keys_evicted").Set(float64(m.KeysEvicted))
		cacheStats.WithLabelValues("cost_added").Set(float64(m.CostAdded))
		cacheStats.WithLabelValues("cost_evicted").Set(float64(m.CostEvicted))
	}
}

// PermissionHooks feeds permission cache lifecycle events into the registry
func PermissionHooks() permissions.Hooks {
	return permissions.Hooks{
		EntryOpened: func(string) { permEntries.Inc() },
		EntryClosed: func(string) { permEntries.Dec() },
		SubscriberAdded: func(string) {
			permSubscribers.Inc()
		},
		SubscriberRemoved: func(_ string, n int) {
			permSubscribers.Sub(float64(n))
		},
		QueryDone: func(_ string, err error) {
			if err != nil {
				permQueries.WithLabelValues("error").Inc()
				return
			}
			permQueries.WithLabelValues("ok").Inc()
		},
		StateChanged: func(_ string, state models.PermissionState) {
			permChanges.WithLabelValues(string(state)).Inc()
		},
	}
}

// Middleware instruments HTTP requests
func Middleware(route string, next http.Handler, sizer CacheSizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqInFlight.Inc()
		defer reqInFlight.Dec()

		rw := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rw, r)

		dur := time.Since(start).Seconds()
		reqDuration.WithLabelValues(r.Method, route).Observe(dur)
		reqTotal.WithLabelValues(r.Method, route, http.StatusText(rw.status)).Inc()

		UpdateCacheItems(sizer)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers behind the middleware push data
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Handler returns a promhttp handler for the Registry
func Handler() http.Handler { return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}) }
