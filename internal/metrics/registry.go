// Package metrics owns the exporter's gauge state and the measurement cache
// window. It is the single piece of shared mutable state in the process,
// kept behind a narrow Expired/Update interface.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/martinbrose/cloudflare-speedtest-exporter/internal/speedtest"
)

// Metric names are a compatibility surface; scrapers and dashboards depend
// on them verbatim.
const (
	serverInfoName = "speedtest_server"
	pingName       = "speedtest_ping_latency_milliseconds"
	jitterName     = "speedtest_jitter_latency_milliseconds"
	downloadName   = "speedtest_download_bits_per_second"
	uploadName     = "speedtest_upload_bits_per_second"
	upName         = "speedtest_up"
)

// Registry wraps one gauge per Result field plus the cache timestamp.
type Registry struct {
	mu         sync.Mutex
	cacheFor   time.Duration
	validUntil time.Time
	now        func() time.Time

	prom     *prometheus.Registry
	server   *prometheus.GaugeVec
	ping     prometheus.Gauge
	jitter   prometheus.Gauge
	download prometheus.Gauge
	upload   prometheus.Gauge
	up       prometheus.Gauge
}

func NewRegistry(cacheFor time.Duration) *Registry {
	r := &Registry{
		cacheFor: cacheFor,
		now:      time.Now,
		prom:     prometheus.NewRegistry(),
		server: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: serverInfoName,
			Help: "Server used for the speedtest",
		}, []string{"server_location_city", "server_location_region"}),
		ping: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: pingName,
			Help: "Speedtest ping in ms",
		}),
		jitter: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: jitterName,
			Help: "Speedtest jitter in ms",
		}),
		download: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: downloadName,
			Help: "Measured download speed in bit/s",
		}),
		upload: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: uploadName,
			Help: "Measured upload speed in bit/s",
		}),
		up: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: upName,
			Help: "Speedtest status (via scrape)",
		}),
	}

	r.prom.MustRegister(r.server, r.ping, r.jitter, r.download, r.upload, r.up)
	return r
}

// Gatherer exposes the registry for text-format rendering.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.prom }

// Expired reports whether the cache window has passed. A cache duration of
// zero (or less) means "always re-measure"; a fresh Registry is always
// expired.
func (r *Registry) Expired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cacheFor <= 0 {
		return true
	}
	return r.now().After(r.validUntil)
}

// Update copies the result into gauge state and refreshes the cache window.
//
// This runs unconditionally, also for NullResult: a failed measurement must
// be visible as speedtest_up 0, and refreshing the window even on failure
// bounds the external invocation rate when the upstream is struggling.
func (r *Registry) Update(result speedtest.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.server.Reset()
	r.server.WithLabelValues(result.ServerCity, result.ServerRegion).Set(1)
	r.ping.Set(result.PingMs)
	r.jitter.Set(result.JitterMs)
	r.download.Set(float64(result.DownloadBps))
	r.upload.Set(float64(result.UploadBps))
	r.up.Set(float64(result.Status))

	// validUntil only ever moves forward.
	if next := r.now().Add(r.cacheFor); next.After(r.validUntil) {
		r.validUntil = next
	}
}

// SetCacheFor adjusts the cache window (config hot reload). The current
// validUntil stamp is left alone; the new duration applies from the next
// Update.
func (r *Registry) SetCacheFor(d time.Duration) {
	r.mu.Lock()
	r.cacheFor = d
	r.mu.Unlock()
}
