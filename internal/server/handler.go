package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/martinbrose/cloudflare-speedtest-exporter/internal/metrics"
	"github.com/martinbrose/cloudflare-speedtest-exporter/internal/speedtest"
	"github.com/martinbrose/cloudflare-speedtest-exporter/pkg/logx"
)

const welcomePage = "<h1>Welcome to Cloudflare-Speedtest-Exporter.</h1>" +
	"Click <a href='/metrics'>here</a> to see metrics."

// Handler serves the exporter's two routes.
type Handler struct {
	log      logx.Logger
	registry *metrics.Registry
	runner   speedtest.Measurer
	render   http.Handler

	// sf collapses concurrent cache-miss scrapes into a single external
	// measurement.
	sf singleflight.Group
}

func NewHandler(registry *metrics.Registry, runner speedtest.Measurer, log logx.Logger) *Handler {
	return &Handler{
		log:      log,
		registry: registry,
		runner:   runner,
		render:   promhttp.HandlerFor(registry.Gatherer(), promhttp.HandlerOpts{}),
	}
}

// Routes builds the exporter router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", h.handleWelcome)
	r.Get("/metrics", h.handleMetrics)
	return r
}

func (h *Handler) handleWelcome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(welcomePage))
}

// handleMetrics is the cache-gated refresh: a scrape inside the cache window
// renders the current gauges; an expired cache triggers a synchronous
// measurement first. The response is always 200 with a text exposition body,
// also during failure periods (speedtest_up 0) — scrapers alert on the
// in-body signal, never on HTTP status.
func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.registry.Expired() {
		// The measurement deliberately ignores the request context: an
		// abandoned scrape client must not interrupt an in-flight external
		// process. The runner applies its own timeout.
		_, _, _ = h.sf.Do("measure", func() (any, error) {
			result := h.runner.Run(context.Background())
			h.registry.Update(result)
			h.logResult(result)
			return nil, nil
		})
	}

	h.render.ServeHTTP(w, r)
}

func (h *Handler) logResult(result speedtest.Result) {
	if result.Status != 1 {
		// Failure diagnostics were already logged by the runner.
		return
	}
	h.log.Info("speedtest completed",
		logx.String("server_city", result.ServerCity),
		logx.String("server_region", result.ServerRegion),
		logx.Float64("jitter_ms", result.JitterMs),
		logx.Float64("ping_ms", result.PingMs),
		logx.Float64("download_mbps", result.DownloadMbps),
		logx.Float64("upload_mbps", result.UploadMbps),
	)
}
