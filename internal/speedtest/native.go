package speedtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"github.com/martinbrose/cloudflare-speedtest-exporter/pkg/logx"
)

// NativeConfig controls the embedded (no external CLI) measurement backend.
type NativeConfig struct {
	Timeout time.Duration
	// ServerCount candidate servers are taken by distance, then pinged;
	// the lowest-latency one runs the full download/upload test.
	ServerCount int
	// PingConcurrency caps concurrent latency probes.
	PingConcurrency int
	MaxConnections  int
}

// NativeRunner measures with speedtest-go instead of shelling out. It keeps
// the same contract as CLIRunner: Run never fails, it returns NullResult.
type NativeRunner struct {
	log logx.Logger

	mu  sync.Mutex
	cfg NativeConfig
}

func NewNativeRunner(cfg NativeConfig, log logx.Logger) *NativeRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ServerCount <= 0 {
		cfg.ServerCount = 5
	}
	if cfg.PingConcurrency <= 0 {
		cfg.PingConcurrency = 4
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	return &NativeRunner{log: log, cfg: cfg}
}

// SetTimeout adjusts the per-measurement timeout (config hot reload).
func (r *NativeRunner) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	r.mu.Lock()
	r.cfg.Timeout = d
	r.mu.Unlock()
}

func (r *NativeRunner) config() NativeConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

func (r *NativeRunner) Run(ctx context.Context) Result {
	cfg := r.config()
	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	res, err := r.measure(runCtx, cfg)
	if err != nil {
		r.log.Error("native speedtest failed", logx.Err(err))
		return NullResult
	}
	return res
}

func (r *NativeRunner) measure(ctx context.Context, cfg NativeConfig) (Result, error) {
	// Don't use the package-level speedtest.Fetch* helpers; speedtest-go
	// keeps a package-level default client that can retain large snapshots
	// across runs.
	stc := st.New(st.WithUserConfig(&st.UserConfig{MaxConnections: cfg.MaxConnections}))
	stc.SetNThread(cfg.MaxConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return NullResult, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return NullResult, fmt.Errorf("no servers available")
	}

	// Cheap filter first: distance.
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	candidateN := cfg.ServerCount
	if candidateN > len(servers) {
		candidateN = len(servers)
	}

	pinged := pingCandidates(ctx, servers[:candidateN], cfg.PingConcurrency)
	if len(pinged) == 0 {
		return NullResult, fmt.Errorf("all latency tests failed")
	}

	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })
	chosen := pinged[0]

	if err := chosen.DownloadTestContext(ctx); err != nil {
		return NullResult, fmt.Errorf("download test: %w", err)
	}
	downMbps := chosen.DLSpeed.Mbps()

	if err := chosen.UploadTestContext(ctx); err != nil {
		return NullResult, fmt.Errorf("upload test: %w", err)
	}
	upMbps := chosen.ULSpeed.Mbps()

	pingMs := float64(chosen.Latency.Milliseconds())

	// Prefer measured jitter; fall back to a rough estimate.
	jitterMs := float64(chosen.Jitter.Milliseconds())
	if jitterMs <= 0 {
		jitterMs = math.Max(0.1, pingMs*0.1)
	}

	return Result{
		ServerCity:   chosen.Name,
		ServerRegion: chosen.Country,
		PingMs:       pingMs,
		JitterMs:     jitterMs,
		DownloadMbps: downMbps,
		DownloadBps:  MegabitsToBits(downMbps),
		UploadMbps:   upMbps,
		UploadBps:    MegabitsToBits(upMbps),
		Status:       1,
	}, nil
}

func pingCandidates(ctx context.Context, servers []*st.Server, maxConcurrent int) []*st.Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	sem := make(chan struct{}, maxConcurrent)
	out := make(chan *st.Server, len(servers))
	var wg sync.WaitGroup

	for _, s := range servers {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()

			// PingTestContext sets s.Latency / s.Jitter.
			if err := s.PingTestContext(ctx, nil); err != nil {
				return
			}
			out <- s
		}()
	}

	wg.Wait()
	close(out)

	pinged := make([]*st.Server, 0, len(servers))
	for s := range out {
		if s == nil || s.Latency <= 0 {
			continue
		}
		pinged = append(pinged, s)
	}
	return pinged
}
