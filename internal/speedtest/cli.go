package speedtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/martinbrose/cloudflare-speedtest-exporter/pkg/logx"
)

// DefaultCommand is the external speed-test CLI this exporter shells out to.
const DefaultCommand = "cfspeedtest"

// DefaultTimeout bounds a single CLI invocation.
const DefaultTimeout = 90 * time.Second

// execFunc is the seam between the runner and the OS. Tests replace it to
// simulate CLI outcomes without spawning processes.
type execFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// LookupCommand resolves the CLI binary on PATH. The exporter fails fast at
// startup when it is absent instead of serving a guaranteed-broken endpoint.
func LookupCommand(command string) (string, error) {
	if command == "" {
		command = DefaultCommand
	}
	return exec.LookPath(command)
}

type CLIConfig struct {
	Command string
	Timeout time.Duration
}

// CLIRunner invokes the external CLI with a JSON-output flag and maps its
// report into a Result. Run never returns an error: process failure, timeout,
// malformed output, a tool-reported error and schema drift all resolve to
// NullResult.
type CLIRunner struct {
	command string
	log     logx.Logger
	execute execFunc

	mu      sync.Mutex
	timeout time.Duration

	// errLimit keeps a persistently failing CLI scraped every few seconds
	// from flooding the log. The first failure in a window still logs at
	// error level; the rest drop to debug.
	errLimit *rate.Limiter
}

func NewCLIRunner(cfg CLIConfig, log logx.Logger) *CLIRunner {
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &CLIRunner{
		command:  cfg.Command,
		log:      log,
		execute:  runCommand,
		timeout:  cfg.Timeout,
		errLimit: rate.NewLimiter(rate.Every(time.Minute), 4),
	}
}

// SetTimeout adjusts the per-invocation timeout (config hot reload).
func (r *CLIRunner) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

func (r *CLIRunner) currentTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}

// Run executes exactly one CLI invocation. Retrying is the scrape client's
// job, not the exporter's.
func (r *CLIRunner) Run(ctx context.Context) Result {
	timeout := r.currentTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := r.execute(runCtx, r.command, "--json")
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			r.logFailure("speedtest CLI timed out and was stopped", logx.Duration("timeout", timeout))
		} else {
			r.logFailure("speedtest CLI failed", logx.Err(err))
		}
		return NullResult
	}

	return r.parseReport(bytes.TrimSpace(out))
}

// cliReport is the narrow typed extraction between "raw parsed JSON" and a
// Result. The CLI wraps every value in an object ({"value": ...}); the odd
// key casing (Jitter_ms) is part of its output format.
type cliReport struct {
	City     cliString `json:"test_location_city"`
	Region   cliString `json:"test_location_region"`
	Latency  cliNumber `json:"latency_ms"`
	Jitter   cliNumber `json:"Jitter_ms"`
	Download cliNumber `json:"90th_percentile_download_speed"`
	Upload   cliNumber `json:"90th_percentile_upload_speed"`
}

type cliString struct {
	Value string `json:"value"`
}

type cliNumber struct {
	Value float64 `json:"value"`
}

func (r *CLIRunner) parseReport(out []byte) Result {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(out, &raw); err != nil {
		r.logFailure("speedtest CLI did not produce valid JSON",
			logx.Err(err),
			logx.String("output", truncate(string(out), 2048)),
		)
		return NullResult
	}

	if msg, ok := raw["error"]; ok {
		r.logFailure("speedtest CLI reported an error", logx.String("error", decodeErrorField(msg)))
		return NullResult
	}

	// No version marker: schema drift, not an outage. Investigated out of
	// band rather than alarmed on every scrape.
	if _, ok := raw["version"]; !ok {
		return NullResult
	}

	var rep cliReport
	if err := json.Unmarshal(out, &rep); err != nil {
		r.logFailure("speedtest CLI output has unexpected field types", logx.Err(err))
		return NullResult
	}

	return Result{
		ServerCity:   rep.City.Value,
		ServerRegion: rep.Region.Value,
		PingMs:       rep.Latency.Value,
		JitterMs:     rep.Jitter.Value,
		DownloadMbps: rep.Download.Value,
		DownloadBps:  MegabitsToBits(rep.Download.Value),
		UploadMbps:   rep.Upload.Value,
		UploadBps:    MegabitsToBits(rep.Upload.Value),
		Status:       1,
	}
}

func (r *CLIRunner) logFailure(msg string, fields ...logx.Field) {
	if r.errLimit != nil && !r.errLimit.Allow() {
		r.log.Debug(msg, fields...)
		return
	}
	r.log.Error(msg, fields...)
}

func decodeErrorField(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
