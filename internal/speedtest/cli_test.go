package speedtest

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/martinbrose/cloudflare-speedtest-exporter/pkg/logx"
)

const validReport = `{
	"version": {"value": "1.8.0"},
	"test_location_city": {"value": "Hamburg"},
	"test_location_region": {"value": "Hamburg"},
	"latency_ms": {"value": 12.4},
	"Jitter_ms": {"value": 1.2},
	"90th_percentile_download_speed": {"value": 487.3},
	"90th_percentile_upload_speed": {"value": 41.9}
}`

func newTestRunner(t *testing.T, out []byte, err error) (*CLIRunner, *bytes.Buffer, *int) {
	t.Helper()
	var buf bytes.Buffer
	r := NewCLIRunner(CLIConfig{Command: "cfspeedtest", Timeout: time.Second}, logx.NewJSON(&buf, "debug"))
	calls := 0
	r.execute = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		if name != "cfspeedtest" {
			t.Errorf("unexpected command %q", name)
		}
		if len(args) != 1 || args[0] != "--json" {
			t.Errorf("unexpected args %v", args)
		}
		return out, err
	}
	return r, &buf, &calls
}

func errorLogCount(buf *bytes.Buffer) int {
	return strings.Count(buf.String(), `"level":"error"`)
}

func TestRunParsesValidReport(t *testing.T) {
	r, buf, calls := newTestRunner(t, []byte(validReport), nil)

	got := r.Run(context.Background())
	if *calls != 1 {
		t.Fatalf("expected 1 invocation, got %d", *calls)
	}
	want := Result{
		ServerCity:   "Hamburg",
		ServerRegion: "Hamburg",
		PingMs:       12.4,
		JitterMs:     1.2,
		DownloadMbps: 487.3,
		DownloadBps:  487_300_000,
		UploadMbps:   41.9,
		UploadBps:    41_900_000,
		Status:       1,
	}
	if got != want {
		t.Fatalf("Run() = %+v, want %+v", got, want)
	}
	if n := errorLogCount(buf); n != 0 {
		t.Fatalf("expected no error logs on success, got %d", n)
	}
}

func TestRunProcessFailure(t *testing.T) {
	r, buf, _ := newTestRunner(t, nil, fmt.Errorf("exit status 1"))

	if got := r.Run(context.Background()); got != NullResult {
		t.Fatalf("expected NullResult, got %+v", got)
	}
	if n := errorLogCount(buf); n != 1 {
		t.Fatalf("expected exactly 1 error log, got %d", n)
	}
}

func TestRunTimeoutDoesNotPropagate(t *testing.T) {
	r, buf, _ := newTestRunner(t, nil, context.DeadlineExceeded)

	if got := r.Run(context.Background()); got != NullResult {
		t.Fatalf("expected NullResult, got %+v", got)
	}
	if !strings.Contains(buf.String(), "timed out") {
		t.Fatalf("expected timeout diagnostic, log was: %s", buf.String())
	}
}

func TestRunMalformedOutput(t *testing.T) {
	r, buf, _ := newTestRunner(t, []byte("plain text, not json"), nil)

	if got := r.Run(context.Background()); got != NullResult {
		t.Fatalf("expected NullResult, got %+v", got)
	}
	if n := errorLogCount(buf); n != 1 {
		t.Fatalf("expected exactly 1 error log, got %d", n)
	}
	// The raw output should be included for debugging.
	if !strings.Contains(buf.String(), "plain text, not json") {
		t.Fatalf("expected raw output in log, got: %s", buf.String())
	}
}

func TestRunToolReportedError(t *testing.T) {
	r, buf, _ := newTestRunner(t, []byte(`{"error": "socket failed"}`), nil)

	if got := r.Run(context.Background()); got != NullResult {
		t.Fatalf("expected NullResult, got %+v", got)
	}
	if n := errorLogCount(buf); n != 1 {
		t.Fatalf("expected exactly 1 error log, got %d", n)
	}
	if !strings.Contains(buf.String(), "socket failed") {
		t.Fatalf("expected tool-reported message in log, got: %s", buf.String())
	}
}

func TestRunUnrecognizedSchemaIsSilent(t *testing.T) {
	r, buf, _ := newTestRunner(t, []byte(`{"something": "else"}`), nil)

	if got := r.Run(context.Background()); got != NullResult {
		t.Fatalf("expected NullResult, got %+v", got)
	}
	// Schema drift is not an outage: no error-level entry.
	if n := errorLogCount(buf); n != 0 {
		t.Fatalf("expected no error logs for schema drift, got %d: %s", n, buf.String())
	}
}

func TestSetTimeout(t *testing.T) {
	r, _, _ := newTestRunner(t, []byte(validReport), nil)
	r.SetTimeout(30 * time.Second)
	if got := r.currentTimeout(); got != 30*time.Second {
		t.Fatalf("timeout = %v, want 30s", got)
	}
	r.SetTimeout(0)
	if got := r.currentTimeout(); got != DefaultTimeout {
		t.Fatalf("timeout = %v, want default %v", got, DefaultTimeout)
	}
}
