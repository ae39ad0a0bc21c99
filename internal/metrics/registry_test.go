package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/martinbrose/cloudflare-speedtest-exporter/internal/speedtest"
)

func sampleResult() speedtest.Result {
	return speedtest.Result{
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
}

func TestExpiredFreshRegistry(t *testing.T) {
	r := NewRegistry(90 * time.Second)
	if !r.Expired() {
		t.Fatal("fresh registry should be expired")
	}
}

func TestUpdateSetsGaugesAndCache(t *testing.T) {
	r := NewRegistry(90 * time.Second)
	now := time.Now()
	r.now = func() time.Time { return now }

	res := sampleResult()
	r.Update(res)

	if r.Expired() {
		t.Fatal("registry should not be expired right after update")
	}

	if got := testutil.ToFloat64(r.ping); got != res.PingMs {
		t.Errorf("ping = %v, want %v", got, res.PingMs)
	}
	if got := testutil.ToFloat64(r.jitter); got != res.JitterMs {
		t.Errorf("jitter = %v, want %v", got, res.JitterMs)
	}
	if got := testutil.ToFloat64(r.download); got != float64(res.DownloadBps) {
		t.Errorf("download = %v, want %v", got, float64(res.DownloadBps))
	}
	if got := testutil.ToFloat64(r.upload); got != float64(res.UploadBps) {
		t.Errorf("upload = %v, want %v", got, float64(res.UploadBps))
	}
	if got := testutil.ToFloat64(r.up); got != 1 {
		t.Errorf("up = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.server.WithLabelValues("Hamburg", "Hamburg")); got != 1 {
		t.Errorf("server info = %v, want 1", got)
	}

	// The window ends, the cache expires.
	now = now.Add(91 * time.Second)
	if !r.Expired() {
		t.Fatal("registry should be expired after the cache window")
	}
}

func TestNullUpdateNeverMasksFailure(t *testing.T) {
	r := NewRegistry(90 * time.Second)
	r.Update(sampleResult())
	if got := testutil.ToFloat64(r.up); got != 1 {
		t.Fatalf("up = %v, want 1", got)
	}

	r.Update(speedtest.NullResult)
	if got := testutil.ToFloat64(r.up); got != 0 {
		t.Fatalf("up = %v after null update, want 0", got)
	}
	// Stale location labels are dropped, not left beside the new ones.
	if n := testutil.CollectAndCount(r.server); n != 1 {
		t.Fatalf("server info series = %d, want 1", n)
	}
	if got := testutil.ToFloat64(r.server.WithLabelValues("", "")); got != 1 {
		t.Fatalf("empty-location info = %v, want 1", got)
	}
}

func TestZeroCacheAlwaysExpires(t *testing.T) {
	r := NewRegistry(0)
	r.Update(sampleResult())
	if !r.Expired() {
		t.Fatal("cache duration 0 must mean always re-measure")
	}
}

func TestSetCacheFor(t *testing.T) {
	r := NewRegistry(0)
	now := time.Now()
	r.now = func() time.Time { return now }

	r.SetCacheFor(time.Hour)
	r.Update(sampleResult())
	if r.Expired() {
		t.Fatal("registry should honor the new cache duration")
	}
}

func TestValidUntilOnlyMovesForward(t *testing.T) {
	r := NewRegistry(time.Hour)
	now := time.Now()
	r.now = func() time.Time { return now }

	r.Update(sampleResult())
	first := r.validUntil

	// A shorter window applied later must not pull validUntil back.
	r.SetCacheFor(time.Minute)
	r.Update(sampleResult())
	if r.validUntil.Before(first) {
		t.Fatalf("validUntil moved backwards: %v -> %v", first, r.validUntil)
	}
}
