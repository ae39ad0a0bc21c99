package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/martinbrose/cloudflare-speedtest-exporter/internal/metrics"
	"github.com/martinbrose/cloudflare-speedtest-exporter/pkg/logx"
)

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func TestServerStartStop(t *testing.T) {
	reg := metrics.NewRegistry(time.Hour)
	h := NewHandler(reg, &stubMeasurer{result: successResult()}, logx.Nop())
	srv := New("127.0.0.1:0", h.Routes(), logx.Nop())
	t.Cleanup(func() { srv.Stop(context.Background()) })

	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("expected server to expose address")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := waitForHTTP(ctx, "http://"+addr+"/"); err != nil {
		t.Fatalf("endpoint not reachable: %v", err)
	}

	srv.Stop(context.Background())
	if got := srv.Addr(); got != "" {
		t.Fatalf("expected server to stop, still at %s", got)
	}
}
