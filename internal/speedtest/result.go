package speedtest

import "context"

// Result is a single speed measurement as exposed to the metrics layer.
//
// A Result is constructed fresh on every measurement attempt and never
// mutated afterwards.
type Result struct {
	ServerCity   string  `json:"server_city"`
	ServerRegion string  `json:"server_region"`
	PingMs       float64 `json:"ping_ms"`
	JitterMs     float64 `json:"jitter_ms"`
	DownloadMbps float64 `json:"download_mbps"`
	DownloadBps  int64   `json:"download_bps"`
	UploadMbps   float64 `json:"upload_mbps"`
	UploadBps    int64   `json:"upload_bps"`

	// Status is 1 for a successful measurement, 0 for the null sentinel.
	Status int `json:"status"`
}

// NullResult is the canonical "no data" sentinel: every failure path returns
// it explicitly rather than relying on zero-value initialization, so a
// partially populated Result can never be mistaken for a valid one.
var NullResult = Result{}

// Measurer runs one speed measurement. Implementations never return an
// error: all failure modes collapse to NullResult plus a logged diagnostic.
type Measurer interface {
	Run(ctx context.Context) Result
}
