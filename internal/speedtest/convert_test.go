package speedtest

import "testing"

func TestMegabitsToBits(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{0, 0},
		{12.5, 12_500_000},
		{0.0000001, 0},
		{1, 1_000_000},
		{943.7, 943_700_000},
		// Truncation, not rounding: a fractional bit has no meaning and
		// rounding up would overstate capacity.
		{0.9999999, 999_999},
		{-1.5, -1_500_000},
	}
	for _, tc := range cases {
		if got := MegabitsToBits(tc.in); got != tc.want {
			t.Errorf("MegabitsToBits(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestNullResultIsZero(t *testing.T) {
	r := NullResult
	if r.Status != 0 {
		t.Fatalf("NullResult.Status = %d, want 0", r.Status)
	}
	if r.ServerCity != "" || r.ServerRegion != "" {
		t.Fatalf("NullResult has non-empty location: %+v", r)
	}
	if r.PingMs != 0 || r.JitterMs != 0 || r.DownloadMbps != 0 || r.DownloadBps != 0 || r.UploadMbps != 0 || r.UploadBps != 0 {
		t.Fatalf("NullResult has non-zero numeric field: %+v", r)
	}
}
