package health

import (
	"context"
	"os"
	"testing"
)

func TestReport(t *testing.T) {
	tests := []struct {
		name       string
		state      string
		wantStatus string
	}{
		{"online", "ONLINE", StatusOK},
		{"disconnected", "DISCONNECTED", StatusOK},
		{"offline", "OFFLINE", StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(Options{
				FeedState: func() string { return tt.state },
				Observers: func() int { return 3 },
				Degraded:  []string{"OFFLINE"},
			})

			rep := r.Report(context.Background())
			if rep.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", rep.Status, tt.wantStatus)
			}
			if rep.Feed != tt.state || rep.Observers != 3 {
				t.Errorf("report = %+v", rep)
			}
			if rep.UptimeSeconds < 0 {
				t.Errorf("uptime = %d", rep.UptimeSeconds)
			}
		})
	}
}

func TestReport_ProcessStats(t *testing.T) {
	rep := New(Options{}).Report(context.Background())
	if rep.Process == nil {
		t.Skip("process stats unavailable on this platform")
	}
	if rep.Process.PID != int32(os.Getpid()) {
		t.Errorf("pid = %d, want %d", rep.Process.PID, os.Getpid())
	}
	if rep.Process.Goroutines <= 0 {
		t.Errorf("goroutines = %d", rep.Process.Goroutines)
	}
}

func TestReport_NoCallbacks(t *testing.T) {
	rep := New(Options{}).Report(context.Background())
	if rep.Status != StatusOK || rep.Feed != "" || rep.Observers != 0 {
		t.Errorf("report = %+v", rep)
	}
}
