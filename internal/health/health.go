// Package health reports process and instance liveness for /api/health.
package health

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// ProcessStats is the resource usage of the running process.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
}

type Report struct {
	Status        string        `json:"status"`
	Feed          string        `json:"feed"`
	Observers     int           `json:"observers"`
	UptimeSeconds int64         `json:"uptimeSeconds"`
	Process       *ProcessStats `json:"process,omitempty"`
}

type Options struct {
	// FeedState returns the feed connection state name.
	FeedState func() string
	// Observers returns the number of attached observers.
	Observers func() int
	// Degraded lists feed states that mark the instance degraded.
	Degraded []string
}

type Reporter struct {
	opts    Options
	started time.Time
	proc    *process.Process
}

// New returns a Reporter for the current process. Process statistics are
// omitted from reports when the platform cannot provide them.
func New(opts Options) *Reporter {
	r := &Reporter{opts: opts, started: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = p
	}
	return r
}

func (r *Reporter) Report(ctx context.Context) Report {
	rep := Report{
		Status:        StatusOK,
		UptimeSeconds: int64(time.Since(r.started).Seconds()),
	}
	if r.opts.FeedState != nil {
		rep.Feed = r.opts.FeedState()
		for _, s := range r.opts.Degraded {
			if s == rep.Feed {
				rep.Status = StatusDegraded
				break
			}
		}
	}
	if r.opts.Observers != nil {
		rep.Observers = r.opts.Observers()
	}
	rep.Process = r.processStats(ctx)
	return rep
}

func (r *Reporter) processStats(ctx context.Context) *ProcessStats {
	if r.proc == nil {
		return nil
	}
	stats := &ProcessStats{PID: r.proc.Pid, Goroutines: runtime.NumGoroutine()}
	if mem, err := r.proc.MemoryInfoWithContext(ctx); err == nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := r.proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if n, err := r.proc.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = n
	}
	return stats
}
