package relay

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	resourceSampleInterval = 15 * time.Second
	resourceHistory        = 240 // one hour of samples
)

// resourcePoint is one sample of the relay process next to its tunnel load.
type resourcePoint struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	OpenFiles  int32     `json:"openFiles,omitempty"`
	Goroutines int       `json:"goroutines"`
	Hosts      int       `json:"hosts"`
	Streams    int       `json:"streams"`
}

type resourceSnapshot struct {
	Current resourcePoint   `json:"current"`
	History []resourcePoint `json:"history"`
}

type tunnelLoad func() (hosts, streams int)

type resourceTracker struct {
	proc *process.Process
	load tunnelLoad

	mu      sync.RWMutex
	samples []resourcePoint
	current resourcePoint
}

// newResourceTracker returns nil when the process cannot be inspected; a
// nil tracker reports empty snapshots.
func newResourceTracker(load tunnelLoad) *resourceTracker {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	return &resourceTracker{proc: p, load: load}
}

func (r *resourceTracker) start(ctx context.Context) {
	if r == nil {
		return
	}
	r.sample(ctx)
	go func() {
		ticker := time.NewTicker(resourceSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sample(ctx)
			}
		}
	}()
}

func (r *resourceTracker) sample(ctx context.Context) {
	point := resourcePoint{
		Timestamp:  time.Now(),
		Goroutines: runtime.NumGoroutine(),
	}
	if cpu, err := r.proc.PercentWithContext(ctx, 0); err == nil {
		point.CPUPercent = cpu
	}
	if mem, err := r.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		point.RSSBytes = mem.RSS
	}
	if fds, err := r.proc.NumFDsWithContext(ctx); err == nil {
		point.OpenFiles = fds
	}
	if r.load != nil {
		point.Hosts, point.Streams = r.load()
	}

	r.mu.Lock()
	r.current = point
	r.samples = append(r.samples, point)
	if len(r.samples) > resourceHistory {
		r.samples = r.samples[len(r.samples)-resourceHistory:]
	}
	r.mu.Unlock()
}

func (r *resourceTracker) snapshot() resourceSnapshot {
	if r == nil {
		return resourceSnapshot{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := make([]resourcePoint, len(r.samples))
	copy(history, r.samples)
	return resourceSnapshot{Current: r.current, History: history}
}
