/*
	Package monitor samples the CPU and memory use of the running process in the
	background and writes a summary and graphs at the end of a run.  Sampling errors
	are logged and never reach the caller.
*/
package monitor

import (
	"context"
	"os"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/storage"
)

// DefaultInterval is the time between samples.
const DefaultInterval = 20 * time.Second

// Sample is one measurement of resource use.
type Sample struct {
	Time time.Time `json:"time"`

	// CPUPercent is the process CPU use since the previous sample, 100 per core.
	CPUPercent float64 `json:"cpu_percent"`

	// RSS is the resident memory of the process in bytes.
	RSS uint64 `json:"rss"`

	// SystemMemPercent is the used fraction of system memory in percent.
	SystemMemPercent float64 `json:"system_mem_percent"`

	// IO is the cumulative store traffic since the monitor started.
	IO storage.IOStats `json:"io"`
}

type sampler func() (Sample, error)

// Monitor collects samples until stopped.
type Monitor struct {
	interval time.Duration
	sample   sampler
	started  time.Time

	mu      sync.Mutex
	samples []Sample

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func processSampler() sampler {
	ioStart := storage.CurrentIOStats()
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		cellflow.Warningf("Unable to watch process %d, only system memory will be sampled: %v\n", os.Getpid(), err)
	}
	return func() (Sample, error) {
		s := Sample{Time: time.Now(), IO: storage.CurrentIOStats().Sub(ioStart)}
		vm, err := mem.VirtualMemory()
		if err != nil {
			return s, err
		}
		s.SystemMemPercent = vm.UsedPercent
		if proc == nil {
			return s, nil
		}
		if s.CPUPercent, err = proc.Percent(0); err != nil {
			cellflow.Warningf("Unable to sample process CPU: %v\n", err)
		}
		if info, err := proc.MemoryInfo(); err != nil {
			cellflow.Warningf("Unable to sample process memory: %v\n", err)
		} else {
			s.RSS = info.RSS
		}
		return s, nil
	}
}

// Start begins sampling every interval until Stop is called or ctx is done.  A
// non-positive interval uses DefaultInterval.
func Start(ctx context.Context, interval time.Duration) *Monitor {
	return start(ctx, interval, processSampler())
}

func start(ctx context.Context, interval time.Duration, fn sampler) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	logSystemMemory("start")
	mctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		interval: interval,
		sample:   fn,
		started:  time.Now(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go m.run(mctx)
	return m
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.record()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.record()
		}
	}
}

func (m *Monitor) record() {
	s, err := m.sample()
	if err != nil {
		cellflow.Warningf("Resource sample failed: %v\n", err)
		return
	}
	m.mu.Lock()
	m.samples = append(m.samples, s)
	m.mu.Unlock()
}

// Stop halts sampling and waits for the sampler to exit.  It is safe to call more
// than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		<-m.done
		logSystemMemory("end")
		cellflow.Infof("Resource monitor stopped after %s with %d samples\n",
			time.Since(m.started).Round(time.Second), len(m.Samples()))
	})
}

// Samples returns a copy of the samples taken so far.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

func logSystemMemory(when string) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		cellflow.Warningf("Unable to read system memory at %s of run: %v\n", when, err)
		return
	}
	cellflow.Infof("System memory at %s of run: %s used of %s (%.1f%%)\n", when,
		humanize.Bytes(vm.Used), humanize.Bytes(vm.Total), vm.UsedPercent)
}
