package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/janelia-flyem/cellflow/storage"
)

func fakeSampler(values []float64) sampler {
	i := 0
	return func() (Sample, error) {
		if i >= len(values) {
			return Sample{}, errors.New("no more samples")
		}
		v := values[i]
		i++
		return Sample{
			Time:       time.Now(),
			CPUPercent: v,
			RSS:        uint64(v) * 1000000,
			IO:         storage.IOStats{BytesRead: int64(v) * 1000000},
		}, nil
	}
}

func TestMonitorSamplesUntilStopped(t *testing.T) {
	m := start(context.Background(), 5*time.Millisecond, fakeSampler([]float64{10, 20, 30}))
	require.Eventually(t, func() bool { return len(m.Samples()) == 3 }, 5*time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	// Failed samples are dropped, not fatal.
	require.Len(t, m.Samples(), 3)
	r := m.Summarize()
	require.Equal(t, 3, r.Samples)
	require.InDelta(t, 20.0, r.CPUPercent.Mean, 1e-9)
	require.InDelta(t, 10.0, r.CPUPercent.StdDev, 1e-9)
	require.Equal(t, 30.0, r.CPUPercent.Max)
	require.Equal(t, int64(30000000), r.BytesRead)
}

func TestMonitorStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := start(ctx, time.Hour, fakeSampler([]float64{1}))
	cancel()
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestReport(t *testing.T) {
	m := start(context.Background(), time.Millisecond, fakeSampler([]float64{5, 15}))
	require.Eventually(t, func() bool { return len(m.Samples()) == 2 }, 5*time.Second, time.Millisecond)
	m.Stop()

	dir := t.TempDir()
	require.NoError(t, m.Report(dir))
	data, err := os.ReadFile(filepath.Join(dir, ReportFile))
	require.NoError(t, err)
	var r Report
	require.NoError(t, json.Unmarshal(data, &r))
	require.Equal(t, 2, r.Samples)
	require.InDelta(t, 10.0, r.CPUPercent.Mean, 1e-9)
	for _, name := range []string{CPUGraph, MemGraph} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		require.NotZero(t, info.Size())
	}
}

func TestProcessSampler(t *testing.T) {
	m := Start(context.Background(), time.Hour)
	defer m.Stop()
	require.Eventually(t, func() bool { return len(m.Samples()) == 1 }, 5*time.Second, time.Millisecond)
	require.NotZero(t, m.Samples()[0].SystemMemPercent)
}
