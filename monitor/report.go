package monitor

import (
	"fmt"
	"image/color"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/janelia-flyem/cellflow/cellflow"
)

// Report file names written into the results directory.
const (
	ReportFile = "resource_report.json"
	CPUGraph   = "cpu_usage.png"
	MemGraph   = "memory_usage.png"
)

// Summary describes one sampled metric.
type Summary struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Max    float64 `json:"max"`
}

// Report is the summary written at the end of a run.
type Report struct {
	Start    time.Time `json:"start"`
	Duration string    `json:"duration"`
	Samples  int       `json:"samples"`

	CPUPercent       Summary `json:"cpu_percent"`
	RSSMB            Summary `json:"rss_mb"`
	SystemMemPercent Summary `json:"system_mem_percent"`

	BytesRead     int64   `json:"bytes_read"`
	BytesWritten  int64   `json:"bytes_written"`
	ReadMBPerSec  float64 `json:"read_mb_per_sec"`
	WriteMBPerSec float64 `json:"write_mb_per_sec"`
}

func summarize(x []float64) Summary {
	if len(x) == 0 {
		return Summary{}
	}
	mean, std := stat.MeanStdDev(x, nil)
	if len(x) == 1 {
		std = 0
	}
	return Summary{Mean: mean, StdDev: std, Max: floats.Max(x)}
}

// Summarize computes the report for the samples taken so far.
func (m *Monitor) Summarize() Report {
	samples := m.Samples()
	r := Report{Start: m.started, Samples: len(samples)}
	if len(samples) == 0 {
		return r
	}
	cpu := make([]float64, len(samples))
	rss := make([]float64, len(samples))
	sys := make([]float64, len(samples))
	for i, s := range samples {
		cpu[i] = s.CPUPercent
		rss[i] = float64(s.RSS) / cellflow.Mega
		sys[i] = s.SystemMemPercent
	}
	r.CPUPercent = summarize(cpu)
	r.RSSMB = summarize(rss)
	r.SystemMemPercent = summarize(sys)

	last := samples[len(samples)-1]
	elapsed := last.Time.Sub(m.started)
	r.Duration = elapsed.Round(time.Millisecond).String()
	r.BytesRead = last.IO.BytesRead
	r.BytesWritten = last.IO.BytesWritten
	if secs := elapsed.Seconds(); secs > 0 {
		r.ReadMBPerSec = float64(r.BytesRead) / cellflow.Mega / secs
		r.WriteMBPerSec = float64(r.BytesWritten) / cellflow.Mega / secs
	}
	return r
}

// Report writes the summary JSON and the CPU and memory graphs into dir.  Graphs
// need at least one sample.
func (m *Monitor) Report(dir string) error {
	r := m.Summarize()
	if err := cellflow.WriteJSONFile(filepath.Join(dir, ReportFile), r); err != nil {
		return err
	}
	samples := m.Samples()
	if len(samples) == 0 {
		return nil
	}
	cpu := make(plotter.XYs, len(samples))
	rss := make(plotter.XYs, len(samples))
	for i, s := range samples {
		t := s.Time.Sub(m.started).Seconds()
		cpu[i] = plotter.XY{X: t, Y: s.CPUPercent}
		rss[i] = plotter.XY{X: t, Y: float64(s.RSS) / cellflow.Mega}
	}
	if err := savePlot(filepath.Join(dir, CPUGraph), "CPU usage", "CPU (%)", cpu); err != nil {
		return fmt.Errorf("save cpu plot: %w", err)
	}
	if err := savePlot(filepath.Join(dir, MemGraph), "Memory usage", "Resident memory (MB)", rss); err != nil {
		return fmt.Errorf("save memory plot: %w", err)
	}
	cellflow.Infof("Resource report written to %s\n", dir)
	return nil
}

func savePlot(filename, title, ylabel string, pts plotter.XYs) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = ylabel

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	line.Width = vg.Points(1)
	p.Add(line)
	return p.Save(10*vg.Inch, 4*vg.Inch, filename)
}
