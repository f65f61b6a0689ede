package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/monitor"
	"github.com/janelia-flyem/cellflow/predict"
	"github.com/janelia-flyem/cellflow/storage"
	"github.com/janelia-flyem/cellflow/zarr"
)

// scaleEngine returns (v, 2v, 1) for every plane pixel v.
type scaleEngine struct {
	calls int
}

func (e *scaleEngine) Predict(ctx context.Context, stack *cellflow.Volume) (*cellflow.Volume, error) {
	e.calls++
	out := cellflow.NewVolume(stack.Shape[0], stack.Shape[1], stack.Shape[2], 3)
	for i, v := range stack.Data {
		out.Data[3*i] = v
		out.Data[3*i+1] = 2 * v
		out.Data[3*i+2] = 1
	}
	return out, nil
}

type recordStage struct {
	seen []Paths
}

func (s *recordStage) Name() string { return "record" }

func (s *recordStage) Run(ctx context.Context, env *Env, p Paths) (Paths, error) {
	s.seen = append(s.seen, p)
	return p, nil
}

var errStage = errors.New("stage failed")

// failStage runs long enough for the monitor to sample and then fails.
type failStage struct{}

func (failStage) Name() string { return "fail" }

func (failStage) Run(ctx context.Context, env *Env, p Paths) (Paths, error) {
	time.Sleep(30 * time.Millisecond)
	return p, errStage
}

type recordNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordNotifier) Notify(e Event) {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
}

func (n *recordNotifier) Close() error { return nil }

func (n *recordNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var kinds []string
	for _, e := range n.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func writeImage(t *testing.T, ref string, shape []int) *cellflow.Volume {
	ctx := context.Background()
	meta, err := zarr.NewMeta(shape, []int{2, 4, 4}, cellflow.T_float32, nil)
	require.NoError(t, err)
	a, err := zarr.CreateRef(ctx, ref, meta)
	require.NoError(t, err)
	defer a.Close()
	v := cellflow.NewVolume(shape...)
	for i := range v.Data {
		v.Data[i] = float32(i%17) - 3
	}
	require.NoError(t, a.WriteVolume(ctx, cellflow.RegionFromShape(shape), v))
	return v
}

func testConfig(t *testing.T) *Config {
	dir := t.TempDir()
	results := filepath.Join(dir, "results")
	require.NoError(t, os.Mkdir(results, 0755))
	cfg := DefaultConfig()
	cfg.Data.Datasets = []string{filepath.Join(dir, "img.zarr")}
	cfg.Data.Results = results
	cfg.Loader.Workers = 0
	cfg.Model.Normalize = false
	cfg.Predict.SlicesPerAxis = [3]int{2, 4, 4}
	cfg.Combine.Chunk = []int{2, 4, 4}
	cfg.Combine.SuperChunk = []int{4, 8, 8}
	cfg.Monitor.Enabled = false
	return cfg
}

func snapshot(t *testing.T, ref string) map[string][]byte {
	ctx := context.Background()
	store, err := storage.Open(ref)
	require.NoError(t, err)
	defer store.Close()
	keys, err := store.Keys(ctx, "")
	require.NoError(t, err)
	snap := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := store.Get(ctx, k)
		require.NoError(t, err)
		snap[k] = v
	}
	return snap
}

func TestDriverEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Monitor.Enabled = true
	cfg.Monitor.Interval = "10ms"
	img := writeImage(t, storage.Join(cfg.Data.Datasets[0], "0"), []int{4, 8, 8})

	engine := &scaleEngine{}
	extra := &recordStage{}
	d := &Driver{Config: cfg, Engine: engine}
	d.Stages = append(d.DefaultStages(), extra)
	require.NoError(t, d.Run(ctx))
	require.NotZero(t, engine.calls)

	p := cfg.PathsFor(cfg.Data.Datasets[0])
	require.Equal(t, []Paths{p}, extra.seen)

	flow, err := zarr.OpenRef(ctx, p.Flow, zarr.ModeRead, nil)
	require.NoError(t, err)
	defer flow.Close()
	require.Equal(t, []int{3, 4, 8, 8}, flow.Shape())
	require.Equal(t, []int{1, 2, 4, 4}, flow.Chunks())
	mask, err := zarr.OpenRef(ctx, p.Mask, zarr.ModeRead, nil)
	require.NoError(t, err)
	defer mask.Close()
	require.Equal(t, []int{2, 4, 4}, mask.Chunks())

	f, err := flow.ReadVolume(ctx, cellflow.RegionFromShape(flow.Shape()))
	require.NoError(t, err)
	m, err := mask.Read(ctx, cellflow.RegionFromShape(mask.Shape()))
	require.NoError(t, err)
	for i, v := range img.Data {
		require.Equal(t, uint8(1), m[i])
		require.Equal(t, 2*v, f.Channel(0).Data[i])
		require.Equal(t, 3*v, f.Channel(1).Data[i])
		require.Equal(t, 4*v, f.Channel(2).Data[i])
	}

	_, err = os.Stat(filepath.Join(cfg.Data.Results, monitor.ReportFile))
	require.NoError(t, err)
}

func TestDriverRerunIsByteIdentical(t *testing.T) {
	cfg := testConfig(t)
	writeImage(t, storage.Join(cfg.Data.Datasets[0], "0"), []int{4, 8, 8})
	p := cfg.PathsFor(cfg.Data.Datasets[0])

	d := &Driver{Config: cfg, Engine: &scaleEngine{}}
	require.NoError(t, d.Run(context.Background()))
	flow, mask := snapshot(t, p.Flow), snapshot(t, p.Mask)
	require.NoError(t, d.Run(context.Background()))
	require.Equal(t, flow, snapshot(t, p.Flow))
	require.Equal(t, mask, snapshot(t, p.Mask))
}

func TestConfigGuardBeforeIO(t *testing.T) {
	t.Setenv(cellflow.CPULimitEnv, "2")
	var cerr *cellflow.ConfigError

	cfg := testConfig(t)
	cfg.Loader.Workers = 3
	engine := &scaleEngine{}
	err := (&Driver{Config: cfg, Engine: engine}).Run(context.Background())
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "loader.workers", cerr.Field)
	require.Zero(t, engine.calls)
	entries, err := os.ReadDir(cfg.Data.Results)
	require.NoError(t, err)
	require.Empty(t, entries)

	cfg = testConfig(t)
	cfg.Data.Datasets = nil
	require.ErrorAs(t, cfg.Validate(), &cerr)
	require.Equal(t, "data.datasets", cerr.Field)

	cfg = testConfig(t)
	cfg.Data.Results = filepath.Join(cfg.Data.Results, "missing")
	require.ErrorAs(t, cfg.Validate(), &cerr)
	require.Equal(t, "data.results", cerr.Field)

	cfg = testConfig(t)
	cfg.Combine.SuperChunk = []int{3, 8, 8}
	require.ErrorAs(t, cfg.Validate(), &cerr)

	cfg = testConfig(t)
	cfg.Output.Compressor = "blosc"
	require.ErrorAs(t, cfg.Validate(), &cerr)
}

func TestPredictStageNeedsEngine(t *testing.T) {
	cfg := testConfig(t)
	writeImage(t, storage.Join(cfg.Data.Datasets[0], "0"), []int{4, 8, 8})
	err := (&Driver{Config: cfg}).Run(context.Background())
	require.Error(t, err)

	_, err = NewEngine(cfg.Model)
	var cerr *cellflow.ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestPathsFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Data.Results = "/results"
	cfg.Data.Datasets = []string{"/data/a.zarr"}
	p := cfg.PathsFor("/data/a.zarr")
	require.Equal(t, "/results/gradients.zarr", p.Gradients)
	require.Equal(t, "/results/combined_gradients.zarr", p.Flow)
	require.Equal(t, "/results/combined_cellprob.zarr", p.Mask)
	require.Equal(t, "/data/a.zarr/0", p.Input())

	cfg.Data.Datasets = []string{"/data/a.zarr", "s3://bucket/b.zarr"}
	p = cfg.PathsFor("s3://bucket/b.zarr")
	require.Equal(t, "/results/b/gradients.zarr", p.Gradients)

	cfg.Output.Mask = "mem://masks/m"
	require.Equal(t, "mem://masks/m", cfg.PathsFor("/data/a.zarr").Mask)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	tomlFile := filepath.Join(dir, "run.toml")
	require.NoError(t, os.WriteFile(tomlFile, []byte(`
[logging]
logfile = "logs/cellflow.log"
max_log_size = 100

[data]
datasets = ["img.zarr", "s3://bucket/other.zarr"]
multiscale = "2"
results = "results"

[loader]
workers = 4

[model]
name = "nuclei"
address = "gpu01:8002"
diameter = 30

[combine]
cellprob_threshold = 0.5
`), 0644))
	cfg, err := LoadConfig(tomlFile)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "logs/cellflow.log"), cfg.Logging.Logfile)
	require.Equal(t, 100, cfg.Logging.MaxSize)
	require.Equal(t, []string{filepath.Join(dir, "img.zarr"), "s3://bucket/other.zarr"}, cfg.Data.Datasets)
	require.Equal(t, filepath.Join(dir, "results"), cfg.Data.Results)
	require.Equal(t, "2", cfg.Data.Multiscale)
	require.Equal(t, 4, cfg.Loader.Workers)
	require.Equal(t, "nuclei", cfg.Model.Name)
	require.Equal(t, 30.0, cfg.Model.Diameter)
	require.Equal(t, 15.0, cfg.Model.DiameterMean)
	require.Equal(t, float32(0.5), cfg.Combine.Threshold)
	require.Equal(t, [3]int{40, 80, 80}, cfg.Predict.SlicesPerAxis)

	yamlFile := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(yamlFile, []byte(`
data:
  datasets: [img.zarr]
  results: /abs/results
model:
  anisotropy: 4.0
predict:
  slices_per_axis: [10, 20, 30]
`), 0644))
	cfg, err = LoadConfig(yamlFile)
	require.NoError(t, err)
	require.Equal(t, "/abs/results", cfg.Data.Results)
	require.Equal(t, 4.0, cfg.Model.Anisotropy)
	require.True(t, cfg.Model.Normalize)
	require.Equal(t, [3]int{10, 20, 30}, cfg.Predict.SlicesPerAxis)

	_, err = LoadConfig(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
}

func TestNopNotifier(t *testing.T) {
	n, err := NewNotifier(KafkaConfig{}, "run")
	require.NoError(t, err)
	n.Notify(Event{Kind: EventStageStart})
	require.NoError(t, n.Close())
}

func TestPredictSingleAxis(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeImage(t, storage.Join(cfg.Data.Datasets[0], "0"), []int{4, 8, 8})
	p := cfg.PathsFor(cfg.Data.Datasets[0])

	engine := &scaleEngine{}
	d := &Driver{Config: cfg, Engine: engine, Stages: []Stage{&PredictStage{Engine: engine}}}
	require.NoError(t, d.Run(ctx))
	full := snapshot(t, p.Gradients)
	all := engine.calls

	engine.calls = 0
	d.Stages = []Stage{&PredictStage{Engine: engine, Axes: []predict.Axis{predict.ZX}}}
	require.NoError(t, d.Run(ctx))
	require.NotZero(t, engine.calls)
	require.Less(t, engine.calls, all)
	require.Equal(t, full, snapshot(t, p.Gradients))
}

func TestDriverStopsMonitorOnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.Enabled = true
	cfg.Monitor.Interval = "10ms"
	notifier := &recordNotifier{}
	after := &recordStage{}
	d := &Driver{Config: cfg, Stages: []Stage{failStage{}, after}, Notifier: notifier}

	err := d.Run(context.Background())
	require.ErrorIs(t, err, errStage)
	require.Empty(t, after.seen)
	require.Equal(t, []string{EventStageStart, EventFailed}, notifier.kinds())

	var report monitor.Report
	data, err := os.ReadFile(filepath.Join(cfg.Data.Results, monitor.ReportFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &report))
	require.NotZero(t, report.Samples)
}
