package pipeline

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/loader"
	"github.com/janelia-flyem/cellflow/predict"
	"github.com/janelia-flyem/cellflow/zarr"
)

// Config is the configuration of a segmentation run.
type Config struct {
	Logging cellflow.LogConfig `toml:"logging" yaml:"logging"`
	Data    DataConfig         `toml:"data" yaml:"data"`
	Loader  LoaderConfig       `toml:"loader" yaml:"loader"`
	Model   ModelConfig        `toml:"model" yaml:"model"`
	Predict PredictConfig      `toml:"predict" yaml:"predict"`
	Combine CombineConfig      `toml:"combine" yaml:"combine"`
	Output  OutputConfig       `toml:"output" yaml:"output"`
	Monitor MonitorConfig      `toml:"monitor" yaml:"monitor"`
	Kafka   KafkaConfig        `toml:"kafka" yaml:"kafka"`
}

// DataConfig names the input datasets and the results directory.
type DataConfig struct {
	// Datasets are store references of zarr datasets.
	Datasets []string `toml:"datasets" yaml:"datasets"`

	// Multiscale selects the array within each dataset.
	Multiscale string `toml:"multiscale" yaml:"multiscale"`

	// Results must be an existing directory.  Outputs go into it unless they are
	// given as store URLs.
	Results string `toml:"results" yaml:"results"`
}

// LoaderConfig controls how the input arrays are cut.
type LoaderConfig struct {
	TargetSizeMB int   `toml:"target_size_mb" yaml:"target_size_mb"`
	SuperChunk   []int `toml:"super_chunk" yaml:"super_chunk"`
	Overlap      []int `toml:"overlap" yaml:"overlap"`
	Workers      int   `toml:"workers" yaml:"workers"`
	BatchSize    int   `toml:"batch_size" yaml:"batch_size"`
}

// ModelConfig selects the inference model.
type ModelConfig struct {
	Name string `toml:"name" yaml:"name"`

	// Address is the host:port of an inference server.
	Address string `toml:"address" yaml:"address"`

	predict.Config `yaml:",inline"`
}

// PredictConfig controls the per-axis prediction stage.
type PredictConfig struct {
	// SlicesPerAxis is the number of planes per prediction chunk for XY, ZX and ZY.
	SlicesPerAxis [3]int `toml:"slices_per_axis" yaml:"slices_per_axis"`
}

// CombineConfig controls the combination stage.
type CombineConfig struct {
	// Threshold is the summed probability a voxel must exceed to be a cell.
	Threshold float32 `toml:"cellprob_threshold" yaml:"cellprob_threshold"`

	// Chunk is the spatial prediction chunk of the stage and the output chunk shape.
	Chunk []int `toml:"chunk" yaml:"chunk"`

	// SuperChunk is the spatial super-chunk shape.
	SuperChunk []int `toml:"super_chunk" yaml:"super_chunk"`

	Workers   int `toml:"workers" yaml:"workers"`
	BatchSize int `toml:"batch_size" yaml:"batch_size"`
}

// OutputConfig names the output arrays and how chunks are compressed.
type OutputConfig struct {
	Gradients string `toml:"gradients" yaml:"gradients"`
	Flow      string `toml:"flow" yaml:"flow"`
	Mask      string `toml:"mask" yaml:"mask"`

	// Compressor is "zstd", "gzip" or "none".
	Compressor string `toml:"compressor" yaml:"compressor"`
	Level      int    `toml:"level" yaml:"level"`
}

// MonitorConfig controls resource sampling.
type MonitorConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`

	// Interval is the sampling period, e.g. "20s".
	Interval string `toml:"interval" yaml:"interval"`
}

// KafkaConfig describes kafka servers for activity events.  No events are sent if
// Servers is empty.
type KafkaConfig struct {
	Servers       []string `toml:"servers" yaml:"servers"`
	TopicActivity string   `toml:"topic_activity" yaml:"topic_activity"`
	BufferSize    int      `toml:"buffer_size" yaml:"buffer_size"`
}

// DefaultConfig returns the configuration used for anything a file leaves unset.
func DefaultConfig() *Config {
	return &Config{
		Data: DataConfig{Multiscale: "0"},
		Loader: LoaderConfig{
			TargetSizeMB: loader.DefaultTargetSizeMB,
			Workers:      1,
			BatchSize:    1,
		},
		Model: ModelConfig{Name: "cyto", Config: predict.DefaultConfig()},
		Predict: PredictConfig{
			SlicesPerAxis: [3]int{40, 80, 80},
		},
		Combine: CombineConfig{
			Chunk:      []int{128, 128, 128},
			SuperChunk: []int{128, 128, 128},
			BatchSize:  1,
		},
		Output: OutputConfig{
			Gradients:  "gradients.zarr",
			Flow:       "combined_gradients.zarr",
			Mask:       "combined_cellprob.zarr",
			Compressor: zarr.CompressorZstd,
			Level:      3,
		},
		Monitor: MonitorConfig{Enabled: true, Interval: "20s"},
	}
}

// LoadConfig reads a TOML or YAML file, chosen by extension, over the defaults and
// makes relative paths absolute with respect to the file's directory.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no configuration file provided")
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	c := DefaultConfig()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return nil, fmt.Errorf("could not decode YAML config %s: %w", filename, err)
		}
	default:
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return nil, fmt.Errorf("could not decode TOML config %s: %w", filename, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) != 0 {
			cellflow.Warningf("Ignoring unknown settings in %s: %v\n", filename, undecoded)
		}
	}
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in config: %w", err)
	}
	return c, nil
}

// Some settings can be given as relative paths.  They are converted in place to
// absolute paths, assuming they were relative to the config file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	configDir := filepath.Dir(configPath)
	var err error
	if c.Logging.Logfile, err = cellflow.ConvertToAbsolute(c.Logging.Logfile, configDir); err != nil {
		return fmt.Errorf("error converting logfile setting to absolute path: %w", err)
	}
	if c.Data.Results, err = cellflow.ConvertToAbsolute(c.Data.Results, configDir); err != nil {
		return fmt.Errorf("error converting results setting to absolute path: %w", err)
	}
	for i, d := range c.Data.Datasets {
		if c.Data.Datasets[i], err = cellflow.ConvertToAbsolute(d, configDir); err != nil {
			return fmt.Errorf("error converting dataset %q to absolute path: %w", d, err)
		}
	}
	return nil
}

// MonitorInterval returns the parsed sampling period.
func (c *Config) MonitorInterval() (time.Duration, error) {
	if c.Monitor.Interval == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Monitor.Interval)
}

// Validate checks the configuration without touching any data.  Every error is a
// *cellflow.ConfigError.
func (c *Config) Validate() error {
	if len(c.Data.Datasets) == 0 {
		return cellflow.NewConfigError("data.datasets", "no input datasets given")
	}
	for _, d := range c.Data.Datasets {
		if d == "" {
			return cellflow.NewConfigError("data.datasets", "empty dataset path")
		}
	}
	if c.Data.Results == "" {
		return cellflow.NewConfigError("data.results", "no results directory given")
	}
	if !strings.Contains(c.Data.Results, "://") {
		info, err := os.Stat(c.Data.Results)
		if err != nil {
			return cellflow.NewConfigError("data.results", "results directory %q does not exist", c.Data.Results)
		}
		if !info.IsDir() {
			return cellflow.NewConfigError("data.results", "%q is not a directory", c.Data.Results)
		}
	}
	limit := cellflow.CPULimit()
	if c.Loader.Workers > limit {
		return cellflow.NewConfigError("loader.workers", "provided workers %d > current workers %d", c.Loader.Workers, limit)
	}
	if c.Combine.Workers > limit {
		return cellflow.NewConfigError("combine.workers", "provided workers %d > current workers %d", c.Combine.Workers, limit)
	}
	if c.Loader.Workers < 0 || c.Combine.Workers < 0 {
		return cellflow.NewConfigError("workers", "worker counts must not be negative")
	}
	for i, s := range c.Predict.SlicesPerAxis {
		if s <= 0 {
			return cellflow.NewConfigError("predict.slices_per_axis", "slices for %s must be positive, got %d", predict.Axes[i], s)
		}
	}
	if err := checkSpatial("combine.chunk", c.Combine.Chunk); err != nil {
		return err
	}
	if len(c.Combine.SuperChunk) != 0 {
		if err := checkSpatial("combine.super_chunk", c.Combine.SuperChunk); err != nil {
			return err
		}
		for d := range c.Combine.SuperChunk {
			if c.Combine.SuperChunk[d]%c.Combine.Chunk[d] != 0 {
				return cellflow.NewConfigError("combine.super_chunk", "%s is not a multiple of chunk %s",
					cellflow.ShapeString(c.Combine.SuperChunk), cellflow.ShapeString(c.Combine.Chunk))
			}
		}
	}
	if len(c.Loader.Overlap) != 0 && len(c.Loader.Overlap) != cellflow.NumSpatialDims {
		return cellflow.NewConfigError("loader.overlap", "need 3 values, got %v", c.Loader.Overlap)
	}
	if _, err := zarr.NewCompressor(c.Output.Compressor, c.Output.Level); err != nil {
		return cellflow.NewConfigError("output.compressor", "%v", err)
	}
	if c.Output.Gradients == "" || c.Output.Flow == "" || c.Output.Mask == "" {
		return cellflow.NewConfigError("output", "gradients, flow and mask outputs must be named")
	}
	if _, err := c.MonitorInterval(); err != nil {
		return cellflow.NewConfigError("monitor.interval", "%v", err)
	}
	if math.IsNaN(float64(c.Combine.Threshold)) {
		return cellflow.NewConfigError("combine.cellprob_threshold", "threshold is NaN")
	}
	return nil
}

func checkSpatial(field string, shape []int) error {
	if len(shape) != cellflow.NumSpatialDims {
		return cellflow.NewConfigError(field, "need a Z, Y, X shape, got %v", shape)
	}
	for _, n := range shape {
		if n <= 0 {
			return cellflow.NewConfigError(field, "%s must be positive", cellflow.ShapeString(shape))
		}
	}
	return nil
}
