// Command-line interface to the cellflow segmentation pipeline.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/pipeline"
	"github.com/janelia-flyem/cellflow/predict"
	"github.com/janelia-flyem/cellflow/storage"
)

// Version is the cellflow release.
const Version = "0.3.0"

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Configuration file in TOML or YAML.
	configFile = flag.String("config", "", "")

	// Address of the inference server, overriding the configuration.
	modelAddress = flag.String("model", "", "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")

	// Profile memory usage using standard gotest system.
	memprofile = flag.String("memprofile", "", "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
cellflow segments cells in large 3D microscopy volumes stored as zarr arrays

Usage: cellflow [options] <command> [key=value ...]

      -config     =string   TOML or YAML configuration file.
      -model      =string   Address of the inference server (host:port).
      -cpuprofile =string   Write CPU profile to this file.
      -memprofile =string   Write memory profile to this file on exit.
      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	segment  [config=...] [dataset=...] [results=...] [workers=...]
	predict  [config=...] [dataset=...] [results=...] [workers=...] [axis=XY|ZX|ZY]
	combine  [config=...] [dataset=...] [results=...] [workers=...]

"segment" runs the per-axis prediction then the combination.  "predict" writes only the
per-axis gradients, optionally for one orientation, and "combine" only reads existing
gradients.  Settings on the command
line override the configuration file.
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *runVerbose {
		cellflow.Verbose = true
		cellflow.SetLogMode(cellflow.DebugMode)
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}
	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}

	// Capture ctrl+c and other interrupts and cancel the run.  Stages stop at the
	// next sample and the resource monitor is shut down by the driver.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := DoCommand(ctx, cellflow.Command(flag.Args()))
	if *memprofile != "" {
		writeHeapProfile(*memprofile)
	}
	cellflow.Shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		pprof.StopCPUProfile()
		os.Exit(1)
	}
}

func writeHeapProfile(filename string) {
	log.Printf("Storing memory profiling to %s...\n", filename)
	f, err := os.Create(filename)
	if err != nil {
		log.Printf("Unable to create memory profile: %v\n", err)
		return
	}
	defer f.Close()
	pprof.WriteHeapProfile(f)
}

// DoCommand serves as a switchboard for commands.
func DoCommand(ctx context.Context, cmd cellflow.Command) error {
	if len(cmd) == 0 {
		return fmt.Errorf("blank command")
	}
	switch cmd.Name() {
	case "about":
		fmt.Println(About())
		return nil
	case "segment":
		return DoRun(ctx, cmd, nil)
	case "predict":
		var axes []predict.Axis
		if s, found := cmd.Parameter(cellflow.KeyAxis); found {
			axis, err := predict.ParseAxis(s)
			if err != nil {
				return cellflow.NewConfigError("axis", "%v", err)
			}
			axes = []predict.Axis{axis}
		}
		return DoRun(ctx, cmd, func(engine predict.Engine) []pipeline.Stage {
			return []pipeline.Stage{&pipeline.PredictStage{Engine: engine, Axes: axes}}
		})
	case "combine":
		return DoRun(ctx, cmd, func(predict.Engine) []pipeline.Stage {
			return []pipeline.Stage{&pipeline.CombineStage{}}
		})
	default:
		return fmt.Errorf("unknown command %q; try \"cellflow help\"", cmd.Name())
	}
}

// About returns the version and compiled storage engines.
func About() string {
	return fmt.Sprintf("cellflow %s (%s)\nStorage engines: %s", Version, runtime.Version(), storage.EnginesAvailable())
}

// LoadCommandConfig reads the configuration named by the -config flag or a config
// setting and applies command-line overrides.
func LoadCommandConfig(cmd cellflow.Command) (*pipeline.Config, error) {
	filename := *configFile
	if s, found := cmd.Parameter(cellflow.KeyConfigFile); found {
		filename = s
	}
	cfg := pipeline.DefaultConfig()
	if filename != "" {
		var err error
		if cfg, err = pipeline.LoadConfig(filename); err != nil {
			return nil, err
		}
	}
	if s, found := cmd.Parameter(cellflow.KeyDataset); found {
		abs, err := cellflow.ConvertToAbsolute(s, currentDir())
		if err != nil {
			return nil, err
		}
		cfg.Data.Datasets = []string{abs}
	}
	if s, found := cmd.Parameter(cellflow.KeyResults); found {
		abs, err := cellflow.ConvertToAbsolute(s, currentDir())
		if err != nil {
			return nil, err
		}
		cfg.Data.Results = abs
	}
	if s, found := cmd.Parameter(cellflow.KeyWorkers); found {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, cellflow.NewConfigError("workers", "bad worker count %q", s)
		}
		cfg.Loader.Workers = n
	}
	if *modelAddress != "" {
		cfg.Model.Address = *modelAddress
	}
	return cfg, nil
}

func currentDir() string {
	dir, err := os.Getwd()
	if err != nil {
		log.Fatalln("Could not get current directory:", err)
	}
	return dir
}

// DoRun runs the stages chosen by the command, or all stages if stages is nil.
func DoRun(ctx context.Context, cmd cellflow.Command, stages func(predict.Engine) []pipeline.Stage) error {
	cfg, err := LoadCommandConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Logging.SetLogger()

	needsEngine := cmd.Name() != "combine"
	var engine predict.Engine
	if needsEngine {
		remote, err := pipeline.NewEngine(cfg.Model)
		if err != nil {
			return err
		}
		defer remote.Close()
		engine = remote
	}
	d := &pipeline.Driver{Config: cfg, Engine: engine}
	if stages != nil {
		d.Stages = stages(engine)
	}
	return d.Run(ctx)
}
