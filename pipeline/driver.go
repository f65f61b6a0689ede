/*
	Package pipeline runs the segmentation stages over every configured dataset: the
	per-axis prediction, the combination into a masked flow field and mask, and any
	stages appended by the caller.
*/
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/twinj/uuid"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/monitor"
	"github.com/janelia-flyem/cellflow/predict"
	"github.com/janelia-flyem/cellflow/rpc"

	// Storage engines selected by store reference.
	_ "github.com/janelia-flyem/cellflow/storage/badger"
	_ "github.com/janelia-flyem/cellflow/storage/filestore"
	_ "github.com/janelia-flyem/cellflow/storage/swift"
)

// Driver runs stages for each dataset of a configuration.
type Driver struct {
	Config *Config

	// Engine runs inference for the predict stage.
	Engine predict.Engine

	// Stages run in order on each dataset.  If nil, the predict and combine stages
	// are run.
	Stages []Stage

	// Notifier receives activity events.  If nil, one is created from the kafka
	// configuration.
	Notifier Notifier
}

// DefaultStages returns the predict and combine stages.
func (d *Driver) DefaultStages() []Stage {
	return []Stage{&PredictStage{Engine: d.Engine}, &CombineStage{}}
}

// NewEngine returns a remote inference engine for the configured model server.
func NewEngine(mc ModelConfig) (*rpc.RemoteEngine, error) {
	if mc.Address == "" {
		return nil, cellflow.NewConfigError("model.address", "no inference server address given")
	}
	return rpc.NewRemoteEngine(mc.Address, mc.Name), nil
}

// Run validates the configuration and then runs every stage on every dataset.  The
// resource monitor, if enabled, is stopped on every exit path.
func (d *Driver) Run(ctx context.Context) (err error) {
	if d.Config == nil {
		return cellflow.NewConfigError("", "no configuration")
	}
	cfg := d.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	stages := d.Stages
	if stages == nil {
		stages = d.DefaultStages()
	}
	runID := fmt.Sprintf("%x", uuid.NewV4().Bytes())
	env := &Env{RunID: runID, Config: cfg, Notifier: d.Notifier}
	if env.Notifier == nil {
		if env.Notifier, err = NewNotifier(cfg.Kafka, runID); err != nil {
			return fmt.Errorf("unable to start kafka activity log: %w", err)
		}
		defer env.Notifier.Close()
	}

	if cfg.Monitor.Enabled {
		interval, _ := cfg.MonitorInterval()
		m := monitor.Start(ctx, interval)
		defer func() {
			m.Stop()
			if isLocal(cfg.Data.Results) {
				if rerr := m.Report(cfg.Data.Results); rerr != nil {
					cellflow.Warningf("Unable to write resource report: %v\n", rerr)
				}
			}
		}()
	}

	cellflow.Infof("Starting run %s over %d datasets\n", runID, len(cfg.Data.Datasets))
	for _, dataset := range cfg.Data.Datasets {
		p := cfg.PathsFor(dataset)
		if isLocal(p.Results) {
			if err := os.MkdirAll(p.Results, 0755); err != nil {
				return err
			}
		}
		for _, stage := range stages {
			if err := ctx.Err(); err != nil {
				return err
			}
			env.notify(EventStageStart, stage.Name(), p, nil)
			timedLog := cellflow.NewTimeLog()
			next, err := stage.Run(ctx, env, p)
			if err != nil {
				env.notify(EventFailed, stage.Name(), p, map[string]interface{}{"error": err.Error()})
				return fmt.Errorf("%s stage on %s: %w", stage.Name(), dataset, err)
			}
			env.notify(EventStageEnd, stage.Name(), p, map[string]interface{}{"elapsed_s": timedLog.Elapsed().Seconds()})
			timedLog.Infof("%s stage finished on %s", stage.Name(), dataset)
			p = next
		}
	}
	return nil
}

func isLocal(ref string) bool {
	return ref != "" && !strings.Contains(ref, "://")
}
