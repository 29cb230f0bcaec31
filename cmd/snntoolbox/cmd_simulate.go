package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/FelixWaiblinger/snn-toolbox/checkpoints"
	"github.com/FelixWaiblinger/snn-toolbox/config"
	"github.com/FelixWaiblinger/snn-toolbox/evaluation"
	"github.com/FelixWaiblinger/snn-toolbox/events"
	"github.com/FelixWaiblinger/snn-toolbox/layers"
	"github.com/FelixWaiblinger/snn-toolbox/logging"
	"github.com/FelixWaiblinger/snn-toolbox/snn"
	"github.com/FelixWaiblinger/snn-toolbox/storage"
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate a converted network on a test set",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			modelPath, _ := cmd.Flags().GetString("model")
			dataPath, _ := cmd.Flags().GetString("data")
			saveDir, _ := cmd.Flags().GetString("save")
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer storage.CloseIfSupported(store)

			run, err := runSimulation(ctx, simulationJob{
				cfg:       cfg,
				modelPath: modelPath,
				dataPath:  dataPath,
				saveDir:   saveDir,
				logger:    logger,
				out:       cmd.OutOrStdout(),
				progress:  cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			if err := store.SaveRun(ctx, run); err != nil {
				return fmt.Errorf("failed to store run: %w", err)
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(run)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s: accuracy %.2f%% over %d samples\n", run.ID, run.Accuracy*100, run.Samples)
			return nil
		},
	}

	cmd.Flags().String("model", "", "Path to the trained model checkpoint (.json or .onnx)")
	cmd.Flags().String("data", "", "Path to the JSON test set")
	cmd.Flags().String("save", "", "Directory to save the spiking graph to")
	cmd.MarkFlagRequired("model")
	cmd.MarkFlagRequired("data")
	return cmd
}

// simulationJob bundles the inputs of one simulate invocation.
type simulationJob struct {
	cfg       *config.Config
	modelPath string
	dataPath  string
	saveDir   string
	logger    *slog.Logger
	out       io.Writer
	progress  io.Writer
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	store, err := storage.NewStore(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	return store, nil
}

// buildSimulator loads a checkpoint and returns a compiled simulator for it
// together with the parsed source model.
func buildSimulator(cfg *config.Config, modelPath string, logger *slog.Logger) (*snn.Simulator, *layers.ModelSpec, error) {
	checkpoint, err := checkpoints.Load(modelPath)
	if err != nil {
		return nil, nil, err
	}
	parsed, err := checkpoint.Model(cfg.Simulation.BatchSize)
	if err != nil {
		return nil, nil, err
	}
	sim, err := snn.NewSimulator(cfg, parsed, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := sim.Build(); err != nil {
		return nil, nil, err
	}
	if err := sim.Compile(); err != nil {
		return nil, nil, err
	}
	return sim, parsed, nil
}

func runSimulation(ctx context.Context, job simulationJob) (storage.RunRecord, error) {
	cfg := job.cfg
	logger := logging.OrDiscard(job.logger)

	sim, _, err := buildSimulator(cfg, job.modelPath, logger)
	if err != nil {
		return storage.RunRecord{}, err
	}
	sim.SetOutput(job.out)

	ds, err := loadDataset(job.dataPath)
	if err != nil {
		return storage.RunRecord{}, err
	}

	var frames *events.FrameGenerator
	if cfg.InputMode() == config.ModeEventReplay {
		if ds.Events == nil {
			return storage.RunRecord{}, fmt.Errorf("event replay needs event streams in %s", job.dataPath)
		}
		in := ds.Shape
		if len(in) != 4 {
			return storage.RunRecord{}, fmt.Errorf("event replay needs [n, 1, h, w] samples, got %v", in)
		}
		if frames, err = events.NewFrameGenerator(in[2], in[3], int64(cfg.Input.EventframeWidth)); err != nil {
			return storage.RunRecord{}, err
		}
		sim.SetEventSource(frames)
	}

	batchSize := cfg.Simulation.BatchSize
	numBatches := ds.numBatches(batchSize)
	if numBatches == 0 {
		return storage.RunRecord{}, fmt.Errorf("dataset has %d samples, fewer than the batch size %d", ds.samples(), batchSize)
	}
	if rest := ds.samples() % batchSize; rest != 0 {
		logger.Warn("skipping incomplete last batch", "samples", rest)
	}

	run := storage.NewRunRecord(storage.NewRunID())
	run.Model = filepath.Base(job.modelPath)
	run.Dataset = filepath.Base(job.dataPath)
	run.InputMode = cfg.InputMode().String()
	run.Duration = cfg.Simulation.Duration
	run.Dt = cfg.Simulation.Dt

	cm := evaluation.NewConfusionMatrix(sim.Graph().NumClasses())
	progress := evaluation.NewProgressBar(job.progress, "Batches", numBatches)
	for i := 0; i < numBatches; i++ {
		x, truth, streams, err := ds.batch(i, batchSize)
		if err != nil {
			return storage.RunRecord{}, err
		}
		if frames != nil {
			if err := frames.SetBatch(streams); err != nil {
				return storage.RunRecord{}, fmt.Errorf("batch %d: %w", i, err)
			}
		}

		logger.Info("starting new simulation", "batch", i+1, "of", numBatches)
		sim.Reset(i)
		result, err := sim.Simulate(ctx, snn.Batch{X: x, Truth: truth})
		if err != nil {
			return storage.RunRecord{}, fmt.Errorf("batch %d: %w", i, err)
		}

		br := storage.BatchResult{
			Index:                i,
			Truth:                truth,
			Predictions:          result.Predictions,
			Accuracy:             result.Accuracy,
			EffectiveSteps:       result.EffectiveSteps,
			StepsSimulated:       result.StepsSimulated,
			EarlyStopped:         result.EarlyStopped,
			RemainingInputEvents: result.RemainingInputEvents,
		}
		if rec := result.Recorder; rec != nil {
			br.SynapticOperations = rec.TotalSynapticOperations()
			br.NeuronOperations = rec.TotalNeuronOperations()
		}
		for _, rate := range result.BoxRate {
			br.BoxRate = append(br.BoxRate, rate...)
		}
		run.AddBatch(br)
		if err := cm.Update(truth, result.Predictions); err != nil {
			return storage.RunRecord{}, fmt.Errorf("batch %d: %w", i, err)
		}
		progress.Update(i+1, map[string]float64{"accuracy": run.Accuracy})
	}
	progress.Finish()
	sim.EndSim()
	run.MacroF1 = cm.GetMetric(evaluation.MacroF1)
	run.UndecidedRate = cm.UndecidedRate()

	if job.saveDir != "" {
		if err := sim.Save(job.saveDir, "snn_"+trimExt(run.Model)); err != nil {
			return storage.RunRecord{}, err
		}
	}
	return run, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
