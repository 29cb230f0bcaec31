package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/FelixWaiblinger/snn-toolbox/checkpoints"
	"github.com/FelixWaiblinger/snn-toolbox/config"
	"github.com/FelixWaiblinger/snn-toolbox/layers"
	"github.com/FelixWaiblinger/snn-toolbox/storage"
)

func writeModel(t *testing.T, dir string) string {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{1, 3}).
		AddDense(3, true, "softmax", "dense_class_label").
		Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	kernel := []float32{
		0.25, 0, 0,
		0, 0.25, 0,
		0, 0, 0.25,
	}
	if err := model.SetWeights("dense_class_label", kernel, []float32{0, 0, 0}); err != nil {
		t.Fatalf("set weights: %v", err)
	}
	path := filepath.Join(dir, "classifier.json")
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	if err := saver.SaveCheckpoint(checkpoints.NewCheckpoint(model, "test"), path); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	return path
}

func writeDataset(t *testing.T, dir string, ds dataset) string {
	t.Helper()
	data, err := json.Marshal(ds)
	if err != nil {
		t.Fatalf("marshal dataset: %v", err)
	}
	path := filepath.Join(dir, "test_set.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	return path
}

func testJobConfig() *config.Config {
	cfg := config.Default()
	cfg.Simulation.Duration = 10
	cfg.Simulation.Seed = 7
	cfg.Output.Verbose = 0
	return cfg
}

func TestRunSimulation(t *testing.T) {
	dir := t.TempDir()
	ds := dataset{
		Shape: []int{3, 3},
		X: []float32{
			1, 0, 0,
			0, 0, 1,
			0, 1, 0,
		},
		Y: []int{0, 2, 0},
	}
	var out bytes.Buffer
	job := simulationJob{
		cfg:       testJobConfig(),
		modelPath: writeModel(t, dir),
		dataPath:  writeDataset(t, dir, ds),
		saveDir:   dir,
		out:       &out,
	}

	run, err := runSimulation(context.Background(), job)
	if err != nil {
		t.Fatalf("runSimulation failed: %v", err)
	}
	if len(run.Batches) != 3 || run.Samples != 3 {
		t.Fatalf("expected 3 batches of one sample, got %+v", run)
	}
	expected := []int{0, 2, 1}
	for i, b := range run.Batches {
		if b.Predictions[0] != expected[i] {
			t.Errorf("batch %d: prediction %d, expected %d", i, b.Predictions[0], expected[i])
		}
	}
	if run.Accuracy < 0.66 || run.Accuracy > 0.67 {
		t.Errorf("accuracy = %g, expected 2/3", run.Accuracy)
	}
	if run.Model != "classifier.json" || run.InputMode != "direct" {
		t.Errorf("unexpected run metadata %q %q", run.Model, run.InputMode)
	}
	if _, err := os.Stat(filepath.Join(dir, "snn_classifier.json")); err != nil {
		t.Errorf("spiking graph not saved: %v", err)
	}
	if !strings.Contains(out.String(), "%") {
		t.Errorf("expected live accuracy output, got %q", out.String())
	}
}

func TestRunSimulationSkipsPartialBatch(t *testing.T) {
	dir := t.TempDir()
	cfg := testJobConfig()
	cfg.Simulation.BatchSize = 2
	ds := dataset{Shape: []int{3, 3}, X: make([]float32, 9), Y: []int{0, 1, 2}}

	run, err := runSimulation(context.Background(), simulationJob{
		cfg:       cfg,
		modelPath: writeModel(t, dir),
		dataPath:  writeDataset(t, dir, ds),
		out:       &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("runSimulation failed: %v", err)
	}
	if len(run.Batches) != 1 || run.Samples != 2 {
		t.Errorf("expected one full batch, got %d batches and %d samples", len(run.Batches), run.Samples)
	}
}

func TestRunSimulationEventReplayNeedsStreams(t *testing.T) {
	dir := t.TempDir()
	cfg := testJobConfig()
	cfg.Input.EventReplay = true
	ds := dataset{Shape: []int{1, 3}, X: make([]float32, 3), Y: []int{0}}

	_, err := runSimulation(context.Background(), simulationJob{
		cfg:       cfg,
		modelPath: writeModel(t, dir),
		dataPath:  writeDataset(t, dir, ds),
		out:       &bytes.Buffer{},
	})
	if err == nil || !strings.Contains(err.Error(), "event streams") {
		t.Fatalf("expected missing event streams error, got %v", err)
	}
}

func TestDatasetValidate(t *testing.T) {
	tests := []struct {
		name    string
		ds      dataset
		wantErr bool
	}{
		{"valid", dataset{Shape: []int{2, 2}, X: make([]float32, 4), Y: []int{0, 1}}, false},
		{"no sample dimension", dataset{Shape: []int{4}, X: make([]float32, 4), Y: []int{0}}, true},
		{"short data", dataset{Shape: []int{2, 2}, X: make([]float32, 3), Y: []int{0, 1}}, true},
		{"missing labels", dataset{Shape: []int{2, 2}, X: make([]float32, 4), Y: []int{0}}, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.ds.validate()
			if (err != nil) != test.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, test.wantErr)
			}
		})
	}
}

func TestDatasetBatch(t *testing.T) {
	ds := dataset{Shape: []int{4, 2}, X: []float32{0, 1, 2, 3, 4, 5, 6, 7}, Y: []int{0, 1, 0, 1}}
	x, y, streams, err := ds.batch(1, 2)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if x.Shape[0] != 2 || x.Data[0] != 4 || x.Data[3] != 7 {
		t.Errorf("unexpected batch %v", x.Data)
	}
	if y[0] != 0 || y[1] != 1 || streams != nil {
		t.Errorf("unexpected labels %v or streams %v", y, streams)
	}
	if _, _, _, err := ds.batch(2, 2); err == nil {
		t.Error("expected error past the last batch")
	}
}

func TestStoreRoundTripThroughConfig(t *testing.T) {
	cfg := testJobConfig()
	cfg.Store.Backend = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	defer storage.CloseIfSupported(store)

	run := storage.NewRunRecord(storage.NewRunID())
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if _, ok, err := store.GetRun(ctx, run.ID); err != nil || !ok {
		t.Fatalf("run not found: ok=%v err=%v", ok, err)
	}
}

func TestVersionCmd(t *testing.T) {
	cmd := newVersionCmd()
	cmd.Flags().Bool("json", false, "")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), version) {
		t.Errorf("version output %q", out.String())
	}
}

func TestRunSimulationScoresUndecided(t *testing.T) {
	dir := t.TempDir()
	ds := dataset{Shape: []int{2, 3}, X: []float32{1, 0, 0, 0, 0, 0}, Y: []int{0, 1}}

	run, err := runSimulation(context.Background(), simulationJob{
		cfg:       testJobConfig(),
		modelPath: writeModel(t, dir),
		dataPath:  writeDataset(t, dir, ds),
		progress:  &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("runSimulation failed: %v", err)
	}
	if run.UndecidedRate != 0.5 {
		t.Errorf("undecided rate = %g, expected 0.5", run.UndecidedRate)
	}
	if run.Batches[1].Predictions[0] != -1 {
		t.Errorf("silent sample predicted %d", run.Batches[1].Predictions[0])
	}
}
