package snn

import (
	"testing"

	"github.com/FelixWaiblinger/snn-toolbox/config"
	"github.com/FelixWaiblinger/snn-toolbox/layers"
)

func testConfig(batch int) *config.Config {
	cfg := config.Default()
	cfg.Simulation.Duration = 10
	cfg.Simulation.Dt = 1
	cfg.Simulation.BatchSize = batch
	cfg.Simulation.Seed = 7
	return cfg
}

// classifierModel is input -> dense with three classes. The kernel scales
// feature i onto class i by 0.25, so a unit input fires every fourth step.
func classifierModel(t *testing.T) *layers.ModelSpec {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{1, 3}).
		AddDense(3, true, "softmax", "dense_class_label").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	kernel := []float32{
		0.25, 0, 0,
		0, 0.25, 0,
		0, 0, 0.25,
	}
	if err := model.SetWeights("dense_class_label", kernel, []float32{0, 0, 0}); err != nil {
		t.Fatalf("SetWeights failed: %v", err)
	}
	return model
}

// detectorModel adds a four unit bounding-box head next to the classifier.
func detectorModel(t *testing.T) *layers.ModelSpec {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{1, 3}).
		AddDense(3, true, "softmax", "dense_class_label").
		AddLayer(layers.LayerSpec{
			Type:       layers.Dense,
			Name:       "dense_bounding_box",
			Inbound:    []string{layers.InputName},
			Parameters: map[string]interface{}{"output_size": 4, "use_bias": false},
		}).
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	class := make([]float32, 9)
	class[0] = 0.25
	if err := model.SetWeights("dense_class_label", class, nil); err != nil {
		t.Fatalf("SetWeights failed: %v", err)
	}
	box := make([]float32, 12)
	for j := 0; j < 4; j++ {
		box[j] = 0.25 // feature 0 drives every box unit
	}
	if err := model.SetWeights("dense_bounding_box", box, nil); err != nil {
		t.Fatalf("SetWeights failed: %v", err)
	}
	return model
}

// binaryConvModel is conv(binary) -> maxpool -> maxpool -> flatten -> dense.
func binaryConvModel(t *testing.T) *layers.ModelSpec {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{1, 1, 8, 8}).
		AddConv2D(2, 3, 1, 1, true, "binary_sigmoid", "conv").
		AddMaxPool2D(2, 0, "pool_a").
		AddMaxPool2D(2, 0, "pool_b").
		AddFlatten("flat").
		AddDense(3, true, "relu", "dense_class_label").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	return model
}

func newCompiledSimulator(t *testing.T, cfg *config.Config, model *layers.ModelSpec) *Simulator {
	t.Helper()
	sim, err := NewSimulator(cfg, model, nil)
	if err != nil {
		t.Fatalf("NewSimulator failed: %v", err)
	}
	if err := sim.Build(); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := sim.Compile(); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return sim
}
