package snn

import (
	"errors"
	"reflect"
	"testing"

	"github.com/FelixWaiblinger/snn-toolbox/layers"
)

func TestCanonicalParameterName(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"dense_1_3/kernel:0", "dense_1/kernel:0"},
		{"dense_1/kernel:0", "dense_1/kernel:0"},
		{"conv2d/bias:0", "conv2d/bias:0"},
		{"dense_2_bias", "dense_2_bias"},
		{"02Dense_3_class_label/kernel:0", "02Dense_3/kernel:0"},
		{"block_1_conv_7/sub/kernel:0", "block_1/sub/kernel:0"},
	}
	for _, test := range tests {
		if got := CanonicalParameterName(test.name); got != test.expected {
			t.Errorf("CanonicalParameterName(%q) = %q, expected %q", test.name, got, test.expected)
		}
	}
}

func TestCompileScalesBias(t *testing.T) {
	tests := []struct {
		name       string
		relaxation bool
	}{
		{"plain", false},
		{"relaxation", true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			model := classifierModel(t)
			if err := model.SetWeights("dense_class_label", make([]float32, 9), []float32{1, 2, -3}); err != nil {
				t.Fatalf("SetWeights failed: %v", err)
			}
			cfg := testConfig(1)
			cfg.Simulation.Dt = 0.5
			cfg.Cell.BiasRelaxation = test.relaxation
			sim := newCompiledSimulator(t, cfg, model)

			dense := sim.Layers()[0].(*DenseLayer)
			expected := []float32{0.5, 1, -1.5}
			if !reflect.DeepEqual(dense.bias.Value.Data, expected) {
				t.Errorf("bias %v, expected %v", dense.bias.Value.Data, expected)
			}
			if test.relaxation {
				if dense.b0 == nil || !reflect.DeepEqual(dense.b0.Data, expected) {
					t.Errorf("relaxed bias snapshot %v, expected %v", dense.b0, expected)
				}
			} else if dense.b0 != nil {
				t.Error("bias snapshot taken without relaxation")
			}

			// The source model keeps its unscaled values.
			b, _ := model.Parameter("dense_class_label/bias:0")
			if b.Data[0] != 1 {
				t.Errorf("source bias modified: %v", b.Data)
			}
		})
	}
}

func TestBiasRelaxationDecays(t *testing.T) {
	model := classifierModel(t)
	if err := model.SetWeights("dense_class_label", make([]float32, 9), []float32{2, 0, 0}); err != nil {
		t.Fatalf("SetWeights failed: %v", err)
	}
	cfg := testConfig(1)
	cfg.Cell.BiasRelaxation = true
	sim := newCompiledSimulator(t, cfg, model)
	dense := sim.Layers()[0].(*DenseLayer)

	sim.SetTime(1)
	if got := dense.bias.Value.Data[0]; got != 2 {
		t.Errorf("bias at first step %g, expected 2", got)
	}
	sim.SetTime(6)
	if got := dense.bias.Value.Data[0]; got != 1 {
		t.Errorf("bias halfway %g, expected 1", got)
	}
	sim.SetTime(20)
	if got := dense.bias.Value.Data[0]; got != 0 {
		t.Errorf("bias after duration %g, expected 0", got)
	}
}

func TestCompileTransfersWeights(t *testing.T) {
	model := classifierModel(t)
	sim := newCompiledSimulator(t, testConfig(1), model)

	dense := sim.Layers()[0].(*DenseLayer)
	k, _ := model.Parameter("dense_class_label/kernel:0")
	if !reflect.DeepEqual(dense.kernel.Value.Data, k.Data) {
		t.Errorf("kernel %v, expected %v", dense.kernel.Value.Data, k.Data)
	}
	g := sim.Graph()
	if g.ClassOutput().Name() != "dense_class_label" || g.BoundingBoxOutput() != nil {
		t.Errorf("unexpected outputs %v, %v", g.ClassOutput(), g.BoundingBoxOutput())
	}
	if g.Loss[ClassLabelOutput] != "categorical_crossentropy" {
		t.Errorf("loss %v", g.Loss)
	}
	if g.NumClasses() != 3 {
		t.Errorf("classes %d, expected 3", g.NumClasses())
	}
}

func TestCompileIncompleteTransfer(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*layers.ModelSpec)
	}{
		{"unused trained parameter", func(m *layers.ModelSpec) {
			m.Weights = append(m.Weights, layers.ParameterTensor{Name: "ghost/kernel:0", Data: []float32{1}})
		}},
		{"missing trained parameter", func(m *layers.ModelSpec) {
			m.Weights = m.Weights[:1]
		}},
		{"ambiguous canonical names", func(m *layers.ModelSpec) {
			dup := m.Weights[0]
			dup.Name = "dense_class_label_2/kernel:0"
			m.Weights = append(m.Weights, dup)
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			model := classifierModel(t)
			test.modify(model)
			sim, err := NewSimulator(testConfig(1), model, nil)
			if err != nil {
				t.Fatalf("NewSimulator failed: %v", err)
			}
			if err := sim.Build(); err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if err := sim.Compile(); !errors.Is(err, ErrIncompleteTransfer) {
				t.Errorf("expected ErrIncompleteTransfer, got %v", err)
			}
			if sim.Graph() != nil {
				t.Error("graph available after failed compile")
			}
		})
	}
}

func TestCompileParameterShape(t *testing.T) {
	model := classifierModel(t)
	model.Weights[0].Data = model.Weights[0].Data[:4]
	sim, err := NewSimulator(testConfig(1), model, nil)
	if err != nil {
		t.Fatalf("NewSimulator failed: %v", err)
	}
	if err := sim.Build(); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := sim.Compile(); !errors.Is(err, ErrParameterShape) {
		t.Errorf("expected ErrParameterShape, got %v", err)
	}
}

func TestCompileMissingOutput(t *testing.T) {
	t.Run("no class label", func(t *testing.T) {
		model, err := layers.NewModelBuilder([]int{1, 3}).AddDense(3, true, "softmax", "dense_out").Compile()
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		sim, err := NewSimulator(testConfig(1), model, nil)
		if err != nil {
			t.Fatalf("NewSimulator failed: %v", err)
		}
		if err := sim.Build(); err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if err := sim.Compile(); !errors.Is(err, ErrMissingOutput) {
			t.Errorf("expected ErrMissingOutput, got %v", err)
		}
	})

	t.Run("detector without bounding box", func(t *testing.T) {
		cfg := testConfig(1)
		cfg.Simulation.Detector = true
		sim, err := NewSimulator(cfg, classifierModel(t), nil)
		if err != nil {
			t.Fatalf("NewSimulator failed: %v", err)
		}
		if err := sim.Build(); err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if err := sim.Compile(); !errors.Is(err, ErrMissingOutput) {
			t.Errorf("expected ErrMissingOutput, got %v", err)
		}
	})
}

func TestCompileDetectorObjectives(t *testing.T) {
	cfg := testConfig(1)
	cfg.Simulation.Detector = true
	sim := newCompiledSimulator(t, cfg, detectorModel(t))
	g := sim.Graph()
	if g.BoundingBoxOutput() == nil || g.BoundingBoxOutput().Name() != "dense_bounding_box" {
		t.Fatalf("bounding box output not found")
	}
	if g.Loss[BoundingBoxOutput] != "mean_squared_error" {
		t.Errorf("loss %v", g.Loss)
	}
	if !reflect.DeepEqual(g.Metrics[BoundingBoxOutput], []string{"iou"}) {
		t.Errorf("metrics %v", g.Metrics)
	}
}

func TestCompileStats(t *testing.T) {
	sim := newCompiledSimulator(t, testConfig(1), binaryConvModel(t))
	g := sim.Graph()

	tests := []struct {
		name   string
		expect layerStats
	}{
		{layers.InputName, layerStats{fanout: 2 * 9, neurons: 64}},
		{"conv", layerStats{fanin: 9, fanout: 1, neurons: 128, neuronsWithBias: 128}},
		{"pool_a", layerStats{fanout: 1, neurons: 32}},
		{"pool_b", layerStats{fanout: 3, neurons: 8}},
		{"dense_class_label", layerStats{fanin: 8, neurons: 3, neuronsWithBias: 3}},
	}
	for _, test := range tests {
		if got := g.stats[test.name]; got != test.expect {
			t.Errorf("%s: stats %+v, expected %+v", test.name, got, test.expect)
		}
	}
	if g.firstSpiking == nil || g.firstSpiking.Name() != "conv" {
		t.Errorf("first spiking layer %v, expected conv", g.firstSpiking)
	}
}

func TestCompileRejectsCollidingCanonicalNames(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{1, 3}).
		AddDense(3, false, "softmax", "dense_class_label").
		AddLayer(layers.LayerSpec{
			Type:       layers.Dense,
			Name:       "dense_class_aux",
			Inbound:    []string{layers.InputName},
			Parameters: map[string]interface{}{"output_size": 2, "use_bias": false},
		}).
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	if a, b := CanonicalParameterName("dense_class_label/kernel:0"), CanonicalParameterName("dense_class_aux/kernel:0"); a != b {
		t.Fatalf("expected shared canonical name, got %q and %q", a, b)
	}

	sim, err := NewSimulator(testConfig(1), model, nil)
	if err != nil {
		t.Fatalf("NewSimulator failed: %v", err)
	}
	if err := sim.Build(); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := sim.Compile(); !errors.Is(err, ErrIncompleteTransfer) {
		t.Errorf("expected ErrIncompleteTransfer, got %v", err)
	}
}
