package snn

import (
	"errors"
	"math"
	"testing"

	"github.com/FelixWaiblinger/snn-toolbox/tensor"
)

func TestScaleFirstLayerParameters(t *testing.T) {
	model := classifierModel(t)
	if err := model.SetWeights("dense_class_label", []float32{
		1, 0, 0,
		0, 2, 0,
		0, 0, 0,
	}, []float32{0.5, 0, 0}); err != nil {
		t.Fatalf("SetWeights failed: %v", err)
	}
	sim := newCompiledSimulator(t, testConfig(2), model)

	input := tensor.MustNew([]int{2, 3}, []float32{
		1, 1, 0,
		3, 0, 0,
	})
	// D=10, t=4, tau=1: alpha = 11/5, gain = 6/5.
	if err := sim.ScaleFirstLayerParameters(4, input, 1); err != nil {
		t.Fatalf("ScaleFirstLayerParameters failed: %v", err)
	}
	dense := sim.Layers()[0].(*DenseLayer)

	if got := dense.kernel.Value.Data[0]; math.Abs(float64(got)-2.2) > 1e-5 {
		t.Errorf("kernel[0] = %g, expected 2.2", got)
	}
	if got := dense.kernel.Value.Data[4]; math.Abs(float64(got)-4.4) > 1e-5 {
		t.Errorf("kernel[4] = %g, expected 4.4", got)
	}
	// Mean drive is [2, 1, 0].
	expected := []float64{0.5 + 1.2*2, 1.2 * 1, 0}
	for j, want := range expected {
		if got := dense.bias.Value.Data[j]; math.Abs(float64(got)-want) > 1e-5 {
			t.Errorf("bias[%d] = %g, expected %g", j, got, want)
		}
	}
}

func TestScaleFirstLayerParametersUnsupported(t *testing.T) {
	sim := newCompiledSimulator(t, testConfig(1), binaryConvModel(t))
	input := tensor.MustNew([]int{1, 1, 8, 8}, nil)
	if err := sim.ScaleFirstLayerParameters(4, input, 1); !errors.Is(err, ErrUnsupportedLayer) {
		t.Errorf("expected ErrUnsupportedLayer, got %v", err)
	}
}
