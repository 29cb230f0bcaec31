package checkpoints

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/FelixWaiblinger/snn-toolbox/layers"
)

// createTestModel builds a small convolutional classifier with deterministic
// weights.
func createTestModel(t *testing.T) *layers.ModelSpec {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{2, 1, 4, 4}).
		AddConv2D(2, 3, 1, 1, true, "relu", "00Conv2D_2x4x4").
		AddAvgPool2D(2, 0, "01AvgPool2D_2x2x2").
		AddDense(3, true, "softmax", "02Dense_3_class_label").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	for i := range model.Weights {
		for j := range model.Weights[i].Data {
			model.Weights[i].Data[j] = float32((i+1)*(j%7)) * 0.125
		}
	}
	return model
}

func TestFormatForPath(t *testing.T) {
	tests := []struct {
		path     string
		expected CheckpointFormat
	}{
		{"model.onnx", FormatONNX},
		{"MODEL.ONNX", FormatONNX},
		{"model.json", FormatJSON},
		{"model", FormatJSON},
	}
	for _, test := range tests {
		if got := FormatForPath(test.path); got != test.expected {
			t.Errorf("FormatForPath(%q) = %s, expected %s", test.path, got, test.expected)
		}
	}
}

func TestJSONCheckpointRoundTrip(t *testing.T) {
	model := createTestModel(t)
	path := filepath.Join(t.TempDir(), "model.json")

	saver := NewCheckpointSaver(FormatJSON)
	if err := saver.SaveCheckpoint(NewCheckpoint(model, "test"), path); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Metadata.Description != "test" {
		t.Errorf("description = %q", loaded.Metadata.Description)
	}

	restored, err := loaded.Model(5)
	if err != nil {
		t.Fatalf("Model failed: %v", err)
	}
	if restored.InputShape[0] != 5 {
		t.Errorf("batch size = %d, expected 5", restored.InputShape[0])
	}
	assertSameWeights(t, model, restored)
}

func TestONNXRoundTrip(t *testing.T) {
	model := createTestModel(t)
	path := filepath.Join(t.TempDir(), "model.onnx")

	if err := NewCheckpointSaver(FormatONNX).SaveCheckpoint(NewCheckpoint(model, ""), path); err != nil {
		t.Fatalf("ONNX export failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("ONNX import failed: %v", err)
	}
	restored, err := loaded.Model(2)
	if err != nil {
		t.Fatalf("Model failed: %v", err)
	}

	// The dense layer's implicit flatten comes back as an explicit layer.
	expectedTypes := []layers.LayerType{layers.Conv2D, layers.AvgPool2D, layers.Flatten, layers.Dense}
	if len(restored.Layers) != len(expectedTypes) {
		t.Fatalf("expected %d layers, got %d", len(expectedTypes), len(restored.Layers))
	}
	for i, lt := range expectedTypes {
		if restored.Layers[i].Type != lt {
			t.Errorf("layer %d: type %s, expected %s", i, restored.Layers[i].Type, lt)
		}
	}

	conv, _ := restored.Layer("00Conv2D_2x4x4")
	if conv == nil || conv.Activation != "relu" {
		t.Errorf("conv activation not restored: %+v", conv)
	}
	out, ok := restored.Layer("02Dense_3_class_label")
	if !ok || out.Activation != "softmax" {
		t.Fatalf("output layer not restored: %+v", out)
	}
	if !reflect.DeepEqual(out.OutputShape, []int{2, 3}) {
		t.Errorf("output shape %v, expected [2 3]", out.OutputShape)
	}
	assertSameWeights(t, model, restored)
}

func TestONNXImportGemmAndRename(t *testing.T) {
	kernel := []float32{1, 2, 3, 4, 5, 6} // [out=2, in=3] with transB
	graph := &GraphProto{
		Name: "g",
		Input: []*ValueInfoProto{{
			Name:     "x",
			ElemType: TensorProtoFloat,
			Shape:    []Dimension{{Param: "N"}, {Value: 3}},
		}},
		Output: []*ValueInfoProto{{Name: "dense_class_label"}},
		Initializer: []*TensorProto{
			{Name: "W", DataType: TensorProtoFloat, Dims: []int64{2, 3}, FloatData: kernel},
			{Name: "B", DataType: TensorProtoFloat, Dims: []int64{2}, FloatData: []float32{0.5, -0.5}},
		},
		Node: []*NodeProto{
			{OpType: "Gemm", Name: "fc", Input: []string{"x", "W", "B"}, Output: []string{"y"},
				Attribute: []*AttributeProto{intAttr("transB", 1)}},
			{OpType: "Softmax", Input: []string{"y"}, Output: []string{"dense_class_label"}},
		},
	}
	path := filepath.Join(t.TempDir(), "gemm.onnx")
	model := &ModelProto{IrVersion: 7, ProducerName: "test", Graph: graph}
	if err := os.WriteFile(path, model.Marshal(), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	loaded, err := NewONNXImporter().ImportFromONNX(path)
	if err != nil {
		t.Fatalf("ImportFromONNX failed: %v", err)
	}
	spec := loaded.ModelSpec
	if _, ok := spec.Layer("dense_class_label"); !ok {
		t.Fatalf("expected layer renamed to graph output, got %+v", spec.Layers)
	}
	w, _ := spec.Parameter("dense_class_label/kernel:0")
	if !reflect.DeepEqual(w.Data, []float32{1, 4, 2, 5, 3, 6}) {
		t.Errorf("kernel = %v, expected transposed [1 4 2 5 3 6]", w.Data)
	}
}

func TestONNXUnsupportedOp(t *testing.T) {
	graph := &GraphProto{
		Input: []*ValueInfoProto{{Name: "x", Shape: []Dimension{{Value: 1}, {Value: 4}}}},
		Node:  []*NodeProto{{OpType: "LSTM", Name: "rnn", Input: []string{"x"}, Output: []string{"y"}}},
	}
	path := filepath.Join(t.TempDir(), "bad.onnx")
	if err := os.WriteFile(path, (&ModelProto{Graph: graph}).Marshal(), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrUnsupportedOp) {
		t.Errorf("expected ErrUnsupportedOp, got %v", err)
	}
}

func TestTensorProtoRawData(t *testing.T) {
	tp := &TensorProto{
		Name:     "raw",
		DataType: TensorProtoFloat,
		RawData:  []byte{0, 0, 128, 63, 0, 0, 0, 192}, // 1.0, -2.0 little endian
	}
	vals, err := tp.Floats()
	if err != nil {
		t.Fatalf("Floats failed: %v", err)
	}
	if !reflect.DeepEqual(vals, []float32{1, -2}) {
		t.Errorf("Floats = %v, expected [1 -2]", vals)
	}

	tp.DataType = 7
	if _, err := tp.Floats(); err == nil {
		t.Error("expected error for non-float tensor")
	}
}

func assertSameWeights(t *testing.T, want, got *layers.ModelSpec) {
	t.Helper()
	for _, w := range want.Weights {
		p, ok := got.Parameter(w.Name)
		if !ok {
			t.Errorf("weight %s missing", w.Name)
			continue
		}
		if !reflect.DeepEqual(p.Data, w.Data) {
			t.Errorf("weight %s differs", w.Name)
		}
	}
}
