package layers

import (
	"errors"
	"fmt"
	"strings"
)

// InputName is the name under which the model input is referenced by the
// inbound lists of the first layers.
const InputName = "input"

var (
	// ErrUnknownInbound is returned when a layer references an inbound layer
	// that has not been defined before it.
	ErrUnknownInbound = errors.New("unknown inbound layer")
	// ErrUnknownLayerType is returned for type tags outside the supported set.
	ErrUnknownLayerType = errors.New("unknown layer type")
)

// LayerType represents the type of a trained network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	MaxPool2D
	AvgPool2D
	Flatten
	Concatenate
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case MaxPool2D:
		return "MaxPool2D"
	case AvgPool2D:
		return "AvgPool2D"
	case Flatten:
		return "Flatten"
	case Concatenate:
		return "Concatenate"
	default:
		return "Unknown"
	}
}

// ParseLayerType maps a type tag back to its LayerType.
func ParseLayerType(tag string) (LayerType, error) {
	switch strings.ToLower(tag) {
	case "dense":
		return Dense, nil
	case "conv2d":
		return Conv2D, nil
	case "maxpool2d", "maxpooling2d":
		return MaxPool2D, nil
	case "avgpool2d", "averagepooling2d":
		return AvgPool2D, nil
	case "flatten":
		return Flatten, nil
	case "concatenate":
		return Concatenate, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownLayerType, tag)
	}
}

// HasParameters reports whether layers of this type carry learned weights.
func (lt LayerType) HasParameters() bool {
	return lt == Dense || lt == Conv2D
}

// LayerSpec describes one layer of a trained network: its type, its place in
// the graph and its configuration. Learned values live in ModelSpec.Weights.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Inbound    []string               `json:"inbound,omitempty"`
	Activation string                 `json:"activation,omitempty"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ParameterTensor holds one learned tensor of a layer.
type ParameterTensor struct {
	Name  string    `json:"name"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "kernel" or "bias"
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// ModelSpec is a compiled trained network: layers in topological order plus
// all learned parameter tensors.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64             `json:"total_parameters"`
	InputShape      []int             `json:"input_shape"`
	OutputShape     []int             `json:"output_shape"`
	Weights         []ParameterTensor `json:"weights,omitempty"`
	Compiled        bool              `json:"compiled"`
}

// ParameterName returns the canonical name of a learned tensor of a layer.
func ParameterName(layer, kind string) string {
	return fmt.Sprintf("%s/%s:0", layer, kind)
}

// ModelBuilder helps construct trained network descriptions
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape includes the batch
// dimension, e.g. [batch, channels, height, width] or [batch, features].
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// AddLayer adds a layer to the model. An empty inbound list connects the
// layer to the previously added layer (or the input for the first layer).
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if len(layer.Inbound) == 0 {
		if len(mb.layers) == 0 {
			layer.Inbound = []string{InputName}
		} else {
			layer.Inbound = []string{mb.layers[len(mb.layers)-1].Name}
		}
	}
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddDense adds a fully connected layer.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, activation, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Dense,
		Name:       name,
		Activation: activation,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, activation, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Conv2D,
		Name:       name,
		Activation: activation,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddMaxPool2D adds a max pooling layer; stride defaults to poolSize when 0.
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride int, name string) *ModelBuilder {
	return mb.addPool(MaxPool2D, poolSize, stride, name)
}

// AddAvgPool2D adds an average pooling layer; stride defaults to poolSize when 0.
func (mb *ModelBuilder) AddAvgPool2D(poolSize, stride int, name string) *ModelBuilder {
	return mb.addPool(AvgPool2D, poolSize, stride, name)
}

func (mb *ModelBuilder) addPool(lt LayerType, poolSize, stride int, name string) *ModelBuilder {
	if stride == 0 {
		stride = poolSize
	}
	return mb.AddLayer(LayerSpec{
		Type: lt,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
		},
	})
}

// AddFlatten adds a flatten layer
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name})
}

// AddConcatenate joins the outputs of the inbound layers along the channel axis.
func (mb *ModelBuilder) AddConcatenate(name string, inbound ...string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Concatenate,
		Name:       name,
		Inbound:    inbound,
		Parameters: map[string]interface{}{"axis": 1},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, fmt.Errorf("input shape %v must include a batch dimension", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	copy(model.Layers, mb.layers)

	shapes := map[string][]int{InputName: mb.inputShape}
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]
		if _, dup := shapes[layer.Name]; dup || layer.Name == "" {
			return nil, fmt.Errorf("layer %d: name %q is empty or not unique", i, layer.Name)
		}

		inputShapes := make([][]int, 0, len(layer.Inbound))
		for _, inb := range layer.Inbound {
			shape, ok := shapes[inb]
			if !ok {
				return nil, fmt.Errorf("layer %d (%s): %w %q", i, layer.Name, ErrUnknownInbound, inb)
			}
			inputShapes = append(inputShapes, shape)
		}

		layer.Parameters = cloneParameters(layer.Parameters)
		layer.InputShape = append([]int(nil), inputShapes[0]...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, inputShapes)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount
		totalParams += paramCount
		shapes[layer.Name] = outputShape

		kinds := []string{"kernel", "bias"}
		for j, shape := range paramShapes {
			model.Weights = append(model.Weights, ParameterTensor{
				Name:  ParameterName(layer.Name, kinds[j]),
				Layer: layer.Name,
				Type:  kinds[j],
				Shape: shape,
				Data:  make([]float32, shapeSize(shape)),
			})
		}
	}

	model.OutputShape = model.Layers[len(model.Layers)-1].OutputShape
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

func cloneParameters(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShapes [][]int) ([]int, [][]int, int64, error) {
	if layer.Type != Concatenate && len(inputShapes) != 1 {
		return nil, nil, 0, fmt.Errorf("%s layer takes exactly one inbound layer, got %d", layer.Type, len(inputShapes))
	}

	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShapes[0])
	case Conv2D:
		return computeConv2DInfo(layer, inputShapes[0])
	case MaxPool2D, AvgPool2D:
		return computePoolInfo(layer, inputShapes[0])
	case Flatten:
		shape := inputShapes[0]
		return []int{shape[0], shapeSize(shape[1:])}, [][]int{}, 0, nil
	case Concatenate:
		return computeConcatInfo(layer, inputShapes)
	default:
		return nil, nil, 0, fmt.Errorf("%w: %s", ErrUnknownLayerType, layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	// Dense layers flatten all dimensions except batch
	inputSize := shapeSize(inputShape[1:])
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := getIntParam(layer.Parameters, "output_channels", 0)
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 0)
	if outputChannels <= 0 || kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_channels or kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", 1)
	padding := getIntParam(layer.Parameters, "padding", 0)
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputShape[2]+2*padding-kernelSize)/stride + 1
	outputWidth := (inputShape[3]+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, fmt.Errorf("kernel %d does not fit input %v", kernelSize, inputShape)
	}

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels * inputChannels * kernelSize * kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return []int{inputShape[0], outputChannels, outputHeight, outputWidth}, paramShapes, paramCount, nil
}

func computePoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("%s layer requires 4D input [batch, channels, height, width]", layer.Type)
	}
	poolSize := getIntParam(layer.Parameters, "pool_size", 2)
	stride := getIntParam(layer.Parameters, "stride", poolSize)
	layer.Parameters["pool_size"] = poolSize
	layer.Parameters["stride"] = stride

	outputHeight := (inputShape[2]-poolSize)/stride + 1
	outputWidth := (inputShape[3]-poolSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, fmt.Errorf("pool size %d does not fit input %v", poolSize, inputShape)
	}
	return []int{inputShape[0], inputShape[1], outputHeight, outputWidth}, [][]int{}, 0, nil
}

func computeConcatInfo(layer *LayerSpec, inputShapes [][]int) ([]int, [][]int, int64, error) {
	axis := getIntParam(layer.Parameters, "axis", 1)
	first := inputShapes[0]
	if axis < 0 {
		axis += len(first)
	}
	if axis <= 0 || axis >= len(first) {
		return nil, nil, 0, fmt.Errorf("invalid concatenation axis %d for rank %d", axis, len(first))
	}
	layer.Parameters["axis"] = axis

	out := append([]int(nil), first...)
	out[axis] = 0
	for _, shape := range inputShapes {
		if len(shape) != len(first) {
			return nil, nil, 0, fmt.Errorf("cannot concatenate shapes %v and %v", first, shape)
		}
		for d := range shape {
			if d != axis && shape[d] != first[d] {
				return nil, nil, 0, fmt.Errorf("cannot concatenate shapes %v and %v", first, shape)
			}
		}
		out[axis] += shape[axis]
	}
	return out, [][]int{}, 0, nil
}

// Layer returns the layer with the given name.
func (ms *ModelSpec) Layer(name string) (*LayerSpec, bool) {
	for i := range ms.Layers {
		if ms.Layers[i].Name == name {
			return &ms.Layers[i], true
		}
	}
	return nil, false
}

// Parameter returns the learned tensor with the given name.
func (ms *ModelSpec) Parameter(name string) (*ParameterTensor, bool) {
	for i := range ms.Weights {
		if ms.Weights[i].Name == name {
			return &ms.Weights[i], true
		}
	}
	return nil, false
}

// LayerParameters returns the learned tensors of one layer in kernel, bias order.
func (ms *ModelSpec) LayerParameters(layer string) []*ParameterTensor {
	var params []*ParameterTensor
	for i := range ms.Weights {
		if ms.Weights[i].Layer == layer {
			params = append(params, &ms.Weights[i])
		}
	}
	return params
}

// SetWeights copies trained values into the kernel and (optional) bias of a layer.
func (ms *ModelSpec) SetWeights(layer string, kernel, bias []float32) error {
	k, ok := ms.Parameter(ParameterName(layer, "kernel"))
	if !ok {
		return fmt.Errorf("layer %s has no kernel", layer)
	}
	if len(kernel) != len(k.Data) {
		return fmt.Errorf("layer %s: kernel has %d values, expected %d", layer, len(kernel), len(k.Data))
	}
	copy(k.Data, kernel)

	if bias == nil {
		return nil
	}
	b, ok := ms.Parameter(ParameterName(layer, "bias"))
	if !ok {
		return fmt.Errorf("layer %s has no bias", layer)
	}
	if len(bias) != len(b.Data) {
		return fmt.Errorf("layer %s: bias has %d values, expected %d", layer, len(bias), len(b.Data))
	}
	copy(b.Data, bias)
	return nil
}

// InboundLayersWithParams returns the nearest ancestors of a layer that carry
// learned parameters, looking through parameterless layers such as pooling
// and flatten. The input is never included.
func (ms *ModelSpec) InboundLayersWithParams(name string) []string {
	layer, ok := ms.Layer(name)
	if !ok {
		return nil
	}

	var result []string
	seen := map[string]bool{}
	var walk func(inbound []string)
	walk = func(inbound []string) {
		for _, inb := range inbound {
			if inb == InputName || seen[inb] {
				continue
			}
			seen[inb] = true
			parent, ok := ms.Layer(inb)
			if !ok {
				continue
			}
			if parent.Type.HasParameters() {
				result = append(result, parent.Name)
				continue
			}
			walk(parent.Inbound)
		}
	}
	walk(layer.Inbound)
	return result
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model Summary:\n")
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&b, "  Inbound: %v\n", layer.Inbound)
		fmt.Fprintf(&b, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&b, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&b, "  Params: %d\n", layer.ParameterCount)
		if layer.Activation != "" {
			fmt.Fprintf(&b, "  Activation: %s\n", layer.Activation)
		}
		b.WriteString("\n")
	}

	return b.String()
}

// Recompile recomputes shapes of a model whose layers were decoded from a
// checkpoint, keeping any learned values already present in Weights.
func (ms *ModelSpec) Recompile() (*ModelSpec, error) {
	builder := NewModelBuilder(ms.InputShape)
	for _, layer := range ms.Layers {
		builder.AddLayer(layer)
	}
	compiled, err := builder.Compile()
	if err != nil {
		return nil, err
	}
	for _, w := range ms.Weights {
		if p, ok := compiled.Parameter(w.Name); ok && len(p.Data) == len(w.Data) {
			copy(p.Data, w.Data)
		}
	}
	return compiled, nil
}

// Helper functions for parameter extraction. Values decoded from JSON arrive
// as float64, values set in code as int.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case float32:
			return int(v)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

// IntParam exposes integer configuration of a layer with a default.
func (ls *LayerSpec) IntParam(key string, defaultValue int) int {
	return getIntParam(ls.Parameters, key, defaultValue)
}

// BoolParam exposes boolean configuration of a layer with a default.
func (ls *LayerSpec) BoolParam(key string, defaultValue bool) bool {
	return getBoolParam(ls.Parameters, key, defaultValue)
}
