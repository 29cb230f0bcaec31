package checkpoints

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/FelixWaiblinger/snn-toolbox/layers"
)

// activationOps maps ONNX activation operators to layer activations. These
// nodes are folded into the layer producing their input.
var activationOps = map[string]string{
	"Relu":    "relu",
	"Softmax": "softmax",
	"Sigmoid": "sigmoid",
	"Sign":    "sign",
}

// ONNXExporter handles conversion of trained networks to ONNX format
type ONNXExporter struct{}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX writes a checkpoint as an ONNX model
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	graph, err := oe.buildONNXGraph(checkpoint.ModelSpec)
	if err != nil {
		return fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	model := &ModelProto{
		IrVersion:       7,
		OpsetImport:     []*OperatorSetIdProto{{Domain: "", Version: 13}},
		ProducerName:    "snn-toolbox",
		ProducerVersion: "1.0.0",
		ModelVersion:    1,
		DocString:       checkpoint.Metadata.Description,
		Graph:           graph,
	}

	if err := os.WriteFile(path, model.Marshal(), 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

// buildONNXGraph creates the ONNX computation graph. Every layer's final
// output tensor is named after the layer.
func (oe *ONNXExporter) buildONNXGraph(model *layers.ModelSpec) (*GraphProto, error) {
	if model == nil || !model.Compiled {
		return nil, fmt.Errorf("model is not compiled")
	}

	graph := &GraphProto{Name: "snn-toolbox-model"}

	inputShape := make([]Dimension, len(model.InputShape))
	inputShape[0] = Dimension{Param: "batch"}
	for i := 1; i < len(model.InputShape); i++ {
		inputShape[i] = Dimension{Value: int64(model.InputShape[i])}
	}
	graph.Input = append(graph.Input, &ValueInfoProto{
		Name:     layers.InputName,
		ElemType: TensorProtoFloat,
		Shape:    inputShape,
	})

	consumed := map[string]bool{}
	ranks := map[string]int{layers.InputName: len(model.InputShape)}

	for _, layer := range model.Layers {
		for _, inb := range layer.Inbound {
			consumed[inb] = true
		}

		output := layer.Name
		if layer.Activation != "" && layer.Activation != "linear" {
			output = layer.Name + "_preact"
		}

		var nodes []*NodeProto
		var inits []*TensorProto
		var err error

		switch layer.Type {
		case layers.Conv2D:
			nodes, inits, err = oe.createConv2DNode(model, layer, output)
		case layers.Dense:
			nodes, inits, err = oe.createDenseNode(model, layer, ranks[layer.Inbound[0]], output)
		case layers.MaxPool2D, layers.AvgPool2D:
			nodes = oe.createPoolNode(layer, output)
		case layers.Flatten:
			nodes = []*NodeProto{{
				OpType:    "Flatten",
				Name:      layer.Name,
				Input:     layer.Inbound,
				Output:    []string{output},
				Attribute: []*AttributeProto{intAttr("axis", 1)},
			}}
		case layers.Concatenate:
			nodes = []*NodeProto{{
				OpType:    "Concat",
				Name:      layer.Name,
				Input:     layer.Inbound,
				Output:    []string{output},
				Attribute: []*AttributeProto{intAttr("axis", int64(layer.IntParam("axis", 1)))},
			}}
		default:
			return nil, fmt.Errorf("unsupported layer type for ONNX export: %s", layer.Type.String())
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create ONNX node for layer %s: %w", layer.Name, err)
		}

		if output != layer.Name {
			act, err := oe.createActivationNode(layer, output)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, act)
		}

		graph.Node = append(graph.Node, nodes...)
		graph.Initializer = append(graph.Initializer, inits...)
		ranks[layer.Name] = len(layer.OutputShape)
	}

	for _, layer := range model.Layers {
		if consumed[layer.Name] {
			continue
		}
		shape := make([]Dimension, len(layer.OutputShape))
		shape[0] = Dimension{Param: "batch"}
		for i := 1; i < len(layer.OutputShape); i++ {
			shape[i] = Dimension{Value: int64(layer.OutputShape[i])}
		}
		graph.Output = append(graph.Output, &ValueInfoProto{
			Name:     layer.Name,
			ElemType: TensorProtoFloat,
			Shape:    shape,
		})
	}

	return graph, nil
}

// createConv2DNode creates ONNX Conv node
func (oe *ONNXExporter) createConv2DNode(model *layers.ModelSpec, layer layers.LayerSpec, output string) ([]*NodeProto, []*TensorProto, error) {
	kernelSize := int64(layer.IntParam("kernel_size", 0))
	stride := int64(layer.IntParam("stride", 1))
	padding := int64(layer.IntParam("padding", 0))

	node := &NodeProto{
		OpType: "Conv",
		Name:   layer.Name,
		Input:  []string{layer.Inbound[0]},
		Output: []string{output},
		Attribute: []*AttributeProto{
			intsAttr("kernel_shape", kernelSize, kernelSize),
			intsAttr("strides", stride, stride),
			intsAttr("pads", padding, padding, padding, padding),
		},
	}

	var inits []*TensorProto
	for _, p := range model.LayerParameters(layer.Name) {
		node.Input = append(node.Input, p.Name)
		inits = append(inits, oe.createTensorProto(p.Name, p.Shape, p.Data))
	}
	if len(inits) == 0 {
		return nil, nil, fmt.Errorf("layer has no kernel")
	}
	return []*NodeProto{node}, inits, nil
}

// createDenseNode creates ONNX MatMul + Add nodes for Dense layer. Inputs of
// rank above two are flattened first.
func (oe *ONNXExporter) createDenseNode(model *layers.ModelSpec, layer layers.LayerSpec, inputRank int, output string) ([]*NodeProto, []*TensorProto, error) {
	var nodes []*NodeProto
	input := layer.Inbound[0]
	if inputRank > 2 {
		flat := layer.Name + "_flat"
		nodes = append(nodes, &NodeProto{
			OpType:    "Flatten",
			Name:      flat,
			Input:     []string{input},
			Output:    []string{flat},
			Attribute: []*AttributeProto{intAttr("axis", 1)},
		})
		input = flat
	}

	kernel, ok := model.Parameter(layers.ParameterName(layer.Name, "kernel"))
	if !ok {
		return nil, nil, fmt.Errorf("layer has no kernel")
	}
	inits := []*TensorProto{oe.createTensorProto(kernel.Name, kernel.Shape, kernel.Data)}

	bias, hasBias := model.Parameter(layers.ParameterName(layer.Name, "bias"))
	matmulOutput := output
	if hasBias {
		matmulOutput = layer.Name + "_matmul"
	}
	nodes = append(nodes, &NodeProto{
		OpType: "MatMul",
		Name:   layer.Name,
		Input:  []string{input, kernel.Name},
		Output: []string{matmulOutput},
	})

	if hasBias {
		inits = append(inits, oe.createTensorProto(bias.Name, bias.Shape, bias.Data))
		nodes = append(nodes, &NodeProto{
			OpType: "Add",
			Name:   layer.Name + "_add_bias",
			Input:  []string{matmulOutput, bias.Name},
			Output: []string{output},
		})
	}
	return nodes, inits, nil
}

func (oe *ONNXExporter) createPoolNode(layer layers.LayerSpec, output string) []*NodeProto {
	op := "MaxPool"
	if layer.Type == layers.AvgPool2D {
		op = "AveragePool"
	}
	size := int64(layer.IntParam("pool_size", 2))
	stride := int64(layer.IntParam("stride", int(size)))
	return []*NodeProto{{
		OpType: op,
		Name:   layer.Name,
		Input:  []string{layer.Inbound[0]},
		Output: []string{output},
		Attribute: []*AttributeProto{
			intsAttr("kernel_shape", size, size),
			intsAttr("strides", stride, stride),
		},
	}}
}

func (oe *ONNXExporter) createActivationNode(layer layers.LayerSpec, input string) (*NodeProto, error) {
	for op, act := range activationOps {
		if act == layer.Activation {
			node := &NodeProto{
				OpType: op,
				Name:   layer.Name + "_" + act,
				Input:  []string{input},
				Output: []string{layer.Name},
			}
			if op == "Softmax" {
				node.Attribute = []*AttributeProto{intAttr("axis", 1)}
			}
			return node, nil
		}
	}
	return nil, fmt.Errorf("layer %s: activation %q has no ONNX operator", layer.Name, layer.Activation)
}

// createTensorProto creates ONNX tensor initializer
func (oe *ONNXExporter) createTensorProto(name string, shape []int, data []float32) *TensorProto {
	dims := make([]int64, len(shape))
	for i, s := range shape {
		dims[i] = int64(s)
	}
	return &TensorProto{
		Name:      name,
		DataType:  TensorProtoFloat,
		Dims:      dims,
		FloatData: data,
	}
}

func intAttr(name string, v int64) *AttributeProto {
	return &AttributeProto{Name: name, I: v, Type: AttributeInt}
}

func intsAttr(name string, vals ...int64) *AttributeProto {
	return &AttributeProto{Name: name, Ints: vals, Type: AttributeInts}
}

// ONNXImporter handles importing ONNX models
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX converts an ONNX model into a checkpoint. A symbolic batch
// dimension is read as 1; use Checkpoint.Model to pick the batch size.
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}

	var model ModelProto
	if err := model.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ONNX model: %w", err)
	}
	if model.Graph == nil {
		return nil, fmt.Errorf("ONNX model %s has no graph", path)
	}

	spec, err := oi.convertGraph(model.Graph)
	if err != nil {
		return nil, fmt.Errorf("failed to convert ONNX graph: %w", err)
	}

	return &Checkpoint{
		ModelSpec: spec,
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "snn-toolbox",
			CreatedAt:   time.Now(),
			Description: fmt.Sprintf("Imported from ONNX (producer: %s)", model.ProducerName),
		},
	}, nil
}

// importedLayer is a layer under construction together with its weights
type importedLayer struct {
	spec   layers.LayerSpec
	kernel []float32
	bias   []float32
}

// graphConverter carries the state of one ONNX graph conversion
type graphConverter struct {
	inits  map[string]*TensorProto
	owner  map[string]string // tensor name -> layer name
	layers []*importedLayer
	byName map[string]*importedLayer
}

func (oi *ONNXImporter) convertGraph(graph *GraphProto) (*layers.ModelSpec, error) {
	gc := &graphConverter{
		inits:  map[string]*TensorProto{},
		owner:  map[string]string{},
		byName: map[string]*importedLayer{},
	}
	for _, t := range graph.Initializer {
		gc.inits[t.Name] = t
	}

	var inputShape []int
	for _, in := range graph.Input {
		if _, isInit := gc.inits[in.Name]; isInit {
			continue
		}
		if inputShape != nil {
			return nil, fmt.Errorf("graph has more than one data input")
		}
		gc.owner[in.Name] = layers.InputName
		inputShape = extractShape(in)
	}
	if len(inputShape) < 2 {
		return nil, fmt.Errorf("graph input has no usable shape")
	}

	skip := map[*NodeProto]bool{}
	for i, node := range graph.Node {
		if skip[node] {
			continue
		}
		var err error
		switch node.OpType {
		case "Conv":
			err = gc.convertConvNode(node)
		case "MatMul":
			err = gc.convertMatMulNode(node, graph.Node[i+1:], skip)
		case "Gemm":
			err = gc.convertGemmNode(node)
		case "MaxPool", "AveragePool":
			err = gc.convertPoolNode(node)
		case "Flatten":
			err = gc.addLayer(node, layers.LayerSpec{Type: layers.Flatten}, node.Input[:1])
		case "Concat":
			axis := int64(1)
			if a := node.Attr("axis"); a != nil {
				axis = a.I
			}
			err = gc.addLayer(node, layers.LayerSpec{
				Type:       layers.Concatenate,
				Parameters: map[string]interface{}{"axis": int(axis)},
			}, node.Input)
		case "Identity", "Dropout":
			gc.owner[node.Output[0]], err = gc.ownerOf(node.Input[0])
		default:
			if act, ok := activationOps[node.OpType]; ok {
				err = gc.foldActivation(node, act)
			} else {
				err = fmt.Errorf("%w: %s (node %s)", ErrUnsupportedOp, node.OpType, node.Name)
			}
		}
		if err != nil {
			return nil, err
		}
	}

	gc.renameOutputs(graph.Output)

	builder := layers.NewModelBuilder(inputShape)
	for _, l := range gc.layers {
		builder.AddLayer(l.spec)
	}
	model, err := builder.Compile()
	if err != nil {
		return nil, err
	}
	for _, l := range gc.layers {
		if l.kernel == nil {
			continue
		}
		if err := model.SetWeights(l.spec.Name, l.kernel, l.bias); err != nil {
			return nil, err
		}
	}
	return model, nil
}

// extractShape reads a value-info shape; symbolic dimensions become 1.
func extractShape(info *ValueInfoProto) []int {
	shape := make([]int, len(info.Shape))
	for i, d := range info.Shape {
		if d.Param != "" || d.Value <= 0 {
			shape[i] = 1
			continue
		}
		shape[i] = int(d.Value)
	}
	return shape
}

func (gc *graphConverter) ownerOf(tensor string) (string, error) {
	owner, ok := gc.owner[tensor]
	if !ok {
		return "", fmt.Errorf("tensor %s is not produced by any supported node", tensor)
	}
	return owner, nil
}

func (gc *graphConverter) addLayer(node *NodeProto, spec layers.LayerSpec, inputs []string) error {
	_, err := gc.addWeightedLayer(node, spec, inputs, nil, nil)
	return err
}

func (gc *graphConverter) addWeightedLayer(node *NodeProto, spec layers.LayerSpec, inputs []string, kernel, bias []float32) (*importedLayer, error) {
	spec.Name = node.Name
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("%s_%d", strings.ToLower(node.OpType), len(gc.layers))
	}
	if _, dup := gc.byName[spec.Name]; dup {
		return nil, fmt.Errorf("duplicate layer name %s", spec.Name)
	}
	for _, in := range inputs {
		owner, err := gc.ownerOf(in)
		if err != nil {
			return nil, err
		}
		spec.Inbound = append(spec.Inbound, owner)
	}
	if spec.Parameters == nil {
		spec.Parameters = map[string]interface{}{}
	}

	l := &importedLayer{spec: spec, kernel: kernel, bias: bias}
	gc.layers = append(gc.layers, l)
	gc.byName[spec.Name] = l
	gc.owner[node.Output[0]] = spec.Name
	return l, nil
}

func (gc *graphConverter) initializer(name string) ([]float32, []int, error) {
	t, ok := gc.inits[name]
	if !ok {
		return nil, nil, fmt.Errorf("initializer %s not found", name)
	}
	data, err := t.Floats()
	if err != nil {
		return nil, nil, err
	}
	return data, t.Shape(), nil
}

func (gc *graphConverter) convertConvNode(node *NodeProto) error {
	if len(node.Input) < 2 {
		return fmt.Errorf("Conv node %s has no weights", node.Name)
	}
	if g := node.Attr("group"); g != nil && g.I != 1 {
		return fmt.Errorf("%w: grouped Conv (node %s)", ErrUnsupportedOp, node.Name)
	}
	kernel, shape, err := gc.initializer(node.Input[1])
	if err != nil {
		return err
	}
	if len(shape) != 4 || shape[2] != shape[3] {
		return fmt.Errorf("%w: Conv kernel shape %v (node %s)", ErrUnsupportedOp, shape, node.Name)
	}

	stride := 1
	if s := node.Attr("strides"); s != nil && len(s.Ints) > 0 {
		for _, v := range s.Ints {
			if v != s.Ints[0] {
				return fmt.Errorf("%w: anisotropic strides %v (node %s)", ErrUnsupportedOp, s.Ints, node.Name)
			}
		}
		stride = int(s.Ints[0])
	}
	padding := 0
	if p := node.Attr("pads"); p != nil && len(p.Ints) > 0 {
		for _, v := range p.Ints {
			if v != p.Ints[0] {
				return fmt.Errorf("%w: asymmetric pads %v (node %s)", ErrUnsupportedOp, p.Ints, node.Name)
			}
		}
		padding = int(p.Ints[0])
	}

	var bias []float32
	if len(node.Input) > 2 {
		if bias, _, err = gc.initializer(node.Input[2]); err != nil {
			return err
		}
	}

	_, err = gc.addWeightedLayer(node, layers.LayerSpec{
		Type: layers.Conv2D,
		Parameters: map[string]interface{}{
			"output_channels": shape[0],
			"kernel_size":     shape[2],
			"stride":          stride,
			"padding":         padding,
			"use_bias":        bias != nil,
		},
	}, node.Input[:1], kernel, bias)
	return err
}

// convertMatMulNode imports a MatMul with a constant right operand as a Dense
// layer. A directly following Add with a constant operand becomes its bias.
func (gc *graphConverter) convertMatMulNode(node *NodeProto, rest []*NodeProto, skip map[*NodeProto]bool) error {
	kernel, shape, err := gc.initializer(node.Input[1])
	if err != nil {
		return fmt.Errorf("%w: MatMul without constant weights (node %s)", ErrUnsupportedOp, node.Name)
	}
	if len(shape) != 2 {
		return fmt.Errorf("MatMul node %s: kernel shape %v is not 2D", node.Name, shape)
	}

	var bias []float32
	var biasOutput string
	for _, next := range rest {
		if next.OpType != "Add" || len(next.Input) != 2 {
			continue
		}
		var other string
		switch node.Output[0] {
		case next.Input[0]:
			other = next.Input[1]
		case next.Input[1]:
			other = next.Input[0]
		default:
			continue
		}
		if _, ok := gc.inits[other]; !ok {
			continue
		}
		if bias, _, err = gc.initializer(other); err != nil {
			return err
		}
		skip[next] = true
		biasOutput = next.Output[0]
		break
	}

	l, err := gc.addWeightedLayer(node, layers.LayerSpec{
		Type: layers.Dense,
		Parameters: map[string]interface{}{
			"output_size": shape[1],
			"use_bias":    bias != nil,
		},
	}, node.Input[:1], kernel, bias)
	if err != nil {
		return err
	}
	if biasOutput != "" {
		gc.owner[biasOutput] = l.spec.Name
	}
	return nil
}

// convertGemmNode imports Y = alpha*A*B + beta*C with constant B and C.
func (gc *graphConverter) convertGemmNode(node *NodeProto) error {
	if a := node.Attr("transA"); a != nil && a.I != 0 {
		return fmt.Errorf("%w: Gemm with transA (node %s)", ErrUnsupportedOp, node.Name)
	}
	kernel, shape, err := gc.initializer(node.Input[1])
	if err != nil {
		return fmt.Errorf("%w: Gemm without constant weights (node %s)", ErrUnsupportedOp, node.Name)
	}
	if len(shape) != 2 {
		return fmt.Errorf("Gemm node %s: kernel shape %v is not 2D", node.Name, shape)
	}
	if b := node.Attr("transB"); b != nil && b.I != 0 {
		kernel = transposeMatrix2D(kernel, shape[0], shape[1])
		shape[0], shape[1] = shape[1], shape[0]
	}
	if a := node.Attr("alpha"); a != nil && a.F != 1 {
		for i := range kernel {
			kernel[i] *= a.F
		}
	}

	var bias []float32
	if len(node.Input) > 2 {
		if bias, _, err = gc.initializer(node.Input[2]); err != nil {
			return err
		}
		if b := node.Attr("beta"); b != nil && b.F != 1 {
			for i := range bias {
				bias[i] *= b.F
			}
		}
	}

	_, err = gc.addWeightedLayer(node, layers.LayerSpec{
		Type: layers.Dense,
		Parameters: map[string]interface{}{
			"output_size": shape[1],
			"use_bias":    bias != nil,
		},
	}, node.Input[:1], kernel, bias)
	return err
}

func (gc *graphConverter) convertPoolNode(node *NodeProto) error {
	k := node.Attr("kernel_shape")
	if k == nil || len(k.Ints) != 2 || k.Ints[0] != k.Ints[1] {
		return fmt.Errorf("%w: %s without square kernel_shape (node %s)", ErrUnsupportedOp, node.OpType, node.Name)
	}
	stride := 1
	if s := node.Attr("strides"); s != nil && len(s.Ints) > 0 {
		stride = int(s.Ints[0])
	}
	if p := node.Attr("pads"); p != nil {
		for _, v := range p.Ints {
			if v != 0 {
				return fmt.Errorf("%w: padded %s (node %s)", ErrUnsupportedOp, node.OpType, node.Name)
			}
		}
	}

	lt := layers.MaxPool2D
	if node.OpType == "AveragePool" {
		lt = layers.AvgPool2D
	}
	return gc.addLayer(node, layers.LayerSpec{
		Type: lt,
		Parameters: map[string]interface{}{
			"pool_size": int(k.Ints[0]),
			"stride":    stride,
		},
	}, node.Input[:1])
}

func (gc *graphConverter) foldActivation(node *NodeProto, act string) error {
	owner, err := gc.ownerOf(node.Input[0])
	if err != nil {
		return err
	}
	l, ok := gc.byName[owner]
	if !ok {
		return fmt.Errorf("%w: %s applied to the graph input", ErrUnsupportedOp, node.OpType)
	}
	if l.spec.Activation != "" {
		return fmt.Errorf("%w: second activation %s on layer %s", ErrUnsupportedOp, node.OpType, owner)
	}
	l.spec.Activation = act
	gc.owner[node.Output[0]] = owner
	return nil
}

// renameOutputs gives layers that feed graph outputs the output's name, so
// output roles encoded in names survive export tools that rename nodes.
func (gc *graphConverter) renameOutputs(outputs []*ValueInfoProto) {
	renames := map[string]string{}
	for _, out := range outputs {
		owner, ok := gc.owner[out.Name]
		if !ok || owner == out.Name || owner == layers.InputName {
			continue
		}
		if _, taken := gc.byName[out.Name]; taken {
			continue
		}
		renames[owner] = out.Name
	}
	if len(renames) == 0 {
		return
	}
	for _, l := range gc.layers {
		if name, ok := renames[l.spec.Name]; ok {
			l.spec.Name = name
		}
		for i, inb := range l.spec.Inbound {
			if name, ok := renames[inb]; ok {
				l.spec.Inbound[i] = name
			}
		}
	}
}

func transposeMatrix2D(data []float32, rows, cols int) []float32 {
	transposed := make([]float32, len(data))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			transposed[j*rows+i] = data[i*cols+j]
		}
	}
	return transposed
}
