package snn

import (
	"fmt"
	"math"
	"strings"

	"github.com/FelixWaiblinger/snn-toolbox/config"
	"github.com/FelixWaiblinger/snn-toolbox/layers"
	"github.com/FelixWaiblinger/snn-toolbox/tensor"
)

// isSignedActivation reports whether an activation produces negative spikes.
func isSignedActivation(activation string) bool {
	a := strings.ToLower(activation)
	return a == "sign" || strings.Contains(a, "binary_tanh")
}

// isBinaryActivation reports whether an activation emits binary values.
func isBinaryActivation(activation string) bool {
	a := strings.ToLower(activation)
	return a == "sign" || strings.Contains(a, "binary")
}

func batchedShape(batch int, shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	if len(out) > 0 {
		out[0] = batch
	}
	return out
}

// neurons is the integrate-and-fire state shared by all layers with neurons.
type neurons struct {
	mem        *tensor.Tensor
	spiketrain *tensor.Tensor
	kernel     *Param
	bias       *Param
	b0         *tensor.Tensor
	signed     bool
}

func newNeurons(cfg LayerConfig, outShape []int) (neurons, error) {
	mem, err := tensor.Zeros(outShape)
	if err != nil {
		return neurons{}, fmt.Errorf("failed to allocate membrane of %s: %w", cfg.Name, err)
	}
	n := neurons{mem: mem, signed: isSignedActivation(cfg.Activation)}
	if cfg.Cell.RecordSpikeTrain {
		n.spiketrain = tensor.ZerosLike(mem)
	}
	return n, nil
}

func newParam(layer, kind string, shape []int) (*Param, error) {
	value, err := tensor.Zeros(shape)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %s of %s: %w", kind, layer, err)
	}
	return &Param{Name: layers.ParameterName(layer, kind), Kind: kind, Value: value}, nil
}

// integrate adds impulse to the membrane and returns the spikes of this step.
// Spikes have amplitude v_thresh; the spike train holds the spike time.
func (n *neurons) integrate(impulse *tensor.Tensor, cell CellParams, t float64) (*tensor.Tensor, error) {
	if err := n.mem.AddInPlace(impulse); err != nil {
		return nil, err
	}
	out := tensor.ZerosLike(n.mem)
	vth := cell.VThresh
	toZero := cell.Reset == config.ResetToZero
	for i, v := range n.mem.Data {
		switch {
		case v >= vth:
			out.Data[i] = vth
			if toZero {
				n.mem.Data[i] = 0
			} else {
				n.mem.Data[i] = v - vth
			}
		case n.signed && v <= -vth:
			out.Data[i] = -vth
			if toZero {
				n.mem.Data[i] = 0
			} else {
				n.mem.Data[i] = v + vth
			}
		}
	}
	if n.spiketrain != nil {
		for i, s := range out.Data {
			if s != 0 {
				n.spiketrain.Data[i] = float32(t)
			} else {
				n.spiketrain.Data[i] = 0
			}
		}
	}
	return out, nil
}

func (n *neurons) reset(clearMem bool) {
	if clearMem {
		n.mem.Fill(0)
	}
	if n.spiketrain != nil {
		n.spiketrain.Fill(0)
	}
}

func (n *neurons) params() []*Param {
	var ps []*Param
	if n.kernel != nil {
		ps = append(ps, n.kernel)
	}
	if n.bias != nil {
		ps = append(ps, n.bias)
	}
	return ps
}

func (n *neurons) snapshotBias() {
	if n.bias != nil {
		n.b0 = n.bias.Value.Clone()
	}
}

// relax decays the bias linearly from its snapshot to zero over the duration.
func (n *neurons) relax(cell CellParams, t float64) {
	if !cell.BiasRelaxation || n.bias == nil || n.b0 == nil || cell.Duration <= 0 {
		return
	}
	f := 1 - (t-cell.Dt)/cell.Duration
	f = math.Max(0, math.Min(1, f))
	for i, b := range n.b0.Data {
		n.bias.Value.Data[i] = b * float32(f)
	}
}

func (n *neurons) capabilities() Capabilities {
	return Capabilities{
		Time:       true,
		SpikeTrain: n.spiketrain != nil,
		Membrane:   true,
		Bias:       n.bias != nil,
	}
}

// ifLayer implements the parts of Layer common to integrate-and-fire layers.
type ifLayer struct {
	base
	neurons
}

func (l *ifLayer) Capabilities() Capabilities { return l.neurons.capabilities() }
func (l *ifLayer) Params() []*Param           { return l.neurons.params() }
func (l *ifLayer) SnapshotBias()              { l.neurons.snapshotBias() }
func (l *ifLayer) Membrane() *tensor.Tensor   { return l.mem }

func (l *ifLayer) SpikeTrain() *tensor.Tensor { return l.spiketrain }

func (l *ifLayer) SetTime(t float64) {
	l.time = t
	l.relax(l.cfg.Cell, t)
}

func (l *ifLayer) Reset(sampleIdx int) {
	l.time = l.cfg.Cell.Dt
	l.reset(l.doReset(sampleIdx))
}

// DenseLayer is a fully connected layer of integrate-and-fire neurons.
type DenseLayer struct {
	ifLayer
}

func newDenseLayer(cfg LayerConfig, spec *layers.LayerSpec, inputShapes [][]int) (Layer, error) {
	if len(spec.ParameterShapes) == 0 {
		return nil, fmt.Errorf("dense layer %s has no kernel shape", cfg.Name)
	}
	outShape := batchedShape(inputShapes[0][0], spec.OutputShape)
	n, err := newNeurons(cfg, outShape)
	if err != nil {
		return nil, err
	}
	if n.kernel, err = newParam(cfg.Name, "kernel", spec.ParameterShapes[0]); err != nil {
		return nil, err
	}
	if len(spec.ParameterShapes) > 1 {
		if n.bias, err = newParam(cfg.Name, "bias", spec.ParameterShapes[1]); err != nil {
			return nil, err
		}
	}
	return &DenseLayer{ifLayer{base: newBase(cfg, outShape), neurons: n}}, nil
}

func (l *DenseLayer) Forward(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	impulse, err := tensor.MatMul(inputs[0], l.kernel.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.cfg.Name, err)
	}
	if l.bias != nil {
		units := impulse.Shape[1]
		for b := 0; b < impulse.Shape[0]; b++ {
			row := impulse.Data[b*units : (b+1)*units]
			for j := range row {
				row[j] += l.bias.Value.Data[j]
			}
		}
	}
	return l.integrate(impulse, l.cfg.Cell, l.time)
}

// Conv2DLayer is a convolutional layer of integrate-and-fire neurons.
// Tensors are laid out NCHW, kernels [out, in, k, k].
type Conv2DLayer struct {
	ifLayer
	kernelSize int
	stride     int
	padding    int
}

func newConv2DLayer(cfg LayerConfig, spec *layers.LayerSpec, inputShapes [][]int) (Layer, error) {
	if len(spec.ParameterShapes) == 0 {
		return nil, fmt.Errorf("conv layer %s has no kernel shape", cfg.Name)
	}
	outShape := batchedShape(inputShapes[0][0], spec.OutputShape)
	n, err := newNeurons(cfg, outShape)
	if err != nil {
		return nil, err
	}
	if n.kernel, err = newParam(cfg.Name, "kernel", spec.ParameterShapes[0]); err != nil {
		return nil, err
	}
	if len(spec.ParameterShapes) > 1 {
		if n.bias, err = newParam(cfg.Name, "bias", spec.ParameterShapes[1]); err != nil {
			return nil, err
		}
	}
	return &Conv2DLayer{
		ifLayer:    ifLayer{base: newBase(cfg, outShape), neurons: n},
		kernelSize: spec.IntParam("kernel_size", 3),
		stride:     spec.IntParam("stride", 1),
		padding:    spec.IntParam("padding", 0),
	}, nil
}

func (l *Conv2DLayer) Forward(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x := inputs[0]
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("%s: expected NCHW input, got %v", l.cfg.Name, x.Shape)
	}
	batch, inC, inH, inW := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC, outH, outW := l.outShape[1], l.outShape[2], l.outShape[3]
	k := l.kernelSize
	w := l.kernel.Value.Data

	impulse := tensor.ZerosLike(l.mem)
	for b := 0; b < batch; b++ {
		in := x.Data[b*inC*inH*inW : (b+1)*inC*inH*inW]
		out := impulse.Data[b*outC*outH*outW : (b+1)*outC*outH*outW]
		for oc := 0; oc < outC; oc++ {
			var bias float32
			if l.bias != nil {
				bias = l.bias.Value.Data[oc]
			}
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					sum := bias
					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < k; kh++ {
							ih := oh*l.stride + kh - l.padding
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < k; kw++ {
								iw := ow*l.stride + kw - l.padding
								if iw < 0 || iw >= inW {
									continue
								}
								v := in[ic*inH*inW+ih*inW+iw]
								if v == 0 {
									continue
								}
								sum += v * w[oc*inC*k*k+ic*k*k+kh*k+kw]
							}
						}
					}
					out[oc*outH*outW+oh*outW+ow] = sum
				}
			}
		}
	}
	return l.integrate(impulse, l.cfg.Cell, l.time)
}

// pool2D holds the window geometry of pooling layers.
type pool2D struct {
	size   int
	stride int
}

// window calls fn with the flat input index of every element in the pooling
// window of output position (oh, ow) within channel plane offset base.
func (p pool2D) window(oh, ow, inW, base int, fn func(idx int)) {
	for ph := 0; ph < p.size; ph++ {
		for pw := 0; pw < p.size; pw++ {
			fn(base + (oh*p.stride+ph)*inW + ow*p.stride + pw)
		}
	}
}

func newPool2D(spec *layers.LayerSpec) pool2D {
	size := spec.IntParam("pool_size", 2)
	return pool2D{size: size, stride: spec.IntParam("stride", size)}
}

// AvgPool2DLayer averages incoming spikes over each window and integrates the
// result like any other spiking layer.
type AvgPool2DLayer struct {
	ifLayer
	pool pool2D
}

func newAvgPool2DLayer(cfg LayerConfig, spec *layers.LayerSpec, inputShapes [][]int) (Layer, error) {
	outShape := batchedShape(inputShapes[0][0], spec.OutputShape)
	n, err := newNeurons(cfg, outShape)
	if err != nil {
		return nil, err
	}
	return &AvgPool2DLayer{
		ifLayer: ifLayer{base: newBase(cfg, outShape), neurons: n},
		pool:    newPool2D(spec),
	}, nil
}

func (l *AvgPool2DLayer) Forward(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x := inputs[0]
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("%s: expected NCHW input, got %v", l.cfg.Name, x.Shape)
	}
	inH, inW := x.Shape[2], x.Shape[3]
	outH, outW := l.outShape[2], l.outShape[3]
	planes := x.Shape[0] * x.Shape[1]
	area := float32(l.pool.size * l.pool.size)

	impulse := tensor.ZerosLike(l.mem)
	for p := 0; p < planes; p++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				var sum float32
				l.pool.window(oh, ow, inW, p*inH*inW, func(idx int) { sum += x.Data[idx] })
				impulse.Data[p*outH*outW+oh*outW+ow] = sum / area
			}
		}
	}
	return l.integrate(impulse, l.cfg.Cell, l.time)
}

// MaxPool2DLayer forwards, per window, the spike of the input neuron that
// has fired most often so far. With binary inputs it reduces to a logical OR.
type MaxPool2DLayer struct {
	base
	pool   pool2D
	counts *tensor.Tensor
	binary bool
}

func newMaxPool2DLayer(cfg LayerConfig, spec *layers.LayerSpec, inputShapes [][]int) (Layer, error) {
	counts, err := tensor.Zeros(inputShapes[0])
	if err != nil {
		return nil, fmt.Errorf("failed to allocate spike counts of %s: %w", cfg.Name, err)
	}
	return &MaxPool2DLayer{
		base:   newBase(cfg, batchedShape(inputShapes[0][0], spec.OutputShape)),
		pool:   newPool2D(spec),
		counts: counts,
		binary: isBinaryActivation(cfg.Activation),
	}, nil
}

func (l *MaxPool2DLayer) Capabilities() Capabilities { return Capabilities{Time: true} }

func (l *MaxPool2DLayer) Reset(sampleIdx int) {
	l.time = l.cfg.Cell.Dt
	if l.doReset(sampleIdx) {
		l.counts.Fill(0)
	}
}

func (l *MaxPool2DLayer) Forward(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x := inputs[0]
	if !tensor.SameShape(x.Shape, l.counts.Shape) {
		return nil, fmt.Errorf("%s: input shape %v, expected %v", l.cfg.Name, x.Shape, l.counts.Shape)
	}
	inH, inW := x.Shape[2], x.Shape[3]
	outH, outW := l.outShape[2], l.outShape[3]
	planes := x.Shape[0] * x.Shape[1]

	out, err := tensor.Zeros(l.outShape)
	if err != nil {
		return nil, err
	}
	if !l.binary {
		for i, v := range x.Data {
			if v != 0 {
				l.counts.Data[i]++
			}
		}
	}
	for p := 0; p < planes; p++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				best := -1
				var value float32
				l.pool.window(oh, ow, inW, p*inH*inW, func(idx int) {
					if l.binary {
						if x.Data[idx] > value {
							value = x.Data[idx]
						}
						return
					}
					if best < 0 || l.counts.Data[idx] > l.counts.Data[best] {
						best = idx
					}
				})
				if !l.binary {
					value = x.Data[best]
				}
				out.Data[p*outH*outW+oh*outW+ow] = value
			}
		}
	}
	return out, nil
}

// FlattenLayer reshapes its input to [batch, features].
type FlattenLayer struct {
	base
}

func newFlattenLayer(cfg LayerConfig, spec *layers.LayerSpec, inputShapes [][]int) (Layer, error) {
	return &FlattenLayer{newBase(cfg, batchedShape(inputShapes[0][0], spec.OutputShape))}, nil
}

func (l *FlattenLayer) Forward(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	return inputs[0].Reshape([]int{inputs[0].Shape[0], -1})
}

// ConcatenateLayer joins its inbound spike tensors along the channel axis.
type ConcatenateLayer struct {
	base
	axis int
}

func newConcatenateLayer(cfg LayerConfig, spec *layers.LayerSpec, inputShapes [][]int) (Layer, error) {
	return &ConcatenateLayer{
		base: newBase(cfg, batchedShape(inputShapes[0][0], spec.OutputShape)),
		axis: spec.IntParam("axis", 1),
	}, nil
}

func (l *ConcatenateLayer) Forward(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Concat(l.axis, inputs...)
}

// InputLayer is the single entry node of a spiking graph.
type InputLayer struct {
	base
}

func newInputLayer(shape []int, cell CellParams) *InputLayer {
	cfg := LayerConfig{Name: layers.InputName, Kind: KindInput, Cell: cell}
	return &InputLayer{newBase(cfg, append([]int(nil), shape...))}
}

func (l *InputLayer) Forward(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(inputs[0].Shape, l.outShape) {
		return nil, fmt.Errorf("input shape %v, expected %v", inputs[0].Shape, l.outShape)
	}
	return inputs[0], nil
}
