package snn

import (
	"fmt"
	"strings"

	"github.com/c2h5oh/datasize"

	"github.com/FelixWaiblinger/snn-toolbox/tensor"
)

// Output name conventions of the trained network.
const (
	ClassLabelOutput  = "class_label"
	BoundingBoxOutput = "bounding_box"
)

// layerStats are the connectivity figures used for operation counting.
type layerStats struct {
	fanin           int
	fanout          int
	neurons         int
	neuronsWithBias int
}

// Graph is a compiled spiking network: one input node, the spiking layers in
// topological order and the designated output layers.
type Graph struct {
	input  *InputLayer
	layers []Layer
	byName map[string]Layer

	classOutput Layer
	bboxOutput  Layer

	// Loss and Metrics pair each output with its training objective.
	Loss    map[string]string
	Metrics map[string][]string

	stats        map[string]layerStats
	firstSpiking Layer
	numClasses   int
}

// Layers returns the spiking layers without the input node.
func (g *Graph) Layers() []Layer { return g.layers }

// Layer returns the layer registered under name.
func (g *Graph) Layer(name string) (Layer, bool) {
	l, ok := g.byName[name]
	return l, ok
}

// ClassOutput returns the classification output layer.
func (g *Graph) ClassOutput() Layer { return g.classOutput }

// BoundingBoxOutput returns the detector output layer, or nil.
func (g *Graph) BoundingBoxOutput() Layer { return g.bboxOutput }

// NumClasses is the number of classification output neurons per sample.
func (g *Graph) NumClasses() int { return g.numClasses }

// Forward runs one time step on x and returns the spikes of the class output
// and, when present, of the bounding-box output.
func (g *Graph) Forward(x *tensor.Tensor) (class, bbox *tensor.Tensor, err error) {
	outputs := make(map[string]*tensor.Tensor, len(g.layers)+1)
	if outputs[g.input.Name()], err = g.input.Forward([]*tensor.Tensor{x}); err != nil {
		return nil, nil, err
	}
	for _, l := range g.layers {
		inbound := l.Inbound()
		in := make([]*tensor.Tensor, len(inbound))
		for i, name := range inbound {
			in[i] = outputs[name]
		}
		out, err := l.Forward(in)
		if err != nil {
			return nil, nil, fmt.Errorf("forward %s: %w", l.Name(), err)
		}
		outputs[l.Name()] = out
	}
	class = outputs[g.classOutput.Name()]
	if g.bboxOutput != nil {
		bbox = outputs[g.bboxOutput.Name()]
	}
	return class, bbox, nil
}

// stateBytes is the memory held by the runtime state of l.
func stateBytes(l Layer) int {
	n := 0
	if m := l.Membrane(); m != nil {
		n += 4 * len(m.Data)
	}
	if st := l.SpikeTrain(); st != nil {
		n += 4 * len(st.Data)
	}
	for _, p := range l.Params() {
		n += 4 * len(p.Value.Data)
	}
	return n
}

// Summary describes the graph layer by layer.
func (g *Graph) Summary() string {
	var b strings.Builder
	b.WriteString("Spiking Graph Summary:\n")
	b.WriteString("=====================\n")
	fmt.Fprintf(&b, "%-28s %-18s %-16s %10s %10s %12s\n", "Layer", "Kind", "Output", "Neurons", "Fan-out", "Memory")

	var neurons, params, mem int
	for _, l := range g.layers {
		st := g.stats[l.Name()]
		bytes := stateBytes(l)
		fmt.Fprintf(&b, "%-28s %-18s %-16s %10d %10d %12s\n",
			l.Name(), l.Kind(), fmt.Sprint(l.OutputShape()), st.neurons, st.fanout,
			datasize.ByteSize(bytes).HumanReadable())
		if l.Kind().HasNeurons() {
			neurons += st.neurons
		}
		for _, p := range l.Params() {
			params += len(p.Value.Data)
		}
		mem += bytes
	}

	b.WriteString("=====================\n")
	fmt.Fprintf(&b, "Neurons per sample: %d\n", neurons)
	fmt.Fprintf(&b, "Parameters: %d\n", params)
	fmt.Fprintf(&b, "State memory: %s\n", datasize.ByteSize(mem).HumanReadable())
	if g.bboxOutput != nil {
		fmt.Fprintf(&b, "Outputs: %s, %s\n", g.classOutput.Name(), g.bboxOutput.Name())
	} else {
		fmt.Fprintf(&b, "Outputs: %s\n", g.classOutput.Name())
	}
	return b.String()
}
