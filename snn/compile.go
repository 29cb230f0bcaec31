package snn

import (
	"fmt"
	"sort"
	"strings"

	"github.com/FelixWaiblinger/snn-toolbox/layers"
	"github.com/FelixWaiblinger/snn-toolbox/tensor"
)

// CanonicalParameterName strips the counter suffix that frameworks append to
// repeated layer names, so "dense_1_3/kernel:0" and "dense_1/kernel:0" agree.
// Names without both an underscore and a slash are returned unchanged.
//
// Only the first two underscore fields of the layer name survive, so layers
// such as "dense_class_label" and "dense_class_aux" share a canonical name
// and Compile rejects the model with ErrIncompleteTransfer.
func CanonicalParameterName(name string) string {
	if !strings.Contains(name, "_") || !strings.Contains(name, "/") {
		return name
	}
	parts := strings.SplitN(name, "/", 2)
	fields := strings.Split(parts[0], "_")
	if len(fields) > 2 {
		fields = fields[:2]
	}
	return strings.Join(fields, "_") + "/" + parts[1]
}

// Compile selects the output layers, transfers the trained parameters into the
// spiking graph and rescales the biases to the time resolution.
func (s *Simulator) Compile() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.input == nil {
		return ErrInputLayerMissing
	}

	g := &Graph{
		input:   s.input,
		layers:  s.layers,
		byName:  s.byName,
		Loss:    make(map[string]string),
		Metrics: make(map[string][]string),
	}
	if err := s.selectOutputs(g); err != nil {
		return err
	}
	if err := s.transferParameters(); err != nil {
		return err
	}

	dt := float32(s.cfg.Simulation.Dt)
	for _, l := range s.layers {
		if !l.Capabilities().Bias {
			continue
		}
		for _, p := range l.Params() {
			if p.Kind != "bias" {
				continue
			}
			if err := p.Value.CopyFrom(p.Value.Scale(dt)); err != nil {
				return err
			}
		}
		if s.cfg.Cell.BiasRelaxation {
			l.SnapshotBias()
		}
	}

	g.stats = s.computeStats()
	for _, l := range s.layers {
		if l.Kind().HasNeurons() {
			g.firstSpiking = l
			break
		}
	}
	g.numClasses = tensor.ShapeSize(g.classOutput.OutputShape()[1:])

	s.graph = g
	s.logger.Debug("compiled spiking graph",
		"layers", len(s.layers),
		"class_output", g.classOutput.Name(),
		"detector", g.bboxOutput != nil,
	)
	return nil
}

// selectOutputs finds the output layers by name and attaches the objectives.
func (s *Simulator) selectOutputs(g *Graph) error {
	var class, bbox []Layer
	for _, l := range s.layers {
		switch {
		case strings.Contains(l.Name(), ClassLabelOutput):
			class = append(class, l)
		case strings.Contains(l.Name(), BoundingBoxOutput):
			bbox = append(bbox, l)
		}
	}
	if len(class) != 1 {
		return fmt.Errorf("%w: expected one layer named *%s*, found %d", ErrMissingOutput, ClassLabelOutput, len(class))
	}
	g.classOutput = class[0]
	g.Loss[ClassLabelOutput] = "categorical_crossentropy"
	g.Metrics[ClassLabelOutput] = []string{"accuracy"}

	if !s.cfg.Simulation.Detector {
		return nil
	}
	if len(bbox) != 1 {
		return fmt.Errorf("%w: detector enabled, expected one layer named *%s*, found %d", ErrMissingOutput, BoundingBoxOutput, len(bbox))
	}
	g.bboxOutput = bbox[0]
	g.Loss[BoundingBoxOutput] = "mean_squared_error"
	g.Metrics[BoundingBoxOutput] = []string{"iou"}
	return nil
}

// transferParameters copies every trained tensor into the spiking parameter
// with the same canonical name. Both sides must match one to one.
func (s *Simulator) transferParameters() error {
	values := make(map[string]*layers.ParameterTensor, len(s.parsed.Weights))
	for i := range s.parsed.Weights {
		w := &s.parsed.Weights[i]
		key := CanonicalParameterName(w.Name)
		if prev, dup := values[key]; dup {
			return fmt.Errorf("%w: %s and %s share the name %s", ErrIncompleteTransfer, prev.Name, w.Name, key)
		}
		values[key] = w
	}

	consumed := make(map[string]bool, len(values))
	var unknown []string
	for _, l := range s.layers {
		for _, p := range l.Params() {
			key := CanonicalParameterName(p.Name)
			w, ok := values[key]
			if !ok {
				unknown = append(unknown, p.Name)
				continue
			}
			if consumed[key] {
				return fmt.Errorf("%w: %s consumed twice", ErrIncompleteTransfer, key)
			}
			if len(w.Data) != len(p.Value.Data) {
				return fmt.Errorf("%w: %s has %d values, spiking layer expects %d", ErrParameterShape, w.Name, len(w.Data), len(p.Value.Data))
			}
			copy(p.Value.Data, w.Data)
			consumed[key] = true
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: no trained value for %s", ErrIncompleteTransfer, strings.Join(unknown, ", "))
	}

	if len(consumed) != len(values) {
		var missing []string
		for key := range values {
			if !consumed[key] {
				missing = append(missing, key)
			}
		}
		sort.Strings(missing)
		return fmt.Errorf("%w: transferred %d of %d parameters, unused: %s",
			ErrIncompleteTransfer, len(consumed), len(values), strings.Join(missing, ", "))
	}
	s.logger.Debug("transferred parameters", "count", len(consumed))
	return nil
}

// computeStats derives fan-in, fan-out and neuron counts of every layer and
// of the input node.
func (s *Simulator) computeStats() map[string]layerStats {
	consumers := make(map[string][]Layer)
	for _, l := range s.layers {
		for _, in := range l.Inbound() {
			consumers[in] = append(consumers[in], l)
		}
	}

	var fanout func(name string) int
	fanout = func(name string) int {
		n := 0
		for _, c := range consumers[name] {
			switch c := c.(type) {
			case *DenseLayer:
				n += c.outShape[1]
			case *Conv2DLayer:
				n += c.outShape[1] * c.kernelSize * c.kernelSize / (c.stride * c.stride)
			case *MaxPool2DLayer, *AvgPool2DLayer:
				n++
			case *FlattenLayer, *ConcatenateLayer:
				n += fanout(c.Name())
			}
		}
		return n
	}

	stats := make(map[string]layerStats, len(s.layers)+1)
	stats[s.input.Name()] = layerStats{
		fanout:  fanout(s.input.Name()),
		neurons: tensor.ShapeSize(s.input.OutputShape()[1:]),
	}
	for _, l := range s.layers {
		st := layerStats{
			fanout:  fanout(l.Name()),
			neurons: tensor.ShapeSize(l.OutputShape()[1:]),
		}
		switch l := l.(type) {
		case *DenseLayer:
			st.fanin = l.kernel.Value.Shape[0]
		case *Conv2DLayer:
			st.fanin = l.kernel.Value.Shape[1] * l.kernelSize * l.kernelSize
		case *AvgPool2DLayer:
			st.fanin = l.pool.size * l.pool.size
		}
		if l.Capabilities().Bias {
			st.neuronsWithBias = st.neurons
		}
		stats[l.Name()] = st
	}
	return stats
}
