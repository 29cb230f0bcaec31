package snn

import (
	"github.com/c2h5oh/datasize"

	"github.com/FelixWaiblinger/snn-toolbox/config"
	"github.com/FelixWaiblinger/snn-toolbox/tensor"
)

// RecorderOptions selects which time series a Recorder keeps.
type RecorderOptions struct {
	SpikeTrains        bool
	Membrane           bool
	Input              bool
	SynapticOperations bool
	NeuronOperations   bool
}

// RecorderOptionsFromConfig reads the options from output.log_vars.
func RecorderOptionsFromConfig(cfg *config.Config) RecorderOptions {
	return RecorderOptions{
		SpikeTrains:        cfg.LogVar(config.LogSpiketrains),
		Membrane:           cfg.LogVar(config.LogMembrane),
		Input:              cfg.LogVar(config.LogInput),
		SynapticOperations: cfg.LogVar(config.LogSynapticOperations),
		NeuronOperations:   cfg.LogVar(config.LogNeuronOperations),
	}
}

// Recorder collects per-step observations of one simulated batch. Series
// that were not requested stay empty.
type Recorder struct {
	opts  RecorderOptions
	batch int
	steps int

	names       []string
	spiketrains map[string][]*tensor.Tensor
	membrane    map[string][]*tensor.Tensor
	inputs      []*tensor.Tensor
	synops      [][]float64
	neuronops   [][]float64
}

// NewRecorder allocates the requested series for batch samples and steps
// time steps.
func NewRecorder(opts RecorderOptions, batch, steps int) *Recorder {
	r := &Recorder{
		opts:        opts,
		batch:       batch,
		steps:       steps,
		spiketrains: make(map[string][]*tensor.Tensor),
		membrane:    make(map[string][]*tensor.Tensor),
	}
	if opts.Input {
		r.inputs = make([]*tensor.Tensor, steps)
	}
	if opts.SynapticOperations {
		r.synops = newSeries(batch, steps)
	}
	if opts.NeuronOperations {
		r.neuronops = newSeries(batch, steps)
	}
	return r
}

func newSeries(batch, steps int) [][]float64 {
	s := make([][]float64, batch)
	for b := range s {
		s[b] = make([]float64, steps)
	}
	return s
}

// Options returns the recorded series selection.
func (r *Recorder) Options() RecorderOptions { return r.opts }

// Batch is the number of recorded samples.
func (r *Recorder) Batch() int { return r.batch }

// Steps is the length of every recorded series.
func (r *Recorder) Steps() int { return r.steps }

// LayerNames lists the layers with recorded state in graph order.
func (r *Recorder) LayerNames() []string { return r.names }

// SpikeTrains returns the spike times of a layer per step.
func (r *Recorder) SpikeTrains(layer string) []*tensor.Tensor { return r.spiketrains[layer] }

// Membrane returns the membrane potentials of a layer per step.
func (r *Recorder) Membrane(layer string) []*tensor.Tensor { return r.membrane[layer] }

// Inputs returns the encoded input per step.
func (r *Recorder) Inputs() []*tensor.Tensor { return r.inputs }

// SynapticOperations returns the synaptic operations per sample and step.
func (r *Recorder) SynapticOperations() [][]float64 { return r.synops }

// NeuronOperations returns the neuron operations per sample and step.
func (r *Recorder) NeuronOperations() [][]float64 { return r.neuronops }

// TotalSynapticOperations sums synaptic operations over samples and steps.
func (r *Recorder) TotalSynapticOperations() float64 { return total(r.synops) }

// TotalNeuronOperations sums neuron operations over samples and steps.
func (r *Recorder) TotalNeuronOperations() float64 { return total(r.neuronops) }

func total(series [][]float64) float64 {
	var sum float64
	for _, row := range series {
		for _, v := range row {
			sum += v
		}
	}
	return sum
}

func (r *Recorder) track(name string) {
	if _, ok := r.spiketrains[name]; ok {
		return
	}
	if _, ok := r.membrane[name]; ok {
		return
	}
	r.names = append(r.names, name)
}

// recordLayer stores the state of l at step and counts its operations.
func (r *Recorder) recordLayer(step int, l Layer, st layerStats) {
	caps := l.Capabilities()
	if caps.SpikeTrain {
		spikes := l.SpikeTrain()
		if r.opts.SpikeTrains {
			r.track(l.Name())
			if r.spiketrains[l.Name()] == nil {
				r.spiketrains[l.Name()] = make([]*tensor.Tensor, r.steps)
			}
			r.spiketrains[l.Name()][step] = spikes.Clone()
		}
		if r.synops != nil {
			for b, n := range spikes.CountNonzeroPerSample() {
				r.synops[b][step] += float64(n * st.fanout)
			}
		}
		if r.neuronops != nil {
			for b := range r.neuronops {
				r.neuronops[b][step] += float64(st.neuronsWithBias)
			}
		}
	}
	if caps.Membrane && r.opts.Membrane {
		r.track(l.Name())
		if r.membrane[l.Name()] == nil {
			r.membrane[l.Name()] = make([]*tensor.Tensor, r.steps)
		}
		r.membrane[l.Name()][step] = l.Membrane().Clone()
	}
}

// recordInput stores the encoded input. Spiking input also costs synaptic
// operations; direct input costs one dense evaluation of the first layer.
func (r *Recorder) recordInput(step int, x *tensor.Tensor, spiking bool, input, first layerStats) {
	if r.inputs != nil {
		r.inputs[step] = x.Clone()
	}
	if spiking {
		if r.synops != nil {
			for b, n := range x.CountNonzeroPerSample() {
				r.synops[b][step] += float64(n * input.fanout)
			}
		}
		return
	}
	if r.neuronops != nil && step == 0 {
		for b := range r.neuronops {
			r.neuronops[b][0] += float64(first.fanin * first.neurons * 2)
		}
	}
}

// EstimateRecorderMemory is the memory a Recorder with opts needs for g over
// the given batch and steps.
func EstimateRecorderMemory(g *Graph, opts RecorderOptions, batch, steps int) datasize.ByteSize {
	var bytes int
	for _, l := range g.layers {
		caps := l.Capabilities()
		n := 4 * tensor.ShapeSize(l.OutputShape()) * steps
		if opts.SpikeTrains && caps.SpikeTrain {
			bytes += n
		}
		if opts.Membrane && caps.Membrane {
			bytes += n
		}
	}
	if opts.Input {
		bytes += 4 * tensor.ShapeSize(g.input.OutputShape()) * steps
	}
	if opts.SynapticOperations {
		bytes += 8 * batch * steps
	}
	if opts.NeuronOperations {
		bytes += 8 * batch * steps
	}
	return datasize.ByteSize(bytes)
}
