// Package snn converts a trained network into a spiking network of
// integrate-and-fire neurons and simulates it with a temporal mean-rate code.
package snn

import (
	"github.com/FelixWaiblinger/snn-toolbox/tensor"
)

// Capabilities lists the optional runtime attributes of a spiking layer.
// They are fixed when the layer is constructed.
type Capabilities struct {
	Time       bool // tracks simulation time
	SpikeTrain bool // exposes the spike times of the current step
	Membrane   bool // exposes membrane potentials
	Bias       bool // has a bias parameter
}

// CellParams configures the integrate-and-fire dynamics shared by all layers.
type CellParams struct {
	VThresh        float32
	Reset          string
	Dt             float64
	Duration       float64
	BiasRelaxation bool

	// ResetEveryNth resets membrane state only on every n-th sample.
	ResetEveryNth int

	// RecordSpikeTrain allocates the spike-train buffer.
	RecordSpikeTrain bool
}

// LayerConfig is the static configuration of one spiking layer.
type LayerConfig struct {
	Name    string
	Kind    LayerKind
	Inbound []string

	// Activation is the activation of the source layer. Rectification is
	// implicit in spike generation; only binary activations change behavior.
	Activation string

	// IsFirstSpiking is set when no ancestor of the layer has parameters.
	IsFirstSpiking bool

	Cell CellParams
}

// Param is one learned tensor of a spiking layer.
type Param struct {
	Name  string // "<layer>/kernel:0" or "<layer>/bias:0"
	Kind  string // "kernel" or "bias"
	Value *tensor.Tensor
}

// Layer is the contract every spiking layer fulfils. Forward advances the
// layer by one time step.
type Layer interface {
	Name() string
	Kind() LayerKind
	Inbound() []string
	Config() LayerConfig
	Capabilities() Capabilities
	OutputShape() []int

	Forward(inputs []*tensor.Tensor) (*tensor.Tensor, error)

	SetTime(t float64)
	Time() float64
	Reset(sampleIdx int)

	Params() []*Param
	SnapshotBias()

	// SpikeTrain and Membrane return nil unless the matching capability is set.
	SpikeTrain() *tensor.Tensor
	Membrane() *tensor.Tensor
}

// base carries what all layers share and the defaults for optional parts.
type base struct {
	cfg      LayerConfig
	outShape []int
	time     float64
}

func newBase(cfg LayerConfig, outShape []int) base {
	return base{cfg: cfg, outShape: outShape, time: cfg.Cell.Dt}
}

func (b *base) Name() string               { return b.cfg.Name }
func (b *base) Kind() LayerKind            { return b.cfg.Kind }
func (b *base) Inbound() []string          { return b.cfg.Inbound }
func (b *base) Config() LayerConfig        { return b.cfg }
func (b *base) OutputShape() []int         { return b.outShape }
func (b *base) Capabilities() Capabilities { return Capabilities{} }
func (b *base) SetTime(t float64)          { b.time = t }
func (b *base) Time() float64              { return b.time }
func (b *base) Reset(int)                  { b.time = b.cfg.Cell.Dt }
func (b *base) Params() []*Param           { return nil }
func (b *base) SnapshotBias()              {}
func (b *base) SpikeTrain() *tensor.Tensor { return nil }
func (b *base) Membrane() *tensor.Tensor   { return nil }

// doReset reports whether membrane state is cleared before sampleIdx.
func (b *base) doReset(sampleIdx int) bool {
	mod := b.cfg.Cell.ResetEveryNth
	if mod <= 0 {
		mod = sampleIdx + 1
	}
	return sampleIdx%mod == 0
}
