package snn

import (
	"fmt"

	"github.com/FelixWaiblinger/snn-toolbox/layers"
)

// LayerKind is the closed set of spiking layer variants.
type LayerKind int

const (
	KindInput LayerKind = iota
	KindDense
	KindConv2D
	KindMaxPool2D
	KindAvgPool2D
	KindFlatten
	KindConcatenate
)

func (k LayerKind) String() string {
	switch k {
	case KindInput:
		return "Input"
	case KindDense:
		return "SpikeDense"
	case KindConv2D:
		return "SpikeConv2D"
	case KindMaxPool2D:
		return "SpikeMaxPool2D"
	case KindAvgPool2D:
		return "SpikeAvgPool2D"
	case KindFlatten:
		return "SpikeFlatten"
	case KindConcatenate:
		return "SpikeConcatenate"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// HasNeurons reports whether layers of this kind integrate and fire.
func (k LayerKind) HasNeurons() bool {
	return k == KindDense || k == KindConv2D || k == KindAvgPool2D
}

// constructor builds a spiking layer from its source spec and the output
// shapes of its inbound layers.
type constructor func(cfg LayerConfig, spec *layers.LayerSpec, inputShapes [][]int) (Layer, error)

type kindEntry struct {
	kind  LayerKind
	build constructor
}

var layerKinds = map[layers.LayerType]kindEntry{
	layers.Dense:       {KindDense, newDenseLayer},
	layers.Conv2D:      {KindConv2D, newConv2DLayer},
	layers.MaxPool2D:   {KindMaxPool2D, newMaxPool2DLayer},
	layers.AvgPool2D:   {KindAvgPool2D, newAvgPool2DLayer},
	layers.Flatten:     {KindFlatten, newFlattenLayer},
	layers.Concatenate: {KindConcatenate, newConcatenateLayer},
}

// lookupKind resolves the spiking counterpart of a source layer type.
func lookupKind(lt layers.LayerType) (kindEntry, error) {
	entry, ok := layerKinds[lt]
	if !ok {
		return kindEntry{}, fmt.Errorf("%w: %s", ErrUnknownLayerType, lt)
	}
	return entry, nil
}
