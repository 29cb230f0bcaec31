package snn

import "errors"

var (
	// ErrUnknownLayerType is returned when a source layer has no spiking
	// counterpart. Conversion cannot proceed.
	ErrUnknownLayerType = errors.New("unknown layer type")

	// ErrInboundNotRegistered is returned when a layer is added before one of
	// its inbound layers.
	ErrInboundNotRegistered = errors.New("inbound layer not registered")

	ErrInputLayerMissing = errors.New("input layer must be added first")
	ErrInputLayerExists  = errors.New("input layer already added")

	// ErrIncompleteTransfer is returned when trained parameters and spiking
	// parameters do not match one to one.
	ErrIncompleteTransfer = errors.New("incomplete parameter transfer")
	ErrParameterShape     = errors.New("parameter shape mismatch")

	ErrMissingOutput = errors.New("missing output layer")
	ErrNotCompiled   = errors.New("network not compiled")

	// ErrNotImplemented marks operations this simulator never supports.
	ErrNotImplemented = errors.New("not implemented")
	ErrFileExists     = errors.New("file exists")

	ErrUnsupportedLayer = errors.New("unsupported layer")
)
