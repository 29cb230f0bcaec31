package snn

import (
	"fmt"
	"strings"

	"github.com/FelixWaiblinger/snn-toolbox/layers"
)

// Build mirrors the whole trained network: it adds the input layer for the
// configured batch size and then every source layer in order.
func (s *Simulator) Build() error {
	if len(s.parsed.InputShape) == 0 {
		return fmt.Errorf("trained model has no input shape")
	}
	shape := batchedShape(s.cfg.Simulation.BatchSize, s.parsed.InputShape)
	if err := s.AddInputLayer(shape); err != nil {
		return err
	}
	for i := range s.parsed.Layers {
		if err := s.AddLayer(&s.parsed.Layers[i]); err != nil {
			return err
		}
	}
	s.logger.Debug("built spiking graph", "layers", len(s.parsed.Layers), "input_shape", shape)
	return nil
}

// AddInputLayer creates the single entry node of the graph. shape includes
// the batch dimension.
func (s *Simulator) AddInputLayer(shape []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.input != nil {
		return ErrInputLayerExists
	}
	if len(shape) < 2 {
		return fmt.Errorf("input shape %v has no feature dimension", shape)
	}
	s.input = newInputLayer(shape, s.cell)
	s.byName[layers.InputName] = s.input
	return nil
}

// AddLayer creates the spiking counterpart of one source layer and wires it
// to its inbound layers, which must have been added before.
func (s *Simulator) AddLayer(spec *layers.LayerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.input == nil {
		return ErrInputLayerMissing
	}
	entry, err := lookupKind(spec.Type)
	if err != nil {
		return fmt.Errorf("layer %s: %w", spec.Name, err)
	}
	if spec.Name == "" {
		return fmt.Errorf("layer of type %s has no name", spec.Type)
	}
	if _, dup := s.byName[spec.Name]; dup {
		return fmt.Errorf("duplicate layer name %s", spec.Name)
	}

	inbound := spec.Inbound
	if len(inbound) == 0 {
		prev := layers.InputName
		if n := len(s.layers); n > 0 {
			prev = s.layers[n-1].Name()
		}
		inbound = []string{prev}
	}
	inputShapes := make([][]int, len(inbound))
	for i, name := range inbound {
		l, ok := s.byName[name]
		if !ok {
			return fmt.Errorf("%w: %s (inbound of %s)", ErrInboundNotRegistered, name, spec.Name)
		}
		inputShapes[i] = l.OutputShape()
	}

	// Rectification comes with spike generation, so only the binary
	// activations travel on as an override.
	activation := ""
	if isBinaryActivation(spec.Activation) {
		activation = spec.Activation
	}
	hint := s.pendingHint
	s.pendingHint = ""
	if hint != "" && entry.kind == KindMaxPool2D {
		activation = hint
	}
	if entry.kind == KindConv2D && strings.Contains(strings.ToLower(spec.Activation), "binary") {
		s.pendingHint = spec.Activation
	}

	cfg := LayerConfig{
		Name:           spec.Name,
		Kind:           entry.kind,
		Inbound:        append([]string(nil), inbound...),
		Activation:     activation,
		IsFirstSpiking: !s.hasParameterizedAncestor(inbound),
		Cell:           s.cell,
	}
	layer, err := entry.build(cfg, spec, inputShapes)
	if err != nil {
		return fmt.Errorf("failed to build layer %s: %w", spec.Name, err)
	}

	s.layers = append(s.layers, layer)
	s.byName[spec.Name] = layer
	s.sources[spec.Name] = spec
	s.graph = nil

	s.logger.Debug("added spiking layer",
		"name", spec.Name,
		"kind", entry.kind.String(),
		"inbound", inbound,
		"first_spiking", cfg.IsFirstSpiking,
		"activation", activation,
	)
	return nil
}

// hasParameterizedAncestor walks back from inbound through parameterless
// layers and reports whether any layer with learned weights is reached.
func (s *Simulator) hasParameterizedAncestor(inbound []string) bool {
	seen := make(map[string]bool)
	var walk func(names []string) bool
	walk = func(names []string) bool {
		for _, name := range names {
			if name == layers.InputName || seen[name] {
				continue
			}
			seen[name] = true
			src, ok := s.sources[name]
			if !ok {
				continue
			}
			if src.Type.HasParameters() || walk(s.byName[name].Inbound()) {
				return true
			}
		}
		return false
	}
	return walk(inbound)
}
