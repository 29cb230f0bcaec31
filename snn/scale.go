package snn

import (
	"fmt"

	"github.com/FelixWaiblinger/snn-toolbox/tensor"
)

// ScaleFirstLayerParameters rescales the first spiking layer for a run that
// is stopped at time t instead of the configured duration D:
//
//	kernel = kernel * (D + tau) / (t + tau)
//	bias   = bias + tau * (D - t) / (t + tau) * mean_b(input . kernel)
//
// Only a dense first layer with a bias is supported. No run path calls it;
// callers that shorten a run apply it before Simulate.
func (s *Simulator) ScaleFirstLayerParameters(t float64, input *tensor.Tensor, tau float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first *DenseLayer
	for _, l := range s.layers {
		if !l.Kind().HasNeurons() {
			continue
		}
		dense, ok := l.(*DenseLayer)
		if !ok {
			return fmt.Errorf("%w: first spiking layer %s is %s", ErrUnsupportedLayer, l.Name(), l.Kind())
		}
		first = dense
		break
	}
	if first == nil {
		return fmt.Errorf("%w: no spiking layer with neurons", ErrUnsupportedLayer)
	}
	if first.bias == nil {
		return fmt.Errorf("%w: %s has no bias", ErrUnsupportedLayer, first.Name())
	}
	if t+tau == 0 {
		return fmt.Errorf("t + tau must not be zero")
	}

	drive, err := tensor.MatMul(input, first.kernel.Value)
	if err != nil {
		return fmt.Errorf("scale %s: %w", first.Name(), err)
	}
	batch := drive.Shape[0]
	units := drive.Shape[1]

	duration := s.cfg.Simulation.Duration
	alpha := float32((duration + tau) / (t + tau))
	gain := float32(tau * (duration - t) / (t + tau))

	for j := 0; j < units; j++ {
		var mean float32
		for b := 0; b < batch; b++ {
			mean += drive.Data[b*units+j]
		}
		mean /= float32(batch)
		first.bias.Value.Data[j] += gain * mean
	}
	for i := range first.kernel.Value.Data {
		first.kernel.Value.Data[i] *= alpha
	}

	s.logger.Debug("scaled first layer parameters", "layer", first.Name(), "t", t, "tau", tau, "alpha", alpha)
	return nil
}
