package snn

import (
	"math"

	"github.com/FelixWaiblinger/snn-toolbox/config"
	"github.com/FelixWaiblinger/snn-toolbox/tensor"
)

// TimestepAtSpikecount returns the number of steps after which the input x
// (already scaled by dt) would have produced more than max_num_input_spikes
// spikes per sample. The input layer is treated as an ideal accumulator with
// unit threshold. Without a budget, for Poisson or event input, or for any
// reset other than subtraction, the full number of steps is returned.
func (s *Simulator) TimestepAtSpikecount(x *tensor.Tensor) int {
	total := s.cfg.NumTimesteps()
	budget := s.cfg.Input.MaxNumInputSpikes
	if budget == nil {
		return total
	}
	if s.cfg.InputMode() != config.ModeDirect || s.cfg.Cell.Reset != config.ResetBySubtraction {
		return total
	}

	limit := float64(*budget) * float64(x.BatchSize())
	accum := make([]float64, len(x.Data))
	for t := 0; t < total; t++ {
		var count float64
		for i, v := range x.Data {
			accum[i] += float64(v)
			count += math.Floor(accum[i])
		}
		if count > limit {
			return t
		}
	}
	return total
}
