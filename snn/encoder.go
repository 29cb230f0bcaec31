package snn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/FelixWaiblinger/snn-toolbox/tensor"
)

// InputEncoder produces the input tensor of each time step.
type InputEncoder interface {
	Encode(step int) (*tensor.Tensor, error)

	// Remaining is the input not yet emitted when the batch ends.
	Remaining() int
}

// EventSource delivers pre-binned event-camera frames for the current batch.
type EventSource interface {
	NextEventFrameBatch() *tensor.Tensor
	RemainingEventsOfCurrentBatch() int
}

// DirectEncoder injects the sample scaled by dt as a constant current.
type DirectEncoder struct {
	input *tensor.Tensor
}

func NewDirectEncoder(x *tensor.Tensor, dt float64) *DirectEncoder {
	return &DirectEncoder{input: x.Scale(float32(dt))}
}

func (e *DirectEncoder) Encode(int) (*tensor.Tensor, error) { return e.input, nil }
func (e *DirectEncoder) Remaining() int                     { return 0 }

// PoissonEncoder samples a spike per element with a probability proportional
// to the magnitude of the input. Spikes carry the peak input value and the
// sign of the element.
type PoissonEncoder struct {
	x       *tensor.Tensor
	rescale float64
	budget  int
	counts  []int
	rng     *rand.Rand
}

// NewPoissonEncoder creates an encoder for x. budget caps the number of input
// spikes per sample; a negative budget is unlimited.
func NewPoissonEncoder(x *tensor.Tensor, rescale float64, budget int, rng *rand.Rand) *PoissonEncoder {
	return &PoissonEncoder{
		x:       x,
		rescale: rescale,
		budget:  budget,
		counts:  make([]int, x.BatchSize()),
		rng:     rng,
	}
}

func (e *PoissonEncoder) Encode(int) (*tensor.Tensor, error) {
	out := tensor.ZerosLike(e.x)
	peak := float64(e.x.Max())
	for b := range e.counts {
		if e.budget >= 0 && e.counts[b] >= e.budget {
			continue
		}
		in := e.x.Sample(b)
		spikes := out.Sample(b)
		for i, v := range in {
			if v == 0 {
				continue
			}
			if e.rng.Float64()*e.rescale*peak <= math.Abs(float64(v)) {
				if v > 0 {
					spikes[i] = float32(peak)
				} else {
					spikes[i] = -float32(peak)
				}
				e.counts[b]++
			}
		}
	}
	return out, nil
}

// SpikeCounts returns the number of input spikes emitted per sample.
func (e *PoissonEncoder) SpikeCounts() []int { return append([]int(nil), e.counts...) }

// Remaining is the unused spike budget summed over the batch. It is zero for
// an unlimited budget.
func (e *PoissonEncoder) Remaining() int {
	if e.budget <= 0 {
		return 0
	}
	n := 0
	for _, c := range e.counts {
		if c < e.budget {
			n += e.budget - c
		}
	}
	return n
}

// EventReplayEncoder replays frames from an EventSource.
type EventReplayEncoder struct {
	src   EventSource
	shape []int
}

func NewEventReplayEncoder(src EventSource, shape []int) *EventReplayEncoder {
	return &EventReplayEncoder{src: src, shape: shape}
}

func (e *EventReplayEncoder) Encode(step int) (*tensor.Tensor, error) {
	frame := e.src.NextEventFrameBatch()
	if frame == nil {
		return nil, fmt.Errorf("event source returned no frame at step %d", step)
	}
	if !tensor.SameShape(frame.Shape, e.shape) {
		return nil, fmt.Errorf("event frame shape %v, expected %v", frame.Shape, e.shape)
	}
	return frame, nil
}

func (e *EventReplayEncoder) Remaining() int { return e.src.RemainingEventsOfCurrentBatch() }
