package snn

import (
	"context"
	"fmt"

	"github.com/FelixWaiblinger/snn-toolbox/config"
	"github.com/FelixWaiblinger/snn-toolbox/evaluation"
	"github.com/FelixWaiblinger/snn-toolbox/tensor"
)

// Batch is one bulk input to Simulate.
type Batch struct {
	// X holds the samples with the shape of the input layer.
	X *tensor.Tensor

	// Truth holds the class index of every sample. It may be nil.
	Truth []int

	// Events replaces the simulator's event source for this batch.
	Events EventSource
}

// Result is the outcome of simulating one batch.
type Result struct {
	// Output holds, per sample and class, the cumulative number of output
	// spikes up to each step: shape [batch, classes, steps].
	Output *tensor.Tensor

	// BoxRate is the bounding-box spike rate per sample, counted from the
	// first step with a detector spike. Nil without a detector.
	BoxRate [][]float64

	Predictions []int
	Accuracy    float64

	// EffectiveSteps is the step budget after the spike-count estimator;
	// StepsSimulated is less when the run stopped early.
	EffectiveSteps int
	StepsSimulated int
	EarlyStopped   bool

	// RemainingInputEvents counts input that was never presented.
	RemainingInputEvents int

	Recorder *Recorder
}

// SpikeSums returns the total output spikes per sample and class.
func (r *Result) SpikeSums() [][]float64 {
	batch, classes, steps := r.Output.Shape[0], r.Output.Shape[1], r.Output.Shape[2]
	sums := make([][]float64, batch)
	for b := range sums {
		sums[b] = make([]float64, classes)
		if steps == 0 {
			continue
		}
		for c := range sums[b] {
			sums[b][c] = float64(r.Output.At(b, c, steps-1))
		}
	}
	return sums
}

// Simulate runs the compiled network on one batch. Cancellation of ctx is
// honoured between steps.
func (s *Simulator) Simulate(ctx context.Context, batch Batch) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.graph
	if g == nil {
		return nil, ErrNotCompiled
	}
	if batch.X == nil {
		return nil, fmt.Errorf("batch has no input")
	}
	if !tensor.SameShape(batch.X.Shape, s.input.OutputShape()) {
		return nil, fmt.Errorf("batch shape %v does not match input layer %v", batch.X.Shape, s.input.OutputShape())
	}
	size := batch.X.Shape[0]
	if batch.Truth != nil && len(batch.Truth) != size {
		return nil, fmt.Errorf("batch has %d samples but %d labels", size, len(batch.Truth))
	}

	dt := s.cfg.Simulation.Dt
	mode := s.cfg.InputMode()
	encoder, err := s.newEncoder(mode, batch)
	if err != nil {
		return nil, err
	}

	total := s.cfg.NumTimesteps()
	numTimesteps := s.TimestepAtSpikecount(batch.X.Scale(float32(dt)))

	output, err := tensor.Zeros([]int{size, g.numClasses, total})
	if err != nil {
		return nil, err
	}
	spikeSums := newSeries(size, g.numClasses)
	var boxSums [][]float64
	if g.bboxOutput != nil {
		boxSums = newSeries(size, tensor.ShapeSize(g.bboxOutput.OutputShape()[1:]))
	}
	rec := NewRecorder(RecorderOptionsFromConfig(s.cfg), size, total)
	res := &Result{EffectiveSteps: numTimesteps, Recorder: rec}

	echo := evaluation.NewAccuracyEcho(s.echo, s.cfg.Output.Verbose)
	echo.Start()

	firstBox := -1
	for step := 0; step < numTimesteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.setTime(float64(step+1) * dt)

		in, err := encoder.Encode(step)
		if err != nil {
			return nil, err
		}
		if s.cfg.Simulation.EarlyStopping && in.CountNonzero() == 0 {
			s.logger.Info("Input empty: finishing simulation early", "steps_skipped", total-step)
			res.EarlyStopped = true
			break
		}

		class, box, err := g.Forward(in)
		if err != nil {
			return nil, err
		}
		for b := 0; b < size; b++ {
			for c, v := range class.Sample(b) {
				if v > 0 {
					output.SetAt(1, b, c, step)
					spikeSums[b][c]++
				}
			}
			if box != nil {
				for j, v := range box.Sample(b) {
					if v > 0 {
						boxSums[b][j]++
					}
				}
			}
		}

		for _, l := range g.layers {
			rec.recordLayer(step, l, g.stats[l.Name()])
		}
		var first layerStats
		if g.firstSpiking != nil {
			first = g.stats[g.firstSpiking.Name()]
		}
		rec.recordInput(step, in, mode != config.ModeDirect, g.stats[s.input.Name()], first)

		res.Predictions = evaluation.Predict(spikeSums)
		if batch.Truth != nil {
			res.Accuracy = evaluation.Accuracy(batch.Truth, res.Predictions)
		}
		echo.Update(res.Accuracy)

		if boxSums != nil && firstBox < 0 && maxOf(boxSums) > 0 {
			firstBox = step
		}
		res.StepsSimulated++
	}
	echo.Finish()

	if res.Predictions == nil {
		res.Predictions = evaluation.Predict(spikeSums)
	}

	res.RemainingInputEvents = encoder.Remaining()
	if res.RemainingInputEvents > 0 {
		s.logger.Warn("simulation of current batch finished, but input events were not processed; consider increasing the simulation time",
			"remaining_events", res.RemainingInputEvents)
	}

	if boxSums != nil {
		res.BoxRate = newSeries(len(boxSums), len(boxSums[0]))
		// Rates count from the first box spike; without one the sums are zero.
		time2output := numTimesteps
		if firstBox >= 0 {
			time2output = numTimesteps - firstBox
		}
		if time2output > 0 {
			for b, sums := range boxSums {
				for j, v := range sums {
					res.BoxRate[b][j] = v / float64(time2output)
				}
			}
		}
	}

	cumsum(output)
	res.Output = output
	return res, nil
}

func (s *Simulator) newEncoder(mode config.InputMode, batch Batch) (InputEncoder, error) {
	switch mode {
	case config.ModePoisson:
		return NewPoissonEncoder(batch.X, s.cfg.RescaleFactor(), s.cfg.Input.NumPoissonEventsPerSample, s.rng), nil
	case config.ModeEventReplay:
		src := batch.Events
		if src == nil {
			src = s.events
		}
		if src == nil {
			return nil, fmt.Errorf("event replay needs an event source")
		}
		return NewEventReplayEncoder(src, s.input.OutputShape()), nil
	default:
		return NewDirectEncoder(batch.X, s.cfg.Simulation.Dt), nil
	}
}

// cumsum accumulates a [batch, classes, steps] tensor along its last axis.
func cumsum(t *tensor.Tensor) {
	steps := t.Shape[len(t.Shape)-1]
	if steps == 0 {
		return
	}
	for off := 0; off < len(t.Data); off += steps {
		row := t.Data[off : off+steps]
		for i := 1; i < len(row); i++ {
			row[i] += row[i-1]
		}
	}
}

func maxOf(series [][]float64) float64 {
	var m float64
	for _, row := range series {
		for _, v := range row {
			if v > m {
				m = v
			}
		}
	}
	return m
}
