package snn

import (
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/FelixWaiblinger/snn-toolbox/events"
	"github.com/FelixWaiblinger/snn-toolbox/tensor"
)

func TestDirectEncoderScalesByDt(t *testing.T) {
	x := tensor.MustNew([]int{1, 3}, []float32{1, 2, -4})
	enc := NewDirectEncoder(x, 0.5)
	for step := 0; step < 3; step++ {
		got, err := enc.Encode(step)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if !reflect.DeepEqual(got.Data, []float32{0.5, 1, -2}) {
			t.Errorf("step %d: %v", step, got.Data)
		}
	}
	if x.Data[0] != 1 {
		t.Error("encoder modified its input")
	}
	if enc.Remaining() != 0 {
		t.Errorf("remaining %d, expected 0", enc.Remaining())
	}
}

func TestPoissonEncoderSignAndAmplitude(t *testing.T) {
	// With rescale 1 every nonzero element of peak magnitude fires.
	x := tensor.MustNew([]int{1, 4}, []float32{2, -2, 0, 2})
	enc := NewPoissonEncoder(x, 1, -1, rand.New(rand.NewPCG(1, 2)))
	got, err := enc.Encode(0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !reflect.DeepEqual(got.Data, []float32{2, -2, 0, 2}) {
		t.Errorf("spikes %v, expected [2 -2 0 2]", got.Data)
	}
}

func TestPoissonEncoderBudget(t *testing.T) {
	x, _ := tensor.Full([]int{2, 50}, 1)

	tests := []struct {
		name      string
		budget    int
		zeroAfter int // first step with all-zero input, -1 for never
		remaining int
	}{
		{"unlimited", -1, -1, 0},
		{"exhausted after two steps", 60, 2, 0},
		{"overshoots budget", 120, -1, 0},
		{"zero budget", 0, 0, 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			enc := NewPoissonEncoder(x, 1, test.budget, rand.New(rand.NewPCG(3, 4)))
			steps := 3
			for step := 0; step < steps; step++ {
				in, err := enc.Encode(step)
				if err != nil {
					t.Fatalf("Encode failed: %v", err)
				}
				empty := in.CountNonzero() == 0
				wantEmpty := test.zeroAfter >= 0 && step >= test.zeroAfter
				if empty != wantEmpty {
					t.Errorf("step %d: empty %v, expected %v (counts %v)", step, empty, wantEmpty, enc.SpikeCounts())
				}
			}
			if got := enc.Remaining(); got != test.remaining {
				t.Errorf("remaining %d, expected %d", got, test.remaining)
			}
		})
	}
}

func TestPoissonEncoderRemainingBudget(t *testing.T) {
	x, _ := tensor.Full([]int{2, 50}, 1)
	enc := NewPoissonEncoder(x, 1, 120, rand.New(rand.NewPCG(5, 6)))
	if _, err := enc.Encode(0); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got := enc.Remaining(); got != 2*70 {
		t.Errorf("remaining %d, expected 140", got)
	}
}

type fakeSource struct {
	frames    []*tensor.Tensor
	next      int
	remaining int
}

func (f *fakeSource) NextEventFrameBatch() *tensor.Tensor {
	if f.next >= len(f.frames) {
		return nil
	}
	frame := f.frames[f.next]
	f.next++
	return frame
}

func (f *fakeSource) RemainingEventsOfCurrentBatch() int { return f.remaining }

func TestEventReplayEncoder(t *testing.T) {
	gen, err := events.NewFrameGenerator(2, 2, 10)
	if err != nil {
		t.Fatalf("NewFrameGenerator failed: %v", err)
	}
	stream := []events.Event{
		{X: 0, Y: 0, Polarity: true, Timestamp: 0},
		{X: 1, Y: 1, Polarity: false, Timestamp: 5},
		{X: 1, Y: 0, Polarity: true, Timestamp: 12},
		{X: 1, Y: 0, Polarity: true, Timestamp: 40},
	}
	if err := gen.SetBatch([][]events.Event{stream}); err != nil {
		t.Fatalf("SetBatch failed: %v", err)
	}

	enc := NewEventReplayEncoder(gen, []int{1, 1, 2, 2})
	first, err := enc.Encode(0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !reflect.DeepEqual(first.Data, []float32{1, 0, 0, -1}) {
		t.Errorf("first frame %v", first.Data)
	}
	second, err := enc.Encode(1)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !reflect.DeepEqual(second.Data, []float32{0, 1, 0, 0}) {
		t.Errorf("second frame %v", second.Data)
	}
	if enc.Remaining() != 1 {
		t.Errorf("remaining %d, expected 1", enc.Remaining())
	}
}

func TestEventReplayEncoderErrors(t *testing.T) {
	src := &fakeSource{frames: []*tensor.Tensor{tensor.MustNew([]int{1, 1, 3, 3}, nil)}}
	enc := NewEventReplayEncoder(src, []int{1, 1, 2, 2})
	if _, err := enc.Encode(0); err == nil {
		t.Error("expected error for frame of wrong shape")
	}
	if _, err := enc.Encode(1); err == nil {
		t.Error("expected error for exhausted source")
	}
}
