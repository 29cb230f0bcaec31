package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/FelixWaiblinger/snn-toolbox/events"
	"github.com/FelixWaiblinger/snn-toolbox/tensor"
)

// dataset is the JSON test set read by the simulate command. Shape includes
// the sample dimension; X is stored flat in row-major order. Events, when
// present, holds one event stream per sample for event replay.
type dataset struct {
	Shape  []int            `json:"shape"`
	X      []float32        `json:"x"`
	Y      []int            `json:"y"`
	Events [][]events.Event `json:"events,omitempty"`
}

func loadDataset(path string) (*dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	var ds dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", path, err)
	}
	if err := ds.validate(); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	return &ds, nil
}

func (ds *dataset) validate() error {
	if len(ds.Shape) < 2 {
		return fmt.Errorf("shape %v must include the sample dimension", ds.Shape)
	}
	if n := tensor.ShapeSize(ds.Shape); n != len(ds.X) {
		return fmt.Errorf("shape %v needs %d values, got %d", ds.Shape, n, len(ds.X))
	}
	if len(ds.Y) != ds.Shape[0] {
		return fmt.Errorf("%d labels for %d samples", len(ds.Y), ds.Shape[0])
	}
	if ds.Events != nil && len(ds.Events) != ds.Shape[0] {
		return fmt.Errorf("%d event streams for %d samples", len(ds.Events), ds.Shape[0])
	}
	return nil
}

func (ds *dataset) samples() int { return ds.Shape[0] }

// numBatches is the number of complete batches; a trailing partial batch
// is not simulated.
func (ds *dataset) numBatches(batchSize int) int {
	return ds.samples() / batchSize
}

// batch returns the inputs, labels and event streams of batch i.
func (ds *dataset) batch(i, batchSize int) (*tensor.Tensor, []int, [][]events.Event, error) {
	sampleSize := tensor.ShapeSize(ds.Shape[1:])
	lo, hi := i*batchSize, (i+1)*batchSize
	if hi > ds.samples() {
		return nil, nil, nil, fmt.Errorf("batch %d exceeds %d samples", i, ds.samples())
	}
	shape := append([]int{batchSize}, ds.Shape[1:]...)
	x, err := tensor.NewTensor(shape, append([]float32(nil), ds.X[lo*sampleSize:hi*sampleSize]...))
	if err != nil {
		return nil, nil, nil, err
	}
	var streams [][]events.Event
	if ds.Events != nil {
		streams = ds.Events[lo:hi]
	}
	return x, ds.Y[lo:hi], streams, nil
}
