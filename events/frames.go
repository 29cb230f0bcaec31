// Package events bins event-camera streams into frames that are replayed
// one per simulation step.
package events

import (
	"fmt"
	"sort"

	"github.com/FelixWaiblinger/snn-toolbox/tensor"
)

// Event is a single address event of a dynamic vision sensor.
type Event struct {
	X         int   `json:"x"`
	Y         int   `json:"y"`
	Polarity  bool  `json:"p"`
	Timestamp int64 `json:"t"`
}

// FrameGenerator turns one event stream per sample into a sequence of frame
// batches of shape [batch, 1, height, width]. Each frame accumulates the
// events of one time window; ON events count +1 and OFF events -1.
type FrameGenerator struct {
	height     int
	width      int
	frameWidth int64

	streams    [][]Event
	cursors    []int
	frameStart []int64
}

// NewFrameGenerator creates a generator for sensors of the given size.
// frameWidth is the time window covered by one frame.
func NewFrameGenerator(height, width int, frameWidth int64) (*FrameGenerator, error) {
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid sensor size %dx%d", height, width)
	}
	if frameWidth <= 0 {
		return nil, fmt.Errorf("frame width must be positive, got %d", frameWidth)
	}
	return &FrameGenerator{height: height, width: width, frameWidth: frameWidth}, nil
}

// SetBatch loads the event streams of the next batch, one stream per sample.
// Streams are sorted by timestamp; each sample's first frame starts at its
// first event.
func (g *FrameGenerator) SetBatch(streams [][]Event) error {
	if len(streams) == 0 {
		return fmt.Errorf("batch has no samples")
	}
	g.streams = make([][]Event, len(streams))
	g.cursors = make([]int, len(streams))
	g.frameStart = make([]int64, len(streams))

	for i, s := range streams {
		for _, e := range s {
			if e.X < 0 || e.X >= g.width || e.Y < 0 || e.Y >= g.height {
				return fmt.Errorf("sample %d: event at (%d, %d) outside sensor %dx%d", i, e.X, e.Y, g.width, g.height)
			}
		}
		sorted := append([]Event(nil), s...)
		sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].Timestamp < sorted[b].Timestamp })
		g.streams[i] = sorted
		if len(sorted) > 0 {
			g.frameStart[i] = sorted[0].Timestamp
		}
	}
	return nil
}

// BatchSize returns the number of samples in the current batch.
func (g *FrameGenerator) BatchSize() int {
	return len(g.streams)
}

// NextEventFrameBatch bins the next time window of every sample into a frame.
// Samples whose stream is exhausted contribute empty frames.
func (g *FrameGenerator) NextEventFrameBatch() *tensor.Tensor {
	batch := len(g.streams)
	if batch == 0 {
		batch = 1
	}
	frames := tensor.MustNew([]int{batch, 1, g.height, g.width}, nil)

	for i, stream := range g.streams {
		end := g.frameStart[i] + g.frameWidth
		sample := frames.Sample(i)
		for g.cursors[i] < len(stream) && stream[g.cursors[i]].Timestamp < end {
			e := stream[g.cursors[i]]
			if e.Polarity {
				sample[e.Y*g.width+e.X]++
			} else {
				sample[e.Y*g.width+e.X]--
			}
			g.cursors[i]++
		}
		g.frameStart[i] = end
	}
	return frames
}

// RemainingEventsOfCurrentBatch counts the events not yet binned into a frame.
func (g *FrameGenerator) RemainingEventsOfCurrentBatch() int {
	remaining := 0
	for i, stream := range g.streams {
		remaining += len(stream) - g.cursors[i]
	}
	return remaining
}
