package snn

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/FelixWaiblinger/snn-toolbox/config"
	"github.com/FelixWaiblinger/snn-toolbox/layers"
	"github.com/FelixWaiblinger/snn-toolbox/logging"
)

// Simulator converts a trained network into a spiking graph and runs it with
// a time-stepped mean-rate code. Its methods may be called from several
// goroutines; the spiking graph has a single owner at any time.
type Simulator struct {
	mu sync.Mutex

	cfg    *config.Config
	parsed *layers.ModelSpec
	logger *slog.Logger
	echo   io.Writer
	rng    *rand.Rand
	cell   CellParams
	events EventSource

	input   *InputLayer
	layers  []Layer
	byName  map[string]Layer
	sources map[string]*layers.LayerSpec

	// pendingHint is the binary activation of the last convolution, handed
	// to the pooling layer that follows it.
	pendingHint string

	graph *Graph
}

// NewSimulator creates a simulator for a parsed trained network. A nil cfg
// selects the defaults; a nil logger discards log output.
func NewSimulator(cfg *config.Config, parsed *layers.ModelSpec, logger *slog.Logger) (*Simulator, error) {
	if parsed == nil {
		return nil, fmt.Errorf("no trained model given")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seed := uint64(cfg.Simulation.Seed)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &Simulator{
		cfg:    cfg,
		parsed: parsed,
		logger: logging.OrDiscard(logger),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		cell: CellParams{
			VThresh:        float32(cfg.Cell.VThresh),
			Reset:          cfg.Cell.Reset,
			Dt:             cfg.Simulation.Dt,
			Duration:       cfg.Simulation.Duration,
			BiasRelaxation: cfg.Cell.BiasRelaxation,
			ResetEveryNth:  cfg.Simulation.ResetBetweenNthSample,
			RecordSpikeTrain: cfg.LogVar(config.LogSpiketrains) ||
				cfg.LogVar(config.LogSynapticOperations) ||
				cfg.LogVar(config.LogNeuronOperations),
		},
		byName:  make(map[string]Layer),
		sources: make(map[string]*layers.LayerSpec),
	}, nil
}

// SetOutput directs the live accuracy readout to w. Nil disables it.
func (s *Simulator) SetOutput(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echo = w
}

// SetEventSource sets the frame source used in event replay mode.
func (s *Simulator) SetEventSource(src EventSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = src
}

// Config returns the simulator configuration.
func (s *Simulator) Config() *config.Config { return s.cfg }

// Graph returns the compiled spiking graph, or nil before Compile.
func (s *Simulator) Graph() *Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// Layers returns the spiking layers in insertion order, without the input.
func (s *Simulator) Layers() []Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Layer(nil), s.layers...)
}

// SetTime broadcasts the simulation time to every layer that tracks time.
func (s *Simulator) SetTime(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTime(t)
}

func (s *Simulator) setTime(t float64) {
	for _, l := range s.layers {
		if l.Capabilities().Time {
			l.SetTime(t)
		}
	}
}

// Reset clears the runtime state of every layer before sample sampleIdx.
func (s *Simulator) Reset(sampleIdx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset(sampleIdx)
}

func (s *Simulator) reset(sampleIdx int) {
	for _, l := range s.layers {
		l.Reset(sampleIdx)
	}
}

// EndSim releases nothing; the time-stepped backend holds no external
// resources. It exists so that callers can treat all backends alike.
func (s *Simulator) EndSim() {}
