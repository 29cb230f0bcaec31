// Package config provides configuration loading for the simulator.
// It supports loading from YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Reset policies of the integrate-and-fire cells.
const (
	ResetBySubtraction = "Reset by subtraction"
	ResetToZero        = "Reset to zero"
)

// Recordable variables for output.log_vars.
const (
	LogSpiketrains        = "spiketrains"
	LogMembrane           = "mem"
	LogInput              = "input"
	LogSynapticOperations = "synaptic_operations"
	LogNeuronOperations   = "neuron_operations"
	LogAll                = "all"
)

var knownLogVars = map[string]bool{
	LogSpiketrains:        true,
	LogMembrane:           true,
	LogInput:              true,
	LogSynapticOperations: true,
	LogNeuronOperations:   true,
	LogAll:                true,
}

// InputMode selects how the input sample is presented at every time step.
type InputMode int

const (
	ModeDirect InputMode = iota
	ModePoisson
	ModeEventReplay
)

func (m InputMode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModePoisson:
		return "poisson"
	case ModeEventReplay:
		return "event_replay"
	default:
		return "unknown"
	}
}

// Config contains all simulator settings.
type Config struct {
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`
	Input      InputConfig      `json:"input" yaml:"input"`
	Cell       CellConfig       `json:"cell" yaml:"cell"`
	Output     OutputConfig     `json:"output" yaml:"output"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

// SimulationConfig configures the time-stepped loop.
type SimulationConfig struct {
	// Duration is the total simulated time.
	Duration float64 `json:"duration" yaml:"duration"`

	// Dt is the time resolution; one step advances the clock by Dt.
	Dt float64 `json:"dt" yaml:"dt"`

	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// EarlyStopping ends a batch as soon as its input is entirely zero.
	EarlyStopping bool `json:"early_stopping" yaml:"early_stopping"`

	// Detector enables the bounding-box output next to the class labels.
	Detector bool `json:"detector" yaml:"detector"`

	// ResetBetweenNthSample resets membrane potentials only every n-th
	// sample. 0 resets only before the first sample.
	ResetBetweenNthSample int `json:"reset_between_nth_sample" yaml:"reset_between_nth_sample"`

	// Seed seeds the Poisson generator. 0 picks a time based seed.
	Seed int64 `json:"seed" yaml:"seed"`
}

// InputConfig configures the input encoder.
type InputConfig struct {
	PoissonInput bool    `json:"poisson_input" yaml:"poisson_input"`
	InputRate    float64 `json:"input_rate" yaml:"input_rate"`

	// NumPoissonEventsPerSample caps the number of Poisson input spikes per
	// sample. Negative means unlimited.
	NumPoissonEventsPerSample int `json:"num_poisson_events_per_sample" yaml:"num_poisson_events_per_sample"`

	// MaxNumInputSpikes, when set, shortens the simulation to the step at
	// which the direct input would have produced this many spikes.
	MaxNumInputSpikes *int `json:"max_num_input_spikes,omitempty" yaml:"max_num_input_spikes"`

	EventReplay     bool `json:"event_replay" yaml:"event_replay"`
	EventframeWidth int  `json:"eventframe_width" yaml:"eventframe_width"`
}

// CellConfig configures the integrate-and-fire neurons.
type CellConfig struct {
	VThresh        float64 `json:"v_thresh" yaml:"v_thresh"`
	Reset          string  `json:"reset" yaml:"reset"`
	BiasRelaxation bool    `json:"bias_relaxation" yaml:"bias_relaxation"`
}

// OutputConfig configures console output, persistence and recording.
type OutputConfig struct {
	Verbose   int      `json:"verbose" yaml:"verbose"`
	Overwrite bool     `json:"overwrite" yaml:"overwrite"`
	LogVars   []string `json:"log_vars" yaml:"log_vars"`
}

// StoreConfig selects the run store backend.
type StoreConfig struct {
	// Backend is "memory" (default) or "sqlite".
	Backend string `json:"backend" yaml:"backend"`
	Path    string `json:"path" yaml:"path"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	Level string `json:"level" yaml:"level"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Simulation: SimulationConfig{
			Duration:              50,
			Dt:                    1,
			BatchSize:             1,
			ResetBetweenNthSample: 1,
		},
		Input: InputConfig{
			InputRate:                 1000,
			NumPoissonEventsPerSample: -1,
			EventframeWidth:           10,
		},
		Cell: CellConfig{
			VThresh: 1,
			Reset:   ResetBySubtraction,
		},
		Output: OutputConfig{
			Verbose:   1,
			Overwrite: true,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from path (skipped when empty) and applies
// environment variable overrides, then validates the result.
// Order: defaults -> file -> environment variables
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		config = fileConfig
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return config, nil
}

// NumTimesteps is the number of simulation steps covering the duration.
func (c *Config) NumTimesteps() int {
	return int(math.Ceil(c.Simulation.Duration / c.Simulation.Dt))
}

// RescaleFactor scales Poisson draws so that an input of maximal value
// fires at input_rate.
func (c *Config) RescaleFactor() float64 {
	return 1000 / (c.Input.InputRate * c.Simulation.Dt)
}

// InputMode returns the configured input encoding.
func (c *Config) InputMode() InputMode {
	switch {
	case c.Input.PoissonInput:
		return ModePoisson
	case c.Input.EventReplay:
		return ModeEventReplay
	default:
		return ModeDirect
	}
}

// LogVar reports whether the named variable should be recorded.
func (c *Config) LogVar(name string) bool {
	for _, v := range c.Output.LogVars {
		if v == name || v == LogAll {
			return true
		}
	}
	return false
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Simulation.Dt <= 0 {
		return fmt.Errorf("%w: dt must be positive, got %g", ErrInvalid, c.Simulation.Dt)
	}
	if c.Simulation.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %g", ErrInvalid, c.Simulation.Duration)
	}
	if c.Simulation.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be at least 1, got %d", ErrInvalid, c.Simulation.BatchSize)
	}
	if c.Simulation.ResetBetweenNthSample < 0 {
		return fmt.Errorf("%w: reset_between_nth_sample must be non-negative, got %d", ErrInvalid, c.Simulation.ResetBetweenNthSample)
	}

	if c.Input.PoissonInput && c.Input.EventReplay {
		return fmt.Errorf("%w: poisson_input and event_replay are mutually exclusive", ErrInvalid)
	}
	if c.Input.PoissonInput && c.Input.InputRate <= 0 {
		return fmt.Errorf("%w: input_rate must be positive, got %g", ErrInvalid, c.Input.InputRate)
	}
	if c.Input.EventReplay && c.Input.EventframeWidth <= 0 {
		return fmt.Errorf("%w: eventframe_width must be positive, got %d", ErrInvalid, c.Input.EventframeWidth)
	}
	if c.Input.MaxNumInputSpikes != nil && *c.Input.MaxNumInputSpikes < 0 {
		return fmt.Errorf("%w: max_num_input_spikes must be non-negative, got %d", ErrInvalid, *c.Input.MaxNumInputSpikes)
	}

	if c.Cell.VThresh <= 0 {
		return fmt.Errorf("%w: v_thresh must be positive, got %g", ErrInvalid, c.Cell.VThresh)
	}
	if c.Cell.Reset != ResetBySubtraction && c.Cell.Reset != ResetToZero {
		return fmt.Errorf("%w: invalid reset %q (valid: %q, %q)", ErrInvalid, c.Cell.Reset, ResetBySubtraction, ResetToZero)
	}

	for _, v := range c.Output.LogVars {
		if !knownLogVars[v] {
			return fmt.Errorf("%w: unknown log variable %q", ErrInvalid, v)
		}
	}

	switch c.Store.Backend {
	case "", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("%w: sqlite store requires a path", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: invalid store backend %q (valid: memory, sqlite)", ErrInvalid, c.Store.Backend)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true, "warn": true, "error": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("%w: invalid log level: %s (valid: info, debug, trace, warn, error)", ErrInvalid, c.Logging.Level)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("SNN_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	if v := os.Getenv("SNN_STORE_BACKEND"); v != "" {
		config.Store.Backend = v
	}

	if v := os.Getenv("SNN_STORE_PATH"); v != "" {
		config.Store.Path = v
	}

	if v := os.Getenv("SNN_DURATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Simulation.Duration = f
		}
	}
}
