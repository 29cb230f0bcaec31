package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	config := Default()

	if config.Simulation.Duration != 50 || config.Simulation.Dt != 1 {
		t.Errorf("expected duration 50 and dt 1, got %g and %g", config.Simulation.Duration, config.Simulation.Dt)
	}
	if config.Cell.Reset != ResetBySubtraction {
		t.Errorf("expected reset %q, got %q", ResetBySubtraction, config.Cell.Reset)
	}
	if config.Input.MaxNumInputSpikes != nil {
		t.Error("expected max_num_input_spikes to be unset by default")
	}
	if config.Input.NumPoissonEventsPerSample >= 0 {
		t.Error("expected unlimited Poisson budget by default")
	}
	if config.InputMode() != ModeDirect {
		t.Errorf("expected direct input mode, got %s", config.InputMode())
	}
	if err := config.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
simulation:
  duration: 25
  dt: 0.5
  batch_size: 4
  detector: true
input:
  poisson_input: true
  input_rate: 500
  max_num_input_spikes: 12
cell:
  reset: Reset to zero
  bias_relaxation: true
output:
  log_vars: [spiketrains, synaptic_operations]
logging:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	config, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.NumTimesteps() != 50 {
		t.Errorf("expected 50 timesteps, got %d", config.NumTimesteps())
	}
	if config.Simulation.BatchSize != 4 || !config.Simulation.Detector {
		t.Errorf("simulation section not loaded: %+v", config.Simulation)
	}
	if config.InputMode() != ModePoisson {
		t.Errorf("expected poisson mode, got %s", config.InputMode())
	}
	if got := config.RescaleFactor(); got != 4 {
		t.Errorf("expected rescale factor 4, got %g", got)
	}
	if config.Input.MaxNumInputSpikes == nil || *config.Input.MaxNumInputSpikes != 12 {
		t.Errorf("expected max_num_input_spikes 12, got %v", config.Input.MaxNumInputSpikes)
	}
	if config.Cell.Reset != ResetToZero || !config.Cell.BiasRelaxation {
		t.Errorf("cell section not loaded: %+v", config.Cell)
	}
	// Defaults survive for keys the file leaves out
	if config.Cell.VThresh != 1 {
		t.Errorf("expected default v_thresh 1, got %g", config.Cell.VThresh)
	}
	if !config.LogVar(LogSpiketrains) || config.LogVar(LogMembrane) {
		t.Errorf("unexpected log vars: %v", config.Output.LogVars)
	}
}

func TestLogVarAll(t *testing.T) {
	config := Default()
	config.Output.LogVars = []string{LogAll}
	for _, v := range []string{LogSpiketrains, LogMembrane, LogInput, LogSynapticOperations, LogNeuronOperations} {
		if !config.LogVar(v) {
			t.Errorf("expected %s to be recorded with log_vars=all", v)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero dt", func(c *Config) { c.Simulation.Dt = 0 }},
		{"negative duration", func(c *Config) { c.Simulation.Duration = -1 }},
		{"empty batch", func(c *Config) { c.Simulation.BatchSize = 0 }},
		{"both input modes", func(c *Config) { c.Input.PoissonInput = true; c.Input.EventReplay = true }},
		{"unknown reset", func(c *Config) { c.Cell.Reset = "Reset by modulo" }},
		{"zero threshold", func(c *Config) { c.Cell.VThresh = 0 }},
		{"unknown log var", func(c *Config) { c.Output.LogVars = []string{"voltage"} }},
		{"sqlite without path", func(c *Config) { c.Store.Backend = "sqlite" }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"negative spike budget", func(c *Config) { n := -1; c.Input.MaxNumInputSpikes = &n }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.modify(config)
			if err := config.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("SNN_LOG_LEVEL", "trace")
	t.Setenv("SNN_DURATION", "7")
	t.Setenv("SNN_STORE_BACKEND", "sqlite")
	t.Setenv("SNN_STORE_PATH", "/tmp/runs.db")

	config, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Logging.Level != "trace" {
		t.Errorf("expected level trace, got %s", config.Logging.Level)
	}
	if config.Simulation.Duration != 7 {
		t.Errorf("expected duration 7, got %g", config.Simulation.Duration)
	}
	if config.Store.Backend != "sqlite" || config.Store.Path != "/tmp/runs.db" {
		t.Errorf("store overrides not applied: %+v", config.Store)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
