package snn

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// snapshotFormat identifies files written by Save.
const snapshotFormat = "snn-toolbox/temporal_mean_rate"

type savedParam struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

type savedLayer struct {
	Name           string       `json:"name"`
	Kind           string       `json:"kind"`
	Inbound        []string     `json:"inbound"`
	Activation     string       `json:"activation,omitempty"`
	IsFirstSpiking bool         `json:"is_first_spiking"`
	OutputShape    []int        `json:"output_shape"`
	Params         []savedParam `json:"params,omitempty"`
}

type snapshot struct {
	Format string       `json:"format"`
	Input  []int        `json:"input_shape"`
	Cell   CellParams   `json:"cell"`
	Layers []savedLayer `json:"layers"`
}

// Save writes the compiled spiking graph to dir/<name>.json. An existing file
// is replaced only when output.overwrite is set.
func (s *Simulator) Save(dir, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.graph == nil {
		return ErrNotCompiled
	}
	path := filepath.Join(dir, name+".json")
	if !s.cfg.Output.Overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrFileExists, path)
		}
	}

	snap := snapshot{Format: snapshotFormat, Input: s.input.OutputShape(), Cell: s.cell}
	for _, l := range s.layers {
		cfg := l.Config()
		sl := savedLayer{
			Name:           l.Name(),
			Kind:           l.Kind().String(),
			Inbound:        l.Inbound(),
			Activation:     cfg.Activation,
			IsFirstSpiking: cfg.IsFirstSpiking,
			OutputShape:    l.OutputShape(),
		}
		for _, p := range l.Params() {
			sl.Params = append(sl.Params, savedParam{Name: p.Name, Shape: p.Value.Shape, Data: p.Value.Data})
		}
		snap.Layers = append(snap.Layers, sl)
	}

	s.logger.Info("saving model", "path", path)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode spiking graph: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write spiking graph: %w", err)
	}
	return nil
}

// Load is not supported by this backend: the configuration needed to rebuild
// the spiking layers is not part of the saved file. A missing file is
// reported as such.
func (s *Simulator) Load(dir, name string) error {
	path := filepath.Join(dir, name+".json")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("spiking graph %s: %w", path, err)
		}
		return err
	}
	return fmt.Errorf("loading spiking graph %s: %w", path, ErrNotImplemented)
}
