// Package storage persists the results of simulation runs.
package storage

import (
	"context"
	"time"
)

// VersionedRecord tags a stored record with the schema and codec it was
// written with.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// BatchResult is the outcome of one simulated batch.
type BatchResult struct {
	Index                int       `json:"index"`
	Truth                []int     `json:"truth"`
	Predictions          []int     `json:"predictions"`
	Accuracy             float64   `json:"accuracy"`
	EffectiveSteps       int       `json:"effective_steps"`
	StepsSimulated       int       `json:"steps_simulated"`
	EarlyStopped         bool      `json:"early_stopped"`
	RemainingInputEvents int       `json:"remaining_input_events,omitempty"`
	SynapticOperations   float64   `json:"synaptic_operations,omitempty"`
	NeuronOperations     float64   `json:"neuron_operations,omitempty"`
	BoxRate              []float64 `json:"box_rate,omitempty"`
}

// RunRecord is one simulation run over a dataset.
type RunRecord struct {
	VersionedRecord

	ID        string        `json:"id"`
	Model     string        `json:"model"`
	Dataset   string        `json:"dataset"`
	InputMode string        `json:"input_mode"`
	Duration  float64       `json:"duration"`
	Dt        float64       `json:"dt"`
	StartedAt time.Time     `json:"started_at"`
	Batches   []BatchResult `json:"batches"`

	// Accuracy is the share of correctly classified samples over all batches.
	Accuracy float64 `json:"accuracy"`
	Samples  int     `json:"samples"`

	MacroF1       float64 `json:"macro_f1"`
	UndecidedRate float64 `json:"undecided_rate"`
}

// NewRunRecord returns an empty record stamped with the current versions.
func NewRunRecord(id string) RunRecord {
	return RunRecord{
		VersionedRecord: VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		ID:              id,
		StartedAt:       time.Now().UTC(),
	}
}

// AddBatch appends a batch result and updates the overall accuracy.
func (r *RunRecord) AddBatch(b BatchResult) {
	correct := r.Accuracy * float64(r.Samples)
	correct += b.Accuracy * float64(len(b.Truth))
	r.Samples += len(b.Truth)
	r.Batches = append(r.Batches, b)
	if r.Samples > 0 {
		r.Accuracy = correct / float64(r.Samples)
	}
}

// Store defines the persistence operations for simulation runs.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, id string) (RunRecord, bool, error)
	// ListRuns returns all runs, most recent first.
	ListRuns(ctx context.Context) ([]RunRecord, error)
}
