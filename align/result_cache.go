package align

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ResultRecord is the persisted summary of a finished run.
type ResultRecord struct {
	Source       string         `json:"source"`
	Target       string         `json:"target,omitempty"`
	Points       int            `json:"points"`
	Transform    RigidTransform `json:"transform"`
	Penalty      float64        `json:"penalty"`
	Termination  Termination    `json:"termination"`
	Iterations   int            `json:"iterations"`
	Perturbation *Perturbation  `json:"perturbation,omitempty"` // Set when the target was synthesized
	StartedAt    int64          `json:"startedAt"`
	LastUpdated  int64          `json:"lastUpdated"`
}

// NewResultRecord summarises r.
func NewResultRecord(source, target string, r Result, started time.Time) *ResultRecord {
	return &ResultRecord{
		Source:      source,
		Target:      target,
		Points:      len(r.Cloud),
		Transform:   r.Transform,
		Penalty:     r.Penalty,
		Termination: r.Termination,
		Iterations:  r.Iterations,
		StartedAt:   started.Unix(),
	}
}

// LoadResult reads a cached record. A missing file yields (nil, nil).
func LoadResult(path string) (*ResultRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No result cached yet
		}
		return nil, fmt.Errorf("reading result file: %w", err)
	}

	var rec ResultRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing result file: %w", err)
	}

	return &rec, nil
}

// SaveResult writes rec to path, stamping LastUpdated.
func SaveResult(path string, rec *ResultRecord) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating result directory: %w", err)
	}

	rec.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing result file: %w", err)
	}

	return nil
}

// Age returns how long ago the record was written.
func (r *ResultRecord) Age() time.Duration {
	return time.Since(time.Unix(r.LastUpdated, 0))
}
