package align

import (
	"math/rand"
)

// FileConfig represents the full configuration file
type FileConfig struct {
	ICP     ICPConfig     `yaml:"icp" json:"icp"`
	Source  string        `yaml:"source" json:"source"`                     // Cloud to move
	Target  string        `yaml:"target,omitempty" json:"target,omitempty"` // Cloud to align onto; empty aligns a perturbed copy of Source
	Perturb PerturbConfig `yaml:"perturb,omitempty" json:"perturb,omitempty"`
	Output  OutputConfig  `yaml:"output,omitempty" json:"output,omitempty"`
	MQTT    MQTTConfig    `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
}

// ICPConfig is the file form of Config.
type ICPConfig struct {
	MaxIterations    int      `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	ConvergenceBound *float64 `yaml:"convergenceBound,omitempty" json:"convergenceBound,omitempty"` // nil means DefaultConvergenceBound
	Correspondence   string   `yaml:"correspondence,omitempty" json:"correspondence,omitempty"`     // many-to-one or unique
	AllowReflection  bool     `yaml:"allowReflection,omitempty" json:"allowReflection,omitempty"`
	Workers          int      `yaml:"workers,omitempty" json:"workers,omitempty"`
	RandomSeed       *int64   `yaml:"randomSeed,omitempty" json:"randomSeed,omitempty"` // Enables randomized k-d traversal
}

// EngineConfig converts the file form into an engine Config. Logger and
// OnStep are left for the caller.
func (c ICPConfig) EngineConfig() (Config, error) {
	policy, err := ParseCorrespondencePolicy(c.Correspondence)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if c.MaxIterations != 0 {
		cfg.MaxIterations = c.MaxIterations
	}
	if c.ConvergenceBound != nil {
		cfg.ConvergenceBound = *c.ConvergenceBound
	}
	cfg.Correspondence = policy
	cfg.AllowReflection = c.AllowReflection
	cfg.Workers = c.Workers
	if c.RandomSeed != nil {
		cfg.RNG = rand.New(rand.NewSource(*c.RandomSeed))
	}
	return cfg, nil
}

// PerturbConfig controls the synthetic misalignment applied when no target
// file is given.
type PerturbConfig struct {
	MaxAngleDeg float64 `yaml:"maxAngleDeg,omitempty" json:"maxAngleDeg,omitempty"` // Per-axis rotation bound in degrees
	MaxShift    int     `yaml:"maxShift,omitempty" json:"maxShift,omitempty"`       // Per-axis integer shift bound
	Seed        *int64  `yaml:"seed,omitempty" json:"seed,omitempty"`               // Unset picks a time-based seed
}

// OutputConfig names the artifacts written after a run. Empty fields are
// skipped.
type OutputConfig struct {
	Cloud   string `yaml:"cloud,omitempty" json:"cloud,omitempty"`     // Aligned cloud (.xyz or .ply)
	Frames  string `yaml:"frames,omitempty" json:"frames,omitempty"`   // Directory for per-iteration frames
	Format  string `yaml:"format,omitempty" json:"format,omitempty"`   // svg or png (default svg)
	GeoJSON string `yaml:"geojson,omitempty" json:"geojson,omitempty"` // Footprint export
	Result  string `yaml:"result,omitempty" json:"result,omitempty"`   // Result cache
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}
