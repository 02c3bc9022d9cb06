package align

import (
	"fmt"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads the run configuration from a YAML file and validates it.
func LoadConfig(path string) (*FileConfig, error) {
	config, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ReadConfig parses a YAML file without validating it, so that command-line
// flags can fill in missing fields first.
func ReadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config FileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return &config, nil
}

// Validate checks every field and reports all problems together.
func (c *FileConfig) Validate() error {
	var errs error
	if c.Source == "" {
		errs = multierr.Append(errs, fmt.Errorf("source is required"))
	}

	engine, err := c.ICP.EngineConfig()
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("icp: %w", err))
	} else if err := engine.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("icp: %w", err))
	}

	if c.Perturb.MaxAngleDeg < 0 {
		errs = multierr.Append(errs, fmt.Errorf("perturb.maxAngleDeg must not be negative"))
	}
	if c.Perturb.MaxShift < 0 {
		errs = multierr.Append(errs, fmt.Errorf("perturb.maxShift must not be negative"))
	}

	switch c.Output.Format {
	case "", "svg", "png":
	default:
		errs = multierr.Append(errs, fmt.Errorf("output.format must be svg or png, got %q", c.Output.Format))
	}
	return errs
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *FileConfig) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
