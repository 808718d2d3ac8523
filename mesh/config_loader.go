package mesh

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file. Fields the file omits
// keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if err := c.Solver.Validate(); err != nil {
		return err
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tickInterval must be positive")
	}
	if c.PublishInterval < 0 {
		return fmt.Errorf("publishInterval must not be negative")
	}
	if c.MQTT.Broker != "" && c.MQTT.PublishPrefix == "" {
		return fmt.Errorf("mqtt.publishPrefix is required when mqtt.broker is set")
	}
	return nil
}

// Validate checks the solver tuning
func (c SolverConfig) Validate() error {
	switch {
	case c.StepSize <= 0:
		return fmt.Errorf("solver.stepSize must be positive")
	case c.MaxIterations < 0:
		return fmt.Errorf("solver.maxIterations must not be negative")
	case c.SceneWidth < 0:
		return fmt.Errorf("solver.sceneWidth must not be negative")
	case c.ErrorRefreshRate < 0:
		return fmt.Errorf("solver.errorRefreshRate must not be negative")
	case c.Jitter < 0:
		return fmt.Errorf("solver.jitter must not be negative")
	case c.IterationDelay < 0 || c.IdlePollInterval < 0 || c.ShutdownTimeout < 0:
		return fmt.Errorf("solver durations must not be negative")
	case c.AutoPause && c.PlateauEpsilon <= 0:
		return fmt.Errorf("solver.plateauEpsilon must be positive when autoPause is enabled")
	}
	return nil
}
