package model

type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Runner   RunnerConfig   `yaml:"runner"`
	Database DatabaseConfig `yaml:"database"`
	Spool    SpoolConfig    `yaml:"spool"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
	Root string `yaml:"root"`
}

type RunnerConfig struct {
	// Interpreter invokes the simulation scripts (default "python").
	Interpreter string `yaml:"interpreter"`
	// AutoConfirm feeds "y" to script prompts (overwrite-results questions).
	AutoConfirm bool `yaml:"auto_confirm"`
}

type DatabaseConfig struct {
	// Root of the shared results database the finalizer copies into.
	Root string `yaml:"root"`
}

type SpoolConfig struct {
	Dir             string `yaml:"dir"`
	ScanIntervalSec int    `yaml:"scan_interval_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// ApplyDefaults fills unset config fields.
func (c *Config) ApplyDefaults() {
	if c.Runner.Interpreter == "" {
		c.Runner.Interpreter = "python"
	}
	if c.Spool.Dir == "" {
		c.Spool.Dir = "spool"
	}
	if c.Spool.ScanIntervalSec <= 0 {
		c.Spool.ScanIntervalSec = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}
