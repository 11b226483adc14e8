// Package setup handles simq project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mtakala/simq/internal/model"
	"github.com/mtakala/simq/templates"
)

// ConfigFileName is the project configuration file created at the root.
const ConfigFileName = "simq.yaml"

// Run initializes a simq project in the given directory: working
// directories, a configuration file, and example queue definitions.
// projectName overrides the auto-detected name (directory basename).
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	configPath := filepath.Join(absDir, ConfigFileName)
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}

	dirs := []string{
		cfg.Logging.Dir,
		cfg.Spool.Dir,
		cfg.Database.Root,
		"queues",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(absDir, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := writeConfig(configPath, cfg); err != nil {
		return fmt.Errorf("write %s: %w", ConfigFileName, err)
	}

	examples, err := fs.ReadDir(templates.FS, "queues")
	if err != nil {
		return fmt.Errorf("read queue templates: %w", err)
	}
	for _, entry := range examples {
		src := "queues/" + entry.Name()
		dst := filepath.Join(absDir, "queues", entry.Name())
		if err := copyTemplateFile(src, dst); err != nil {
			return err
		}
	}

	return nil
}

func generateConfig(projectDir, projectName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Project.Root = projectDir
	cfg.ApplyDefaults()

	return &cfg, nil
}

func writeConfig(path string, cfg *model.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
