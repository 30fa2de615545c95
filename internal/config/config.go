// Package config loads the TOML configuration file describing the data
// layout, the process ledger location, the HTTP server, and the external
// module scripts to register.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/imaginglab/studykit/internal/logger"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	// DataDir is the root of the subject/study tree.
	DataDir string `toml:"data_dir" mapstructure:"data_dir"`
	// ModuleDir is where relative module script paths are resolved.
	ModuleDir string `toml:"module_dir" mapstructure:"module_dir"`
	// ProcessRoot holds the running/ and completed/ ledger halves.
	ProcessRoot string `toml:"process_root" mapstructure:"process_root"`

	Server  ServerConfig   `toml:"server" mapstructure:"server"`
	Log     *logger.Config `toml:"log" mapstructure:"log"`
	History HistoryConfig  `toml:"history" mapstructure:"history"`
	Modules []ModuleConfig `toml:"modules" mapstructure:"modules"`

	// SampleTool enables the built-in study tool used for smoke testing a
	// deployment without any module scripts.
	SampleTool      bool          `toml:"sample_tool" mapstructure:"sample_tool"`
	SampleToolSleep time.Duration `toml:"sample_tool_sleep" mapstructure:"sample_tool_sleep"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type HistoryConfig struct {
	// DSN selects the sink: sqlite path, postgres:// or clickhouse:// URL.
	// Empty disables history recording.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// ModuleConfig declares one external script to expose as a tool.
type ModuleConfig struct {
	Name string `toml:"name" mapstructure:"name"`
	// Script is the executable path, resolved against ModuleDir when
	// relative.
	Script string `toml:"script" mapstructure:"script"`
	// Scope is "project", "subject" or "study".
	Scope   string            `toml:"scope" mapstructure:"scope"`
	Options map[string]string `toml:"options" mapstructure:"options"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	fc.applyDefaults()
	if err := fc.validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (fc *FileConfig) applyDefaults() {
	if fc.Server.Listen == "" {
		fc.Server.Listen = "127.0.0.1:8080"
	}
	if fc.Server.BasePath == "" {
		fc.Server.BasePath = "/"
	}
	if fc.ProcessRoot == "" && fc.DataDir != "" {
		fc.ProcessRoot = filepath.Join(fc.DataDir, "processes")
	}
	if fc.SampleToolSleep <= 0 {
		fc.SampleToolSleep = 5 * time.Second
	}
	for i := range fc.Modules {
		m := &fc.Modules[i]
		if m.Scope == "" {
			m.Scope = "study"
		}
		if m.Script != "" && !filepath.IsAbs(m.Script) && fc.ModuleDir != "" {
			m.Script = filepath.Join(fc.ModuleDir, m.Script)
		}
	}
}

func (fc *FileConfig) validate() error {
	if fc.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if st, err := os.Stat(fc.DataDir); err != nil || !st.IsDir() {
		return fmt.Errorf("data_dir %s is not a directory", fc.DataDir)
	}
	seen := make(map[string]bool, len(fc.Modules))
	for _, m := range fc.Modules {
		if m.Name == "" {
			return fmt.Errorf("module without a name")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate module name %q", m.Name)
		}
		seen[m.Name] = true
		if m.Script == "" {
			return fmt.Errorf("module %s: script is required", m.Name)
		}
		switch m.Scope {
		case "project", "subject", "study":
		default:
			return fmt.Errorf("module %s: invalid scope %q", m.Name, m.Scope)
		}
	}
	return nil
}
