// Package config provides launch configuration for debug sessions.
//
// A launch configuration arrives in one of two ways: as the arguments of the
// adapter's launch request (JSON), or as a yaml file of site defaults passed
// to the serve command. Request values win over file values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LaunchConfig describes how to start and attach to a target program.
type LaunchConfig struct {
	// Program is the path of the 68k executable to load into the emulator.
	Program string `json:"program" yaml:"program"`

	// StopOnEntry halts the target at its entry point after load.
	StopOnEntry bool `json:"stopOnEntry" yaml:"stop_on_entry"`

	// ServerName and ServerPort locate the emulator's remote stub.
	ServerName string `json:"serverName" yaml:"server_name"`
	ServerPort int    `json:"serverPort" yaml:"server_port"`

	// StartEmulator makes the bridge spawn the emulator itself; otherwise it
	// expects one to be running already.
	StartEmulator bool `json:"startEmulator" yaml:"start_emulator"`

	// EmulatorPath is the emulator binary, used when StartEmulator is set.
	EmulatorPath string   `json:"emulatorPath" yaml:"emulator_path"`
	EmulatorArgs []string `json:"emulatorArgs" yaml:"emulator_args"`

	// ConfigFile is the emulator's own configuration file.
	ConfigFile string `json:"configFile" yaml:"config_file"`

	// DrivePath is mounted as the emulated machine's boot drive.
	DrivePath string `json:"drivePath" yaml:"drive_path"`

	// SourceMapPath is the toolchain-produced line/symbol table for Program.
	SourceMapPath string `json:"sourceMapPath" yaml:"source_map_path"`

	// SourceFileMap rewrites source path prefixes between the editor's view
	// of the tree and the paths recorded by the toolchain.
	SourceFileMap map[string]string `json:"sourceFileMap" yaml:"source_file_map"`

	// ConnectTimeout bounds the stub connection attempts during launch.
	ConnectTimeout time.Duration `json:"-" yaml:"connect_timeout"`
}

// Default returns a launch configuration with sensible defaults.
func Default() LaunchConfig {
	return LaunchConfig{
		ServerName:     "localhost",
		ServerPort:     6860,
		ConnectTimeout: 10 * time.Second,
	}
}

// Load reads a yaml launch configuration file, applying defaults for any
// field the file leaves unset.
func Load(path string) (LaunchConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read launch config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse launch config %s: %w", path, err)
	}
	return cfg, nil
}

// Merge overlays the non-zero fields of other onto c and returns the result.
// Used to apply launch-request arguments over file defaults.
func (c LaunchConfig) Merge(other LaunchConfig) LaunchConfig {
	merged := c
	if other.Program != "" {
		merged.Program = other.Program
	}
	if other.StopOnEntry {
		merged.StopOnEntry = true
	}
	if other.ServerName != "" {
		merged.ServerName = other.ServerName
	}
	if other.ServerPort != 0 {
		merged.ServerPort = other.ServerPort
	}
	if other.StartEmulator {
		merged.StartEmulator = true
	}
	if other.EmulatorPath != "" {
		merged.EmulatorPath = other.EmulatorPath
	}
	if len(other.EmulatorArgs) > 0 {
		merged.EmulatorArgs = other.EmulatorArgs
	}
	if other.ConfigFile != "" {
		merged.ConfigFile = other.ConfigFile
	}
	if other.DrivePath != "" {
		merged.DrivePath = other.DrivePath
	}
	if other.SourceMapPath != "" {
		merged.SourceMapPath = other.SourceMapPath
	}
	if len(other.SourceFileMap) > 0 {
		merged.SourceFileMap = other.SourceFileMap
	}
	if other.ConnectTimeout != 0 {
		merged.ConnectTimeout = other.ConnectTimeout
	}
	return merged
}

// Validate checks that the configuration is usable for a launch.
func (c LaunchConfig) Validate() error {
	if c.Program == "" {
		return fmt.Errorf("launch config: program is required")
	}
	if c.ServerName == "" {
		return fmt.Errorf("launch config: server_name is required")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("launch config: server_port %d out of range", c.ServerPort)
	}
	if c.StartEmulator && c.EmulatorPath == "" {
		return fmt.Errorf("launch config: emulator_path is required when start_emulator is set")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("launch config: connect_timeout must be positive")
	}
	return nil
}

// MapSourcePath rewrites an editor-side source path into the toolchain's
// path space using SourceFileMap. Longest matching prefix wins; paths with
// no matching prefix pass through unchanged.
func (c LaunchConfig) MapSourcePath(path string) string {
	best := ""
	for from := range c.SourceFileMap {
		if len(from) > len(best) && hasPathPrefix(path, from) {
			best = from
		}
	}
	if best == "" {
		return path
	}
	return c.SourceFileMap[best] + path[len(best):]
}

// UnmapSourcePath is the inverse of MapSourcePath: it rewrites a
// toolchain-side path back into the editor's path space.
func (c LaunchConfig) UnmapSourcePath(path string) string {
	best := ""
	for _, to := range c.SourceFileMap {
		if len(to) > len(best) && hasPathPrefix(path, to) {
			best = to
		}
	}
	if best == "" {
		return path
	}
	for from, to := range c.SourceFileMap {
		if to == best {
			return from + path[len(best):]
		}
	}
	return path
}

func hasPathPrefix(path, prefix string) bool {
	if len(path) < len(prefix) {
		return false
	}
	if path[:len(prefix)] != prefix {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/' || prefix[len(prefix)-1] == '/'
}
