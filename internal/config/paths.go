// Package config provides configuration loading and path management.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName names the per-user directories and config files.
const AppName = "reqflow"

// Paths contains the standard per-user paths for reqflow.
type Paths struct {
	Config string // ~/.config/reqflow
	State  string // ~/.local/state/reqflow
}

// GetPaths returns the standard paths from the process environment.
func GetPaths() *Paths {
	return pathsFrom(os.Getenv)
}

func pathsFrom(getenv func(string) string) *Paths {
	home := getenv("HOME")
	return &Paths{
		Config: filepath.Join(envOrDefault(getenv, "XDG_CONFIG_HOME", defaultConfigHome(getenv, home)), AppName),
		State:  filepath.Join(envOrDefault(getenv, "XDG_STATE_HOME", defaultStateHome(getenv, home)), AppName),
	}
}

// LogDir returns the directory for log files.
func (p *Paths) LogDir() string {
	return filepath.Join(p.State, "log")
}

// envOrDefault returns the environment variable value or a default.
func envOrDefault(getenv func(string) string, key, defaultValue string) string {
	if value := getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultConfigHome(getenv func(string) string, home string) string {
	if runtime.GOOS == "windows" {
		return getenv("APPDATA")
	}
	return filepath.Join(home, ".config")
}

func defaultStateHome(getenv func(string) string, home string) string {
	if runtime.GOOS == "windows" {
		return getenv("APPDATA")
	}
	return filepath.Join(home, ".local", "state")
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, AppName+".json")
}

// ProjectConfigPath returns the path to the project config file.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, "."+AppName, AppName+".jsonc")
}
