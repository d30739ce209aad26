package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/tidwall/jsonc"

	"github.com/JingHuan921/secondhalf-coding/internal/reconnect"
)

// Environment variables read by Load.
const (
	EnvConfig            = "REQFLOW_CONFIG"
	EnvBaseURL           = "REQFLOW_BASE_URL"
	EnvTransport         = "REQFLOW_TRANSPORT"
	EnvRequestTimeout    = "REQFLOW_REQUEST_TIMEOUT"
	EnvReconnectDelay    = "REQFLOW_RECONNECT_BASE_DELAY"
	EnvReconnectAttempts = "REQFLOW_RECONNECT_MAX_ATTEMPTS"
	EnvLogLevel          = "REQFLOW_LOG_LEVEL"
	EnvTrace             = "REQFLOW_TRACE"
	EnvOutput            = "REQFLOW_OUTPUT"
)

// DefaultBaseURL is where the workflow backend listens by default.
const DefaultBaseURL = "http://localhost:8000"

// Config is the client configuration.
type Config struct {
	BaseURL        string          `json:"baseUrl,omitempty"`
	Transport      string          `json:"transport,omitempty"` // sse or websocket
	RequestTimeout Duration        `json:"requestTimeout,omitempty"`
	Reconnect      ReconnectConfig `json:"reconnect"`
	Log            LogConfig       `json:"log"`
	// Output selects how `chat --once` prints the final state: text, json or yaml.
	Output string `json:"output,omitempty"`
}

// ReconnectConfig tunes the stream reconnect policy.
type ReconnectConfig struct {
	BaseDelay   Duration `json:"baseDelay,omitempty"`
	MaxAttempts int      `json:"maxAttempts,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty"`
	// File sends logs to the state directory instead of stderr.
	File bool `json:"file,omitempty"`
	// Trace records control-channel spans to the log directory.
	Trace bool `json:"trace,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:        DefaultBaseURL,
		Transport:      "sse",
		RequestTimeout: Duration(30 * time.Second),
		Reconnect: ReconnectConfig{
			BaseDelay:   Duration(reconnect.DefaultBaseDelay),
			MaxAttempts: reconnect.DefaultMaxAttempts,
		},
		Log:    LogConfig{Level: "warn"},
		Output: "text",
	}
}

// Policy returns the reconnect policy the config describes.
func (c *Config) Policy() reconnect.Policy {
	return reconnect.Policy{
		BaseDelay:   time.Duration(c.Reconnect.BaseDelay),
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("baseUrl %q is not an absolute URL", c.BaseURL))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("baseUrl scheme must be http or https, got %q", u.Scheme))
	}
	switch c.Transport {
	case "sse", "websocket":
	default:
		errs = append(errs, fmt.Errorf("transport must be sse or websocket, got %q", c.Transport))
	}
	switch c.Output {
	case "text", "json", "yaml":
	default:
		errs = append(errs, fmt.Errorf("output must be text, json or yaml, got %q", c.Output))
	}
	if c.Reconnect.MaxAttempts < 0 || c.Reconnect.MaxAttempts > reconnect.DefaultMaxAttempts {
		errs = append(errs, fmt.Errorf("reconnect.maxAttempts must be between 0 and %d, got %d",
			reconnect.DefaultMaxAttempts, c.Reconnect.MaxAttempts))
	}
	if c.RequestTimeout < 0 || c.Reconnect.BaseDelay < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	return errors.Join(errs...)
}

// Loader reads configuration from a filesystem and an environment.
type Loader struct {
	Fs     afero.Fs
	Getenv func(string) string
}

// NewLoader returns a loader over the real filesystem and process environment.
func NewLoader() *Loader {
	return &Loader{Fs: afero.NewOsFs(), Getenv: os.Getenv}
}

// Load loads configuration for directory using the real filesystem.
func Load(directory string) (*Config, error) {
	return NewLoader().Load(directory)
}

// Load merges configuration from, in increasing priority:
//  1. built-in defaults
//  2. global config (~/.config/reqflow/reqflow.json[c])
//  3. project config (reqflow.json[c], .reqflow/reqflow.json[c])
//  4. the REQFLOW_CONFIG file
//  5. REQFLOW_* variables from the environment, then from directory/.env
//
// Missing files are skipped. A file that exists but does not parse is an error.
func (l *Loader) Load(directory string) (*Config, error) {
	cfg := Default()

	env, err := l.environment(directory)
	if err != nil {
		return nil, err
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string) error {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return nil
		}
		loaded[abs] = true
		return l.loadFile(path, cfg, env)
	}

	paths := pathsFrom(env)
	candidates := []string{
		filepath.Join(paths.Config, AppName+".json"),
		filepath.Join(paths.Config, AppName+".jsonc"),
	}
	if directory != "" {
		candidates = append(candidates,
			filepath.Join(directory, AppName+".json"),
			filepath.Join(directory, AppName+".jsonc"),
			filepath.Join(directory, "."+AppName, AppName+".json"),
			filepath.Join(directory, "."+AppName, AppName+".jsonc"),
		)
	}
	if p := env(EnvConfig); p != "" {
		candidates = append(candidates, p)
	}
	for _, path := range candidates {
		if err := loadOnce(path); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg, env); err != nil {
		return nil, err
	}
	return cfg, nil
}

// environment returns a lookup that prefers the process environment and falls
// back to directory/.env.
func (l *Loader) environment(directory string) (func(string) string, error) {
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if directory == "" {
		return getenv, nil
	}

	data, err := afero.ReadFile(l.Fs, filepath.Join(directory, ".env"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return getenv, nil
		}
		return nil, fmt.Errorf("read .env: %w", err)
	}
	dotenv, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse .env: %w", err)
	}
	return func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}, nil
}

// loadFile merges one JSON or JSONC file into cfg.
func (l *Loader) loadFile(path string, cfg *Config, env func(string) string) error {
	data, err := afero.ReadFile(l.Fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)
	data = interpolate(data, env)

	// Decoding onto the accumulated config keeps fields the file omits.
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate processes {env:VAR} placeholders.
func interpolate(data []byte, env func(string) string) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		value, _ := json.Marshal(env(string(name)))
		// Drop the quotes; the placeholder already sits inside a JSON string.
		return value[1 : len(value)-1]
	})
}

// applyEnvOverrides applies REQFLOW_* variables on top of file config.
func applyEnvOverrides(cfg *Config, env func(string) string) error {
	if v := env(EnvBaseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := env(EnvTransport); v != "" {
		cfg.Transport = strings.ToLower(v)
	}
	if v := env(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := env(EnvTrace); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTrace, err)
		}
		cfg.Log.Trace = on
	}
	if v := env(EnvOutput); v != "" {
		cfg.Output = strings.ToLower(v)
	}
	if v := env(EnvRequestTimeout); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRequestTimeout, err)
		}
		cfg.RequestTimeout = Duration(d)
	}
	if v := env(EnvReconnectDelay); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvReconnectDelay, err)
		}
		cfg.Reconnect.BaseDelay = Duration(d)
	}
	if v := env(EnvReconnectAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvReconnectAttempts, err)
		}
		cfg.Reconnect.MaxAttempts = n
	}
	return nil
}

// Save writes the configuration as indented JSON.
func Save(fs afero.Fs, cfg *Config, path string) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0o644)
}

// Duration is a time.Duration that reads "1.5s" style strings or integer
// milliseconds from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", data)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}
