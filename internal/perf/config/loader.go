package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Defaults applied by ApplyDefaults.
const (
	DefaultExecutor       = "constant-vus"
	DefaultVUs            = 90
	DefaultTimeout        = 60 * time.Second
	DefaultGracefulStop   = "30s"
	DefaultThinkTime      = "1s"
	DefaultPath           = "{{baseUrl}}/api/v1/fibonacci/{{n}}"
	DefaultExpectedStatus = 200
	DefaultUserAgent      = "fibload/0.1"
	DefaultFailedRate     = "rate < 0.01"
)

// Environment variables read by ApplyEnv.
const (
	EnvBaseURL  = "FIBLOAD_BASE_URL"
	EnvVUs      = "FIBLOAD_VUS"
	EnvDuration = "FIBLOAD_DURATION"
	EnvSeed     = "FIBLOAD_SEED"
)

// DefaultInputs returns the Fibonacci orders requested by default.
func DefaultInputs() []int {
	return []int{33, 34, 35, 36}
}

// LoadConfig loads a test configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data, path)
}

// ParseConfig parses configuration data, picking the format from the
// extension of path and defaulting to YAML.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	var config TestConfig

	ext := strings.ToLower(filepath.Ext(path))
	unmarshal := yaml.Unmarshal
	switch ext {
	case ".json":
		unmarshal = json.Unmarshal
		if err := unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config (unknown format %s): %w", ext, err)
		}
	}

	if err := checkExplicitVUs(data, unmarshal); err != nil {
		return nil, err
	}

	return &config, nil
}

// scenarioVUs tells an explicit "vus: 0" apart from an omitted field, which
// ApplyDefaults would otherwise turn into DefaultVUs.
type scenarioVUs struct {
	Scenarios map[string]*struct {
		VUs *int `json:"vus" yaml:"vus"`
	} `json:"scenarios" yaml:"scenarios"`
}

func checkExplicitVUs(data []byte, unmarshal func([]byte, interface{}) error) error {
	var doc scenarioVUs
	if err := unmarshal(data, &doc); err != nil {
		return nil
	}

	names := make([]string, 0, len(doc.Scenarios))
	for name := range doc.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)

	errs := &ValidationErrors{}
	for _, name := range names {
		sc := doc.Scenarios[name]
		if sc != nil && sc.VUs != nil && *sc.VUs < 1 {
			errs.Add(fmt.Sprintf("scenarios.%s.vus", name), "vus must be greater than 0")
		}
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ParseDurationString parses a duration string.
//
// Supported formats:
//   - Go duration: "30s", "1m", "1h30m", "500ms"
//   - Seconds as integer: "30"
func ParseDurationString(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	seconds, err := strconv.Atoi(s)
	if err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *TestConfig) {
	if cfg.Name == "" {
		cfg.Name = "fibonacci load test"
	}
	if cfg.Settings.Timeout == 0 {
		cfg.Settings.Timeout = Duration(DefaultTimeout)
	}
	if cfg.Settings.UserAgent == "" {
		cfg.Settings.UserAgent = DefaultUserAgent
	}

	for _, sc := range cfg.Scenarios {
		if sc == nil {
			continue
		}
		if sc.Executor == "" {
			sc.Executor = DefaultExecutor
		}
		if sc.VUs == 0 {
			sc.VUs = DefaultVUs
		}
		if sc.GracefulStop == "" {
			sc.GracefulStop = DefaultGracefulStop
		}
		if sc.ThinkTime == "" {
			sc.ThinkTime = DefaultThinkTime
		}
		if sc.Path == "" {
			sc.Path = DefaultPath
		}
		if len(sc.Inputs) == 0 {
			sc.Inputs = DefaultInputs()
		}
		if sc.ExpectedStatus == 0 {
			sc.ExpectedStatus = DefaultExpectedStatus
		}
	}

	if cfg.Thresholds.IsEmpty() {
		cfg.Thresholds = &ThresholdsConfig{HTTPReqFailed: []string{DefaultFailedRate}}
	}
}

// LoadDotEnv loads variables from a .env file into the process environment.
// A missing file is not an error; variables already set are not overridden.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides configuration values from the environment. lookup is
// typically os.LookupEnv.
func ApplyEnv(cfg *TestConfig, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvBaseURL); ok && v != "" {
		cfg.Settings.BaseURL = v
	}

	if v, ok := lookup(EnvSeed); ok && v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvSeed, err)
		}
		cfg.Settings.Seed = seed
	}

	var vus int
	if v, ok := lookup(EnvVUs); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvVUs, err)
		}
		if n < 1 {
			return fmt.Errorf("invalid %s: vus must be greater than 0, got %d", EnvVUs, n)
		}
		vus = n
	}

	duration, _ := lookup(EnvDuration)
	if duration != "" {
		if _, err := ParseDurationString(duration); err != nil {
			return fmt.Errorf("invalid %s: %w", EnvDuration, err)
		}
	}

	for _, sc := range cfg.Scenarios {
		if sc == nil {
			continue
		}
		if vus != 0 {
			sc.VUs = vus
		}
		if duration != "" {
			sc.Duration = duration
		}
	}

	return nil
}

// MergeVariables merges multiple variable maps in order.
// Later maps override earlier ones.
func MergeVariables(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
