package config

import (
	"fmt"
	"sort"
)

type preset struct {
	description string
	baseURL     string
	duration    string
	path        string
}

// The two historical variants: a 10 second smoke run and a one minute run
// against the cluster ingress, whose path carries a doubled slash the
// service has to tolerate.
var presets = map[string]preset{
	"short": {
		description: "90 VUs for 10s against the standalone service",
		baseURL:     "http://85.92.111.52:8080",
		duration:    "10s",
		path:        "{{baseUrl}}/api/v1/fibonacci/{{n}}",
	},
	"long": {
		description: "90 VUs for 1m against the cluster ingress",
		baseURL:     "http://147.45.99.41:30080",
		duration:    "1m",
		path:        "{{baseUrl}}//api/v1/fibonacci/{{n}}",
	},
}

// PresetNames returns the names of the built-in presets, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PresetDescription returns the one-line description of a preset.
func PresetDescription(name string) string {
	return presets[name].description
}

// Preset returns a fresh configuration for a built-in preset.
func Preset(name string) (*TestConfig, error) {
	p, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown preset %q (available: %v)", name, PresetNames())
	}

	return &TestConfig{
		Name:        fmt.Sprintf("fibonacci-%s", name),
		Description: p.description,
		Settings: GlobalSettings{
			BaseURL: p.baseURL,
			Timeout: Duration(DefaultTimeout),
		},
		Scenarios: map[string]*ScenarioConfig{
			"fibonacci": {
				Executor:       DefaultExecutor,
				VUs:            DefaultVUs,
				Duration:       p.duration,
				GracefulStop:   DefaultGracefulStop,
				ThinkTime:      DefaultThinkTime,
				Path:           p.path,
				Inputs:         DefaultInputs(),
				ExpectedStatus: DefaultExpectedStatus,
			},
		},
		Thresholds: &ThresholdsConfig{
			HTTPReqFailed: []string{DefaultFailedRate},
		},
	}, nil
}
