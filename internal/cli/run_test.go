package cli

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/fiblab/fibload/internal/fibserver"
	"github.com/fiblab/fibload/internal/perf/engine"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func parseRunFlags(t *testing.T, args ...string) (*runOptions, *cobra.Command) {
	t.Helper()
	opts := &runOptions{}
	cmd := newRunCommand(opts)
	require.NoError(t, cmd.ParseFlags(args))
	return opts, cmd
}

func noEnv(string) (string, bool) { return "", false }

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestBuildConfig_DefaultsToShortPreset(t *testing.T) {
	opts, cmd := parseRunFlags(t)

	cfg, err := buildConfig(cmd, opts, noEnv)
	require.NoError(t, err)

	assert.Equal(t, "fibonacci-short", cfg.Name)
	sc := cfg.Scenarios["fibonacci"]
	assert.Equal(t, 90, sc.VUs)
	assert.Equal(t, "10s", sc.Duration)
	assert.Equal(t, "1s", sc.ThinkTime)
	assert.Equal(t, []int{33, 34, 35, 36}, sc.Inputs)
}

func TestBuildConfig_Precedence(t *testing.T) {
	env := envOf(map[string]string{
		"FIBLOAD_BASE_URL": "http://from-env:8080",
		"FIBLOAD_VUS":      "40",
		"FIBLOAD_DURATION": "20s",
	})

	opts, cmd := parseRunFlags(t, "--preset", "long", "--vus", "5", "--think-time", "0s", "--seed", "7", "--verify-body")
	cfg, err := buildConfig(cmd, opts, env)
	require.NoError(t, err)

	sc := cfg.Scenarios["fibonacci"]
	assert.Equal(t, "http://from-env:8080", cfg.Settings.BaseURL, "env overrides preset")
	assert.Equal(t, "20s", sc.Duration, "env overrides preset")
	assert.Equal(t, 5, sc.VUs, "flag overrides env")
	assert.Equal(t, "0s", sc.ThinkTime)
	assert.Equal(t, int64(7), cfg.Settings.Seed)
	assert.True(t, sc.VerifyBody)
	assert.Equal(t, "{{baseUrl}}//api/v1/fibonacci/{{n}}", sc.Path)

	opts, cmd = parseRunFlags(t, "--url", "http://from-flag")
	cfg, err = buildConfig(cmd, opts, env)
	require.NoError(t, err)
	assert.Equal(t, "http://from-flag", cfg.Settings.BaseURL)
}

func TestBuildConfig_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: from-file
settings:
  baseUrl: http://file:8080
scenarios:
  fib:
    vus: 3
    duration: 2s
`), 0o644))

	opts, cmd := parseRunFlags(t, "--config", path, "--duration", "1s")
	cfg, err := buildConfig(cmd, opts, noEnv)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Name)
	assert.Equal(t, 3, cfg.Scenarios["fib"].VUs)
	assert.Equal(t, "1s", cfg.Scenarios["fib"].Duration)
}

func TestBuildConfig_Errors(t *testing.T) {
	opts, cmd := parseRunFlags(t, "--preset", "short", "--config", "x.yaml")
	_, err := buildConfig(cmd, opts, noEnv)
	assert.ErrorContains(t, err, "mutually exclusive")

	opts, cmd = parseRunFlags(t, "--preset", "medium")
	_, err = buildConfig(cmd, opts, noEnv)
	assert.ErrorContains(t, err, "unknown preset")

	opts, cmd = parseRunFlags(t)
	_, err = buildConfig(cmd, opts, envOf(map[string]string{"FIBLOAD_VUS": "many"}))
	assert.ErrorContains(t, err, "FIBLOAD_VUS")
}

func TestBuildConfig_RejectsZeroVUs(t *testing.T) {
	for _, v := range []string{"0", "-1"} {
		opts, cmd := parseRunFlags(t, "--vus", v)
		_, err := buildConfig(cmd, opts, noEnv)
		assert.ErrorContains(t, err, "--vus", "--vus %s", v)
	}

	opts, cmd := parseRunFlags(t)
	_, err := buildConfig(cmd, opts, envOf(map[string]string{"FIBLOAD_VUS": "0"}))
	assert.ErrorContains(t, err, "FIBLOAD_VUS")
}

func TestBuildConfig_EmptyScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scenarios:\n  fib:\n"), 0o644))

	opts, cmd := parseRunFlags(t, "--config", path, "--vus", "3", "--duration", "1s", "--think-time", "0s", "--verify-body")
	cfg, err := buildConfig(cmd, opts, envOf(map[string]string{"FIBLOAD_VUS": "5"}))
	require.NoError(t, err)
	assert.Nil(t, cfg.Scenarios["fib"])

	_, err = engine.NewEngine(cfg, nil)
	assert.ErrorContains(t, err, "scenario is empty")
}

func fibTarget(t *testing.T, status int) string {
	t.Helper()
	var handler http.Handler = fibserver.New(fibserver.Options{Compute: fibserver.Iterative}).Handler()
	if status != http.StatusOK {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server.URL
}

func runArgs(t *testing.T, url string, extra ...string) []string {
	args := []string{
		"run",
		"--url", url,
		"--vus", "3",
		"--duration", "300ms",
		"--think-time", "20ms",
		"--seed", "1",
		"--env-file", filepath.Join(t.TempDir(), "missing.env"),
		"--log-level", "error",
	}
	return append(args, extra...)
}

func TestRunCmd_Passes(t *testing.T) {
	url := fibTarget(t, http.StatusOK)

	stdout, stderr, err := execute(t, runArgs(t, url, "--json", "--verify-body")...)
	require.NoError(t, err)

	assert.True(t, gjson.Valid(stdout), "stdout should hold only the JSON summary")
	assert.True(t, gjson.Get(stdout, "passed").Bool())
	assert.Greater(t, gjson.Get(stdout, "metrics.http_reqs.count").Int(), int64(0))
	assert.Equal(t, int64(0), gjson.Get(stdout, "metrics.http_req_failed.passes").Int())
	assert.Equal(t, "status is 200", gjson.Get(stdout, "checks.0.name").String())
	assert.Equal(t, int64(3), gjson.Get(stdout, "checks.#").Int())

	assert.Contains(t, stderr, "Completed ✓")
}

func TestRunCmd_OutputFile(t *testing.T) {
	url := fibTarget(t, http.StatusOK)
	path := filepath.Join(t.TempDir(), "out", "summary.json")

	stdout, _, err := execute(t, runArgs(t, url, "--output", path)...)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Results written to: "+path)
	assert.Contains(t, stdout, "✓ status is 200")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(data, "passed").Bool())
}

func TestRunCmd_ThresholdFailure(t *testing.T) {
	url := fibTarget(t, http.StatusInternalServerError)

	stdout, _, err := execute(t, runArgs(t, url, "--quiet")...)
	require.ErrorIs(t, err, engine.ErrThresholdsFailed)
	assert.Equal(t, ExitThresholdsFailed, ExitCode(err))
	assert.Contains(t, stdout, "FAILED")
}

func TestRunCmd_InvalidConfig(t *testing.T) {
	_, _, err := execute(t, "run", "--vus", "-1", "--env-file", filepath.Join(t.TempDir(), "none"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Equal(t, ExitError, ExitCode(err))
}

func TestRunCmd_BadLogLevel(t *testing.T) {
	_, _, err := execute(t, "run", "--log-level", "chatty")
	assert.ErrorContains(t, err, "invalid log level")
}
