package output

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/fiblab/fibload/internal/perf/engine"
)

func TestNewSummary(t *testing.T) {
	result := testResult()
	result.Scenarios = map[string]*engine.ScenarioResult{
		"long":  {Name: "long", Executor: "constant-vus", VUs: 90, Duration: 30 * time.Minute},
		"short": {Name: "short", Executor: "constant-vus", VUs: 90, Duration: time.Minute, Iterations: 1000},
	}

	s := NewSummary(result)

	assert.Equal(t, result.RunID, s.RunID)
	assert.Equal(t, 60000.0, s.DurationMs)
	assert.Equal(t, int64(1000), s.Metrics.HTTPReqs.Count)
	assert.Equal(t, int64(10), s.Metrics.HTTPReqFailed.Passes)
	assert.Equal(t, int64(990), s.Metrics.HTTPReqFailed.Fails)
	assert.Equal(t, 60.0, s.Metrics.HTTPReqDuration.P95)
	assert.Equal(t, 25.0, s.Metrics.HTTPReqDuration.Med)
	assert.Equal(t, int64(3), s.Metrics.InterruptedIterations)

	require.Len(t, s.Checks, 1)
	assert.Equal(t, "status is 200", s.Checks[0].Name)

	require.Len(t, s.Scenarios, 2)
	assert.Equal(t, "long", s.Scenarios[0].Name)
	assert.Equal(t, "short", s.Scenarios[1].Name)
}

func TestNewSummary_EmptyCollections(t *testing.T) {
	s := NewSummary(&engine.TestResult{Name: "empty"})

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, &engine.TestResult{Name: "empty"}))

	assert.Empty(t, s.Checks)
	assert.True(t, gjson.GetBytes(buf.Bytes(), "checks").IsArray())
	assert.True(t, gjson.GetBytes(buf.Bytes(), "thresholds").IsArray())
	assert.True(t, gjson.GetBytes(buf.Bytes(), "scenarios").IsArray())
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, testResult()))

	doc := buf.Bytes()
	assert.Equal(t, "fibonacci-short", gjson.GetBytes(doc, "name").String())
	assert.True(t, gjson.GetBytes(doc, "passed").Bool())
	assert.Equal(t, int64(1000), gjson.GetBytes(doc, "metrics.http_reqs.count").Int())
	assert.Equal(t, 0.01, gjson.GetBytes(doc, "metrics.http_req_failed.rate").Float())
	assert.Equal(t, 60.0, gjson.GetBytes(doc, "metrics.http_req_duration.p(95)").Float())
	assert.Equal(t, "rate < 0.01", gjson.GetBytes(doc, "thresholds.0.expression").String())
	assert.Equal(t, int64(990), gjson.GetBytes(doc, "checks.0.passes").Int())

	assert.Error(t, WriteJSON(&buf, nil))
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "summary.json")

	require.NoError(t, WriteJSONFile(path, testResult()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, gjson.ValidBytes(data))
	assert.Equal(t, "0b6f2c1e-9c35-4f7e-8a39-0d7c1c0c7f10", gjson.GetBytes(data, "run_id").String())
}
