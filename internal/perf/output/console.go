// Package output renders load test progress and results.
package output

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fiblab/fibload/internal/perf/engine"
	"github.com/fiblab/fibload/internal/perf/metrics"
)

// ANSI escape codes for cursor control
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"

	// Box drawing characters
	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	// Progress bar characters
	progressFilled = "█"
	progressEmpty  = "░"

	markPass = "✓"
	markFail = "✗"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	Progress  float64       // 0.0 to 1.0
	Elapsed   time.Duration // Time elapsed since test start
	Remaining time.Duration // Estimated time remaining

	ActiveVUs int
	TargetVUs int

	CurrentRPS    float64
	TotalRequests int64
	Errors        int64
	ErrorRate     float64 // http_req_failed rate

	Iterations  int64
	Interrupted int64
	CheckRate   float64

	LatencyP95 time.Duration
	LatencyAvg time.Duration

	CurrentPhase string
}

// ConsoleOutput manages live console output during test execution.
type ConsoleOutput struct {
	testName       string
	executorType   string
	totalDuration  time.Duration
	updateInterval time.Duration
	writer         io.Writer
	isTTY          bool
	colors         *palette
	quiet          bool

	mu          sync.Mutex
	lastStats   *LiveStats
	linesOutput int // lines drawn by the last live update
}

// ConsoleOutputConfig contains configuration for ConsoleOutput.
type ConsoleOutputConfig struct {
	TestName       string
	ExecutorType   string
	TotalDuration  time.Duration
	UpdateInterval time.Duration
	Writer         io.Writer
	Quiet          bool
	ForceColors    bool
	ForceTTY       bool
}

// NewConsoleOutput creates a new console output handler.
func NewConsoleOutput(config ConsoleOutputConfig) *ConsoleOutput {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.UpdateInterval == 0 {
		config.UpdateInterval = time.Second
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)
	useColors := config.ForceColors || (isTTY && supportsColors())

	return &ConsoleOutput{
		testName:       config.TestName,
		executorType:   config.ExecutorType,
		totalDuration:  config.TotalDuration,
		updateInterval: config.UpdateInterval,
		writer:         config.Writer,
		isTTY:          isTTY,
		colors:         newPalette(useColors),
		quiet:          config.Quiet,
	}
}

// isTerminal checks if the writer is a terminal.
func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok && (f == os.Stdout || f == os.Stderr) {
		return checkIsTerminal(f)
	}
	return false
}

// supportsColors checks if the terminal supports colors.
func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}

	// Windows 10 and later terminals understand ANSI sequences.
	if runtime.GOOS == "windows" {
		return true
	}

	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

// PrintHeader prints the test header.
func (c *ConsoleOutput) PrintHeader() {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	executorInfo := ""
	if c.executorType != "" {
		executorInfo = fmt.Sprintf(" [%s]", c.executorType)
	}

	c.writeln(c.colors.border.Sprint(line))
	c.writeln(c.colors.title.Sprintf("%s - Running%s", c.testName, executorInfo))
	if c.totalDuration > 0 {
		c.writeln(c.colors.dim.Sprintf("duration %s, updates every %s",
			formatDuration(c.totalDuration), formatDuration(c.updateInterval)))
	}
	c.writeln(c.colors.border.Sprint(line))
	c.writeln("")
}

// Update redraws the live display with new statistics.
func (c *ConsoleOutput) Update(stats *LiveStats) {
	if c.quiet || !c.isTTY {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastStats = stats
	c.clearLive(false)

	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

// clearLive erases the lines drawn by the last live update.
func (c *ConsoleOutput) clearLive(reset bool) {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine)
		if i < c.linesOutput-1 || reset {
			c.write("\n")
		}
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	if reset {
		c.linesOutput = 0
	}
}

// renderLiveStats renders the live statistics display.
func (c *ConsoleOutput) renderLiveStats(stats *LiveStats) []string {
	var lines []string

	progressBar := c.renderProgressBar(stats.Progress, 40)
	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))

	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		c.colors.good.Sprint(progressBar),
		c.colors.title.Sprintf("%.0f%%", stats.Progress*100),
		c.colors.dim.Sprint(timeInfo)))
	lines = append(lines, fmt.Sprintf("Phase:    %s", c.colors.phase.Sprint(stats.CurrentPhase)))
	lines = append(lines, "")

	boxWidth := 55
	lines = append(lines, c.colors.dim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))

	vusStr := fmt.Sprintf("VUs:     %s / %d", c.colors.value.Sprint(stats.ActiveVUs), stats.TargetVUs)
	reqsStr := fmt.Sprintf("Requests:    %s", c.colors.value.Sprint(formatNumber(stats.TotalRequests)))
	lines = append(lines, c.formatBoxRow(vusStr, reqsStr, boxWidth))

	errColor := c.colors.rate(stats.ErrorRate)
	rpsStr := fmt.Sprintf("RPS:     %s", c.colors.good.Sprintf("%.1f", stats.CurrentRPS))
	errStr := fmt.Sprintf("Failed:      %s (%s)",
		errColor.Sprint(stats.Errors),
		errColor.Sprintf("%.1f%%", stats.ErrorRate*100))
	lines = append(lines, c.formatBoxRow(rpsStr, errStr, boxWidth))

	p95Str := fmt.Sprintf("P95:     %s", c.colors.latency.Sprint(formatDurationShort(stats.LatencyP95)))
	avgStr := fmt.Sprintf("Avg:         %s", c.colors.latency.Sprint(formatDurationShort(stats.LatencyAvg)))
	lines = append(lines, c.formatBoxRow(p95Str, avgStr, boxWidth))

	itersStr := fmt.Sprintf("Iters:   %s", c.colors.value.Sprint(formatNumber(stats.Iterations)))
	checksStr := fmt.Sprintf("Checks:      %s", c.colors.rate(1-stats.CheckRate).Sprintf("%.1f%%", stats.CheckRate*100))
	lines = append(lines, c.formatBoxRow(itersStr, checksStr, boxWidth))

	lines = append(lines, c.colors.dim.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))

	return lines
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *ConsoleOutput) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := (boxWidth - 4) / 2 // 2 borders + 2 padding

	leftPadding := colWidth - visibleWidth(left)
	if leftPadding < 0 {
		leftPadding = 0
	}
	rightPadding := colWidth - visibleWidth(right)
	if rightPadding < 0 {
		rightPadding = 0
	}

	bar := c.colors.dim.Sprint(boxVertical)
	return fmt.Sprintf("%s %s%s%s %s%s %s",
		bar, left, strings.Repeat(" ", leftPadding),
		bar, right, strings.Repeat(" ", rightPadding),
		bar)
}

// renderProgressBar renders a progress bar.
func (c *ConsoleOutput) renderProgressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// PrintSummary prints the end-of-test summary.
func (c *ConsoleOutput) PrintSummary(result *engine.TestResult) {
	if result == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		if result.Passed {
			c.writeln(c.colors.good.Sprint("PASSED"))
		} else {
			c.writeln(c.colors.bad.Sprint("FAILED"))
		}
		return
	}

	if c.isTTY {
		c.clearLive(true)
	}

	line := strings.Repeat(boxHorizontal, 56)
	status := c.colors.good.Sprint("Completed " + markPass)
	if !result.Passed {
		status = c.colors.bad.Sprint("Failed " + markFail)
	}

	c.writeln("")
	c.writeln(c.colors.border.Sprint(line))
	c.writeln(fmt.Sprintf("%s - %s", c.colors.title.Sprint(result.Name), status))
	c.writeln(c.colors.border.Sprint(line))
	c.writeln("")

	if result.RunID != "" {
		c.writeln(fmt.Sprintf("Run ID:        %s", c.colors.dim.Sprint(result.RunID)))
	}
	c.writeln(fmt.Sprintf("Duration:      %s", c.colors.value.Sprint(formatDuration(result.Duration))))

	m := result.Metrics
	if m == nil {
		c.writeln("")
		c.printThresholds(result)
		return
	}

	successRate := 1.0 - m.ErrorRate
	c.writeln(fmt.Sprintf("Total Reqs:    %s", c.colors.value.Sprint(formatNumber(m.TotalRequests))))
	c.writeln(fmt.Sprintf("Success Rate:  %s", c.colors.rate(m.ErrorRate).Sprintf("%.1f%%", successRate*100)))
	c.writeln("")

	c.printChecks(result)

	c.writeln(c.colors.title.Sprint("Metrics:"))
	c.writeln(fmt.Sprintf("  checks............: %s %s %d %s %d",
		c.colors.rate(1-m.CheckRate).Sprintf("%.2f%%", m.CheckRate*100),
		markPass, m.ChecksPassed, markFail, m.ChecksFailed))
	c.writeln(fmt.Sprintf("  data_received.....: %s", formatBytes(m.TotalBytes)))
	c.writeln(fmt.Sprintf("  http_req_duration.: avg=%s min=%s med=%s max=%s p(90)=%s p(95)=%s",
		formatDurationShort(m.Latency.Mean),
		formatDurationShort(m.Latency.Min),
		formatDurationShort(m.Latency.P50),
		formatDurationShort(m.Latency.Max),
		formatDurationShort(m.Latency.P90),
		formatDurationShort(m.Latency.P95)))
	c.writeln(fmt.Sprintf("  http_req_failed...: %s %s %d %s %d",
		c.colors.rate(m.ErrorRate).Sprintf("%.2f%%", m.ErrorRate*100),
		markPass, m.FailedRequests, markFail, m.TotalRequests-m.FailedRequests))
	c.writeln(fmt.Sprintf("  http_reqs.........: %d %s", m.TotalRequests, c.colors.dim.Sprintf("%.2f/s", m.RPS)))
	c.writeln(fmt.Sprintf("  iteration_duration: avg=%s min=%s med=%s max=%s p(95)=%s",
		formatDurationShort(m.IterationDuration.Mean),
		formatDurationShort(m.IterationDuration.Min),
		formatDurationShort(m.IterationDuration.P50),
		formatDurationShort(m.IterationDuration.Max),
		formatDurationShort(m.IterationDuration.P95)))
	c.writeln(fmt.Sprintf("  iterations........: %d %s", m.Iterations, c.colors.dim.Sprintf("%.2f/s", m.IterationRate)))
	if m.InterruptedIterations > 0 {
		c.writeln(fmt.Sprintf("  interrupted.......: %s", c.colors.warn.Sprint(m.InterruptedIterations)))
	}
	c.writeln("")

	c.writeln(c.colors.title.Sprint("Latency Distribution:"))
	c.writeln(fmt.Sprintf("  Min:       %s", formatDurationShort(m.Latency.Min)))
	c.writeln(fmt.Sprintf("  P50:       %s", formatDurationShort(m.Latency.P50)))
	c.writeln(fmt.Sprintf("  P90:       %s", formatDurationShort(m.Latency.P90)))
	c.writeln(fmt.Sprintf("  P95:       %s", formatDurationShort(m.Latency.P95)))
	c.writeln(fmt.Sprintf("  P99:       %s", formatDurationShort(m.Latency.P99)))
	c.writeln(fmt.Sprintf("  Max:       %s", formatDurationShort(m.Latency.Max)))
	c.writeln("")

	c.printThresholds(result)
}

// printChecks lists every check in first-recorded order, like k6 does.
func (c *ConsoleOutput) printChecks(result *engine.TestResult) {
	if len(result.CheckOrder) == 0 {
		return
	}

	c.writeln(c.colors.title.Sprint("Checks:"))
	for _, name := range result.CheckOrder {
		stats := result.Metrics.Checks[name]
		mark := c.colors.good.Sprint(markPass)
		if stats.Fails > 0 {
			mark = c.colors.bad.Sprint(markFail)
		}
		c.writeln(fmt.Sprintf("  %s %s", mark, name))
		if stats.Fails > 0 {
			c.writeln(c.colors.dim.Sprintf("     %.0f%% %s %d / %s %d",
				stats.Rate*100, markPass, stats.Passes, markFail, stats.Fails))
		}
	}
	c.writeln("")
}

func (c *ConsoleOutput) printThresholds(result *engine.TestResult) {
	if len(result.Thresholds) == 0 {
		return
	}

	c.writeln(c.colors.title.Sprint("Thresholds:"))
	for _, t := range result.Thresholds {
		mark := c.colors.good.Sprint(markPass)
		if !t.Passed {
			mark = c.colors.bad.Sprint(markFail)
		}
		c.writeln(fmt.Sprintf("  %s %s %s (actual: %s)", mark, t.Metric, t.Expression, t.Value))
		if !t.Passed && t.Message != "" && t.Value == "" {
			c.writeln(c.colors.dim.Sprintf("     %s", t.Message))
		}
	}
	c.writeln("")
}

// PrintNonInteractiveUpdate prints a one-line status update for logs and CI.
func (c *ConsoleOutput) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] Progress: %.0f%% | VUs: %d | Reqs: %d | RPS: %.1f | Failed: %d (%.1f%%) | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Progress*100,
		stats.ActiveVUs,
		stats.TotalRequests,
		stats.CurrentRPS,
		stats.Errors,
		stats.ErrorRate*100,
		formatDurationShort(stats.LatencyP95)))
}

// IsTTY returns whether the output is a terminal.
func (c *ConsoleOutput) IsTTY() bool {
	return c.isTTY
}

func (c *ConsoleOutput) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *ConsoleOutput) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a latency value.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(str, "-")
	if neg {
		str = str[1:]
	}
	if len(str) <= 3 {
		if neg {
			return "-" + str
		}
		return str
	}

	var result strings.Builder
	if neg {
		result.WriteString("-")
	}
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if i > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// formatBytes formats a byte count using decimal units.
func formatBytes(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "kMGTPE"[exp])
}

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}

// visibleWidth counts the runes a terminal would draw for s.
func visibleWidth(s string) int {
	return len([]rune(stripANSI(s)))
}

// StatsFromMetrics creates LiveStats from a metrics snapshot.
func StatsFromMetrics(snapshot *metrics.Snapshot, progress float64, totalDuration time.Duration, targetVUs int) *LiveStats {
	if snapshot == nil {
		return &LiveStats{
			Progress:     progress,
			TargetVUs:    targetVUs,
			CurrentPhase: string(metrics.PhaseInit),
		}
	}

	elapsed := snapshot.Elapsed
	remaining := time.Duration(0)
	if totalDuration > 0 {
		remaining = totalDuration - elapsed
		if remaining < 0 {
			remaining = 0
		}
	} else if progress > 0 && progress < 1 {
		remaining = time.Duration(float64(elapsed) * (1 - progress) / progress)
	}

	return &LiveStats{
		Progress:      progress,
		Elapsed:       elapsed,
		Remaining:     remaining,
		ActiveVUs:     snapshot.ActiveVUs,
		TargetVUs:     targetVUs,
		CurrentRPS:    snapshot.RPS,
		TotalRequests: snapshot.TotalRequests,
		Errors:        snapshot.FailedRequests,
		ErrorRate:     snapshot.ErrorRate,
		Iterations:    snapshot.Iterations,
		Interrupted:   snapshot.InterruptedIterations,
		CheckRate:     snapshot.CheckRate,
		LatencyP95:    snapshot.Latency.P95,
		LatencyAvg:    snapshot.Latency.Mean,
		CurrentPhase:  string(snapshot.CurrentPhase),
	}
}
