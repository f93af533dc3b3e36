package output

import "github.com/fatih/color"

// palette holds the colors used by the console renderer.
type palette struct {
	title   *color.Color
	border  *color.Color
	good    *color.Color
	warn    *color.Color
	bad     *color.Color
	dim     *color.Color
	latency *color.Color
	value   *color.Color
	phase   *color.Color
}

func newPalette(enabled bool) *palette {
	p := &palette{
		title:   color.New(color.Bold),
		border:  color.New(color.FgCyan),
		good:    color.New(color.FgGreen),
		warn:    color.New(color.FgYellow),
		bad:     color.New(color.FgRed),
		dim:     color.New(color.Faint),
		latency: color.New(color.FgBlue),
		value:   color.New(color.FgCyan),
		phase:   color.New(color.FgMagenta),
	}

	// fatih/color decides on its own from os.Stdout, but the renderer may be
	// writing to a file or buffer, so the choice is pinned per color.
	for _, c := range p.all() {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *palette) all() []*color.Color {
	return []*color.Color{p.title, p.border, p.good, p.warn, p.bad, p.dim, p.latency, p.value, p.phase}
}

// rate picks good, warn or bad for a failure rate.
func (p *palette) rate(failRate float64) *color.Color {
	switch {
	case failRate > 0.05:
		return p.bad
	case failRate > 0.01:
		return p.warn
	default:
		return p.good
	}
}
