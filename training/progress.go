package training

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Progress renders a single-line terminal progress bar for epoch loops,
// overwriting itself with carriage returns. Metric values are printed in
// the order they are given so output stays stable across runs.
type Progress struct {
	out     io.Writer
	label   string
	total   int
	current int
	width   int
	started time.Time
}

// NewProgress creates a progress bar over total steps, writing to out.
func NewProgress(out io.Writer, label string, total int) *Progress {
	return &Progress{
		out:     out,
		label:   label,
		total:   total,
		width:   40,
		started: time.Now(),
	}
}

// Metric is one named value displayed next to the progress bar.
type Metric struct {
	Name  string
	Value float64
}

// Update advances the bar to step and redraws it with the given metrics.
func (p *Progress) Update(step int, metrics ...Metric) {
	p.current = step
	p.render(metrics)
}

// Finish completes the bar and moves to the next line.
func (p *Progress) Finish(metrics ...Metric) {
	p.current = p.total
	p.render(metrics)
	fmt.Fprintln(p.out)
}

func (p *Progress) render(metrics []Metric) {
	fraction := float64(p.current) / float64(p.total)
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction * float64(p.width))

	var line strings.Builder
	fmt.Fprintf(&line, "\r%s: %3.0f%%|%s%s| %d/%d [%s",
		p.label,
		fraction*100,
		strings.Repeat("█", filled),
		strings.Repeat(" ", p.width-filled),
		p.current,
		p.total,
		formatDuration(time.Since(p.started)),
	)
	for _, m := range metrics {
		fmt.Fprintf(&line, ", %s=%.4f", m.Name, m.Value)
	}
	line.WriteString("]")
	fmt.Fprint(p.out, line.String())
}

func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
