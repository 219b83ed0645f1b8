package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gosuri/uilive"
)

// ProgressTick is one progress report from a running resize.
type ProgressTick struct {
	Elapsed  time.Duration
	Fraction float64
	Phase    string
}

// ProgressSink receives progress ticks. A nil sink discards them.
type ProgressSink func(ProgressTick)

// progressEstimator turns ticks into a live "time left" line. Below the most
// verbose level it only prints a dot per tick.
type progressEstimator struct {
	verbose int

	lastUpdate    int64
	predictedLeft int64

	out  io.Writer
	live *uilive.Writer
}

func newProgressEstimator(verbose int, out io.Writer) *progressEstimator {
	live := uilive.New()
	live.Out = out
	return &progressEstimator{verbose: verbose, out: out, live: live}
}

// sink adapts the estimator to the ProgressSink the filesystem expects.
func (p *progressEstimator) sink() ProgressSink {
	return func(t ProgressTick) {
		p.onTick(t)
	}
}

// onTick records t and returns the rendered progress line, or "" when only a
// dot (or nothing) was printed.
func (p *progressEstimator) onTick(t ProgressTick) string {
	if p.verbose < 0 {
		return ""
	}
	if p.verbose < 3 {
		fmt.Fprint(p.out, ".")
		return ""
	}

	now := int64(t.Elapsed / time.Second)
	if now != p.lastUpdate && now > 0 {
		predictedEnd := now
		if t.Fraction > 0 {
			predictedEnd = int64(t.Elapsed.Seconds() / t.Fraction)
		}
		p.predictedLeft = predictedEnd - now
		p.lastUpdate = now
	}

	line := renderProgress(t, p.predictedLeft)
	fmt.Fprintln(p.live, line)
	_ = p.live.Flush()
	return line
}

func renderProgress(t ProgressTick, left int64) string {
	if left < 0 {
		left = 0
	}
	var b strings.Builder
	if t.Phase != "" {
		b.WriteString(t.Phase)
		b.WriteString("... ")
	}
	fmt.Fprintf(&b, "%.0f%%", 100*t.Fraction)
	fmt.Fprintf(&b, "\t(time left %02d:%02d)", left/60, left%60)
	return b.String()
}
