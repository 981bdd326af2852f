package usagelimit

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"
)

// Countdown prints a single-line countdown every 10s until wait elapses.
// It is purely observational: cancellation via ctx or the wait simply
// elapsing both end it cleanly, and neither affects correctness of the
// actual resume logic, which is driven by wall-clock comparison elsewhere.
type Countdown struct {
	Out      io.Writer
	Interval time.Duration
}

// NewCountdown returns a Countdown writing to os.Stdout with the spec's
// default 10s tick.
func NewCountdown() *Countdown {
	return &Countdown{Out: os.Stdout, Interval: 10 * time.Second}
}

// Run blocks until wait elapses or ctx is canceled. It only renders output
// when stdout is a TTY; otherwise it silently sleeps for the duration.
func (c *Countdown) Run(ctx context.Context, wait time.Duration) {
	if !isTTY() {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		return
	}

	interval := c.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			fmt.Fprint(c.Out, "\rusage limit: resuming now                     \n")
			return
		}
		fmt.Fprintf(c.Out, "\rusage limit: resuming in %-10s", remaining.Round(time.Second))

		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			fmt.Fprintln(c.Out)
			return
		}
	}
}

func isTTY() bool {
	f, ok := os.Stdout.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
