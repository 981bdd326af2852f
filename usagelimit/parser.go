// Package usagelimit detects provider usage-limit messages in captured
// session output, computes precise resume times, and manages the on-disk
// pause marker the monitor loop uses to suspend dispatch. Parse is kept as
// a pure function of (text, now) so it can be tested without a clock.
package usagelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind distinguishes a time-anchored detection from a generic one.
type Kind string

const (
	KindNone         Kind = ""
	KindTimeAnchored Kind = "time_anchored"
	KindGeneric      Kind = "generic"
)

const (
	DefaultMaxWait     = 1800 * time.Second
	DefaultBaseCooldown = 300 * time.Second
	DefaultBackoffFactor = 1.5
	minWait            = 60 * time.Second
	safetyBuffer       = 30 * time.Second
)

// timeAnchoredPatterns captures an HH:MM[am|pm] time-of-day.
var timeAnchoredPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)blocked until (\d{1,2}:\d{2}\s*(?:am|pm)?)`),
	regexp.MustCompile(`(?i)try again at (\d{1,2}:\d{2}\s*(?:am|pm)?)`),
	regexp.MustCompile(`(?i)available again at (\d{1,2}:\d{2}\s*(?:am|pm)?)`),
	regexp.MustCompile(`(?i)wait until (\d{1,2}:\d{2}\s*(?:am|pm)?)`),
	regexp.MustCompile(`(?i)retry at (\d{1,2}:\d{2}\s*(?:am|pm)?)`),
	regexp.MustCompile(`(?i)available at (\d{1,2}:\d{2}\s*(?:am|pm)?)`),
}

// genericPatterns flag provider throttling with no extractable time.
var genericPatterns = []string{
	"usage limit",
	"rate limit",
	"too many requests",
	"please try again later",
	"request limit exceeded",
	"quota exceeded",
	"temporarily unavailable",
	"service temporarily overloaded",
	"daily usage limit",
	"hourly rate limit",
	"api quota exceeded",
}

// Result is the outcome of a Parse call.
type Result struct {
	Detected    bool
	Kind        Kind
	Pattern     string
	WaitSeconds int
}

// Options tunes the generic backoff computation; Occurrences is the 1-based
// occurrence number of this hit for the same task (the first hit is 1).
type Options struct {
	MaxWait       time.Duration
	BaseCooldown  time.Duration
	BackoffFactor float64
	Occurrences   int
}

func (o Options) withDefaults() Options {
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.BaseCooldown <= 0 {
		o.BaseCooldown = DefaultBaseCooldown
	}
	if o.BackoffFactor <= 0 {
		o.BackoffFactor = DefaultBackoffFactor
	}
	if o.Occurrences <= 0 {
		o.Occurrences = 1
	}
	return o
}

// Parse scans text for usage-limit patterns as of wall-clock now. Time-
// anchored matches take precedence over generic ones.
func Parse(text string, now time.Time, opts Options) Result {
	opts = opts.withDefaults()

	for _, re := range timeAnchoredPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		wait, ok := computeTimeAnchoredWait(m[1], now, opts.MaxWait)
		if !ok {
			continue
		}
		return Result{Detected: true, Kind: KindTimeAnchored, Pattern: m[0], WaitSeconds: int(wait / time.Second)}
	}

	lower := strings.ToLower(text)
	for _, pat := range genericPatterns {
		if strings.Contains(lower, pat) {
			wait := computeGenericWait(opts)
			return Result{Detected: true, Kind: KindGeneric, Pattern: pat, WaitSeconds: int(wait / time.Second)}
		}
	}

	return Result{}
}

// computeTimeAnchoredWait parses an HH:MM[am|pm] string and returns the
// clamped wait duration until that time-of-day next occurs.
func computeTimeAnchoredWait(raw string, now time.Time, maxWait time.Duration) (time.Duration, bool) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	var hour, minute int
	var meridiem string
	if idx := strings.IndexAny(raw, "ap"); idx > 0 {
		meridiem = raw[idx:]
		raw = strings.TrimSpace(raw[:idx])
	}
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	var err error
	hour, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, false
	}
	minute, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, false
	}

	if meridiem != "" {
		switch {
		case strings.HasPrefix(meridiem, "pm") && hour != 12:
			hour += 12
		case strings.HasPrefix(meridiem, "am") && hour == 12:
			hour = 0
		}
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, false
	}

	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	var wait time.Duration
	if target.After(now) {
		wait = target.Sub(now)
	} else {
		wait = 24*time.Hour - now.Sub(target)
	}
	wait += safetyBuffer
	return clamp(wait, minWait, maxWait), true
}

// computeGenericWait implements wait = base * factor^(occurrences-1).
func computeGenericWait(opts Options) time.Duration {
	factor := pow(opts.BackoffFactor, opts.Occurrences-1)
	wait := time.Duration(float64(opts.BaseCooldown) * factor)
	return clamp(wait, minWait, opts.MaxWait)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
