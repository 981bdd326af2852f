package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyDeterminism(t *testing.T) {
	cases := []struct {
		msg  string
		want Severity
	}{
		{"Connection reset by peer", Warning},
		{"panic: runtime error: invalid memory address", Critical},
		{"bash: foo: command not found", Info},
		{"something totally unrecognized happened", Unknown},
	}
	c := New()
	now := time.Now()
	for _, tc := range cases {
		rec := c.Classify(tc.msg, "task-1", now)
		assert.Equal(t, tc.want, rec.Severity, tc.msg)
	}
}

func TestCriticalBeatsWarningWhenBothPresent(t *testing.T) {
	c := New()
	rec := c.Classify("connection reset, then a kernel panic occurred", "task-1", time.Now())
	assert.Equal(t, Critical, rec.Severity)
}

func TestFingerprintTruncatesAndNormalizes(t *testing.T) {
	long := "Error!!! Connection-Reset: " + string(make([]byte, 200))
	fp := Fingerprint(long)
	assert.LessOrEqual(t, len(fp), 100)
	for _, r := range fp {
		assert.True(t, (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_')
	}
}

func TestHistoryAndCounterAccumulate(t *testing.T) {
	c := New()
	now := time.Now()
	msg := "rate limit exceeded"
	fp := Fingerprint(msg)

	c.Classify(msg, "task-1", now)
	c.Classify(msg, "task-2", now.Add(time.Second))

	assert.Equal(t, 2, c.Count(Warning, fp))
	assert.Len(t, c.History(), 2)
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	c := New()
	base := time.Now()
	c.Classify("command not found", "t1", base)
	c.Classify("command not found", "t1", base.Add(5*time.Second))
	c.Classify("command not found", "t1", base.Add(10*time.Second))

	recent := c.Recent(2)
	assert.Len(t, recent, 2)
	assert.True(t, recent[0].Epoch >= recent[1].Epoch)
}
