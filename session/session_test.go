package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveProjectIDSanitizesAndHashes(t *testing.T) {
	id1 := DeriveProjectID("/home/user/My Project!!")
	id2 := DeriveProjectID("/home/user/My Project!!")
	assert.Equal(t, id1, id2, "same path must hash deterministically")
	assert.Contains(t, id1, "My-Project")
}

func TestDeriveProjectIDEmptyBasenameFallsBackToRoot(t *testing.T) {
	id := DeriveProjectID("/")
	assert.Contains(t, id, "root-")
}

func TestDeriveProjectIDTruncatesLongBasename(t *testing.T) {
	longName := ""
	for i := 0; i < 50; i++ {
		longName += "a"
	}
	id := DeriveProjectID("/home/user/" + longName)
	assert.LessOrEqual(t, len(id), maxSanitizedBasenameLen+1+6)
}

func TestSessionTransitionRecordsHistory(t *testing.T) {
	now := time.Now()
	s := New("sess-1", "proj-1", "proj", "/tmp", now)
	assert.Equal(t, Starting, s.State())

	s.Transition(Running, now.Add(time.Second))
	assert.Equal(t, Running, s.State())
	assert.Len(t, s.Transitions, 2)
}

func TestSessionTransitionNoOpWhenUnchanged(t *testing.T) {
	now := time.Now()
	s := New("sess-1", "proj-1", "proj", "/tmp", now)
	s.Transition(Starting, now.Add(time.Second))
	assert.Len(t, s.Transitions, 1)
}
