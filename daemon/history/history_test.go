package history

import (
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"gotest.tools/v3/assert"

	"github.com/wasmiot/supervisor/daemon/manifest"
)

func TestRequestIDUniqueness(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []*Entry{
		NewEntry("dep-1", "mod", "fn", "GET", nil, nil, base, 0),
		NewEntry("dep-2", "mod", "fn", "GET", nil, nil, base, 0),
		NewEntry("dep-1", "other", "fn", "GET", nil, nil, base, 0),
		NewEntry("dep-1", "mod", "other", "GET", nil, nil, base, 0),
		NewEntry("dep-1", "mod", "fn", "GET", nil, nil, base.Add(time.Nanosecond), 0),
	}
	seen := map[string]int{}
	for i, e := range entries {
		assert.Equal(t, len(e.RequestID), 64, "request id must be a sha-256 hex digest")
		if prev, ok := seen[e.RequestID]; ok {
			t.Fatalf("entries %d and %d share request id %s", prev, i, e.RequestID)
		}
		seen[e.RequestID] = i
	}
}

func TestRequestIDDeterministic(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := NewEntry("dep", "mod", "fn", "GET", nil, nil, at, 0)
	b := NewEntry("dep", "mod", "fn", "GET", nil, nil, at, 3)
	assert.Equal(t, a.RequestID, b.RequestID, "the id is derived from coordinates and time only")
}

func TestLogAppendAndGet(t *testing.T) {
	l := NewLog()
	e := NewEntry("dep", "mod", "fn", "POST", map[string]string{"a": "1"}, nil, time.Now(), 0)
	e.SetResult(manifest.Int(10))
	e.Success = true
	l.Append(e)

	got, err := l.Get(e.RequestID)
	assert.NilError(t, err)
	assert.Equal(t, got, e)

	_, err = l.Get("no-such-id")
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestLogListOrder(t *testing.T) {
	l := NewLog()
	at := time.Now()
	for i := 0; i < 5; i++ {
		l.Append(NewEntry("dep", "mod", "fn", "GET", nil, nil, at.Add(time.Duration(i)), 0))
	}
	entries := l.List()
	assert.Equal(t, len(entries), 5)
	for i := 1; i < len(entries); i++ {
		assert.Check(t, entries[i-1].WorkQueuedAt.Before(entries[i].WorkQueuedAt))
	}
}

func TestEntryFail(t *testing.T) {
	e := NewEntry("dep", "mod", "fn", "GET", nil, nil, time.Now(), 0)
	e.Fail(errors.New("trap: unreachable"))
	assert.Check(t, !e.Success)
	assert.Equal(t, e.Result.Str(), "trap: unreachable")
}
