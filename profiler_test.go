package drawbatch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock advances by step on every reading.
func fakeClock(step time.Duration) func() time.Time {
	t := time.Unix(0, 0)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func TestProfiler(t *testing.T) {
	p := NewProfiler()
	p.now = fakeClock(time.Millisecond)

	p.BeginScope("cull")
	p.EndScope("cull")
	p.BeginScope("draw")
	p.BeginScope("upload")
	p.EndScope("upload")
	p.EndScope("draw")
	p.EndScope("never started")
	p.SetCount("commands", 3)

	assert.Equal(t, []string{"cull", "draw", "upload"}, p.Stages())
	assert.Equal(t, time.Millisecond, p.Scope("cull"))
	assert.Equal(t, 3*time.Millisecond, p.Scope("draw"))
	assert.Equal(t, 3, p.Count("commands"))
	assert.Contains(t, p.String(), "draw      : 3.00 ms")
	assert.Contains(t, p.String(), "commands  : 3")

	p.Reset()
	assert.Zero(t, p.Scope("draw"))
	assert.Equal(t, []string{"cull", "draw", "upload"}, p.Stages(), "order survives a reset")
}

func TestProfiler_MeasureEndsScopeOnError(t *testing.T) {
	p := NewProfiler()
	p.now = fakeClock(time.Millisecond)

	boom := errors.New("boom")
	err := p.Measure("upload", func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, p.Pending())
	assert.Equal(t, time.Millisecond, p.Scope("upload"))

	assert.NoError(t, p.Measure("draw", func() error { return nil }))
	assert.Equal(t, []string{"upload", "draw"}, p.Stages())
}
