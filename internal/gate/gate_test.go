package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"netlens/pkg/domain"
)

type fakeSuspender struct {
	suspends, resumes int
	supported         bool
}

func (f *fakeSuspender) TrySuspend() bool { f.suspends++; return f.supported }
func (f *fakeSuspender) TryResume() bool  { f.resumes++; return f.supported }

func TestPauseResumeIdempotent(t *testing.T) {
	once := New(nil)
	once.Pause()
	once.Resume()

	twice := New(nil)
	var states []domain.PauseState
	resumed := 0
	twice.OnStateChange(func(s domain.PauseState) { states = append(states, s) })
	twice.OnResumed(func() { resumed++ })

	twice.Pause()
	twice.Pause()
	assert.True(t, twice.IsPaused())
	twice.Resume()
	twice.Resume()

	assert.Equal(t, once.State(), twice.State())
	assert.Equal(t, once.PendingCount(), twice.PendingCount())
	assert.Equal(t, []domain.PauseState{domain.StatePaused, domain.StateCapturing}, states)
	assert.Equal(t, 1, resumed)
}

func TestPendingCountNotifications(t *testing.T) {
	g := New(nil)
	var counts []int
	g.OnPendingCount(func(n int) { counts = append(counts, n) })

	g.Pause()
	g.SetPausedPendingCount(2)
	g.SetPausedPendingCount(2)
	g.SetPausedPendingCount(3)
	assert.Equal(t, 3, g.PendingCount())
	assert.True(t, g.IsPaused())

	g.Resume()
	assert.Equal(t, 0, g.PendingCount())
	assert.Equal(t, []int{2, 3, 0}, counts)
}

func TestSuspenderInvokedOnTransitions(t *testing.T) {
	g := New(nil)
	s := &fakeSuspender{}
	g.SetSuspender(s)
	g.Pause()
	g.Pause()
	g.Resume()
	assert.Equal(t, 1, s.suspends)
	assert.Equal(t, 1, s.resumes)
}
