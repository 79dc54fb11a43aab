package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualSchedulerRemainingAndAdvance(t *testing.T) {
	m := NewManualScheduler()
	var fired []string
	slow := m.AfterFunc(90*time.Second, func() { fired = append(fired, "slow") })
	m.AfterFunc(10*time.Second, func() { fired = append(fired, "fast") })

	assert.Equal(t, 90*time.Second, slow.Remaining())

	m.Advance(30 * time.Second)
	assert.Equal(t, []string{"fast"}, fired)
	assert.Equal(t, 30*time.Second, m.Elapsed())
	assert.Equal(t, 60*time.Second, slow.Remaining())

	require.True(t, slow.Stop())
	assert.False(t, slow.Stop(), "already cancelled")
	m.Advance(time.Hour)
	assert.Equal(t, []string{"fast"}, fired)
	assert.Zero(t, m.Pending())
}

func TestTimerSchedulerScalesRemaining(t *testing.T) {
	s := TimerScheduler{Scale: 60}
	tm := s.AfterFunc(time.Hour, func() {})
	defer tm.Stop()

	left := tm.Remaining()
	assert.LessOrEqual(t, left, time.Hour)
	assert.Greater(t, left, 59*time.Minute, "an hour of simulated time is a minute of wall time")
}
