package sim

import (
	"sort"
	"sync"
	"time"
)

// Scheduler arranges for f to run once after d of simulated time.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback. Stop cancels it if it has not fired yet and
// reports whether it did so. Remaining is the simulated delay still to run.
type Timer interface {
	Stop() bool
	Remaining() time.Duration
}

// TimerScheduler runs callbacks on runtime timers. Scale > 1 shortens every
// delay, which is how simulated time is accelerated.
type TimerScheduler struct {
	Scale float64
}

func (s TimerScheduler) AfterFunc(d time.Duration, f func()) Timer {
	scale := s.Scale
	if scale <= 0 {
		scale = 1
	}
	wall := time.Duration(float64(d) / scale)
	return &scaledTimer{t: time.AfterFunc(wall, f), due: time.Now().Add(wall), scale: scale}
}

type scaledTimer struct {
	t     *time.Timer
	due   time.Time
	scale float64
}

func (t *scaledTimer) Stop() bool { return t.t.Stop() }

func (t *scaledTimer) Remaining() time.Duration {
	left := time.Until(t.due)
	if left <= 0 {
		return 0
	}
	return time.Duration(float64(left) * t.scale)
}

// ManualScheduler queues callbacks until the test fires them.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Duration
	seq     int
	pending []*manualTask
}

type manualTask struct {
	at  time.Duration
	seq int
	f   func()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (m *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{at: m.now + d, seq: m.seq, f: f}
	m.pending = append(m.pending, t)
	return manualTimer{m: m, t: t}
}

type manualTimer struct {
	m *ManualScheduler
	t *manualTask
}

func (mt manualTimer) Stop() bool {
	mt.m.mu.Lock()
	defer mt.m.mu.Unlock()
	for i, p := range mt.m.pending {
		if p == mt.t {
			mt.m.pending = append(mt.m.pending[:i], mt.m.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (mt manualTimer) Remaining() time.Duration {
	mt.m.mu.Lock()
	defer mt.m.mu.Unlock()
	if left := mt.t.at - mt.m.now; left > 0 {
		return left
	}
	return 0
}

// Pending is the number of callbacks waiting to fire.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Elapsed is the virtual time consumed by fired callbacks.
func (m *ManualScheduler) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// RunNext fires the earliest pending callback outside the scheduler lock.
// It returns false when nothing is queued.
func (m *ManualScheduler) RunNext() bool {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return false
	}
	sort.SliceStable(m.pending, func(i, j int) bool {
		if m.pending[i].at == m.pending[j].at {
			return m.pending[i].seq < m.pending[j].seq
		}
		return m.pending[i].at < m.pending[j].at
	})
	t := m.pending[0]
	m.pending = m.pending[1:]
	if t.at > m.now {
		m.now = t.at
	}
	m.mu.Unlock()
	t.f()
	return true
}

// Advance moves virtual time forward by d, firing every callback that falls
// due on the way.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()
	for {
		m.mu.Lock()
		due := false
		for _, p := range m.pending {
			if p.at <= target {
				due = true
				break
			}
		}
		m.mu.Unlock()
		if !due || !m.RunNext() {
			break
		}
	}
	m.mu.Lock()
	if target > m.now {
		m.now = target
	}
	m.mu.Unlock()
}

// RunUntilIdle fires callbacks until the queue drains or max callbacks ran.
func (m *ManualScheduler) RunUntilIdle(max int) int {
	n := 0
	for n < max && m.RunNext() {
		n++
	}
	return n
}
