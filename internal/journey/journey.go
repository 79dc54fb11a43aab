// Package journey holds the discrete journey status of one vehicle.
//
// Every transition method reports whether it applied. Calling one from an
// incompatible state leaves the machine untouched and returns false.
package journey

import (
	"fmt"
	"math"

	"fleet-tracker/internal/fleet"
)

type Phase string

const (
	NotStarted Phase = "not_started"
	Ongoing    Phase = "ongoing"
	AtStop     Phase = "at_stop" // arrived, waiting for Resume
	Paused     Phase = "paused"  // halted between stops
	Completed  Phase = "completed"
)

// State is the persisted form of a journey.
type State struct {
	Phase            Phase `json:"phase"`
	IsReturn         bool  `json:"isReturn"`
	CurrentStopIndex int   `json:"currentStopIndex"`
}

func (s State) Started() bool { return s.Phase != NotStarted }

func (s State) IsPaused() bool { return s.Phase == AtStop || s.Phase == Paused }

func (s State) Direction() fleet.Direction {
	if s.IsReturn {
		return fleet.Return
	}
	return fleet.Forward
}

type Machine struct {
	state   State
	forward []fleet.Stop
	ret     []fleet.Stop
}

func New(forward, ret []fleet.Stop) *Machine {
	return &Machine{state: State{Phase: NotStarted}, forward: forward, ret: ret}
}

func (m *Machine) State() State { return m.state }

// Stops is the stop list of the active direction.
func (m *Machine) Stops() []fleet.Stop {
	if m.state.IsReturn {
		return m.ret
	}
	return m.forward
}

// SetStops swaps in a changed stop set. The stop index is clamped so the
// index invariant holds for the new list.
func (m *Machine) SetStops(forward, ret []fleet.Stop) {
	m.forward, m.ret = forward, ret
	if n := len(m.Stops()); m.state.CurrentStopIndex > n {
		m.state.CurrentStopIndex = n
	}
}

// Restore replaces the state wholesale, clamping the stop index.
func (m *Machine) Restore(s State) {
	n := len(m.forward)
	if s.IsReturn {
		n = len(m.ret)
	}
	s.CurrentStopIndex = min(max(s.CurrentStopIndex, 0), n)
	switch s.Phase {
	case NotStarted, Ongoing, AtStop, Paused, Completed:
	default:
		s.Phase = NotStarted
	}
	m.state = s
}

// Start begins the active direction. It needs at least two stops.
func (m *Machine) Start() bool {
	if m.state.Phase != NotStarted || len(m.Stops()) < 2 {
		return false
	}
	m.state.Phase = Ongoing
	m.state.CurrentStopIndex = 0
	return true
}

// OnArrival records arrival at stop i, which must be the next expected stop.
func (m *Machine) OnArrival(i int) bool {
	if m.state.Phase != Ongoing || i != m.state.CurrentStopIndex || i >= len(m.Stops()) {
		return false
	}
	m.state.CurrentStopIndex = i + 1
	if m.state.CurrentStopIndex == len(m.Stops()) {
		m.state.Phase = Completed
	} else {
		m.state.Phase = AtStop
	}
	return true
}

// Finish marks every remaining stop reached at once. The simulator needs it
// when the geometry runs out before the last stop.
func (m *Machine) Finish() bool {
	if m.state.Phase != Ongoing || len(m.Stops()) == 0 {
		return false
	}
	m.state.CurrentStopIndex = len(m.Stops())
	m.state.Phase = Completed
	return true
}

func (m *Machine) Resume() bool {
	if !m.state.IsPaused() {
		return false
	}
	m.state.Phase = Ongoing
	return true
}

// Pause halts an ongoing leg before the next stop.
func (m *Machine) Pause() bool {
	if m.state.Phase != Ongoing {
		return false
	}
	m.state.Phase = Paused
	return true
}

// StartReturn begins the reversed journey once the forward one is complete.
func (m *Machine) StartReturn() bool {
	if m.state.Phase != Completed || m.state.IsReturn || len(m.ret) < 2 {
		return false
	}
	m.state = State{Phase: Ongoing, IsReturn: true}
	return true
}

// Restart goes back to NotStarted from anywhere. The direction is kept unless
// the return journey has already been completed, in which case the round trip
// is over and the next start is a forward one.
func (m *Machine) Restart() bool {
	isReturn := m.state.IsReturn
	if isReturn && m.state.Phase == Completed {
		isReturn = false
	}
	m.state = State{Phase: NotStarted, IsReturn: isReturn}
	return true
}

// NextStop is the stop the vehicle is heading to, if any.
func (m *Machine) NextStop() (fleet.Stop, bool) {
	stops := m.Stops()
	if m.state.CurrentStopIndex < len(stops) {
		return stops[m.state.CurrentStopIndex], true
	}
	return fleet.Stop{}, false
}

// Label is the human readable status shown to administrators and observers.
func (m *Machine) Label() string {
	stops := m.Stops()
	idx := m.state.CurrentStopIndex
	switch {
	case m.state.Phase == NotStarted || len(stops) == 0:
		return "Not Started"
	case idx >= len(stops):
		if m.state.IsReturn {
			return fmt.Sprintf("Reached %s (Return)", stops[len(stops)-1].Name)
		}
		return "Reached " + stops[len(stops)-1].Name
	case m.state.Phase == Ongoing:
		return "Ongoing to " + stops[idx].Name
	case m.state.Phase == Paused:
		return "Paused before " + stops[idx].Name
	case idx == 0:
		return "Ongoing to " + stops[0].Name
	default:
		return "Reached " + stops[idx-1].Name
	}
}

// ProgressPercent is the share of stops passed, rounded and clamped to 0..100.
func ProgressPercent(currentStopIndex, stopCount int) int {
	if stopCount < 2 {
		return 0
	}
	p := math.Round(float64(currentStopIndex-1) / float64(stopCount-1) * 100)
	return int(min(max(p, 0), 100))
}
