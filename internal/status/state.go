package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatlog/internal/bus"
)

// State is the phase of one history fetch attempt.
type State string

const (
	Idle          State = "IDLE"
	Estimating    State = "ESTIMATING"
	Querying      State = "QUERYING"
	Empty         State = "EMPTY"
	WidenAndRetry State = "WIDEN_AND_RETRY"
	Done          State = "DONE"
	Failed        State = "FAILED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Idle:          {Estimating},
	Estimating:    {Querying, Failed},
	Querying:      {Empty, Done, Failed},
	Empty:         {WidenAndRetry, Done},
	WidenAndRetry: {Querying, Failed},
	Done:          {Idle},
	Failed:        {Idle},
}

// Machine tracks and enforces the state of one conversation's fetch attempt.
type Machine struct {
	mu      sync.RWMutex
	talker  string
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus, talker string) *Machine {
	return &Machine{
		talker:  talker,
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindHistoryState,
			Timestamp: time.Now(),
			Payload: StatusChange{
				Talker: m.talker,
				From:   from,
				To:     to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	Talker string
	From   State
	To     State
}
