package smartip

// LinkState is a coordinator's view of device reachability.
type LinkState string

// Link states. Removed is terminal.
const (
	StateConnecting LinkState = "connecting"
	StateOnline     LinkState = "online"
	StateDegraded   LinkState = "degraded"
	StateOffline    LinkState = "offline"
	StateRemoved    LinkState = "removed"
)

// DefaultFailureThreshold is the number of consecutive failed polls after
// which a device is considered offline.
const DefaultFailureThreshold = 3

// reachability maps a link state onto the snapshot annotation.
func (s LinkState) reachability() Reachability {
	switch s {
	case StateOnline:
		return ReachOnline
	case StateDegraded:
		return ReachDegraded
	default:
		return ReachOffline
	}
}

// linkMachine tracks consecutive poll failures. It is not safe for
// concurrent use; the coordinator guards it with its state lock.
type linkMachine struct {
	state     LinkState
	failures  int
	threshold int
}

func newLinkMachine(threshold int) linkMachine {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	return linkMachine{state: StateConnecting, threshold: threshold}
}

// success records a good poll and reports whether the state changed.
// One success is enough to come back online from any non-terminal state.
func (m *linkMachine) success() bool {
	if m.state == StateRemoved {
		return false
	}
	m.failures = 0
	prev := m.state
	m.state = StateOnline
	return prev != m.state
}

// failure records a failed poll and reports whether the state changed.
// Online devices pass through Degraded; the threshold-th consecutive
// failure takes any state to Offline.
func (m *linkMachine) failure() bool {
	if m.state == StateRemoved {
		return false
	}
	m.failures++
	prev := m.state
	switch {
	case m.failures >= m.threshold:
		m.state = StateOffline
	case m.state == StateOnline:
		m.state = StateDegraded
	}
	return prev != m.state
}

// remove moves to the terminal state.
func (m *linkMachine) remove() bool {
	if m.state == StateRemoved {
		return false
	}
	m.state = StateRemoved
	return true
}
