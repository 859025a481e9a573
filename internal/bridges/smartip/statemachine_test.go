package smartip

import "testing"

func TestLinkMachine(t *testing.T) {
	type step struct {
		ok          bool
		want        LinkState
		wantChanged bool
	}
	tests := []struct {
		name      string
		threshold int
		steps     []step
	}{
		{
			name:      "connecting to online on first success",
			threshold: 3,
			steps:     []step{{true, StateOnline, true}},
		},
		{
			name:      "connecting needs threshold failures to go offline",
			threshold: 3,
			steps: []step{
				{false, StateConnecting, false},
				{false, StateConnecting, false},
				{false, StateOffline, true},
			},
		},
		{
			name:      "online degrades then goes offline",
			threshold: 3,
			steps: []step{
				{true, StateOnline, true},
				{false, StateDegraded, true},
				{false, StateDegraded, false},
				{false, StateOffline, true},
				{false, StateOffline, false},
			},
		},
		{
			name:      "degraded recovers on one success",
			threshold: 3,
			steps: []step{
				{true, StateOnline, true},
				{false, StateDegraded, true},
				{true, StateOnline, true},
				{false, StateDegraded, true},
				{false, StateDegraded, false},
			},
		},
		{
			name:      "offline recovers on one success",
			threshold: 2,
			steps: []step{
				{false, StateConnecting, false},
				{false, StateOffline, true},
				{true, StateOnline, true},
			},
		},
		{
			name:      "threshold one goes straight offline",
			threshold: 1,
			steps: []step{
				{true, StateOnline, true},
				{false, StateOffline, true},
			},
		},
		{
			name:      "invalid threshold uses default",
			threshold: 0,
			steps: []step{
				{false, StateConnecting, false},
				{false, StateConnecting, false},
				{false, StateOffline, true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newLinkMachine(tt.threshold)
			for i, s := range tt.steps {
				var changed bool
				if s.ok {
					changed = m.success()
				} else {
					changed = m.failure()
				}
				if m.state != s.want || changed != s.wantChanged {
					t.Fatalf("step %d: state = %s changed = %v, want %s changed = %v",
						i, m.state, changed, s.want, s.wantChanged)
				}
			}
		})
	}
}

func TestLinkMachine_RemovedIsTerminal(t *testing.T) {
	m := newLinkMachine(3)
	m.success()

	if !m.remove() {
		t.Fatal("remove() = false, want true")
	}
	if m.remove() {
		t.Error("second remove() = true, want false")
	}
	if m.success() || m.failure() {
		t.Error("removed machine reported a transition")
	}
	if m.state != StateRemoved {
		t.Errorf("state = %s, want removed", m.state)
	}
}

func TestLinkState_Reachability(t *testing.T) {
	tests := map[LinkState]Reachability{
		StateOnline:     ReachOnline,
		StateDegraded:   ReachDegraded,
		StateOffline:    ReachOffline,
		StateConnecting: ReachOffline,
		StateRemoved:    ReachOffline,
	}
	for state, want := range tests {
		if got := state.reachability(); got != want {
			t.Errorf("%s.reachability() = %s, want %s", state, got, want)
		}
	}
}
