package clientchannel

import (
	"slices"

	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/grpclog"
)

var logger = grpclog.Component("subchannel")

// StateWatcher observes connectivity state transitions. The err argument is
// the status associated with the transition, nil for healthy states.
//
// Implementations must tolerate a late notification arriving after the
// watch has been cancelled.
type StateWatcher interface {
	OnConnectivityStateChange(state connectivity.State, err error)
}

// ConnectivityStateTracker maintains a connectivity state plus an ordered
// watcher list. It is the building block transports use to report their
// state to the owning subchannel; the caller provides synchronization.
//
// State is monotonic to Shutdown: once Shutdown has been set no further
// transitions are emitted.
type ConnectivityStateTracker struct {
	name     string
	state    connectivity.State
	err      error
	watchers []StateWatcher
}

// NewConnectivityStateTracker returns a tracker in the given initial state.
// name is used only for logging.
func NewConnectivityStateTracker(name string, initial connectivity.State) *ConnectivityStateTracker {
	return &ConnectivityStateTracker{name: name, state: initial}
}

// State returns the current state.
func (t *ConnectivityStateTracker) State() connectivity.State { return t.state }

// Set transitions to state, notifying watchers in insertion order, each
// exactly once. Setting the current state again is a no-op, as is any call
// after Shutdown has been set.
func (t *ConnectivityStateTracker) Set(state connectivity.State, err error) {
	if t.state == connectivity.Shutdown || t.state == state {
		return
	}
	if logger.V(2) {
		logger.Infof("%s: connectivity change %v -> %v (%v)", t.name, t.state, state, err)
	}
	t.state = state
	t.err = err
	// Snapshot so that a watcher removing itself (or another watcher)
	// during notification is honored without corrupting iteration.
	for _, w := range slices.Clone(t.watchers) {
		if t.contains(w) {
			w.OnConnectivityStateChange(state, err)
		}
	}
}

// AddWatcher registers w. If the current state differs from initial, w is
// notified immediately.
func (t *ConnectivityStateTracker) AddWatcher(initial connectivity.State, w StateWatcher) {
	t.watchers = append(t.watchers, w)
	if t.state != initial {
		w.OnConnectivityStateChange(t.state, t.err)
	}
}

// RemoveWatcher unregisters w. Unknown watchers are ignored.
func (t *ConnectivityStateTracker) RemoveWatcher(w StateWatcher) {
	for i, have := range t.watchers {
		if have == w {
			t.watchers = append(t.watchers[:i], t.watchers[i+1:]...)
			return
		}
	}
}

func (t *ConnectivityStateTracker) contains(w StateWatcher) bool {
	for _, have := range t.watchers {
		if have == w {
			return true
		}
	}
	return false
}
