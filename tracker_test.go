package clientchannel

import (
	"testing"

	"google.golang.org/grpc/connectivity"
)

type recordingWatcher struct {
	states []connectivity.State
	errs   []error
}

func (w *recordingWatcher) OnConnectivityStateChange(state connectivity.State, err error) {
	w.states = append(w.states, state)
	w.errs = append(w.errs, err)
}

func TestTracker_NotifyInInsertionOrder(t *testing.T) {
	tr := NewConnectivityStateTracker("test", connectivity.Idle)
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		tr.AddWatcher(connectivity.Idle, &funcWatcher{fn: func(connectivity.State, error) {
			order = append(order, i)
		}})
	}
	tr.Set(connectivity.Connecting, nil)
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("order = %v, want [0 1 2]", order)
	}
}

func TestTracker_AddWatcherWithStaleInitialState(t *testing.T) {
	tr := NewConnectivityStateTracker("test", connectivity.Connecting)
	w := &recordingWatcher{}
	tr.AddWatcher(connectivity.Idle, w)
	if len(w.states) != 1 || w.states[0] != connectivity.Connecting {
		t.Fatalf("states = %v, want immediate Connecting", w.states)
	}
}

func TestTracker_SetSameStateIsNoop(t *testing.T) {
	tr := NewConnectivityStateTracker("test", connectivity.Idle)
	w := &recordingWatcher{}
	tr.AddWatcher(connectivity.Idle, w)
	tr.Set(connectivity.Idle, nil)
	if len(w.states) != 0 {
		t.Fatalf("got notifications %v for no-op set", w.states)
	}
}

func TestTracker_MonotonicToShutdown(t *testing.T) {
	tr := NewConnectivityStateTracker("test", connectivity.Ready)
	w := &recordingWatcher{}
	tr.AddWatcher(connectivity.Ready, w)
	tr.Set(connectivity.Shutdown, nil)
	tr.Set(connectivity.Idle, nil)
	tr.Set(connectivity.Ready, nil)
	if len(w.states) != 1 || w.states[0] != connectivity.Shutdown {
		t.Fatalf("states = %v, want exactly [SHUTDOWN]", w.states)
	}
	if tr.State() != connectivity.Shutdown {
		t.Fatalf("state = %v, want SHUTDOWN", tr.State())
	}
}

func TestTracker_WatcherRemovesItselfDuringNotification(t *testing.T) {
	tr := NewConnectivityStateTracker("test", connectivity.Idle)
	second := &recordingWatcher{}
	self := &funcWatcher{}
	self.fn = func(connectivity.State, error) {
		tr.RemoveWatcher(self)
	}
	tr.AddWatcher(connectivity.Idle, self)
	tr.AddWatcher(connectivity.Idle, second)
	tr.Set(connectivity.Connecting, nil)
	tr.Set(connectivity.Ready, nil)
	if len(second.states) != 2 {
		t.Fatalf("second watcher got %v, want both transitions", second.states)
	}
}

func TestTracker_RemovedWatcherNotNotified(t *testing.T) {
	tr := NewConnectivityStateTracker("test", connectivity.Idle)
	w := &recordingWatcher{}
	tr.AddWatcher(connectivity.Idle, w)
	tr.RemoveWatcher(w)
	tr.Set(connectivity.Ready, nil)
	if len(w.states) != 0 {
		t.Fatalf("removed watcher notified: %v", w.states)
	}
}

// funcWatcher adapts a function to StateWatcher. A pointer is used so that
// watcher identity is well defined.
type funcWatcher struct {
	fn func(connectivity.State, error)
}

func (f *funcWatcher) OnConnectivityStateChange(state connectivity.State, err error) {
	f.fn(state, err)
}
