package balancer

import (
	"sync/atomic"

	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/grpclog"

	clientchannel "github.com/joeycumines/go-clientchannel"
)

var logger = grpclog.Component("balancer")

// StateChangeFunc is a policy's aggregation hook: it observes every raw
// connectivity transition of a list member, on the policy's work
// serializer. Implementations typically call [SubchannelData.RecordState]
// to apply the failure latch and update the list counters, then recompute
// the aggregate state.
type StateChangeFunc func(sd *SubchannelData, state connectivity.State, err error)

// SubchannelList owns one subchannel per resolved address for the lifetime
// of a resolver update, together with per-state counters. Two lists may
// coexist while a policy phases a new update in.
type SubchannelList struct {
	subchannels []*SubchannelData
	onChange    StateChangeFunc

	numIdle             int
	numConnecting       int
	numReady            int
	numTransientFailure int

	started      bool
	shuttingDown bool
}

// SubchannelData pairs one list member with its aggregation bookkeeping.
type SubchannelData struct {
	list  *SubchannelList
	index int
	addr  clientchannel.Address
	sc    Subchannel

	watcher *listWatcher

	// lastState is the state last folded into the list counters.
	lastState connectivity.State
	// seenFailureSinceReady latches TransientFailure: while set, only a
	// transition to Ready is folded into the counters, so flapping
	// between Connecting and TransientFailure cannot churn the
	// aggregate.
	seenFailureSinceReady bool

	// stateForPicker is read lock-free by data-plane pickers.
	stateForPicker atomic.Int32
}

// NewSubchannelList creates one subchannel per address via the helper. The
// list does not watch anything until StartWatching is called.
func NewSubchannelList(helper Helper, addrs []clientchannel.Address, args clientchannel.ChannelArgs, onChange StateChangeFunc) *SubchannelList {
	l := &SubchannelList{onChange: onChange}
	for i, addr := range addrs {
		sd := &SubchannelData{
			list:      l,
			index:     i,
			addr:      addr,
			sc:        helper.CreateSubchannel(addr, args),
			lastState: connectivity.Idle,
		}
		sd.stateForPicker.Store(int32(connectivity.Idle))
		l.subchannels = append(l.subchannels, sd)
	}
	return l
}

// NumSubchannels returns the list size.
func (l *SubchannelList) NumSubchannels() int { return len(l.subchannels) }

// Subchannel returns the i-th member.
func (l *SubchannelList) Subchannel(i int) *SubchannelData { return l.subchannels[i] }

// Per-state counters. Their sum equals the number of members not in
// Shutdown.
func (l *SubchannelList) NumIdle() int             { return l.numIdle }
func (l *SubchannelList) NumConnecting() int       { return l.numConnecting }
func (l *SubchannelList) NumReady() int            { return l.numReady }
func (l *SubchannelList) NumTransientFailure() int { return l.numTransientFailure }

// ShuttingDown reports whether Orphan has been called.
func (l *SubchannelList) ShuttingDown() bool { return l.shuttingDown }

// StartWatching samples each member's current state synchronously to seed
// the counters, then registers connectivity watchers. Subsequent
// transitions reach the policy through its StateChangeFunc.
func (l *SubchannelList) StartWatching() {
	if l.started {
		return
	}
	l.started = true
	for _, sd := range l.subchannels {
		state := sd.sc.State()
		sd.lastState = state
		sd.stateForPicker.Store(int32(state))
		l.countState(state, +1)
	}
	for _, sd := range l.subchannels {
		sd.watcher = &listWatcher{sd: sd}
		sd.sc.WatchConnectivityState(sd.watcher)
	}
}

// Orphan cancels all watchers and releases all subchannel references.
// Late notifications from already-scheduled callbacks are discarded.
func (l *SubchannelList) Orphan() {
	if l.shuttingDown {
		return
	}
	l.shuttingDown = true
	for _, sd := range l.subchannels {
		if sd.watcher != nil {
			sd.sc.CancelConnectivityStateWatch(sd.watcher)
			sd.watcher = nil
		}
		sd.sc.Unref()
	}
}

// ResetBackoff resets backoff on every member.
func (l *SubchannelList) ResetBackoff() {
	for _, sd := range l.subchannels {
		sd.sc.ResetBackoff()
	}
}

// UpdateStateCounters moves one member between state buckets.
func (l *SubchannelList) UpdateStateCounters(oldState, newState connectivity.State) {
	l.countState(oldState, -1)
	l.countState(newState, +1)
}

func (l *SubchannelList) countState(state connectivity.State, delta int) {
	switch state {
	case connectivity.Idle:
		l.numIdle += delta
	case connectivity.Connecting:
		l.numConnecting += delta
	case connectivity.Ready:
		l.numReady += delta
	case connectivity.TransientFailure:
		l.numTransientFailure += delta
	}
}

// List returns the owning list.
func (sd *SubchannelData) List() *SubchannelList { return sd.list }

// Index returns the member's position, which follows resolver address
// order.
func (sd *SubchannelData) Index() int { return sd.index }

// Address returns the member's resolved address.
func (sd *SubchannelData) Address() clientchannel.Address { return sd.addr }

// Subchannel returns the member's subchannel.
func (sd *SubchannelData) Subchannel() Subchannel { return sd.sc }

// LastState returns the state last folded into the counters.
func (sd *SubchannelData) LastState() connectivity.State { return sd.lastState }

// RecordState folds a raw transition into the list counters, applying the
// seen-failure-since-ready latch: once the member has been seen in
// TransientFailure, everything except a return to Ready is suppressed.
func (sd *SubchannelData) RecordState(state connectivity.State) {
	if !sd.seenFailureSinceReady {
		if state == connectivity.TransientFailure {
			sd.seenFailureSinceReady = true
		}
		sd.list.UpdateStateCounters(sd.lastState, state)
	} else if state == connectivity.Ready {
		sd.seenFailureSinceReady = false
		sd.list.UpdateStateCounters(connectivity.TransientFailure, state)
	}
	sd.lastState = state
}

// SetStateForPicker publishes the state pickers observe for this member.
func (sd *SubchannelData) SetStateForPicker(state connectivity.State) {
	sd.stateForPicker.Store(int32(state))
}

// StateForPicker returns the member state as seen by the data plane. Safe
// to call without any lock.
func (sd *SubchannelData) StateForPicker() connectivity.State {
	return connectivity.State(sd.stateForPicker.Load())
}

// listWatcher forwards one member's transitions to the policy hook,
// dropping anything that arrives after the list was orphaned.
type listWatcher struct {
	sd *SubchannelData
}

func (w *listWatcher) OnConnectivityStateChange(state connectivity.State, err error) {
	sd := w.sd
	if sd.list.shuttingDown {
		return
	}
	if state == connectivity.Shutdown {
		// Members reach Shutdown only once the list has released them.
		return
	}
	if logger.V(2) {
		logger.Infof("subchannel list: member %d (%s) %v -> %v", sd.index, sd.addr.Addr, sd.lastState, state)
	}
	sd.list.onChange(sd, state, err)
}
