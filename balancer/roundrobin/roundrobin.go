// Package roundrobin implements the round_robin load-balancing policy:
// picks rotate over the Ready subchannels, and a new address list is phased
// in only once it is usable.
package roundrobin

import (
	"encoding/json"
	"math/rand/v2"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/status"

	clientchannel "github.com/joeycumines/go-clientchannel"
	"github.com/joeycumines/go-clientchannel/balancer"
)

// Name is the policy name this package registers under.
const Name = "round_robin"

var logger = grpclog.Component("round_robin")

func init() {
	balancer.Register(builder{})
}

type builder struct{}

func (builder) Name() string { return Name }

func (builder) Build(helper balancer.Helper, _ balancer.BuildOptions) balancer.Policy {
	return &rrPolicy{helper: helper}
}

// ParseConfig accepts any round_robin config object; the policy has no
// knobs.
func (builder) ParseConfig(json.RawMessage) (balancer.Config, error) {
	return rrConfig{}, nil
}

type rrConfig struct{}

func (rrConfig) PolicyName() string { return Name }

// rrPolicy phases address lists in the original round-robin manner: the
// newest resolver update becomes the pending list, promoted to current the
// first time it would report Ready, or once every member has failed (so a
// stuck attempt cannot stall the channel forever).
type rrPolicy struct {
	helper balancer.Helper

	current *balancer.SubchannelList
	pending *balancer.SubchannelList

	addrs       []clientchannel.Address
	lastConnErr error
	closed      bool
}

func (p *rrPolicy) UpdateLocked(update balancer.ResolverUpdate) error {
	if p.closed {
		return nil
	}
	if update.Err != nil {
		// Keep serving off the existing list; the resolver will retry.
		if p.current != nil || p.pending != nil {
			if logger.V(2) {
				logger.Infof("ignoring resolver error, keeping existing subchannels: %v", update.Err)
			}
			return nil
		}
		p.helper.UpdateState(connectivity.TransientFailure, update.Err, balancer.NewErrPicker(update.Err))
		return balancer.ErrBadResolverState
	}
	if p.current != nil && p.pending == nil && addressesEqual(p.addrs, update.Addresses) {
		// Identical update: keep subchannel refs and picker untouched.
		return nil
	}
	p.addrs = append([]clientchannel.Address(nil), update.Addresses...)

	newList := balancer.NewSubchannelList(p.helper, update.Addresses, update.Args, p.onSubchannelStateChange)
	if p.pending != nil {
		p.pending.Orphan()
		p.pending = nil
	}
	if newList.NumSubchannels() == 0 {
		// Empty list: promote immediately and fail picks.
		if p.current != nil {
			p.current.Orphan()
		}
		p.current = newList
		err := status.Errorf(codes.Unavailable, "empty address list: %s", update.ResolutionNote)
		p.helper.UpdateState(connectivity.TransientFailure, err, balancer.NewErrPicker(err))
		return balancer.ErrBadResolverState
	}
	if p.current == nil {
		p.current = newList
	} else {
		p.pending = newList
	}
	newList.StartWatching()
	return nil
}

func (p *rrPolicy) ResetBackoffLocked() {
	if p.current != nil {
		p.current.ResetBackoff()
	}
	if p.pending != nil {
		p.pending.ResetBackoff()
	}
}

func (p *rrPolicy) CloseLocked() {
	p.closed = true
	if p.current != nil {
		p.current.Orphan()
		p.current = nil
	}
	if p.pending != nil {
		p.pending.Orphan()
		p.pending = nil
	}
}

func (p *rrPolicy) onSubchannelStateChange(sd *balancer.SubchannelData, state connectivity.State, err error) {
	if p.closed {
		return
	}
	sd.SetStateForPicker(state)
	switch state {
	case connectivity.TransientFailure:
		if err != nil {
			p.lastConnErr = err
		}
		p.helper.RequestReresolution()
	case connectivity.Idle:
		// Round robin keeps every member connected.
		sd.Subchannel().RequestConnection()
	}
	sd.RecordState(state)
	p.maybePromoteLocked(sd.List())
}

// maybePromoteLocked swaps the pending list in once it is usable: at least
// one member Ready, or every member failed (the control plane told us to
// move, so we move even into failure). It then republishes aggregate state
// if the list is current.
func (p *rrPolicy) maybePromoteLocked(l *balancer.SubchannelList) {
	if l.NumReady() > 0 || l.NumTransientFailure() == l.NumSubchannels() {
		if p.current != l {
			if p.pending != l {
				return // stale list; already orphaned
			}
			if logger.V(2) {
				logger.Infof("phasing out subchannel list (size %d) in favor of pending (size %d)",
					p.current.NumSubchannels(), l.NumSubchannels())
			}
			p.current.Orphan()
			p.current = l
			p.pending = nil
		}
	}
	if p.current != l {
		return
	}
	p.updateAggregateLocked()
}

// updateAggregateLocked applies the aggregation rules in priority order:
// any Ready member makes the policy Ready; else any Connecting member makes
// it Connecting; else, once every member has failed, TransientFailure.
func (p *rrPolicy) updateAggregateLocked() {
	l := p.current
	switch {
	case l.NumReady() > 0:
		var ready []balancer.Subchannel
		for i := 0; i < l.NumSubchannels(); i++ {
			if sd := l.Subchannel(i); sd.LastState() == connectivity.Ready {
				ready = append(ready, sd.Subchannel())
			}
		}
		p.helper.UpdateState(connectivity.Ready, nil, newPicker(ready))
	case l.NumConnecting() > 0:
		p.helper.UpdateState(connectivity.Connecting, nil, balancer.NewQueuePicker())
	case l.NumTransientFailure() == l.NumSubchannels():
		err := status.Errorf(codes.Unavailable, "connections to all backends failing; last error: %v", p.lastConnErr)
		p.helper.UpdateState(connectivity.TransientFailure, err, balancer.NewErrPicker(err))
	}
}

func addressesEqual(a, b []clientchannel.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// picker rotates over the Ready subchannels, starting from a random
// offset. It is immutable; the counter is the only mutable word and is
// advanced atomically by concurrent picks.
type picker struct {
	subchannels []balancer.Subchannel
	next        atomic.Uint64
}

func newPicker(subchannels []balancer.Subchannel) *picker {
	p := &picker{subchannels: subchannels}
	p.next.Store(rand.Uint64N(uint64(len(subchannels))))
	return p
}

func (p *picker) Pick(balancer.PickArgs) balancer.PickResult {
	i := p.next.Add(1) - 1
	return balancer.Complete(p.subchannels[i%uint64(len(p.subchannels))], nil)
}
