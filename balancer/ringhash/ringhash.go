// Package ringhash implements the ring_hash_experimental load-balancing
// policy: consistent hashing of a per-call request hash onto a ring of
// subchannels, with lazy per-entry connection attempts.
package ringhash

import (
	"context"
	"encoding/json"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/status"

	clientchannel "github.com/joeycumines/go-clientchannel"
	"github.com/joeycumines/go-clientchannel/balancer"
	"github.com/joeycumines/go-clientchannel/internal/serializer"
)

// Name is the policy name this package registers under.
const Name = "ring_hash_experimental"

var logger = grpclog.Component("ring_hash")

func init() {
	balancer.Register(builder{})
}

type builder struct{}

func (builder) Name() string { return Name }

func (builder) Build(helper balancer.Helper, opts balancer.BuildOptions) balancer.Policy {
	return &rhPolicy{helper: helper, ws: opts.WorkSerializer}
}

func (builder) ParseConfig(raw json.RawMessage) (balancer.Config, error) {
	return parseConfig(raw)
}

type requestHashKey struct{}

// SetRequestHash returns a context carrying the per-call hash consulted by
// the ring_hash picker. Calls without a request hash fail.
func SetRequestHash(ctx context.Context, hash uint64) context.Context {
	return context.WithValue(ctx, requestHashKey{}, hash)
}

// RequestHash extracts the per-call hash from ctx.
func RequestHash(ctx context.Context) (uint64, bool) {
	h, ok := ctx.Value(requestHashKey{}).(uint64)
	return h, ok
}

// HashKey hashes an arbitrary request key (for example a header value) the
// same way ring entries are hashed.
func HashKey(key string) uint64 { return xxhash.Sum64String(key) }

// weight returns the effective ring weight of a member.
func weight(sd *balancer.SubchannelData) uint32 {
	return clientchannel.Weight(sd.Address())
}

type rhPolicy struct {
	helper balancer.Helper
	ws     *serializer.WorkSerializer

	config  Config
	// ringConfig is the config the current ring was built with.
	ringConfig Config
	current    *balancer.SubchannelList
	ring       *ring

	addrs       []clientchannel.Address
	lastConnErr error
	closed      bool
}

func (p *rhPolicy) UpdateLocked(update balancer.ResolverUpdate) error {
	if p.closed {
		return nil
	}
	if cfg, ok := update.Config.(Config); ok {
		p.config = cfg
	} else if update.Config == nil && p.config == (Config{}) {
		p.config = Config{MinRingSize: DefaultMinRingSize, MaxRingSize: DefaultMaxRingSize}
	}
	if update.Err != nil {
		if p.current != nil {
			if logger.V(2) {
				logger.Infof("ignoring resolver error, keeping existing ring: %v", update.Err)
			}
			return nil
		}
		p.helper.UpdateState(connectivity.TransientFailure, update.Err, balancer.NewErrPicker(update.Err))
		return balancer.ErrBadResolverState
	}

	// Zero-weighted addresses never make it onto the ring.
	addrs := make([]clientchannel.Address, 0, len(update.Addresses))
	for _, addr := range update.Addresses {
		if clientchannel.Weight(addr) > 0 {
			addrs = append(addrs, addr)
		}
	}
	if p.current != nil && p.ringConfig == p.config && addressesEqual(p.addrs, addrs) {
		return nil
	}
	p.addrs = addrs
	p.ringConfig = p.config

	newList := balancer.NewSubchannelList(p.helper, addrs, update.Args, p.onSubchannelStateChange)
	old := p.current
	p.current = newList
	if old != nil {
		// Created before orphaning so shared subchannels survive the swap
		// via the pool.
		old.Orphan()
	}
	if newList.NumSubchannels() == 0 {
		p.ring = nil
		err := status.Errorf(codes.Unavailable, "empty address list: %s", update.ResolutionNote)
		p.helper.UpdateState(connectivity.TransientFailure, err, balancer.NewErrPicker(err))
		return balancer.ErrBadResolverState
	}
	p.ring = newRing(newList, p.config.MinRingSize, p.config.MaxRingSize)
	newList.StartWatching()
	// Publish the initial ring picker while every member is still Idle, so
	// the first picks lazily trigger exactly the connections their hashes
	// need.
	p.helper.UpdateState(connectivity.Ready, nil, p.newPickerLocked())
	return nil
}

func (p *rhPolicy) ResetBackoffLocked() {
	if p.current != nil {
		p.current.ResetBackoff()
	}
}

func (p *rhPolicy) CloseLocked() {
	p.closed = true
	if p.current != nil {
		p.current.Orphan()
		p.current = nil
	}
	p.ring = nil
}

func (p *rhPolicy) onSubchannelStateChange(sd *balancer.SubchannelData, state connectivity.State, err error) {
	if p.closed || sd.List() != p.current {
		return
	}
	// The first notification of each watch repeats the state StartWatching
	// already sampled. Unless it is a failure, such a repeat changes no
	// counter and is not re-published, so the initial ring picker stays.
	if state == sd.LastState() && state != connectivity.TransientFailure {
		return
	}
	sd.SetStateForPicker(state)
	if state == connectivity.TransientFailure {
		if err != nil {
			p.lastConnErr = err
		}
		p.helper.RequestReresolution()
	}
	sd.RecordState(state)
	inTransientFailure := p.updateAggregateLocked()
	// While aggregated TransientFailure the policy receives no picks, so
	// it keeps exactly one proactive connection attempt moving: when a
	// member fails, the next member by list order is asked to connect.
	// This continues until some member reaches Ready.
	if inTransientFailure && state == connectivity.TransientFailure {
		next := (sd.Index() + 1) % p.current.NumSubchannels()
		p.current.Subchannel(next).Subchannel().RequestConnection()
	}
}

// updateAggregateLocked publishes the aggregate state, returning whether it
// is TransientFailure. Unlike round robin, a single failed member does not
// make the policy failed: it takes two, since a ring-hash channel must keep
// absorbing picks that will land on healthy slots.
func (p *rhPolicy) updateAggregateLocked() bool {
	l := p.current
	switch {
	case l.NumReady() > 0:
		p.helper.UpdateState(connectivity.Ready, nil, p.newPickerLocked())
	case l.NumConnecting() > 0 && l.NumTransientFailure() < 2:
		p.helper.UpdateState(connectivity.Connecting, nil, balancer.NewQueuePicker())
	case l.NumIdle() > 0 && l.NumTransientFailure() < 2:
		p.helper.UpdateState(connectivity.Idle, nil, p.newPickerLocked())
	default:
		err := status.Errorf(codes.Unavailable, "connections to backends failing or idle; last error: %v", p.lastConnErr)
		p.helper.UpdateState(connectivity.TransientFailure, err, balancer.NewErrPicker(err))
		return true
	}
	return false
}

func (p *rhPolicy) newPickerLocked() balancer.Picker {
	return &picker{ring: p.ring, ws: p.ws}
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

// picker maps the per-call request hash onto the ring. Member states are
// read through their lock-free picker-visible slots; connection attempts
// triggered by picks hop onto the policy's work serializer off the pick
// path.
type picker struct {
	ring *ring
	ws   *serializer.WorkSerializer
}

func (p *picker) Pick(args balancer.PickArgs) balancer.PickResult {
	var ctx context.Context = context.Background()
	if args.Ctx != nil {
		ctx = args.Ctx
	}
	h, ok := RequestHash(ctx)
	if !ok {
		return balancer.Fail(status.Error(codes.Internal, "ring hash request hash is not set"))
	}
	attempter := &connectionAttempter{ws: p.ws}
	defer attempter.flush()
	return p.doPick(h, attempter)
}

func (p *picker) doPick(h uint64, attempter *connectionAttempter) balancer.PickResult {
	entries := p.ring.entries
	first := p.ring.pick(h)
	firstSD := entries[first].sd
	switch firstSD.StateForPicker() {
	case connectivity.Ready:
		return balancer.Complete(firstSD.Subchannel(), nil)
	case connectivity.Idle:
		attempter.add(firstSD.Subchannel())
		return balancer.Queue()
	case connectivity.Connecting:
		return balancer.Queue()
	}
	// First entry failed: ask it to reconnect and walk the ring for a
	// usable member. Queue on the second distinct member unless it failed
	// too, and keep every failed member up to the first non-failed one
	// connecting.
	attempter.add(firstSD.Subchannel())
	foundSecond := false
	foundFirstNonFailed := false
	for i := 1; i < len(entries); i++ {
		entry := entries[(first+i)%len(entries)]
		if entry.sd == firstSD {
			continue
		}
		state := entry.sd.StateForPicker()
		if state == connectivity.Ready {
			return balancer.Complete(entry.sd.Subchannel(), nil)
		}
		if !foundSecond {
			switch state {
			case connectivity.Idle:
				attempter.add(entry.sd.Subchannel())
				return balancer.Queue()
			case connectivity.Connecting:
				return balancer.Queue()
			}
			foundSecond = true
		}
		if !foundFirstNonFailed {
			if state == connectivity.TransientFailure {
				attempter.add(entry.sd.Subchannel())
			} else {
				if state == connectivity.Idle {
					attempter.add(entry.sd.Subchannel())
				}
				foundFirstNonFailed = true
			}
		}
	}
	return balancer.Fail(status.Error(codes.Unavailable, "ring hash found a subchannel that is in TRANSIENT_FAILURE state"))
}

// connectionAttempter defers RequestConnection calls collected on the pick
// path onto the work serializer, keeping Pick itself lock-free.
type connectionAttempter struct {
	ws          *serializer.WorkSerializer
	subchannels []balancer.Subchannel
}

func (a *connectionAttempter) add(sc balancer.Subchannel) {
	a.subchannels = append(a.subchannels, sc)
}

func (a *connectionAttempter) flush() {
	if len(a.subchannels) == 0 {
		return
	}
	subchannels := a.subchannels
	go a.ws.Run(func() {
		for _, sc := range subchannels {
			sc.RequestConnection()
		}
	})
}
