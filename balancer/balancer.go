// Package balancer defines the contracts between load-balancing policies
// and the channel that hosts them, plus the shared subchannel-list
// machinery the reference policies are built on.
//
// A policy consumes resolved addresses and per-subchannel connectivity, and
// produces a [Picker]: an immutable, lock-free function from call context
// to subchannel choice. All policy state mutates on a single
// [serializer.WorkSerializer]; pickers are republished, never mutated.
package balancer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/metadata"

	clientchannel "github.com/joeycumines/go-clientchannel"
	"github.com/joeycumines/go-clientchannel/internal/serializer"
)

// ErrBadResolverState is returned by [Policy.UpdateLocked] when the update
// leaves the policy unable to make progress, signalling the channel to
// re-resolve with backoff.
var ErrBadResolverState = errors.New("balancer: bad resolver state")

// Subchannel is the policy-facing view of a subchannel. Concrete
// subchannels from the clientchannel package satisfy it; test helpers may
// substitute fakes.
type Subchannel interface {
	// Address returns the endpoint this subchannel connects to.
	Address() clientchannel.Address
	// State returns the current connectivity state.
	State() connectivity.State
	// RequestConnection starts a connection attempt if Idle.
	RequestConnection()
	// ResetBackoff rewinds the reconnect schedule.
	ResetBackoff()
	// WatchConnectivityState registers a watcher; the current state is
	// delivered immediately (asynchronously), then every transition.
	WatchConnectivityState(w clientchannel.StateWatcher)
	// CancelConnectivityStateWatch unregisters a watcher.
	CancelConnectivityStateWatch(w clientchannel.StateWatcher)
	// ConnectedTransport returns the published transport while Ready.
	ConnectedTransport() *clientchannel.ConnectedTransport
	// Unref releases the holder's reference.
	Unref()
}

// Helper is the upward edge from a policy to its channel. All methods must
// be called from the policy's work serializer.
type Helper interface {
	// CreateSubchannel returns a subchannel for addr, holding one
	// reference on behalf of the policy.
	CreateSubchannel(addr clientchannel.Address, args clientchannel.ChannelArgs) Subchannel
	// UpdateState publishes the aggregate connectivity state, its status,
	// and a new picker.
	UpdateState(state connectivity.State, err error, picker Picker)
	// RequestReresolution asks the channel to re-run name resolution.
	RequestReresolution()
	// Authority returns the channel's default authority.
	Authority() string
	// AddTraceEvent records a human-readable event against the channel.
	AddTraceEvent(severity clientchannel.TraceSeverity, message string)
}

// PickArgs carries per-call context into a [Picker].
type PickArgs struct {
	// Ctx is the call context. Policies read call attributes (such as the
	// ring-hash request hash) from it.
	Ctx context.Context
	// FullMethod is the full RPC method name, /service/method.
	FullMethod string
}

// PickResultKind discriminates the variants of a [PickResult].
type PickResultKind uint8

const (
	// PickComplete carries a subchannel to place the call on.
	PickComplete PickResultKind = iota
	// PickQueue asks the channel to hold the call until a new picker is
	// published.
	PickQueue
	// PickFail fails the call with a transient status; wait-for-ready
	// calls are queued instead.
	PickFail
	// PickDrop fails the call unconditionally, per policy decision.
	PickDrop
)

// PickResult is the outcome of a pick.
type PickResult struct {
	kind       PickResultKind
	subchannel Subchannel
	done       func(trailers metadata.MD)
	err        error
}

// Complete returns a successful pick. done, if non-nil, is invoked with the
// call's trailing metadata for bookkeeping.
func Complete(sc Subchannel, done func(trailers metadata.MD)) PickResult {
	return PickResult{kind: PickComplete, subchannel: sc, done: done}
}

// Queue returns a pick that parks the call until the next picker.
func Queue() PickResult { return PickResult{kind: PickQueue} }

// Fail returns a failed pick with the given status.
func Fail(err error) PickResult { return PickResult{kind: PickFail, err: err} }

// Drop returns a dropped pick with the given status.
func Drop(err error) PickResult { return PickResult{kind: PickDrop, err: err} }

// Kind returns the variant of r.
func (r PickResult) Kind() PickResultKind { return r.kind }

// Subchannel returns the chosen subchannel for a PickComplete result.
func (r PickResult) Subchannel() Subchannel { return r.subchannel }

// Done returns the trailing-metadata callback, which may be nil.
func (r PickResult) Done() func(metadata.MD) { return r.done }

// Err returns the status for PickFail and PickDrop results.
func (r PickResult) Err() error { return r.err }

// Picker maps a call to a subchannel choice. Pickers are immutable after
// publication and must be safe for concurrent Pick from many goroutines;
// any change of mind is expressed by publishing a new picker.
type Picker interface {
	Pick(args PickArgs) PickResult
}

// Config is a parsed per-policy configuration.
type Config interface {
	// PolicyName returns the name of the policy this config belongs to.
	PolicyName() string
}

// ResolverUpdate is the input to [Policy.UpdateLocked]: a resolver result
// plus the channel args in effect.
type ResolverUpdate struct {
	// Addresses is the resolved address list. Ignored when Err is set.
	Addresses []clientchannel.Address
	// Err is the resolver error, if resolution failed. A policy that
	// already has a subchannel list ignores it and keeps the old list.
	Err error
	// Config is the parsed policy config from the service config.
	Config Config
	// ResolutionNote annotates empty results for diagnosability.
	ResolutionNote string
	// Args are the channel args to create subchannels with.
	Args clientchannel.ChannelArgs
}

// Policy is a load-balancing policy instance. Every method must be invoked
// on the policy's work serializer; the Locked suffix records that
// convention.
type Policy interface {
	// UpdateLocked delivers a new resolver result.
	UpdateLocked(update ResolverUpdate) error
	// ResetBackoffLocked resets backoff on every subchannel the policy
	// holds.
	ResetBackoffLocked()
	// CloseLocked releases all subchannels. The policy must not publish
	// further pickers.
	CloseLocked()
}

// BuildOptions configures a policy instance at construction.
type BuildOptions struct {
	// WorkSerializer is the serializer all policy methods run on. The
	// helper is expected to create subchannels sharing it so watcher
	// callbacks and policy transitions are totally ordered.
	WorkSerializer *serializer.WorkSerializer
}

// Builder constructs instances of one named policy and parses its config.
type Builder interface {
	Name() string
	Build(helper Helper, opts BuildOptions) Policy
	ParseConfig(cfg json.RawMessage) (Config, error)
}

var registry struct {
	mu sync.Mutex
	m  map[string]Builder
}

// Register makes a policy builder available under its name, replacing any
// previous registration. Expected to be called from init functions.
func Register(b Builder) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.m == nil {
		registry.m = make(map[string]Builder)
	}
	registry.m[b.Name()] = b
}

// Get returns the builder registered under name, or nil.
func Get(name string) Builder {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.m[name]
}

// ParseConfig locates the builder for name and parses cfg with it.
func ParseConfig(name string, cfg json.RawMessage) (Config, error) {
	b := Get(name)
	if b == nil {
		return nil, fmt.Errorf("balancer: no policy registered as %q", name)
	}
	return b.ParseConfig(cfg)
}

// NewErrPicker returns a picker failing every pick with err.
func NewErrPicker(err error) Picker { return &errPicker{err: err} }

type errPicker struct{ err error }

func (p *errPicker) Pick(PickArgs) PickResult { return Fail(p.err) }

// NewQueuePicker returns a picker queueing every pick.
func NewQueuePicker() Picker { return queuePicker{} }

type queuePicker struct{}

func (queuePicker) Pick(PickArgs) PickResult { return Queue() }
