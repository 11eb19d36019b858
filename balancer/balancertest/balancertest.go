// Package balancertest provides a recording control-plane helper and a
// scriptable connector for exercising load-balancing policies against real
// subchannels.
package balancertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"

	clientchannel "github.com/joeycumines/go-clientchannel"
	"github.com/joeycumines/go-clientchannel/balancer"
	"github.com/joeycumines/go-clientchannel/internal/serializer"
)

// StateUpdate records one Helper.UpdateState call.
type StateUpdate struct {
	State  connectivity.State
	Err    error
	Picker balancer.Picker
}

// Helper implements balancer.Helper against real subchannels backed by a
// private pool and the policy's work serializer. UpdateState calls are
// recorded and surfaced through NextUpdate, WaitForState and ExpectNoUpdate.
type Helper struct {
	Pool      *clientchannel.SubchannelPool
	WS        *serializer.WorkSerializer
	Clock     clock.Clock
	Connector clientchannel.Connector

	mu            sync.Mutex
	updates       chan StateUpdate
	reresolutions int
	traces        []string
}

var _ balancer.Helper = (*Helper)(nil)

// NewHelper returns a Helper creating subchannels through connector.
func NewHelper(connector clientchannel.Connector) *Helper {
	return &Helper{
		Pool:      clientchannel.NewSubchannelPool(),
		WS:        &serializer.WorkSerializer{},
		Clock:     clock.New(),
		Connector: connector,
		updates:   make(chan StateUpdate, 128),
	}
}

func (h *Helper) CreateSubchannel(addr clientchannel.Address, args clientchannel.ChannelArgs) balancer.Subchannel {
	return clientchannel.NewSubchannel(h.Connector, addr, args,
		clientchannel.WithPool(h.Pool),
		clientchannel.WithWorkSerializer(h.WS),
		clientchannel.WithClock(h.Clock),
	)
}

func (h *Helper) UpdateState(state connectivity.State, err error, picker balancer.Picker) {
	h.updates <- StateUpdate{State: state, Err: err, Picker: picker}
}

func (h *Helper) RequestReresolution() {
	h.mu.Lock()
	h.reresolutions++
	h.mu.Unlock()
}

func (h *Helper) Authority() string { return "test.example.com" }

func (h *Helper) AddTraceEvent(_ clientchannel.TraceSeverity, message string) {
	h.mu.Lock()
	h.traces = append(h.traces, message)
	h.mu.Unlock()
}

// Reresolutions returns how many times the policy asked for re-resolution.
func (h *Helper) Reresolutions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reresolutions
}

// Traces returns recorded trace event messages.
func (h *Helper) Traces() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.traces...)
}

// Run executes fn on the policy's work serializer and waits for it, the way
// the owning channel would invoke policy methods. It must not be called from
// a closure already running on that serializer.
func (h *Helper) Run(fn func()) {
	done := make(chan struct{})
	h.WS.Run(func() {
		defer close(done)
		fn()
	})
	<-done
}

// NextUpdate returns the next published state, failing t after a timeout.
func (h *Helper) NextUpdate(t *testing.T) StateUpdate {
	t.Helper()
	select {
	case u := <-h.updates:
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a state update")
		return StateUpdate{}
	}
}

// WaitForState discards published updates until one with the wanted state
// arrives.
func (h *Helper) WaitForState(t *testing.T, want connectivity.State) StateUpdate {
	t.Helper()
	for {
		u := h.NextUpdate(t)
		if u.State == want {
			return u
		}
	}
}

// ExpectNoUpdate fails t if any state is published within a short window.
func (h *Helper) ExpectNoUpdate(t *testing.T) {
	t.Helper()
	select {
	case u := <-h.updates:
		t.Fatalf("unexpected state update %v", u.State)
	case <-time.After(50 * time.Millisecond):
	}
}

// Outcome scripts the result of one connection attempt.
type Outcome struct {
	Transport clientchannel.ClientTransport
	Err       error
}

// Connector blocks each attempt until the test releases it with an Outcome
// for the address, holding subchannels in Connecting meanwhile. Attempts
// also complete when their deadline context fires.
type Connector struct {
	mu       sync.Mutex
	pending  map[string]chan Outcome
	attempts map[string]int
}

var _ clientchannel.Connector = (*Connector)(nil)

// NewConnector returns an empty blocking connector.
func NewConnector() *Connector {
	return &Connector{
		pending:  make(map[string]chan Outcome),
		attempts: make(map[string]int),
	}
}

func (c *Connector) outcomes(addr string) chan Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[addr]
	if !ok {
		ch = make(chan Outcome, 16)
		c.pending[addr] = ch
	}
	return ch
}

func (c *Connector) Connect(ctx context.Context, addr clientchannel.Address, _ clientchannel.ChannelArgs) (clientchannel.ConnectResult, error) {
	c.mu.Lock()
	c.attempts[addr.Addr]++
	c.mu.Unlock()
	select {
	case out := <-c.outcomes(addr.Addr):
		if out.Err != nil {
			return clientchannel.ConnectResult{}, out.Err
		}
		return clientchannel.ConnectResult{Transport: out.Transport}, nil
	case <-ctx.Done():
		return clientchannel.ConnectResult{}, status.FromContextError(ctx.Err()).Err()
	}
}

// Release completes the next (possibly future) attempt for addr.
func (c *Connector) Release(addr string, out Outcome) {
	c.outcomes(addr) <- out
}

// Succeed completes the next attempt for addr with a fresh Transport.
func (c *Connector) Succeed(addr string) *Transport {
	tr := &Transport{}
	c.Release(addr, Outcome{Transport: tr})
	return tr
}

// Fail completes the next attempt for addr with an Unavailable status.
func (c *Connector) Fail(addr string, message string) {
	c.Release(addr, Outcome{Err: status.Error(codes.Unavailable, message)})
}

// Attempts returns the number of attempts observed for addr.
func (c *Connector) Attempts(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[addr]
}

// WaitForAttempts blocks until at least n attempts for addr were observed.
func (c *Connector) WaitForAttempts(t *testing.T, addr string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Attempts(addr) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d attempts on %s (have %d)", n, addr, c.Attempts(addr))
}

// Transport is a minimal ClientTransport whose loss the test injects.
type Transport struct {
	mu      sync.Mutex
	conn    grpc.ClientConnInterface
	watcher clientchannel.StateWatcher
	closed  bool
}

var _ clientchannel.ClientTransport = (*Transport)(nil)

// SetCallConn substitutes the call destination handed out by CallConn.
// Must be called before the transport is released to a connector.
func (tr *Transport) SetCallConn(conn grpc.ClientConnInterface) { tr.conn = conn }

func (tr *Transport) CallConn() grpc.ClientConnInterface {
	if tr.conn != nil {
		return tr.conn
	}
	return unimplementedConn{}
}

func (tr *Transport) StartConnectivityWatch(w clientchannel.StateWatcher) {
	tr.mu.Lock()
	tr.watcher = w
	tr.mu.Unlock()
}

func (tr *Transport) Ping(context.Context) error { return nil }

func (tr *Transport) Close(error) {
	tr.mu.Lock()
	tr.closed = true
	tr.mu.Unlock()
}

// Closed reports whether the subchannel released the transport.
func (tr *Transport) Closed() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.closed
}

// ReportLoss delivers a transport state change to the watching subchannel.
func (tr *Transport) ReportLoss(state connectivity.State, err error) {
	tr.mu.Lock()
	w := tr.watcher
	tr.mu.Unlock()
	if w != nil {
		w.OnConnectivityStateChange(state, err)
	}
}

type unimplementedConn struct{}

func (unimplementedConn) Invoke(context.Context, string, any, any, ...grpc.CallOption) error {
	return status.Error(codes.Unimplemented, "balancertest: no call destination configured")
}

func (unimplementedConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, status.Error(codes.Unimplemented, "balancertest: no call destination configured")
}
