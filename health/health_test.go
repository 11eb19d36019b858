package health

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	clientchannel "github.com/joeycumines/go-clientchannel"
	"github.com/joeycumines/go-clientchannel/balancer/balancertest"
	"github.com/joeycumines/go-clientchannel/internal/serializer"
)

// recvMsg scripts one Recv outcome on a fake health stream.
type recvMsg struct {
	status healthpb.HealthCheckResponse_ServingStatus
	err    error
}

// fakeHealthStream implements the client side of Health/Watch.
type fakeHealthStream struct {
	ctx  context.Context
	recv chan recvMsg

	mu      sync.Mutex
	service string
}

func (s *fakeHealthStream) Header() (metadata.MD, error) { return nil, nil }
func (s *fakeHealthStream) Trailer() metadata.MD         { return nil }
func (s *fakeHealthStream) CloseSend() error             { return nil }
func (s *fakeHealthStream) Context() context.Context     { return s.ctx }

func (s *fakeHealthStream) SendMsg(m any) error {
	if req, ok := m.(*healthpb.HealthCheckRequest); ok {
		s.mu.Lock()
		s.service = req.GetService()
		s.mu.Unlock()
	}
	return nil
}

func (s *fakeHealthStream) RecvMsg(m any) error {
	select {
	case rm := <-s.recv:
		if rm.err != nil {
			return rm.err
		}
		m.(*healthpb.HealthCheckResponse).Status = rm.status
		return nil
	case <-s.ctx.Done():
		return status.FromContextError(s.ctx.Err()).Err()
	}
}

func (s *fakeHealthStream) serviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.service
}

// fakeHealthConn is a call destination serving scripted health streams.
type fakeHealthConn struct {
	streams chan *fakeHealthStream
}

func newFakeHealthConn() *fakeHealthConn {
	return &fakeHealthConn{streams: make(chan *fakeHealthStream, 16)}
}

func (c *fakeHealthConn) Invoke(context.Context, string, any, any, ...grpc.CallOption) error {
	return status.Error(codes.Unimplemented, "unary not supported")
}

func (c *fakeHealthConn) NewStream(ctx context.Context, _ *grpc.StreamDesc, method string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
	if method != healthpb.Health_Watch_FullMethodName {
		return nil, status.Errorf(codes.Unimplemented, "unexpected method %s", method)
	}
	s := &fakeHealthStream{ctx: ctx, recv: make(chan recvMsg, 16)}
	c.streams <- s
	return s, nil
}

func (c *fakeHealthConn) nextStream(t *testing.T) *fakeHealthStream {
	t.Helper()
	select {
	case s := <-c.streams:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a health stream")
		return nil
	}
}

func (c *fakeHealthConn) expectNoStream(t *testing.T) {
	t.Helper()
	select {
	case <-c.streams:
		t.Fatal("unexpected health stream")
	case <-time.After(50 * time.Millisecond):
	}
}

// stateRec records filtered states from a watcher delegate.
type stateRec struct {
	ch   chan connectivity.State
	mu   sync.Mutex
	errs []error
}

func newStateRec() *stateRec { return &stateRec{ch: make(chan connectivity.State, 64)} }

func (r *stateRec) OnConnectivityStateChange(state connectivity.State, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.ch <- state
}

func (r *stateRec) expect(t *testing.T, want connectivity.State) {
	t.Helper()
	select {
	case got := <-r.ch:
		if got != want {
			t.Fatalf("state = %v, want %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %v", want)
	}
}

func (r *stateRec) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-r.ch:
		t.Fatalf("unexpected state %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func (r *stateRec) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

type traceSink struct {
	mu     sync.Mutex
	events []string
}

func (s *traceSink) AddTraceEvent(_ clientchannel.TraceSeverity, message string) {
	s.mu.Lock()
	s.events = append(s.events, message)
	s.mu.Unlock()
}

func (s *traceSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type fixture struct {
	ws    *serializer.WorkSerializer
	conn  *balancertest.Connector
	sc    *clientchannel.Subchannel
	hc    *fakeHealthConn
	trace *traceSink

	lossMu        sync.Mutex
	lastTransport *balancertest.Transport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ws:    &serializer.WorkSerializer{},
		conn:  balancertest.NewConnector(),
		hc:    newFakeHealthConn(),
		trace: &traceSink{},
	}
	args := clientchannel.ChannelArgs{}.Set(clientchannel.ArgTestingFixedReconnectBackoff, 60_000)
	f.sc = clientchannel.NewSubchannel(f.conn, clientchannel.Address{Addr: "backend:443"}, args,
		clientchannel.WithPool(clientchannel.NewSubchannelPool()),
		clientchannel.WithWorkSerializer(f.ws),
		clientchannel.WithTraceEventSink(f.trace),
	)
	t.Cleanup(f.sc.Unref)
	return f
}

// connect drives the subchannel Ready with a transport backed by the fake
// health conn.
func (f *fixture) connect(t *testing.T) {
	t.Helper()
	tr := &balancertest.Transport{}
	tr.SetCallConn(f.hc)
	f.lossMu.Lock()
	f.lastTransport = tr
	f.lossMu.Unlock()
	f.conn.Release("backend:443", balancertest.Outcome{Transport: tr})
	f.sc.RequestConnection()
}

func watcherArgs(service string) clientchannel.ChannelArgs {
	return clientchannel.ChannelArgs{}.Set(clientchannel.ArgHealthCheckServiceName, service)
}

func TestWatcher_NoServiceNamePassesRawStates(t *testing.T) {
	f := newFixture(t)
	rec := newStateRec()
	w := NewWatcher(f.ws, clientchannel.ChannelArgs{}, rec)
	defer w.Close()
	if _, ok := w.ServiceName(); ok {
		t.Fatal("unexpected service name")
	}
	w.SetSubchannel(f.sc)
	rec.expect(t, connectivity.Idle)

	f.connect(t)
	rec.expect(t, connectivity.Connecting)
	rec.expect(t, connectivity.Ready) // no gating without a service name
	f.hc.expectNoStream(t)
}

func TestWatcher_InhibitedHealthChecking(t *testing.T) {
	f := newFixture(t)
	args := watcherArgs("svc").Set(clientchannel.ArgInhibitHealthChecking, true)
	rec := newStateRec()
	w := NewWatcher(f.ws, args, rec)
	defer w.Close()
	if _, ok := w.ServiceName(); ok {
		t.Fatal("service name must be ignored when inhibited")
	}
}

func TestWatcher_ReadyGatedOnFirstServingResponse(t *testing.T) {
	f := newFixture(t)
	rec := newStateRec()
	w := NewWatcher(f.ws, watcherArgs("svc"), rec)
	defer w.Close()
	w.SetSubchannel(f.sc)
	rec.expect(t, connectivity.Idle)

	f.connect(t)
	rec.expect(t, connectivity.Connecting)
	// Transport-level Ready is withheld; the stream starts instead.
	st := f.hc.nextStream(t)
	rec.expectNone(t)
	assert.Equal(t, "svc", st.serviceName())

	st.recv <- recvMsg{status: healthpb.HealthCheckResponse_SERVING}
	rec.expect(t, connectivity.Ready)
}

func TestWatcher_NotServingReportsTransientFailure(t *testing.T) {
	f := newFixture(t)
	rec := newStateRec()
	w := NewWatcher(f.ws, watcherArgs("svc"), rec)
	defer w.Close()
	w.SetSubchannel(f.sc)
	rec.expect(t, connectivity.Idle)
	f.connect(t)
	rec.expect(t, connectivity.Connecting)
	st := f.hc.nextStream(t)

	st.recv <- recvMsg{status: healthpb.HealthCheckResponse_NOT_SERVING}
	rec.expect(t, connectivity.TransientFailure)
	require.Equal(t, codes.Unavailable, status.Code(rec.lastErr()))

	// Recovery on the same stream.
	st.recv <- recvMsg{status: healthpb.HealthCheckResponse_SERVING}
	rec.expect(t, connectivity.Ready)
}

func TestWatcher_UnimplementedDegradesGracefully(t *testing.T) {
	f := newFixture(t)
	rec := newStateRec()
	w := NewWatcher(f.ws, watcherArgs("svc"), rec)
	defer w.Close()
	w.SetSubchannel(f.sc)
	rec.expect(t, connectivity.Idle)
	f.connect(t)
	rec.expect(t, connectivity.Connecting)
	st := f.hc.nextStream(t)

	st.recv <- recvMsg{err: status.Error(codes.Unimplemented, "health service not registered")}
	rec.expect(t, connectivity.Ready)
	assert.Contains(t, f.trace.messages(), unimplementedMessage, "degradation must leave a trace event")
	// Health checking stays off for this subchannel.
	f.hc.expectNoStream(t)
}

func TestWatcher_StreamFailureRetriesWithBackoff(t *testing.T) {
	mock := clock.NewMock()
	f := newFixture(t)
	rec := newStateRec()
	w := NewWatcher(f.ws, watcherArgs("svc"), rec, WithClock(mock))
	defer w.Close()
	w.SetSubchannel(f.sc)
	rec.expect(t, connectivity.Idle)
	f.connect(t)
	rec.expect(t, connectivity.Connecting)
	st := f.hc.nextStream(t)
	st.recv <- recvMsg{status: healthpb.HealthCheckResponse_SERVING}
	rec.expect(t, connectivity.Ready)

	// The stream dies while the subchannel is still Ready: the checker
	// retries on its own backoff, independent of the subchannel's.
	st.recv <- recvMsg{err: io.EOF}
	rec.expect(t, connectivity.TransientFailure)
	assert.Contains(t, status.Convert(rec.lastErr()).Message(), "will retry after backoff")
	f.hc.expectNoStream(t)

	mock.Add(2 * time.Second) // past the initial 1s (±20%) delay
	rec.expect(t, connectivity.Connecting)
	st = f.hc.nextStream(t)
	st.recv <- recvMsg{status: healthpb.HealthCheckResponse_SERVING}
	rec.expect(t, connectivity.Ready)
}

func TestWatcher_SubchannelLossForwardsRawState(t *testing.T) {
	f := newFixture(t)
	rec := newStateRec()
	w := NewWatcher(f.ws, watcherArgs("svc"), rec)
	defer w.Close()
	w.SetSubchannel(f.sc)
	rec.expect(t, connectivity.Idle)
	f.connect(t)
	rec.expect(t, connectivity.Connecting)
	st := f.hc.nextStream(t)
	st.recv <- recvMsg{status: healthpb.HealthCheckResponse_SERVING}
	rec.expect(t, connectivity.Ready)

	lossErr := status.Error(codes.Unavailable, "connection reset")
	f.reportLoss(t, lossErr)
	rec.expect(t, connectivity.Idle)
	// The health stream is cancelled once the subchannel leaves Ready.
	waitForStreamCancel(t, st)
}

func TestWatcher_TwoServiceNamesIndependentCheckers(t *testing.T) {
	f := newFixture(t)
	rec1, rec2 := newStateRec(), newStateRec()
	w1 := NewWatcher(f.ws, watcherArgs("svc-one"), rec1)
	defer w1.Close()
	w2 := NewWatcher(f.ws, watcherArgs("svc-two"), rec2)
	defer w2.Close()
	w1.SetSubchannel(f.sc)
	w2.SetSubchannel(f.sc)
	rec1.expect(t, connectivity.Idle)
	rec2.expect(t, connectivity.Idle)

	f.connect(t)
	rec1.expect(t, connectivity.Connecting)
	rec2.expect(t, connectivity.Connecting)

	streams := map[string]*fakeHealthStream{}
	for i := 0; i < 2; i++ {
		st := f.hc.nextStream(t)
		streams[st.serviceName()] = st
	}
	require.Contains(t, streams, "svc-one")
	require.Contains(t, streams, "svc-two")

	streams["svc-one"].recv <- recvMsg{status: healthpb.HealthCheckResponse_SERVING}
	rec1.expect(t, connectivity.Ready)
	streams["svc-two"].recv <- recvMsg{status: healthpb.HealthCheckResponse_NOT_SERVING}
	rec2.expect(t, connectivity.TransientFailure)
	rec1.expectNone(t)
}

func TestWatcher_SharedProducerLifecycle(t *testing.T) {
	f := newFixture(t)
	rec1, rec2 := newStateRec(), newStateRec()
	w1 := NewWatcher(f.ws, watcherArgs("svc"), rec1)
	w2 := NewWatcher(f.ws, watcherArgs("svc"), rec2)
	w1.SetSubchannel(f.sc)
	w2.SetSubchannel(f.sc)
	rec1.expect(t, connectivity.Idle)
	rec2.expect(t, connectivity.Idle)

	f.connect(t)
	rec1.expect(t, connectivity.Connecting)
	rec2.expect(t, connectivity.Connecting)
	// One checker, one stream, despite two watchers.
	st := f.hc.nextStream(t)
	f.hc.expectNoStream(t)

	st.recv <- recvMsg{status: healthpb.HealthCheckResponse_SERVING}
	rec1.expect(t, connectivity.Ready)
	rec2.expect(t, connectivity.Ready)

	// Dropping one watcher keeps the checker; dropping the last tears the
	// producer down and cancels the stream.
	w1.Close()
	w1.Close() // idempotent
	waitForNoCancel(t, st)
	w2.Close()
	waitForStreamCancel(t, st)
}

// reportLoss delivers a transport failure through the transport watcher.
func (f *fixture) reportLoss(t *testing.T, err error) {
	t.Helper()
	f.lossMu.Lock()
	tr := f.lastTransport
	f.lossMu.Unlock()
	require.NotNil(t, tr, "no transport released yet")
	tr.ReportLoss(connectivity.TransientFailure, err)
}

func waitForStreamCancel(t *testing.T, st *fakeHealthStream) {
	t.Helper()
	select {
	case <-st.ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("health stream not cancelled")
	}
}

func waitForNoCancel(t *testing.T, st *fakeHealthStream) {
	t.Helper()
	select {
	case <-st.ctx.Done():
		t.Fatal("health stream cancelled unexpectedly")
	case <-time.After(50 * time.Millisecond):
	}
}
