// Package health implements client-side streaming health checking bound to
// a subchannel.
//
// A [Watcher] wraps a connectivity watcher: states other than Ready pass
// through unchanged, while Ready is withheld (reported as Connecting) until
// the backend's health service confirms SERVING for the configured service
// name. All watchers for one subchannel share a single producer occupying
// the subchannel's data-producer slot; each distinct service name gets its
// own checker running a grpc.health.v1.Health/Watch stream over the
// subchannel's connected transport.
package health

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/grpclog"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	clientchannel "github.com/joeycumines/go-clientchannel"
	"github.com/joeycumines/go-clientchannel/internal/serializer"
)

var logger = grpclog.Component("health_check_client")

const producerType = "health_check"

const unimplementedMessage = "health checking Watch method returned UNIMPLEMENTED; " +
	"disabling health checks but assuming server is healthy"

// Watcher filters a connectivity watcher through per-service health state.
// Create one with [NewWatcher], attach it with [Watcher.SetSubchannel], and
// release it with [Watcher.Close].
type Watcher struct {
	ws       *serializer.WorkSerializer
	clk      clock.Clock
	delegate clientchannel.StateWatcher

	serviceName    string
	hasServiceName bool

	producer *producer
}

// WatcherOption configures a [Watcher].
type WatcherOption interface {
	applyWatcherOption(*Watcher)
}

type watcherOptionImpl struct {
	fn func(*Watcher)
}

func (o *watcherOptionImpl) applyWatcherOption(w *Watcher) { o.fn(w) }

// WithClock substitutes the clock used for health-check retry backoff.
// Intended for tests. Effective only for the watcher that ends up creating
// the shared producer.
func WithClock(clk clock.Clock) WatcherOption {
	return &watcherOptionImpl{fn: func(w *Watcher) { w.clk = clk }}
}

// NewWatcher wraps delegate in health filtering configured by args: the
// service name comes from ArgHealthCheckServiceName, and
// ArgInhibitHealthChecking suppresses it entirely. Without a service name
// the watcher passes raw subchannel state through unchanged.
//
// Filtered notifications are delivered on ws, which should be the work
// serializer of the owning LB policy.
func NewWatcher(ws *serializer.WorkSerializer, args clientchannel.ChannelArgs, delegate clientchannel.StateWatcher, opts ...WatcherOption) *Watcher {
	w := &Watcher{ws: ws, clk: clock.New(), delegate: delegate}
	if inhibit, _ := args.GetBool(clientchannel.ArgInhibitHealthChecking); !inhibit {
		w.serviceName, w.hasServiceName = args.GetString(clientchannel.ArgHealthCheckServiceName)
	}
	for _, o := range opts {
		if o != nil {
			o.applyWatcherOption(w)
		}
	}
	return w
}

// ServiceName returns the configured health-check service name.
func (w *Watcher) ServiceName() (string, bool) { return w.serviceName, w.hasServiceName }

// SetSubchannel binds the watcher to sc, creating or joining the
// subchannel's shared health producer.
func (w *Watcher) SetSubchannel(sc *clientchannel.Subchannel) {
	var created bool
	sc.GetOrAddDataProducer(producerType, func(existing clientchannel.DataProducer) clientchannel.DataProducer {
		if p, ok := existing.(*producer); ok && p.refIfNonZero() {
			w.producer = p
			return p
		}
		p := &producer{clk: w.clk}
		p.refs.Store(1)
		w.producer = p
		created = true
		return p
	})
	// Starting the producer re-enters the subchannel, so it happens
	// outside the data-producer callback.
	if created {
		w.producer.start(sc)
	}
	w.producer.addWatcher(w)
}

// Close detaches the watcher from its producer. In-flight notifications
// may still be delivered afterwards.
func (w *Watcher) Close() {
	p := w.producer
	if p == nil {
		return
	}
	w.producer = nil
	p.removeWatcher(w)
	p.unref()
}

// deliver hands one filtered state to the delegate on the watcher's work
// serializer. Must not be called with any producer lock held.
func (w *Watcher) deliver(state connectivity.State, err error) {
	w.ws.Run(func() { w.delegate.OnConnectivityStateChange(state, err) })
}

// notification is a pending delivery, collected under the producer mutex
// and delivered after unlock.
type notification struct {
	w     *Watcher
	state connectivity.State
	err   error
}

func deliverAll(pending []notification) {
	for _, n := range pending {
		n.w.deliver(n.state, n.err)
	}
}

// producer is the per-subchannel fan-in point for health watchers. It
// occupies the subchannel's data-producer slot and is reference counted by
// the watchers attached to it.
type producer struct {
	clk  clock.Clock
	refs atomic.Int64

	sc          *clientchannel.Subchannel
	connWatcher *producerConnWatcher

	mu        sync.Mutex
	state     connectivity.State
	err       error
	connected *clientchannel.ConnectedTransport
	checkers  map[string]*checker
	plain     map[*Watcher]struct{}
}

var _ clientchannel.DataProducer = (*producer)(nil)

func (p *producer) ProducerType() string { return producerType }

func (p *producer) refIfNonZero() bool {
	for {
		n := p.refs.Load()
		if n <= 0 {
			return false
		}
		if p.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *producer) unref() {
	if p.refs.Add(-1) == 0 {
		p.orphan()
	}
}

func (p *producer) start(sc *clientchannel.Subchannel) {
	if logger.V(2) {
		logger.Infof("health producer starting on subchannel %s", sc.Key())
	}
	p.sc = sc.Ref()
	p.connWatcher = &producerConnWatcher{p: p}
	p.sc.WatchConnectivityState(p.connWatcher)
}

func (p *producer) orphan() {
	if logger.V(2) {
		logger.Infof("health producer on subchannel %s shutting down", p.sc.Key())
	}
	p.mu.Lock()
	for _, c := range p.checkers {
		c.stopStreamLocked()
	}
	p.checkers = nil
	p.plain = nil
	p.mu.Unlock()
	p.sc.CancelConnectivityStateWatch(p.connWatcher)
	p.sc.RemoveDataProducer(p)
	p.sc.Unref()
}

func (p *producer) addWatcher(w *Watcher) {
	var pending []notification
	p.mu.Lock()
	if !w.hasServiceName {
		if p.plain == nil {
			p.plain = make(map[*Watcher]struct{})
		}
		p.plain[w] = struct{}{}
		pending = append(pending, notification{w: w, state: p.state, err: p.err})
	} else {
		if p.checkers == nil {
			p.checkers = make(map[string]*checker)
		}
		c := p.checkers[w.serviceName]
		if c == nil {
			c = newCheckerLocked(p, w.serviceName)
			p.checkers[w.serviceName] = c
		}
		c.watchers[w] = struct{}{}
		pending = append(pending, notification{w: w, state: c.state, err: c.err})
	}
	p.mu.Unlock()
	deliverAll(pending)
}

func (p *producer) removeWatcher(w *Watcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !w.hasServiceName {
		delete(p.plain, w)
		return
	}
	c := p.checkers[w.serviceName]
	if c == nil {
		return
	}
	delete(c.watchers, w)
	// A checker exists only while at least one watcher wants its service
	// name.
	if len(c.watchers) == 0 {
		c.stopStreamLocked()
		delete(p.checkers, w.serviceName)
	}
}

func (p *producer) onConnectivityStateChange(state connectivity.State, err error) {
	var pending []notification
	p.mu.Lock()
	p.state, p.err = state, err
	if state == connectivity.Ready {
		p.connected = p.sc.ConnectedTransport()
	} else {
		p.connected = nil
	}
	for _, c := range p.checkers {
		pending = append(pending, c.onConnectivityStateChangeLocked(state, err)...)
	}
	for w := range p.plain {
		pending = append(pending, notification{w: w, state: state, err: err})
	}
	p.mu.Unlock()
	deliverAll(pending)
}

// producerConnWatcher is the producer's own subchannel watcher.
type producerConnWatcher struct {
	p *producer
}

func (w *producerConnWatcher) OnConnectivityStateChange(state connectivity.State, err error) {
	w.p.onConnectivityStateChange(state, err)
}

// checker runs the health watch stream for one service name whenever the
// subchannel is Ready, and derives the state its watchers observe.
type checker struct {
	p       *producer
	service string

	state    connectivity.State
	err      error
	watchers map[*Watcher]struct{}

	// generation invalidates callbacks from streams and timers that have
	// been superseded.
	generation int
	cancel     context.CancelFunc
	backoff    *clientchannel.Backoff
	retryTimer *clock.Timer
	// disabled is set when the backend answers UNIMPLEMENTED: health
	// checking stops for this subchannel and Ready passes through.
	disabled bool
}

func newCheckerLocked(p *producer, service string) *checker {
	c := &checker{
		p:        p,
		service:  service,
		state:    p.state,
		err:      p.err,
		watchers: make(map[*Watcher]struct{}),
		backoff:  clientchannel.NewBackoff(clientchannel.DefaultBackoffConfig, p.clk),
	}
	if p.state == connectivity.Ready {
		// Withhold Ready until the first SERVING response.
		c.state = connectivity.Connecting
		c.err = nil
		c.startStreamLocked()
	}
	return c
}

func (c *checker) notifyAllLocked() []notification {
	pending := make([]notification, 0, len(c.watchers))
	for w := range c.watchers {
		pending = append(pending, notification{w: w, state: c.state, err: c.err})
	}
	return pending
}

func (c *checker) onConnectivityStateChangeLocked(state connectivity.State, err error) []notification {
	if state == connectivity.Ready {
		if c.disabled {
			c.state = connectivity.Ready
			c.err = nil
			return c.notifyAllLocked()
		}
		// The raw Connecting that preceded Ready has already been
		// forwarded; watchers keep seeing Connecting until the stream
		// reports SERVING.
		c.state = connectivity.Connecting
		c.err = nil
		c.startStreamLocked()
		return nil
	}
	c.state = state
	c.err = err
	c.stopStreamLocked()
	return c.notifyAllLocked()
}

func (c *checker) startStreamLocked() {
	ct := c.p.connected
	if ct == nil {
		return
	}
	c.generation++
	gen := c.generation
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if logger.V(2) {
		logger.Infof("starting health watch stream for %q", c.service)
	}
	go c.runStream(ctx, ct, gen)
}

// stopStreamLocked cancels the running stream and any pending retry, and
// rewinds the retry backoff for the next Ready period.
func (c *checker) stopStreamLocked() {
	c.generation++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.backoff.Reset()
}

func (c *checker) runStream(ctx context.Context, ct *clientchannel.ConnectedTransport, gen int) {
	client := healthpb.NewHealthClient(ct.CallConn())
	stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{Service: c.service})
	if err != nil {
		c.onStreamEnded(gen, err)
		return
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			c.onStreamEnded(gen, err)
			return
		}
		c.onHealthResponse(gen, resp.GetStatus())
	}
}

func (c *checker) onHealthResponse(gen int, healthStatus healthpb.HealthCheckResponse_ServingStatus) {
	var pending []notification
	c.p.mu.Lock()
	if gen != c.generation {
		c.p.mu.Unlock()
		return
	}
	if healthStatus == healthpb.HealthCheckResponse_SERVING {
		c.backoff.Reset()
		c.state = connectivity.Ready
		c.err = nil
	} else {
		c.state = connectivity.TransientFailure
		c.err = status.Errorf(codes.Unavailable, "health check service %q reports %v", c.service, healthStatus)
	}
	pending = c.notifyAllLocked()
	c.p.mu.Unlock()
	deliverAll(pending)
}

func (c *checker) onStreamEnded(gen int, err error) {
	var pending []notification
	c.p.mu.Lock()
	if gen != c.generation {
		c.p.mu.Unlock()
		return
	}
	c.cancel = nil
	switch {
	case status.Code(err) == codes.Unimplemented:
		logger.Error(unimplementedMessage)
		c.p.sc.AddTraceEvent(clientchannel.TraceError, unimplementedMessage)
		c.disabled = true
		c.state = connectivity.Ready
		c.err = nil
		pending = c.notifyAllLocked()
	case c.p.state == connectivity.Ready:
		// The subchannel is still healthy at the transport level; retry
		// the health stream on the checker's own schedule.
		c.state = connectivity.TransientFailure
		c.err = status.Errorf(codes.Unavailable, "health check call failed; will retry after backoff: %v", err)
		pending = c.notifyAllLocked()
		delay := c.backoff.NextAttemptTime().Sub(c.p.clk.Now())
		c.retryTimer = c.p.clk.AfterFunc(delay, func() { c.onRetryTimer(gen) })
	default:
		// The subchannel left Ready; the connectivity path owns the
		// watcher state now.
	}
	c.p.mu.Unlock()
	deliverAll(pending)
}

func (c *checker) onRetryTimer(gen int) {
	var pending []notification
	c.p.mu.Lock()
	if gen == c.generation && c.p.state == connectivity.Ready {
		c.retryTimer = nil
		c.state = connectivity.Connecting
		c.err = nil
		pending = c.notifyAllLocked()
		c.startStreamLocked()
	}
	c.p.mu.Unlock()
	deliverAll(pending)
}
