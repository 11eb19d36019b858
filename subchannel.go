package clientchannel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-clientchannel/internal/serializer"
)

// TraceSeverity classifies trace events emitted through a [TraceEventSink].
type TraceSeverity int

const (
	TraceInfo TraceSeverity = iota
	TraceWarning
	TraceError
)

// TraceEventSink receives human-readable lifecycle events for observability
// surfaces. Implementations must be safe for concurrent use.
type TraceEventSink interface {
	AddTraceEvent(severity TraceSeverity, message string)
}

// Subchannel manages the connection lifecycle for a single backend
// endpoint: Idle until a connection is requested, Connecting while an
// attempt is in flight, Ready while a transport is published, and
// TransientFailure between failed attempts while the retry timer runs.
// Shutdown is terminal.
//
// Subchannels are created through [NewSubchannel], which deduplicates them
// via a [SubchannelPool]: any number of channels may hold references to the
// same instance. Each holder releases with [Subchannel.Unref]; the drop of
// the last reference orphans the subchannel.
type Subchannel struct {
	key       SubchannelKey
	addr      Address
	connector Connector
	clock     clock.Clock
	ws        *serializer.WorkSerializer
	trace     TraceEventSink

	refs atomic.Int64
	pool *SubchannelPool

	mu                sync.Mutex
	state             connectivity.State
	stErr             error
	args              ChannelArgs
	keepalive         time.Duration
	backoff           *Backoff
	nextAttemptTime   time.Time
	minConnectTimeout time.Duration
	retryTimer        *clock.Timer
	connectCancel     context.CancelFunc
	connected         *ConnectedTransport
	watchers          map[StateWatcher]struct{}
	producers         map[string]DataProducer
	shutdown          bool
}

// SubchannelOption configures a [Subchannel] at construction.
type SubchannelOption interface {
	applySubchannelOption(*subchannelConfig)
}

type subchannelConfig struct {
	clock clock.Clock
	ws    *serializer.WorkSerializer
	pool  *SubchannelPool
	trace TraceEventSink
}

type subchannelOptionImpl struct {
	fn func(*subchannelConfig)
}

func (o *subchannelOptionImpl) applySubchannelOption(cfg *subchannelConfig) { o.fn(cfg) }

// WithClock substitutes the clock used for backoff and retry timers.
// Intended for tests.
func WithClock(clk clock.Clock) SubchannelOption {
	return &subchannelOptionImpl{fn: func(cfg *subchannelConfig) { cfg.clock = clk }}
}

// WithWorkSerializer shares an existing work serializer, typically the one
// belonging to the LB policy that owns the subchannel, so that watcher
// notifications and policy state transitions are totally ordered.
func WithWorkSerializer(ws *serializer.WorkSerializer) SubchannelOption {
	return &subchannelOptionImpl{fn: func(cfg *subchannelConfig) { cfg.ws = ws }}
}

// WithPool registers the subchannel in the given pool instead of the
// process-wide one.
func WithPool(pool *SubchannelPool) SubchannelOption {
	return &subchannelOptionImpl{fn: func(cfg *subchannelConfig) { cfg.pool = pool }}
}

// WithTraceEventSink attaches an observability sink for lifecycle events.
func WithTraceEventSink(sink TraceEventSink) SubchannelOption {
	return &subchannelOptionImpl{fn: func(cfg *subchannelConfig) { cfg.trace = sink }}
}

// NewSubchannel returns the canonical subchannel for (addr, args),
// registering a new one in the pool if none exists. The caller receives one
// strong reference and must release it with [Subchannel.Unref].
//
// If another goroutine registers the same key concurrently, the loser's
// freshly created instance is discarded and the winner's is returned.
func NewSubchannel(connector Connector, addr Address, args ChannelArgs, opts ...SubchannelOption) *Subchannel {
	cfg := subchannelConfig{}
	for _, o := range opts {
		if o != nil {
			o.applySubchannelOption(&cfg)
		}
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	if cfg.ws == nil {
		cfg.ws = &serializer.WorkSerializer{}
	}
	if cfg.pool == nil {
		cfg.pool = GlobalPool()
	}
	backoffCfg, minConnectTimeout := backoffConfigFromArgs(args)
	keepalive, _ := args.GetDuration(ArgKeepaliveTime)
	s := &Subchannel{
		key:               NewSubchannelKey(addr, args),
		addr:              addr,
		connector:         connector,
		clock:             cfg.clock,
		ws:                cfg.ws,
		trace:             cfg.trace,
		state:             connectivity.Idle,
		args:              args,
		keepalive:         keepalive,
		backoff:           NewBackoff(backoffCfg, cfg.clock),
		minConnectTimeout: minConnectTimeout,
	}
	s.refs.Store(1)
	return cfg.pool.RegisterSubchannel(s.key, s)
}

// Key returns the pool key identifying this subchannel.
func (s *Subchannel) Key() SubchannelKey { return s.key }

// Address returns the endpoint this subchannel connects to.
func (s *Subchannel) Address() Address { return s.addr }

// Ref acquires an additional strong reference.
func (s *Subchannel) Ref() *Subchannel {
	s.refs.Add(1)
	return s
}

// refIfNonZero acquires a reference only if the subchannel has not already
// dropped to zero, resolving the pool's find/orphan race.
func (s *Subchannel) refIfNonZero() *Subchannel {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return nil
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return s
		}
	}
}

// Unref releases a strong reference; dropping the last one orphans the
// subchannel: it unregisters from the pool, cancels any timer or in-flight
// connect, drops the transport, and delivers Shutdown to watchers exactly
// once.
func (s *Subchannel) Unref() {
	if s.refs.Add(-1) == 0 {
		s.orphan()
	}
}

// State returns the current connectivity state.
func (s *Subchannel) State() connectivity.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectedTransport returns the published transport, or nil unless the
// subchannel is Ready.
func (s *Subchannel) ConnectedTransport() *ConnectedTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// AddTraceEvent forwards to the configured trace sink, if any.
func (s *Subchannel) AddTraceEvent(severity TraceSeverity, message string) {
	if s.trace != nil {
		s.trace.AddTraceEvent(severity, message)
	}
}

// WatchConnectivityState registers w, schedules an immediate delivery of
// the current state and status, and enqueues every future transition.
// Notifications are delivered on the subchannel's work serializer.
func (s *Subchannel) WatchConnectivityState(w StateWatcher) {
	s.mu.Lock()
	if s.watchers == nil {
		s.watchers = make(map[StateWatcher]struct{})
	}
	s.watchers[w] = struct{}{}
	state, err := s.state, s.stErr
	s.ws.Schedule(func() { w.OnConnectivityStateChange(state, err) })
	s.mu.Unlock()
	s.ws.DrainQueue()
}

// CancelConnectivityStateWatch unregisters w. Notifications already
// scheduled are still delivered; watchers must tolerate this.
func (s *Subchannel) CancelConnectivityStateWatch(w StateWatcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
	s.ws.DrainQueue()
}

// RequestConnection starts a connection attempt if the subchannel is Idle;
// in any other state it is a no-op.
func (s *Subchannel) RequestConnection() {
	s.mu.Lock()
	if s.state == connectivity.Idle {
		s.startConnectingLocked()
	}
	s.mu.Unlock()
	s.ws.DrainQueue()
}

// ResetBackoff rewinds the backoff schedule. If the subchannel is in
// TransientFailure and the retry timer has not yet fired, the timer is
// cancelled and the subchannel transitions to Idle synchronously; if the
// timer fires first, the normal Idle transition stands. While Connecting,
// the in-flight attempt's next-attempt time is pulled up to now.
func (s *Subchannel) ResetBackoff() {
	s.mu.Lock()
	s.backoff.Reset()
	switch {
	case s.state == connectivity.TransientFailure && s.retryTimer != nil && s.retryTimer.Stop():
		s.retryTimer = nil
		s.onRetryTimerLocked()
	case s.state == connectivity.Connecting:
		s.nextAttemptTime = s.clock.Now()
	}
	s.mu.Unlock()
	s.ws.DrainQueue()
}

// ThrottleKeepaliveTime raises the lower bound on the keepalive interval
// used by subsequent connection attempts. Values not exceeding the current
// bound are ignored.
func (s *Subchannel) ThrottleKeepaliveTime(keepalive time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keepalive > s.keepalive {
		if logger.V(2) {
			logger.Infof("subchannel %s: throttling keepalive time to %v", s.key, keepalive)
		}
		s.keepalive = keepalive
		s.args = s.args.Set(ArgKeepaliveTime, int(keepalive/time.Millisecond))
	}
}

func (s *Subchannel) orphan() {
	if s.pool != nil {
		s.pool.UnregisterSubchannel(s.key, s)
	}
	var ct *ConnectedTransport
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.connectCancel != nil {
		s.connectCancel()
		s.connectCancel = nil
	}
	ct, s.connected = s.connected, nil
	s.setConnectivityStateLocked(connectivity.Shutdown, nil)
	// No further notifications after Shutdown.
	s.watchers = nil
	s.mu.Unlock()
	if ct != nil {
		ct.close(errors.New("clientchannel: subchannel shut down"))
	}
	s.ws.DrainQueue()
}

// setConnectivityStateLocked records the transition and schedules watcher
// notifications. Callers must pass a state different from the current one,
// hold s.mu, and drain the serializer after unlocking.
func (s *Subchannel) setConnectivityStateLocked(state connectivity.State, err error) {
	s.state = state
	if err == nil {
		s.stErr = nil
	} else {
		// Prefix the peer address so a status that bubbles up through a
		// picker identifies the failing backend.
		s.stErr = augmentStatus(s.addr, err)
	}
	if logger.V(2) {
		logger.Infof("subchannel %s: state -> %v (%v)", s.key, state, s.stErr)
	}
	for w := range s.watchers {
		w, state, stErr := w, s.state, s.stErr
		s.ws.Schedule(func() { w.OnConnectivityStateChange(state, stErr) })
	}
}

func augmentStatus(addr Address, err error) error {
	st, _ := status.FromError(err)
	return status.Error(st.Code(), addr.Addr+": "+st.Message())
}

func (s *Subchannel) startConnectingLocked() {
	minDeadline := s.clock.Now().Add(s.minConnectTimeout)
	s.nextAttemptTime = s.backoff.NextAttemptTime()
	s.setConnectivityStateLocked(connectivity.Connecting, nil)
	deadline := s.nextAttemptTime
	if minDeadline.After(deadline) {
		deadline = minDeadline
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	s.connectCancel = cancel
	go s.connect(ctx, cancel, s.args)
}

func (s *Subchannel) connect(ctx context.Context, cancel context.CancelFunc, args ChannelArgs) {
	defer cancel()
	res, err := s.connector.Connect(ctx, s.addr, args)
	s.onConnectingFinished(res, err)
}

func (s *Subchannel) onConnectingFinished(res ConnectResult, err error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		if res.Transport != nil {
			res.Transport.Close(errors.New("clientchannel: subchannel shut down"))
		}
		return
	}
	s.connectCancel = nil
	if err == nil {
		err = s.publishTransportLocked(res)
	} else if res.Transport != nil {
		res.Transport.Close(err)
	}
	if err != nil {
		// If the attempt took longer than the backoff delay the timer
		// fires immediately and we transition straight back to Idle.
		delay := s.nextAttemptTime.Sub(s.clock.Now())
		if delay < 0 {
			delay = 0
		}
		if logger.V(2) {
			logger.Infof("subchannel %s: connect failed (%v), backing off for %v", s.key, err, delay)
		}
		s.setConnectivityStateLocked(connectivity.TransientFailure, err)
		s.retryTimer = s.clock.AfterFunc(delay, s.onRetryTimer)
	}
	s.mu.Unlock()
	s.ws.DrainQueue()
}

// publishTransportLocked installs the connection's call destination and
// reports Ready. A nil transport or a call-destination construction failure
// is returned as an error so the caller treats it as a failed attempt.
func (s *Subchannel) publishTransportLocked(res ConnectResult) error {
	if res.Transport == nil {
		return errors.New("clientchannel: connector returned no transport")
	}
	ct, err := newConnectedTransport(res.Transport, s.addr, s.args)
	if err != nil {
		res.Transport.Close(err)
		return err
	}
	s.connected = ct
	s.backoff.Reset()
	// Watch the transport from the Ready baseline. Delivery is
	// asynchronous per the ClientTransport contract, so registering under
	// the mutex is safe.
	ct.startWatch(&connectedTransportWatcher{s: s, ct: ct})
	s.setConnectivityStateLocked(connectivity.Ready, nil)
	return nil
}

func (s *Subchannel) onRetryTimer() {
	s.mu.Lock()
	s.onRetryTimerLocked()
	s.mu.Unlock()
	s.ws.DrainQueue()
}

func (s *Subchannel) onRetryTimerLocked() {
	if s.shutdown {
		return
	}
	if logger.V(2) {
		logger.Infof("subchannel %s: backoff delay elapsed, reporting IDLE", s.key)
	}
	s.retryTimer = nil
	s.setConnectivityStateLocked(connectivity.Idle, nil)
}

// connectedTransportWatcher reacts to the published transport reporting
// failure or shutdown. A graceful close may deliver TransientFailure
// followed by Shutdown; only the first notification for a given transport
// is acted on.
type connectedTransportWatcher struct {
	s  *Subchannel
	ct *ConnectedTransport
}

func (w *connectedTransportWatcher) OnConnectivityStateChange(state connectivity.State, err error) {
	if state != connectivity.TransientFailure && state != connectivity.Shutdown {
		return
	}
	s := w.s
	s.mu.Lock()
	if s.connected != w.ct {
		// Already handled (or a different transport has been published).
		s.mu.Unlock()
		return
	}
	ct := s.connected
	s.connected = nil
	// Report Idle rather than TransientFailure: loss of an established
	// connection must not poison backoff. The transport's status is still
	// propagated, since it may carry keepalive signalling the channel
	// needs.
	s.setConnectivityStateLocked(connectivity.Idle, err)
	s.backoff.Reset()
	s.mu.Unlock()
	ct.close(err)
	s.ws.DrainQueue()
}
