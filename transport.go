package clientchannel

import (
	"context"
	"errors"

	"google.golang.org/grpc"
)

// ClientTransport is the narrow contract the subchannel requires from a
// connected wire transport. Frames, flow control, and stream multiplexing
// are the transport's business; the subchannel only starts calls, watches
// for loss, and closes.
type ClientTransport interface {
	// CallConn returns the multiplexed call destination for this transport.
	// It must remain valid until Close.
	CallConn() grpc.ClientConnInterface

	// StartConnectivityWatch registers w against a Ready baseline: the
	// transport reports TransientFailure on failure (e.g. GOAWAY) and
	// Shutdown on connection close. Notifications must be delivered
	// asynchronously, never from inside this call.
	StartConnectivityWatch(w StateWatcher)

	// Ping verifies liveness of the connection.
	Ping(ctx context.Context) error

	// Close tears the connection down. err records the cause.
	Close(err error)
}

// ConnectResult is the successful output of a [Connector].
type ConnectResult struct {
	// Transport is the connected transport. Required.
	Transport ClientTransport
}

// Connector establishes connections on behalf of a subchannel.
//
// The context carries the attempt deadline, computed by the subchannel as
// max(next-attempt-time, now+min-connect-timeout), and is cancelled when
// the subchannel shuts down. A returned error is the status the subchannel
// surfaces to watchers in TransientFailure.
type Connector interface {
	Connect(ctx context.Context, addr Address, args ChannelArgs) (ConnectResult, error)
}

// ConnectedTransport wraps a published transport together with the
// call-destination configuration derived from channel args. It exists only
// while its subchannel is Ready.
type ConnectedTransport struct {
	transport ClientTransport
	conn      grpc.ClientConnInterface
	authority string
}

// newConnectedTransport builds the call destination for a freshly connected
// transport. Any failure here is treated by the caller as a failed connect
// attempt.
func newConnectedTransport(t ClientTransport, addr Address, args ChannelArgs) (*ConnectedTransport, error) {
	conn := t.CallConn()
	if conn == nil {
		return nil, errors.New("clientchannel: transport returned a nil call destination")
	}
	authority, ok := AuthorityOverride(addr)
	if !ok {
		authority, _ = args.GetString(ArgDefaultAuthority)
	}
	return &ConnectedTransport{transport: t, conn: conn, authority: authority}, nil
}

// CallConn returns the multiplexed call destination. Calls started on it
// are owned by the caller; the destination fails them if the transport is
// lost mid-call.
func (ct *ConnectedTransport) CallConn() grpc.ClientConnInterface { return ct.conn }

// Authority returns the authority calls on this transport should use.
func (ct *ConnectedTransport) Authority() string { return ct.authority }

// Ping forwards to the underlying transport.
func (ct *ConnectedTransport) Ping(ctx context.Context) error { return ct.transport.Ping(ctx) }

func (ct *ConnectedTransport) startWatch(w StateWatcher) { ct.transport.StartConnectivityWatch(w) }

func (ct *ConnectedTransport) close(err error) { ct.transport.Close(err) }
