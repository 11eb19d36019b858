// Package clientchannel implements the client-side subchannel core of an RPC
// runtime: managed, observable, fault-tolerant transport connections that
// load-balancing policies pick between.
//
// A [Subchannel] owns at most one connection attempt at a time for a single
// backend endpoint. It drives jittered exponential [Backoff] between
// attempts, publishes a [connectivity.State] to any number of watchers, and
// once connected exposes a multiplexed call destination (a
// [grpc.ClientConnInterface]) via [ConnectedTransport]. Subchannels are
// deduplicated process-wide by [SubchannelPool] so that independent channels
// sharing an address share a connection.
//
// # Collaborators
//
// The wire transport itself is out of scope: a [Connector] turns an
// [Address] plus [ChannelArgs] into a [ClientTransport], and the subchannel
// only uses the narrow contract that type defines. Load-balancing policies
// live in the balancer subpackages and consume subchannels through
// connectivity watchers; out-of-band extensions such as health checking
// attach through the [DataProducer] slot.
//
// # Concurrency
//
// Each subchannel guards its state machine with its own mutex, and never
// holds that mutex across watcher notifications: transitions are scheduled
// on a work serializer and drained after unlock. Pickers produced by the
// balancer packages are immutable and lock-free; see the balancer package
// documentation for how policy state and pickers are scheduled.
package clientchannel
