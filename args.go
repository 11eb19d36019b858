package clientchannel

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Channel argument names recognized by the core. Values are stored in a
// [ChannelArgs] instance; duration-valued args are stored as integer
// milliseconds, matching the wire-level channel-arg convention.
const (
	// ArgInitialReconnectBackoff sets the initial backoff delay (ms) between
	// connection attempts. Floored at 100 ms.
	ArgInitialReconnectBackoff = "grpc.initial_reconnect_backoff_ms"

	// ArgMinReconnectBackoff sets the minimum connect timeout (ms) for a
	// single attempt. Floored at 100 ms.
	ArgMinReconnectBackoff = "grpc.min_reconnect_backoff_ms"

	// ArgMaxReconnectBackoff caps the backoff delay (ms). Floored at 100 ms.
	ArgMaxReconnectBackoff = "grpc.max_reconnect_backoff_ms"

	// ArgTestingFixedReconnectBackoff forces a fixed backoff (ms) with no
	// jitter or multiplier. Testing only.
	ArgTestingFixedReconnectBackoff = "grpc.testing.fixed_reconnect_backoff_ms"

	// ArgKeepaliveTime is the keepalive interval (ms) used by transports.
	// Only ever raised per subchannel, via
	// [Subchannel.ThrottleKeepaliveTime].
	ArgKeepaliveTime = "grpc.keepalive_time_ms"

	// ArgHealthCheckServiceName enables per-service health checking with the
	// given service name. Not part of subchannel identity.
	ArgHealthCheckServiceName = "grpc.health_check_service_name"

	// ArgInhibitHealthChecking disables health checking even when
	// ArgHealthCheckServiceName is present. Not part of subchannel identity.
	ArgInhibitHealthChecking = "grpc.inhibit_health_checking"

	// ArgChannelzChannelNode carries the owning channel's channelz node.
	// Not part of subchannel identity.
	ArgChannelzChannelNode = "grpc.internal.channelz_channel_node"

	// ArgEnableChannelz toggles channelz bookkeeping.
	ArgEnableChannelz = "grpc.enable_channelz"

	// ArgMaxChannelTraceEventMemory sizes per-node trace event retention.
	ArgMaxChannelTraceEventMemory = "grpc.max_channel_trace_event_memory_per_node"

	// ArgDefaultAuthority is the authority used for calls on a connected
	// transport unless overridden per address.
	ArgDefaultAuthority = "grpc.default_authority"

	// ArgNoSubchannelPrefix marks args that never participate in subchannel
	// identity, whatever their name.
	ArgNoSubchannelPrefix = "grpc.internal.no_subchannel."
)

// ChannelArgs is an immutable string-keyed set of channel arguments.
//
// The zero value is an empty set. Mutating methods return a new value and
// never modify the receiver, so a ChannelArgs may be shared freely across
// goroutines.
type ChannelArgs struct {
	m map[string]any
}

// Set returns a copy of a with key set to value.
func (a ChannelArgs) Set(key string, value any) ChannelArgs {
	m := make(map[string]any, len(a.m)+1)
	for k, v := range a.m {
		m[k] = v
	}
	m[key] = value
	return ChannelArgs{m: m}
}

// SetIfUnset returns a copy of a with key set to value, unless key is
// already present, in which case a is returned unchanged.
func (a ChannelArgs) SetIfUnset(key string, value any) ChannelArgs {
	if _, ok := a.m[key]; ok {
		return a
	}
	return a.Set(key, value)
}

// Remove returns a copy of a without the given keys. Removing an absent key
// is a no-op.
func (a ChannelArgs) Remove(keys ...string) ChannelArgs {
	m := make(map[string]any, len(a.m))
	for k, v := range a.m {
		m[k] = v
	}
	for _, k := range keys {
		delete(m, k)
	}
	return ChannelArgs{m: m}
}

// Get returns the raw value for key.
func (a ChannelArgs) Get(key string) (any, bool) {
	v, ok := a.m[key]
	return v, ok
}

// GetString returns the string value for key, or false if absent or not a
// string.
func (a ChannelArgs) GetString(key string) (string, bool) {
	v, ok := a.m[key].(string)
	return v, ok
}

// GetInt returns the int value for key, or false if absent or not an int.
func (a ChannelArgs) GetInt(key string) (int, bool) {
	v, ok := a.m[key].(int)
	return v, ok
}

// GetBool returns the bool value for key, or false if absent or not a bool.
func (a ChannelArgs) GetBool(key string) (bool, bool) {
	v, ok := a.m[key].(bool)
	return v, ok
}

// GetDuration interprets the int value for key as milliseconds.
func (a ChannelArgs) GetDuration(key string) (time.Duration, bool) {
	v, ok := a.m[key].(int)
	if !ok {
		return 0, false
	}
	return time.Duration(v) * time.Millisecond, true
}

// Len returns the number of args present.
func (a ChannelArgs) Len() int { return len(a.m) }

// Keys returns the arg names in sorted order.
func (a ChannelArgs) Keys() []string {
	keys := make([]string, 0, len(a.m))
	for k := range a.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether a and o contain the same keys with equal values,
// compared via fmt formatting. Suitable for identity decisions, not for
// deep comparison of arbitrary reference values.
func (a ChannelArgs) Equal(o ChannelArgs) bool {
	return a.fingerprint() == o.fingerprint()
}

// String returns a stable human-readable rendering, usable as a canonical
// fingerprint of the set.
func (a ChannelArgs) String() string { return a.fingerprint() }

func (a ChannelArgs) fingerprint() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range a.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", k, a.m[k])
	}
	b.WriteByte('}')
	return b.String()
}
