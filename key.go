package clientchannel

import "strings"

// Args that never participate in subchannel identity, beyond anything
// carrying ArgNoSubchannelPrefix.
var keyExcludedArgs = []string{
	ArgHealthCheckServiceName,
	ArgInhibitHealthChecking,
	ArgChannelzChannelNode,
}

// SubchannelKey identifies a subchannel within a [SubchannelPool]: two
// channels asking for the same address with the same uniqueness-relevant
// args share one subchannel. It is comparable and usable as a map key.
type SubchannelKey struct {
	addr string
	args string
}

// NewSubchannelKey derives the pool key for the given address and args.
// Args that do not affect connection identity (health checking, channelz
// plumbing, and anything under ArgNoSubchannelPrefix) are stripped before
// the key is formed.
func NewSubchannelKey(addr Address, args ChannelArgs) SubchannelKey {
	return SubchannelKey{
		addr: addr.Addr,
		args: filterArgsForKey(args).fingerprint(),
	}
}

// Address returns the network address portion of the key.
func (k SubchannelKey) Address() string { return k.addr }

// String renders the key for logging.
func (k SubchannelKey) String() string { return k.addr + " " + k.args }

func filterArgsForKey(args ChannelArgs) ChannelArgs {
	drop := append([]string(nil), keyExcludedArgs...)
	for _, k := range args.Keys() {
		if strings.HasPrefix(k, ArgNoSubchannelPrefix) {
			drop = append(drop, k)
		}
	}
	return args.Remove(drop...)
}
