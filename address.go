package clientchannel

import "google.golang.org/grpc/attributes"

// Address identifies a single backend endpoint as emitted by a resolver.
// It is immutable once emitted; Attributes carries optional per-address
// metadata such as a load-balancing weight or an authority override.
type Address struct {
	// Addr is the network address, in host:port form.
	Addr string

	// Attributes holds arbitrary per-address data attached by the resolver.
	// May be nil.
	Attributes *attributes.Attributes
}

// String returns the network address.
func (a Address) String() string { return a.Addr }

// Equal reports whether a and o refer to the same endpoint with the same
// attributes.
func (a Address) Equal(o Address) bool {
	return a.Addr == o.Addr && a.Attributes.Equal(o.Attributes)
}

type (
	weightAttrKey    struct{}
	authorityAttrKey struct{}
)

// SetWeight returns a copy of addr carrying the given load-balancing
// weight. A weight of zero marks the address as one to skip.
func SetWeight(addr Address, weight uint32) Address {
	addr.Attributes = addr.Attributes.WithValue(weightAttrKey{}, weight)
	return addr
}

// Weight returns the load-balancing weight attached to addr, defaulting to
// 1 when none was set.
func Weight(addr Address) uint32 {
	if v, ok := addr.Attributes.Value(weightAttrKey{}).(uint32); ok {
		return v
	}
	return 1
}

// SetAuthority returns a copy of addr carrying an authority override, used
// for balancer addresses whose TLS identity differs from the dial target.
func SetAuthority(addr Address, authority string) Address {
	addr.Attributes = addr.Attributes.WithValue(authorityAttrKey{}, authority)
	return addr
}

// AuthorityOverride returns the authority override attached to addr, if any.
func AuthorityOverride(addr Address) (string, bool) {
	v, ok := addr.Attributes.Value(authorityAttrKey{}).(string)
	return v, ok
}
