package ringhash

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clientchannel "github.com/joeycumines/go-clientchannel"
	"github.com/joeycumines/go-clientchannel/balancer"
	"github.com/joeycumines/go-clientchannel/balancer/balancertest"
)

func TestRing_EntriesStrictlySorted(t *testing.T) {
	conn := balancertest.NewConnector()
	h := balancertest.NewHelper(conn)
	var addrs []clientchannel.Address
	for i := 0; i < 7; i++ {
		addrs = append(addrs, clientchannel.Address{Addr: fmt.Sprintf("10.0.0.%d:443", i)})
	}
	l := balancer.NewSubchannelList(h, addrs, clientchannel.ChannelArgs{}, nil)
	defer l.Orphan()

	r := newRing(l, 1024, DefaultMaxRingSize)
	require.GreaterOrEqual(t, len(r.entries), 1024)
	for i := 1; i < len(r.entries); i++ {
		require.Greater(t, r.entries[i].hash, r.entries[i-1].hash, "entries must be strictly sorted")
	}
}

func TestRing_SingleAddressSizeOne(t *testing.T) {
	conn := balancertest.NewConnector()
	h := balancertest.NewHelper(conn)
	l := balancer.NewSubchannelList(h, []clientchannel.Address{{Addr: "only:1"}}, clientchannel.ChannelArgs{}, nil)
	defer l.Orphan()

	r := newRing(l, 1, 1)
	require.Len(t, r.entries, 1)
	// Any hash picks the single entry.
	for _, h := range []uint64{0, r.entries[0].hash, r.entries[0].hash + 1, math.MaxUint64} {
		assert.Equal(t, 0, r.pick(h))
	}
}

func TestRing_WeightedDistribution(t *testing.T) {
	conn := balancertest.NewConnector()
	h := balancertest.NewHelper(conn)
	addrs := []clientchannel.Address{
		clientchannel.SetWeight(clientchannel.Address{Addr: "light:1"}, 1),
		clientchannel.SetWeight(clientchannel.Address{Addr: "heavy:1"}, 9),
	}
	l := balancer.NewSubchannelList(h, addrs, clientchannel.ChannelArgs{}, nil)
	defer l.Orphan()

	r := newRing(l, 100, DefaultMaxRingSize)
	counts := map[string]int{}
	for _, e := range r.entries {
		counts[e.sd.Address().Addr]++
	}
	total := float64(len(r.entries))
	// Shares must be within 1/minRingSize of the normalized weights.
	assert.InDelta(t, 0.1, float64(counts["light:1"])/total, 0.01)
	assert.InDelta(t, 0.9, float64(counts["heavy:1"])/total, 0.01)
}

func TestRing_SizeRespectsMaxCap(t *testing.T) {
	conn := balancertest.NewConnector()
	h := balancertest.NewHelper(conn)
	addrs := []clientchannel.Address{
		clientchannel.SetWeight(clientchannel.Address{Addr: "a:1"}, 1),
		clientchannel.SetWeight(clientchannel.Address{Addr: "b:1"}, 1000),
	}
	l := balancer.NewSubchannelList(h, addrs, clientchannel.ChannelArgs{}, nil)
	defer l.Orphan()

	r := newRing(l, 5000, 6000)
	assert.LessOrEqual(t, len(r.entries), 6000)
}

// S5: adding one address to a two-address ring moves a bounded fraction of
// the key space.
func TestRing_ConsistentHashingOnMembershipChange(t *testing.T) {
	conn := balancertest.NewConnector()
	h := balancertest.NewHelper(conn)
	two := []clientchannel.Address{{Addr: "a:1"}, {Addr: "b:1"}}
	three := []clientchannel.Address{{Addr: "a:1"}, {Addr: "b:1"}, {Addr: "c:1"}}

	l2 := balancer.NewSubchannelList(h, two, clientchannel.ChannelArgs{}, nil)
	defer l2.Orphan()
	l3 := balancer.NewSubchannelList(h, three, clientchannel.ChannelArgs{}, nil)
	defer l3.Orphan()

	r2 := newRing(l2, 100, 100)
	r3 := newRing(l3, 100, 100)

	const samples = 2000
	moved := 0
	for i := 0; i < samples; i++ {
		key := HashKey(fmt.Sprintf("request-%d", i))
		before := r2.entries[r2.pick(key)].sd.Address().Addr
		after := r3.entries[r3.pick(key)].sd.Address().Addr
		if before != after && after != "c:1" {
			// Keys moving to the new member are expected; keys moving
			// between existing members are the consistency violation.
			moved++
		}
	}
	assert.LessOrEqual(t, float64(moved)/samples, 1.0/3.0,
		"adding one member must not reshuffle existing assignments")
}

func TestRing_PickWrapsAround(t *testing.T) {
	conn := balancertest.NewConnector()
	h := balancertest.NewHelper(conn)
	l := balancer.NewSubchannelList(h, []clientchannel.Address{{Addr: "a:1"}, {Addr: "b:1"}}, clientchannel.ChannelArgs{}, nil)
	defer l.Orphan()

	r := newRing(l, 10, 20)
	last := r.entries[len(r.entries)-1].hash
	if last == math.MaxUint64 {
		t.Skip("pathological hash value")
	}
	assert.Equal(t, 0, r.pick(last+1), "hashes above the top entry wrap to the first")
	assert.Equal(t, len(r.entries)-1, r.pick(last))
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := parseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultMinRingSize), cfg.MinRingSize)
	assert.Equal(t, uint64(DefaultMaxRingSize), cfg.MaxRingSize)

	cfg, err = parseConfig([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultMinRingSize), cfg.MinRingSize)
}

func TestParseConfig_Explicit(t *testing.T) {
	cfg, err := parseConfig([]byte(`{"minRingSize": 10, "maxRingSize": 100}`))
	require.NoError(t, err)
	assert.Equal(t, Config{MinRingSize: 10, MaxRingSize: 100}, cfg)
	assert.Equal(t, Name, cfg.PolicyName())
}

func TestParseConfig_Invalid(t *testing.T) {
	for _, raw := range []string{
		`{"minRingSize": 100, "maxRingSize": 10}`,
		`{"minRingSize": 8388609}`,
		`{"maxRingSize": 8388609}`,
		`not json`,
	} {
		if _, err := parseConfig([]byte(raw)); err == nil {
			t.Errorf("parseConfig(%s) succeeded, want error", raw)
		}
	}
}
