package ringhash

import (
	"math"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/joeycumines/go-clientchannel/balancer"
)

// ringEntry maps one hash to a list member. Entries are strictly sorted by
// hash; a request hash selects the first entry at or above it, wrapping.
type ringEntry struct {
	hash uint64
	sd   *balancer.SubchannelData
}

type ring struct {
	entries []ringEntry
}

// newRing builds a ring over the members of l, sized so that the
// least-weighted address receives a whole number of entries (subject to
// maxRingSize) and every address's share of entries approximates its share
// of the total weight within 1/minRingSize.
//
// Entry hashes are XXH64 of "<address>_<index>", so ring membership is
// stable across rebuilds of the same address set.
func newRing(l *balancer.SubchannelList, minRingSize, maxRingSize uint64) *ring {
	n := l.NumSubchannels()
	weights := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		weights[i] = float64(weight(l.Subchannel(i)))
		sum += weights[i]
	}
	minNorm := 1.0
	for i := range weights {
		weights[i] /= sum
		minNorm = math.Min(minNorm, weights[i])
	}
	// Scale up the entry count so the least-weighted address gets a whole
	// number of entries, capped at maxRingSize.
	scale := math.Min(math.Ceil(minNorm*float64(minRingSize))/minNorm, float64(maxRingSize))
	ringSize := int(math.Ceil(scale))

	r := &ring{entries: make([]ringEntry, 0, ringSize)}
	var currentHashes, targetHashes float64
	for i := 0; i < n; i++ {
		sd := l.Subchannel(i)
		targetHashes += scale * weights[i]
		for count := 0; currentHashes < targetHashes; count++ {
			key := sd.Address().Addr + "_" + strconv.Itoa(count)
			r.entries = append(r.entries, ringEntry{hash: xxhash.Sum64String(key), sd: sd})
			currentHashes++
		}
	}
	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].hash < r.entries[j].hash })
	return r
}

// pick returns the index of the first entry whose hash is at or above h,
// wrapping past the end of the ring.
func (r *ring) pick(h uint64) int {
	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].hash >= h })
	if i == len(r.entries) {
		return 0
	}
	return i
}
