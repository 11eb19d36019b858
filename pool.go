package clientchannel

import "sync"

// SubchannelPool deduplicates subchannels by [SubchannelKey] so that
// independent channels sharing an address share a connection.
//
// Slots hold subchannels without owning a reference: a subchannel removes
// itself on orphan, and lookups resolve the find/orphan race by acquiring a
// reference only if one can still be taken.
type SubchannelPool struct {
	mu sync.Mutex
	m  map[SubchannelKey]*Subchannel
}

// NewSubchannelPool returns an empty pool, independent of the process-wide
// one. Intended for tests and embedded runtimes.
func NewSubchannelPool() *SubchannelPool {
	return &SubchannelPool{m: make(map[SubchannelKey]*Subchannel)}
}

// FindSubchannel returns the registered subchannel for key with a new
// strong reference, or nil if the slot is empty or the occupant is already
// orphaning.
func (p *SubchannelPool) FindSubchannel(key SubchannelKey) *Subchannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sc := p.m[key]; sc != nil {
		return sc.refIfNonZero()
	}
	return nil
}

// RegisterSubchannel installs sc in the slot for key and returns the
// canonical occupant. If the slot is already held by a live subchannel the
// registration loses: the existing instance is returned with a new strong
// reference and sc should be discarded by the caller. A dying occupant is
// displaced.
func (p *SubchannelPool) RegisterSubchannel(key SubchannelKey, sc *Subchannel) *Subchannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing := p.m[key]; existing != nil && existing != sc {
		if ref := existing.refIfNonZero(); ref != nil {
			return ref
		}
	}
	if p.m == nil {
		p.m = make(map[SubchannelKey]*Subchannel)
	}
	p.m[key] = sc
	sc.pool = p
	return sc
}

// UnregisterSubchannel clears the slot for key if it still holds sc. It is
// a no-op otherwise, tolerating a new registration racing the teardown of
// the subchannel it displaced.
func (p *SubchannelPool) UnregisterSubchannel(key SubchannelKey, sc *Subchannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m[key] == sc {
		delete(p.m, key)
	}
}

// len reports the number of occupied slots.
func (p *SubchannelPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

var global struct {
	mu   sync.Mutex
	pool *SubchannelPool
}

// GlobalPool returns the process-wide pool, creating it on first use.
func GlobalPool() *SubchannelPool {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.pool == nil {
		global.pool = NewSubchannelPool()
	}
	return global.pool
}

// InitGlobalPool (re)creates the process-wide pool. Tests use it together
// with ShutdownGlobalPool for a clean slate per test.
func InitGlobalPool() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.pool = NewSubchannelPool()
}

// ShutdownGlobalPool discards the process-wide pool. Subchannels still
// registered keep working but are no longer shared with later channels.
func ShutdownGlobalPool() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.pool = nil
}
