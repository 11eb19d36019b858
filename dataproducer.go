package clientchannel

// DataProducer is a per-subchannel extension slot keyed by type, used for
// out-of-band signals (health checking, load reports) whose lifetime tracks
// the subchannel. A subchannel owns at most one producer per type.
type DataProducer interface {
	// ProducerType identifies the slot this producer occupies.
	ProducerType() string
}

// GetOrAddDataProducer invokes getOrAdd with the producer currently
// occupying the slot for typ (nil if none) and stores the returned producer
// there. Returning nil clears the slot.
//
// getOrAdd runs under the subchannel mutex: it must not call back into the
// subchannel, and any work beyond claiming or creating the producer belongs
// after this method returns.
func (s *Subchannel) GetOrAddDataProducer(typ string, getOrAdd func(existing DataProducer) DataProducer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producers == nil {
		s.producers = make(map[string]DataProducer)
	}
	p := getOrAdd(s.producers[typ])
	if p == nil {
		delete(s.producers, typ)
		return
	}
	s.producers[typ] = p
}

// RemoveDataProducer clears p's slot. It is a no-op if the slot is already
// occupied by a different producer, which tolerates a replacement racing a
// teardown.
func (s *Subchannel) RemoveDataProducer(p DataProducer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.producers[p.ProducerType()]; ok && existing == p {
		delete(s.producers, p.ProducerType())
	}
}
