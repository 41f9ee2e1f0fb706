package client

import (
	"sync"

	"github.com/duskline/overlay/pkg/identity"
)

// NATClass is the client's shared network-access-info classification
// (spec.md §4.6.2).
type NATClass int

const (
	// NAT is the initial assumption and the zero value, so a fresh NATState
	// always starts here.
	NAT NATClass = iota
	// Symmetric is a one-way destination: once reached, NATState never
	// reverts to NAT (open question #2's resolution).
	Symmetric
)

func (c NATClass) String() string {
	if c == Symmetric {
		return "symmetric"
	}
	return "nat"
}

// NATState tracks the external endpoints rendezvous sessions observe and
// classifies the local NAT as Symmetric the moment two different services
// report two different mapped endpoints. Observations are keyed by service
// only; the local socket each one came through is not tracked.
type NATState struct {
	mu       sync.Mutex
	class    NATClass
	observed map[string]identity.Endpoint // keyed by rendezvous service id
}

// NewNATState returns a classifier starting at NAT.
func NewNATState() *NATState {
	return &NATState{observed: make(map[string]identity.Endpoint)}
}

// Observe records the external endpoint a rendezvous service reported for
// us. Once Symmetric is reached, further observations are recorded (so
// routing decisions still see fresh mappings) but never flip the class back
// to NAT.
func (s *NATState) Observe(service identity.ObjectId, mapped identity.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := service.Key()
	for otherKey, other := range s.observed {
		if otherKey != key && !other.Equal(mapped) {
			s.class = Symmetric
		}
	}
	s.observed[key] = mapped
}

// Mapped returns the external endpoint service last reported for us.
func (s *NATState) Mapped(service identity.ObjectId) (identity.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.observed[service.Key()]
	return ep, ok
}

// Class returns the current classification.
func (s *NATState) Class() NATClass {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.class
}
