package thermometer

import (
	"sync"

	"bletherm/pkg/insmart"
)

// store holds the latest decoded reading and the availability flag.
// Both effects are idempotent: a change notification goes out only when
// a value actually changed.
type store struct {
	mu         sync.Mutex
	reading    insmart.Reading
	hasReading bool
	available  bool

	onReading      func(insmart.Reading)
	onAvailability func(bool)
}

// setReading replaces the latest reading and marks the device available.
func (s *store) setReading(r insmart.Reading) {
	s.mu.Lock()
	changed := !s.hasReading || s.reading.Temperature != r.Temperature
	becameAvailable := !s.available
	s.reading = r
	s.hasReading = true
	s.available = true
	s.mu.Unlock()

	if becameAvailable && s.onAvailability != nil {
		s.onAvailability(true)
	}
	if changed && s.onReading != nil {
		s.onReading(r)
	}
}

// setAvailable marks the device available without touching the reading.
func (s *store) setAvailable() {
	s.mu.Lock()
	changed := !s.available
	s.available = true
	s.mu.Unlock()

	if changed && s.onAvailability != nil {
		s.onAvailability(true)
	}
}

// setUnavailable clears the availability flag. The last reading stays
// queryable but must be treated as stale.
func (s *store) setUnavailable() {
	s.mu.Lock()
	changed := s.available
	s.available = false
	s.mu.Unlock()

	if changed && s.onAvailability != nil {
		s.onAvailability(false)
	}
}

func (s *store) snapshot() (r insmart.Reading, hasReading, available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading, s.hasReading, s.available
}
