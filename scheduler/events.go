package scheduler

import (
	"sync"
	"time"
)

// Event is published to subscribers after every renewal cycle. It is either
// an EventInstalled or an EventFailed.
type Event interface {
	EventDomain() string
}

// EventInstalled reports a newly installed certificate.
type EventInstalled struct {
	Domain   string
	Cycle    string
	NotAfter time.Time
}

func (e EventInstalled) EventDomain() string { return e.Domain }

// EventFailed reports a failed cycle. Alert is set when the failure is fatal
// or the domain ran out of retries; the domain then waits for its next
// natural renewal time.
type EventFailed struct {
	Domain      string
	Cycle       string
	Err         error
	Attempt     int
	Alert       bool
	NextAttempt time.Time
}

func (e EventFailed) EventDomain() string { return e.Domain }

type subscribers struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func (s *subscribers) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]chan Event)
	}
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

// publish never blocks. Subscribers that are not keeping up miss events.
func (s *subscribers) publish(e Event) (dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			dropped++
		}
	}
	return dropped
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
