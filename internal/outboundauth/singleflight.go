package outboundauth

import "sync"

// singleRefresh serializes refresh attempts for one provider: a second
// concurrent caller joins the in-flight attempt instead of starting a new
// one, matching the "token requests never execute in parallel per upstream"
// requirement.
type singleRefresh struct {
	mu      sync.Mutex
	inflight chan struct{}
	err     error
}

// do runs fn if no refresh is in flight, or waits for and returns the result
// of the one already running.
func (s *singleRefresh) do(fn func() error) error {
	s.mu.Lock()
	if s.inflight != nil {
		wait := s.inflight
		s.mu.Unlock()
		<-wait
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	s.inflight = done
	s.mu.Unlock()

	err := fn()

	s.mu.Lock()
	s.err = err
	close(done)
	s.inflight = nil
	s.mu.Unlock()

	return err
}
