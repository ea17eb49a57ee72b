package fetch

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// ErrBreakerOpen is returned without contacting a host whose breaker has tripped.
var ErrBreakerOpen = errors.New("circuit breaker open")

// breakerSet holds one circuit breaker per upstream host. A nil set passes calls through.
type breakerSet struct {
	threshold int64
	breakers  map[string]*circuit.Breaker
	mu        sync.RWMutex
}

func newBreakerSet(threshold int64) *breakerSet {
	return &breakerSet{
		threshold: threshold,
		breakers:  make(map[string]*circuit.Breaker),
	}
}

func (s *breakerSet) get(host string) *circuit.Breaker {
	s.mu.RLock()
	breaker, exists := s.breakers[host]
	s.mu.RUnlock()
	if exists {
		return breaker
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if breaker, exists := s.breakers[host]; exists {
		return breaker
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(s.threshold),
	})
	s.breakers[host] = breaker
	return breaker
}

// call runs fn under the host's breaker. Not-found responses are a normal
// answer from a healthy index (e.g. absent metadata sidecars) and do not count
// as failures.
func (s *breakerSet) call(target string, fn func() error) error {
	if s == nil {
		return fn()
	}
	host := hostOf(target)
	breaker := s.get(host)
	if !breaker.Ready() {
		return fmt.Errorf("%w for %s: %w", ErrBreakerOpen, host, ErrUpstreamDown)
	}

	var callErr error
	err := breaker.Call(func() error {
		callErr = fn()
		if errors.Is(callErr, ErrNotFound) || errors.Is(callErr, ErrHashMismatch) {
			return nil
		}
		return callErr
	}, 0)
	if callErr != nil {
		return callErr
	}
	return err
}

// States reports "open" or "closed" per host.
func (s *breakerSet) States() map[string]string {
	states := make(map[string]string)
	if s == nil {
		return states
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for host, breaker := range s.breakers {
		if breaker.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		if len(rawURL) > 50 {
			return rawURL[:50]
		}
		return rawURL
	}
	return parsed.Host
}

// BreakerStates reports the circuit state of every host contacted so far.
func (c *Client) BreakerStates() map[string]string {
	return c.breakers.States()
}
