package breaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

var (
	ErrOpen            = errors.New("circuit breaker open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// State of the breaker finite state machine.
type State string

const (
	StateClosed   State = "closed"    // Normal operation
	StateOpen     State = "open"      // Failing, reject requests
	StateHalfOpen State = "half-open" // Single probe allowed to test recovery
)

// Breaker guards calls to an external collaborator (embedder, reranker).
// It opens after a run of consecutive failures, short-circuits calls for a
// cool-down window, then allows one half-open probe before fully closing
// or reopening.
type Breaker struct {
	mu              sync.RWMutex
	name            string
	state           State
	failureCount    int
	probeInFlight   bool
	lastFailureTime time.Time
	lastStateChange time.Time

	failureThreshold int
	cooldown         time.Duration

	totalRequests   int64
	totalFailures   int64
	totalRejections int64
}

// New creates a breaker for the named collaborator.
func New(name string, failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 3
	}
	if cooldown < time.Second {
		cooldown = time.Minute
	}
	b := &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		lastStateChange:  time.Now(),
	}
	log.Printf("[Breaker:%s] Initialized: threshold=%d failures, cooldown=%s",
		name, failureThreshold, cooldown)
	return b
}

// Call runs fn through the breaker. When the circuit is open the call is
// rejected with ErrOpen without invoking fn.
func (b *Breaker) Call(fn func() error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) > b.cooldown {
			b.setState(StateHalfOpen)
			b.probeInFlight = true
			log.Printf("[Breaker:%s] State: OPEN → HALF-OPEN (cooldown elapsed, probing)", b.name)
			return nil
		}
		b.totalRejections++
		return ErrOpen

	case StateHalfOpen:
		// Only one probe at a time in half-open.
		if b.probeInFlight {
			b.totalRejections++
			return ErrTooManyRequests
		}
		b.probeInFlight = true
		return nil

	default:
		return nil
	}
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}

	if err != nil {
		b.totalFailures++
		b.failureCount++
		b.lastFailureTime = time.Now()

		switch b.state {
		case StateClosed:
			if b.failureCount >= b.failureThreshold {
				b.setState(StateOpen)
				log.Printf("[Breaker:%s] State: CLOSED → OPEN (%d consecutive failures)",
					b.name, b.failureCount)
			}
		case StateHalfOpen:
			b.setState(StateOpen)
			log.Printf("[Breaker:%s] State: HALF-OPEN → OPEN (probe failed)", b.name)
		}
		return
	}

	switch b.state {
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount = 0
		}
	case StateHalfOpen:
		b.setState(StateClosed)
		b.failureCount = 0
		log.Printf("[Breaker:%s] State: HALF-OPEN → CLOSED (probe succeeded)", b.name)
	}
}

func (b *Breaker) setState(newState State) {
	b.state = newState
	b.lastStateChange = time.Now()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Available reports whether a call would currently be attempted.
func (b *Breaker) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state == StateOpen {
		return time.Since(b.lastFailureTime) > b.cooldown
	}
	return true
}

// Stats returns counters for the debug endpoint.
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]interface{}{
		"name":             b.name,
		"state":            string(b.state),
		"total_requests":   b.totalRequests,
		"total_failures":   b.totalFailures,
		"total_rejections": b.totalRejections,
		"failure_count":    b.failureCount,
		"time_in_state":    time.Since(b.lastStateChange).String(),
	}
}

// Reset manually closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	log.Printf("[Breaker:%s] Manual reset: %s → CLOSED", b.name, b.state)
	b.setState(StateClosed)
	b.failureCount = 0
	b.probeInFlight = false
}
