package breaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	cb "github.com/sony/gobreaker"

	"tradingcore/src/config"
)

// ErrOpen is returned without calling the operation while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Breaker guards calls to the broker. CLOSED trips to OPEN after a run of
// consecutive failures, OPEN turns HALF_OPEN after the cool-down and a single
// trial call decides between CLOSED and OPEN again.
type Breaker struct {
	cb     *cb.CircuitBreaker
	logger *logrus.Entry

	// onChange is called after every transition, used for metrics.
	onChange func(name string, to State)
}

type Option func(*Breaker)

func WithStateListener(fn func(name string, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

func New(cfg config.BreakerConfig, logger *logrus.Entry, opts ...Option) *Breaker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}

	b := &Breaker{logger: logger.WithField("component", "breaker")}
	for _, opt := range opts {
		opt(b)
	}

	st := cb.Settings{Name: cfg.Name}
	st.MaxRequests = 1
	st.Timeout = cfg.CoolDown
	st.ReadyToTrip = func(counts cb.Counts) bool {
		return counts.ConsecutiveFailures >= threshold
	}
	st.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, context.Canceled)
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		b.logger.WithFields(logrus.Fields{
			"breaker": name,
			"from":    stateOf(from),
			"to":      stateOf(to),
		}).Warn("circuit breaker state changed")
		if b.onChange != nil {
			b.onChange(name, stateOf(to))
		}
	}
	b.cb = cb.NewCircuitBreaker(st)
	return b
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return b.translate(err)
}

// Do runs fn through the breaker and returns its value.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, b.translate(err)
	}
	// a nil interface value carries no dynamic type
	v, _ := out.(T)
	return v, nil
}

func (b *Breaker) Name() string { return b.cb.Name() }

func (b *Breaker) State() State { return stateOf(b.cb.State()) }

// ConsecutiveFailures in the current generation.
func (b *Breaker) ConsecutiveFailures() uint32 { return b.cb.Counts().ConsecutiveFailures }

func (b *Breaker) translate(err error) error {
	if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrOpen, b.cb.Name())
	}
	return err
}

func stateOf(s cb.State) State {
	switch s {
	case cb.StateOpen:
		return StateOpen
	case cb.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
