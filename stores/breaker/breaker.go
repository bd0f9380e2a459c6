// Package breaker wraps a DocumentStore with a circuit breaker so a failing
// backend is reported as unavailable without being hammered.
package breaker

import (
	"context"
	"docsync-server/core"
	"docsync-server/metrics"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
)

type Settings struct {
	Name string
	// ConsecutiveFailures opens the circuit.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
}

type store struct {
	next core.DocumentStore
	cb   *gobreaker.CircuitBreaker[any]
}

// Wrap returns next guarded by a breaker. Only ErrStorageUnavailable counts
// as a failure; not-found and invalid-request results pass through, and so
// does a call abandoned because its caller's context was cancelled.
func Wrap(next core.DocumentStore, s Settings) core.DocumentStore {
	if s.Name == "" {
		s.Name = "document-store"
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}

	metrics.CircuitBreakerState.WithLabelValues(s.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || !errors.Is(err, core.ErrStorageUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Storage circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &store{next: next, cb: cb}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func (s *store) execute(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	result, err := s.cb.Execute(func() (any, error) {
		result, err := fn()
		if err != nil && errors.Is(ctx.Err(), context.Canceled) && !errors.Is(err, context.Canceled) {
			// Drivers do not always report cancellation as such.
			err = fmt.Errorf("%w (%w)", err, context.Canceled)
		}
		return result, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, core.Unavailable(op, err)
	}
	return result, err
}

type created struct {
	content core.Content
	created bool
}

func (s *store) Load(ctx context.Context, id string) (core.Content, error) {
	result, err := s.execute(ctx, "load", func() (any, error) {
		return s.next.Load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return result.(core.Content), nil
}

func (s *store) CreateDefault(ctx context.Context, id string) (core.Content, bool, error) {
	result, err := s.execute(ctx, "create", func() (any, error) {
		content, ok, err := s.next.CreateDefault(ctx, id)
		return created{content, ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	c := result.(created)
	return c.content, c.created, nil
}

func (s *store) Save(ctx context.Context, id string, content core.Content) error {
	_, err := s.execute(ctx, "save", func() (any, error) {
		return nil, s.next.Save(ctx, id, content)
	})
	return err
}

// List is forwarded when the wrapped store supports it.
func (s *store) List(ctx context.Context) ([]string, error) {
	lister, ok := s.next.(core.DocumentLister)
	if !ok {
		return nil, errors.ErrUnsupported
	}
	result, err := s.execute(ctx, "list", func() (any, error) {
		return lister.List(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func (s *store) Close() error {
	return s.next.Close()
}
