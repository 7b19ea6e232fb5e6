// Package selector implements the upstream selector (C5): weighted-random
// choice among the configured api_endpoints, with exclusion-based retry
// when a chosen endpoint fails.
package selector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/cenkalti/backoff/v5"

	"github.com/allaspects/cacheproxy/internal/config"
)

// ErrNoEndpoints is returned when no endpoint with positive weight remains
// to choose from (all excluded, or none configured).
var ErrNoEndpoints = errors.New("selector: no eligible endpoints")

// Selector picks an upstream endpoint using weighted-random selection over
// the configured api_endpoints.
type Selector struct {
	endpoints []config.EndpointConfig
}

// New builds a Selector from the configured endpoints, retaining only
// those with a positive weight (weight <= 0 never eligible for a draw).
func New(endpoints []config.EndpointConfig) *Selector {
	s := &Selector{}
	for _, e := range endpoints {
		if e.Weight > 0 {
			s.endpoints = append(s.endpoints, e)
		}
	}
	return s
}

// Pick draws one endpoint at random, weighted by Weight, excluding any
// endpoint whose URL is present in excluded.
func (s *Selector) Pick(excluded map[string]bool) (config.EndpointConfig, error) {
	total := 0
	var eligible []config.EndpointConfig
	for _, e := range s.endpoints {
		if excluded[e.URL] {
			continue
		}
		eligible = append(eligible, e)
		total += e.Weight
	}
	if total <= 0 {
		return config.EndpointConfig{}, ErrNoEndpoints
	}

	r := rand.Intn(total)
	for _, e := range eligible {
		if r < e.Weight {
			return e, nil
		}
		r -= e.Weight
	}
	// Unreachable given the accounting above, but keep the zero value safe.
	return config.EndpointConfig{}, ErrNoEndpoints
}

// Call is the signature of work to perform against a chosen endpoint.
// Returning a non-nil error marks that endpoint as failed for this
// invocation of Dispatch, causing the next attempt to exclude it.
type Call func(ctx context.Context, endpoint config.EndpointConfig) (any, error)

// Dispatch picks an endpoint and invokes fn, retrying against a different
// endpoint (excluding ones already tried) on failure, up to maxAttempts.
// Backoff between attempts follows an exponential curve via
// cenkalti/backoff/v5.
func (s *Selector) Dispatch(ctx context.Context, maxAttempts int, fn Call) (any, error) {
	excluded := make(map[string]bool)

	op := func() (any, error) {
		endpoint, err := s.Pick(excluded)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		result, callErr := fn(ctx, endpoint)
		if callErr == nil {
			return result, nil
		}

		excluded[endpoint.URL] = true
		if len(excluded) >= len(s.endpoints) {
			// Every eligible endpoint has now failed at least once; no
			// point retrying further.
			return nil, backoff.Permanent(fmt.Errorf("selector: all endpoints exhausted: %w", callErr))
		}
		return nil, callErr
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
}
