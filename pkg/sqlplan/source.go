package sqlplan

import (
	"context"
	"fmt"
	"math"
	"time"

	"stepgraph/pkg/stepgraph"
)

// Source is where a resource's rows come from: a querier speaking one SQL
// dialect, plus the policies applied around every fetch.
type Source struct {
	querier        Querier
	dialect        SQLDialect
	store          Store
	ttl            time.Duration
	retry          *RetryConfig
	classifier     func(error) bool
	maxConcurrency int
}

// NewSource creates a source for resources stored behind q.
func NewSource(q Querier, dialect SQLDialect, opts ...SourceOption) *Source {
	s := &Source{querier: q, dialect: dialect}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

// Dialect returns the SQL dialect queries are rendered in.
func (s *Source) Dialect() SQLDialect { return s.dialect }

// SourceOption is a functional option for configuring a Source.
type SourceOption interface {
	apply(*Source)
}

type sourceOptionFunc func(*Source)

func (f sourceOptionFunc) apply(s *Source) {
	f(s)
}

// WithStore caches fetch results in store. A positive ttl bounds how long an
// entry is served.
func WithStore(store Store, ttl time.Duration) SourceOption {
	return sourceOptionFunc(func(s *Source) {
		s.store = store
		s.ttl = ttl
	})
}

// WithRetry configures retry behavior for failed queries.
func WithRetry(maxAttempts int, backoff BackoffStrategy) SourceOption {
	return sourceOptionFunc(func(s *Source) {
		s.retry = &RetryConfig{
			MaxAttempts: maxAttempts,
			Backoff:     backoff,
		}
	})
}

// WithErrorClassifier determines which query errors are retried.
// By default every error is.
func WithErrorClassifier(classifier func(error) bool) SourceOption {
	return sourceOptionFunc(func(s *Source) {
		s.classifier = classifier
	})
}

// WithMaxConcurrency limits how many queries a single fetch step runs at
// once.
func WithMaxConcurrency(n int) SourceOption {
	return sourceOptionFunc(func(s *Source) {
		s.maxConcurrency = n
	})
}

// RetryConfig specifies retry behavior for a source.
type RetryConfig struct {
	// MaxAttempts is the maximum number of query attempts (must be >= 1)
	MaxAttempts int

	// Backoff determines wait time between retries
	Backoff BackoffStrategy
}

// BackoffStrategy determines wait time between retry attempts.
type BackoffStrategy interface {
	// NextDelay returns the duration to wait before the next attempt
	// attempt: The attempt number (1 for first retry, 2 for second, etc.)
	NextDelay(attempt int) time.Duration
}

// FixedBackoff implements a constant wait time between retries.
type FixedBackoff struct {
	Delay time.Duration
}

func (b FixedBackoff) NextDelay(attempt int) time.Duration {
	return b.Delay
}

// ExponentialBackoff implements an exponentially increasing wait time.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

func (b ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(b.InitialDelay) * math.Pow(b.Factor, float64(attempt-1))
	if delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

// fetch runs query, serving it from the store when possible.
func (s *Source) fetch(ctx context.Context, extra *stepgraph.ExecutionExtra, stepName, resource, query string, args []any) ([][]any, error) {
	obs := observerOf(extra)
	passID := stepgraph.PassID(ctx)

	var key string
	if s.store != nil {
		key = cacheKey(resource, query, args)
		start := time.Now()
		entry, err := s.store.Get(ctx, key)
		var rows [][]any
		if err == nil && entry != nil {
			rows, err = entry.Decode()
		}
		obs.OnCacheCheck(ctx, &stepgraph.CacheCheckEvent{
			PassID:   passID,
			StepName: stepName,
			Resource: resource,
			Hit:      err == nil && entry != nil,
			Latency:  time.Since(start),
			Error:    err,
		})
		// store failures fall through to the database
		if err == nil && entry != nil {
			return rows, nil
		}
	}

	rows, err := s.queryWithRetry(ctx, obs, passID, stepName, resource, query, args)
	if err != nil {
		return nil, err
	}

	if s.store != nil {
		start := time.Now()
		entry, err := NewEntry(rows, s.ttl)
		if err == nil {
			err = s.store.Set(ctx, key, entry)
		}
		// a failed write only costs the next pass a query
		obs.OnCacheStore(ctx, &stepgraph.CacheStoreEvent{
			PassID:   passID,
			StepName: stepName,
			Resource: resource,
			Latency:  time.Since(start),
			Error:    err,
		})
	}
	return rows, nil
}

func (s *Source) queryWithRetry(ctx context.Context, obs stepgraph.Observer, passID, stepName, resource, query string, args []any) ([][]any, error) {
	maxAttempts := 1
	if s.retry != nil && s.retry.MaxAttempts > 1 {
		maxAttempts = s.retry.MaxAttempts
	}

	var lastErr error
	attempt := 1
	for ; attempt <= maxAttempts; attempt++ {
		rows, err := s.querier.Query(ctx, query, args...)
		if err == nil {
			return rows, nil
		}
		lastErr = err

		if attempt >= maxAttempts || ctx.Err() != nil || !s.isRetriable(err) {
			break
		}

		var delay time.Duration
		if s.retry.Backoff != nil {
			delay = s.retry.Backoff.NextDelay(attempt)
		}
		obs.OnRetry(ctx, &stepgraph.RetryEvent{
			PassID:   passID,
			StepName: stepName,
			Resource: resource,
			Attempt:  attempt,
			Error:    err,
			Delay:    delay,
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("canceled during retry backoff: %w", ctx.Err())
		}
	}
	if attempt > maxAttempts {
		attempt = maxAttempts
	}
	return nil, &FetchError{Resource: resource, Attempts: attempt, Cause: lastErr}
}

func (s *Source) isRetriable(err error) bool {
	if s.classifier != nil {
		return s.classifier(err)
	}
	return true
}

func observerOf(extra *stepgraph.ExecutionExtra) stepgraph.Observer {
	if extra == nil || extra.Observer == nil {
		return stepgraph.NoOpObserver{}
	}
	return extra.Observer
}
