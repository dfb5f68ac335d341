// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry runs operations that can fail on transient file-system races
// (lock create/delete after a holder exits, permission flaps on release) with a
// bounded number of attempts and exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first (default: 5)
	MaxAttempts uint

	// InitialInterval is the delay before the second attempt (default: 25ms)
	InitialInterval time.Duration

	// MaxInterval caps the delay between attempts (default: 500ms)
	MaxInterval time.Duration

	// Multiplier grows the delay between attempts (default: 2.0)
	Multiplier float64
}

// DefaultPolicy returns the policy used for lock and release races.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 25 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Multiplier:      2.0,
	}
}

// Validate checks if the policy is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialInterval < 0 {
		return fmt.Errorf("initial_interval must be non-negative, got %v", p.InitialInterval)
	}
	if p.MaxInterval < p.InitialInterval {
		return fmt.Errorf("max_interval (%v) must be >= initial_interval (%v)", p.MaxInterval, p.InitialInterval)
	}
	if p.Multiplier != 0 && p.Multiplier < 1.0 {
		return fmt.Errorf("multiplier must be >= 1.0, got %f", p.Multiplier)
	}
	return nil
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier == 0 {
		p.Multiplier = def.Multiplier
	} else if p.Multiplier < 1.0 {
		p.Multiplier = 1.0
	}
	return p
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0.2
	return b
}

// Predicate decides whether a failed attempt is worth retrying.
type Predicate func(error) bool

// Always retries every error.
func Always(error) bool { return true }

// Do runs op until it succeeds, the predicate rejects its error, the attempt
// budget is exhausted, or ctx is done. The last error is returned unchanged so
// callers can still inspect it with errors.Is/As.
func Do(ctx context.Context, p Policy, retryable Predicate, op func() error) error {
	_, err := DoValue(ctx, p, retryable, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, retryable Predicate, op func() (T, error)) (T, error) {
	p = p.withDefaults()
	if retryable == nil {
		retryable = Always
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
	)
}
