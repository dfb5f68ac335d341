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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastPolicy(attempts uint) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), Always, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(4), Always, func() error {
		calls++
		return errTransient
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
}

func TestDo_PredicateStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(err error) bool {
		return errors.Is(err, errTransient)
	}, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoValue_ReturnsValue(t *testing.T) {
	v, err := DoValue(context.Background(), fastPolicy(2), nil, func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{MaxAttempts: 10, InitialInterval: time.Second, MaxInterval: time.Second}, Always, func() error {
		return errTransient
	})
	assert.Error(t, err)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{MaxAttempts: 0}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, InitialInterval: time.Second, MaxInterval: time.Millisecond}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, Multiplier: 0.5}.Validate())
}
