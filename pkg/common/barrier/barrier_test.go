// Copyright 2023 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package barrier

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBarrierElectsExactlyOne(t *testing.T) {
	const workers = 8
	const rounds = 5
	b := New()
	for i := 0; i < workers; i++ {
		b.Attach()
	}

	var elected int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				if b.ArriveAndWait() {
					atomic.AddInt64(&elected, 1)
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(rounds), elected)
	require.Equal(t, rounds, b.Phase())
}

func TestBarrierAttachReturnsPhase(t *testing.T) {
	b := NewAtPhase(3)
	require.Equal(t, 3, b.Attach())
	require.Equal(t, 3, b.Phase())
}

func TestBarrierArriveAndDetachAdvances(t *testing.T) {
	b := New()
	b.Attach()
	b.Attach()

	done := make(chan bool, 1)
	go func() {
		done <- b.ArriveAndWait()
	}()

	// the waiter cannot advance until the second participant leaves
	require.False(t, b.ArriveAndDetach())
	require.True(t, <-done)
	require.Equal(t, 1, b.Phase())
}

func TestBarrierDetachElectsWaiter(t *testing.T) {
	b := New()
	b.Attach()
	b.Attach()

	done := make(chan bool, 1)
	go func() {
		done <- b.ArriveAndWait()
	}()

	b.Detach()
	require.True(t, <-done)
}

func TestBarrierLastDetachReturnsTrue(t *testing.T) {
	b := New()
	b.Attach()
	require.True(t, b.ArriveAndDetach())
}

func TestBarrierSoloParticipant(t *testing.T) {
	b := New()
	b.Attach()
	require.True(t, b.ArriveAndWait())
	require.True(t, b.ArriveAndWait())
	require.Equal(t, 2, b.Phase())
}
