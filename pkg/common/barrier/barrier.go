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

// Package barrier provides a dynamic phase barrier: participants attach
// and detach at will, and each time every attached participant has
// arrived the barrier advances one phase and releases them all.  It is
// the single synchronization primitive gating the parallel hash join
// protocol.
package barrier

import (
	"sync"
)

type Barrier struct {
	mu           sync.Mutex
	cond         *sync.Cond
	phase        int
	participants int
	arrived      int

	// set when a detach advanced the phase, so that one of the woken
	// waiters claims the election instead of nobody
	electWaiter bool
}

func New() *Barrier {
	b := &Barrier{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// NewAtPhase starts the barrier at a later phase, for barriers whose
// early phases were completed elsewhere (batch 0 skips loading).
func NewAtPhase(phase int) *Barrier {
	b := New()
	b.phase = phase
	return b
}

// Attach joins the barrier and returns the current phase.
func (b *Barrier) Attach() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.participants++
	return b.phase
}

func (b *Barrier) Phase() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// ArriveAndWait blocks until every attached participant has arrived,
// then advances the phase.  It returns true for exactly one caller per
// phase (the last to arrive), which is thereby elected to do any serial
// work of the next phase.
func (b *Barrier) ArriveAndWait() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.arrived++
	if b.arrived == b.participants {
		b.release(true)
		return true
	}
	phase := b.phase
	for b.phase == phase {
		b.cond.Wait()
	}
	if b.electWaiter {
		b.electWaiter = false
		return true
	}
	return false
}

// ArriveAndDetach leaves the barrier without waiting.  If the caller was
// the last outstanding participant the phase advances and the others are
// released; that case returns true.  Detaching without waiting is what
// lets a worker quit a batch while the remaining workers still depend on
// the phase advancing.
func (b *Barrier) ArriveAndDetach() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.participants--
	if b.participants == 0 {
		b.release(true)
		return true
	}
	if b.arrived == b.participants {
		b.release(false)
	}
	return false
}

// Detach leaves without arriving.  If that unblocks the waiters the
// phase advances.
func (b *Barrier) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.participants--
	if b.participants > 0 && b.arrived == b.participants {
		b.release(false)
	}
}

// caller holds mu.  When the advance was caused by a detach rather than
// an arrival, exactly one woken waiter inherits the election.
func (b *Barrier) release(byArrival bool) {
	b.phase++
	b.arrived = 0
	b.electWaiter = !byArrival
	b.cond.Broadcast()
}
