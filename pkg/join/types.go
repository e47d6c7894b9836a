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

package join

import (
	"context"

	"github.com/matrixorigin/rowjoin/pkg/config"
	"github.com/matrixorigin/rowjoin/pkg/container/row"
	"github.com/matrixorigin/rowjoin/pkg/hashtable"
)

type Side int8

const (
	SideLeft Side = iota
	SideRight
)

func (s Side) String() string {
	if s == SideLeft {
		return "left"
	}
	return "right"
}

type Kind int8

const (
	Inner Kind = iota
	LeftOuter
	RightOuter
	FullOuter
	Semi
	Anti
)

// fillLeft reports whether unmatched left rows must be emitted.
func (k Kind) fillLeft() bool {
	return k == LeftOuter || k == FullOuter || k == Anti
}

// fillRight reports whether unmatched right rows must be emitted.
func (k Kind) fillRight() bool {
	return k == RightOuter || k == FullOuter
}

// Producer supplies one input stream.  Next returns (nil, nil) at end of
// stream; Reset rewinds for a rescan of the operator.
type Producer interface {
	Next(ctx context.Context) (*row.Row, error)
	Reset() error
}

// Predicate evaluates the join qualifier, or a residual condition, over
// a candidate pair.
type Predicate interface {
	Eval(left, right *row.Row) (bool, error)
}

// KeyHasher computes the 32-bit join key hash of a row.  Equal keys hash
// equal on both sides.  ok == false means the row's join key is null and
// the row can never match.
type KeyHasher interface {
	Hash(r *row.Row, side Side) (uint32, bool)
}

// Spec describes one hash join operator.
type Spec struct {
	Kind   Kind
	Left   Producer
	Right  Producer
	Hasher KeyHasher

	// On is the join qualifier; Residual is an optional extra condition
	// evaluated only on qualified pairs.
	On       Predicate
	Residual Predicate

	// Null padding rows for outer joins, one per side that can appear
	// null-extended in the output.
	NullLeft  *row.Row
	NullRight *row.Row

	Limits *config.Limits
}

// operator states
const (
	buildTables = iota
	pullLeft
	pullRight
	scanLeftTable  // a right-side row probes the left table
	scanRightTable // a left-side row probes the right table
	fillUnmatched
	advanceBatch
	end
)

// completion stages inside fillUnmatched
const (
	fillRightStage = iota
	fillLeftStage
	parkedLeftStage
	parkedRightStage
	fillDoneStage
)

type record struct {
	r       *row.Row
	hash    uint32
	hashed  bool // hash carried from a spill record
	matched bool
}

// rowSource feeds one side of the current batch: the real producer for
// batch 0, a spill reader afterwards.
type rowSource interface {
	next(ctx context.Context) (record, bool, error)
}

type container struct {
	state int

	lt *hashtable.HashTable
	rt *hashtable.HashTable

	leftSrc   rowSource
	rightSrc  rowSource
	leftDone  bool
	rightDone bool
	curBatch  int

	// the row whose bucket scan is in progress, with its own-table slot
	// and hash; the scan cursor survives across Next calls.
	// probeReloaded marks a probe row whose match bit came back from a
	// spill record rather than from this batch.
	probeRow      *row.Row
	probeIdx      int32
	probeHash     uint32
	probeReloaded bool
	scan          hashtable.BucketScanner

	fillStage   int
	fillStarted bool
	unmatched   hashtable.UnmatchedScanner
	parkIdx     int
	parkedDone  bool

	// null-key rows retained for completion on sides that null-fill
	parkedLeft  []*row.Row
	parkedRight []*row.Row
}

// Joiner is the symmetric hash join operator.  Each Next call returns at
// most one output row; (nil, nil) signals that the operator is
// terminally empty.
type Joiner struct {
	spec      Spec
	lim       *config.Limits
	alternate bool
	ctr       container
	closed    bool
}
