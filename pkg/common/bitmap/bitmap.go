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

package bitmap

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

// Bitmap is a fixed-width bitset packed into uint64 words.  It tracks one
// match bit per hash table slot.  Plain Add/Contains are single-writer;
// AtomicAdd is safe for concurrent probing over an immutable table.
//
// In case len is not a multiple of 64, the code below assumes the trailing
// bits of the last word stay zero.
type Bitmap struct {
	len  int64
	data []uint64
}

type Iterator struct {
	bm  *Bitmap
	i   uint64
	has bool
}

func New() *Bitmap {
	return &Bitmap{}
}

func (n *Bitmap) InitWithSize(len int64) {
	n.len = len
	n.data = make([]uint64, (len+63)/64)
}

// TryExpandWithSize grows the bitmap to hold at least size bits,
// preserving existing bits.
func (n *Bitmap) TryExpandWithSize(size int) {
	if int(n.len) >= size {
		return
	}
	newCap := (size + 63) / 64
	n.len = int64(size)
	if newCap > cap(n.data) {
		data := make([]uint64, newCap)
		copy(data, n.data)
		n.data = data
		return
	}
	if len(n.data) < newCap {
		n.data = n.data[:newCap]
	}
}

func (n *Bitmap) Reset() {
	n.len = 0
	n.data = nil
}

// Clear zeroes every bit but keeps the allocation.
func (n *Bitmap) Clear() {
	for i := range n.data {
		n.data[i] = 0
	}
}

func (n *Bitmap) Len() int64 {
	return n.len
}

// We always assume that the bitmap has been extended to at least row.
func (n *Bitmap) Add(row uint64) {
	n.data[row>>6] |= 1 << (row & 0x3F)
}

// AtomicAdd sets the bit with a set-if-unset CAS loop.  It returns true
// when this call flipped the bit, false when it was already set.
func (n *Bitmap) AtomicAdd(row uint64) bool {
	word := &n.data[row>>6]
	mask := uint64(1) << (row & 0x3F)
	for {
		old := atomic.LoadUint64(word)
		if old&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(word, old, old|mask) {
			return true
		}
	}
}

func (n *Bitmap) Contains(row uint64) bool {
	if row >= uint64(n.len) {
		return false
	}
	return (n.data[row>>6] & (1 << (row & 0x3F))) != 0
}

func (n *Bitmap) IsEmpty() bool {
	for i := 0; i < len(n.data); i++ {
		if n.data[i] != 0 {
			return false
		}
	}
	return true
}

func (n *Bitmap) Count() int {
	var cnt int
	for i := range n.data {
		cnt += bits.OnesCount64(n.data[i])
	}
	return cnt
}

func (n *Bitmap) String() string {
	return fmt.Sprintf("%v", n.ToArray())
}

func (n *Bitmap) ToArray() []uint64 {
	var rows []uint64
	itr := n.Iterator()
	for itr.HasNext() {
		rows = append(rows, itr.Next())
	}
	return rows
}

func (n *Bitmap) Iterator() *Iterator {
	itr := Iterator{bm: n}
	if pos, ok := itr.seek(0); ok {
		itr.i = pos
		itr.has = true
	}
	return &itr
}

// seek finds the position of the first set bit at or after i,
// looping over words rather than bits.
func (itr *Iterator) seek(i uint64) (uint64, bool) {
	nwords := uint64((itr.bm.len + 63) / 64)
	word := i >> 6
	mask := ^uint64(0) << (i & 0x3F)
	for ; word < nwords; word++ {
		if w := itr.bm.data[word] & mask; w != 0 {
			return word*64 + uint64(bits.TrailingZeros64(w)), true
		}
		mask = ^uint64(0)
	}
	return 0, false
}

func (itr *Iterator) HasNext() bool {
	return itr.has
}

func (itr *Iterator) Next() uint64 {
	pos := itr.i
	if next, ok := itr.seek(itr.i + 1); ok {
		itr.i = next
		itr.has = true
		return pos
	}
	itr.has = false
	return pos
}
