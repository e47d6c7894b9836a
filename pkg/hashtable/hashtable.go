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

package hashtable

import (
	"context"
	"encoding/binary"

	"github.com/axiomhq/hyperloglog"
	"github.com/matrixorigin/rowjoin/pkg/common/bitmap"
	"github.com/matrixorigin/rowjoin/pkg/common/moerr"
	"github.com/matrixorigin/rowjoin/pkg/container/row"
	"github.com/matrixorigin/rowjoin/pkg/logutil"
	"go.uber.org/zap"
)

// rough bookkeeping cost per resident row, on top of the payload
const slotOverhead = 48

type Config struct {
	// Tag names this table's spill files, conventionally "left" or "right".
	Tag          string
	MemoryBudget int64
	InitBuckets  int
	InitBatches  int
	ChainLimit   int
	SpillDir     string
}

type slot struct {
	hash uint32
	next int32
	row  *row.Row
}

// HashTable holds the resident batch of one join side: a bucket array
// chaining into an append-only arena, plus spill files for every other
// batch.  Rows are reachable through their bucket while resident, or sit
// verbatim in their batch file; nbatch only ever grows.
//
// Chains are linked in insertion order.  Growth never runs while a probe
// cursor is suspended: inserts and scans alternate in the operator, and
// growth happens only on the insert path.
type HashTable struct {
	cfg      Config
	nbuckets uint32
	nbatch   uint32
	curbatch uint32

	buckets []int32
	tails   []int32
	rows    []slot
	matched *bitmap.Bitmap

	// rows whose match bit rode in through a spill record rather than
	// being set in the current batch; see IsReloaded
	reloaded *bitmap.Bitmap

	memUsed int64
	spiller *Spiller

	// distinct-key sketch driving the grow-buckets-or-batches decision
	sketch         *hyperloglog.Sketch
	growBatchesOff bool
}

func Create(cfg Config) (*HashTable, error) {
	ctx := context.Background()
	if cfg.InitBuckets <= 0 || cfg.InitBuckets&(cfg.InitBuckets-1) != 0 {
		return nil, moerr.NewBadConfig(ctx, "buckets must be a power of two, got %d", cfg.InitBuckets)
	}
	if cfg.InitBatches <= 0 || cfg.InitBatches&(cfg.InitBatches-1) != 0 {
		return nil, moerr.NewBadConfig(ctx, "batches must be a power of two, got %d", cfg.InitBatches)
	}
	if cfg.ChainLimit <= 0 {
		cfg.ChainLimit = 10
	}
	ht := &HashTable{
		cfg:      cfg,
		nbuckets: uint32(cfg.InitBuckets),
		nbatch:   uint32(cfg.InitBatches),
		spiller:  NewSpiller(cfg.SpillDir, cfg.Tag),
		matched:  bitmap.New(),
		reloaded: bitmap.New(),
		sketch:   hyperloglog.New14(),
	}
	ht.buckets = newHeads(ht.nbuckets)
	ht.tails = newHeads(ht.nbuckets)
	return ht, nil
}

func newHeads(n uint32) []int32 {
	heads := make([]int32, n)
	for i := range heads {
		heads[i] = -1
	}
	return heads
}

func (ht *HashTable) NBuckets() int { return int(ht.nbuckets) }
func (ht *HashTable) NBatch() int   { return int(ht.nbatch) }
func (ht *HashTable) CurBatch() int { return int(ht.curbatch) }
func (ht *HashTable) Rows() int     { return len(ht.rows) }
func (ht *HashTable) MemUsed() int64 {
	return ht.memUsed
}

func (ht *HashTable) batchOf(hash uint32) uint32 {
	return hash & (ht.nbatch - 1)
}

// BatchOf exposes the batch assignment of a hash under the current
// batch count.
func (ht *HashTable) BatchOf(hash uint32) int {
	return int(ht.batchOf(hash))
}

func (ht *HashTable) bucketOf(hash uint32) uint32 {
	return hash & (ht.nbuckets - 1)
}

// Insert places the row in its bucket when it belongs to the resident
// batch, otherwise appends it to the batch file.  It returns the arena
// index and whether the row is resident.  Growth runs before placement so
// the new row lands under its final batch assignment.
func (ht *HashTable) Insert(ctx context.Context, r *row.Row, hash uint32) (int32, bool, error) {
	return ht.insert(ctx, r, hash, false)
}

// InsertMarked is Insert for reloaded rows that already carry a match.
func (ht *HashTable) InsertMarked(ctx context.Context, r *row.Row, hash uint32, matched bool) (int32, bool, error) {
	return ht.insert(ctx, r, hash, matched)
}

func (ht *HashTable) insert(ctx context.Context, r *row.Row, hash uint32, matched bool) (int32, bool, error) {
	if err := ht.maybeGrow(ctx); err != nil {
		return -1, false, err
	}

	batchno := ht.batchOf(hash)
	if batchno != ht.curbatch {
		if batchno < ht.curbatch {
			return -1, false, moerr.NewInvalidState(ctx,
				"row for batch %d inserted while batch %d is resident", batchno, ht.curbatch)
		}
		if err := ht.spiller.Spill(ctx, batchno, hash, matched, r); err != nil {
			return -1, false, err
		}
		return -1, false, nil
	}

	idx := int32(len(ht.rows))
	ht.rows = append(ht.rows, slot{hash: hash, next: -1, row: r})
	b := ht.bucketOf(hash)
	if ht.tails[b] >= 0 {
		ht.rows[ht.tails[b]].next = idx
	} else {
		ht.buckets[b] = idx
	}
	ht.tails[b] = idx

	ht.matched.TryExpandWithSize(len(ht.rows))
	ht.reloaded.TryExpandWithSize(len(ht.rows))
	if matched {
		ht.matched.Add(uint64(idx))
		ht.reloaded.Add(uint64(idx))
	}
	ht.memUsed += int64(r.Size()) + slotOverhead

	var key [4]byte
	binary.LittleEndian.PutUint32(key[:], hash)
	ht.sketch.Insert(key[:])

	return idx, true, nil
}

// Respill forwards a reloaded record whose batch assignment went stale
// after nbatch grew.  The new assignment can only be a later batch.
func (ht *HashTable) Respill(ctx context.Context, hash uint32, matched bool, r *row.Row) error {
	batchno := ht.batchOf(hash)
	if batchno <= ht.curbatch {
		return moerr.NewInvalidState(ctx,
			"respill targets batch %d at or before current batch %d", batchno, ht.curbatch)
	}
	return ht.spiller.Spill(ctx, batchno, hash, matched, r)
}

func (ht *HashTable) maybeGrow(ctx context.Context) error {
	if ht.memUsed > ht.cfg.MemoryBudget && !ht.growBatchesOff {
		if err := ht.growBatches(ctx); err != nil {
			return err
		}
	}
	if len(ht.rows) > int(ht.nbuckets)*ht.cfg.ChainLimit {
		// Longer chains are only worth splitting when they come from
		// many distinct keys; a few heavy keys keep their chain length
		// no matter how many buckets exist.
		if ht.sketch.Estimate() > uint64(ht.nbuckets) {
			ht.growBuckets()
		}
	}
	return nil
}

func (ht *HashTable) growBuckets() {
	ht.nbuckets <<= 1
	ht.buckets = newHeads(ht.nbuckets)
	ht.tails = newHeads(ht.nbuckets)
	for i := range ht.rows {
		ht.rows[i].next = -1
	}
	for i := range ht.rows {
		idx := int32(i)
		b := ht.bucketOf(ht.rows[i].hash)
		if ht.tails[b] >= 0 {
			ht.rows[ht.tails[b]].next = idx
		} else {
			ht.buckets[b] = idx
		}
		ht.tails[b] = idx
	}
	logutil.Debug("hash table grew buckets",
		zap.String("side", ht.cfg.Tag),
		zap.Uint32("nbuckets", ht.nbuckets))
}

// growBatches doubles nbatch and re-partitions the resident batch: rows
// that no longer map to it move to their batch file, match bits included.
// Repeated growth events re-run the same pass, so it is idempotent.
func (ht *HashTable) growBatches(ctx context.Context) error {
	ht.nbatch <<= 1
	kept := ht.rows[:0]
	var moved int
	old := ht.matched
	oldReloaded := ht.reloaded
	ht.matched = bitmap.New()
	ht.reloaded = bitmap.New()
	for i := range ht.rows {
		s := ht.rows[i]
		wasMatched := old.Contains(uint64(i))
		if ht.batchOf(s.hash) == ht.curbatch {
			idx := len(kept)
			kept = append(kept, s)
			ht.matched.TryExpandWithSize(idx + 1)
			ht.reloaded.TryExpandWithSize(idx + 1)
			if wasMatched {
				ht.matched.Add(uint64(idx))
			}
			if oldReloaded.Contains(uint64(i)) {
				ht.reloaded.Add(uint64(idx))
			}
			continue
		}
		if err := ht.spiller.Spill(ctx, ht.batchOf(s.hash), s.hash, wasMatched, s.row); err != nil {
			return err
		}
		ht.memUsed -= int64(s.row.Size()) + slotOverhead
		moved++
	}
	ht.rows = kept

	// relink chains over the surviving arena
	ht.buckets = newHeads(ht.nbuckets)
	ht.tails = newHeads(ht.nbuckets)
	for i := range ht.rows {
		ht.rows[i].next = -1
	}
	for i := range ht.rows {
		idx := int32(i)
		b := ht.bucketOf(ht.rows[i].hash)
		if ht.tails[b] >= 0 {
			ht.rows[ht.tails[b]].next = idx
		} else {
			ht.buckets[b] = idx
		}
		ht.tails[b] = idx
	}

	if moved == 0 {
		// Every resident row hashes to this batch; doubling again cannot
		// shed memory, so stop trying.
		ht.growBatchesOff = true
	}
	logutil.Debug("hash table grew batches",
		zap.String("side", ht.cfg.Tag),
		zap.Uint32("nbatch", ht.nbatch),
		zap.Int("moved", moved))
	return nil
}

// RaiseNBatch lifts nbatch to n, re-partitioning as needed.  The two
// sides of a join must agree on nbatch or equal keys would be replayed
// under different batch numbers; the operator calls this on the lagging
// side after the other one grows.
func (ht *HashTable) RaiseNBatch(ctx context.Context, n int) error {
	if n < int(ht.nbatch) || n&(n-1) != 0 {
		return moerr.NewInvalidState(ctx,
			"cannot raise nbatch from %d to %d", ht.nbatch, n)
	}
	for int(ht.nbatch) < n {
		if err := ht.growBatches(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (ht *HashTable) Mark(idx int32) {
	ht.matched.Add(uint64(idx))
}

func (ht *HashTable) IsMatched(idx int32) bool {
	return ht.matched.Contains(uint64(idx))
}

// IsReloaded reports whether the row's match bit was carried in from a
// spill record.  Two rows of the same hash that both reloaded matched
// were resident together in an earlier batch, so the operator can tell a
// replayed pair from one it has never put side by side.
func (ht *HashTable) IsReloaded(idx int32) bool {
	return ht.reloaded.Contains(uint64(idx))
}

// ResetMatches clears the match bits of the resident rows while keeping
// the rows themselves, for rescans that reuse a built table.
func (ht *HashTable) ResetMatches() {
	ht.matched.Clear()
	ht.reloaded.Clear()
}

// ResetForBatch clears the resident batch and prepares for batch n.
// Spill files for later batches are kept.
func (ht *HashTable) ResetForBatch(n int) {
	ht.rows = ht.rows[:0]
	ht.buckets = newHeads(ht.nbuckets)
	ht.tails = newHeads(ht.nbuckets)
	ht.matched.Reset()
	ht.reloaded.Reset()
	ht.memUsed = 0
	ht.curbatch = uint32(n)
	ht.sketch = hyperloglog.New14()
	ht.growBatchesOff = false
}

func (ht *HashTable) SpilledBatches() []uint32 {
	return ht.spiller.Present().ToArray()
}

// NextSpilledBatch returns the smallest spilled batch number greater
// than after, or -1.
func (ht *HashTable) NextSpilledBatch(after int) int {
	return ht.spiller.NextBatch(after)
}

func (ht *HashTable) Reload(ctx context.Context, n int) (*SpillReader, error) {
	return ht.spiller.Reload(ctx, uint32(n))
}

func (ht *HashTable) DropBatch(n int) error {
	return ht.spiller.Drop(uint32(n))
}

// Close releases the arena and removes every spill file.
func (ht *HashTable) Close() {
	ht.rows = nil
	ht.buckets = nil
	ht.tails = nil
	ht.matched.Reset()
	ht.reloaded.Reset()
	ht.memUsed = 0
	ht.spiller.Close()
}
