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
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/matrixorigin/rowjoin/pkg/common/barrier"
	"github.com/matrixorigin/rowjoin/pkg/common/bitmap"
	"github.com/matrixorigin/rowjoin/pkg/common/moerr"
	"github.com/matrixorigin/rowjoin/pkg/config"
	"github.com/matrixorigin/rowjoin/pkg/container/row"
	"github.com/matrixorigin/rowjoin/pkg/hashtable"
	"github.com/matrixorigin/rowjoin/pkg/logutil"
	"go.uber.org/zap"
)

// build barrier wait sequence; each ArriveAndWait in runBuild advances
// one phase, and the elected caller performs the serial work of the
// phase it opened
const (
	buildElecting = iota
	buildAllocating
	buildHashing
	buildSizing
	buildPartitioning
	buildCollecting
	buildDone
)

// batch barrier phases; batch 0 starts at batchProbing because its table
// is the one the build phase produced
const (
	batchElecting = iota
	batchAllocating
	batchLoading
	batchSizing
	batchProbing
	batchDone
)

const sharedSlotOverhead = 64

// SharedSpec describes one parallel hash join.  The right side is the
// shared build input, pulled cooperatively by every worker; each worker
// brings its own partition of the left input.  Right and full joins are
// not supported in parallel: they would need a coordinated scan of the
// shared table's unmatched rows.
type SharedSpec struct {
	Kind      Kind
	Right     Producer
	Hasher    KeyHasher
	On        Predicate
	Residual  Predicate
	NullRight *row.Row
	Limits    *config.Limits
}

type sharedSlot struct {
	hash uint32
	next uint64
	row  *row.Row
}

type workerChunk struct {
	slots   []sharedSlot
	matched *bitmap.Bitmap
}

// sharedTable is a hash table written concurrently during the build
// phase.  Each worker appends rows to its own chunk and publishes them
// by CAS on the bucket head, so slot ids pack the owning worker with the
// index inside its chunk.  Probing is read-only.
type sharedTable struct {
	nbuckets uint32
	buckets  []uint64
	chunks   []workerChunk
	memUsed  int64
}

func newSharedTable(workers int, nbuckets uint32) *sharedTable {
	t := &sharedTable{
		nbuckets: nbuckets,
		buckets:  make([]uint64, nbuckets),
		chunks:   make([]workerChunk, workers),
	}
	for i := range t.chunks {
		t.chunks[i].matched = bitmap.New()
	}
	return t
}

// slot ids are 1-based inside the chunk so that 0 means an empty bucket
func packSlotID(worker, idx int) uint64 {
	return uint64(worker)<<32 | uint64(idx)+1
}

func (t *sharedTable) slot(id uint64) *sharedSlot {
	return &t.chunks[id>>32].slots[(id&0xffffffff)-1]
}

// insert appends the row to worker's chunk and links it into its bucket
// with CAS.  It returns the table's memory use after the insert.
func (t *sharedTable) insert(worker int, r *row.Row, hash uint32) int64 {
	c := &t.chunks[worker]
	idx := len(c.slots)
	c.slots = append(c.slots, sharedSlot{hash: hash, row: r})
	id := packSlotID(worker, idx)
	b := hash & (t.nbuckets - 1)
	for {
		old := atomic.LoadUint64(&t.buckets[b])
		c.slots[idx].next = old
		if atomic.CompareAndSwapUint64(&t.buckets[b], old, id) {
			break
		}
	}
	return atomic.AddInt64(&t.memUsed, int64(r.Size())+sharedSlotOverhead)
}

// sizeMatched pre-sizes every chunk's match bitmap.  Must run after the
// last insert and before the first mark; concurrent marks then only flip
// bits atomically, never reallocate.
func (t *sharedTable) sizeMatched() {
	for i := range t.chunks {
		c := &t.chunks[i]
		c.matched.TryExpandWithSize(len(c.slots))
	}
}

func (t *sharedTable) mark(id uint64) {
	t.chunks[id>>32].matched.AtomicAdd((id & 0xffffffff) - 1)
}

func (t *sharedTable) probe(hash uint32) sharedScanner {
	return sharedScanner{
		t:    t,
		hash: hash,
		cur:  atomic.LoadUint64(&t.buckets[hash&(t.nbuckets-1)]),
	}
}

type sharedScanner struct {
	t    *sharedTable
	hash uint32
	cur  uint64
}

func (s *sharedScanner) next() (uint64, *row.Row, bool) {
	for s.cur != 0 {
		id := s.cur
		sl := s.t.slot(id)
		s.cur = sl.next
		if sl.row != nil && sl.hash == s.hash {
			return id, sl.row, true
		}
	}
	return 0, nil, false
}

// batchState carries one spilled batch through its barrier protocol.
// rightRd and leftRd are shared cursors, pulled under mu.
type batchState struct {
	no  uint32
	bar *barrier.Barrier

	mu      sync.Mutex
	table   *sharedTable
	rightRd *hashtable.SpillReader
	leftRd  *hashtable.SpillReader
}

// SharedJoin is the coordinator state of a parallel hash join.  Create
// one worker per participant with NewWorker before calling Next on any
// of them, and Close it once every worker has finished.
type SharedJoin struct {
	spec    SharedSpec
	lim     *config.Limits
	workers int

	buildBar *barrier.Barrier
	growBar  *barrier.Barrier
	needGrow uint32
	growOff  uint32

	table  *sharedTable
	nbatch uint32 // frozen once the build phase completes

	// mu guards the shared producer, both spillers and the fault slot
	mu         sync.Mutex
	rightEOF   bool
	spillRight *hashtable.Spiller
	spillLeft  *hashtable.Spiller
	fault      error
	grew       bool

	batches  []uint32
	batchSts []*batchState
	batchCur int64

	closed bool
}

// NewShared validates spec and prepares the coordinator for workers
// parallel workers.
func NewShared(ctx context.Context, spec SharedSpec, workers int) (*SharedJoin, error) {
	switch spec.Kind {
	case Inner, LeftOuter, Semi, Anti:
	case RightOuter, FullOuter:
		return nil, moerr.NewNotSupported(ctx, "parallel %s join: shared table fill", kindName(spec.Kind))
	default:
		return nil, moerr.NewBadConfig(ctx, "unknown join kind %d", spec.Kind)
	}
	if workers <= 0 {
		return nil, moerr.NewBadConfig(ctx, "parallel join requires at least one worker, got %d", workers)
	}
	if spec.Right == nil {
		return nil, moerr.NewBadConfig(ctx, "parallel join requires a shared right producer")
	}
	if spec.Hasher == nil {
		return nil, moerr.NewBadConfig(ctx, "parallel join requires a key hasher")
	}
	if spec.On == nil {
		return nil, moerr.NewBadConfig(ctx, "parallel join requires a join qualifier")
	}
	if spec.Kind == LeftOuter && spec.NullRight == nil {
		return nil, moerr.NewBadConfig(ctx, "left join requires a right null row")
	}
	lim := spec.Limits
	if lim == nil {
		lim = config.Default()
	}
	if err := lim.Validate(); err != nil {
		return nil, err
	}
	return &SharedJoin{
		spec:       spec,
		lim:        lim,
		workers:    workers,
		buildBar:   barrier.New(),
		growBar:    barrier.New(),
		nbatch:     uint32(lim.InitBatches),
		spillRight: hashtable.NewSpiller(lim.SpillDir, "shared-right"),
		spillLeft:  hashtable.NewSpiller(lim.SpillDir, "shared-left"),
	}, nil
}

// Close removes any remaining spill files.  Call it after every worker
// has returned from its last Next.
func (sh *SharedJoin) Close() {
	if sh.closed {
		return
	}
	sh.closed = true
	sh.spillRight.Close()
	sh.spillLeft.Close()
	sh.table = nil
}

func (sh *SharedJoin) batchOf(hash uint32) uint32 {
	return hash & (sh.nbatch - 1)
}

// pullRight hands out build-side rows to whichever worker asks first.
func (sh *SharedJoin) pullRight(ctx context.Context) (*row.Row, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.rightEOF {
		return nil, nil
	}
	r, err := sh.spec.Right.Next(ctx)
	if err != nil {
		return nil, err
	}
	if r == nil {
		sh.rightEOF = true
	}
	return r, nil
}

func (sh *SharedJoin) spill(sp *hashtable.Spiller, ctx context.Context, batchno, hash uint32, r *row.Row) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sp.Spill(ctx, batchno, hash, false, r)
}

// setFault records the first error hit inside a barrier-elected section,
// where returning it directly would strand the other participants.
func (sh *SharedJoin) setFault(err error) {
	if err == nil {
		return
	}
	sh.mu.Lock()
	if sh.fault == nil {
		sh.fault = err
	}
	sh.mu.Unlock()
}

func (sh *SharedJoin) getFault() error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.fault
}

// runBuild is one worker's share of the build protocol: elect and
// allocate the table, hash the shared right input concurrently, then
// size the match bitmaps.  The caller attached to buildBar when the
// worker was created.
func (sh *SharedJoin) runBuild(ctx context.Context, w *Worker) error {
	if sh.buildBar.ArriveAndWait() {
		sh.table = newSharedTable(sh.workers, uint32(sh.lim.InitBuckets))
	}
	sh.buildBar.ArriveAndWait()

	sh.growBar.Attach()
	if err := sh.hashInput(ctx, w); err != nil {
		sh.growBar.Detach()
		sh.buildBar.Detach()
		return err
	}
	sh.growBar.Detach()

	if sh.buildBar.ArriveAndWait() {
		sh.setFault(sh.repartitionRight(ctx))
		sh.table.sizeMatched()
		logutil.Debug("parallel hash build complete",
			zap.Int("nbatch", int(sh.nbatch)),
			zap.Int64("mem", atomic.LoadInt64(&sh.table.memUsed)))
	}
	sh.buildBar.ArriveAndWait()
	return sh.getFault()
}

// repartitionRight rewrites the build-side batch files under the final
// batch count.  Records spilled before a growth round carry assignments
// computed with a smaller nbatch; rewriting them here means every batch
// file is final and later batches never write into each other while
// being read.
func (sh *SharedJoin) repartitionRight(ctx context.Context) error {
	if !sh.grew {
		return nil
	}
	type spilled struct {
		hash uint32
		r    *row.Row
	}
	for _, no := range sh.spillRight.Present().ToArray() {
		rd, err := sh.spillRight.Reload(ctx, no)
		if err != nil {
			return err
		}
		var recs []spilled
		for {
			if err := ctx.Err(); err != nil {
				return moerr.NewQueryInterrupted(ctx)
			}
			hash, _, r, err := rd.Next(ctx)
			if err != nil {
				return err
			}
			if r == nil {
				break
			}
			recs = append(recs, spilled{hash: hash, r: r})
		}
		if err := sh.spillRight.Drop(no); err != nil {
			return err
		}
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return moerr.NewQueryInterrupted(ctx)
			}
			bn := sh.batchOf(rec.hash)
			if bn == 0 {
				// doubling only adds high bits to an assignment, so a
				// spilled row can never fall back into the resident batch
				return moerr.NewInvalidState(ctx, "spilled row repartitioned into batch 0")
			}
			if err := sh.spillRight.Spill(ctx, bn, rec.hash, false, rec.r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (sh *SharedJoin) hashInput(ctx context.Context, w *Worker) error {
	for {
		if err := ctx.Err(); err != nil {
			return moerr.NewQueryInterrupted(ctx)
		}
		if atomic.LoadUint32(&sh.needGrow) == 1 {
			if err := sh.growQuiesce(ctx); err != nil {
				return err
			}
		}
		r, err := sh.pullRight(ctx)
		if err != nil {
			return err
		}
		if r == nil {
			return nil
		}
		hash, ok := sh.spec.Hasher.Hash(r, SideRight)
		if !ok {
			// null build keys never match and right-side fill is not
			// supported in parallel
			continue
		}
		bn := sh.batchOf(hash)
		if bn != 0 {
			if err := sh.spill(sh.spillRight, ctx, bn, hash, r); err != nil {
				return err
			}
			continue
		}
		used := sh.table.insert(w.id, r, hash)
		if used > sh.lim.MemoryBudget && atomic.LoadUint32(&sh.growOff) == 0 {
			atomic.StoreUint32(&sh.needGrow, 1)
		}
	}
}

// growQuiesce stops every active inserter at the grow barrier, lets the
// elected one repartition, and resumes them under the doubled batch
// count.  Workers that already hit end of input have detached and are
// parked at the build barrier, so they never touch the table again.
func (sh *SharedJoin) growQuiesce(ctx context.Context) error {
	if sh.growBar.ArriveAndWait() {
		if atomic.LoadUint32(&sh.needGrow) == 1 {
			sh.setFault(sh.growBatches(ctx))
			atomic.StoreUint32(&sh.needGrow, 0)
		}
	}
	sh.growBar.ArriveAndWait()
	return sh.getFault()
}

// growBatches doubles nbatch and evicts the rows whose assignment left
// batch 0.  Every inserter is quiesced, so plain writes are safe.
func (sh *SharedJoin) growBatches(ctx context.Context) error {
	t := sh.table
	sh.nbatch *= 2
	sh.mu.Lock()
	sh.grew = true
	sh.mu.Unlock()
	moved := 0
	for wi := range t.chunks {
		c := &t.chunks[wi]
		for i := range c.slots {
			sl := &c.slots[i]
			if sl.row == nil {
				continue
			}
			bn := sl.hash & (sh.nbatch - 1)
			if bn == 0 {
				continue
			}
			if err := sh.spill(sh.spillRight, ctx, bn, sl.hash, sl.row); err != nil {
				return err
			}
			atomic.AddInt64(&t.memUsed, -(int64(sl.row.Size()) + sharedSlotOverhead))
			sl.row = nil
			moved++
		}
	}
	for b := range t.buckets {
		t.buckets[b] = 0
	}
	for wi := range t.chunks {
		c := &t.chunks[wi]
		for i := range c.slots {
			sl := &c.slots[i]
			if sl.row == nil {
				continue
			}
			b := sl.hash & (t.nbuckets - 1)
			sl.next = t.buckets[b]
			t.buckets[b] = packSlotID(wi, i)
		}
	}
	if moved == 0 {
		// every resident row hashes into batch 0; doubling again would
		// only burn files
		atomic.StoreUint32(&sh.growOff, 1)
	}
	logutil.Debug("parallel hash join doubled batches",
		zap.Int("nbatch", int(sh.nbatch)), zap.Int("moved", moved))
	return nil
}

// collectBatches builds the batch schedule once the outer side has been
// fully partitioned.  Batch 0 probes the resident table and skips the
// loading phases.
func (sh *SharedJoin) collectBatches(ctx context.Context) error {
	present := roaring.Or(sh.spillRight.Present(), sh.spillLeft.Present())
	sh.batches = append(sh.batches[:0], 0)
	it := present.Iterator()
	for it.HasNext() {
		if n := it.Next(); n != 0 {
			sh.batches = append(sh.batches, n)
		}
	}
	sh.batchSts = make([]*batchState, len(sh.batches))
	for i, no := range sh.batches {
		sh.batchSts[i] = &batchState{no: no, bar: barrier.New()}
	}
	bs0 := sh.batchSts[0]
	bs0.bar = barrier.NewAtPhase(batchProbing)
	bs0.table = sh.table
	var err error
	bs0.leftRd, err = sh.spillLeft.Reload(ctx, 0)
	if err != nil {
		return err
	}
	return nil
}

// nextBatchState hands out batches round-robin.  A worker drawing past
// the end is done.
func (sh *SharedJoin) nextBatchState() *batchState {
	i := atomic.AddInt64(&sh.batchCur, 1) - 1
	if i >= int64(len(sh.batches)) {
		return nil
	}
	return sh.batchSts[i]
}

// releaseBatch drops the batch's spill files; called by the last worker
// to detach from it.
func (sh *SharedJoin) releaseBatch(bs *batchState) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	bs.table = nil
	bs.rightRd = nil
	bs.leftRd = nil
	if err := sh.spillRight.Drop(bs.no); err != nil {
		return err
	}
	return sh.spillLeft.Drop(bs.no)
}
