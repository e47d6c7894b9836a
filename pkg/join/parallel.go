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

	"github.com/matrixorigin/rowjoin/pkg/common/moerr"
	"github.com/matrixorigin/rowjoin/pkg/container/row"
	"github.com/panjf2000/ants/v2"
)

// worker states
const (
	wkBuild = iota
	wkPartition
	wkPartitionWait
	wkPick
	wkPull
	wkScan
	wkEnd
)

// Worker is one participant of a parallel hash join.  Like the
// sequential joiner it yields at most one row per Next call; rows from
// different workers together form the join's output multiset.
type Worker struct {
	sh   *SharedJoin
	id   int
	left Producer

	state  int
	direct bool // single batch: probe straight from the left producer

	bs       *batchState
	tbl      *sharedTable
	scan     sharedScanner
	probeRow *row.Row
	probeHit bool
}

// NewWorker registers worker id with its partition of the left input.
// Every worker must be created before any of them calls Next; ids run
// from 0 to workers-1.
func (sh *SharedJoin) NewWorker(id int, left Producer) *Worker {
	sh.buildBar.Attach()
	return &Worker{sh: sh, id: id, left: left, state: wkBuild}
}

// abandon detaches the worker from every barrier it still participates
// in so the remaining workers are never left waiting on it.  States that
// already detached on their own error path arrive here as wkEnd.
func (w *Worker) abandon() {
	if w.state == wkEnd {
		return
	}
	if w.bs != nil {
		w.bs.bar.Detach()
		w.bs = nil
	}
	w.sh.buildBar.Detach()
	w.state = wkEnd
}

func (w *Worker) Next(ctx context.Context) (*row.Row, error) {
	sh := w.sh
	for {
		if err := ctx.Err(); err != nil {
			return nil, moerr.NewQueryInterrupted(ctx)
		}
		switch w.state {
		case wkBuild:
			if err := sh.runBuild(ctx, w); err != nil {
				w.state = wkEnd
				return nil, err
			}
			if sh.nbatch == 1 {
				w.direct = true
				w.tbl = sh.table
				w.state = wkPull
			} else {
				w.state = wkPartition
			}

		case wkPartition:
			r, err := w.partitionStep(ctx)
			if err != nil {
				return nil, err
			}
			if r != nil {
				return r, nil
			}

		case wkPartitionWait:
			if sh.buildBar.ArriveAndWait() {
				sh.setFault(sh.collectBatches(ctx))
			}
			sh.buildBar.ArriveAndWait()
			if err := sh.getFault(); err != nil {
				w.state = wkEnd
				return nil, err
			}
			w.state = wkPick

		case wkPick:
			bs := sh.nextBatchState()
			if bs == nil {
				w.state = wkEnd
				continue
			}
			ok, err := w.joinBatch(ctx, bs)
			if err != nil {
				w.state = wkEnd
				return nil, err
			}
			if !ok {
				continue
			}
			w.bs = bs
			w.tbl = bs.table
			w.state = wkPull

		case wkPull:
			r, err := w.pullStep(ctx)
			if err != nil {
				return nil, err
			}
			if r != nil {
				return r, nil
			}

		case wkScan:
			r, err := w.scanStep(ctx)
			if err != nil {
				return nil, err
			}
			if r != nil {
				return r, nil
			}

		case wkEnd:
			return nil, nil

		default:
			return nil, moerr.NewInvalidState(ctx, "unrecognized worker state %d", w.state)
		}
	}
}

// partitionStep routes one left row to its batch file.  Null-keyed rows
// never enter a batch; the kinds that keep them emit locally, right
// here.
func (w *Worker) partitionStep(ctx context.Context) (*row.Row, error) {
	sh := w.sh
	r, err := w.left.Next(ctx)
	if err != nil {
		return nil, err
	}
	if r == nil {
		w.state = wkPartitionWait
		return nil, nil
	}
	hash, ok := sh.spec.Hasher.Hash(r, SideLeft)
	if !ok {
		switch sh.spec.Kind {
		case LeftOuter:
			return row.Join(r, sh.spec.NullRight), nil
		case Anti:
			return r, nil
		}
		return nil, nil
	}
	if err := sh.spill(sh.spillLeft, ctx, sh.batchOf(hash), hash, r); err != nil {
		return nil, err
	}
	return nil, nil
}

// joinBatch attaches to the batch's barrier at whatever phase it is in
// and works the protocol forward until probing starts.  It reports
// false when the batch is already done.
func (w *Worker) joinBatch(ctx context.Context, bs *batchState) (bool, error) {
	sh := w.sh
	ph := bs.bar.Attach()
	for {
		switch ph {
		case batchElecting:
			if bs.bar.ArriveAndWait() {
				sh.setFault(w.allocBatch(ctx, bs))
			}
			ph = batchAllocating

		case batchAllocating:
			bs.bar.ArriveAndWait()
			if err := sh.getFault(); err != nil {
				bs.bar.Detach()
				return false, err
			}
			ph = batchLoading

		case batchLoading:
			if err := w.loadBatch(ctx, bs); err != nil {
				bs.bar.Detach()
				return false, err
			}
			if bs.bar.ArriveAndWait() {
				bs.table.sizeMatched()
			}
			ph = batchSizing

		case batchSizing:
			bs.bar.ArriveAndWait()
			ph = batchProbing

		case batchProbing:
			return true, nil

		default:
			bs.bar.Detach()
			return false, nil
		}
	}
}

func (w *Worker) allocBatch(ctx context.Context, bs *batchState) error {
	sh := w.sh
	bs.table = newSharedTable(sh.workers, uint32(sh.lim.InitBuckets))
	sh.mu.Lock()
	defer sh.mu.Unlock()
	var err error
	if bs.rightRd, err = sh.spillRight.Reload(ctx, bs.no); err != nil {
		return err
	}
	bs.leftRd, err = sh.spillLeft.Reload(ctx, bs.no)
	return err
}

// loadBatch drains the batch's build-side file cooperatively.  Files
// were repartitioned to their final assignments at the end of the build,
// so every record belongs here.
func (w *Worker) loadBatch(ctx context.Context, bs *batchState) error {
	sh := w.sh
	for {
		if err := ctx.Err(); err != nil {
			return moerr.NewQueryInterrupted(ctx)
		}
		bs.mu.Lock()
		if bs.rightRd == nil {
			bs.mu.Unlock()
			return nil
		}
		hash, _, r, err := bs.rightRd.Next(ctx)
		bs.mu.Unlock()
		if err != nil {
			return err
		}
		if r == nil {
			return nil
		}
		if bn := sh.batchOf(hash); bn != bs.no {
			return moerr.NewInvalidState(ctx, "batch %d file holds a row assigned to batch %d", bs.no, bn)
		}
		bs.table.insert(w.id, r, hash)
	}
}

// pullStep fetches the next probe row, from the worker's own producer in
// direct mode or from the batch's shared probe file otherwise, and opens
// its bucket scan.
func (w *Worker) pullStep(ctx context.Context) (*row.Row, error) {
	sh := w.sh
	var (
		r    *row.Row
		hash uint32
	)
	if w.direct {
		var err error
		r, err = w.left.Next(ctx)
		if err != nil {
			return nil, err
		}
		if r == nil {
			w.state = wkEnd
			return nil, nil
		}
		var ok bool
		hash, ok = sh.spec.Hasher.Hash(r, SideLeft)
		if !ok {
			switch sh.spec.Kind {
			case LeftOuter:
				return row.Join(r, sh.spec.NullRight), nil
			case Anti:
				return r, nil
			}
			return nil, nil
		}
	} else {
		bs := w.bs
		bs.mu.Lock()
		if bs.leftRd == nil {
			bs.mu.Unlock()
			return nil, w.leaveBatch()
		}
		var err error
		hash, _, r, err = bs.leftRd.Next(ctx)
		bs.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, w.leaveBatch()
		}
	}
	w.scan = w.tbl.probe(hash)
	w.probeRow = r
	w.probeHit = false
	w.state = wkScan
	return nil, nil
}

func (w *Worker) leaveBatch() error {
	bs := w.bs
	w.bs = nil
	w.tbl = nil
	w.state = wkPick
	if bs.bar.ArriveAndDetach() {
		return w.sh.releaseBatch(bs)
	}
	return nil
}

// scanStep walks the probe row's bucket one candidate per iteration,
// marking matches atomically.  With no build-side fill the probe side
// null-extends locally: left and anti rows with no match at all come out
// when the scan ends.
func (w *Worker) scanStep(ctx context.Context) (*row.Row, error) {
	sh := w.sh
	for {
		id, cand, ok := w.scan.next()
		if !ok {
			w.state = wkPull
			if !w.probeHit {
				switch sh.spec.Kind {
				case LeftOuter:
					return row.Join(w.probeRow, sh.spec.NullRight), nil
				case Anti:
					return w.probeRow, nil
				}
			}
			return nil, nil
		}
		qual, err := sh.spec.On.Eval(w.probeRow, cand)
		if err != nil {
			return nil, err
		}
		if !qual {
			continue
		}
		w.tbl.mark(id)
		w.probeHit = true
		switch sh.spec.Kind {
		case Semi:
			w.state = wkPull
			if sh.spec.Residual != nil {
				keep, err := sh.spec.Residual.Eval(w.probeRow, cand)
				if err != nil {
					return nil, err
				}
				if !keep {
					return nil, nil
				}
			}
			return w.probeRow, nil
		case Anti:
			w.state = wkPull
			return nil, nil
		}
		if sh.spec.Residual != nil {
			keep, err := sh.spec.Residual.Eval(w.probeRow, cand)
			if err != nil {
				return nil, err
			}
			if !keep {
				continue
			}
		}
		return row.Join(w.probeRow, cand), nil
	}
}

// RunParallel drives workers over lefts, one worker per left partition,
// on an ants pool.  emit is called serially with every output row.
func RunParallel(ctx context.Context, spec SharedSpec, lefts []Producer, emit func(*row.Row) error) error {
	sh, err := NewShared(ctx, spec, len(lefts))
	if err != nil {
		return err
	}
	defer sh.Close()

	pool, err := ants.NewPool(len(lefts))
	if err != nil {
		return moerr.ConvertGoError(ctx, err)
	}
	defer pool.Release()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancel()
	}
	// every worker attaches to the build barrier before any of them runs;
	// submitting as we create would let an early worker pass the barrier
	// alone and desync the protocol for the rest
	workers := make([]*Worker, len(lefts))
	for i := range lefts {
		workers[i] = sh.NewWorker(i, lefts[i])
	}
	for i, w := range workers {
		w := w
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			for {
				r, err := w.Next(cctx)
				if err != nil {
					w.abandon()
					fail(err)
					return
				}
				if r == nil {
					return
				}
				mu.Lock()
				err = emit(r)
				mu.Unlock()
				if err != nil {
					w.abandon()
					fail(err)
					return
				}
			}
		}); err != nil {
			wg.Done()
			for _, rest := range workers[i:] {
				rest.abandon()
			}
			fail(moerr.ConvertGoError(ctx, err))
			break
		}
	}
	wg.Wait()
	return firstErr
}
