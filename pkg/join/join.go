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

	"github.com/matrixorigin/rowjoin/pkg/common/moerr"
	"github.com/matrixorigin/rowjoin/pkg/config"
	"github.com/matrixorigin/rowjoin/pkg/container/row"
	"github.com/matrixorigin/rowjoin/pkg/hashtable"
	"github.com/matrixorigin/rowjoin/pkg/logutil"
	"go.uber.org/zap"
)

// New validates spec and builds a joiner.  Nothing is pulled from either
// producer until the first Next call.
func New(ctx context.Context, spec Spec) (*Joiner, error) {
	switch spec.Kind {
	case Inner, LeftOuter, RightOuter, FullOuter, Semi, Anti:
	default:
		return nil, moerr.NewBadConfig(ctx, "unknown join kind %d", spec.Kind)
	}
	if spec.Left == nil || spec.Right == nil {
		return nil, moerr.NewBadConfig(ctx, "join requires producers on both sides")
	}
	if spec.Hasher == nil {
		return nil, moerr.NewBadConfig(ctx, "join requires a key hasher")
	}
	if spec.On == nil {
		return nil, moerr.NewBadConfig(ctx, "join requires a join qualifier")
	}
	if spec.Kind.fillLeft() && spec.Kind != Anti && spec.NullRight == nil {
		return nil, moerr.NewBadConfig(ctx, "%s join requires a right null row", kindName(spec.Kind))
	}
	if spec.Kind.fillRight() && spec.NullLeft == nil {
		return nil, moerr.NewBadConfig(ctx, "%s join requires a left null row", kindName(spec.Kind))
	}
	lim := spec.Limits
	if lim == nil {
		lim = config.Default()
	}
	if err := lim.Validate(); err != nil {
		return nil, err
	}
	return &Joiner{
		spec:      spec,
		lim:       lim,
		alternate: lim.PullPolicy != config.PullDrainSide,
		ctr:       container{state: buildTables, probeIdx: -1},
	}, nil
}

func kindName(k Kind) string {
	switch k {
	case Inner:
		return "inner"
	case LeftOuter:
		return "left"
	case RightOuter:
		return "right"
	case FullOuter:
		return "full"
	case Semi:
		return "semi"
	case Anti:
		return "anti"
	}
	return "unknown"
}

// Next runs the operator until one output row is produced, the input is
// exhausted, or ctx is canceled.
func (j *Joiner) Next(ctx context.Context) (*row.Row, error) {
	ctr := &j.ctr
	for {
		if err := ctx.Err(); err != nil {
			return nil, moerr.NewQueryInterrupted(ctx)
		}
		switch ctr.state {
		case buildTables:
			if err := j.build(); err != nil {
				return nil, err
			}
			ctr.state = pullRight

		case pullRight:
			r, err := j.pullSide(ctx, SideRight)
			if err != nil {
				return nil, err
			}
			if r != nil {
				return r, nil
			}

		case pullLeft:
			r, err := j.pullSide(ctx, SideLeft)
			if err != nil {
				return nil, err
			}
			if r != nil {
				return r, nil
			}

		case scanLeftTable:
			r, err := j.scanStep(ctx, SideRight)
			if err != nil {
				return nil, err
			}
			if r != nil {
				return r, nil
			}

		case scanRightTable:
			r, err := j.scanStep(ctx, SideLeft)
			if err != nil {
				return nil, err
			}
			if r != nil {
				return r, nil
			}

		case fillUnmatched:
			r, err := j.fillStep()
			if err != nil {
				return nil, err
			}
			if r != nil {
				return r, nil
			}

		case advanceBatch:
			if err := j.openNextBatch(ctx); err != nil {
				return nil, err
			}

		case end:
			return nil, nil

		default:
			return nil, moerr.NewInvalidState(ctx, "unrecognized join state %d", ctr.state)
		}
	}
}

func (j *Joiner) build() error {
	ctr := &j.ctr
	budget := j.lim.MemoryBudget / 2
	var err error
	ctr.lt, err = hashtable.Create(hashtable.Config{
		Tag:          "left",
		MemoryBudget: budget,
		InitBuckets:  j.lim.InitBuckets,
		InitBatches:  j.lim.InitBatches,
		ChainLimit:   j.lim.ChainLimit,
		SpillDir:     j.lim.SpillDir,
	})
	if err != nil {
		return err
	}
	ctr.rt, err = hashtable.Create(hashtable.Config{
		Tag:          "right",
		MemoryBudget: budget,
		InitBuckets:  j.lim.InitBuckets,
		InitBatches:  j.lim.InitBatches,
		ChainLimit:   j.lim.ChainLimit,
		SpillDir:     j.lim.SpillDir,
	})
	if err != nil {
		ctr.lt.Close()
		return err
	}
	ctr.leftSrc = &producerSource{p: j.spec.Left}
	ctr.rightSrc = &producerSource{p: j.spec.Right}
	return nil
}

// pullSide fetches one row from side, inserts it into its own table and,
// when it stays resident, starts a bucket scan of the opposite table.
// It returns a non-nil row only when the pull itself emits output, which
// never happens today; output comes from the scan states.
func (j *Joiner) pullSide(ctx context.Context, side Side) (*row.Row, error) {
	ctr := &j.ctr
	src, tab := ctr.rightSrc, ctr.rt
	if side == SideLeft {
		src, tab = ctr.leftSrc, ctr.lt
	}

	rec, ok, err := src.next(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		j.sideExhausted(side)
		return nil, nil
	}

	hash, hashed := rec.hash, true
	if !rec.hashed {
		hash, hashed = j.spec.Hasher.Hash(rec.r, side)
	}
	if !hashed {
		// a null key joins nothing, so it does not count as this side's
		// turn; keep pulling here until a hashable row arrives
		j.parkNullKey(side, rec.r)
		ctr.state = j.pullState(side)
		return nil, nil
	}

	idx, resident, err := tab.InsertMarked(ctx, rec.r, hash, rec.matched)
	if err != nil {
		return nil, err
	}
	if err := j.syncBatches(ctx, side); err != nil {
		return nil, err
	}
	if !resident {
		ctr.state = j.pullState(side.other())
		return nil, nil
	}

	ctr.probeRow = rec.r
	ctr.probeIdx = idx
	ctr.probeHash = hash
	ctr.probeReloaded = rec.matched
	if side == SideRight {
		ctr.scan = ctr.lt.Probe(hash)
		ctr.state = scanLeftTable
	} else {
		ctr.scan = ctr.rt.Probe(hash)
		ctr.state = scanRightTable
	}
	return nil, nil
}

func (s Side) other() Side {
	if s == SideLeft {
		return SideRight
	}
	return SideLeft
}

// syncBatches keeps both tables at the same batch count.  Growth happens
// inside insert on the side that just received a row, so only the
// opposite table can lag here.
func (j *Joiner) syncBatches(ctx context.Context, inserted Side) error {
	ctr := &j.ctr
	n := ctr.lt.NBatch()
	if rn := ctr.rt.NBatch(); rn > n {
		n = rn
	}
	lag := ctr.lt
	if inserted == SideLeft {
		lag = ctr.rt
	}
	if lag.NBatch() < n {
		return lag.RaiseNBatch(ctx, n)
	}
	return nil
}

func (j *Joiner) parkNullKey(side Side, r *row.Row) {
	ctr := &j.ctr
	if side == SideLeft {
		if j.spec.Kind.fillLeft() {
			ctr.parkedLeft = append(ctr.parkedLeft, r)
		}
		return
	}
	if j.spec.Kind.fillRight() {
		ctr.parkedRight = append(ctr.parkedRight, r)
	}
}

// sideExhausted records end of stream on side and picks the next state,
// short-circuiting joins that cannot produce output anymore.
func (j *Joiner) sideExhausted(side Side) {
	ctr := &j.ctr
	if side == SideLeft {
		ctr.leftDone = true
	} else {
		ctr.rightDone = true
	}

	// A provably empty input ends some join kinds outright.  Only batch 0
	// sees the whole relation, so the check is confined to it.
	if ctr.curBatch == 0 && j.sideEmpty(side) {
		k := j.spec.Kind
		if side == SideRight && (k == Inner || k == Semi) {
			logutil.Debug("hash join ends early: right input is empty")
			ctr.state = end
			return
		}
		if side == SideLeft && !k.fillRight() {
			logutil.Debug("hash join ends early: left input is empty")
			ctr.state = end
			return
		}
	}

	if ctr.leftDone && ctr.rightDone {
		ctr.state = fillUnmatched
		return
	}
	ctr.state = j.pullState(side.other())
}

func (j *Joiner) sideEmpty(side Side) bool {
	ctr := &j.ctr
	if side == SideLeft {
		return ctr.lt.Rows() == 0 && len(ctr.lt.SpilledBatches()) == 0 && len(ctr.parkedLeft) == 0
	}
	return ctr.rt.Rows() == 0 && len(ctr.rt.SpilledBatches()) == 0 && len(ctr.parkedRight) == 0
}

// pullState picks the side to pull next, preferring prefer when the
// policy alternates.  Under the drain-side policy the right input is
// always drained first.
func (j *Joiner) pullState(prefer Side) int {
	ctr := &j.ctr
	if ctr.leftDone && ctr.rightDone {
		return fillUnmatched
	}
	if !j.alternate {
		if !ctr.rightDone {
			return pullRight
		}
		return pullLeft
	}
	if prefer == SideLeft && !ctr.leftDone {
		return pullLeft
	}
	if prefer == SideRight && !ctr.rightDone {
		return pullRight
	}
	if !ctr.leftDone {
		return pullLeft
	}
	return pullRight
}

// scanStep advances the suspended bucket scan by one candidate.
// probeSide is the side the probing row came from; the scan walks the
// opposite table.
func (j *Joiner) scanStep(ctx context.Context, probeSide Side) (*row.Row, error) {
	ctr := &j.ctr
	scanned := ctr.lt
	if probeSide == SideLeft {
		scanned = ctr.rt
	}

	for {
		candIdx, cand, ok := ctr.scan.Next()
		if !ok {
			ctr.probeRow = nil
			ctr.probeIdx = -1
			ctr.state = j.pullState(probeSide.other())
			return nil, nil
		}

		// Two reloaded match bits mean both rows sat in an earlier
		// batch together, where this pair was already qualified and
		// emitted.  Replaying it would duplicate output.
		if ctr.probeReloaded && scanned.IsReloaded(candIdx) {
			continue
		}

		var l, r *row.Row
		if probeSide == SideRight {
			l, r = cand, ctr.probeRow
		} else {
			l, r = ctr.probeRow, cand
		}
		qual, err := j.spec.On.Eval(l, r)
		if err != nil {
			return nil, err
		}
		if !qual {
			continue
		}

		if j.spec.Kind == Semi {
			out, err := j.semiMatch(probeSide, scanned, candIdx, l, r)
			if err != nil {
				return nil, err
			}
			if out != nil {
				return out, nil
			}
			if probeSide == SideLeft {
				// one match settles a left probe row for good
				return nil, nil
			}
			continue
		}

		scanned.Mark(candIdx)
		if probeSide == SideRight {
			ctr.rt.Mark(ctr.probeIdx)
		} else {
			ctr.lt.Mark(ctr.probeIdx)
		}
		if j.spec.Kind == Anti {
			// match bits are all an anti join needs
			continue
		}

		if j.spec.Residual != nil {
			keep, err := j.spec.Residual.Eval(l, r)
			if err != nil {
				return nil, err
			}
			if !keep {
				continue
			}
		}
		return row.Join(l, r), nil
	}
}

// semiMatch handles a qualified pair for a semi join: each left row is
// emitted at most once, on its first qualified match.  A left probe row
// stops scanning after that first match; a right probe row keeps
// scanning, since other left rows in the bucket may find their first
// match against it.
func (j *Joiner) semiMatch(probeSide Side, scanned *hashtable.HashTable, candIdx int32, l, r *row.Row) (*row.Row, error) {
	ctr := &j.ctr
	fresh := false
	if probeSide == SideLeft {
		if !ctr.lt.IsMatched(ctr.probeIdx) {
			ctr.lt.Mark(ctr.probeIdx)
			fresh = true
		}
		ctr.probeRow = nil
		ctr.probeIdx = -1
		ctr.state = j.pullState(SideRight)
	} else {
		if !scanned.IsMatched(candIdx) {
			scanned.Mark(candIdx)
			fresh = true
		}
	}
	if !fresh {
		return nil, nil
	}
	if j.spec.Residual != nil {
		keep, err := j.spec.Residual.Eval(l, r)
		if err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
	}
	return l.Clone(), nil
}

// openNextBatch rotates both tables to the lowest batch either side has
// spilled, wiring spill readers as the new row sources.
func (j *Joiner) openNextBatch(ctx context.Context) error {
	ctr := &j.ctr
	next := nextBatch(ctr.lt, ctr.rt, ctr.curBatch)
	if next < 0 {
		ctr.state = end
		return nil
	}
	logutil.Debug("hash join advances to spilled batch", zap.Int("batch", next))

	ctr.lt.ResetForBatch(next)
	ctr.rt.ResetForBatch(next)
	lrd, err := ctr.lt.Reload(ctx, next)
	if err != nil {
		return err
	}
	rrd, err := ctr.rt.Reload(ctx, next)
	if err != nil {
		return err
	}
	ctr.leftSrc = &spillSource{tab: ctr.lt, rd: lrd, batch: next}
	ctr.rightSrc = &spillSource{tab: ctr.rt, rd: rrd, batch: next}
	ctr.leftDone = false
	ctr.rightDone = false
	ctr.curBatch = next
	ctr.fillStage = fillRightStage
	ctr.state = pullRight
	return nil
}

// nextBatch returns the smallest batch number either side spilled past
// after, or -1 when both sides are drained.
func nextBatch(lt, rt *hashtable.HashTable, after int) int {
	ln := lt.NextSpilledBatch(after)
	rn := rt.NextSpilledBatch(after)
	if ln < 0 {
		return rn
	}
	if rn < 0 || ln < rn {
		return ln
	}
	return rn
}

// Reset prepares the operator for a rescan.  When the right side was
// fully consumed in memory and only its rows matter for output, the
// built right table is kept and only the left producer rewinds.
func (j *Joiner) Reset(ctx context.Context) error {
	if j.closed {
		return moerr.NewInvalidState(ctx, "reset after shutdown")
	}
	ctr := &j.ctr
	if ctr.lt == nil {
		// never started; nothing to rewind
		ctr.state = buildTables
		return nil
	}

	keepRight := (j.spec.Kind == Inner || j.spec.Kind == Semi) &&
		ctr.rightDone && ctr.curBatch == 0 &&
		len(ctr.lt.SpilledBatches()) == 0 &&
		len(ctr.rt.SpilledBatches()) == 0

	if err := j.spec.Left.Reset(); err != nil {
		return err
	}
	if keepRight {
		logutil.Debug("hash join rescan keeps the resident right table")
		ctr.lt.Close()
		var err error
		ctr.lt, err = hashtable.Create(hashtable.Config{
			Tag:          "left",
			MemoryBudget: j.lim.MemoryBudget / 2,
			InitBuckets:  j.lim.InitBuckets,
			InitBatches:  j.lim.InitBatches,
			ChainLimit:   j.lim.ChainLimit,
			SpillDir:     j.lim.SpillDir,
		})
		if err != nil {
			return err
		}
		ctr.rt.ResetMatches()
		ctr.leftSrc = &producerSource{p: j.spec.Left}
		ctr.leftDone = false
		ctr.rightDone = true
		ctr.probeRow = nil
		ctr.probeIdx = -1
		ctr.probeReloaded = false
		ctr.fillStage = fillRightStage
		ctr.parkedDone = false
		ctr.parkIdx = 0
		ctr.parkedLeft = ctr.parkedLeft[:0]
		ctr.state = pullLeft
		return nil
	}

	if err := j.spec.Right.Reset(); err != nil {
		return err
	}
	ctr.lt.Close()
	ctr.rt.Close()
	j.ctr = container{state: buildTables, probeIdx: -1}
	return nil
}

// Shutdown releases the tables and deletes any remaining spill files.
// It is safe to call more than once.
func (j *Joiner) Shutdown() {
	if j.closed {
		return
	}
	j.closed = true
	ctr := &j.ctr
	if ctr.lt != nil {
		ctr.lt.Close()
	}
	if ctr.rt != nil {
		ctr.rt.Close()
	}
	ctr.state = end
}
