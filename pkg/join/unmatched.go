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
	"github.com/matrixorigin/rowjoin/pkg/container/row"
)

// fillStep runs the completion phase of the current batch: null-extend
// the unmatched resident rows of each side that requires it, then emit
// the parked null-keyed rows exactly once, then move on to the next
// spilled batch.  Anti join rows come out bare, without padding.
func (j *Joiner) fillStep() (*row.Row, error) {
	ctr := &j.ctr
	k := j.spec.Kind
	for {
		switch ctr.fillStage {
		case fillRightStage:
			if !ctr.fillStarted {
				if !k.fillRight() {
					ctr.fillStage = fillLeftStage
					continue
				}
				ctr.unmatched = ctr.rt.Unmatched()
				ctr.fillStarted = true
			}
			r, ok := ctr.unmatched.Next()
			if !ok {
				ctr.fillStage = fillLeftStage
				ctr.fillStarted = false
				continue
			}
			return row.Join(j.spec.NullLeft, r), nil

		case fillLeftStage:
			if !ctr.fillStarted {
				if !k.fillLeft() {
					ctr.fillStage = parkedLeftStage
					ctr.parkIdx = 0
					continue
				}
				ctr.unmatched = ctr.lt.Unmatched()
				ctr.fillStarted = true
			}
			l, ok := ctr.unmatched.Next()
			if !ok {
				ctr.fillStage = parkedLeftStage
				ctr.fillStarted = false
				ctr.parkIdx = 0
				continue
			}
			if k == Anti {
				return l.Clone(), nil
			}
			return row.Join(l, j.spec.NullRight), nil

		case parkedLeftStage:
			if ctr.parkedDone || ctr.parkIdx >= len(ctr.parkedLeft) {
				ctr.fillStage = parkedRightStage
				ctr.parkIdx = 0
				continue
			}
			l := ctr.parkedLeft[ctr.parkIdx]
			ctr.parkIdx++
			if k == Anti {
				return l.Clone(), nil
			}
			return row.Join(l, j.spec.NullRight), nil

		case parkedRightStage:
			if ctr.parkedDone || ctr.parkIdx >= len(ctr.parkedRight) {
				ctr.fillStage = fillDoneStage
				continue
			}
			r := ctr.parkedRight[ctr.parkIdx]
			ctr.parkIdx++
			return row.Join(j.spec.NullLeft, r), nil

		case fillDoneStage:
			ctr.parkedDone = true
			ctr.state = advanceBatch
			return nil, nil
		}
	}
}
