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
	"github.com/matrixorigin/rowjoin/pkg/hashtable"
)

// producerSource feeds batch 0 straight from the caller's producer.
type producerSource struct {
	p Producer
}

func (s *producerSource) next(ctx context.Context) (record, bool, error) {
	r, err := s.p.Next(ctx)
	if err != nil {
		return record{}, false, err
	}
	if r == nil {
		return record{}, false, nil
	}
	return record{r: r}, true, nil
}

// spillSource replays one spilled batch.  Records whose batch assignment
// moved past this batch while it sat on disk are pushed forward to their
// new file instead of being surfaced.  The file is deleted once fully
// consumed.
type spillSource struct {
	tab   *hashtable.HashTable
	rd    *hashtable.SpillReader
	batch int
	done  bool
}

func (s *spillSource) next(ctx context.Context) (record, bool, error) {
	if s.done || s.rd == nil {
		return record{}, false, nil
	}
	for {
		// a batch whose records all moved forward never leaves this loop
		// through the caller, so the cancellation check lives here
		if err := ctx.Err(); err != nil {
			return record{}, false, moerr.NewQueryInterrupted(ctx)
		}
		hash, matched, r, err := s.rd.Next(ctx)
		if err != nil {
			return record{}, false, err
		}
		if r == nil {
			s.done = true
			if err := s.tab.DropBatch(s.batch); err != nil {
				return record{}, false, err
			}
			return record{}, false, nil
		}
		if s.tab.BatchOf(hash) != s.batch {
			if err := s.tab.Respill(ctx, hash, matched, r); err != nil {
				return record{}, false, err
			}
			continue
		}
		return record{r: r, hash: hash, hashed: true, matched: matched}, true, nil
	}
}
