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
	"github.com/matrixorigin/rowjoin/pkg/container/row"
)

// BucketScanner walks the candidates for one hash value.  It is a plain
// cursor struct so the operator can suspend a scan mid-bucket, hand one
// output row to its caller, and resume exactly where it stopped on the
// next call.
type BucketScanner struct {
	ht   *HashTable
	hash uint32
	cur  int32
}

// Probe starts a scan over the bucket for hash.  Rows whose full hash
// value differs are skipped; the caller still evaluates the join
// qualifier for each candidate.
func (ht *HashTable) Probe(hash uint32) BucketScanner {
	return BucketScanner{ht: ht, hash: hash, cur: ht.buckets[ht.bucketOf(hash)]}
}

func (s *BucketScanner) Next() (int32, *row.Row, bool) {
	for s.cur >= 0 {
		idx := s.cur
		sl := &s.ht.rows[idx]
		s.cur = sl.next
		if sl.hash == s.hash {
			return idx, sl.row, true
		}
	}
	return -1, nil, false
}

// UnmatchedScanner yields resident rows whose match bit never got set,
// for outer-join null completion.  Like BucketScanner it suspends
// between calls.
type UnmatchedScanner struct {
	ht  *HashTable
	cur int32
}

func (ht *HashTable) Unmatched() UnmatchedScanner {
	return UnmatchedScanner{ht: ht}
}

func (s *UnmatchedScanner) Next() (*row.Row, bool) {
	for int(s.cur) < len(s.ht.rows) {
		idx := s.cur
		s.cur++
		if !s.ht.matched.Contains(uint64(idx)) {
			return s.ht.rows[idx].row, true
		}
	}
	return nil, false
}
