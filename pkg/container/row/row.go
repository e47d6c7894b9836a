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

package row

import (
	"encoding/binary"
)

// Row is an immutable fixed-shape record: a byte length and a serialized
// payload.  The engine never looks inside the payload; key hashing and
// predicate evaluation are supplied by the planner.  A Row is owned by
// whichever buffer currently holds it; copies are explicit via Clone.
type Row struct {
	data []byte
}

// New wraps data without copying.  The caller gives up ownership.
func New(data []byte) *Row {
	return &Row{data: data}
}

func (r *Row) Clone() *Row {
	return &Row{data: append([]byte(nil), r.data...)}
}

func (r *Row) Data() []byte {
	return r.data
}

func (r *Row) Size() int {
	return len(r.data)
}

// Join concatenates the two side payloads into one output row.  The left
// length is framed in front so the pair can be split again.
func Join(left, right *Row) *Row {
	data := make([]byte, 4+len(left.data)+len(right.data))
	binary.LittleEndian.PutUint32(data, uint32(len(left.data)))
	copy(data[4:], left.data)
	copy(data[4+len(left.data):], right.data)
	return &Row{data: data}
}

// SplitJoined undoes Join.  It returns nil slices when r was not produced
// by Join.
func SplitJoined(r *Row) ([]byte, []byte) {
	if len(r.data) < 4 {
		return nil, nil
	}
	n := binary.LittleEndian.Uint32(r.data)
	if int(n) > len(r.data)-4 {
		return nil, nil
	}
	return r.data[4 : 4+n], r.data[4+n:]
}
