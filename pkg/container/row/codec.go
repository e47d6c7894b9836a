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
	"io"
	"sync"

	"github.com/pierrec/lz4"
)

var compressTablePool = sync.Pool{
	New: func() interface{} {
		ht := make([]int, 1<<16)
		return &ht
	},
}

// Spill record framing, one record per spilled row:
//
//	hash u32 | flags u8 | rawLen u32 | storedLen u32 | payload
//
// storedLen == 0 means the payload is stored raw (rawLen bytes);
// otherwise it is an lz4 block of storedLen bytes.  The files are
// ephemeral and never outlive the operator, so the format is private.
const (
	// FlagMatched records that the row already found a join partner
	// before it was moved to a later batch.  The bit must survive the
	// move or outer-join completion would emit the row twice.
	FlagMatched uint8 = 1 << 0

	recordHeaderSize = 4 + 1 + 4 + 4
	compressMinSize  = 64
)

// WriteSpillRecord appends one (hash, flags, row) record to w.
func WriteSpillRecord(w io.Writer, hash uint32, flags uint8, r *Row) error {
	var hdr [recordHeaderSize]byte
	payload := r.data
	var storedLen uint32

	if len(payload) >= compressMinSize {
		htp := compressTablePool.Get().(*[]int)
		ht := *htp
		for i := range ht {
			ht[i] = 0
		}
		dst := make([]byte, lz4.CompressBlockBound(len(payload)))
		if n, err := lz4.CompressBlock(payload, dst, ht); err == nil && n > 0 && n < len(payload) {
			payload = dst[:n]
			storedLen = uint32(n)
		}
		compressTablePool.Put(htp)
	}

	binary.LittleEndian.PutUint32(hdr[0:], hash)
	hdr[4] = flags
	binary.LittleEndian.PutUint32(hdr[5:], uint32(len(r.data)))
	binary.LittleEndian.PutUint32(hdr[9:], storedLen)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadSpillRecord reads the next record.  A clean end of stream returns
// io.EOF; a torn record returns io.ErrUnexpectedEOF.
func ReadSpillRecord(rd io.Reader) (uint32, uint8, *Row, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(rd, hdr[:1]); err != nil {
		return 0, 0, nil, err
	}
	if _, err := io.ReadFull(rd, hdr[1:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, 0, nil, err
	}

	hash := binary.LittleEndian.Uint32(hdr[0:])
	flags := hdr[4]
	rawLen := binary.LittleEndian.Uint32(hdr[5:])
	storedLen := binary.LittleEndian.Uint32(hdr[9:])

	data := make([]byte, rawLen)
	if storedLen == 0 {
		if _, err := io.ReadFull(rd, data); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, 0, nil, err
		}
		return hash, flags, New(data), nil
	}

	comp := make([]byte, storedLen)
	if _, err := io.ReadFull(rd, comp); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, 0, nil, err
	}
	n, err := lz4.UncompressBlock(comp, data)
	if err != nil {
		return 0, 0, nil, err
	}
	return hash, flags, New(data[:n]), nil
}
