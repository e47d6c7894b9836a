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
	"bufio"
	"context"
	"io"
	"os"

	"github.com/RoaringBitmap/roaring"
	"github.com/matrixorigin/rowjoin/pkg/common/moerr"
	"github.com/matrixorigin/rowjoin/pkg/container/row"
	"github.com/matrixorigin/rowjoin/pkg/logutil"
	"go.uber.org/zap"
)

// stubbed in tests to inject spill failures
var createSpillFile = func(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}

// Spiller owns one sequential file per non-resident batch.  Files are
// created lazily on first spill, deleted when their batch has been
// consumed, and all deleted on Close; they never outlive the operator.
type Spiller struct {
	dir     string
	tag     string
	files   map[uint32]*spillFile
	present *roaring.Bitmap
}

type spillFile struct {
	f *os.File
	w *bufio.Writer
}

func NewSpiller(dir, tag string) *Spiller {
	return &Spiller{
		dir:     dir,
		tag:     tag,
		files:   make(map[uint32]*spillFile),
		present: roaring.New(),
	}
}

// Spill appends one record to the batch file.  Any failure is fatal to
// the query; spilled rows are never silently dropped.
func (sp *Spiller) Spill(ctx context.Context, batchno, hash uint32, matched bool, r *row.Row) error {
	sf, ok := sp.files[batchno]
	if !ok {
		f, err := createSpillFile(sp.dir, "rowjoin-"+sp.tag+"-*.spill")
		if err != nil {
			return moerr.NewSpillIO(ctx, "create batch %d: %v", batchno, err)
		}
		sf = &spillFile{f: f, w: bufio.NewWriter(f)}
		sp.files[batchno] = sf
		logutil.Debug("spill file created",
			zap.String("side", sp.tag),
			zap.Uint32("batch", batchno),
			zap.String("path", f.Name()))
	}
	var flags uint8
	if matched {
		flags |= row.FlagMatched
	}
	if err := row.WriteSpillRecord(sf.w, hash, flags, r); err != nil {
		return moerr.NewSpillIO(ctx, "write batch %d: %v", batchno, err)
	}
	sp.present.Add(batchno)
	return nil
}

// Present reports which batches hold at least one record.
func (sp *Spiller) Present() *roaring.Bitmap {
	return sp.present
}

// NextBatch returns the smallest batch number greater than after that
// holds records, or -1.
func (sp *Spiller) NextBatch(after int) int {
	it := sp.present.Iterator()
	it.AdvanceIfNeeded(uint32(after + 1))
	if it.HasNext() {
		return int(it.Next())
	}
	return -1
}

// Reload rewinds the batch file for reading.  A batch that was never
// spilled returns a nil reader.
func (sp *Spiller) Reload(ctx context.Context, batchno uint32) (*SpillReader, error) {
	sf, ok := sp.files[batchno]
	if !ok {
		return nil, nil
	}
	if err := sf.w.Flush(); err != nil {
		return nil, moerr.NewSpillIO(ctx, "flush batch %d: %v", batchno, err)
	}
	if _, err := sf.f.Seek(0, io.SeekStart); err != nil {
		return nil, moerr.NewSpillIO(ctx, "rewind batch %d: %v", batchno, err)
	}
	return &SpillReader{rd: bufio.NewReader(sf.f), batchno: batchno}, nil
}

// Drop closes and removes the batch file once its batch is consumed.
func (sp *Spiller) Drop(batchno uint32) error {
	sf, ok := sp.files[batchno]
	if !ok {
		return nil
	}
	delete(sp.files, batchno)
	sp.present.Remove(batchno)
	name := sf.f.Name()
	if err := sf.f.Close(); err != nil {
		return moerr.NewSpillIO(moerr.Context(), "close batch %d: %v", batchno, err)
	}
	if err := os.Remove(name); err != nil {
		return moerr.NewSpillIO(moerr.Context(), "remove batch %d: %v", batchno, err)
	}
	logutil.Debug("spill file dropped",
		zap.String("side", sp.tag),
		zap.Uint32("batch", batchno))
	return nil
}

// Close removes every remaining spill file.  Used on operator shutdown
// and rescan; errors are ignored since the files are temporary.
func (sp *Spiller) Close() {
	for batchno, sf := range sp.files {
		name := sf.f.Name()
		_ = sf.f.Close()
		_ = os.Remove(name)
		delete(sp.files, batchno)
	}
	sp.present.Clear()
}

// SpillReader iterates the records of one reloaded batch.
type SpillReader struct {
	rd      *bufio.Reader
	batchno uint32
}

// Next returns the next record, or a nil row at end of batch.
func (r *SpillReader) Next(ctx context.Context) (uint32, bool, *row.Row, error) {
	hash, flags, rw, err := row.ReadSpillRecord(r.rd)
	if err == io.EOF {
		return 0, false, nil, nil
	}
	if err != nil {
		return 0, false, nil, moerr.NewSpillIO(ctx, "read batch %d: %v", r.batchno, err)
	}
	return hash, flags&row.FlagMatched != 0, rw, nil
}
