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
	"fmt"
	"os"
	"testing"

	"github.com/matrixorigin/rowjoin/pkg/common/moerr"
	"github.com/matrixorigin/rowjoin/pkg/container/row"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	return Config{
		Tag:          "test",
		MemoryBudget: 1 << 20,
		InitBuckets:  8,
		InitBatches:  1,
		ChainLimit:   10,
		SpillDir:     t.TempDir(),
	}
}

func payload(i int) *row.Row {
	return row.New([]byte(fmt.Sprintf("row-%04d-payload-padding", i)))
}

func TestCreateValidation(t *testing.T) {
	cfg := testConfig(t)
	cfg.InitBuckets = 12
	_, err := Create(cfg)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrBadConfig))

	cfg = testConfig(t)
	cfg.InitBatches = 3
	_, err = Create(cfg)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrBadConfig))
}

func TestInsertAndProbe(t *testing.T) {
	ctx := context.Background()
	ht, err := Create(testConfig(t))
	require.NoError(t, err)
	defer ht.Close()

	// hashes 1 and 9 share bucket 1 under 8 buckets
	idx1, resident, err := ht.Insert(ctx, payload(1), 1)
	require.NoError(t, err)
	require.True(t, resident)
	_, resident, err = ht.Insert(ctx, payload(2), 9)
	require.NoError(t, err)
	require.True(t, resident)
	idx3, resident, err := ht.Insert(ctx, payload(3), 1)
	require.NoError(t, err)
	require.True(t, resident)

	sc := ht.Probe(1)
	gotIdx, r, ok := sc.Next()
	require.True(t, ok)
	require.Equal(t, idx1, gotIdx)
	require.Equal(t, payload(1).Data(), r.Data())

	gotIdx, r, ok = sc.Next()
	require.True(t, ok)
	require.Equal(t, idx3, gotIdx)
	require.Equal(t, payload(3).Data(), r.Data())

	_, _, ok = sc.Next()
	require.False(t, ok)

	empty := ht.Probe(5)
	_, _, ok = empty.Next()
	require.False(t, ok)
}

func TestInsertSpillsOtherBatches(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.InitBatches = 4
	ht, err := Create(cfg)
	require.NoError(t, err)
	defer ht.Close()

	// batch assignment is hash mod nbatch
	_, resident, err := ht.Insert(ctx, payload(0), 4) // 4 % 4 == 0
	require.NoError(t, err)
	require.True(t, resident)
	_, resident, err = ht.Insert(ctx, payload(1), 6) // 6 % 4 == 2
	require.NoError(t, err)
	require.False(t, resident)

	require.Equal(t, 1, ht.Rows())
	require.Equal(t, []uint32{2}, ht.SpilledBatches())
	require.Equal(t, 2, ht.NextSpilledBatch(0))
	require.Equal(t, -1, ht.NextSpilledBatch(2))
}

func TestGrowBatchesOnBudget(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MemoryBudget = 300
	ht, err := Create(cfg)
	require.NoError(t, err)
	defer ht.Close()

	for i := 0; i < 64; i++ {
		_, _, err := ht.Insert(ctx, payload(i), uint32(i))
		require.NoError(t, err)
	}
	require.Greater(t, ht.NBatch(), 1)
	require.NotEmpty(t, ht.SpilledBatches())

	// everything still resident belongs to batch 0
	for _, s := range ht.rows {
		require.Equal(t, 0, ht.BatchOf(s.hash))
	}
}

func TestGrowBuckets(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.ChainLimit = 1
	ht, err := Create(cfg)
	require.NoError(t, err)
	defer ht.Close()

	for i := 0; i < 200; i++ {
		_, _, err := ht.Insert(ctx, payload(i), uint32(i*2654435761))
		require.NoError(t, err)
	}
	require.Greater(t, ht.NBuckets(), 8)

	// every row is still reachable after the relink
	found := 0
	for i := 0; i < 200; i++ {
		sc := ht.Probe(uint32(i * 2654435761))
		for {
			_, _, ok := sc.Next()
			if !ok {
				break
			}
			found++
		}
	}
	require.Equal(t, 200, found)
}

func TestMatchBitsSurviveRepartition(t *testing.T) {
	ctx := context.Background()
	ht, err := Create(testConfig(t))
	require.NoError(t, err)
	defer ht.Close()

	idx, resident, err := ht.Insert(ctx, payload(1), 1)
	require.NoError(t, err)
	require.True(t, resident)
	ht.Mark(idx)

	_, _, err = ht.Insert(ctx, payload(2), 2)
	require.NoError(t, err)

	require.NoError(t, ht.RaiseNBatch(ctx, 2))
	require.Equal(t, 2, ht.NBatch())
	require.Equal(t, 1, ht.Rows()) // hash 1 moved to batch 1

	ht.ResetForBatch(1)
	rd, err := ht.Reload(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, rd)

	hash, matched, r, err := rd.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, uint32(1), hash)
	require.True(t, matched)
	require.Equal(t, payload(1).Data(), r.Data())

	_, _, r, err = rd.Next(ctx)
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestStaleBatchIsInvalidState(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.InitBatches = 4
	ht, err := Create(cfg)
	require.NoError(t, err)
	defer ht.Close()

	ht.ResetForBatch(2)

	// hash 1 belongs to batch 1, already behind the resident batch
	_, _, err = ht.Insert(ctx, payload(1), 1)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidState))

	err = ht.Respill(ctx, 2, false, payload(2))
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidState))

	// forward respill is fine
	require.NoError(t, ht.Respill(ctx, 3, false, payload(3)))
}

func TestUnmatchedScanner(t *testing.T) {
	ctx := context.Background()
	ht, err := Create(testConfig(t))
	require.NoError(t, err)
	defer ht.Close()

	var idxs []int32
	for i := 0; i < 3; i++ {
		idx, _, err := ht.Insert(ctx, payload(i), uint32(i))
		require.NoError(t, err)
		idxs = append(idxs, idx)
	}
	ht.Mark(idxs[1])
	require.True(t, ht.IsMatched(idxs[1]))
	require.False(t, ht.IsMatched(idxs[0]))

	var got [][]byte
	sc := ht.Unmatched()
	for {
		r, ok := sc.Next()
		if !ok {
			break
		}
		got = append(got, r.Data())
	}
	require.Equal(t, [][]byte{payload(0).Data(), payload(2).Data()}, got)
}

func TestRaiseNBatchValidation(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.InitBatches = 4
	ht, err := Create(cfg)
	require.NoError(t, err)
	defer ht.Close()

	require.True(t, moerr.IsMoErrCode(ht.RaiseNBatch(ctx, 2), moerr.ErrInvalidState))
	require.True(t, moerr.IsMoErrCode(ht.RaiseNBatch(ctx, 6), moerr.ErrInvalidState))
	require.NoError(t, ht.RaiseNBatch(ctx, 16))
	require.Equal(t, 16, ht.NBatch())
}

func TestResetForBatch(t *testing.T) {
	ctx := context.Background()
	ht, err := Create(testConfig(t))
	require.NoError(t, err)
	defer ht.Close()

	idx, _, err := ht.Insert(ctx, payload(1), 0)
	require.NoError(t, err)
	ht.Mark(idx)

	ht.ResetForBatch(3)
	require.Equal(t, 0, ht.Rows())
	require.Equal(t, int64(0), ht.MemUsed())
	require.Equal(t, 3, ht.CurBatch())
	require.False(t, ht.IsMatched(idx))
}

func TestCloseRemovesSpillFiles(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.InitBatches = 4
	ht, err := Create(cfg)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		_, _, err := ht.Insert(ctx, payload(i), uint32(i))
		require.NoError(t, err)
	}
	require.NotEmpty(t, ht.SpilledBatches())

	ht.Close()
	ents, err := os.ReadDir(cfg.SpillDir)
	require.NoError(t, err)
	require.Empty(t, ents)
}

func BenchmarkInsertProbe(b *testing.B) {
	ht, err := Create(Config{
		Tag:          "bench",
		MemoryBudget: 1 << 40,
		InitBuckets:  1 << 14,
		InitBatches:  1,
		ChainLimit:   10,
		SpillDir:     b.TempDir(),
	})
	if err != nil {
		b.Fatal(err)
	}
	defer ht.Close()

	ctx := context.Background()
	r := payload(0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hash := uint32(i) * 2654435761
		if _, _, err := ht.Insert(ctx, r, hash); err != nil {
			b.Fatal(err)
		}
		sc := ht.Probe(hash)
		for {
			if _, _, ok := sc.Next(); !ok {
				break
			}
		}
	}
}

func TestReloadedBitsAreSeparateFromMarks(t *testing.T) {
	ctx := context.Background()
	ht, err := Create(testConfig(t))
	require.NoError(t, err)
	defer ht.Close()

	carried, resident, err := ht.InsertMarked(ctx, payload(1), 2, true)
	require.NoError(t, err)
	require.True(t, resident)
	fresh, _, err := ht.Insert(ctx, payload(2), 4)
	require.NoError(t, err)
	ht.Mark(fresh)

	require.True(t, ht.IsMatched(carried))
	require.True(t, ht.IsReloaded(carried))
	require.True(t, ht.IsMatched(fresh))
	require.False(t, ht.IsReloaded(fresh))

	// repartitioning keeps the distinction for the rows that stay
	require.NoError(t, ht.RaiseNBatch(ctx, 2))
	require.True(t, ht.IsReloaded(0))
	require.False(t, ht.IsReloaded(1))
}
