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
	"os"
	"testing"

	"github.com/matrixorigin/rowjoin/pkg/common/moerr"
	"github.com/matrixorigin/rowjoin/pkg/container/row"
	"github.com/prashantv/gostub"
	"github.com/stretchr/testify/require"
)

func TestSpillerRoundTrip(t *testing.T) {
	ctx := context.Background()
	sp := NewSpiller(t.TempDir(), "rt")

	require.NoError(t, sp.Spill(ctx, 1, 100, false, row.New([]byte("a"))))
	require.NoError(t, sp.Spill(ctx, 1, 101, true, row.New([]byte("b"))))
	require.NoError(t, sp.Spill(ctx, 3, 102, false, row.New([]byte("c"))))

	require.Equal(t, uint64(2), sp.Present().GetCardinality())
	require.Equal(t, 1, sp.NextBatch(0))
	require.Equal(t, 3, sp.NextBatch(1))
	require.Equal(t, -1, sp.NextBatch(3))

	rd, err := sp.Reload(ctx, 1)
	require.NoError(t, err)
	hash, matched, r, err := rd.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(100), hash)
	require.False(t, matched)
	require.Equal(t, []byte("a"), r.Data())

	hash, matched, r, err = rd.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(101), hash)
	require.True(t, matched)
	require.Equal(t, []byte("b"), r.Data())

	_, _, r, err = rd.Next(ctx)
	require.NoError(t, err)
	require.Nil(t, r)

	sp.Close()
}

func TestSpillerReloadAbsentBatch(t *testing.T) {
	sp := NewSpiller(t.TempDir(), "absent")
	rd, err := sp.Reload(context.Background(), 7)
	require.NoError(t, err)
	require.Nil(t, rd)
}

func TestSpillerDrop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sp := NewSpiller(dir, "drop")

	require.NoError(t, sp.Spill(ctx, 2, 7, false, row.New([]byte("x"))))
	require.Equal(t, 2, sp.NextBatch(0))

	require.NoError(t, sp.Drop(2))
	require.Equal(t, -1, sp.NextBatch(0))
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, ents)

	// dropping twice is a no-op
	require.NoError(t, sp.Drop(2))
}

func TestSpillerCreateFailure(t *testing.T) {
	stubs := gostub.Stub(&createSpillFile, func(dir, pattern string) (*os.File, error) {
		return nil, os.ErrPermission
	})
	defer stubs.Reset()

	sp := NewSpiller(t.TempDir(), "fail")
	err := sp.Spill(context.Background(), 1, 7, false, row.New([]byte("x")))
	require.Error(t, err)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrSpillIO))
}

func TestSpillerWriteAfterReloadNewBatch(t *testing.T) {
	// a reload of one batch must not disturb writes to another
	ctx := context.Background()
	sp := NewSpiller(t.TempDir(), "mix")
	defer sp.Close()

	require.NoError(t, sp.Spill(ctx, 1, 1, false, row.New([]byte("one"))))
	rd, err := sp.Reload(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, sp.Spill(ctx, 2, 2, false, row.New([]byte("two"))))

	_, _, r, err := rd.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), r.Data())

	rd2, err := sp.Reload(ctx, 2)
	require.NoError(t, err)
	_, _, r, err = rd2.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), r.Data())
}
