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
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoinSplit(t *testing.T) {
	l := New([]byte("left-side"))
	r := New([]byte("right"))
	j := Join(l, r)

	lb, rb := SplitJoined(j)
	require.Equal(t, []byte("left-side"), lb)
	require.Equal(t, []byte("right"), rb)
}

func TestJoinEmptySides(t *testing.T) {
	j := Join(New(nil), New([]byte("x")))
	lb, rb := SplitJoined(j)
	require.Empty(t, lb)
	require.Equal(t, []byte("x"), rb)

	j = Join(New([]byte("y")), New(nil))
	lb, rb = SplitJoined(j)
	require.Equal(t, []byte("y"), lb)
	require.Empty(t, rb)
}

func TestCloneIsIndependent(t *testing.T) {
	orig := New([]byte{1, 2, 3})
	c := orig.Clone()
	orig.Data()[0] = 9
	require.Equal(t, []byte{1, 2, 3}, c.Data())
}

func TestSpillRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSpillRecord(&buf, 0xdeadbeef, FlagMatched, New([]byte("short"))))

	hash, flags, r, err := ReadSpillRecord(&buf)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), hash)
	require.Equal(t, FlagMatched, flags)
	require.Equal(t, []byte("short"), r.Data())

	_, _, _, err = ReadSpillRecord(&buf)
	require.Equal(t, io.EOF, err)
}

func TestSpillRecordCompressesLargePayloads(t *testing.T) {
	// highly repetitive and past the compression threshold
	payload := bytes.Repeat([]byte("abcdefgh"), 64)
	var buf bytes.Buffer
	require.NoError(t, WriteSpillRecord(&buf, 42, 0, New(payload)))
	require.Less(t, buf.Len(), len(payload))

	hash, flags, r, err := ReadSpillRecord(&buf)
	require.NoError(t, err)
	require.Equal(t, uint32(42), hash)
	require.Equal(t, uint8(0), flags)
	require.Equal(t, payload, r.Data())
}

func TestSpillRecordTornHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSpillRecord(&buf, 7, 0, New([]byte("payload"))))
	torn := bytes.NewReader(buf.Bytes()[:6])

	_, _, _, err := ReadSpillRecord(torn)
	require.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestSpillRecordTornPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSpillRecord(&buf, 7, 0, New([]byte("payload"))))
	torn := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	_, _, _, err := ReadSpillRecord(torn)
	require.Equal(t, io.ErrUnexpectedEOF, err)
}
