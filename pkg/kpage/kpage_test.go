// Copyright The vcmmd Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kpage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWordFile(t *testing.T, path string, words []uint64) {
	t.Helper()
	raw := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(raw[i*8:], w)
	}
	require.NoError(t, os.WriteFile(path, raw, 0644))
}

func TestReadWords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kpageflags")
	writeWordFile(t, path, []uint64{0x20, 0x1020, 0, 0xdeadbeef})

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]uint64, 2)
	require.NoError(t, f.ReadWords(0, buf))
	assert.Equal(t, []uint64{0x20, 0x1020}, buf)

	require.NoError(t, f.ReadWords(2, buf))
	assert.Equal(t, []uint64{0, 0xdeadbeef}, buf)
}

func TestReadWordsShort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kpageflags")
	writeWordFile(t, path, []uint64{1, 2})

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]uint64, 4)
	err = f.ReadWords(0, buf)
	require.Error(t, err, "a short read must not be clipped silently")
	assert.Contains(t, err.Error(), path)
	assert.Contains(t, err.Error(), "32@0")
}

func TestWriteWords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bitmap")
	writeWordFile(t, path, []uint64{0, 0, 0, 0})

	f, err := OpenRW(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.WriteWords(1, []uint64{^uint64(0), 0x0f}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0), binary.LittleEndian.Uint64(raw[8:]))
	assert.Equal(t, uint64(0x0f), binary.LittleEndian.Uint64(raw[16:]))
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(raw[0:]))
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(raw[24:]))
}

func TestWriteWordsReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bitmap")
	writeWordFile(t, path, []uint64{0})

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	err = f.WriteWords(0, []uint64{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nonexistent"))
	require.Error(t, err)
}

func TestEndPFN(t *testing.T) {
	tcases := []struct {
		name     string
		zoneinfo string
		expected uint64
		fails    bool
	}{
		{
			name: "single zone",
			zoneinfo: `Node 0, zone      DMA
  pages free     3840
        spanned  4095
        present  3997
  start_pfn:         1
`,
			expected: 4096,
		},
		{
			name: "multiple zones take the max end",
			zoneinfo: `Node 0, zone      DMA
        spanned  4095
  start_pfn:         1
Node 0, zone    DMA32
        spanned  1044480
  start_pfn:         4096
Node 0, zone   Normal
        spanned  3145728
  start_pfn:         1048576
Node 0, zone  Movable
        spanned  0
  start_pfn:         0
`,
			expected: 4194304,
		},
		{
			name: "unordered zones",
			zoneinfo: `Node 0, zone   Normal
        spanned  1000
  start_pfn:         5000
Node 1, zone   Normal
        spanned  10
  start_pfn:         100
`,
			expected: 6000,
		},
		{
			name:     "no zones",
			zoneinfo: "nothing to see here\n",
			fails:    true,
		},
		{
			name:     "empty",
			zoneinfo: "",
			fails:    true,
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "zoneinfo")
			require.NoError(t, os.WriteFile(path, []byte(tc.zoneinfo), 0644))
			endPFN, err := EndPFN(path)
			if tc.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, endPFN)
		})
	}
}

func TestEndPFNMissingFile(t *testing.T) {
	_, err := EndPFN(filepath.Join(t.TempDir(), "zoneinfo"))
	require.Error(t, err)
}
