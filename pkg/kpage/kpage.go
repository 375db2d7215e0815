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

// Package kpage provides typed positioned I/O over the kernel page
// pseudo-files and discovery of the physical page-frame range.
package kpage

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

// Default kernel pseudo-file locations.
const (
	ZoneinfoPath       = "/proc/zoneinfo"
	KpageflagsPath     = "/proc/kpageflags"
	KpagecgroupPath    = "/proc/kpagecgroup"
	PageIdleBitmapPath = "/sys/kernel/mm/page_idle/bitmap"
)

// Bits of /proc/kpageflags words, per linux/kernel-page-flags.h.
const (
	KPFLru          = 5
	KPFAnon         = 12
	KPFCompoundHead = 15
	KPFCompoundTail = 16
	KPFUnevictable  = 18
)

// WordPFNs is the number of PFNs packed into one idle-bitmap word. The
// kernel rejects bitmap accesses not aligned to this many PFNs.
const WordPFNs = 64

// File is an unbuffered 64-bit-word-granular view of a kernel pseudo-file.
// Word position p maps to byte offset p*8. Every access is absolutely
// positioned, so interleaved users cannot perturb each other's reads.
type File struct {
	file *os.File
	path string
	buf  []byte
}

// Open opens a kernel page pseudo-file read-only.
func Open(path string) (*File, error) {
	return open(path, os.O_RDONLY)
}

// OpenRW opens a kernel page pseudo-file for reading and writing.
func OpenRW(path string) (*File, error) {
	return open(path, os.O_RDWR)
}

func open(path string, flag int) (*File, error) {
	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q failed", path)
	}
	return &File{file: file, path: path}, nil
}

// Path returns the path the file was opened with.
func (f *File) Path() string {
	return f.path
}

// Close closes the underlying file.
func (f *File) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return errors.Wrapf(err, "close %q failed", f.path)
}

func (f *File) scratch(n int) []byte {
	if cap(f.buf) < n {
		f.buf = make([]byte, n)
	}
	return f.buf[:n]
}

// ReadWords fills buf with len(buf) words starting at word position pos.
// A short read is an error: the PFN range is derived from zoneinfo, so the
// file must cover every requested word.
func (f *File) ReadWords(pos int64, buf []uint64) error {
	raw := f.scratch(len(buf) * 8)
	if _, err := f.file.ReadAt(raw, pos*8); err != nil {
		return errors.Wrapf(err, "read %q %d@%d failed",
			f.path, len(raw), pos*8)
	}
	for i := range buf {
		buf[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return nil
}

// WriteWords writes len(buf) words at word position pos.
func (f *File) WriteWords(pos int64, buf []uint64) error {
	raw := f.scratch(len(buf) * 8)
	for i, w := range buf {
		binary.LittleEndian.PutUint64(raw[i*8:], w)
	}
	if _, err := f.file.WriteAt(raw, pos*8); err != nil {
		return errors.Wrapf(err, "write %q %d@%d failed",
			f.path, len(raw), pos*8)
	}
	return nil
}
