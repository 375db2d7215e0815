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

// Package idlescan estimates per-cgroup working set size by driving the
// kernel page-idle tracking facility over the whole physical page frame
// range. Pages are classified as idle or active and bucketed by how many
// consecutive sweeps each page has remained idle.
package idlescan

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/OpenVZ/vcmmd/pkg/kpage"
	logger "github.com/OpenVZ/vcmmd/pkg/log"
)

// our logger instance
var log = logger.NewLogger("idlescan")

const (
	// DefaultBatchSize is the default read/write burst, in pages. Must
	// be a multiple of 64 for the sake of the idle page bitmap. Keeping
	// it a multiple of the page size avoids wasting page-age memory on
	// unused entries when sampling is used.
	DefaultBatchSize = 4096
	// DefaultScanChunk is how many pages one iteration scans.
	DefaultScanChunk = 32768
)

// Config holds the scanner tunables and kernel file locations. The file
// locations exist to let tests point the scanner at a fake /proc and
// /sys; production use keeps the defaults.
type Config struct {
	BatchSize      uint64 `json:"BatchSize"`
	ScanChunk      uint64 `json:"ScanChunk"`
	Zoneinfo       string `json:"Zoneinfo"`
	Kpageflags     string `json:"Kpageflags"`
	Kpagecgroup    string `json:"Kpagecgroup"`
	PageIdleBitmap string `json:"PageIdleBitmap"`
}

// DefaultConfig returns the production scanner configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      DefaultBatchSize,
		ScanChunk:      DefaultScanChunk,
		Zoneinfo:       kpage.ZoneinfoPath,
		Kpageflags:     kpage.KpageflagsPath,
		Kpagecgroup:    kpage.KpagecgroupPath,
		PageIdleBitmap: kpage.PageIdleBitmapPath,
	}
}

// Scanner owns the full state of the idle memory scan: the PFN range, the
// per-page age array, the kernel file handles and the per-cgroup
// accumulators of the sweep in progress.
//
// A Scanner is driven by serial calls from a single goroutine; it has no
// internal locking.
type Scanner struct {
	cfg    Config
	endPFN uint64

	// one age byte per PFN, anonymous private mapping
	pageAge []byte

	flags  *kpage.File
	cgroup *kpage.File
	bitmap *kpage.File

	// scan 1/sampling batches
	sampling uint64
	// sampling to apply at the next sweep boundary, 0 if none pending
	pendingSampling uint64
	// how many pages one iteration spans
	iterSpan uint64
	// next iteration within the current sweep
	scanIter uint64

	// cgroup inode -> accumulated stats of the sweep in progress
	stats map[uint64]*Stat

	bufFlags []uint64
	bufCg    []uint64
	bufIdle  []uint64
	bufMark  []uint64
}

// NewScanner discovers the physical PFN range and allocates the page age
// array. Kernel page files are opened lazily on the first iteration.
func NewScanner(cfg *Config) (*Scanner, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BatchSize == 0 || cfg.BatchSize%kpage.WordPFNs != 0 {
		return nil, errors.Errorf("batch size %d not a multiple of %d",
			cfg.BatchSize, kpage.WordPFNs)
	}
	if cfg.ScanChunk == 0 {
		return nil, errors.New("scan chunk must be positive")
	}

	endPFN, err := kpage.EndPFN(cfg.Zoneinfo)
	if err != nil {
		return nil, err
	}

	// Demand paging keeps the RSS of the mapping proportional to the
	// PFN range actually touched.
	pageAge, err := unix.Mmap(-1, 0, int(endPFN),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate page age array (%d bytes)", endPFN)
	}

	s := &Scanner{
		cfg:      *cfg,
		endPFN:   endPFN,
		pageAge:  pageAge,
		sampling: 1,
		iterSpan: cfg.ScanChunk,
		stats:    make(map[uint64]*Stat, 64),
		bufFlags: make([]uint64, cfg.BatchSize),
		bufCg:    make([]uint64, cfg.BatchSize),
		bufIdle:  make([]uint64, cfg.BatchSize/kpage.WordPFNs),
		bufMark:  make([]uint64, cfg.BatchSize/kpage.WordPFNs),
	}
	for i := range s.bufMark {
		s.bufMark[i] = ^uint64(0)
	}
	log.Debug("scanner created: end_pfn %d, %d iters/sweep", endPFN, s.NrIters())
	return s, nil
}

// Close tears the scanner down, releasing the age array and the kernel
// file handles.
func (s *Scanner) Close() error {
	var errs *multierror.Error
	if s.pageAge != nil {
		errs = multierror.Append(errs, unix.Munmap(s.pageAge))
		s.pageAge = nil
	}
	for _, f := range []*kpage.File{s.flags, s.cgroup, s.bitmap} {
		if f != nil {
			errs = multierror.Append(errs, f.Close())
		}
	}
	s.flags, s.cgroup, s.bitmap = nil, nil, nil
	return errs.ErrorOrNil()
}

// EndPFN returns one past the highest page frame number covered by a sweep.
func (s *Scanner) EndPFN() uint64 {
	return s.endPFN
}

// Sampling returns the active 1-in-k sampling divisor.
func (s *Scanner) Sampling() uint64 {
	return s.sampling
}

// NrIters returns the number of iterations a full sweep takes. The value
// is constant for the duration of a sweep.
func (s *Scanner) NrIters() int {
	return int((s.endPFN + s.effectiveSpan() - 1) / s.effectiveSpan())
}

func (s *Scanner) effectiveSpan() uint64 {
	if s.scanIter == 0 && s.pendingSampling != 0 {
		return s.cfg.ScanChunk * s.pendingSampling
	}
	return s.iterSpan
}

// SetSampling requests 1-in-k batch sampling. The change takes effect at
// the next sweep boundary, so that the page ages stay in sync with the
// idle bits the previous sweeps have set.
func (s *Scanner) SetSampling(k int) error {
	if k < 1 {
		return errors.Errorf("sampling must be >= 1, got %d", k)
	}
	s.pendingSampling = uint64(k)
	return nil
}

// SetSamplingRatio requests sampling given as the portion of memory to
// scan, in (0.0, 1.0].
func (s *Scanner) SetSamplingRatio(ratio float64) error {
	if !(ratio > 0.0 && ratio <= 1.0) {
		return errors.Errorf("sampling ratio must be in (0.0, 1.0], got %g", ratio)
	}
	k := int(1.0 / ratio)
	if k < 1 {
		k = 1
	}
	return s.SetSampling(k)
}

func (s *Scanner) openFiles() error {
	if s.flags != nil {
		return nil
	}
	flags, err := kpage.Open(s.cfg.Kpageflags)
	if err != nil {
		return err
	}
	cgroup, err := kpage.Open(s.cfg.Kpagecgroup)
	if err != nil {
		flags.Close()
		return err
	}
	bitmap, err := kpage.OpenRW(s.cfg.PageIdleBitmap)
	if err != nil {
		flags.Close()
		cgroup.Close()
		return err
	}
	s.flags, s.cgroup, s.bitmap = flags, cgroup, bitmap
	return nil
}

// Iterate performs one scan iteration: it classifies and ages every page
// in the iteration's PFN range, then re-marks the range idle for the next
// sweep. It returns true when the iteration completed a full sweep.
//
// On error the iteration counter is left in place, so the caller may
// retry; counters already accumulated for the failed range persist, so a
// caller that wants exact numbers should restart the sweep instead.
func (s *Scanner) Iterate() (bool, error) {
	if s.scanIter == 0 {
		// new sweep: fresh accumulators, apply pending sampling
		s.stats = make(map[uint64]*Stat, len(s.stats)+1)
		if s.pendingSampling != 0 {
			if s.pendingSampling != s.sampling {
				log.Info("sampling set to 1/%d", s.pendingSampling)
			}
			s.sampling = s.pendingSampling
			s.iterSpan = s.cfg.ScanChunk * s.sampling
			s.pendingSampling = 0
		}
	}

	if err := s.openFiles(); err != nil {
		return false, err
	}

	startPFN := s.scanIter * s.iterSpan
	endPFN := startPFN + s.iterSpan
	done := endPFN >= s.endPFN
	if done {
		endPFN = s.endPFN
	}

	if err := s.countIdlePages(startPFN, endPFN); err != nil {
		return false, err
	}
	if err := s.setIdlePages(startPFN, endPFN); err != nil {
		return false, err
	}

	if done {
		s.scanIter = 0
	} else {
		s.scanIter++
	}
	return done, nil
}

// ResultByInode returns the per-cgroup-inode statistics accumulated so
// far. The map is owned by the scanner and is replaced when a new sweep
// starts; callers must consume it before calling Iterate again.
func (s *Scanner) ResultByInode() map[uint64]*Stat {
	return s.stats
}
