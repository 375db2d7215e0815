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

package idlescan

import (
	"github.com/OpenVZ/vcmmd/pkg/kpage"
)

// countIdlePages classifies every page in [startPFN, endPFN), updates the
// page ages and accumulates per-cgroup totals and idle histograms.
//
// The idle page bitmap requires accesses aligned to 64 PFNs, so the range
// is widened to the surrounding 64-PFN words; PFNs read for alignment
// only are skipped by the pfn < startPFN guard below.
func (s *Scanner) countIdlePages(startPFN, endPFN uint64) error {
	start2 := startPFN &^ 63
	end2 := (endPFN + 63) &^ 63

	batch := s.cfg.BatchSize

	var (
		headCg          uint64
		headLru         bool
		headAnon        bool
		headUnevictable bool
		headIdle        bool
	)

	bufIndex := batch
	for pfn := start2; pfn < endPFN; {
		if bufIndex >= batch {
			// buffers are empty - refill
			n := end2 - pfn
			if n > batch {
				n = batch
			}
			if err := s.flags.ReadWords(int64(pfn), s.bufFlags[:n]); err != nil {
				return err
			}
			if err := s.cgroup.ReadWords(int64(pfn), s.bufCg[:n]); err != nil {
				return err
			}
			if err := s.bitmap.ReadWords(int64(pfn/64), s.bufIdle[:n/64]); err != nil {
				return err
			}
			bufIndex = 0
		}

		if pfn >= startPFN {
			flags := s.bufFlags[bufIndex]
			cg := s.bufCg[bufIndex]

			if flags&(1<<kpage.KPFCompoundTail) == 0 {
				// not a compound page, or a compound page head
				headCg = cg
				headLru = flags&(1<<kpage.KPFLru) != 0
				headAnon = flags&(1<<kpage.KPFAnon) != 0
				headUnevictable = flags&(1<<kpage.KPFUnevictable) != 0
				headIdle = s.bufIdle[bufIndex/64]&(1<<(bufIndex&63)) != 0
			} // else compound page tail - count as per head

			if headLru && !headUnevictable {
				stat := s.stats[headCg]
				if stat == nil {
					stat = &Stat{}
					s.stats[headCg] = stat
				}
				memType := MemFile
				if headAnon {
					memType = MemAnon
				}
				stat.IncTotal(memType)

				if headIdle {
					age := s.pageAge[pfn]
					if int(age)+1 < MaxAge {
						s.pageAge[pfn] = age + 1
					}
					stat.IncIdle(memType, int(age))
				} else {
					s.pageAge[pfn] = 0
				}
			}
		}

		bufIndex++
		if bufIndex >= batch {
			// skip sampling-1 whole batches
			pfn += batch * (s.sampling - 1)
		}
		pfn++
	}
	return nil
}

// setIdlePages marks every page in [startPFN, endPFN) idle. The first and
// last bitmap words are masked so that bits of neighboring PFNs outside
// the range keep their previous value.
func (s *Scanner) setIdlePages(startPFN, endPFN uint64) error {
	start2 := startPFN &^ 63
	end2 := (endPFN + 63) &^ 63

	batch := s.cfg.BatchSize

	for pfn := start2; pfn < endPFN; pfn += batch * s.sampling {
		n := end2 - pfn
		if n > batch {
			n = batch
		}
		nw := n / 64
		s.bufMark[0] = ^uint64(0)
		s.bufMark[nw-1] = ^uint64(0)
		if pfn < startPFN {
			s.bufMark[0] &^= (uint64(1) << (startPFN & 63)) - 1
		}
		if pfn+n > endPFN {
			s.bufMark[nw-1] &= (uint64(1) << (endPFN & 63)) - 1
		}
		err := s.bitmap.WriteWords(int64(pfn/64), s.bufMark[:nw])
		// keep bufMark all-ones for the next range
		s.bufMark[0] = ^uint64(0)
		s.bufMark[nw-1] = ^uint64(0)
		if err != nil {
			return err
		}
	}
	return nil
}
