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
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// EndPFN parses the kernel zoneinfo report at the given path and returns
// one past the highest page frame number spanned by any memory zone.
// Each zone advertises 'spanned <N>' followed by 'start_pfn: <P>'; the
// zone then ends at P+N. Zones may overlap or leave gaps; the maximum end
// wins.
func EndPFN(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open %q failed", path)
	}
	defer f.Close()

	var endPFN, spanned uint64

	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "spanned":
			n, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				continue
			}
			spanned = n
		case "start_pfn:":
			pfn, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				continue
			}
			pfn += spanned
			spanned = 0
			if pfn > endPFN {
				endPFN = pfn
			}
		}
	}
	if err := s.Err(); err != nil {
		return 0, errors.Wrapf(err, "read %q failed", path)
	}
	if endPFN == 0 {
		return 0, errors.Errorf("no zone end found in %q", path)
	}
	return endPFN, nil
}
