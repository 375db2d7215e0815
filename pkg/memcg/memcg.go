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

// Package memcg locates the memory cgroup filesystem and aggregates
// per-inode idle memory statistics over the cgroup hierarchy.
package memcg

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"github.com/OpenVZ/vcmmd/pkg/idlescan"
)

// DefaultMountsPath is where the process mount table is read from.
const DefaultMountsPath = "/proc/mounts"

// MountPoint scans the mount table at mountsPath for the cgroup mount
// whose options include the memory controller and returns its path.
func MountPoint(mountsPath string) (string, error) {
	f, err := os.Open(mountsPath)
	if err != nil {
		return "", errors.Wrapf(err, "open %q failed", mountsPath)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		// device path type options dump pass
		fields := strings.Fields(s.Text())
		if len(fields) < 4 || fields[2] != "cgroup" {
			continue
		}
		for _, opt := range strings.Split(fields[3], ",") {
			if opt == "memory" {
				return fields[1], nil
			}
		}
	}
	if err := s.Err(); err != nil {
		return "", errors.Wrapf(err, "read %q failed", mountsPath)
	}
	return "", errors.Errorf("no memory cgroup mount found in %q", mountsPath)
}

// Tree is a view of the memory cgroup hierarchy rooted at its mount point.
type Tree struct {
	root string
}

// NewTree returns a Tree rooted at the given directory.
func NewTree(root string) *Tree {
	return &Tree{root: root}
}

// FindTree locates the memory cgroup mount point and returns a Tree
// rooted there.
func FindTree() (*Tree, error) {
	root, err := MountPoint(DefaultMountsPath)
	if err != nil {
		return nil, err
	}
	return NewTree(root), nil
}

// Root returns the tree's root directory.
func (t *Tree) Root() string {
	return t.root
}

type treeNode struct {
	path   string
	ino    uint64
	parent int
}

// AggregateIdleStats maps the per-inode statistics of a sweep onto cgroup
// paths, summing every cgroup's descendants into it. Paths are relative
// to the mount point and start with a slash; the root itself is dropped
// from the result. A cgroup directory whose inode was never seen by the
// sweep still appears, with zero counts. Cgroups removed while the tree
// is being walked are skipped.
func (t *Tree) AggregateIdleStats(byIno map[uint64]*idlescan.Stat) (map[string]*idlescan.Stat, error) {
	nodes := []treeNode{{path: "/", ino: 0, parent: -1}}

	// The hierarchy can be deep; traverse iteratively.
	for i := 0; i < len(nodes); i++ {
		dir := filepath.Join(t.root, nodes[i].path)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if i > 0 && os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "failed to read cgroup dir %q", dir)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			st, ok := info.Sys().(*syscall.Stat_t)
			if !ok {
				continue
			}
			path := "/" + entry.Name()
			if nodes[i].path != "/" {
				path = nodes[i].path + path
			}
			nodes = append(nodes, treeNode{path: path, ino: st.Ino, parent: i})
		}
	}

	result := make(map[string]*idlescan.Stat, len(nodes)-1)
	for _, node := range nodes[1:] {
		stat := &idlescan.Stat{}
		if own := byIno[node.ino]; own != nil {
			stat.Add(own)
		}
		result[node.path] = stat
	}

	// Children were appended after their parents, so a reverse pass
	// sums every subtree bottom-up.
	for i := len(nodes) - 1; i >= 1; i-- {
		if p := nodes[i].parent; p >= 1 {
			result[nodes[p].path].Add(result[nodes[i].path])
		}
	}
	return result, nil
}
