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

// Package pidfile implements the daemon PID file.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

var pidFilePath = defaultPath()

// GetPath returns the current PID file path.
func GetPath() string {
	return pidFilePath
}

// SetPath sets the PID file path.
func SetPath(path string) {
	pidFilePath = path
}

// Write writes os.Getpid() to the PID file. Write fails if the PID file
// already exists.
func Write() error {
	if err := os.MkdirAll(filepath.Dir(pidFilePath), 0755); err != nil {
		return errors.Wrapf(err, "failed to create PID file %q", pidFilePath)
	}
	f, err := os.OpenFile(pidFilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to create PID file %q", pidFilePath)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return errors.Wrapf(err, "failed to write PID file %q", pidFilePath)
	}
	return nil
}

// Read returns the process ID recorded in the PID file, or 0 if the file
// does not exist.
func Read() (int, error) {
	buf, err := os.ReadFile(pidFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return -1, errors.Wrapf(err, "failed to read PID file %q", pidFilePath)
	}
	pid, err := strconv.Atoi(strings.TrimRight(string(buf), "\n"))
	if err != nil {
		return -1, errors.Wrapf(err, "invalid PID (%q) in PID file %q",
			string(buf), pidFilePath)
	}
	return pid, nil
}

// Remove removes the PID file, regardless of which process created it.
func Remove() error {
	err := os.Remove(pidFilePath)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// OwnerPid returns the ID of the live process owning the PID file, or 0
// if no process owns it.
func OwnerPid() (int, error) {
	pid, err := Read()
	if err != nil || pid == 0 {
		return pid, err
	}

	p, err := os.FindProcess(pid)
	if err != nil {
		return -1, errors.Wrapf(err, "FindProcess() failed for PID %d", pid)
	}
	err = p.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return pid, nil
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return 0, nil
	}
	return -1, errors.Wrapf(err, "failed to check process %d", pid)
}

func defaultPath() string {
	name := "vcmmd-scan"
	if len(os.Args) > 0 {
		name = filepath.Base(os.Args[0])
	}
	if os.Geteuid() > 0 {
		return filepath.Join("/tmp", name+".pid")
	}
	return filepath.Join("/run", name+".pid")
}
