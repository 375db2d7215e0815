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

// Package idlemem runs the idle memory scanner in the background,
// spreading each full sweep over a configured period and publishing
// per-cgroup idle statistics at every sweep boundary.
package idlemem

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/OpenVZ/vcmmd/pkg/idlescan"
	"github.com/OpenVZ/vcmmd/pkg/kpage"
	logger "github.com/OpenVZ/vcmmd/pkg/log"
	"github.com/OpenVZ/vcmmd/pkg/memcg"
)

// our logger instance
var log = logger.NewLogger("idlemem")

// Available reports whether the kernel exposes the idle page tracking
// facility.
func Available() bool {
	_, err := os.Stat(kpage.PageIdleBitmapPath)
	return err == nil
}

// Scanner is the iteration-driven surface the estimator needs from the
// idle memory scanner.
type Scanner interface {
	NrIters() int
	Iterate() (bool, error)
	ResultByInode() map[uint64]*idlescan.Stat
	SetSamplingRatio(ratio float64) error
}

// Config holds the estimator tunables.
type Config struct {
	// Period is the time one full sweep is spread over.
	Period time.Duration
	// Sampling is the portion of memory to scan, in (0.0, 1.0].
	// 0 keeps the scanner's current sampling.
	Sampling float64
	// OnUpdate, if set, is called after each completed sweep.
	OnUpdate func()
}

var zeroStat = &idlescan.Stat{}

// Estimator drives sweeps of an idle memory Scanner and aggregates the
// results over the memory cgroup tree.
type Estimator struct {
	scanner Scanner
	tree    *memcg.Tree
	cfg     Config
	errLog  logger.Logger

	sync.Mutex
	result        map[string]*idlescan.Stat
	sweeps        uint64
	sweepDuration time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewEstimator creates an Estimator over the given scanner and cgroup tree.
func NewEstimator(scanner Scanner, tree *memcg.Tree, cfg Config) *Estimator {
	return &Estimator{
		scanner: scanner,
		tree:    tree,
		cfg:     cfg,
		errLog:  logger.RateLimit(log, logger.Interval(time.Minute)),
		result:  map[string]*idlescan.Stat{},
	}
}

// Start launches the background scan. It fails if the scan period is not
// positive or the estimator is already running.
func (e *Estimator) Start() error {
	if e.cfg.Period <= 0 {
		return errors.Errorf("scan period must be positive, got %v", e.cfg.Period)
	}
	if e.stop != nil {
		return errors.New("estimator already running")
	}
	if e.cfg.Sampling != 0 {
		if err := e.scanner.SetSamplingRatio(e.cfg.Sampling); err != nil {
			return err
		}
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.run(e.stop, e.done)
	log.Info("background idle memory scan started, period %v", e.cfg.Period)
	return nil
}

// Stop terminates the background scan and waits for it to exit. Stopping
// a stopped estimator is a no-op.
func (e *Estimator) Stop() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	<-e.done
	e.stop, e.done = nil, nil
	log.Info("background idle memory scan stopped")
}

// sleep waits for the given duration unless the estimator is stopped
// first, in which case it returns false.
func (e *Estimator) sleep(stop chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// run performs full sweeps back to back, each spread over the configured
// period. Iterations are throttled so that the sweep in progress finishes
// just as its period expires; if the scan cannot keep up, it runs at full
// speed and the lag is logged.
func (e *Estimator) run(stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		nrIters := e.scanner.NrIters()
		sweepStart := time.Now()
		var scanTime time.Duration
		warnedLag := false

		for iter := 1; ; iter++ {
			iterStart := time.Now()
			sweepDone, err := e.scanner.Iterate()
			scanTime += time.Since(iterStart)

			if err != nil {
				e.errLog.Error("idle memory scan failed: %v", err)
				if !e.sleep(stop, e.cfg.Period) {
					return
				}
				break
			}

			itersLeft := nrIters - iter
			if itersLeft < 0 {
				itersLeft = 0
			}
			timeLeft := e.cfg.Period - time.Since(sweepStart)
			timeRequired := time.Duration(int64(itersLeft) * int64(scanTime) / int64(iter))
			if timeRequired > timeLeft {
				// only warn about significant lags
				if !warnedLag && timeRequired-timeLeft > e.cfg.Period/1000 {
					log.Warn("memory scanner is lagging behind (%v left, %v required)",
						timeLeft, timeRequired)
					warnedLag = true
				}
			} else {
				timeout := timeLeft
				if itersLeft > 0 {
					timeout = (timeLeft - timeRequired) / time.Duration(itersLeft)
				}
				if !e.sleep(stop, timeout) {
					return
				}
			}

			if sweepDone {
				e.publish(scanTime)
				break
			}
		}
	}
}

// publish aggregates the completed sweep over the cgroup tree and makes
// the result visible to readers.
func (e *Estimator) publish(scanTime time.Duration) {
	result, err := e.tree.AggregateIdleStats(e.scanner.ResultByInode())
	if err != nil {
		log.Error("failed to aggregate idle stats: %v", err)
		return
	}

	e.Lock()
	e.result = result
	e.sweeps++
	e.sweepDuration = scanTime
	e.Unlock()

	log.Debug("sweep %d done in %v, %d cgroups", e.sweeps, scanTime, len(result))
	if e.cfg.OnUpdate != nil {
		e.cfg.OnUpdate()
	}
}

// IdleStat returns the latest statistics for the given cgroup path. An
// unknown path yields the zero statistic: memory that has not been
// scanned is assumed active.
func (e *Estimator) IdleStat(path string) *idlescan.Stat {
	e.Lock()
	defer e.Unlock()
	if stat, ok := e.result[path]; ok {
		return stat
	}
	return zeroStat
}

// IdleFactor returns the fraction of the cgroup's ageable memory of the
// given types that was idle during the last completed sweep.
func (e *Estimator) IdleFactor(path string, types ...idlescan.MemType) float64 {
	return e.IdleStat(path).IdleFactor(types...)
}

// Result returns the latest per-cgroup statistics.
func (e *Estimator) Result() map[string]*idlescan.Stat {
	e.Lock()
	defer e.Unlock()
	return e.result
}

// Sweeps returns the number of completed sweeps.
func (e *Estimator) Sweeps() uint64 {
	e.Lock()
	defer e.Unlock()
	return e.sweeps
}

// LastSweepDuration returns the scan time consumed by the last completed
// sweep, excluding throttling sleeps.
func (e *Estimator) LastSweepDuration() time.Duration {
	e.Lock()
	defer e.Unlock()
	return e.sweepDuration
}
