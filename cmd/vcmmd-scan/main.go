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

// vcmmd-scan drives the idle memory scanner: either one synchronous
// sweep printed to stdout, or a background estimator with optional
// Prometheus metrics.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OpenVZ/vcmmd/pkg/config"
	"github.com/OpenVZ/vcmmd/pkg/idlemem"
	"github.com/OpenVZ/vcmmd/pkg/idlescan"
	"github.com/OpenVZ/vcmmd/pkg/log"
	"github.com/OpenVZ/vcmmd/pkg/memcg"
	"github.com/OpenVZ/vcmmd/pkg/pidfile"
	"github.com/OpenVZ/vcmmd/pkg/version"
)

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "vcmmd-scan: "+format+"\n", a...)
	os.Exit(1)
}

func main() {
	optConfig := flag.String("config", config.DefaultPath, "daemon configuration file")
	optPeriod := flag.Duration("period", 0, "sweep period, overrides the configuration file")
	optSampling := flag.Float64("sampling", 0, "portion of memory to scan in (0.0, 1.0], overrides the configuration file")
	optOneshot := flag.Bool("oneshot", false, "run a single full sweep, print the result and exit")
	optPidfile := flag.String("pidfile", pidfile.GetPath(), "daemon PID file path")
	optMetrics := flag.String("metrics-address", "", "address to serve Prometheus metrics on")
	optDebug := flag.Bool("debug", false, "enable debug logging")
	optVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *optVersion {
		version.PrintVersionInfo()
		os.Exit(0)
	}
	if *optDebug {
		log.SetLevel(log.LevelDebug)
	}

	if !idlemem.Available() {
		exit("idle page tracking not supported by the kernel")
	}

	cfg, err := config.Load(*optConfig)
	if err != nil {
		exit("%v", err)
	}
	period := time.Duration(cfg.IdleMem.Period) * time.Second
	if *optPeriod != 0 {
		period = *optPeriod
	}
	sampling := cfg.IdleMem.Sampling
	if *optSampling != 0 {
		sampling = *optSampling
	}

	scanner, err := idlescan.NewScanner(nil)
	if err != nil {
		exit("%v", err)
	}
	defer scanner.Close()

	tree, err := memcg.FindTree()
	if err != nil {
		exit("%v", err)
	}

	if *optOneshot {
		oneshot(scanner, tree, sampling)
		return
	}

	pidfile.SetPath(*optPidfile)
	if pid, err := pidfile.OwnerPid(); err == nil && pid > 0 {
		exit("already running as PID %d", pid)
	}
	pidfile.Remove()
	if err := pidfile.Write(); err != nil {
		exit("%v", err)
	}
	defer pidfile.Remove()

	estimator := idlemem.NewEstimator(scanner, tree, idlemem.Config{
		Period:   period,
		Sampling: sampling,
	})
	if err := estimator.Start(); err != nil {
		exit("%v", err)
	}
	defer estimator.Stop()

	if *optMetrics != "" {
		prometheus.MustRegister(idlemem.NewCollector(estimator))
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*optMetrics, nil); err != nil {
				log.Error("metrics server failed: %v", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

func oneshot(scanner *idlescan.Scanner, tree *memcg.Tree, sampling float64) {
	if sampling != 0 {
		if err := scanner.SetSamplingRatio(sampling); err != nil {
			exit("%v", err)
		}
	}
	for {
		done, err := scanner.Iterate()
		if err != nil {
			exit("%v", err)
		}
		if done {
			break
		}
	}
	result, err := tree.AggregateIdleStats(scanner.ResultByInode())
	if err != nil {
		exit("%v", err)
	}

	paths := make([]string, 0, len(result))
	for path := range result {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	fmt.Printf("%-40s %12s %12s %12s %12s %8s\n",
		"cgroup", "anon", "anon-idle", "file", "file-idle", "idle")
	for _, path := range paths {
		stat := result[path]
		fmt.Printf("%-40s %12d %12d %12d %12d %7.1f%%\n",
			path,
			stat.NrTotal(idlescan.MemAnon),
			stat.NrIdleByAge(idlescan.MemAnon)[0],
			stat.NrTotal(idlescan.MemFile),
			stat.NrIdleByAge(idlescan.MemFile)[0],
			100*stat.IdleFactor(idlescan.MemAnon, idlescan.MemFile))
	}
}
