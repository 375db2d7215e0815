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

package idlemem

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/OpenVZ/vcmmd/pkg/idlescan"
)

var (
	sweepsDesc = prometheus.NewDesc(
		"vcmmd_idle_scan_sweeps_total",
		"Number of completed idle memory sweeps.",
		nil, nil,
	)

	sweepDurationDesc = prometheus.NewDesc(
		"vcmmd_idle_scan_last_sweep_duration_seconds",
		"Scan time consumed by the last completed sweep.",
		nil, nil,
	)

	totalPagesDesc = prometheus.NewDesc(
		"vcmmd_idle_scan_pages",
		"Number of ageable pages seen in a cgroup during the last sweep.",
		[]string{
			"cgroup",
			"type",
		}, nil,
	)

	idlePagesDesc = prometheus.NewDesc(
		"vcmmd_idle_scan_idle_pages",
		"Number of pages of a cgroup idle for at least one sweep.",
		[]string{
			"cgroup",
			"type",
		}, nil,
	)
)

type collector struct {
	estimator *Estimator
}

// NewCollector creates a new Prometheus collector for idle memory metrics.
func NewCollector(e *Estimator) prometheus.Collector {
	return &collector{estimator: e}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sweepsDesc
	ch <- sweepDurationDesc
	ch <- totalPagesDesc
	ch <- idlePagesDesc
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		sweepsDesc,
		prometheus.CounterValue,
		float64(c.estimator.Sweeps()),
	)
	ch <- prometheus.MustNewConstMetric(
		sweepDurationDesc,
		prometheus.GaugeValue,
		c.estimator.LastSweepDuration().Seconds(),
	)

	for path, stat := range c.estimator.Result() {
		for t := idlescan.MemType(0); t < idlescan.NrMemTypes; t++ {
			ch <- prometheus.MustNewConstMetric(
				totalPagesDesc,
				prometheus.GaugeValue,
				float64(stat.NrTotal(t)),
				path, t.String(),
			)
			ch <- prometheus.MustNewConstMetric(
				idlePagesDesc,
				prometheus.GaugeValue,
				float64(stat.NrIdleByAge(t)[0]),
				path, t.String(),
			)
		}
	}
}
