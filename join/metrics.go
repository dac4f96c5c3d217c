// Copyright 2024 PingCAP, Inc.
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

package join

import "github.com/prometheus/client_golang/prometheus"

var (
	buildRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vecjoin",
		Name:      "build_rows_total",
		Help:      "Build-side rows sunk into the join engine.",
	})
	probeRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vecjoin",
		Name:      "probe_rows_total",
		Help:      "Probe-side rows resolved against the pointer table.",
	})
	partitionRoundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vecjoin",
		Name:      "partition_rounds_total",
		Help:      "Partition rounds prepared, including the single round of a join that fits in memory.",
	})
	externalModeTriggeredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vecjoin",
		Name:      "external_mode_triggered_total",
		Help:      "Joins where Finalize determined the build side did not fit a single in-memory pass.",
	})
	cardinalityErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vecjoin",
		Name:      "cardinality_errors_total",
		Help:      "Scalar-single join cardinality violations observed.",
	})
)

func init() {
	prometheus.MustRegister(
		buildRowsTotal,
		probeRowsTotal,
		partitionRoundsTotal,
		externalModeTriggeredTotal,
		cardinalityErrorsTotal,
	)
}
