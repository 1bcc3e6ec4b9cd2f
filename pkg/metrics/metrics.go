// Copyright 2024 KeelDB, Inc.
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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label constants.
const (
	LblResult = "result"
	LblOK     = "ok"
	LblError  = "error"
)

// Execution backend metrics.
var (
	FragmentPrepareCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "executor",
			Name:      "fragment_prepare_total",
			Help:      "Counter of fragment instance preparations.",
		}, []string{LblResult})

	FragmentPrepareDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "keel",
			Subsystem: "executor",
			Name:      "fragment_prepare_duration_seconds",
			Help:      "Bucketed histogram of fragment preparation time.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		})

	RunningDrivers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "keel",
			Subsystem: "executor",
			Name:      "running_drivers",
			Help:      "Number of pipeline drivers currently running.",
		})

	AdmittedDrivers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "keel",
			Subsystem: "executor",
			Name:      "admitted_drivers",
			Help:      "Number of pipeline drivers holding an admission token.",
		})

	AdmissionRejectCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "executor",
			Name:      "admission_reject_total",
			Help:      "Counter of fragments rejected by the driver admission limiter.",
		})
)

// RegisterMetrics registers the backend metrics.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(FragmentPrepareCounter)
	r.MustRegister(FragmentPrepareDuration)
	r.MustRegister(RunningDrivers)
	r.MustRegister(AdmittedDrivers)
	r.MustRegister(AdmissionRejectCounter)
}
