// Copyright 2024 LiveKit, Inc.
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

package stats

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	namespace = "whip"
	subsystem = "client"

	statusError = "error"
	stateActive = "active"
)

// Monitor tracks signaling exchanges and session states for one or more clients.
type Monitor struct {
	promRequests *prometheus.CounterVec
	promDuration *prometheus.HistogramVec
	promSessions *prometheus.GaugeVec

	activeSessions atomic.Int32
	failedRequests atomic.Int64
}

func NewMonitor() *Monitor {
	return &Monitor{
		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "WHIP HTTP requests by method and response status",
		}, []string{"method", "status"}),
		promDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exchange_duration_seconds",
			Help:      "WHIP HTTP request round trip time",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		promSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "WHIP sessions by state",
		}, []string{"state"}),
	}
}

func (m *Monitor) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.promRequests, m.promDuration, m.promSessions} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) ObserveRequest(method string, statusCode int, err error, d time.Duration) {
	status := statusError
	if err == nil {
		status = strconv.Itoa(statusCode)
	}
	if err != nil || statusCode < 200 || statusCode >= 300 {
		m.failedRequests.Inc()
	}

	m.promRequests.WithLabelValues(method, status).Inc()
	m.promDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SessionStateChanged moves one session from one state gauge to another. An empty from
// registers a new session.
func (m *Monitor) SessionStateChanged(from, to string) {
	if from != "" {
		m.promSessions.WithLabelValues(from).Dec()
	}
	m.promSessions.WithLabelValues(to).Inc()

	switch {
	case to == stateActive:
		m.activeSessions.Inc()
	case from == stateActive:
		m.activeSessions.Dec()
	}
}

func (m *Monitor) ActiveSessions() int32 {
	return m.activeSessions.Load()
}

func (m *Monitor) FailedRequests() int64 {
	return m.failedRequests.Load()
}
