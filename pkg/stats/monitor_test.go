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
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMonitorRequests(t *testing.T) {
	m := NewMonitor()
	require.NoError(t, m.Register(prometheus.NewRegistry()))

	m.ObserveRequest(http.MethodPost, http.StatusCreated, nil, 20*time.Millisecond)
	m.ObserveRequest(http.MethodPost, http.StatusConflict, nil, 10*time.Millisecond)
	m.ObserveRequest(http.MethodDelete, 0, errors.New("connection refused"), time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(m.promRequests.WithLabelValues(http.MethodPost, "201")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.promRequests.WithLabelValues(http.MethodPost, "409")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.promRequests.WithLabelValues(http.MethodDelete, "error")))
	require.Equal(t, int64(2), m.FailedRequests())
}

func TestMonitorSessions(t *testing.T) {
	m := NewMonitor()

	m.SessionStateChanged("", "idle")
	m.SessionStateChanged("idle", "exchanging")
	m.SessionStateChanged("exchanging", "active")
	require.Equal(t, int32(1), m.ActiveSessions())
	require.Equal(t, float64(0), testutil.ToFloat64(m.promSessions.WithLabelValues("idle")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.promSessions.WithLabelValues("active")))

	m.SessionStateChanged("active", "closing")
	require.Equal(t, int32(0), m.ActiveSessions())
}

func TestMonitorRegisterTwice(t *testing.T) {
	r := prometheus.NewRegistry()
	require.NoError(t, NewMonitor().Register(r))
	require.Error(t, NewMonitor().Register(r))
}
