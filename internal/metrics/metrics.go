// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes LDM's Prometheus surface: C6 build durations,
// C7 query latency/tiers, C9 room/subscriber counts, and C8 lock
// contention. Mirrors the teacher's `cie index --metrics-addr` +
// promhttp.Handler() wiring. The collectors are registered and served
// by Serve; no other package records into them.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncBuildSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ldm",
		Subsystem: "sync",
		Name:      "build_seconds",
		Help:      "Duration of a TM sync/rebuild run, by stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tm_id", "stage", "kind"})

	SyncStaleCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ldm",
		Subsystem: "sync",
		Name:      "stale_count",
		Help:      "Current stale_count for a TM.",
	}, []string{"tm_id"})

	SearchLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ldm",
		Subsystem: "search",
		Name:      "latency_seconds",
		Help:      "tm_search latency, by tier reached.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tier"})

	SearchPartial = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ldm",
		Subsystem: "search",
		Name:      "partial_total",
		Help:      "Queries that returned partial=true due to deadline.",
	}, []string{"tm_id"})

	LockContention = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ldm",
		Subsystem: "rowstate",
		Name:      "lock_contention_total",
		Help:      "begin_edit calls that failed with Locked.",
	}, []string{"file_id"})

	BusRoomSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ldm",
		Subsystem: "bus",
		Name:      "room_subscribers",
		Help:      "Current subscriber count per file room.",
	}, []string{"file_id"})

	BusSubscriberDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ldm",
		Subsystem: "bus",
		Name:      "subscriber_dropped_total",
		Help:      "Subscribers dropped for exceeding the queue overflow threshold.",
	}, []string{"file_id"})
)

func init() {
	prometheus.MustRegister(
		SyncBuildSeconds,
		SyncStaleCount,
		SearchLatencySeconds,
		SearchPartial,
		LockContention,
		BusRoomSubscribers,
		BusSubscriberDropped,
	)
}

// Serve starts the Prometheus /metrics HTTP endpoint, as cie's
// `--metrics-addr` flag does, and blocks until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
