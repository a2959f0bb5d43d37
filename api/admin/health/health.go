// Copyright (c) 2024 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package health reports the consensus core's own liveness: how many
// transactions currently hold an in-memory FSM, when the GC reaper last
// completed a cycle, and whether the KV and SQL backends are reachable.
package health

import (
	"context"
	"time"
)

// Pinger is the narrow capability Health needs from each storage backend:
// a cheap round trip that fails if the backend is unreachable. Concrete
// stores (kvstore.Store, sqlstore.Store) are wrapped into this shape at
// wiring time rather than imported directly, keeping this package
// dependency-free of the storage layer.
type Pinger func(ctx context.Context) error

// Status is the point-in-time snapshot this package serves at
// /admin/health.
type Status struct {
	Healthy      bool       `json:"healthy"`
	RegistrySize int        `json:"registrySize"`
	LastGCCycle  *time.Time `json:"lastGcCycle"`
	KVReachable  bool       `json:"kvReachable"`
	SQLReachable bool       `json:"sqlReachable"`
}

// Health composes the consensus core's liveness signals.
type Health struct {
	registrySize func() int
	lastGCCycle  func() (time.Time, bool)
	pingKV       Pinger
	pingSQL      Pinger
}

// New builds a Health reporter. pingKV/pingSQL may be nil if that backend
// isn't wired (e.g. solo mode with no durable store); lastGCCycle may be
// nil before the GC reaper has started.
func New(registrySize func() int, lastGCCycle func() (time.Time, bool), pingKV, pingSQL Pinger) *Health {
	return &Health{
		registrySize: registrySize,
		lastGCCycle:  lastGCCycle,
		pingKV:       pingKV,
		pingSQL:      pingSQL,
	}
}

// Status probes both backends and returns the current snapshot. The core
// is healthy iff every wired backend answered its ping.
func (h *Health) Status(ctx context.Context) *Status {
	s := &Status{Healthy: true}

	if h.registrySize != nil {
		s.RegistrySize = h.registrySize()
	}
	if h.lastGCCycle != nil {
		if t, ok := h.lastGCCycle(); ok {
			s.LastGCCycle = &t
		}
	}

	if h.pingKV != nil {
		s.KVReachable = h.pingKV(ctx) == nil
		s.Healthy = s.Healthy && s.KVReachable
	} else {
		s.KVReachable = true
	}

	if h.pingSQL != nil {
		s.SQLReachable = h.pingSQL(ctx) == nil
		s.Healthy = s.Healthy && s.SQLReachable
	} else {
		s.SQLReachable = true
	}

	return s
}
