// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package gc implements the periodic reclamation of ephemeral KV state
// once a transaction's durable record shows it confirmed, plus the
// archival/pruning of old durable submissions. It runs two independent
// cadences, each a cancellable ticker-driven background goroutine,
// started via Start and stopped once via Stop.
package gc

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/voteguard/core/co"
	"github.com/voteguard/core/metrics"
	"github.com/voteguard/core/store/kvstore"
	"github.com/voteguard/core/store/sqlstore"
)

var logger = log.New("pkg", "gc")

var (
	metricKVReclaimed    = metrics.LazyLoadCounter("gc_kv_reclaimed_total")
	metricRoundsArchived = metrics.LazyLoadCounter("gc_rounds_archived_total")
	metricVotesPurged    = metrics.LazyLoadCounter("gc_votes_purged_total")
	metricCycleErrors    = metrics.LazyLoadCounterVec("gc_cycle_errors_total", []string{"cycle"})
)

// Config holds the two cadences and their cutoffs: EtcdTTL governs how
// long a Confirmed transaction's KV footprint survives before
// reclamation; ArchiveCutoff governs the durable-store archival/pruning
// window.
type Config struct {
	KVReclaimInterval time.Duration
	ArchiveInterval   time.Duration
	EtcdTTL           time.Duration
	ArchiveCutoff     time.Duration
}

// DefaultConfig reclaims KV state hourly and archives the durable store
// daily.
func DefaultConfig() Config {
	return Config{
		KVReclaimInterval: time.Hour,
		ArchiveInterval:   24 * time.Hour,
		EtcdTTL:           time.Hour,
		ArchiveCutoff:     30 * 24 * time.Hour,
	}
}

// Reaper runs the two-cadence GC loop against the KV and SQL stores.
// byzantine_violations is never touched by either cadence.
type Reaper struct {
	kv  kvstore.Store
	sql sqlstore.Store
	cfg Config

	choes *co.Choes

	mu        sync.Mutex
	lastCycle time.Time
	hasCycle  bool
}

// New builds a Reaper bound to the given stores and cadences. Call Start
// to begin the background loops.
func New(kv kvstore.Store, sql sqlstore.Store, cfg Config) *Reaper {
	return &Reaper{kv: kv, sql: sql, cfg: cfg, choes: co.NewChoes()}
}

// Start launches the KV-reclaim and SQL-archive loops as cancellable
// background goroutines.
func (r *Reaper) Start() {
	r.choes.Go(r.kvReclaimLoop)
	r.choes.Go(r.archiveLoop)
}

// Stop signals both loops to return and waits for them to finish.
func (r *Reaper) Stop() {
	r.choes.Stop()
	r.choes.Wait()
}

// LastCycle reports when the most recent GC cycle (of either cadence)
// completed, for the admin health surface.
func (r *Reaper) LastCycle() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCycle, r.hasCycle
}

func (r *Reaper) recordCycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCycle = time.Now()
	r.hasCycle = true
}

func (r *Reaper) kvReclaimLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.cfg.KVReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.runKVReclaim(context.Background())
		}
	}
}

func (r *Reaper) archiveLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.cfg.ArchiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.runArchive(context.Background())
		}
	}
}

// runKVReclaim best-effort deletes the KV footprint of every txId SQL
// reports Confirmed before the cutoff. Errors per txId are logged and
// skipped, never fatal to the cycle.
func (r *Reaper) runKVReclaim(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.EtcdTTL)
	txIDs, err := r.sql.GetConfirmedBefore(ctx, cutoff)
	if err != nil {
		logger.Warn("gc: list confirmed before cutoff failed", "err", err)
		metricCycleErrors().AddWithLabel(1, map[string]string{"cycle": "kv_reclaim"})
		return
	}

	reclaimed := 0
	for _, txID := range txIDs {
		if err := r.kv.DeletePrefix(ctx, txID); err != nil {
			logger.Warn("gc: delete prefix failed", "txId", txID, "err", err)
			continue
		}
		if err := r.kv.DeleteState(ctx, txID); err != nil {
			logger.Warn("gc: delete state failed", "txId", txID, "err", err)
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		metricKVReclaimed().Add(int64(reclaimed))
		logger.Info("gc: reclaimed ephemeral state", "count", reclaimed)
	}
	r.recordCycle()
}

// runArchive moves old completed voting_rounds into the archive table
// and deletes old vote history. byzantine_violations is never touched.
func (r *Reaper) runArchive(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.ArchiveCutoff)

	archived, err := r.sql.ArchiveOldSubmissions(ctx, cutoff)
	if err != nil {
		logger.Warn("gc: archive old submissions failed", "err", err)
		metricCycleErrors().AddWithLabel(1, map[string]string{"cycle": "archive"})
	} else if archived > 0 {
		metricRoundsArchived().Add(archived)
		logger.Info("gc: archived old submissions", "count", archived)
	}

	purged, err := r.sql.DeleteOldVoteHistory(ctx, cutoff)
	if err != nil {
		logger.Warn("gc: delete old vote history failed", "err", err)
		metricCycleErrors().AddWithLabel(1, map[string]string{"cycle": "archive"})
	} else if purged > 0 {
		metricVotesPurged().Add(purged)
		logger.Info("gc: purged old vote history", "count", purged)
	}

	r.recordCycle()
}

// RunOnce executes both cadences immediately and synchronously,
// independent of Start/Stop. Used by tests.
func (r *Reaper) RunOnce(ctx context.Context) {
	r.runKVReclaim(ctx)
	r.runArchive(ctx)
}
