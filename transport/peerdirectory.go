// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/voteguard/core/consensus"
	"github.com/voteguard/core/store/sqlstore"
)

var peerLogger = log.New("pkg", "transport")

// PeerDirectoryConfig is the directory's ban policy: once a peer has
// accumulated MaxViolations recorded violations, it is banned for
// BanDuration.
type PeerDirectoryConfig struct {
	MaxViolations uint64
	BanDuration   time.Duration
}

// DefaultPeerDirectoryConfig bans after three recorded violations for an
// hour.
func DefaultPeerDirectoryConfig() PeerDirectoryConfig {
	return PeerDirectoryConfig{MaxViolations: 3, BanDuration: time.Hour}
}

type peerRecord struct {
	nodeID      consensus.NodeId
	violations  uint64
	bannedUntil time.Time
}

// PeerDirectory is the SQL-audited reference implementation of
// consensus.PeerDirectory: in-memory for the IsBanned hot path, mirrored
// to node_status via sqlstore for the operator-facing audit trail. A
// PeerDirectory is shared across all FSMs in a process, not scoped to one
// transaction.
type PeerDirectory struct {
	mu      sync.Mutex
	peers   map[consensus.PeerId]*peerRecord
	sql     sqlstore.Store
	cfg     PeerDirectoryConfig
}

// NewPeerDirectory builds a PeerDirectory. sql may be nil, in which case
// banning state lives only in memory (used by solo/test configurations).
func NewPeerDirectory(sql sqlstore.Store, cfg PeerDirectoryConfig) *PeerDirectory {
	return &PeerDirectory{
		peers: make(map[consensus.PeerId]*peerRecord),
		sql:   sql,
		cfg:   cfg,
	}
}

// Register associates a peerID with the NodeId it claims to speak for, so
// that violations recorded against the peer can be mirrored into
// node_status keyed by node. Call once per peer at mesh join time.
func (d *PeerDirectory) Register(peerID consensus.PeerId, nodeID consensus.NodeId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[peerID]
	if !ok {
		rec = &peerRecord{}
		d.peers[peerID] = rec
	}
	rec.nodeID = nodeID
}

// IsBanned reports whether peerID is currently serving a ban.
func (d *PeerDirectory) IsBanned(_ context.Context, peerID consensus.PeerId) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[peerID]
	if !ok {
		return false, nil
	}
	return !rec.bannedUntil.IsZero() && time.Now().Before(rec.bannedUntil), nil
}

// RecordViolation increments peerID's violation count and bans it once
// the count reaches cfg.MaxViolations. Best-effort: a failure to mirror
// the ban into SQL is logged, not propagated, since the in-memory ban
// already protects the cluster.
func (d *PeerDirectory) RecordViolation(ctx context.Context, peerID consensus.PeerId, kind consensus.ViolationType) {
	d.mu.Lock()
	rec, ok := d.peers[peerID]
	if !ok {
		rec = &peerRecord{}
		d.peers[peerID] = rec
	}
	rec.violations++
	banned := rec.violations >= d.cfg.MaxViolations
	if banned {
		rec.bannedUntil = time.Now().Add(d.cfg.BanDuration)
	}
	nodeID := rec.nodeID
	violations := rec.violations
	bannedUntil := rec.bannedUntil
	d.mu.Unlock()

	peerLogger.Warn("transport: violation recorded", "peerId", peerID, "kind", kind, "count", violations, "banned", banned)

	if d.sql == nil {
		return
	}
	ns := sqlstore.NodeStatus{
		NodeID:          uint64(nodeID),
		Status:          "active",
		LastHeartbeat:   time.Now(),
		TotalViolations: violations,
	}
	if banned {
		ns.Status = "banned"
		until := bannedUntil
		ns.BannedUntil = &until
	}
	if err := d.sql.UpsertNodeStatus(ctx, ns); err != nil {
		peerLogger.Warn("transport: upsert node_status failed", "peerId", peerID, "err", err)
	}
}

var _ consensus.PeerDirectory = (*PeerDirectory)(nil)
