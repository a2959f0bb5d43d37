// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/voteguard/core/co"
	"github.com/voteguard/core/cry"
	"github.com/voteguard/core/store/kvstore"
	"github.com/voteguard/core/store/sqlstore"
)

var detectorLogger = log.New("pkg", "consensus")

// PeerDirectory is the narrow capability the detector needs from the
// external peer/banning subsystem. Concrete implementations live in
// package transport; this package only depends on the shape it uses.
type PeerDirectory interface {
	IsBanned(ctx context.Context, peerID PeerId) (bool, error)
	RecordViolation(ctx context.Context, peerID PeerId, kind ViolationType)
}

// CheckOutcome is the four-way (plus banned) classification of an inbound
// vote.
type CheckOutcome int

const (
	CheckAccepted CheckOutcome = iota
	CheckThresholdReached
	CheckIdempotent
	CheckRejectedInvalidSignature
	CheckRejectedDoubleVoting
)

// CheckResult is the detector's verdict on one vote.
type CheckResult struct {
	Outcome   CheckOutcome
	Count     uint64
	Value     uint64
	Violation *ByzantineViolation
}

// ByzantineDetector reduces each incoming vote to exactly one CheckResult,
// reading the KV store for counters/seen-flags and the signature verifier
// for authenticity; the MinorityVote sweep additionally writes violations
// to SQL and reports them to the peer directory.
type ByzantineDetector struct {
	kv    kvstore.Store
	sql   sqlstore.Store
	peers PeerDirectory
	cfg   ConsensusConfig

	// filedMinority guards against double-logging a MinorityVote for the
	// same (txId, nodeId): the post-threshold sweep and the late-dissent
	// path (a minority vote admitted after the crossing) can both observe
	// the same dissenting entry.
	filedMu       sync.Mutex
	filedMinority map[string]struct{}
}

// NewByzantineDetector builds a detector bound to the given stores, peer
// directory (may be nil if banning isn't wired up), and cluster config.
func NewByzantineDetector(kv kvstore.Store, sql sqlstore.Store, peers PeerDirectory, cfg ConsensusConfig) *ByzantineDetector {
	return &ByzantineDetector{
		kv:            kv,
		sql:           sql,
		peers:         peers,
		cfg:           cfg,
		filedMinority: make(map[string]struct{}),
	}
}

// Check implements the ordering and atomicity rules of the detector:
// signature verification before any storage write, markSeen before
// incrVote, and banned-peer short-circuiting before either.
func (d *ByzantineDetector) Check(ctx context.Context, vote Vote) (CheckResult, error) {
	if d.peers != nil {
		banned, err := d.peers.IsBanned(ctx, vote.PeerID)
		if err != nil {
			return CheckResult{}, NewKVStorageError(err)
		}
		if banned {
			return CheckResult{}, &NodeBannedError{PeerID: vote.PeerID}
		}
	}

	if err := cry.VerifyVote(vote.PublicKey, vote.Signature, vote.RoundID, string(vote.TxID), vote.Approve); err != nil {
		violation := NewInvalidSignatureViolation(vote.PeerID, vote.TxID, time.Now())
		return CheckResult{Outcome: CheckRejectedInvalidSignature, Violation: &violation}, nil
	}

	seenRes, err := d.kv.MarkSeen(ctx, string(vote.TxID), uint64(vote.NodeID), vote.Value, string(vote.PeerID), vote.Timestamp)
	if err != nil {
		return CheckResult{}, NewKVStorageError(err)
	}

	switch seenRes.Outcome {
	case kvstore.AlreadyDifferentValue:
		previous := Vote{
			TxID:      vote.TxID,
			NodeID:    vote.NodeID,
			PeerID:    PeerId(seenRes.Previous.PeerID),
			Value:     seenRes.Previous.Value,
			Timestamp: seenRes.Previous.FirstSeenAt,
		}
		violation, err := NewDoubleVotingViolation(vote.PeerID, vote.NodeID, vote.TxID, previous, vote, time.Now())
		if err != nil {
			return CheckResult{}, NewKVStorageError(err)
		}
		return CheckResult{Outcome: CheckRejectedDoubleVoting, Violation: &violation}, nil
	case kvstore.AlreadySameValue:
		return CheckResult{Outcome: CheckIdempotent}, nil
	}

	count, err := d.kv.IncrVote(ctx, string(vote.TxID), vote.Value)
	if err != nil {
		return CheckResult{}, NewKVStorageError(err)
	}

	switch {
	case count < d.cfg.Threshold:
		return CheckResult{Outcome: CheckAccepted, Count: count, Value: vote.Value}, nil
	case count == d.cfg.Threshold:
		return CheckResult{Outcome: CheckThresholdReached, Count: count, Value: vote.Value}, nil
	default:
		return CheckResult{Outcome: CheckAccepted, Count: count, Value: vote.Value}, nil
	}
}

// SweepMinorityVote runs once per ThresholdReached crossing: it scans
// every seen vote for txID and files one MinorityVote violation for each
// node whose recorded value differs from the winning value. The filings
// run on a bounded worker pool (co.Parallel); the ScanSeen call itself
// runs before the pool on the calling goroutine, so concurrent sweeps
// each perform their own full scan with no limit on how many are in flight.
func (d *ByzantineDetector) SweepMinorityVote(ctx context.Context, txID TransactionId, winningValue uint64) {
	seen, err := d.kv.ScanSeen(ctx, string(txID))
	if err != nil {
		detectorLogger.Warn("minority vote sweep: scan seen failed", "txId", txID, "err", err)
		return
	}

	<-co.Parallel(func(queue chan<- func()) {
		for nodeID, sv := range seen {
			nodeID, sv := nodeID, sv
			if sv.Value == winningValue {
				continue
			}
			queue <- func() {
				d.FileMinorityVote(ctx, txID, NodeId(nodeID), PeerId(sv.PeerID), winningValue, sv.Value)
			}
		}
	})
}

// FileMinorityVote records a MinorityVote violation for (txID, nodeID),
// at most once per pair no matter how many of the sweep and the
// late-dissent admission path observe it.
func (d *ByzantineDetector) FileMinorityVote(ctx context.Context, txID TransactionId, nodeID NodeId, peerID PeerId, winning, voted uint64) {
	key := fmt.Sprintf("%s/%d", txID, nodeID)
	d.filedMu.Lock()
	if _, dup := d.filedMinority[key]; dup {
		d.filedMu.Unlock()
		return
	}
	d.filedMinority[key] = struct{}{}
	d.filedMu.Unlock()

	violation, err := NewMinorityVoteViolation(peerID, nodeID, txID, winning, voted, time.Now())
	if err != nil {
		detectorLogger.Warn("minority vote sweep: build violation failed", "txId", txID, "nodeId", nodeID, "err", err)
		return
	}
	if d.peers != nil {
		d.peers.RecordViolation(ctx, violation.PeerID, ViolationMinorityVote)
	}
	if d.sql != nil {
		var nodeIDPtr *uint64
		if violation.NodeID != nil {
			n := uint64(*violation.NodeID)
			nodeIDPtr = &n
		}
		err := d.sql.InsertViolation(ctx, sqlstore.Violation{
			PeerID:        string(violation.PeerID),
			NodeID:        nodeIDPtr,
			TxID:          string(violation.TxID),
			ViolationType: string(violation.ViolationType),
			Evidence:      violation.Evidence,
			DetectedAt:    violation.DetectedAt,
		})
		if err != nil {
			detectorLogger.Warn("minority vote sweep: insert violation failed", "txId", txID, "nodeId", nodeID, "err", err)
		}
	}
}
