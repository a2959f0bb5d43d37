// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package sqlstore is the durable, audit-grade side of the dual-backed
// vote store: transactions, voting rounds, individual votes, and
// Byzantine violations. Writes are append-mostly; concurrent writers
// serialize on row locks, and violations are never deleted.
package sqlstore

import (
	"context"
	"encoding/json"
	"time"
)

// Vote is the durable record of one admitted vote, scoped to a round.
type Vote struct {
	RoundID   int64
	NodeID    uint64
	TxID      string
	Approve   bool
	Value     uint64
	Signature []byte
	CreatedAt time.Time
}

// Violation is the durable record of one Byzantine violation.
type Violation struct {
	PeerID        string
	NodeID        *uint64
	TxID          string
	ViolationType string
	Evidence      json.RawMessage
	DetectedAt    time.Time
}

// Transaction is the durable record of an approvable unit of work.
type Transaction struct {
	TxID        string
	State       string
	UnsignedTx  []byte
	SignedTx    []byte
	Recipient   string
	AmountSats  uint64
	FeeSats     uint64
	Metadata    json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// VotingRound is one row per (txID, roundNumber).
type VotingRound struct {
	ID            int64
	TxID          string
	RoundNumber   int64
	TotalNodes    uint64
	Threshold     uint64
	VotesReceived uint64
	Approved      bool
	Completed     bool
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// NodeStatus is the external PeerDirectory's view of a cluster member,
// mirrored here for the audit trail.
type NodeStatus struct {
	NodeID          uint64
	Status          string
	LastHeartbeat   time.Time
	TotalVotes      uint64
	TotalViolations uint64
	BannedUntil     *time.Time
}

// Store is the durable audit contract the vote processor and GC reaper
// consume.
type Store interface {
	// InsertVote inserts a vote row; unique on (round_id, node_id), so a
	// duplicate insert (e.g. from a retried detector) is swallowed rather
	// than erroring.
	InsertVote(ctx context.Context, v Vote) error

	InsertViolation(ctx context.Context, v Violation) error

	UpdateTransactionState(ctx context.Context, txID, newState string) error

	// GetConfirmedBefore lists txIDs whose state is Confirmed and whose
	// transactions row was last updated before cutoff, for GC reclamation.
	GetConfirmedBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	// ArchiveOldSubmissions moves completed voting_rounds whose
	// completed_at is before cutoff into an archive table, returning the
	// count moved.
	ArchiveOldSubmissions(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteOldVoteHistory deletes votes rows older than cutoff.
	// byzantine_violations rows are never deleted or archived, by this or
	// any other method.
	DeleteOldVoteHistory(ctx context.Context, cutoff time.Time) (int64, error)

	UpdateNodeLastSeen(ctx context.Context, nodeID uint64, at time.Time) error

	InsertTransaction(ctx context.Context, tx Transaction) error

	GetTransaction(ctx context.Context, txID string) (Transaction, bool, error)

	// ListNonTerminalTransactions lists every transaction whose durable
	// state isn't Confirmed, AbortedByzantine, or AbortedTimeout. Startup
	// reconciliation uses SQL, not KV, as the ground truth for which
	// transactions are still live, since KV can be wiped out entirely
	// while SQL survives.
	ListNonTerminalTransactions(ctx context.Context) ([]Transaction, error)

	InsertRound(ctx context.Context, r VotingRound) (int64, error)

	UpdateRound(ctx context.Context, roundID int64, votesReceived uint64, approved, completed bool, completedAt *time.Time) error

	GetRound(ctx context.Context, txID string, roundNumber int64) (VotingRound, bool, error)

	// ListVotes lists every admitted vote recorded for txID, ordered by
	// arrival. Used by startup reconciliation to rebuild the ephemeral
	// KV counters after a KV-only data loss.
	ListVotes(ctx context.Context, txID string) ([]Vote, error)

	ListViolations(ctx context.Context, txID string) ([]Violation, error)

	UpsertNodeStatus(ctx context.Context, ns NodeStatus) error

	Close() error
}
