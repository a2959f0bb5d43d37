// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package consensus implements the per-transaction Byzantine-fault-tolerant
// vote processor: a finite-state machine per transaction, a Byzantine
// detector that classifies incoming votes, and the processor that composes
// the two atomically under concurrency.
package consensus

import (
	"encoding/json"
	"time"
)

// TransactionId identifies an approvable unit of work. Opaque, immutable.
type TransactionId string

// NodeId identifies a participant of the fixed cluster, 1..=N.
type NodeId uint64

// PeerId identifies the transport-layer peer that delivered a message.
// Distinct from NodeId: one compromised peer could impersonate several
// node claims, so violations are attributed to PeerId for banning.
type PeerId string

// Vote is an immutable record of one node's position on one transaction
// round. RoundID is the logical, monotonically increasing retry-round
// number, never a database surrogate key; the canonical signing bytes
// are computed over it.
type Vote struct {
	TxID      TransactionId
	NodeID    NodeId
	PeerID    PeerId
	RoundID   int64
	Approve   bool
	Value     uint64
	Signature []byte
	PublicKey []byte
	Timestamp time.Time
}

// TransactionState is the lifecycle state persisted in KV and mirrored to
// SQL.
type TransactionState string

const (
	StateCollecting       TransactionState = "COLLECTING"
	StateThresholdReached TransactionState = "THRESHOLD_REACHED"
	StateSubmitted        TransactionState = "SUBMITTED"
	StateConfirmed        TransactionState = "CONFIRMED"
	StateAbortedByzantine TransactionState = "ABORTED_BYZANTINE"
	StateAbortedTimeout   TransactionState = "ABORTED_TIMEOUT"
)

// VoteState is the in-memory FSM view; identical to TransactionState plus
// an Initial value that exists before the first transition.
type VoteState string

const (
	VoteStateInitial          VoteState = "INITIAL"
	VoteStateCollecting       VoteState = VoteState(StateCollecting)
	VoteStateThresholdReached VoteState = VoteState(StateThresholdReached)
	VoteStateSubmitted        VoteState = VoteState(StateSubmitted)
	VoteStateConfirmed        VoteState = VoteState(StateConfirmed)
	VoteStateAbortedByzantine VoteState = VoteState(StateAbortedByzantine)
	VoteStateAbortedTimeout   VoteState = VoteState(StateAbortedTimeout)
)

// ViolationType classifies a Byzantine violation.
type ViolationType string

const (
	ViolationDoubleVoting     ViolationType = "DOUBLE_VOTING"
	ViolationMinorityVote     ViolationType = "MINORITY_VOTE"
	ViolationInvalidSignature ViolationType = "INVALID_SIGNATURE"
	ViolationSilentFailure    ViolationType = "SILENT_FAILURE"
)

// DoubleVotingEvidence pairs the two conflicting votes cast by the same
// node for the same transaction.
type DoubleVotingEvidence struct {
	Previous Vote `json:"previous"`
	New      Vote `json:"new"`
}

// MinorityVoteEvidence records which value won and which value a
// dissenting node voted for.
type MinorityVoteEvidence struct {
	Winning uint64 `json:"winning"`
	Voted   uint64 `json:"voted"`
}

// ByzantineViolation is an audit record of a peer departing from the
// protocol. Every rejected vote produces exactly one of these.
type ByzantineViolation struct {
	PeerID        PeerId
	NodeID        *NodeId
	TxID          TransactionId
	ViolationType ViolationType
	Evidence      json.RawMessage
	DetectedAt    time.Time
}

// NewDoubleVotingViolation builds a ByzantineViolation carrying both
// conflicting votes as evidence.
func NewDoubleVotingViolation(peerID PeerId, nodeID NodeId, txID TransactionId, previous, newVote Vote, at time.Time) (ByzantineViolation, error) {
	evidence, err := json.Marshal(DoubleVotingEvidence{Previous: previous, New: newVote})
	if err != nil {
		return ByzantineViolation{}, err
	}
	return ByzantineViolation{
		PeerID:        peerID,
		NodeID:        &nodeID,
		TxID:          txID,
		ViolationType: ViolationDoubleVoting,
		Evidence:      evidence,
		DetectedAt:    at,
	}, nil
}

// NewMinorityVoteViolation builds a ByzantineViolation for a node whose
// vote dissented from the value that reached threshold.
func NewMinorityVoteViolation(peerID PeerId, nodeID NodeId, txID TransactionId, winning, voted uint64, at time.Time) (ByzantineViolation, error) {
	evidence, err := json.Marshal(MinorityVoteEvidence{Winning: winning, Voted: voted})
	if err != nil {
		return ByzantineViolation{}, err
	}
	return ByzantineViolation{
		PeerID:        peerID,
		NodeID:        &nodeID,
		TxID:          txID,
		ViolationType: ViolationMinorityVote,
		Evidence:      evidence,
		DetectedAt:    at,
	}, nil
}

// NewInvalidSignatureViolation builds a ByzantineViolation for a vote that
// failed signature verification.
func NewInvalidSignatureViolation(peerID PeerId, txID TransactionId, at time.Time) ByzantineViolation {
	return ByzantineViolation{
		PeerID:        peerID,
		TxID:          txID,
		ViolationType: ViolationInvalidSignature,
		DetectedAt:    at,
	}
}

// ConsensusConfig is the read-only, process-wide configuration of the
// cluster. Invariant: 1 <= Threshold <= TotalNodes.
type ConsensusConfig struct {
	TotalNodes      uint64
	Threshold       uint64
	VoteTimeoutSecs uint64
}

// Validate enforces the threshold invariant.
func (c ConsensusConfig) Validate() error {
	if c.TotalNodes == 0 {
		return NewConfigError("totalNodes must be >= 1")
	}
	if c.Threshold < 1 || c.Threshold > c.TotalNodes {
		return NewConfigError("threshold must satisfy 1 <= threshold <= totalNodes")
	}
	return nil
}

// ConsensusResult is emitted once a vote's value crosses the threshold.
type ConsensusResult struct {
	TxID      TransactionId
	Value     uint64
	Count     uint64
	ReachedAt time.Time
}

// VoteProcessingResult is the tagged-variant outcome of processing one
// vote. Exactly one variant is set: either one of the pointers is
// non-nil, or Idempotent is true.
type VoteProcessingResult struct {
	Accepted         *AcceptedResult
	ConsensusReached *ConsensusResult
	Rejected         *RejectedResult
	Idempotent       bool
	AlreadyProcessed *TransactionAlreadyProcessedError
}

// AcceptedResult reports a vote admitted but not (yet, or no longer)
// threshold-crossing.
type AcceptedResult struct {
	Count uint64
}

// RejectedResult reports a vote rejected with the violation kind that
// caused it.
type RejectedResult struct {
	Kind ViolationType
}
