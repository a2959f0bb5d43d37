// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package kvstore is the ephemeral, strongly-consistent counter/state
// store the Byzantine detector and vote processor read and write on every
// vote: per-value vote counters, per-node "seen" flags, and the
// transaction's current state. All writes are linearizable per key.
package kvstore

import (
	"context"
	"fmt"
	"time"
)

// SeenOutcome is the three-valued result of a put-if-absent on a
// votes/{txId}/seen/{nodeId} key.
type SeenOutcome int

const (
	// Fresh means no prior seen entry existed; the new one was written.
	Fresh SeenOutcome = iota
	// AlreadySameValue means a seen entry exists with the same value.
	AlreadySameValue
	// AlreadyDifferentValue means a seen entry exists with a different
	// value, i.e. a double vote.
	AlreadyDifferentValue
)

// SeenVote is the blob stored at votes/{txId}/seen/{nodeId}. PeerID rides
// alongside the value and timestamp so the MinorityVote sweep (which only
// has nodeId to go on from a KV scan) can still attribute its violation
// to a PeerId for banning.
type SeenVote struct {
	Value       uint64    `json:"value"`
	FirstSeenAt time.Time `json:"timestamp"`
	PeerID      string    `json:"peerId,omitempty"`
}

// SeenResult is returned by MarkSeen.
type SeenResult struct {
	Outcome  SeenOutcome
	Previous SeenVote
}

// TransactionState mirrors consensus.TransactionState without importing
// the consensus package, keeping this store's dependency direction
// leaf-first.
type TransactionState string

// Canonical tx/{txId}/state values.
const (
	StateCollecting       TransactionState = "COLLECTING"
	StateThresholdReached TransactionState = "THRESHOLD_REACHED"
	StateSubmitted        TransactionState = "SUBMITTED"
	StateConfirmed        TransactionState = "CONFIRMED"
	StateAbortedByzantine TransactionState = "ABORTED_BYZANTINE"
	StateAbortedTimeout   TransactionState = "ABORTED_TIMEOUT"
)

// Store is the ephemeral KV contract: atomic counters, CAS put-if-absent,
// CAS state transitions, and bulk delete by prefix.
type Store interface {
	// IncrVote atomically increments votes/{txId}/counts/{value} and
	// returns the post-increment value.
	IncrVote(ctx context.Context, txID string, value uint64) (uint64, error)

	// MarkSeen writes votes/{txId}/seen/{nodeId} if absent (Fresh), or
	// reports what was already there.
	MarkSeen(ctx context.Context, txID string, nodeID uint64, value uint64, peerID string, at time.Time) (SeenResult, error)

	// CASState sets tx/{txId}/state to next iff the current value is
	// expected; if the key is absent, expected must be the empty string.
	CASState(ctx context.Context, txID string, expected, next TransactionState) error

	// GetState returns the current state and whether the key exists.
	GetState(ctx context.Context, txID string) (TransactionState, bool, error)

	// PutConfig sets a config/{key} value.
	PutConfig(ctx context.Context, key string, value uint64) error

	// GetConfig reads a config/{key} value.
	GetConfig(ctx context.Context, key string) (uint64, bool, error)

	// ScanSeen returns every votes/{txId}/seen/{nodeId} entry, keyed by
	// nodeId, for the MinorityVote sweep.
	ScanSeen(ctx context.Context, txID string) (map[uint64]SeenVote, error)

	// ScanStates enumerates every tx/{txId}/state entry currently held.
	// Startup reconciliation does not use it; it reads SQL instead.
	ScanStates(ctx context.Context) (map[string]TransactionState, error)

	// DeletePrefix removes every votes/{txId}/* key. Used by GC.
	DeletePrefix(ctx context.Context, txID string) error

	// DeleteState removes tx/{txId}/state. Used by GC.
	DeleteState(ctx context.Context, txID string) error

	// Close releases any underlying connections.
	Close() error
}

// ConfigTotalNodesKey and ConfigThresholdKey are the two init-time
// config/* keys the core writes and reads.
const (
	ConfigTotalNodesKey = "totalNodes"
	ConfigThresholdKey  = "threshold"
)

func votesCountKey(txID string, value uint64) string {
	return fmt.Sprintf("votes/%s/counts/%d", txID, value)
}

func votesSeenKey(txID string, nodeID uint64) string {
	return fmt.Sprintf("votes/%s/seen/%d", txID, nodeID)
}

func txStateKey(txID string) string {
	return fmt.Sprintf("tx/%s/state", txID)
}

func configKey(key string) string {
	return fmt.Sprintf("config/%s", key)
}
