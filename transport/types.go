// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package transport supplies the vote transport contract (BroadcastBus)
// as a narrow interface, implemented by an mTLS-secured QUIC mesh and the
// in-process MemoryBus, plus a SQL-audit-backed implementation of
// consensus.PeerDirectory. The core (package consensus) never imports this package;
// this package imports consensus only for the Vote/PeerId/ViolationType
// shapes it ferries across the wire and the PeerDirectory contract it
// implements.
package transport

import (
	"context"

	"github.com/voteguard/core/consensus"
)

// VoteHandler is the single core entry point the transport delivers
// inbound votes to. consensus.VoteProcessor satisfies this.
type VoteHandler interface {
	ProcessVote(ctx context.Context, vote consensus.Vote) (consensus.VoteProcessingResult, error)
}

// BroadcastBus is the abstract channel votes fan out over: OnVote
// delivers a deserialized, not-yet-verified vote from the transport layer
// into the core (the core re-verifies everything itself); Broadcast fans
// this node's own vote out to every peer. Deduplication across redundant
// delivery paths is the transport's job, keyed on (txId, nodeId).
type BroadcastBus interface {
	// OnVote is called by the transport layer for each vote it receives,
	// whether from the network or from this node's own signing policy
	// looped back for local bookkeeping.
	OnVote(vote consensus.Vote)

	// Broadcast sends vote to every known peer.
	Broadcast(ctx context.Context, vote consensus.Vote) error
}
