// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/voteguard/core/consensus"
)

// MemoryBus is an in-process BroadcastBus fake: Broadcast fans a vote out
// to every other registered MemoryBus synchronously, deduplicated on
// (txId, nodeId, roundId) like any other transport. Used by tests; the
// daemon's solo mode runs with no transport at all.
type MemoryBus struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	peers   []*MemoryBus
	handler VoteHandler
}

// NewMemoryBus builds a MemoryBus that delivers inbound votes to handler.
func NewMemoryBus(handler VoteHandler) *MemoryBus {
	return &MemoryBus{
		seen:    make(map[string]struct{}),
		handler: handler,
	}
}

// Connect links two buses so a Broadcast on either reaches the other.
// Symmetric: connecting registers each bus as the other's peer.
func (b *MemoryBus) Connect(other *MemoryBus) {
	b.mu.Lock()
	b.peers = append(b.peers, other)
	b.mu.Unlock()

	other.mu.Lock()
	other.peers = append(other.peers, b)
	other.mu.Unlock()
}

func dedupeKey(vote consensus.Vote) string {
	return fmt.Sprintf("%s:%d:%d", vote.TxID, vote.NodeID, vote.RoundID)
}

// OnVote delivers vote to this bus's handler if it hasn't been seen
// before on this bus.
func (b *MemoryBus) OnVote(vote consensus.Vote) {
	key := dedupeKey(vote)
	b.mu.Lock()
	if _, dup := b.seen[key]; dup {
		b.mu.Unlock()
		return
	}
	b.seen[key] = struct{}{}
	b.mu.Unlock()

	if b.handler != nil {
		_, _ = b.handler.ProcessVote(context.Background(), vote)
	}
}

// Broadcast delivers vote to this bus's own handler and to every
// connected peer.
func (b *MemoryBus) Broadcast(_ context.Context, vote consensus.Vote) error {
	b.OnVote(vote)
	b.mu.Lock()
	peers := append([]*MemoryBus(nil), b.peers...)
	b.mu.Unlock()
	for _, p := range peers {
		p.OnVote(vote)
	}
	return nil
}
