// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package transport

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voteguard/core/consensus"
)

type countingHandler struct {
	calls int32
}

func (h *countingHandler) ProcessVote(_ context.Context, _ consensus.Vote) (consensus.VoteProcessingResult, error) {
	atomic.AddInt32(&h.calls, 1)
	return consensus.VoteProcessingResult{Accepted: &consensus.AcceptedResult{Count: 1}}, nil
}

func TestMemoryBusBroadcastReachesConnectedPeer(t *testing.T) {
	a := &countingHandler{}
	b := &countingHandler{}
	busA := NewMemoryBus(a)
	busB := NewMemoryBus(b)
	busA.Connect(busB)

	vote := consensus.Vote{TxID: "tx1", NodeID: 1, PeerID: "peerA", RoundID: 1}
	require.NoError(t, busA.Broadcast(context.Background(), vote))

	require.EqualValues(t, 1, atomic.LoadInt32(&a.calls))
	require.EqualValues(t, 1, atomic.LoadInt32(&b.calls))
}

func TestMemoryBusDedupesRepeatedVote(t *testing.T) {
	h := &countingHandler{}
	bus := NewMemoryBus(h)

	vote := consensus.Vote{TxID: "tx1", NodeID: 1, PeerID: "peerA", RoundID: 1}
	bus.OnVote(vote)
	bus.OnVote(vote)

	require.EqualValues(t, 1, atomic.LoadInt32(&h.calls))
}

func TestMemoryBusDoesNotCrossDeliverUnconnectedBuses(t *testing.T) {
	a := &countingHandler{}
	b := &countingHandler{}
	busA := NewMemoryBus(a)
	_ = NewMemoryBus(b)

	vote := consensus.Vote{TxID: "tx1", NodeID: 1, PeerID: "peerA", RoundID: 1}
	require.NoError(t, busA.Broadcast(context.Background(), vote))

	require.EqualValues(t, 1, atomic.LoadInt32(&a.calls))
	require.EqualValues(t, 0, atomic.LoadInt32(&b.calls))
}
