// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/voteguard/core/consensus"
)

// wireKind distinguishes the small set of message shapes the mesh
// carries. The kind travels alongside the payload instead of wrapping
// it, so a stream stays one JSON object per line.
type wireKind string

const (
	wireKindVote wireKind = "vote"
	wireKindPing wireKind = "ping"
	wireKindPong wireKind = "pong"
)

// wireMessage is the JSON envelope exchanged over a mesh stream, one
// object per line.
type wireMessage struct {
	Kind wireKind  `json:"kind"`
	Vote *wireVote `json:"vote,omitempty"`
}

type wireVote struct {
	TxID      string `json:"txId"`
	NodeID    uint64 `json:"nodeId"`
	PeerID    string `json:"peerId"`
	RoundID   int64  `json:"roundId"`
	Approve   bool   `json:"approve"`
	Value     uint64 `json:"value"`
	Signature []byte `json:"signature"`
	PublicKey []byte `json:"publicKey"`
	Timestamp int64  `json:"timestamp"`
}

func encodeVoteMessage(vote consensus.Vote) ([]byte, error) {
	msg := wireMessage{
		Kind: wireKindVote,
		Vote: &wireVote{
			TxID:      string(vote.TxID),
			NodeID:    uint64(vote.NodeID),
			PeerID:    string(vote.PeerID),
			RoundID:   vote.RoundID,
			Approve:   vote.Approve,
			Value:     vote.Value,
			Signature: vote.Signature,
			PublicKey: vote.PublicKey,
			Timestamp: vote.Timestamp.UnixNano(),
		},
	}
	return json.Marshal(msg)
}

func pingMessage() ([]byte, error) {
	return json.Marshal(wireMessage{Kind: wireKindPing})
}

func pongMessage() ([]byte, error) {
	return json.Marshal(wireMessage{Kind: wireKindPong})
}

func decodeWireMessage(data []byte) (wireMessage, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return wireMessage{}, fmt.Errorf("transport: decode wire message: %w", err)
	}
	return msg, nil
}

func (v *wireVote) toVote() consensus.Vote {
	return consensus.Vote{
		TxID:      consensus.TransactionId(v.TxID),
		NodeID:    consensus.NodeId(v.NodeID),
		PeerID:    consensus.PeerId(v.PeerID),
		RoundID:   v.RoundID,
		Approve:   v.Approve,
		Value:     v.Value,
		Signature: v.Signature,
		PublicKey: v.PublicKey,
		Timestamp: time.Unix(0, v.Timestamp),
	}
}
