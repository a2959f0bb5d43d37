// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voteguard/core/consensus"
)

func TestEncodeDecodeVoteMessageRoundTrips(t *testing.T) {
	vote := consensus.Vote{
		TxID:      "tx-1",
		NodeID:    2,
		PeerID:    "peer-2",
		RoundID:   7,
		Approve:   true,
		Value:     42,
		Signature: []byte{0x01, 0x02},
		PublicKey: []byte{0x03, 0x04},
		Timestamp: time.Unix(0, 123456789),
	}

	data, err := encodeVoteMessage(vote)
	require.NoError(t, err)

	msg, err := decodeWireMessage(data)
	require.NoError(t, err)
	require.Equal(t, wireKindVote, msg.Kind)
	require.NotNil(t, msg.Vote)

	got := msg.Vote.toVote()
	require.Equal(t, vote, got)
}

func TestDecodePingPongMessages(t *testing.T) {
	data, err := pingMessage()
	require.NoError(t, err)
	msg, err := decodeWireMessage(data)
	require.NoError(t, err)
	require.Equal(t, wireKindPing, msg.Kind)
	require.Nil(t, msg.Vote)

	data, err = pongMessage()
	require.NoError(t, err)
	msg, err = decodeWireMessage(data)
	require.NoError(t, err)
	require.Equal(t, wireKindPong, msg.Kind)
}

func TestDecodeWireMessageRejectsGarbage(t *testing.T) {
	_, err := decodeWireMessage([]byte("not json"))
	require.Error(t, err)
}
