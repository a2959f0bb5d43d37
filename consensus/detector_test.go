// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voteguard/core/cry"
	"github.com/voteguard/core/store/kvstore"
)

func signedVote(t *testing.T, kp *cry.KeyPair, nodeID NodeId, txID TransactionId, roundID int64, value uint64) Vote {
	t.Helper()
	return Vote{
		TxID:      txID,
		NodeID:    nodeID,
		PeerID:    "peer1",
		RoundID:   roundID,
		Approve:   true,
		Value:     value,
		Signature: kp.Sign(roundID, string(txID), true),
		PublicKey: kp.Public,
		Timestamp: time.Now(),
	}
}

func TestDetectorAcceptsUpToThreshold(t *testing.T) {
	kv := kvstore.NewMemStore()
	cfg := ConsensusConfig{TotalNodes: 5, Threshold: 4}
	d := NewByzantineDetector(kv, nil, nil, cfg)
	ctx := context.Background()

	for n := uint64(1); n <= 5; n++ {
		kp, err := cry.GenerateKeyPair()
		require.NoError(t, err)
		v := signedVote(t, kp, NodeId(n), "TX", 1, 9)

		res, err := d.Check(ctx, v)
		require.NoError(t, err)
		switch n {
		case 4:
			assert.Equal(t, CheckThresholdReached, res.Outcome)
			assert.Equal(t, uint64(9), res.Value)
			assert.Equal(t, uint64(4), res.Count)
		default:
			assert.Equal(t, CheckAccepted, res.Outcome)
			assert.Equal(t, n, res.Count)
		}
	}
}

func TestDetectorRejectsBadSignatureBeforeAnyWrite(t *testing.T) {
	kv := kvstore.NewMemStore()
	d := NewByzantineDetector(kv, nil, nil, ConsensusConfig{TotalNodes: 5, Threshold: 4})
	ctx := context.Background()

	kp, err := cry.GenerateKeyPair()
	require.NoError(t, err)
	v := signedVote(t, kp, 1, "TX", 1, 9)
	v.Signature[10] ^= 0x01

	res, err := d.Check(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, CheckRejectedInvalidSignature, res.Outcome)
	require.NotNil(t, res.Violation)
	assert.Equal(t, ViolationInvalidSignature, res.Violation.ViolationType)

	seen, err := kv.ScanSeen(ctx, "TX")
	require.NoError(t, err)
	assert.Empty(t, seen)

	count, err := kv.IncrVote(ctx, "TX", 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count) // nothing was counted before the probe
}

func TestDetectorClassifiesDoubleVoteWithEvidence(t *testing.T) {
	kv := kvstore.NewMemStore()
	d := NewByzantineDetector(kv, nil, nil, ConsensusConfig{TotalNodes: 5, Threshold: 4})
	ctx := context.Background()

	kp, err := cry.GenerateKeyPair()
	require.NoError(t, err)

	first := signedVote(t, kp, 2, "TX", 1, 42)
	res, err := d.Check(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, CheckAccepted, res.Outcome)

	second := signedVote(t, kp, 2, "TX", 1, 7)
	res, err = d.Check(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, CheckRejectedDoubleVoting, res.Outcome)
	require.NotNil(t, res.Violation)
	assert.Equal(t, ViolationDoubleVoting, res.Violation.ViolationType)

	var evidence DoubleVotingEvidence
	require.NoError(t, json.Unmarshal(res.Violation.Evidence, &evidence))
	assert.Equal(t, uint64(42), evidence.Previous.Value)
	assert.Equal(t, uint64(7), evidence.New.Value)

	// The rejected vote never reached the counter.
	count, err := kv.IncrVote(ctx, "TX", 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestDetectorIdempotentOnSameValue(t *testing.T) {
	kv := kvstore.NewMemStore()
	d := NewByzantineDetector(kv, nil, nil, ConsensusConfig{TotalNodes: 5, Threshold: 4})
	ctx := context.Background()

	kp, err := cry.GenerateKeyPair()
	require.NoError(t, err)
	v := signedVote(t, kp, 3, "TX", 1, 42)

	res, err := d.Check(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, CheckAccepted, res.Outcome)

	res, err = d.Check(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, CheckIdempotent, res.Outcome)
}

type bannedDirectory struct{}

func (bannedDirectory) IsBanned(context.Context, PeerId) (bool, error) { return true, nil }

func (bannedDirectory) RecordViolation(context.Context, PeerId, ViolationType) {}

func TestDetectorRefusesBannedPeer(t *testing.T) {
	kv := kvstore.NewMemStore()
	d := NewByzantineDetector(kv, nil, bannedDirectory{}, ConsensusConfig{TotalNodes: 5, Threshold: 4})
	ctx := context.Background()

	kp, err := cry.GenerateKeyPair()
	require.NoError(t, err)
	v := signedVote(t, kp, 1, "TX", 1, 9)

	_, err = d.Check(ctx, v)
	var banned *NodeBannedError
	require.ErrorAs(t, err, &banned)
	assert.Equal(t, PeerId("peer1"), banned.PeerID)

	// A banned peer's vote leaves no trace, not even a violation row.
	seen, scanErr := kv.ScanSeen(ctx, "TX")
	require.NoError(t, scanErr)
	assert.Empty(t, seen)
}

func TestDetectorFilesMinorityVoteOnce(t *testing.T) {
	kv := kvstore.NewMemStore()
	cfg := ConsensusConfig{TotalNodes: 5, Threshold: 4}
	d := NewByzantineDetector(kv, nil, nil, cfg)
	ctx := context.Background()

	d.FileMinorityVote(ctx, "TX", 5, "peer5", 1, 0)
	d.FileMinorityVote(ctx, "TX", 5, "peer5", 1, 0)

	d.filedMu.Lock()
	filed := len(d.filedMinority)
	d.filedMu.Unlock()
	assert.Equal(t, 1, filed)
}

func TestConsensusConfigValidate(t *testing.T) {
	assert.NoError(t, ConsensusConfig{TotalNodes: 5, Threshold: 4}.Validate())
	assert.NoError(t, ConsensusConfig{TotalNodes: 1, Threshold: 1}.Validate())

	var cfgErr *ConfigError
	err := ConsensusConfig{TotalNodes: 0, Threshold: 1}.Validate()
	require.True(t, errors.As(err, &cfgErr))

	err = ConsensusConfig{TotalNodes: 5, Threshold: 6}.Validate()
	require.True(t, errors.As(err, &cfgErr))

	err = ConsensusConfig{TotalNodes: 5, Threshold: 0}.Validate()
	require.True(t, errors.As(err, &cfgErr))
}
