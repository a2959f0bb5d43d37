// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voteguard/core/cry"
	"github.com/voteguard/core/store/kvstore"
	"github.com/voteguard/core/store/sqlstore"
)

// fakePeerDirectory is an in-memory PeerDirectory: nothing is ever banned,
// but RecordViolation calls are observable for assertions.
type fakePeerDirectory struct {
	mu         sync.Mutex
	banned     map[PeerId]bool
	violations []ViolationType
}

func newFakePeerDirectory() *fakePeerDirectory {
	return &fakePeerDirectory{banned: make(map[PeerId]bool)}
}

func (f *fakePeerDirectory) IsBanned(_ context.Context, peerID PeerId) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[peerID], nil
}

func (f *fakePeerDirectory) RecordViolation(_ context.Context, _ PeerId, kind ViolationType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.violations = append(f.violations, kind)
}

func (f *fakePeerDirectory) ban(peerID PeerId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned[peerID] = true
}

func (f *fakePeerDirectory) recorded() []ViolationType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ViolationType(nil), f.violations...)
}

// testCluster bundles a KV store, a sqlite-backed SQL store, the detector,
// and a processor wired together the way the daemon wires them, plus the
// key pairs used to mint well-formed votes.
type testCluster struct {
	kv    kvstore.Store
	sql   sqlstore.Store
	peers *fakePeerDirectory
	proc  *VoteProcessor
	keys  map[NodeId]*cry.KeyPair
	cfg   ConsensusConfig
}

func newTestCluster(t *testing.T, totalNodes, threshold uint64) *testCluster {
	t.Helper()
	ctx := context.Background()

	kv := kvstore.NewMemStore()
	sql, err := sqlstore.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sql.Close() })

	cfg := ConsensusConfig{TotalNodes: totalNodes, Threshold: threshold, VoteTimeoutSecs: 30}
	require.NoError(t, cfg.Validate())

	peers := newFakePeerDirectory()
	detector := NewByzantineDetector(kv, sql, peers, cfg)
	proc, err := NewVoteProcessor(ctx, detector, kv, sql, nil, cfg)
	require.NoError(t, err)

	keys := make(map[NodeId]*cry.KeyPair, totalNodes)
	for n := uint64(1); n <= totalNodes; n++ {
		kp, err := cry.GenerateKeyPair()
		require.NoError(t, err)
		keys[NodeId(n)] = kp
	}

	return &testCluster{kv: kv, sql: sql, peers: peers, proc: proc, keys: keys, cfg: cfg}
}

func (c *testCluster) vote(t *testing.T, nodeID NodeId, txID TransactionId, roundID int64, value uint64) Vote {
	t.Helper()
	kp := c.keys[nodeID]
	sig := kp.Sign(roundID, string(txID), true)
	return Vote{
		TxID:      txID,
		NodeID:    nodeID,
		PeerID:    PeerId("peer" + string(rune('0'+nodeID))),
		RoundID:   roundID,
		Approve:   true,
		Value:     value,
		Signature: sig,
		PublicKey: kp.Public,
		Timestamp: time.Now(),
	}
}

// TestHappyPath: five honest nodes, threshold 4.
func TestHappyPath(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()

	var last VoteProcessingResult
	for n := uint64(1); n <= 4; n++ {
		res, err := c.proc.ProcessVote(ctx, c.vote(t, NodeId(n), "T1", 1, 42))
		require.NoError(t, err)
		last = res
	}
	require.NotNil(t, last.ConsensusReached)
	assert.Equal(t, uint64(42), last.ConsensusReached.Value)
	assert.Equal(t, uint64(4), last.ConsensusReached.Count)

	res, err := c.proc.ProcessVote(ctx, c.vote(t, 5, "T1", 1, 42))
	require.NoError(t, err)
	require.NotNil(t, res.Accepted)
	assert.Equal(t, uint64(5), res.Accepted.Count)

	require.NoError(t, c.proc.MarkSubmitted(ctx, "T1"))
	require.NoError(t, c.proc.MarkConfirmed(ctx, "T1"))
	state, ok := c.proc.State("T1")
	require.True(t, ok)
	assert.Equal(t, VoteStateConfirmed, state)

	// The crossing closed out the round's durable record.
	round, ok, err := c.sql.GetRound(ctx, "T1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, round.Approved)
	assert.True(t, round.Completed)
	assert.Equal(t, uint64(4), round.VotesReceived)
	require.NotNil(t, round.CompletedAt)
}

// TestDoubleVote: conflicting values from one node abort the transaction.
func TestDoubleVote(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()

	res, err := c.proc.ProcessVote(ctx, c.vote(t, 2, "T2", 1, 42))
	require.NoError(t, err)
	require.NotNil(t, res.Accepted)
	assert.Equal(t, uint64(1), res.Accepted.Count)

	res, err = c.proc.ProcessVote(ctx, c.vote(t, 2, "T2", 1, 7))
	require.NoError(t, err)
	require.NotNil(t, res.Rejected)
	assert.Equal(t, ViolationDoubleVoting, res.Rejected.Kind)

	state, ok := c.proc.State("T2")
	require.True(t, ok)
	assert.Equal(t, VoteStateAbortedByzantine, state)

	violations, err := c.sql.ListViolations(ctx, "T2")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "DOUBLE_VOTING", violations[0].ViolationType)
	assert.Equal(t, []ViolationType{ViolationDoubleVoting}, c.peers.recorded())

	res, err = c.proc.ProcessVote(ctx, c.vote(t, 3, "T2", 1, 42))
	require.NoError(t, err)
	require.NotNil(t, res.AlreadyProcessed)
}

// TestInvalidSignature: a tampered signature is rejected before any KV
// write and reported to the peer directory.
func TestInvalidSignature(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()

	v := c.vote(t, 1, "T3", 1, 42)
	v.Signature[0] ^= 0xFF

	res, err := c.proc.ProcessVote(ctx, v)
	require.NoError(t, err)
	require.NotNil(t, res.Rejected)
	assert.Equal(t, ViolationInvalidSignature, res.Rejected.Kind)

	seen, err := c.kv.ScanSeen(ctx, "T3")
	require.NoError(t, err)
	assert.Empty(t, seen)

	assert.Equal(t, []ViolationType{ViolationInvalidSignature}, c.peers.recorded())
}

// TestMinorityVote: a dissenting vote after the crossing is admitted and
// additionally flagged as a MinorityVote violation.
func TestMinorityVote(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()

	for n := uint64(1); n <= 4; n++ {
		_, err := c.proc.ProcessVote(ctx, c.vote(t, NodeId(n), "T4", 1, 1))
		require.NoError(t, err)
	}

	res, err := c.proc.ProcessVote(ctx, c.vote(t, 5, "T4", 1, 0))
	require.NoError(t, err)
	require.NotNil(t, res.Accepted)
	assert.Equal(t, uint64(1), res.Accepted.Count)

	c.proc.Close()

	violations, err := c.sql.ListViolations(ctx, "T4")
	require.NoError(t, err)
	var found bool
	for _, v := range violations {
		if v.ViolationType == "MINORITY_VOTE" {
			found = true
			assert.JSONEq(t, `{"winning":1,"voted":0}`, string(v.Evidence))
		}
	}
	assert.True(t, found, "expected a MinorityVote violation to be filed")
}

// TestIdempotentReplay: redundant delivery of one vote counts once.
func TestIdempotentReplay(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()

	v := c.vote(t, 3, "T5", 1, 9)
	res, err := c.proc.ProcessVote(ctx, v)
	require.NoError(t, err)
	require.NotNil(t, res.Accepted)
	assert.Equal(t, uint64(1), res.Accepted.Count)

	for i := 0; i < 2; i++ {
		res, err := c.proc.ProcessVote(ctx, v)
		require.NoError(t, err)
		assert.True(t, res.Idempotent)
	}

	count, err := c.kv.IncrVote(ctx, "T5", 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count) // the probe IncrVote itself adds one
}

// TestRestartReconciliation: a wiped KV store is rebuilt from the durable
// vote history, so a later vote still crosses the threshold.
func TestRestartReconciliation(t *testing.T) {
	ctx := context.Background()
	sql, err := sqlstore.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer sql.Close()

	cfg := ConsensusConfig{TotalNodes: 5, Threshold: 4}
	require.NoError(t, sql.InsertTransaction(ctx, sqlstore.Transaction{
		TxID: "T6", State: "COLLECTING", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	roundID, err := sql.InsertRound(ctx, sqlstore.VotingRound{
		TxID: "T6", RoundNumber: 1, TotalNodes: 5, Threshold: 4, StartedAt: time.Now(),
	})
	require.NoError(t, err)
	for n := uint64(1); n <= 3; n++ {
		require.NoError(t, sql.InsertVote(ctx, sqlstore.Vote{
			RoundID: roundID, NodeID: n, TxID: "T6", Approve: true, Value: 42,
			Signature: []byte("sig"), CreatedAt: time.Now(),
		}))
	}

	// KV is wiped: a brand new, empty store stands in for it.
	kv := kvstore.NewMemStore()
	peers := newFakePeerDirectory()
	detector := NewByzantineDetector(kv, sql, peers, cfg)
	proc, err := NewVoteProcessor(ctx, detector, kv, sql, nil, cfg)
	require.NoError(t, err)

	kp, err := cry.GenerateKeyPair()
	require.NoError(t, err)
	sig := kp.Sign(1, "T6", true)
	res, err := proc.ProcessVote(ctx, Vote{
		TxID: "T6", NodeID: 4, PeerID: "peer4", RoundID: 1, Approve: true, Value: 42,
		Signature: sig, PublicKey: kp.Public, Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.NotNil(t, res.ConsensusReached)
	assert.Equal(t, uint64(4), res.ConsensusReached.Count)
}

// TestReplaySafety: re-processing the same vote repeatedly produces the
// same terminal state and the same violation set.
func TestReplaySafety(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()

	v := c.vote(t, 1, "T7", 1, 5)
	for i := 0; i < 5; i++ {
		_, err := c.proc.ProcessVote(ctx, v)
		require.NoError(t, err)
	}
	state, ok := c.proc.State("T7")
	require.True(t, ok)
	assert.Equal(t, VoteStateCollecting, state)

	violations, err := c.sql.ListViolations(ctx, "T7")
	require.NoError(t, err)
	assert.Empty(t, violations)
}

// TestNoConsensusBelowThreshold: fewer identical votes than the threshold
// never produce a ConsensusReached.
func TestNoConsensusBelowThreshold(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()

	for n := uint64(1); n <= 3; n++ {
		res, err := c.proc.ProcessVote(ctx, c.vote(t, NodeId(n), "T8", 1, 1))
		require.NoError(t, err)
		assert.Nil(t, res.ConsensusReached)
	}
	state, ok := c.proc.State("T8")
	require.True(t, ok)
	assert.Equal(t, VoteStateCollecting, state)
}

// TestExactlyOnceThresholdCrossing: at most one ConsensusReached per
// transaction, however many votes arrive.
func TestExactlyOnceThresholdCrossing(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()

	reachedCount := 0
	for n := uint64(1); n <= 5; n++ {
		res, err := c.proc.ProcessVote(ctx, c.vote(t, NodeId(n), "T9", 1, 1))
		require.NoError(t, err)
		if res.ConsensusReached != nil {
			reachedCount++
		}
	}
	assert.Equal(t, 1, reachedCount)
}

// TestFSMTransitionClosure: every transition the processor drives lies in
// the legal graph; AbortTimeout from Collecting is legal.
func TestFSMTransitionClosure(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()

	require.NoError(t, c.proc.AbortTimeout(ctx, "T10"))

	_, err := c.proc.ProcessVote(ctx, c.vote(t, 1, "T10", 1, 1))
	require.NoError(t, err)
	state, ok := c.proc.State("T10")
	require.True(t, ok)
	assert.Equal(t, VoteStateAbortedTimeout, state)
}

// TestIdempotentTerminalOps: MarkSubmitted and MarkConfirmed may be
// repeated without changing the final state.
func TestIdempotentTerminalOps(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()

	for n := uint64(1); n <= 4; n++ {
		_, err := c.proc.ProcessVote(ctx, c.vote(t, NodeId(n), "T11", 1, 1))
		require.NoError(t, err)
	}

	require.NoError(t, c.proc.MarkSubmitted(ctx, "T11"))
	require.NoError(t, c.proc.MarkSubmitted(ctx, "T11"))
	require.NoError(t, c.proc.MarkConfirmed(ctx, "T11"))
	require.NoError(t, c.proc.MarkConfirmed(ctx, "T11"))

	state, ok := c.proc.State("T11")
	require.True(t, ok)
	assert.Equal(t, VoteStateConfirmed, state)
}

type recordingSigner struct {
	mu     sync.Mutex
	starts []uint64
}

func (s *recordingSigner) StartSigning(_ context.Context, _ TransactionId, value uint64) (<-chan SubmittedOutcome, error) {
	s.mu.Lock()
	s.starts = append(s.starts, value)
	s.mu.Unlock()
	ch := make(chan SubmittedOutcome, 1)
	ch <- SubmittedOutcome{Success: true}
	return ch, nil
}

// TestSigningTriggeredOnSubmittedEdge: the SigningTrigger fires exactly
// once, on the first ThresholdReached -> Submitted crossing, with the
// winning value.
func TestSigningTriggeredOnSubmittedEdge(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()

	signer := &recordingSigner{}
	detector := NewByzantineDetector(c.kv, c.sql, c.peers, c.cfg)
	proc, err := NewVoteProcessor(ctx, detector, c.kv, c.sql, signer, c.cfg)
	require.NoError(t, err)

	for n := uint64(1); n <= 4; n++ {
		_, err := proc.ProcessVote(ctx, c.vote(t, NodeId(n), "T12", 1, 99))
		require.NoError(t, err)
	}

	signer.mu.Lock()
	assert.Empty(t, signer.starts, "signing must not start before MarkSubmitted")
	signer.mu.Unlock()

	require.NoError(t, proc.MarkSubmitted(ctx, "T12"))
	require.NoError(t, proc.MarkSubmitted(ctx, "T12"))
	proc.Close()

	signer.mu.Lock()
	defer signer.mu.Unlock()
	require.Len(t, signer.starts, 1)
	assert.Equal(t, uint64(99), signer.starts[0])
}

// TestVoteAfterSubmitIsTooLate: once a transaction has moved past
// ThresholdReached, further votes report TransactionAlreadyProcessed.
func TestVoteAfterSubmitIsTooLate(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()

	for n := uint64(1); n <= 4; n++ {
		_, err := c.proc.ProcessVote(ctx, c.vote(t, NodeId(n), "T13", 1, 1))
		require.NoError(t, err)
	}
	require.NoError(t, c.proc.MarkSubmitted(ctx, "T13"))

	res, err := c.proc.ProcessVote(ctx, c.vote(t, 5, "T13", 1, 1))
	require.NoError(t, err)
	require.NotNil(t, res.AlreadyProcessed)
}
