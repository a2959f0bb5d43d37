// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/voteguard/core/co"
	"github.com/voteguard/core/metrics"
	"github.com/voteguard/core/store/kvstore"
	"github.com/voteguard/core/store/sqlstore"
)

var processorLogger = log.New("pkg", "consensus")

var (
	metricVotesAccepted    = metrics.LazyLoadCounter("consensus_votes_accepted_total")
	metricVotesRejected    = metrics.LazyLoadCounterVec("consensus_votes_rejected_total", []string{"kind"})
	metricConsensusReached = metrics.LazyLoadCounter("consensus_reached_total")
	metricProcessDuration  = metrics.LazyLoadHistogram("consensus_process_vote_duration_ms", metrics.BucketMs)
)

// SubmittedOutcome is delivered once a signing attempt started by
// SigningTrigger finishes.
type SubmittedOutcome struct {
	TxID    TransactionId
	Success bool
	Err     error
}

// SigningTrigger is the narrow capability the processor calls on the
// ThresholdReached -> Submitted edge. Concrete implementations live
// outside this package; the threshold-signing protocol itself is out of
// scope here.
type SigningTrigger interface {
	StartSigning(ctx context.Context, txID TransactionId, value uint64) (<-chan SubmittedOutcome, error)
}

// VoteProcessor is the orchestrator: it holds the process-local FSM
// registry behind one mutex (never held across I/O), one detector, and
// the durable store the detector's rejections and acceptances are logged
// to.
type VoteProcessor struct {
	mu       sync.Mutex
	registry map[TransactionId]*FSM
	winners  map[TransactionId]uint64

	detector *ByzantineDetector
	kv       kvstore.Store
	sql      sqlstore.Store
	signer   SigningTrigger
	cfg      ConsensusConfig

	roundsMu sync.Mutex
	rounds   map[TransactionId]map[int64]int64

	background co.Goes
}

// NewVoteProcessor builds a processor and, if sql is non-nil, runs
// startup reconciliation once before accepting votes.
func NewVoteProcessor(ctx context.Context, detector *ByzantineDetector, kv kvstore.Store, sql sqlstore.Store, signer SigningTrigger, cfg ConsensusConfig) (*VoteProcessor, error) {
	p := &VoteProcessor{
		registry: make(map[TransactionId]*FSM),
		winners:  make(map[TransactionId]uint64),
		detector: detector,
		kv:       kv,
		sql:      sql,
		signer:   signer,
		cfg:      cfg,
		rounds:   make(map[TransactionId]map[int64]int64),
	}
	if sql != nil && kv != nil {
		if err := Reconcile(ctx, kv, sql); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// getOrCreateFSM returns the FSM for txID, creating and starting one
// (Initial -> Collecting) on first touch. Held entirely under the
// registry mutex: pure in-memory work, no I/O. The bool return reports
// whether this call created the entry, so the caller can mirror the
// initial state to KV outside the lock.
func (p *VoteProcessor) getOrCreateFSM(txID TransactionId) (*FSM, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fsm, ok := p.registry[txID]
	if !ok {
		fsm = NewFSM(txID)
		_ = fsm.Start()
		p.registry[txID] = fsm
		return fsm, true
	}
	return fsm, false
}

func (p *VoteProcessor) lookupFSM(txID TransactionId) (*FSM, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fsm, ok := p.registry[txID]
	return fsm, ok
}

// ProcessVote is the single entry point for an inbound, not-yet-verified
// vote. It never holds the registry mutex across a KV/SQL call.
func (p *VoteProcessor) ProcessVote(ctx context.Context, vote Vote) (VoteProcessingResult, error) {
	start := time.Now()
	defer func() { metricProcessDuration().Observe(time.Since(start).Milliseconds()) }()

	fsm, created := p.getOrCreateFSM(vote.TxID)
	if created {
		if p.kv != nil {
			if err := p.kv.CASState(ctx, string(vote.TxID), "", kvstore.StateCollecting); err != nil {
				// Another process instance raced us to the same txID; its
				// write wins and ours is a harmless no-op.
				processorLogger.Debug("initial cas state lost race", "txId", vote.TxID, "err", err)
			}
		}
		if p.sql != nil {
			// The transaction's payload (unsigned bytes, recipient,
			// amount) is supplied by whatever upstream service requested
			// the signature, not by vote traffic; the core only needs a
			// row to carry state for reconciliation, so those columns
			// start empty here and are expected to be filled in by that
			// upstream writer before signing completes.
			now := time.Now()
			if err := p.sql.InsertTransaction(ctx, sqlstore.Transaction{
				TxID:      string(vote.TxID),
				State:     string(StateCollecting),
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				processorLogger.Warn("insert transaction row failed", "txId", vote.TxID, "err", err)
			}
		}
	}

	// Collecting admits votes, and so does ThresholdReached: an honest
	// node's late vote after the crossing is still counted (and, if it
	// dissents, picked up as a MinorityVote below). Anything past that,
	// Submitted onward, is too late.
	switch fsm.State() {
	case VoteStateCollecting, VoteStateThresholdReached:
	default:
		return VoteProcessingResult{AlreadyProcessed: &TransactionAlreadyProcessedError{TxID: vote.TxID}}, nil
	}

	result, err := p.detector.Check(ctx, vote)
	if err != nil {
		return VoteProcessingResult{}, err
	}

	switch result.Outcome {
	case CheckAccepted:
		metricVotesAccepted().Add(1)
		if err := p.insertVoteRecord(ctx, vote); err != nil {
			return VoteProcessingResult{}, err
		}
		// A dissenting vote admitted after the crossing wasn't visible to
		// the ThresholdReached sweep; file its MinorityVote here. The
		// detector dedupes against the sweep.
		if winning, decided := p.winner(vote.TxID); decided && vote.Value != winning {
			p.background.Go(func() {
				p.detector.FileMinorityVote(context.Background(), vote.TxID, vote.NodeID, vote.PeerID, winning, vote.Value)
			})
		}
		return VoteProcessingResult{Accepted: &AcceptedResult{Count: result.Count}}, nil

	case CheckThresholdReached:
		if err := fsm.ReachThreshold(); err != nil {
			// Lost the race to another admitter observing its own value's
			// threshold crossing concurrently: non-fatal, but only one
			// ConsensusReached may be emitted per transaction, so this vote
			// is reported as a plain acceptance.
			processorLogger.Debug("reach threshold lost race", "txId", vote.TxID, "err", err)
			if err := p.insertVoteRecord(ctx, vote); err != nil {
				return VoteProcessingResult{}, err
			}
			return VoteProcessingResult{Accepted: &AcceptedResult{Count: result.Count}}, nil
		}
		metricConsensusReached().Add(1)
		p.setWinner(vote.TxID, result.Value)
		if err := p.insertVoteRecord(ctx, vote); err != nil {
			return VoteProcessingResult{}, err
		}
		reachedAt := time.Now()
		if err := p.kv.CASState(ctx, string(vote.TxID), kvstore.StateCollecting, kvstore.StateThresholdReached); err != nil {
			processorLogger.Warn("cas state to threshold reached failed", "txId", vote.TxID, "err", err)
		}
		if p.sql != nil {
			if err := p.sql.UpdateTransactionState(ctx, string(vote.TxID), string(StateThresholdReached)); err != nil {
				processorLogger.Warn("sql update transaction state failed", "txId", vote.TxID, "err", err)
			}
			// Close out the winning round's durable record: the archive
			// cadence only ever moves completed rounds.
			if roundID, ok := p.lookupRound(vote.TxID, vote.RoundID); ok {
				completedAt := reachedAt
				if err := p.sql.UpdateRound(ctx, roundID, result.Count, true, true, &completedAt); err != nil {
					processorLogger.Warn("sql update round failed", "txId", vote.TxID, "err", err)
				}
			}
		}

		p.background.Go(func() {
			p.detector.SweepMinorityVote(context.Background(), vote.TxID, result.Value)
		})

		return VoteProcessingResult{ConsensusReached: &ConsensusResult{
			TxID: vote.TxID, Value: result.Value, Count: result.Count, ReachedAt: reachedAt,
		}}, nil

	case CheckRejectedInvalidSignature, CheckRejectedDoubleVoting:
		metricVotesRejected().AddWithLabel(1, map[string]string{"kind": string(result.Violation.ViolationType)})
		// The directory drives banning, so every hard Byzantine fault is
		// reported there, not just written to the audit log.
		if p.detector.peers != nil {
			p.detector.peers.RecordViolation(ctx, result.Violation.PeerID, result.Violation.ViolationType)
		}
		if err := fsm.AbortByzantine(); err != nil {
			processorLogger.Debug("abort byzantine on already-terminal fsm", "txId", vote.TxID, "err", err)
		} else {
			if p.kv != nil {
				// The abort can land while the KV state is still Collecting or
				// already ThresholdReached (a double vote after the crossing).
				if err := p.kv.CASState(ctx, string(vote.TxID), kvstore.StateCollecting, kvstore.StateAbortedByzantine); err != nil {
					if err := p.kv.CASState(ctx, string(vote.TxID), kvstore.StateThresholdReached, kvstore.StateAbortedByzantine); err != nil {
						processorLogger.Warn("cas state to aborted byzantine failed", "txId", vote.TxID, "err", err)
					}
				}
			}
			if p.sql != nil {
				if err := p.sql.UpdateTransactionState(ctx, string(vote.TxID), string(StateAbortedByzantine)); err != nil {
					processorLogger.Warn("sql update transaction state failed", "txId", vote.TxID, "err", err)
				}
			}
		}
		if p.sql != nil {
			var nodeIDPtr *uint64
			if result.Violation.NodeID != nil {
				n := uint64(*result.Violation.NodeID)
				nodeIDPtr = &n
			}
			if err := p.sql.InsertViolation(ctx, sqlstore.Violation{
				PeerID:        string(result.Violation.PeerID),
				NodeID:        nodeIDPtr,
				TxID:          string(result.Violation.TxID),
				ViolationType: string(result.Violation.ViolationType),
				Evidence:      result.Violation.Evidence,
				DetectedAt:    result.Violation.DetectedAt,
			}); err != nil {
				return VoteProcessingResult{}, NewSQLStorageError(err)
			}
		}
		return VoteProcessingResult{Rejected: &RejectedResult{Kind: result.Violation.ViolationType}}, nil

	case CheckIdempotent:
		return VoteProcessingResult{Idempotent: true}, nil

	default:
		return VoteProcessingResult{}, nil
	}
}

// setWinner records which value reached threshold for txID. Pure in-memory
// bookkeeping under the registry mutex.
func (p *VoteProcessor) setWinner(txID TransactionId, value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.winners[txID] = value
}

// winner reports the value that reached threshold for txID, if any has.
func (p *VoteProcessor) winner(txID TransactionId) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.winners[txID]
	return v, ok
}

// startSigning kicks off the downstream signing protocol for txID's
// winning value and watches the outcome. The signing service itself calls
// MarkConfirmed once the signed transaction is broadcast and confirmed.
func (p *VoteProcessor) startSigning(txID TransactionId, value uint64) {
	p.background.Go(func() {
		ctx := context.Background()
		outcomeCh, err := p.signer.StartSigning(ctx, txID, value)
		if err != nil {
			processorLogger.Warn("start signing failed", "txId", txID, "err", err)
			return
		}
		select {
		case outcome := <-outcomeCh:
			if !outcome.Success {
				processorLogger.Warn("signing outcome failure", "txId", txID, "err", outcome.Err)
			}
		case <-ctx.Done():
		}
	})
}

func (p *VoteProcessor) insertVoteRecord(ctx context.Context, vote Vote) error {
	if p.sql == nil {
		return nil
	}
	roundID, err := p.getOrCreateRound(ctx, vote)
	if err != nil {
		return err
	}
	err = p.sql.InsertVote(ctx, sqlstore.Vote{
		RoundID:   roundID,
		NodeID:    uint64(vote.NodeID),
		TxID:      string(vote.TxID),
		Approve:   vote.Approve,
		Value:     vote.Value,
		Signature: vote.Signature,
		CreatedAt: vote.Timestamp,
	})
	if err != nil {
		return NewSQLStorageError(err)
	}
	return nil
}

// getOrCreateRound maps a (txID, logical roundID) pair to the sql
// surrogate round id, creating the voting_rounds row on first sight. The
// logical round number from the vote is what's persisted; the surrogate
// id never leaks into canonical vote bytes.
func (p *VoteProcessor) getOrCreateRound(ctx context.Context, vote Vote) (int64, error) {
	p.roundsMu.Lock()
	defer p.roundsMu.Unlock()

	byRound, ok := p.rounds[vote.TxID]
	if !ok {
		byRound = make(map[int64]int64)
		p.rounds[vote.TxID] = byRound
	}
	if id, ok := byRound[vote.RoundID]; ok {
		return id, nil
	}

	id, err := p.sql.InsertRound(ctx, sqlstore.VotingRound{
		TxID:        string(vote.TxID),
		RoundNumber: vote.RoundID,
		TotalNodes:  p.cfg.TotalNodes,
		Threshold:   p.cfg.Threshold,
		StartedAt:   time.Now(),
	})
	if err != nil {
		return 0, NewSQLStorageError(err)
	}
	byRound[vote.RoundID] = id
	return id, nil
}

// lookupRound reads the round cache without creating anything.
func (p *VoteProcessor) lookupRound(txID TransactionId, roundID int64) (int64, bool) {
	p.roundsMu.Lock()
	defer p.roundsMu.Unlock()
	byRound, ok := p.rounds[txID]
	if !ok {
		return 0, false
	}
	id, ok := byRound[roundID]
	return id, ok
}

// MarkSubmitted idempotently transitions txID to Submitted. Called by
// external collaborators. On the first actual ThresholdReached ->
// Submitted crossing, the SigningTrigger (if wired) is invoked for the
// winning value.
func (p *VoteProcessor) MarkSubmitted(ctx context.Context, txID TransactionId) error {
	fsm, ok := p.lookupFSM(txID)
	if !ok {
		return &InvalidTransitionError{From: VoteStateInitial, To: VoteStateSubmitted}
	}
	// The state read and the transition happen together under the
	// registry mutex, so only one concurrent caller observes the crossing.
	p.mu.Lock()
	crossed := fsm.State() == VoteStateThresholdReached
	err := fsm.MarkSubmitted()
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if crossed && p.signer != nil {
		if value, decided := p.winner(txID); decided {
			p.startSigning(txID, value)
		}
	}
	if p.kv != nil {
		if err := p.kv.CASState(ctx, string(txID), kvstore.StateThresholdReached, kvstore.StateSubmitted); err != nil {
			processorLogger.Debug("cas state to submitted failed", "txId", txID, "err", err)
		}
	}
	if p.sql != nil {
		if err := p.sql.UpdateTransactionState(ctx, string(txID), string(StateSubmitted)); err != nil {
			return NewSQLStorageError(err)
		}
	}
	return nil
}

// MarkConfirmed idempotently transitions txID to Confirmed. Called by the
// external blockchain-confirmation watcher once broadcast succeeds.
func (p *VoteProcessor) MarkConfirmed(ctx context.Context, txID TransactionId) error {
	fsm, ok := p.lookupFSM(txID)
	if !ok {
		return &InvalidTransitionError{From: VoteStateInitial, To: VoteStateConfirmed}
	}
	if err := fsm.MarkConfirmed(); err != nil {
		return err
	}
	if p.kv != nil {
		if err := p.kv.CASState(ctx, string(txID), kvstore.StateSubmitted, kvstore.StateConfirmed); err != nil {
			// Already Confirmed on an idempotent re-confirm.
			processorLogger.Debug("cas state to confirmed skipped", "txId", txID, "err", err)
		}
	}
	if p.sql != nil {
		if err := p.sql.UpdateTransactionState(ctx, string(txID), string(StateConfirmed)); err != nil {
			return NewSQLStorageError(err)
		}
	}
	return nil
}

// AbortTimeout is invoked by an external watchdog when a transaction's
// vote-collection window closes. Idempotent. The watchdog may fire before
// any vote arrived, so a missing FSM is created (and aborted) rather than
// reported as an error.
func (p *VoteProcessor) AbortTimeout(ctx context.Context, txID TransactionId) error {
	fsm, _ := p.getOrCreateFSM(txID)
	if fsm.State() == VoteStateAbortedTimeout {
		return nil
	}
	if err := fsm.AbortTimeout(); err != nil {
		return err
	}
	if p.sql != nil {
		if err := p.sql.UpdateTransactionState(ctx, string(txID), string(StateAbortedTimeout)); err != nil {
			return NewSQLStorageError(err)
		}
	}
	return nil
}

// State returns the current FSM state for txID, for admin/health
// reporting.
func (p *VoteProcessor) State(txID TransactionId) (VoteState, bool) {
	fsm, ok := p.lookupFSM(txID)
	if !ok {
		return "", false
	}
	return fsm.State(), true
}

// RegistrySize reports how many transactions currently have an in-memory
// FSM, for admin/health reporting.
func (p *VoteProcessor) RegistrySize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.registry)
}

// Close waits for outstanding MinorityVote sweeps and signing-trigger
// goroutines to finish.
func (p *VoteProcessor) Close() {
	p.background.Wait()
}
