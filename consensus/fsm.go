// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package consensus

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

var fsmLogger = log.New("pkg", "consensus")

// transitions is the legal-transition graph: from -> allowed next states.
// Anything not listed here is an InvalidTransitionError.
var transitions = map[VoteState][]VoteState{
	VoteStateInitial:          {VoteStateCollecting},
	VoteStateCollecting:       {VoteStateThresholdReached, VoteStateAbortedByzantine, VoteStateAbortedTimeout},
	VoteStateThresholdReached: {VoteStateSubmitted, VoteStateAbortedByzantine},
	VoteStateSubmitted:        {VoteStateSubmitted, VoteStateConfirmed},
	VoteStateConfirmed:        {},
	VoteStateAbortedByzantine: {},
	VoteStateAbortedTimeout:   {},
}

// FSM is the in-memory, per-transaction lifecycle state machine. It's a
// pure object: transitions never touch storage, and each one is guarded
// by the FSM's own mutex.
type FSM struct {
	mu    sync.Mutex
	txID  TransactionId
	state VoteState
}

// NewFSM creates an FSM in its Initial state. Callers immediately call
// Start to move it to Collecting; Initial only exists before that first
// transition.
func NewFSM(txID TransactionId) *FSM {
	return &FSM{txID: txID, state: VoteStateInitial}
}

// State returns the FSM's current state.
func (f *FSM) State() VoteState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// CanAcceptVotes reports whether the FSM is in Collecting.
func (f *FSM) CanAcceptVotes() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == VoteStateCollecting
}

// IsTerminal reports whether the FSM has reached a state with no further
// legal transitions.
func (f *FSM) IsTerminal() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isTerminalLocked()
}

func (f *FSM) isTerminalLocked() bool {
	return len(transitions[f.state]) == 0
}

func (f *FSM) transition(to VoteState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitionLocked(to)
}

func (f *FSM) transitionLocked(to VoteState) error {
	allowed := transitions[f.state]
	for _, s := range allowed {
		if s == to {
			from := f.state
			f.state = to
			fsmLogger.Debug("fsm transition", "txId", f.txID, "from", from, "to", to)
			return nil
		}
	}
	return &InvalidTransitionError{From: f.state, To: to, AllowedFrom: allowed}
}

// Start moves the FSM from Initial to Collecting.
func (f *FSM) Start() error {
	return f.transition(VoteStateCollecting)
}

// ReachThreshold moves the FSM from Collecting to ThresholdReached. Only
// from Collecting: concurrent callers that both observe the threshold
// race here, and exactly one succeeds.
func (f *FSM) ReachThreshold() error {
	return f.transition(VoteStateThresholdReached)
}

// AbortByzantine moves the FSM to AbortedByzantine. Idempotent: calling it
// on an already-terminal FSM is treated as a no-op by the caller (the
// processor), not surfaced as an error there, but this method itself still
// reports InvalidTransitionError faithfully so callers can distinguish.
func (f *FSM) AbortByzantine() error {
	return f.transition(VoteStateAbortedByzantine)
}

// AbortTimeout moves the FSM to AbortedTimeout, invoked by an external
// watchdog when a transaction's vote-collection window closes.
func (f *FSM) AbortTimeout() error {
	return f.transition(VoteStateAbortedTimeout)
}

// MarkSubmitted moves the FSM to Submitted, idempotently: re-submitting
// from Submitted is itself a legal transition (Submitted -> Submitted).
func (f *FSM) MarkSubmitted() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == VoteStateSubmitted {
		return nil
	}
	return f.transitionLocked(VoteStateSubmitted)
}

// MarkConfirmed moves the FSM to Confirmed. Idempotent: calling it again
// once already Confirmed is a no-op.
func (f *FSM) MarkConfirmed() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == VoteStateConfirmed {
		return nil
	}
	return f.transitionLocked(VoteStateConfirmed)
}
