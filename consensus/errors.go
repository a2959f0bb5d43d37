// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package consensus

import "fmt"

// CoreError is the only error family ProcessVote (and friends) ever
// return; rejection decisions (InvalidSignature, DoubleVoting, MinorityVote,
// TransactionAlreadyProcessed) are results, not errors: see
// VoteProcessingResult.
type CoreError interface {
	error
	coreError()
}

// InvalidTransitionError reports an FSM transition outside the legal
// graph. Typically means another goroutine already advanced the FSM;
// callers MUST treat it as recoverable and non-fatal.
type InvalidTransitionError struct {
	From        VoteState
	To          VoteState
	AllowedFrom []VoteState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s (allowed from: %v)", e.From, e.To, e.AllowedFrom)
}

func (*InvalidTransitionError) coreError() {}

// NodeBannedError reports that the vote's peer is currently banned. No
// violation is logged; that happened at ban time.
type NodeBannedError struct {
	PeerID PeerId
}

func (e *NodeBannedError) Error() string {
	return fmt.Sprintf("peer %s is banned", e.PeerID)
}

func (*NodeBannedError) coreError() {}

// StorageKind distinguishes which backing store a StorageError came from.
type StorageKind string

const (
	StorageKindKV  StorageKind = "KV"
	StorageKindSQL StorageKind = "SQL"
)

// StorageError wraps a transient failure from the KV or SQL store. The
// caller retries the whole vote.
type StorageError struct {
	Kind StorageKind
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s): %v", e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (*StorageError) coreError() {}

// NewKVStorageError wraps err as a StorageError from the KV store.
func NewKVStorageError(err error) *StorageError {
	return &StorageError{Kind: StorageKindKV, Err: err}
}

// NewSQLStorageError wraps err as a StorageError from the SQL store.
func NewSQLStorageError(err error) *StorageError {
	return &StorageError{Kind: StorageKindSQL, Err: err}
}

// ConfigError is fatal at startup; the process refuses to start.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func (*ConfigError) coreError() {}

// NewConfigError builds a ConfigError with the given message.
func NewConfigError(msg string) *ConfigError {
	return &ConfigError{msg: msg}
}

// TransactionAlreadyProcessedError describes why a vote arrived too late:
// the FSM for this transaction has already moved past ThresholdReached
// (Submitted, Confirmed, or aborted). It rides
// inside VoteProcessingResult.AlreadyProcessed, not as a CoreError,
// because a too-late vote is a result, not an error.
type TransactionAlreadyProcessedError struct {
	TxID TransactionId
}

func (e *TransactionAlreadyProcessedError) Error() string {
	return fmt.Sprintf("transaction %s already processed", e.TxID)
}
