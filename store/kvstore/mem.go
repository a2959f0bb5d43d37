// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package kvstore

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemStore is a mutex-guarded in-memory Store, used by consensus and GC
// unit tests and by the daemon's solo mode where no etcd cluster is
// available.
type MemStore struct {
	mu     sync.Mutex
	counts map[string]uint64
	seen   map[string]SeenVote
	states map[string]TransactionState
	config map[string]uint64
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		counts: make(map[string]uint64),
		seen:   make(map[string]SeenVote),
		states: make(map[string]TransactionState),
		config: make(map[string]uint64),
	}
}

func (m *MemStore) IncrVote(_ context.Context, txID string, value uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := votesCountKey(txID, value)
	m.counts[key]++
	return m.counts[key], nil
}

func (m *MemStore) MarkSeen(_ context.Context, txID string, nodeID uint64, value uint64, peerID string, at time.Time) (SeenResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := votesSeenKey(txID, nodeID)
	if prev, ok := m.seen[key]; ok {
		if prev.Value == value {
			return SeenResult{Outcome: AlreadySameValue, Previous: prev}, nil
		}
		return SeenResult{Outcome: AlreadyDifferentValue, Previous: prev}, nil
	}
	m.seen[key] = SeenVote{Value: value, FirstSeenAt: at, PeerID: peerID}
	return SeenResult{Outcome: Fresh}, nil
}

func (m *MemStore) CASState(_ context.Context, txID string, expected, next TransactionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := txStateKey(txID)
	current, ok := m.states[key]
	if expected == "" {
		if ok {
			return &CASMismatchError{TxID: txID, Expected: expected, Actual: current}
		}
	} else if !ok || current != expected {
		return &CASMismatchError{TxID: txID, Expected: expected, Actual: current}
	}
	m.states[key] = next
	return nil
}

func (m *MemStore) GetState(_ context.Context, txID string) (TransactionState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[txStateKey(txID)]
	return s, ok, nil
}

func (m *MemStore) PutConfig(_ context.Context, key string, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[configKey(key)] = value
	return nil
}

func (m *MemStore) GetConfig(_ context.Context, key string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.config[configKey(key)]
	return v, ok, nil
}

func (m *MemStore) ScanSeen(_ context.Context, txID string) (map[uint64]SeenVote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := "votes/" + txID + "/seen/"
	out := make(map[uint64]SeenVote)
	for key, sv := range m.seen {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		nodeID, err := strconv.ParseUint(key[len(prefix):], 10, 64)
		if err != nil {
			continue
		}
		out[nodeID] = sv
	}
	return out, nil
}

func (m *MemStore) ScanStates(_ context.Context) (map[string]TransactionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]TransactionState, len(m.states))
	const prefix = "tx/"
	const suffix = "/state"
	for key, state := range m.states {
		if strings.HasPrefix(key, prefix) && strings.HasSuffix(key, suffix) {
			txID := key[len(prefix) : len(key)-len(suffix)]
			out[txID] = state
		}
	}
	return out, nil
}

func (m *MemStore) DeletePrefix(_ context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := "votes/" + txID + "/"
	for key := range m.counts {
		if strings.HasPrefix(key, prefix) {
			delete(m.counts, key)
		}
	}
	for key := range m.seen {
		if strings.HasPrefix(key, prefix) {
			delete(m.seen, key)
		}
	}
	return nil
}

func (m *MemStore) DeleteState(_ context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, txStateKey(txID))
	return nil
}

func (m *MemStore) Close() error { return nil }

// CASMismatchError reports that CASState's expected value didn't match
// what was stored.
type CASMismatchError struct {
	TxID     string
	Expected TransactionState
	Actual   TransactionState
}

func (e *CASMismatchError) Error() string {
	return "cas mismatch for " + e.TxID + ": expected " + string(e.Expected) + " got " + string(e.Actual)
}

