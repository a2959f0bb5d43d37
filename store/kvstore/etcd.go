// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore is the production Store backed by an etcd cluster. IncrVote,
// MarkSeen and CASState are compare-and-swap transactions, so concurrent
// writers from different nodes linearize per key; the other operations
// are single Get, Put or Delete requests.
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore dials the given etcd endpoints.
func NewEtcdStore(endpoints []string, dialTimeout time.Duration) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dial etcd: %w", err)
	}
	return &EtcdStore{client: client}, nil
}

func (s *EtcdStore) IncrVote(ctx context.Context, txID string, value uint64) (uint64, error) {
	key := votesCountKey(txID, value)
	for {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("get %s: %w", key, err)
		}

		var current uint64
		var modRev int64
		if len(resp.Kvs) > 0 {
			current, err = strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse counter %s: %w", key, err)
			}
			modRev = resp.Kvs[0].ModRevision
		}

		next := current + 1
		cmp := clientv3.Compare(clientv3.ModRevision(key), "=", modRev)
		put := clientv3.OpPut(key, strconv.FormatUint(next, 10))
		txnResp, err := s.client.Txn(ctx).If(cmp).Then(put).Commit()
		if err != nil {
			return 0, fmt.Errorf("incr %s: %w", key, err)
		}
		if txnResp.Succeeded {
			return next, nil
		}
		// Lost the race against a concurrent incrementer; retry.
	}
}

func (s *EtcdStore) MarkSeen(ctx context.Context, txID string, nodeID uint64, value uint64, peerID string, at time.Time) (SeenResult, error) {
	key := votesSeenKey(txID, nodeID)
	blob, err := json.Marshal(SeenVote{Value: value, FirstSeenAt: at, PeerID: peerID})
	if err != nil {
		return SeenResult{}, fmt.Errorf("marshal seen vote: %w", err)
	}

	txnResp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(blob))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return SeenResult{}, fmt.Errorf("mark seen %s: %w", key, err)
	}
	if txnResp.Succeeded {
		return SeenResult{Outcome: Fresh}, nil
	}

	getResp := txnResp.Responses[0].GetResponseRange()
	if len(getResp.Kvs) == 0 {
		return SeenResult{}, fmt.Errorf("mark seen %s: lost race with no existing value", key)
	}
	var prev SeenVote
	if err := json.Unmarshal(getResp.Kvs[0].Value, &prev); err != nil {
		return SeenResult{}, fmt.Errorf("unmarshal seen vote %s: %w", key, err)
	}
	if prev.Value == value {
		return SeenResult{Outcome: AlreadySameValue, Previous: prev}, nil
	}
	return SeenResult{Outcome: AlreadyDifferentValue, Previous: prev}, nil
}

func (s *EtcdStore) CASState(ctx context.Context, txID string, expected, next TransactionState) error {
	key := txStateKey(txID)

	var cmp clientv3.Cmp
	if expected == "" {
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.Value(key), "=", string(expected))
	}

	txnResp, err := s.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(key, string(next))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return fmt.Errorf("cas state %s: %w", key, err)
	}
	if txnResp.Succeeded {
		return nil
	}

	var actual TransactionState
	if getResp := txnResp.Responses[0].GetResponseRange(); len(getResp.Kvs) > 0 {
		actual = TransactionState(getResp.Kvs[0].Value)
	}
	return &CASMismatchError{TxID: txID, Expected: expected, Actual: actual}
}

func (s *EtcdStore) GetState(ctx context.Context, txID string) (TransactionState, bool, error) {
	resp, err := s.client.Get(ctx, txStateKey(txID))
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", txID, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return TransactionState(resp.Kvs[0].Value), true, nil
}

func (s *EtcdStore) PutConfig(ctx context.Context, key string, value uint64) error {
	_, err := s.client.Put(ctx, configKey(key), strconv.FormatUint(value, 10))
	if err != nil {
		return fmt.Errorf("put config %s: %w", key, err)
	}
	return nil
}

func (s *EtcdStore) GetConfig(ctx context.Context, key string) (uint64, bool, error) {
	resp, err := s.client.Get(ctx, configKey(key))
	if err != nil {
		return 0, false, fmt.Errorf("get config %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse config %s: %w", key, err)
	}
	return v, true, nil
}

func (s *EtcdStore) ScanSeen(ctx context.Context, txID string) (map[uint64]SeenVote, error) {
	prefix := fmt.Sprintf("votes/%s/seen/", txID)
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("scan seen %s: %w", txID, err)
	}
	out := make(map[uint64]SeenVote, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		nodeID, err := strconv.ParseUint(strings.TrimPrefix(string(kv.Key), prefix), 10, 64)
		if err != nil {
			continue
		}
		var sv SeenVote
		if err := json.Unmarshal(kv.Value, &sv); err != nil {
			continue
		}
		out[nodeID] = sv
	}
	return out, nil
}

func (s *EtcdStore) ScanStates(ctx context.Context) (map[string]TransactionState, error) {
	const prefix = "tx/"
	const suffix = "/state"
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("scan states: %w", err)
	}
	out := make(map[string]TransactionState, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		k := string(kv.Key)
		if !strings.HasSuffix(k, suffix) {
			continue
		}
		txID := strings.TrimSuffix(strings.TrimPrefix(k, prefix), suffix)
		out[txID] = TransactionState(kv.Value)
	}
	return out, nil
}

func (s *EtcdStore) DeletePrefix(ctx context.Context, txID string) error {
	_, err := s.client.Delete(ctx, fmt.Sprintf("votes/%s/", txID), clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("delete prefix %s: %w", txID, err)
	}
	return nil
}

func (s *EtcdStore) DeleteState(ctx context.Context, txID string) error {
	_, err := s.client.Delete(ctx, txStateKey(txID))
	if err != nil {
		return fmt.Errorf("delete state %s: %w", txID, err)
	}
	return nil
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}
