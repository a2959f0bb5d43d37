// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package consensus

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/voteguard/core/store/kvstore"
	"github.com/voteguard/core/store/sqlstore"
)

// reconcileConcurrency bounds how many transactions are replayed into KV
// at once during startup.
const reconcileConcurrency = 8

var reconcileLogger = log.New("pkg", "consensus")

// Reconcile runs once at startup. The ephemeral KV store is the fast path
// for vote counting but isn't durable (a crash, or an operator wiping an
// etcd member, loses it); the SQL store is durable, so SQL is the
// ground truth for which transactions are still live. For every
// non-terminal transaction, Reconcile restores the KV state key (if
// missing) and replays the durable vote history back into KV so counts
// and seen-entries survive a total KV wipe.
func Reconcile(ctx context.Context, kv kvstore.Store, sql sqlstore.Store) error {
	active, err := sql.ListNonTerminalTransactions(ctx)
	if err != nil {
		return NewSQLStorageError(err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)
	for _, tx := range active {
		tx := tx
		g.Go(func() error {
			if _, ok, err := kv.GetState(ctx, tx.TxID); err != nil {
				return NewKVStorageError(err)
			} else if !ok {
				if err := kv.CASState(ctx, tx.TxID, "", kvstore.TransactionState(tx.State)); err != nil {
					return NewKVStorageError(err)
				}
			}
			return replayVotes(ctx, kv, sql, tx.TxID)
		})
	}

	return g.Wait()
}

// replayVotes rebuilds KV's seen/counts entries for txID from the durable
// vote history. Each vote is replayed through MarkSeen+IncrVote exactly as
// ProcessVote would have on first admission; a vote already present in KV
// (e.g. KV survived and only a subset was lost) is a harmless no-op via
// MarkSeen's AlreadySameValue branch.
func replayVotes(ctx context.Context, kv kvstore.Store, sql sqlstore.Store, txID string) error {
	votes, err := sql.ListVotes(ctx, txID)
	if err != nil {
		return NewSQLStorageError(err)
	}
	if len(votes) == 0 {
		return nil
	}

	restored := 0
	for _, v := range votes {
		// PeerID isn't part of the durable vote row (only NodeID is), so
		// votes restored this way carry an empty PeerID until the node
		// votes again post-restart; a MinorityVote violation filed
		// against a reconciled-only entry is attributed by NodeID alone.
		res, err := kv.MarkSeen(ctx, v.TxID, v.NodeID, v.Value, "", v.CreatedAt)
		if err != nil {
			return NewKVStorageError(err)
		}
		if res.Outcome != kvstore.Fresh {
			continue
		}
		if _, err := kv.IncrVote(ctx, v.TxID, v.Value); err != nil {
			return NewKVStorageError(err)
		}
		restored++
	}

	if restored > 0 {
		reconcileLogger.Info("reconcile: restored votes from durable history", "txId", txID, "count", restored)
	}
	return nil
}
