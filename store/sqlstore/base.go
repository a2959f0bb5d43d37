// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// placeholder renders the i-th (1-indexed) bind parameter for a dialect:
// "$1, $2, ..." for Postgres, "?, ?, ..." for SQLite.
type placeholder func(i int) string

func dollarPlaceholder(i int) string { return "$" + strconv.Itoa(i) }
func qmarkPlaceholder(int) string    { return "?" }

// sqlStore implements Store against a *sql.DB, parameterized by dialect so
// the same query logic serves both the Postgres production backend and
// the SQLite test/solo backend.
type sqlStore struct {
	db              *sql.DB
	ph              placeholder
	uniqueViolation func(error) bool
	// returningID selects how InsertRound learns the new row's id:
	// Postgres supports INSERT ... RETURNING but not LastInsertId; SQLite
	// the reverse.
	returningID bool
}

func args(n int, ph placeholder) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = ph(i + 1)
	}
	return strings.Join(parts, ", ")
}

func (s *sqlStore) InsertVote(ctx context.Context, v Vote) error {
	query := fmt.Sprintf(
		`INSERT INTO votes (round_id, node_id, tx_id, approve, value, signature, created_at) VALUES (%s)`,
		args(7, s.ph))
	_, err := s.db.ExecContext(ctx, query, v.RoundID, v.NodeID, v.TxID, v.Approve, v.Value, v.Signature, v.CreatedAt)
	if err != nil {
		if s.uniqueViolation(err) {
			// Duplicate (round_id, node_id): the idempotence safety net.
			return nil
		}
		return fmt.Errorf("insert vote: %w", err)
	}
	return nil
}

func (s *sqlStore) InsertViolation(ctx context.Context, v Violation) error {
	query := fmt.Sprintf(
		`INSERT INTO byzantine_violations (peer_id, node_id, tx_id, violation_type, evidence, detected_at) VALUES (%s)`,
		args(6, s.ph))
	_, err := s.db.ExecContext(ctx, query, v.PeerID, v.NodeID, v.TxID, v.ViolationType, []byte(v.Evidence), v.DetectedAt)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateTransactionState(ctx context.Context, txID, newState string) error {
	query := fmt.Sprintf(`UPDATE transactions SET state = %s, updated_at = %s WHERE tx_id = %s`,
		s.ph(1), s.ph(2), s.ph(3))
	_, err := s.db.ExecContext(ctx, query, newState, time.Now().UTC(), txID)
	if err != nil {
		return fmt.Errorf("update transaction state: %w", err)
	}
	return nil
}

func (s *sqlStore) GetConfirmedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := fmt.Sprintf(
		`SELECT tx_id FROM transactions WHERE state = %s AND updated_at < %s`,
		s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, query, "CONFIRMED", cutoff)
	if err != nil {
		return nil, fmt.Errorf("get confirmed before: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var txID string
		if err := rows.Scan(&txID); err != nil {
			return nil, fmt.Errorf("scan confirmed tx: %w", err)
		}
		out = append(out, txID)
	}
	return out, rows.Err()
}

func (s *sqlStore) ArchiveOldSubmissions(ctx context.Context, cutoff time.Time) (int64, error) {
	insert := fmt.Sprintf(
		`INSERT INTO voting_rounds_archive SELECT * FROM voting_rounds WHERE completed = %s AND completed_at < %s`,
		s.ph(1), s.ph(2))
	res, err := s.db.ExecContext(ctx, insert, true, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive old submissions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive old submissions rows affected: %w", err)
	}

	del := fmt.Sprintf(`DELETE FROM voting_rounds WHERE completed = %s AND completed_at < %s`, s.ph(1), s.ph(2))
	if _, err := s.db.ExecContext(ctx, del, true, cutoff); err != nil {
		return 0, fmt.Errorf("archive old submissions cleanup: %w", err)
	}
	return n, nil
}

func (s *sqlStore) DeleteOldVoteHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM votes WHERE created_at < %s`, s.ph(1))
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old vote history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old vote history rows affected: %w", err)
	}
	return n, nil
}

func (s *sqlStore) UpdateNodeLastSeen(ctx context.Context, nodeID uint64, at time.Time) error {
	query := fmt.Sprintf(`UPDATE node_status SET last_heartbeat = %s WHERE node_id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, query, at, nodeID)
	if err != nil {
		return fmt.Errorf("update node last seen: %w", err)
	}
	return nil
}

func (s *sqlStore) InsertTransaction(ctx context.Context, tx Transaction) error {
	query := fmt.Sprintf(
		`INSERT INTO transactions (tx_id, state, unsigned_tx, signed_tx, recipient, amount_sats, fee_sats, metadata, created_at, updated_at) VALUES (%s)`,
		args(10, s.ph))
	_, err := s.db.ExecContext(ctx, query,
		tx.TxID, tx.State, tx.UnsignedTx, tx.SignedTx, tx.Recipient, tx.AmountSats, tx.FeeSats,
		[]byte(tx.Metadata), tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		if s.uniqueViolation(err) {
			// A process restart or a concurrent instance already created
			// this transaction's row.
			return nil
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *sqlStore) GetTransaction(ctx context.Context, txID string) (Transaction, bool, error) {
	query := fmt.Sprintf(
		`SELECT tx_id, state, unsigned_tx, signed_tx, recipient, amount_sats, fee_sats, metadata, created_at, updated_at
		 FROM transactions WHERE tx_id = %s`, s.ph(1))
	row := s.db.QueryRowContext(ctx, query, txID)

	var tx Transaction
	var metadata []byte
	err := row.Scan(&tx.TxID, &tx.State, &tx.UnsignedTx, &tx.SignedTx, &tx.Recipient,
		&tx.AmountSats, &tx.FeeSats, &metadata, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, fmt.Errorf("get transaction: %w", err)
	}
	tx.Metadata = metadata
	return tx, true, nil
}

func (s *sqlStore) ListNonTerminalTransactions(ctx context.Context) ([]Transaction, error) {
	query := fmt.Sprintf(
		`SELECT tx_id, state, unsigned_tx, signed_tx, recipient, amount_sats, fee_sats, metadata, created_at, updated_at
		 FROM transactions WHERE state NOT IN (%s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.db.QueryContext(ctx, query, "CONFIRMED", "ABORTED_BYZANTINE", "ABORTED_TIMEOUT")
	if err != nil {
		return nil, fmt.Errorf("list non-terminal transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var tx Transaction
		var metadata []byte
		if err := rows.Scan(&tx.TxID, &tx.State, &tx.UnsignedTx, &tx.SignedTx, &tx.Recipient,
			&tx.AmountSats, &tx.FeeSats, &metadata, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan non-terminal transaction: %w", err)
		}
		tx.Metadata = metadata
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *sqlStore) InsertRound(ctx context.Context, r VotingRound) (int64, error) {
	insert := fmt.Sprintf(
		`INSERT INTO voting_rounds (tx_id, round_number, total_nodes, threshold, votes_received, approved, completed, started_at, completed_at) VALUES (%s)`,
		args(9, s.ph))
	insertArgs := []interface{}{
		r.TxID, r.RoundNumber, r.TotalNodes, r.Threshold, r.VotesReceived, r.Approved, r.Completed, r.StartedAt, r.CompletedAt,
	}

	if s.returningID {
		var id int64
		err := s.db.QueryRowContext(ctx, insert+" RETURNING id", insertArgs...).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !s.uniqueViolation(err) {
			return 0, fmt.Errorf("insert round: %w", err)
		}
		return s.lookupRoundID(ctx, r.TxID, r.RoundNumber)
	}

	res, err := s.db.ExecContext(ctx, insert, insertArgs...)
	if err != nil {
		if s.uniqueViolation(err) {
			// Another process instance created this (tx_id, round_number)
			// first; adopt its row.
			return s.lookupRoundID(ctx, r.TxID, r.RoundNumber)
		}
		return 0, fmt.Errorf("insert round: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert round last id: %w", err)
	}
	return id, nil
}

func (s *sqlStore) lookupRoundID(ctx context.Context, txID string, roundNumber int64) (int64, error) {
	query := fmt.Sprintf(`SELECT id FROM voting_rounds WHERE tx_id = %s AND round_number = %s`, s.ph(1), s.ph(2))
	var id int64
	if err := s.db.QueryRowContext(ctx, query, txID, roundNumber).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup round id: %w", err)
	}
	return id, nil
}

func (s *sqlStore) UpdateRound(ctx context.Context, roundID int64, votesReceived uint64, approved, completed bool, completedAt *time.Time) error {
	query := fmt.Sprintf(
		`UPDATE voting_rounds SET votes_received = %s, approved = %s, completed = %s, completed_at = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.ExecContext(ctx, query, votesReceived, approved, completed, completedAt, roundID)
	if err != nil {
		return fmt.Errorf("update round: %w", err)
	}
	return nil
}

func (s *sqlStore) GetRound(ctx context.Context, txID string, roundNumber int64) (VotingRound, bool, error) {
	query := fmt.Sprintf(
		`SELECT id, tx_id, round_number, total_nodes, threshold, votes_received, approved, completed, started_at, completed_at
		 FROM voting_rounds WHERE tx_id = %s AND round_number = %s`, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, query, txID, roundNumber)

	var r VotingRound
	err := row.Scan(&r.ID, &r.TxID, &r.RoundNumber, &r.TotalNodes, &r.Threshold,
		&r.VotesReceived, &r.Approved, &r.Completed, &r.StartedAt, &r.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return VotingRound{}, false, nil
	}
	if err != nil {
		return VotingRound{}, false, fmt.Errorf("get round: %w", err)
	}
	return r, true, nil
}

func (s *sqlStore) ListVotes(ctx context.Context, txID string) ([]Vote, error) {
	query := fmt.Sprintf(
		`SELECT round_id, node_id, tx_id, approve, value, signature, created_at FROM votes WHERE tx_id = %s ORDER BY created_at ASC`,
		s.ph(1))
	rows, err := s.db.QueryContext(ctx, query, txID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var out []Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.RoundID, &v.NodeID, &v.TxID, &v.Approve, &v.Value, &v.Signature, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListViolations(ctx context.Context, txID string) ([]Violation, error) {
	query := fmt.Sprintf(
		`SELECT peer_id, node_id, tx_id, violation_type, evidence, detected_at FROM byzantine_violations WHERE tx_id = %s ORDER BY detected_at ASC`,
		s.ph(1))
	rows, err := s.db.QueryContext(ctx, query, txID)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		var evidence []byte
		if err := rows.Scan(&v.PeerID, &v.NodeID, &v.TxID, &v.ViolationType, &evidence, &v.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Evidence = evidence
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertNodeStatus(ctx context.Context, ns NodeStatus) error {
	// Portable across Postgres and SQLite without relying on either's
	// ON CONFLICT dialect quirks: try update first, insert if no row
	// existed.
	update := fmt.Sprintf(
		`UPDATE node_status SET status = %s, last_heartbeat = %s, total_votes = %s, total_violations = %s, banned_until = %s WHERE node_id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	res, err := s.db.ExecContext(ctx, update, ns.Status, ns.LastHeartbeat, ns.TotalVotes, ns.TotalViolations, ns.BannedUntil, ns.NodeID)
	if err != nil {
		return fmt.Errorf("upsert node status update: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	insert := fmt.Sprintf(
		`INSERT INTO node_status (node_id, status, last_heartbeat, total_votes, total_violations, banned_until) VALUES (%s)`,
		args(6, s.ph))
	_, err = s.db.ExecContext(ctx, insert, ns.NodeID, ns.Status, ns.LastHeartbeat, ns.TotalVotes, ns.TotalViolations, ns.BannedUntil)
	if err != nil {
		return fmt.Errorf("upsert node status insert: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
