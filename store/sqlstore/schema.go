// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package sqlstore

// schemaPostgres is the production DDL: jsonb for evidence/metadata,
// timestamptz for all timestamps.
const schemaPostgres = `
CREATE TABLE IF NOT EXISTS transactions (
	tx_id        TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	unsigned_tx  BYTEA,
	signed_tx    BYTEA,
	recipient    TEXT,
	amount_sats  BIGINT NOT NULL DEFAULT 0,
	fee_sats     BIGINT NOT NULL DEFAULT 0,
	metadata     JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS voting_rounds (
	id             BIGSERIAL PRIMARY KEY,
	tx_id          TEXT NOT NULL REFERENCES transactions(tx_id),
	round_number   BIGINT NOT NULL,
	total_nodes    BIGINT NOT NULL,
	threshold      BIGINT NOT NULL,
	votes_received BIGINT NOT NULL DEFAULT 0,
	approved       BOOLEAN NOT NULL DEFAULT false,
	completed      BOOLEAN NOT NULL DEFAULT false,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at   TIMESTAMPTZ,
	UNIQUE (tx_id, round_number)
);

CREATE TABLE IF NOT EXISTS votes (
	round_id   BIGINT NOT NULL REFERENCES voting_rounds(id),
	node_id    BIGINT NOT NULL,
	tx_id      TEXT NOT NULL,
	approve    BOOLEAN NOT NULL,
	value      BIGINT NOT NULL,
	signature  BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (round_id, node_id)
);

CREATE TABLE IF NOT EXISTS byzantine_violations (
	id             BIGSERIAL PRIMARY KEY,
	peer_id        TEXT NOT NULL,
	node_id        BIGINT,
	tx_id          TEXT NOT NULL,
	violation_type TEXT NOT NULL,
	evidence       JSONB,
	detected_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS node_status (
	node_id          BIGINT PRIMARY KEY,
	status           TEXT NOT NULL,
	last_heartbeat   TIMESTAMPTZ,
	total_votes      BIGINT NOT NULL DEFAULT 0,
	total_violations BIGINT NOT NULL DEFAULT 0,
	banned_until     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS presignature_usage (
	id           BIGSERIAL PRIMARY KEY,
	tx_id        TEXT NOT NULL,
	consumed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         BIGSERIAL PRIMARY KEY,
	tx_id      TEXT,
	event      TEXT NOT NULL,
	detail     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS voting_rounds_archive (
	LIKE voting_rounds INCLUDING ALL
);
`

// schemaSQLite is the test/solo DDL: same shape, sqlite-compatible types
// (TEXT/BLOB stand in for jsonb/bytea/timestamptz).
const schemaSQLite = `
CREATE TABLE IF NOT EXISTS transactions (
	tx_id        TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	unsigned_tx  BLOB,
	signed_tx    BLOB,
	recipient    TEXT,
	amount_sats  INTEGER NOT NULL DEFAULT 0,
	fee_sats     INTEGER NOT NULL DEFAULT 0,
	metadata     TEXT,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS voting_rounds (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	tx_id          TEXT NOT NULL,
	round_number   INTEGER NOT NULL,
	total_nodes    INTEGER NOT NULL,
	threshold      INTEGER NOT NULL,
	votes_received INTEGER NOT NULL DEFAULT 0,
	approved       INTEGER NOT NULL DEFAULT 0,
	completed      INTEGER NOT NULL DEFAULT 0,
	started_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at   DATETIME,
	UNIQUE (tx_id, round_number)
);

CREATE TABLE IF NOT EXISTS votes (
	round_id   INTEGER NOT NULL,
	node_id    INTEGER NOT NULL,
	tx_id      TEXT NOT NULL,
	approve    INTEGER NOT NULL,
	value      INTEGER NOT NULL,
	signature  BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (round_id, node_id)
);

CREATE TABLE IF NOT EXISTS byzantine_violations (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	peer_id        TEXT NOT NULL,
	node_id        INTEGER,
	tx_id          TEXT NOT NULL,
	violation_type TEXT NOT NULL,
	evidence       TEXT,
	detected_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS node_status (
	node_id          INTEGER PRIMARY KEY,
	status           TEXT NOT NULL,
	last_heartbeat   DATETIME,
	total_votes      INTEGER NOT NULL DEFAULT 0,
	total_violations INTEGER NOT NULL DEFAULT 0,
	banned_until     DATETIME
);

CREATE TABLE IF NOT EXISTS presignature_usage (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tx_id       TEXT NOT NULL,
	consumed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	tx_id      TEXT,
	event      TEXT NOT NULL,
	detail     TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS voting_rounds_archive (
	id             INTEGER PRIMARY KEY,
	tx_id          TEXT NOT NULL,
	round_number   INTEGER NOT NULL,
	total_nodes    INTEGER NOT NULL,
	threshold      INTEGER NOT NULL,
	votes_received INTEGER NOT NULL,
	approved       INTEGER NOT NULL,
	completed      INTEGER NOT NULL,
	started_at     DATETIME NOT NULL,
	completed_at   DATETIME
);
`
