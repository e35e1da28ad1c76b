package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scmessenger/drift/core/envelope"
)

// PostgresStore is the durable backend for multi-device/bridge deployments
// that run Drift against a shared database rather than an embedded file,
// adapted from pkg/storage/postgres's connection-pool-plus-query-methods
// shape (originally built for DID/session/nonce records).
type PostgresStore struct {
	pool             *pgxpool.Pool
	weights          ScoreWeights
	selfReserveBytes uint64
}

// PostgresConfig mirrors the teacher's postgres.Config shape.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Schema is the DDL a deployment runs once before constructing a
// PostgresStore. Kept as a constant rather than a migration tool because
// Drift's store has a single, stable table shape.
const Schema = `
CREATE TABLE IF NOT EXISTS envelopes (
	msg_id TEXT PRIMARY KEY,
	peer_identity_id TEXT NOT NULL,
	self_addressed BOOLEAN NOT NULL,
	delivered BOOLEAN NOT NULL DEFAULT FALSE,
	hops_remaining SMALLINT NOT NULL,
	created_at_unix_ms BIGINT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	envelope_wire BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS envelopes_peer_idx ON envelopes (peer_identity_id, created_at_unix_ms DESC);

CREATE TABLE IF NOT EXISTS envelope_plaintext (
	msg_id TEXT PRIMARY KEY REFERENCES envelopes(msg_id) ON DELETE CASCADE,
	text TEXT NOT NULL
);
`

// NewPostgresStore opens a connection pool and pings it, matching the
// teacher's NewStore(ctx, cfg).
func NewPostgresStore(ctx context.Context, cfg *PostgresConfig, weights ScoreWeights, selfReserveBytes uint64) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("store: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	return &PostgresStore{pool: pool, weights: weights, selfReserveBytes: selfReserveBytes}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) (InsertResult, error) {
	if rec == nil || rec.Envelope == nil {
		return Rejected, fmt.Errorf("store: nil record or envelope")
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO envelopes (msg_id, peer_identity_id, self_addressed, delivered, hops_remaining, created_at_unix_ms, received_at, envelope_wire)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (msg_id) DO NOTHING
	`,
		rec.MsgID, rec.PeerIdentityID, rec.SelfAddressed, rec.Delivered, int16(rec.HopsRemaining),
		int64(rec.Envelope.CreatedAtUnixMs), rec.ReceivedAt, rec.Envelope.Marshal(),
	)
	if err != nil {
		return Rejected, fmt.Errorf("store: insert envelope: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Duplicate, nil
	}
	return Accepted, nil
}

func (s *PostgresStore) Contains(ctx context.Context, msgID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM envelopes WHERE msg_id = $1)`, msgID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: contains: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Conversation(ctx context.Context, peerIdentityID string, limit int) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT msg_id, peer_identity_id, self_addressed, delivered, hops_remaining, received_at, envelope_wire
		FROM envelopes
		WHERE peer_identity_id = $1 AND self_addressed = TRUE
		ORDER BY created_at_unix_ms DESC, msg_id DESC
		LIMIT $2
	`, peerIdentityID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: conversation: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *PostgresStore) IndexPlaintext(ctx context.Context, msgID string, text string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO envelope_plaintext (msg_id, text) VALUES ($1, $2)
		ON CONFLICT (msg_id) DO UPDATE SET text = EXCLUDED.text
	`, msgID, text)
	if err != nil {
		return fmt.Errorf("store: index plaintext: %w", err)
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, query string, limit int) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.msg_id, e.peer_identity_id, e.self_addressed, e.delivered, e.hops_remaining, e.received_at, e.envelope_wire
		FROM envelopes e
		JOIN envelope_plaintext p ON p.msg_id = e.msg_id
		WHERE p.text ILIKE '%' || $1 || '%'
		ORDER BY e.created_at_unix_ms DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *PostgresStore) EvictTo(ctx context.Context, capacityBytes uint64) error {
	all, err := s.All(ctx)
	if err != nil {
		return err
	}

	var total uint64
	for _, rec := range all {
		total += rec.Size()
	}
	if total <= capacityBytes {
		return nil
	}

	now := time.Now()
	sort.Slice(all, func(i, j int) bool {
		si := Score(all[i], s.weights, now)
		sj := Score(all[j], s.weights, now)
		if si != sj {
			return si < sj
		}
		return all[i].MsgID < all[j].MsgID
	})

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: evict_to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range all {
		if total <= capacityBytes {
			break
		}
		if rec.SelfAddressed && total-rec.Size() < s.selfReserveBytes {
			continue
		}
		if _, err := tx.Exec(ctx, `DELETE FROM envelopes WHERE msg_id = $1`, rec.MsgID); err != nil {
			return fmt.Errorf("store: evict_to delete: %w", err)
		}
		total -= rec.Size()
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, msgID string) error {
	result, err := s.pool.Exec(ctx, `UPDATE envelopes SET delivered = TRUE WHERE msg_id = $1`, msgID)
	if err != nil {
		return fmt.Errorf("store: mark_delivered: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("store: msg_id not found: %s", msgID)
	}
	return nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, peerIdentityID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM envelopes WHERE peer_identity_id = $1 AND self_addressed = TRUE`, peerIdentityID)
	if err != nil {
		return fmt.Errorf("store: delete_conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) All(ctx context.Context) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT msg_id, peer_identity_id, self_addressed, delivered, hops_remaining, received_at, envelope_wire
		FROM envelopes
	`)
	if err != nil {
		return nil, fmt.Errorf("store: all: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRecords(rows pgx.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		var (
			msgID, peerID     string
			selfAddr, deliv   bool
			hopsRemaining     int16
			receivedAt        time.Time
			wire              []byte
		)
		if err := rows.Scan(&msgID, &peerID, &selfAddr, &deliv, &hopsRemaining, &receivedAt, &wire); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		env, err := envelope.Unmarshal(wire)
		if err != nil {
			return nil, fmt.Errorf("store: decode envelope: %w", err)
		}
		out = append(out, &Record{
			Envelope:       env,
			MsgID:          msgID,
			PeerIdentityID: peerID,
			SelfAddressed:  selfAddr,
			Delivered:      deliv,
			HopsRemaining:  uint8(hopsRemaining),
			ReceivedAt:     receivedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate rows: %w", err)
	}
	return out, nil
}
