// Package sqlite provides a durable single-node store backend on
// modernc.org/sqlite. Message insertion is INSERT OR IGNORE: re-delivery of
// a known message ID is a normal event.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manycast/manycast/core"
	"github.com/manycast/manycast/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	content        TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	sender_locator TEXT NOT NULL,
	ack_json       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS receipts (
	message_id  TEXT NOT NULL,
	channel     TEXT NOT NULL,
	endpoint    TEXT NOT NULL DEFAULT '',
	received_at INTEGER NOT NULL,
	latency_ms  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_receipts_message ON receipts(message_id, received_at);

CREATE TABLE IF NOT EXISTS send_log (
	message_id TEXT NOT NULL,
	channel    TEXT NOT NULL,
	endpoint   TEXT NOT NULL DEFAULT '',
	success    INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	sent_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_send_log_sent_at ON send_log(sent_at);

CREATE TABLE IF NOT EXISTS preferences (
	peer_locator     TEXT NOT NULL,
	channel          TEXT NOT NULL,
	is_working       INTEGER NOT NULL DEFAULT 0,
	last_ack_at      INTEGER NOT NULL DEFAULT 0,
	avg_latency_ms   INTEGER NOT NULL DEFAULT 0,
	ack_count        INTEGER NOT NULL DEFAULT 0,
	preference_order INTEGER NOT NULL DEFAULT 0,
	cannot_use       INTEGER NOT NULL DEFAULT 0,
	custom_endpoint  TEXT NOT NULL DEFAULT '',
	explicit         INTEGER NOT NULL DEFAULT 0,
	updated_at       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (peer_locator, channel)
);
`

// ackPayload bundles the acknowledgment-only message fields into one JSON
// column instead of four mostly-empty ones.
type ackPayload struct {
	TargetID    string                `json:"targetId"`
	ReceivedAt  int64                 `json:"receivedAt"`
	ReceivedVia string                `json:"receivedVia"`
	Preferences []core.PreferenceHint `json:"preferences,omitempty"`
}

// Store is the SQLite-backed store. It implements store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	s := &Store{db: db}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMessage inserts the message, ignoring a duplicate ID.
func (s *Store) SaveMessage(ctx context.Context, msg *core.Message) (bool, error) {
	ackJSON := ""
	if msg.IsAcknowledgment() {
		encoded, err := json.Marshal(ackPayload{
			TargetID:    msg.AckTargetID,
			ReceivedAt:  msg.AckReceivedAt,
			ReceivedVia: msg.AckReceivedVia,
			Preferences: msg.ChannelPreferences,
		})
		if err != nil {
			return false, fmt.Errorf("sqlite: encode ack fields: %w", err)
		}
		ackJSON = string(encoded)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, kind, content, created_at, sender_locator, ack_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, string(msg.Kind), msg.Content, msg.CreatedAt, msg.SenderLocator, ackJSON)
	if err != nil {
		return false, fmt.Errorf("sqlite: insert message: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return inserted > 0, nil
}

// GetMessage returns the stored message or store.ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, id string) (*core.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, content, created_at, sender_locator, ack_json FROM messages WHERE id = ?`, id)

	var msg core.Message
	var kind, ackJSON string
	err := row.Scan(&msg.ID, &kind, &msg.Content, &msg.CreatedAt, &msg.SenderLocator, &ackJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: select message: %w", err)
	}
	msg.Kind = core.MessageKind(kind)

	if ackJSON != "" {
		var ack ackPayload
		if err := json.Unmarshal([]byte(ackJSON), &ack); err != nil {
			return nil, fmt.Errorf("sqlite: decode ack fields: %w", err)
		}
		msg.AckTargetID = ack.TargetID
		msg.AckReceivedAt = ack.ReceivedAt
		msg.AckReceivedVia = ack.ReceivedVia
		msg.ChannelPreferences = ack.Preferences
	}
	return &msg, nil
}

// SaveReceipt appends one arrival record for a message.
func (s *Store) SaveReceipt(ctx context.Context, receipt core.ReceiptRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO receipts (message_id, channel, endpoint, received_at, latency_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		receipt.MessageID, receipt.Channel, receipt.Endpoint,
		receipt.ReceivedAt.UnixMilli(), receipt.Latency.Milliseconds())
	if err != nil {
		return fmt.Errorf("sqlite: insert receipt: %w", err)
	}
	return nil
}

// ReceiptsByMessage lists all receipts for a message, oldest first.
func (s *Store) ReceiptsByMessage(ctx context.Context, messageID string) ([]core.ReceiptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, channel, endpoint, received_at, latency_ms
		 FROM receipts WHERE message_id = ? ORDER BY received_at ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select receipts: %w", err)
	}
	defer rows.Close()

	var receipts []core.ReceiptRecord
	for rows.Next() {
		var r core.ReceiptRecord
		var receivedAt, latencyMs int64
		if err := rows.Scan(&r.MessageID, &r.Channel, &r.Endpoint, &receivedAt, &latencyMs); err != nil {
			return nil, fmt.Errorf("sqlite: scan receipt: %w", err)
		}
		r.ReceivedAt = time.UnixMilli(receivedAt)
		r.Latency = time.Duration(latencyMs) * time.Millisecond
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// AppendSendLog records one send attempt.
func (s *Store) AppendSendLog(ctx context.Context, entry core.SendLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO send_log (message_id, channel, endpoint, success, latency_ms, error, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.MessageID, entry.Channel, entry.Endpoint, boolToInt(entry.Success),
		entry.Latency.Milliseconds(), entry.Error, entry.SentAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: insert send log: %w", err)
	}
	return nil
}

// SendLogWindow returns entries with SentAt in [from, to], oldest first.
func (s *Store) SendLogWindow(ctx context.Context, from, to time.Time) ([]core.SendLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, channel, endpoint, success, latency_ms, error, sent_at
		 FROM send_log WHERE sent_at >= ? AND sent_at <= ? ORDER BY sent_at ASC`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite: select send log: %w", err)
	}
	defer rows.Close()

	var entries []core.SendLogEntry
	for rows.Next() {
		var e core.SendLogEntry
		var success int
		var latencyMs, sentAt int64
		if err := rows.Scan(&e.MessageID, &e.Channel, &e.Endpoint, &success, &latencyMs, &e.Error, &sentAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan send log: %w", err)
		}
		e.Success = success != 0
		e.Latency = time.Duration(latencyMs) * time.Millisecond
		e.SentAt = time.UnixMilli(sentAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SavePreference inserts or replaces one preference record.
func (s *Store) SavePreference(ctx context.Context, pref core.ChannelPreference) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO preferences
		 (peer_locator, channel, is_working, last_ack_at, avg_latency_ms, ack_count,
		  preference_order, cannot_use, custom_endpoint, explicit, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pref.PeerLocator, pref.Channel, boolToInt(pref.IsWorking), timeToMilli(pref.LastAckAt),
		pref.AvgLatency.Milliseconds(), pref.AckCount, pref.PreferenceOrder,
		boolToInt(pref.CannotUse), pref.CustomEndpoint, boolToInt(pref.Explicit),
		timeToMilli(pref.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: upsert preference: %w", err)
	}
	return nil
}

// GetPreference returns the record for (peer, channel) or store.ErrNotFound.
func (s *Store) GetPreference(ctx context.Context, peerLocator, channelName string) (*core.ChannelPreference, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT peer_locator, channel, is_working, last_ack_at, avg_latency_ms, ack_count,
		        preference_order, cannot_use, custom_endpoint, explicit, updated_at
		 FROM preferences WHERE peer_locator = ? AND channel = ?`, peerLocator, channelName)

	pref, err := scanPreference(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: select preference: %w", err)
	}
	return pref, nil
}

// PreferencesByPeer lists a peer's records ordered by preference.
func (s *Store) PreferencesByPeer(ctx context.Context, peerLocator string) ([]core.ChannelPreference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT peer_locator, channel, is_working, last_ack_at, avg_latency_ms, ack_count,
		        preference_order, cannot_use, custom_endpoint, explicit, updated_at
		 FROM preferences WHERE peer_locator = ?`, peerLocator)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select preferences: %w", err)
	}
	defer rows.Close()

	var prefs []core.ChannelPreference
	for rows.Next() {
		pref, err := scanPreference(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan preference: %w", err)
		}
		prefs = append(prefs, *pref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	store.SortPreferences(prefs)
	return prefs, nil
}

func scanPreference(scan func(dest ...any) error) (*core.ChannelPreference, error) {
	var pref core.ChannelPreference
	var isWorking, cannotUse, explicit int
	var lastAckAt, avgLatencyMs, updatedAt int64
	err := scan(&pref.PeerLocator, &pref.Channel, &isWorking, &lastAckAt, &avgLatencyMs,
		&pref.AckCount, &pref.PreferenceOrder, &cannotUse, &pref.CustomEndpoint, &explicit, &updatedAt)
	if err != nil {
		return nil, err
	}
	pref.IsWorking = isWorking != 0
	pref.CannotUse = cannotUse != 0
	pref.Explicit = explicit != 0
	pref.AvgLatency = time.Duration(avgLatencyMs) * time.Millisecond
	if lastAckAt > 0 {
		pref.LastAckAt = time.UnixMilli(lastAckAt)
	}
	if updatedAt > 0 {
		pref.UpdatedAt = time.UnixMilli(updatedAt)
	}
	return &pref, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
