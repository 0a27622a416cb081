package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/courier/envelope"

	_ "modernc.org/sqlite" // SQLite driver
)

// Times are stored as unix nanoseconds so ordering and range filters stay
// in integer space.
const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id             TEXT PRIMARY KEY,
	sender         TEXT NOT NULL,
	recipient      TEXT NOT NULL,
	type           TEXT NOT NULL,
	payload        TEXT NOT NULL,
	timestamp      INTEGER NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	reply_to       TEXT NOT NULL DEFAULT '',
	signature      TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, state);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

CREATE TABLE IF NOT EXISTS metrics (
	agent      TEXT NOT NULL,
	metric     TEXT NOT NULL,
	value      REAL NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (agent, metric)
);
`

const envelopeColumns = `id, sender, recipient, type, payload, timestamp, correlation_id, reply_to, signature`

// SQLiteStore persists envelopes in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save inserts env with the given state.
func (s *SQLiteStore) Save(ctx context.Context, env *envelope.Envelope, state State) error {
	if !state.Valid() {
		return fmt.Errorf("save message %s: unknown state %q", env.ID, state)
	}
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
			(`+envelopeColumns+`, state, retry_count, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,0,?,?)
		ON CONFLICT(id) DO NOTHING`,
		env.ID, env.Sender, env.Recipient, string(env.Type), env.Payload,
		env.Timestamp.UnixNano(), env.CorrelationID, env.ReplyTo, env.Signature,
		string(state), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("message %s: %w", env.ID, ErrDuplicate)
	}
	return nil
}

// Get retrieves an envelope by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*envelope.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM messages WHERE id = ?`, id)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return env, err
}

// Record retrieves an envelope with its lifecycle columns.
func (s *SQLiteStore) Record(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+envelopeColumns+`, state, retry_count, created_at, updated_at
		FROM messages WHERE id = ?`, id)

	var (
		env                  envelope.Envelope
		typ, state           string
		ts, created, updated int64
		rec                  Record
	)
	err := row.Scan(
		&env.ID, &env.Sender, &env.Recipient, &typ, &env.Payload, &ts,
		&env.CorrelationID, &env.ReplyTo, &env.Signature,
		&state, &rec.RetryCount, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	env.Type = envelope.Type(typ)
	env.Timestamp = fromNanos(ts)
	rec.Envelope = &env
	rec.State = State(state)
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	return &rec, nil
}

// Pending returns pending envelopes for recipient in arrival order.
func (s *SQLiteStore) Pending(ctx context.Context, recipient string) ([]*envelope.Envelope, error) {
	return s.list(ctx, `
		SELECT `+envelopeColumns+` FROM messages
		WHERE recipient = ? AND state = ?
		ORDER BY rowid ASC`, recipient, string(StatePending))
}

// UpdateState performs a compare-and-set on the row's current state.
func (s *SQLiteStore) UpdateState(ctx context.Context, id string, state State, retryCount int) error {
	var cur string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM messages WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if !CanTransition(State(cur), state) {
		return fmt.Errorf("message %s %s -> %s: %w", id, cur, state, ErrIllegalTransition)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			state = ?,
			retry_count = CASE WHEN ? < 0 THEN retry_count ELSE ? END,
			updated_at = ?
		WHERE id = ? AND state = ?`,
		string(state), retryCount, retryCount, time.Now().UTC().UnixNano(), id, cur,
	)
	if err != nil {
		return fmt.Errorf("update message state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("message %s: %w", id, ErrConflict)
	}
	return nil
}

// RecordFailure increments retry_count and settles the state in a single
// UPDATE so concurrent failures are all counted.
func (s *SQLiteStore) RecordFailure(ctx context.Context, id string, maxRetries int) (State, int, error) {
	var (
		state string
		count int
	)
	err := s.db.QueryRowContext(ctx, `
		UPDATE messages SET
			retry_count = retry_count + 1,
			state = CASE WHEN retry_count + 1 > ? THEN ? ELSE state END,
			updated_at = ?
		WHERE id = ? AND state = ?
		RETURNING state, retry_count`,
		maxRetries, string(StateFailed), time.Now().UTC().UnixNano(), id, string(StatePending),
	).Scan(&state, &count)
	if err == nil {
		return State(state), count, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("record failure: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT state, retry_count FROM messages WHERE id = ?`, id).Scan(&state, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", 0, fmt.Errorf("read state: %w", err)
	}
	return State(state), count, fmt.Errorf("message %s is %s: %w", id, state, ErrIllegalTransition)
}

// RetryCount returns the retry counter for id, 0 when unknown.
func (s *SQLiteStore) RetryCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT retry_count FROM messages WHERE id = ?`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read retry count: %w", err)
	}
	return n, nil
}

// Query returns envelopes matching f, newest first.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]*envelope.Envelope, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + envelopeColumns + " FROM messages WHERE 1=1")
	args := []any{}

	if f.Sender != "" {
		q.WriteString(" AND sender=?")
		args = append(args, f.Sender)
	}
	if f.Recipient != "" {
		q.WriteString(" AND recipient=?")
		args = append(args, f.Recipient)
	}
	args = appendWindow(&q, args, f.Window)
	return s.list(ctx, q.String(), args...)
}

// Conversation returns both directions between a and b, newest first.
func (s *SQLiteStore) Conversation(ctx context.Context, a, b string, w Window) ([]*envelope.Envelope, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + envelopeColumns + " FROM messages WHERE ((sender=? AND recipient=?) OR (sender=? AND recipient=?))")
	args := appendWindow(&q, []any{a, b, b, a}, w)
	return s.list(ctx, q.String(), args...)
}

// appendWindow adds time bounds, ordering and limit to q.
func appendWindow(q *strings.Builder, args []any, w Window) []any {
	if !w.Start.IsZero() {
		q.WriteString(" AND timestamp>=?")
		args = append(args, w.Start.UnixNano())
	}
	if !w.End.IsZero() {
		q.WriteString(" AND timestamp<=?")
		args = append(args, w.End.UnixNano())
	}
	q.WriteString(" ORDER BY timestamp DESC, rowid DESC")
	if w.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", w.Limit))
	}
	return args
}

// Cleanup removes processed envelopes older than maxAge.
func (s *SQLiteStore) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE state = ? AND timestamp < ?`,
		string(StateProcessed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup messages: %w", err)
	}
	return res.RowsAffected()
}

// RecordMetric adds delta to the (agent, name) aggregate, creating it on
// first use.
func (s *SQLiteStore) RecordMetric(ctx context.Context, agent, name string, delta float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (agent, metric, value, updated_at) VALUES (?,?,?,?)
		ON CONFLICT(agent, metric) DO UPDATE SET
			value = value + excluded.value,
			updated_at = excluded.updated_at`,
		agent, name, delta, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("record metric %s/%s: %w", agent, name, err)
	}
	return nil
}

// Metrics lists aggregates ordered by agent then metric name.
func (s *SQLiteStore) Metrics(ctx context.Context, agent string) ([]Metric, error) {
	q := `SELECT agent, metric, value, updated_at FROM metrics`
	var args []any
	if agent != "" {
		q += ` WHERE agent = ?`
		args = append(args, agent)
	}
	q += ` ORDER BY agent, metric`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		var updated int64
		if err := rows.Scan(&m.Agent, &m.Name, &m.Value, &updated); err != nil {
			return nil, err
		}
		m.UpdatedAt = fromNanos(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]*envelope.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*envelope.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanEnvelope.
type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(s scanner) (*envelope.Envelope, error) {
	var env envelope.Envelope
	var typ string
	var ts int64
	err := s.Scan(
		&env.ID, &env.Sender, &env.Recipient, &typ, &env.Payload, &ts,
		&env.CorrelationID, &env.ReplyTo, &env.Signature,
	)
	if err != nil {
		return nil, err
	}
	env.Type = envelope.Type(typ)
	env.Timestamp = fromNanos(ts)
	return &env, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
