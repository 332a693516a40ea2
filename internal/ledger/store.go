// Package ledger provides the append-only event and snapshot store backing
// the agent runtime. The ledger is the single source of truth; snapshots are
// derived caches that may be rewritten.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/strand/pkg/models"
)

// ErrClosed is returned when operating on a closed store.
var ErrClosed = errors.New("ledger: store is closed")

// Store persists events and snapshots in an embedded SQLite database.
//
// Thread Safety:
// Store is safe for concurrent use. Appends serialize per run so that
// sequence numbers stay dense and monotonic; reads proceed concurrently.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	runLock map[string]*sync.Mutex // per-run append serialization
	hiSeq   map[string]int64       // per-run sequence hi-water mark
	closed  bool
}

// Open opens (creating if necessary) the ledger database at path. Use
// ":memory:" for an ephemeral store. For persistent stores the caller should
// invoke RebuildSeqCounters before the first append.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between the writer paths and
	// keeps :memory: databases from silently forking per connection.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		logger:  slog.Default().With("component", "ledger"),
		runLock: make(map[string]*sync.Mutex),
		hiSeq:   make(map[string]int64),
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id   TEXT PRIMARY KEY,
			run_id     TEXT NOT NULL,
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			ts         INTEGER NOT NULL,
			type       TEXT NOT NULL,
			payload    TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_type_seq ON events(session_id, type, seq)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			run_id      TEXT,
			seq         INTEGER NOT NULL,
			type        TEXT NOT NULL,
			data        TEXT,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_session_type_seq ON snapshots(session_id, type, seq DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ledger: init schema: %w", err)
		}
	}
	return nil
}

// lockRun returns the append mutex for runID, creating it on first use.
func (s *Store) lockRun(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.runLock[runID]
	if !ok {
		lock = &sync.Mutex{}
		s.runLock[runID] = lock
	}
	return lock
}

// Append assigns the next sequence number for the run and persists a new
// event atomically. Partial appends never become visible: the hi-water mark
// only advances after the insert commits.
func (s *Store) Append(ctx context.Context, runID, sessionID string, eventType models.EventType, payload json.RawMessage) (*models.Event, error) {
	if runID == "" || sessionID == "" {
		return nil, errors.New("ledger: runID and sessionID are required")
	}
	if !eventType.Valid() {
		return nil, fmt.Errorf("ledger: unknown event type %q", eventType)
	}

	lock := s.lockRun(runID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	seq := s.hiSeq[runID] + 1
	s.mu.Unlock()

	event := &models.Event{
		EventID:   uuid.New().String(),
		RunID:     runID,
		SessionID: sessionID,
		Seq:       seq,
		TS:        time.Now().UnixMilli(),
		Type:      eventType,
		Payload:   payload,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, session_id, seq, ts, type, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, event.SessionID, event.Seq, event.TS,
		string(event.Type), payloadText(event.Payload),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: append event: %w", err)
	}

	s.mu.Lock()
	s.hiSeq[runID] = seq
	s.mu.Unlock()

	return event, nil
}

// Query describes an event query. Zero values mean "no constraint".
type Query struct {
	RunID     string
	SessionID string
	Types     []models.EventType
	AfterSeq  int64 // exclusive; applies per-run sequence numbers
	BeforeSeq int64 // exclusive
	Limit     int
	Desc      bool
}

// Events returns events matching q, ordered by seq.
func (s *Store) Events(ctx context.Context, q Query) ([]*models.Event, error) {
	var (
		where []string
		args  []any
	)
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if len(q.Types) > 0 {
		placeholders := make([]string, len(q.Types))
		for i, t := range q.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if q.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, q.AfterSeq)
	}
	if q.BeforeSeq > 0 {
		where = append(where, "seq < ?")
		args = append(args, q.BeforeSeq)
	}

	query := "SELECT event_id, run_id, session_id, seq, ts, type, payload FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	order := "ASC"
	if q.Desc {
		order = "DESC"
	}
	query += " ORDER BY seq " + order
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ByRunID returns all events of a run in ascending, dense seq order.
func (s *Store) ByRunID(ctx context.Context, runID string) ([]*models.Event, error) {
	return s.Events(ctx, Query{RunID: runID})
}

// Latest returns the most recent event of the given type on the session, or
// nil when none exists.
func (s *Store) Latest(ctx context.Context, sessionID string, eventType models.EventType) (*models.Event, error) {
	events, err := s.Events(ctx, Query{
		SessionID: sessionID,
		Types:     []models.EventType{eventType},
		Limit:     1,
		Desc:      true,
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// GetEvent returns a single event by its id, or nil when unknown.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, run_id, session_id, seq, ts, type, payload
		 FROM events WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, fmt.Errorf("ledger: get event: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// SnapshotParams describes a snapshot to persist.
type SnapshotParams struct {
	SessionID string
	RunID     string
	Seq       int64
	Type      string
	Data      []byte
}

// CreateSnapshot persists a derived projection of the ledger prefix up to
// params.Seq.
func (s *Store) CreateSnapshot(ctx context.Context, params SnapshotParams) (*models.Snapshot, error) {
	if params.SessionID == "" {
		return nil, errors.New("ledger: sessionID is required")
	}

	snap := &models.Snapshot{
		SnapshotID: uuid.New().String(),
		SessionID:  params.SessionID,
		RunID:      params.RunID,
		Seq:        params.Seq,
		Type:       params.Type,
		Data:       params.Data,
		CreatedAt:  time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (snapshot_id, session_id, run_id, seq, type, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.SessionID, nullString(snap.RunID), snap.Seq,
		snap.Type, payloadText(snap.Data), snap.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: create snapshot: %w", err)
	}

	return snap, nil
}

// SnapshotFilter selects snapshots. Type may be empty.
type SnapshotFilter struct {
	SessionID string
	RunID     string
	Type      string
}

// LatestSnapshot returns the matching snapshot with the highest seq, or nil.
func (s *Store) LatestSnapshot(ctx context.Context, f SnapshotFilter) (*models.Snapshot, error) {
	where := []string{"session_id = ?"}
	args := []any{f.SessionID}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot_id, session_id, run_id, seq, type, data, created_at
		 FROM snapshots WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY seq DESC, created_at DESC LIMIT 1`, args...)

	var (
		snap      models.Snapshot
		runID     sql.NullString
		data      sql.NullString
		createdAt int64
	)
	err := row.Scan(&snap.SnapshotID, &snap.SessionID, &runID, &snap.Seq, &snap.Type, &data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: latest snapshot: %w", err)
	}
	snap.RunID = runID.String
	if data.Valid {
		snap.Data = []byte(data.String)
	}
	snap.CreatedAt = time.UnixMilli(createdAt)
	return &snap, nil
}

// ListSessionIDs returns known session ids, most recently active first.
func (s *Store) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM events GROUP BY session_id ORDER BY MAX(ts) DESC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RebuildSeqCounters reconstructs per-run sequence hi-water marks from the
// persisted events. Must run before the first append after a restart so new
// appends continue the dense sequence.
func (s *Store) RebuildSeqCounters(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, MAX(seq) FROM events GROUP BY run_id`)
	if err != nil {
		return fmt.Errorf("ledger: rebuild seq counters: %w", err)
	}
	defer rows.Close()

	rebuilt := make(map[string]int64)
	for rows.Next() {
		var (
			runID string
			max   int64
		)
		if err := rows.Scan(&runID, &max); err != nil {
			return fmt.Errorf("ledger: scan seq counter: %w", err)
		}
		rebuilt[runID] = max
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ledger: rebuild seq counters: %w", err)
	}

	s.mu.Lock()
	for runID, max := range rebuilt {
		if max > s.hiSeq[runID] {
			s.hiSeq[runID] = max
		}
	}
	s.mu.Unlock()

	s.logger.Info("rebuilt sequence counters", "runs", len(rebuilt))
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		var (
			e       models.Event
			typ     string
			payload sql.NullString
		)
		if err := rows.Scan(&e.EventID, &e.RunID, &e.SessionID, &e.Seq, &e.TS, &typ, &payload); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		e.Type = models.EventType(typ)
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func payloadText(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
