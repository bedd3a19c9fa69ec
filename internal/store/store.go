// Package store implements the durable local unread/read cache: one
// last-read timestamp per conversation plus one badge count per
// conversation, with the derived total. State lives in memory for
// synchronous reads and is written through to SQLite so it survives a
// process restart.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/aleksrv/clubsync/chat"
	"github.com/aleksrv/clubsync/internal/events"
	"github.com/aleksrv/clubsync/internal/logging"
)

// Activeness answers whether a conversation is the one the viewer currently
// has open. Satisfied by the active-conversation tracker.
type Activeness interface {
	IsActive(ref chat.ConversationRef) bool
}

// Store owns ReadMark and BadgeCount state. All methods are safe for
// concurrent use.
type Store struct {
	db     *sql.DB
	active Activeness
	bus    *events.Bus
	logger zerolog.Logger
	now    func() time.Time

	// onMutate is pinged after every observable badge mutation; the engine
	// wires it to the coalesced indicator-refresh signal.
	onMutate func()

	mu        sync.Mutex
	readMarks map[chat.ConversationRef]time.Time
	badges    map[chat.ConversationRef]int
	total     int
}

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMutationHook registers a callback pinged after each badge mutation.
func WithMutationHook(fn func()) Option {
	return func(s *Store) {
		s.onMutate = fn
	}
}

// Open opens (creating if needed) the local cache database at path and
// loads all read marks and badges into memory. Use ":memory:" for an
// ephemeral store in tests.
func Open(path string, active Activeness, bus *events.Bus, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open unread database: %w", err)
	}
	if path == ":memory:" {
		// An in-memory database exists per connection; the pool must not
		// hand out a second one.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to unread database: %w", err)
	}

	s := &Store{
		db:        db,
		active:    active,
		bus:       bus,
		logger:    logging.Component("unread-store"),
		now:       func() time.Time { return time.Now().UTC() },
		readMarks: make(map[chat.ConversationRef]time.Time),
		badges:    make(map[chat.ConversationRef]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS read_marks (
			kind TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			last_read_at_ms INTEGER NOT NULL,
			PRIMARY KEY (kind, conversation_id)
		)`,
		`CREATE TABLE IF NOT EXISTS badges (
			kind TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			count INTEGER NOT NULL,
			PRIMARY KEY (kind, conversation_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize unread schema: %w", err)
		}
	}
	return nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, conversation_id, last_read_at_ms FROM read_marks`)
	if err != nil {
		return fmt.Errorf("failed to query read marks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, id string
		var atMs int64
		if err := rows.Scan(&kind, &id, &atMs); err != nil {
			return fmt.Errorf("failed to scan read mark: %w", err)
		}
		ref := chat.ConversationRef{Kind: chat.Kind(kind), ID: id}
		s.readMarks[ref] = time.UnixMilli(atMs).UTC()
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating read marks: %w", err)
	}

	badgeRows, err := s.db.QueryContext(ctx, `SELECT kind, conversation_id, count FROM badges`)
	if err != nil {
		return fmt.Errorf("failed to query badges: %w", err)
	}
	defer badgeRows.Close()

	for badgeRows.Next() {
		var kind, id string
		var count int
		if err := badgeRows.Scan(&kind, &id, &count); err != nil {
			return fmt.Errorf("failed to scan badge: %w", err)
		}
		if count <= 0 {
			continue
		}
		ref := chat.ConversationRef{Kind: chat.Kind(kind), ID: id}
		s.badges[ref] = count
		s.total += count
	}
	if err := badgeRows.Err(); err != nil {
		return fmt.Errorf("error iterating badges: %w", err)
	}

	return nil
}

// persistMark writes a read mark through to SQLite. Failures are logged and
// otherwise swallowed: the in-memory state already made the UI consistent,
// and durability is best effort.
func (s *Store) persistMark(ref chat.ConversationRef, at time.Time) {
	_, err := s.db.ExecContext(context.Background(), `
		INSERT INTO read_marks (kind, conversation_id, last_read_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT (kind, conversation_id) DO UPDATE SET last_read_at_ms = excluded.last_read_at_ms
	`, string(ref.Kind), ref.ID, at.UnixMilli())
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation", ref.String()).Msg("failed to persist read mark")
	}
}

// persistBadge writes a badge count through to SQLite, deleting zero rows
// so the stored sum stays cheap.
func (s *Store) persistBadge(ref chat.ConversationRef, count int) {
	var err error
	if count <= 0 {
		_, err = s.db.ExecContext(context.Background(),
			`DELETE FROM badges WHERE kind = ? AND conversation_id = ?`,
			string(ref.Kind), ref.ID)
	} else {
		_, err = s.db.ExecContext(context.Background(), `
			INSERT INTO badges (kind, conversation_id, count)
			VALUES (?, ?, ?)
			ON CONFLICT (kind, conversation_id) DO UPDATE SET count = excluded.count
		`, string(ref.Kind), ref.ID, count)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation", ref.String()).Msg("failed to persist badge")
	}
}
