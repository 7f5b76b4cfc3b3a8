// Package database persists what outlives a broadcast: ended-session
// summaries and the mosque follower directory.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"

	"minbar/internal/logging"
	dbconfig "minbar/pkg/database"
	"minbar/pkg/interfaces"
	"minbar/pkg/types"
)

// Manager implements interfaces.DatabaseManager on SQLite.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
	retryDelay   time.Duration
}

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// NewManager opens the database, applies migrations, validates the schema and
// starts the writer goroutine.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, logging.WrapError(err, "open database")
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads.
	// Per-connection pragmas live in the DSN so every pooled connection gets them
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := RunMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, logging.WrapError(err, "validate schema")
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		writeChannel: make(chan writeOperation, 100), // TECHNICAL: Buffer for write operations prevents blocking
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	logger.Info("database ready", "path", config.DatabasePath)
	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: A failed write is retried exactly once after a pause
			err := op.operation(op.ctx, m.db)
			if err != nil && op.ctx.Err() == nil {
				m.logger.Warn("database write failed, retrying", "delay", m.retryDelay.String(), "error", err)
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(op.ctx, m.db)
					if err != nil {
						m.logger.Error("database write failed after retry", "error", err)
					}
				case <-op.ctx.Done():
				case <-m.shutdown:
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	if m.isClosed() {
		return interfaces.ErrArchiveUnavailable
	}

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return errors.New("write operation timeout")
	case <-m.shutdown:
		return interfaces.ErrArchiveUnavailable
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return interfaces.ErrArchiveUnavailable
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// ArchiveBroadcast stores an ended session's summary. Archiving the same
// session twice keeps the latest summary.
func (m *Manager) ArchiveBroadcast(ctx context.Context, summary *types.SessionSummary) error {
	if summary == nil || summary.SessionID == "" {
		return errors.New("summary must name a session")
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		query := `
			INSERT OR REPLACE INTO broadcasts
				(session_id, mosque_id, started_at, ended_at, duration_ms,
				 final_listener_count, peak_listener_count, units_published, end_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			summary.SessionID,
			summary.MosqueID,
			summary.StartedAt.UTC(),
			summary.EndedAt.UTC(),
			summary.Duration.Milliseconds(),
			summary.FinalListenerCount,
			summary.PeakListenerCount,
			int64(summary.UnitsPublished),
			string(summary.EndReason),
		)
		if err != nil {
			return fmt.Errorf("failed to insert broadcast: %w", err)
		}
		return nil
	})
}

// ListBroadcasts returns a mosque's archived summaries, most recent first.
// A non-positive limit returns at most 50.
func (m *Manager) ListBroadcasts(ctx context.Context, mosqueID string, limit int) ([]*types.SessionSummary, error) {
	if m.isClosed() {
		return nil, interfaces.ErrArchiveUnavailable
	}
	if limit <= 0 {
		limit = 50
	}

	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	query := `
		SELECT session_id, mosque_id, started_at, ended_at, duration_ms,
		       final_listener_count, peak_listener_count, units_published, end_reason
		FROM broadcasts
		WHERE mosque_id = ?
		ORDER BY ended_at DESC
		LIMIT ?
	`
	rows, err := m.db.QueryContext(ctx, query, mosqueID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query broadcasts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []*types.SessionSummary
	for rows.Next() {
		var (
			s          types.SessionSummary
			durationMs int64
			units      int64
			reason     string
		)
		if err := rows.Scan(
			&s.SessionID,
			&s.MosqueID,
			&s.StartedAt,
			&s.EndedAt,
			&durationMs,
			&s.FinalListenerCount,
			&s.PeakListenerCount,
			&units,
			&reason,
		); err != nil {
			return nil, fmt.Errorf("failed to scan broadcast row: %w", err)
		}
		s.Duration = time.Duration(durationMs) * time.Millisecond
		s.UnitsPublished = uint64(units)
		s.EndReason = types.EndReason(reason)
		summaries = append(summaries, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating broadcast rows: %w", err)
	}
	return summaries, nil
}

// ListFollowers returns the user IDs following mosqueID in follow order.
func (m *Manager) ListFollowers(ctx context.Context, mosqueID string) ([]string, error) {
	if m.isClosed() {
		return nil, interfaces.ErrFollowersUnavailable
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id FROM mosque_followers WHERE mosque_id = ? ORDER BY followed_at, user_id`,
		mosqueID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrFollowersUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var followers []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan follower row: %w", err)
		}
		followers = append(followers, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating follower rows: %w", err)
	}
	return followers, nil
}

// AddFollower records that userID follows mosqueID. Following twice is a no-op.
func (m *Manager) AddFollower(ctx context.Context, mosqueID, userID string) error {
	if !types.IsValidID(mosqueID) {
		return types.ErrInvalidMosqueID
	}
	if !types.IsValidUserID(userID) {
		return types.ErrInvalidUserID
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO mosque_followers (mosque_id, user_id, followed_at) VALUES (?, ?, ?)`,
			mosqueID, userID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to insert follower: %w", err)
		}
		return nil
	})
}

// RemoveFollower deletes the follow relation if present.
func (m *Manager) RemoveFollower(ctx context.Context, mosqueID, userID string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`DELETE FROM mosque_followers WHERE mosque_id = ? AND user_id = ?`,
			mosqueID, userID)
		if err != nil {
			return fmt.Errorf("failed to delete follower: %w", err)
		}
		return nil
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if m.isClosed() {
		return errors.New("database manager is closed")
	}
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM broadcasts").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB returns the underlying connection pool.
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	// TECHNICAL DISCOVERY: Prevent multiple close operations
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return logging.WrapError(err, "close database")
	}
	return nil
}

var _ interfaces.DatabaseManager = (*Manager)(nil)
