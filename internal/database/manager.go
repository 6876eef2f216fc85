package database

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	dbconfig "schoolhub/pkg/database"
	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

var (
	ErrManagerClosed  = errors.New("database manager is closed")
	ErrShuttingDown   = errors.New("database manager is shutting down")
	ErrWriteTimeout   = errors.New("write operation timeout")
	ErrUnknownProfile = errors.New("unknown profile kind")
)

// Manager is the sqlite-backed directory, message store and profile store.
// Reads go straight to the pool; writes are funneled through one goroutine.
type Manager struct {
	db           *sqlx.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(*sqlx.DB) error
	result    chan error
}

// NewManager opens the database with tracing instrumentation and starts the writer
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid database config")
	}
	if logger == nil {
		logger = slog.Default()
	}

	sqlDB, err := otelsql.Open("sqlite3", config.DSN(),
		otelsql.WithAttributes(semconv.DBSystemSqlite))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	otelsql.RegisterDBStatsMetrics(sqlDB, otelsql.WithAttributes(semconv.DBSystemSqlite))

	sqlDB.SetMaxOpenConns(config.MaxConnections)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "failed to apply SQLite optimizations")
	}

	manager := &Manager{
		db:           sqlx.NewDb(sqlDB, "sqlite3"),
		config:       config,
		logger:       logger.With("component", "database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine.
// A failed write is retried exactly once after WriteRetryDelay. Constraint
// violations are returned immediately.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && op.ctx.Err() == nil && !isConstraintViolation(err) {
				m.logger.Warn("database write failed, retrying", "delay", m.config.WriteRetryDelay, "error", err)
				select {
				case <-time.After(m.config.WriteRetryDelay):
					err = op.operation(m.db)
				case <-m.shutdown:
				}
				if err != nil {
					m.logger.Error("database write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Info("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sqlx.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrShuttingDown
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrShuttingDown
	}
}

// CreateUser inserts a directory user
func (m *Manager) CreateUser(ctx context.Context, user *types.UserSummary) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	err := m.executeWrite(ctx, func(db *sqlx.DB) error {
		_, err := db.NamedExecContext(ctx, `
			INSERT INTO users (id, name, email, role, created_at)
			VALUES (:id, :name, :email, :role, :created_at)
		`, user)
		return errors.Wrapf(err, "failed to insert user %s", user.ID)
	})
	if isUniqueViolation(err) {
		return interfaces.ErrUserExists
	}
	return err
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// FindByID returns interfaces.ErrUserNotFound for unknown ids
func (m *Manager) FindByID(ctx context.Context, id string) (*types.UserSummary, error) {
	var user types.UserSummary
	err := m.db.GetContext(ctx, &user,
		`SELECT id, name, email, role, created_at FROM users WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, errors.Wrap(err, "failed to query user")
	}
	return &user, nil
}

// FindByRoles returns the users holding any of roles, oldest first
func (m *Manager) FindByRoles(ctx context.Context, roles []string) ([]*types.UserSummary, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, name, email, role, created_at FROM users WHERE role IN (?) ORDER BY created_at ASC, id ASC`,
		roles)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build role query")
	}

	var users []*types.UserSummary
	if err := m.db.SelectContext(ctx, &users, m.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "failed to query users by role")
	}
	return users, nil
}

const messageColumns = `id, sender, receiver, subject, content, type, read_by_receiver, created_at`

// CreateMessage inserts a new message
func (m *Manager) CreateMessage(ctx context.Context, message *types.PersistedMessage) error {
	message.CreatedAt = message.CreatedAt.UTC()
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		_, err := db.NamedExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (:id, :sender, :receiver, :subject, :content, :type, :read_by_receiver, :created_at)
		`, message)
		return errors.Wrap(err, "failed to insert message")
	})
}

// FindDuplicateMessage returns the newest identical message created at or after since
func (m *Manager) FindDuplicateMessage(ctx context.Context, sender, receiver, content string, since time.Time) (*types.PersistedMessage, error) {
	var message types.PersistedMessage
	err := m.db.GetContext(ctx, &message, `
		SELECT `+messageColumns+` FROM messages
		WHERE sender = ? AND receiver = ? AND content = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, sender, receiver, content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrMessageNotFound
		}
		return nil, errors.Wrap(err, "failed to query duplicate message")
	}
	// Timestamps are compared here rather than in SQL, sqlite stores them as text
	if message.CreatedAt.Before(since) {
		return nil, interfaces.ErrMessageNotFound
	}
	return &message, nil
}

func (m *Manager) FindMessageByID(ctx context.Context, id string) (*types.PersistedMessage, error) {
	var message types.PersistedMessage
	err := m.db.GetContext(ctx, &message,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrMessageNotFound
		}
		return nil, errors.Wrap(err, "failed to query message")
	}
	return &message, nil
}

// SaveMessage persists the mutable fields of an existing message
func (m *Manager) SaveMessage(ctx context.Context, message *types.PersistedMessage) error {
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		res, err := db.NamedExecContext(ctx, `
			UPDATE messages
			SET subject = :subject, content = :content, type = :type, read_by_receiver = :read_by_receiver
			WHERE id = :id
		`, message)
		if err != nil {
			return errors.Wrap(err, "failed to update message")
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return interfaces.ErrMessageNotFound
		}
		return nil
	})
}

// ListInbox returns the receiver's newest messages
func (m *Manager) ListInbox(ctx context.Context, receiver string, limit int) ([]*types.PersistedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var messages []*types.PersistedMessage
	err := m.db.SelectContext(ctx, &messages, `
		SELECT `+messageColumns+` FROM messages
		WHERE receiver = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, receiver, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query inbox")
	}
	return messages, nil
}

// CountMessages returns the number of stored messages
func (m *Manager) CountMessages(ctx context.Context) (int, error) {
	var count int
	if err := m.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages`); err != nil {
		return 0, errors.Wrap(err, "failed to count messages")
	}
	return count, nil
}

var profileTables = map[string]string{
	types.ProfileTeacher: "teacher_profiles",
	types.ProfileStudent: "student_profiles",
	types.ProfileParent:  "parent_profiles",
}

func (m *Manager) CreateTeacherProfile(ctx context.Context, userID string) error {
	return m.createProfile(ctx, types.ProfileTeacher, userID)
}

func (m *Manager) CreateStudentProfile(ctx context.Context, userID string) error {
	return m.createProfile(ctx, types.ProfileStudent, userID)
}

func (m *Manager) CreateParentProfile(ctx context.Context, userID string) error {
	return m.createProfile(ctx, types.ProfileParent, userID)
}

// createProfile is idempotent: a second call for the same user is ignored
func (m *Manager) createProfile(ctx context.Context, kind, userID string) error {
	table := profileTables[kind]
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO `+table+` (user_id, created_at) VALUES (?, ?)`,
			userID, time.Now().UTC())
		return errors.Wrapf(err, "failed to create %s profile for %s", kind, userID)
	})
}

// HasProfile reports whether a profile of the given kind exists for the user
func (m *Manager) HasProfile(ctx context.Context, kind, userID string) (bool, error) {
	table, ok := profileTables[kind]
	if !ok {
		return false, errors.Wrap(ErrUnknownProfile, kind)
	}
	var count int
	err := m.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM `+table+` WHERE user_id = ?`, userID)
	if err != nil {
		return false, errors.Wrap(err, "failed to query profile")
	}
	return count > 0, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "database ping failed")
	}
	var count int
	if err := m.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM users LIMIT 1"); err != nil {
		return errors.Wrap(err, "database read test failed")
	}
	return nil
}

// Migrate applies the embedded schema migrations and returns the versions applied
func (m *Manager) Migrate() ([]string, error) {
	return dbconfig.NewMigrationManager(m.db.DB, dbconfig.Migrations()).ApplyMigrations()
}

// ValidateSchema checks the tables, columns and indexes the stores rely on
func (m *Manager) ValidateSchema() error {
	return dbconfig.NewMigrationManager(m.db.DB, dbconfig.Migrations()).ValidateSchema()
}

// AppliedVersions lists the migrations recorded in the database
func (m *Manager) AppliedVersions() ([]string, error) {
	return dbconfig.NewMigrationManager(m.db.DB, dbconfig.Migrations()).AppliedVersions()
}

// Close stops the writer and closes the pool
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	return errors.Wrap(m.db.Close(), "failed to close database")
}
