package presence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"schoolhub/internal/telemetry"
	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrEmptyUserID   = errors.New("user ID cannot be empty")
)

// Snapshot is returned to a newly admitted connection
type Snapshot struct {
	OnlineUsers     []string             `json:"onlineUsers"`
	OfflineLastSeen map[string]time.Time `json:"offlineUsersLastSeen"`
}

// Stats summarizes registry state for health reporting
type Stats struct {
	Connections     int `json:"connections"`
	OnlineUsers     int `json:"online_users"`
	LastSeenEntries int `json:"last_seen_entries"`
}

type entry struct {
	record types.ConnectionRecord
	conn   interfaces.Connection
}

// Registry is the authoritative in-process table of live connections.
// A user has at most one record; admitting a new connection evicts the previous one.
// Admit and Remove for the same user are serialized.
type Registry struct {
	mu        sync.RWMutex
	byConn    map[string]*entry
	byUser    map[string]*entry
	lastSeen  map[string]time.Time
	userLocks *KeyedMutex

	broadcaster *Broadcaster
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithClock replaces time.Now, used by tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byConn:    make(map[string]*entry),
		byUser:    make(map[string]*entry),
		lastSeen:  make(map[string]time.Time),
		userLocks: NewKeyedMutex(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.broadcaster = NewBroadcaster(r.logger, r.metrics)
	r.logger = r.logger.With("component", "registry")
	return r
}

// Admit registers conn as the live connection of userID. The caller must have validated the identity.
// Any previous connection of the user is sent sessionReplaced and closed.
// Every other connection is told the user is online.
func (r *Registry) Admit(userID string, conn interfaces.Connection) (*Snapshot, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if userID == "" {
		return nil, ErrEmptyUserID
	}

	unlock := r.userLocks.Lock(userID)
	defer unlock()

	r.mu.Lock()
	evicted, wasOnline := r.byUser[userID]
	if wasOnline {
		delete(r.byConn, evicted.record.ConnectionID)
	}

	e := &entry{
		record: types.ConnectionRecord{
			UserID:       userID,
			ConnectionID: conn.ID(),
			LastActiveAt: r.now(),
		},
		conn: conn,
	}
	r.byUser[userID] = e
	r.byConn[conn.ID()] = e

	snapshot := r.snapshotLocked()
	others := r.connectionsExceptLocked(userID)
	r.mu.Unlock()

	if wasOnline && evicted.conn != conn {
		r.logger.Info("replacing session", "user_id", userID,
			"old_connection_id", evicted.record.ConnectionID, "connection_id", conn.ID())
		go r.retire(evicted.conn)
	}
	if !wasOnline {
		r.metrics.ConnectionAdded(context.Background())
	}

	r.broadcaster.Announce(others, userID, true, nil)
	return snapshot, nil
}

// retire tells an evicted connection why it is being closed, then closes it
func (r *Registry) retire(conn interfaces.Connection) {
	event := types.NewOutboundEvent(types.EventSessionReplaced, nil)
	if err := conn.WriteJSON(event); err != nil {
		r.logger.Debug("failed to notify replaced session", "connection_id", conn.ID(), "error", err)
	}
	if err := conn.Close(); err != nil {
		r.logger.Debug("failed to close replaced session", "connection_id", conn.ID(), "error", err)
	}
}

// Touch refreshes the liveness timestamp of a connection. Unknown connections are ignored.
func (r *Registry) Touch(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byConn[connectionID]
	if !ok {
		return false
	}
	e.record.LastActiveAt = r.now()
	return true
}

// Remove deletes the record of connectionID and records the user's last-seen time.
// If the user has no record left, every remaining connection is told the user is offline.
// Removing a connection that is not registered, including one already replaced, is a no-op.
func (r *Registry) Remove(connectionID string) (types.ConnectionRecord, bool) {
	return r.removeWhere(connectionID, func(*entry) bool { return true })
}

// RemoveIfIdle removes connectionID only if it has been inactive since before cutoff
func (r *Registry) RemoveIfIdle(connectionID string, cutoff time.Time) (types.ConnectionRecord, bool) {
	return r.removeWhere(connectionID, func(e *entry) bool {
		return e.record.LastActiveAt.Before(cutoff)
	})
}

func (r *Registry) removeWhere(connectionID string, match func(*entry) bool) (types.ConnectionRecord, bool) {
	r.mu.RLock()
	e, ok := r.byConn[connectionID]
	r.mu.RUnlock()
	if !ok {
		return types.ConnectionRecord{}, false
	}
	userID := e.record.UserID

	unlock := r.userLocks.Lock(userID)
	defer unlock()

	r.mu.Lock()
	// State may have changed while waiting for the user lock
	current, ok := r.byConn[connectionID]
	if !ok || current != e || !match(e) {
		r.mu.Unlock()
		return types.ConnectionRecord{}, false
	}

	delete(r.byConn, connectionID)
	if r.byUser[userID] == e {
		delete(r.byUser, userID)
	}
	lastSeen := r.now()
	r.lastSeen[userID] = lastSeen
	_, stillOnline := r.byUser[userID]
	record := e.record
	others := r.connectionsExceptLocked(userID)
	r.mu.Unlock()

	if !stillOnline {
		r.metrics.ConnectionRemoved(context.Background())
		r.broadcaster.Announce(others, userID, false, &lastSeen)
	}
	return record, true
}

// FindByUserID returns the live record of a user
func (r *Registry) FindByUserID(userID string) (types.ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byUser[userID]
	if !ok {
		return types.ConnectionRecord{}, false
	}
	return e.record, true
}

// FindByConnectionID returns the record owning a connection
func (r *Registry) FindByConnectionID(connectionID string) (types.ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byConn[connectionID]
	if !ok {
		return types.ConnectionRecord{}, false
	}
	return e.record, true
}

// ConnectionFor returns the live connection of a user for delivery
func (r *Registry) ConnectionFor(userID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Connection returns the registered connection with the given ID
func (r *Registry) Connection(connectionID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byConn[connectionID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// IsOnline reports whether the user has a live record
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// OnlineUsers returns the online user IDs, sorted
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineUsersLocked()
}

// LastSeen returns when the user's last connection was removed
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastSeen[userID]
	return t, ok
}

// Snapshot returns the current online set and last-seen times of offline users
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Idle returns the IDs of connections inactive since before cutoff
func (r *Registry) Idle(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.byConn {
		if e.record.LastActiveAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections:     len(r.byConn),
		OnlineUsers:     len(r.byUser),
		LastSeenEntries: len(r.lastSeen),
	}
}

func (r *Registry) onlineUsersLocked() []string {
	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

func (r *Registry) snapshotLocked() *Snapshot {
	offline := make(map[string]time.Time)
	for userID, t := range r.lastSeen {
		if _, online := r.byUser[userID]; !online {
			offline[userID] = t
		}
	}
	return &Snapshot{
		OnlineUsers:     r.onlineUsersLocked(),
		OfflineLastSeen: offline,
	}
}

func (r *Registry) connectionsExceptLocked(userID string) []interfaces.Connection {
	conns := make([]interfaces.Connection, 0, len(r.byUser))
	for id, e := range r.byUser {
		if id != userID {
			conns = append(conns, e.conn)
		}
	}
	return conns
}
