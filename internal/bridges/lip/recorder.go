package lip

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// DiscoveryRecorder passively records integration IDs seen on the Lutron
// connection. It is called by the Bridge for every status report, building
// a database of known integration IDs over time.
//
// This lets commissioning map integration IDs to devices without a
// controller database export: leave the bridge running, operate the
// devices, and read the table.
//
// Thread Safety: All methods are safe for concurrent use.
type DiscoveryRecorder struct {
	db     *sql.DB
	logger Logger

	// Prepared upsert statement (created once, reused)
	upsertStmt *sql.Stmt
	stmtMu     sync.Mutex

	// Shutdown coordination
	closed bool
	mu     sync.RWMutex
}

// NewDiscoveryRecorder creates a recorder for integration IDs.
// The database must have the lutron_integration_ids table created.
func NewDiscoveryRecorder(db *sql.DB) *DiscoveryRecorder {
	return &DiscoveryRecorder{
		db: db,
	}
}

// SetLogger sets the logger for the recorder.
func (r *DiscoveryRecorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start prepares the recorder for use.
// Must be called before Record.
func (r *DiscoveryRecorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		return nil // Already started
	}

	stmt, err := r.db.Prepare(`
		INSERT INTO lutron_integration_ids (integration_id, mode, last_action, last_value, last_seen, message_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(integration_id) DO UPDATE SET
			mode = excluded.mode,
			last_action = excluded.last_action,
			last_value = excluded.last_value,
			last_seen = excluded.last_seen,
			message_count = message_count + 1
	`)
	if err != nil {
		return fmt.Errorf("preparing integration ID upsert statement: %w", err)
	}

	r.upsertStmt = stmt
	r.log("discovery recorder started")
	return nil
}

// Stop closes the recorder and releases resources.
func (r *DiscoveryRecorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		r.upsertStmt.Close()
		r.upsertStmt = nil
	}

	r.log("discovery recorder stopped")
}

// Record records the integration ID from a status report.
// Called by the Bridge for every Output/Input/Device message received.
// Messages without a positive integration ID are ignored.
func (r *DiscoveryRecorder) Record(msg LIPMessage) {
	if msg.IntegrationID < 1 {
		return
	}
	switch msg.Mode {
	case ModeOutput, ModeInput, ModeDevice:
	default:
		return
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.stmtMu.Lock()
	stmt := r.upsertStmt
	r.stmtMu.Unlock()

	if stmt == nil {
		return // Not started
	}

	value := ""
	if len(msg.Values) > 0 {
		value = msg.Values[0]
	}

	if _, err := stmt.Exec(msg.IntegrationID, msg.Mode.String(), msg.ActionNumber, value, time.Now().Unix()); err != nil {
		r.logError("recording integration ID", err)
	}
}

// IntegrationIDCount returns the number of discovered integration IDs.
func (r *DiscoveryRecorder) IntegrationIDCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lutron_integration_ids`).Scan(&count)
	return count, err
}

// DiscoveredID is one row from the discovery table.
type DiscoveredID struct {
	IntegrationID int
	Mode          string
	LastAction    int
	LastValue     string
	LastSeen      time.Time
	MessageCount  int
}

// DiscoveredIDs returns all discovered integration IDs, most recently
// seen first. Used by commissioning tooling.
func (r *DiscoveryRecorder) DiscoveredIDs(ctx context.Context) ([]DiscoveredID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT integration_id, mode, last_action, last_value, last_seen, message_count
		FROM lutron_integration_ids
		ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []DiscoveredID
	for rows.Next() {
		var d DiscoveredID
		var lastSeen int64
		if err := rows.Scan(&d.IntegrationID, &d.Mode, &d.LastAction, &d.LastValue, &lastSeen, &d.MessageCount); err != nil {
			return nil, err
		}
		d.LastSeen = time.Unix(lastSeen, 0)
		ids = append(ids, d)
	}

	return ids, rows.Err()
}

// log logs an info message if logger is set.
func (r *DiscoveryRecorder) log(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error if logger is set.
func (r *DiscoveryRecorder) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err)
	}
}
