package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS instances (
    name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    active_requests INTEGER NOT NULL DEFAULT 0,
    current_cpu REAL NOT NULL DEFAULT 0,
    current_memory REAL NOT NULL DEFAULT 0,
    current_disk REAL NOT NULL DEFAULT 0,
    healthy INTEGER NOT NULL DEFAULT 1,
    health_check_failures INTEGER NOT NULL DEFAULT 0,
    last_heartbeat INTEGER NOT NULL,
    last_request_at INTEGER,
    last_health_check INTEGER,
    draining INTEGER NOT NULL DEFAULT 0,
    draining_since INTEGER,
    threshold_crossed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_instances_selection
    ON instances(healthy, active_requests, last_heartbeat);

CREATE TABLE IF NOT EXISTS capacity (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    current_count INTEGER NOT NULL DEFAULT 0,
    max_count INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scaling_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    last_scale_up INTEGER NOT NULL DEFAULT 0,
    last_scale_down INTEGER NOT NULL DEFAULT 0
);
`

// Instance is one row of the instance table: everything the control plane
// knows about a worker container.
type Instance struct {
	Name                string    `json:"name"`
	CreatedAt           time.Time `json:"createdAt"`
	ActiveRequests      int       `json:"activeRequests"`
	CurrentCPU          float64   `json:"currentCpu"`
	CurrentMemory       float64   `json:"currentMemory"`
	CurrentDisk         float64   `json:"currentDisk"`
	Healthy             bool      `json:"healthy"`
	HealthCheckFailures int       `json:"healthCheckFailures"`
	LastHeartbeat       time.Time `json:"lastHeartbeat"`
	LastRequestAt       time.Time `json:"lastRequestAt,omitzero"`
	LastHealthCheck     time.Time `json:"lastHealthCheck,omitzero"`
	Draining            bool      `json:"draining"`
	DrainingSince       time.Time `json:"drainingSince,omitzero"`
	ThresholdCrossedAt  time.Time `json:"-"`
}

// Filter narrows ListInstances. The zero value returns every instance.
type Filter struct {
	HealthyOnly bool
	NotDraining bool
	// BelowCapacity > 0 keeps only instances with active_requests < the value.
	BelowCapacity int
}

// Registry is the persisted store of instance records, the capacity counter
// and the scaling timestamps. It is the only component that mutates durable
// state; every method other than Migrate is a single serializable SQLite
// statement, so readers observe each operation atomically.
type Registry struct {
	db *sql.DB
}

// Open opens (or creates) the registry database under dataDir.
func Open(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "registry.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// The registry is a single-writer store; one connection keeps every
	// statement serialized the way the actor model expects.
	db.SetMaxOpenConns(1)

	return &Registry{db: db}, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Migrate applies the schema and seeds the capacity counter so that
// current_count matches the surviving instance rows and max_count matches
// the configured cap. Safe to run on every start.
func (r *Registry) Migrate(ctx context.Context, maxInstances int) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply registry schema: %w", err)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO capacity (id, current_count, max_count)
		VALUES (1, (SELECT COUNT(*) FROM instances), ?)
		ON CONFLICT(id) DO UPDATE SET
		    current_count = (SELECT COUNT(*) FROM instances),
		    max_count = excluded.max_count`,
		maxInstances)
	if err != nil {
		return fmt.Errorf("failed to seed capacity counter: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scaling_state (id) VALUES (1)
		ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to seed scaling state: %w", err)
	}
	return nil
}

// RecordInstance upserts an instance row. On conflict the initial request
// count is added to the existing one and the heartbeat refreshed. Returns
// the request count before the add, so callers can detect capacity
// crossings.
func (r *Registry) RecordInstance(ctx context.Context, name string, initialRequests int, healthy bool, now time.Time) (previousRequests int, err error) {
	ms := unixMS(now)
	var after int
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO instances (name, created_at, active_requests, healthy, last_heartbeat, last_request_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
		    active_requests = instances.active_requests + excluded.active_requests,
		    healthy = excluded.healthy,
		    last_heartbeat = excluded.last_heartbeat,
		    last_request_at = excluded.last_request_at
		RETURNING active_requests`,
		name, ms, initialRequests, boolInt(healthy), ms, ms).Scan(&after)
	if err != nil {
		return 0, fmt.Errorf("failed to record instance %s: %w", name, err)
	}
	return after - initialRequests, nil
}

// IncrementRequests adds amount to an instance's active request counter and
// returns the count before the add.
func (r *Registry) IncrementRequests(ctx context.Context, name string, now time.Time, healthy bool, amount int) (previousRequests int, err error) {
	ms := unixMS(now)
	var after int
	err = r.db.QueryRowContext(ctx, `
		UPDATE instances SET
		    active_requests = active_requests + ?,
		    healthy = ?,
		    last_heartbeat = ?,
		    last_request_at = ?
		WHERE name = ?
		RETURNING active_requests`,
		amount, boolInt(healthy), ms, ms, name).Scan(&after)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("instance %s not found", name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment requests for %s: %w", name, err)
	}
	return after - amount, nil
}

// DecrementRequests decrements an instance's active request counter,
// clamping at zero. Missing rows are ignored: the instance may have been
// destroyed while the request was in flight.
func (r *Registry) DecrementRequests(ctx context.Context, name string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE instances SET
		    active_requests = MAX(0, active_requests - 1),
		    last_request_at = ?
		WHERE name = ?`,
		unixMS(now), name)
	if err != nil {
		return fmt.Errorf("failed to decrement requests for %s: %w", name, err)
	}
	return nil
}

// ListInstances returns instances matching the filter, least loaded first,
// ties broken by most recent heartbeat.
func (r *Registry) ListInstances(ctx context.Context, f Filter) ([]Instance, error) {
	q := `SELECT name, created_at, active_requests, current_cpu, current_memory, current_disk,
	             healthy, health_check_failures, last_heartbeat, last_request_at,
	             last_health_check, draining, draining_since, threshold_crossed_at
	      FROM instances WHERE 1=1`
	var args []any
	if f.HealthyOnly {
		q += ` AND healthy = 1`
	}
	if f.NotDraining {
		q += ` AND draining = 0`
	}
	if f.BelowCapacity > 0 {
		q += ` AND active_requests < ?`
		args = append(args, f.BelowCapacity)
	}
	q += ` ORDER BY active_requests ASC, last_heartbeat DESC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// InstanceCount returns the number of instances, optionally healthy only.
func (r *Registry) InstanceCount(ctx context.Context, healthyOnly bool) (int, error) {
	q := `SELECT COUNT(*) FROM instances`
	if healthyOnly {
		q += ` WHERE healthy = 1`
	}
	var n int
	if err := r.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}
	return n, nil
}

// GetInstance returns a single instance row by name.
func (r *Registry) GetInstance(ctx context.Context, name string) (*Instance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, created_at, active_requests, current_cpu, current_memory, current_disk,
		       healthy, health_check_failures, last_heartbeat, last_request_at,
		       last_health_check, draining, draining_since, threshold_crossed_at
		FROM instances WHERE name = ?`, name)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instance %s not found", name)
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// TryReserveSlot atomically claims one unit of fleet capacity. It returns
// false when the fleet is already at max_count. The conditional update is
// what makes concurrent triggers (request path and heartbeat) unable to
// exceed the cap.
func (r *Registry) TryReserveSlot(ctx context.Context) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE capacity SET current_count = current_count + 1
		WHERE id = 1 AND current_count < max_count`)
	if err != nil {
		return false, fmt.Errorf("failed to reserve capacity slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseSlot reverses a reservation, clamping at zero.
func (r *Registry) ReleaseSlot(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE capacity SET current_count = MAX(0, current_count - 1) WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to release capacity slot: %w", err)
	}
	return nil
}

// SyncCapacity resets current_count to the actual number of instance rows.
// Called after stale cleanup so reservations reflect reality again.
func (r *Registry) SyncCapacity(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE capacity SET current_count = (SELECT COUNT(*) FROM instances) WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to sync capacity: %w", err)
	}
	return nil
}

// Capacity returns the counter row.
func (r *Registry) Capacity(ctx context.Context) (current, max int, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT current_count, max_count FROM capacity WHERE id = 1`).
		Scan(&current, &max)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read capacity: %w", err)
	}
	return current, max, nil
}

// MarkThresholdCrossed stamps the per-instance edge trigger for metric
// scale-ups.
func (r *Registry) MarkThresholdCrossed(ctx context.Context, name string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE instances SET threshold_crossed_at = ? WHERE name = ?`,
		unixMS(now), name)
	if err != nil {
		return fmt.Errorf("failed to mark threshold crossing for %s: %w", name, err)
	}
	return nil
}

// UpdateMetrics stores the latest resource telemetry for an instance.
func (r *Registry) UpdateMetrics(ctx context.Context, name string, cpu, memory, disk float64, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE instances SET
		    current_cpu = ?, current_memory = ?, current_disk = ?, last_heartbeat = ?
		WHERE name = ?`,
		cpu, memory, disk, unixMS(now), name)
	if err != nil {
		return fmt.Errorf("failed to update metrics for %s: %w", name, err)
	}
	return nil
}

// UpdateHealth stores the outcome of a health check.
func (r *Registry) UpdateHealth(ctx context.Context, name string, healthy bool, failures int, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE instances SET healthy = ?, health_check_failures = ?, last_health_check = ?
		WHERE name = ?`,
		boolInt(healthy), failures, unixMS(now), name)
	if err != nil {
		return fmt.Errorf("failed to update health for %s: %w", name, err)
	}
	return nil
}

// UpdateHeartbeat refreshes an instance's keep-alive timestamp.
func (r *Registry) UpdateHeartbeat(ctx context.Context, name string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE instances SET last_heartbeat = ? WHERE name = ?`,
		unixMS(now), name)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat for %s: %w", name, err)
	}
	return nil
}

// MarkDraining flags an instance so the router stops selecting it. The
// draining_since stamp starts the drain timeout clock.
func (r *Registry) MarkDraining(ctx context.Context, name string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE instances SET draining = 1, draining_since = ? WHERE name = ?`,
		unixMS(now), name)
	if err != nil {
		return fmt.Errorf("failed to mark %s draining: %w", name, err)
	}
	return nil
}

// RemoveInstance deletes an instance row.
func (r *Registry) RemoveInstance(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM instances WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to remove instance %s: %w", name, err)
	}
	return nil
}

// RecordScaleUp stamps the fleet-wide scale-up timestamp.
func (r *Registry) RecordScaleUp(ctx context.Context, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scaling_state SET last_scale_up = ? WHERE id = 1`, unixMS(now))
	if err != nil {
		return fmt.Errorf("failed to record scale-up: %w", err)
	}
	return nil
}

// RecordScaleDown stamps the fleet-wide scale-down timestamp.
func (r *Registry) RecordScaleDown(ctx context.Context, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scaling_state SET last_scale_down = ? WHERE id = 1`, unixMS(now))
	if err != nil {
		return fmt.Errorf("failed to record scale-down: %w", err)
	}
	return nil
}

// LastScaleUp returns the fleet-wide scale-up timestamp (zero if never).
func (r *Registry) LastScaleUp(ctx context.Context) (time.Time, error) {
	var ms int64
	err := r.db.QueryRowContext(ctx, `SELECT last_scale_up FROM scaling_state WHERE id = 1`).Scan(&ms)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last scale-up: %w", err)
	}
	return timeFromMS(ms), nil
}

// LastScaleDown returns the fleet-wide scale-down timestamp (zero if never).
func (r *Registry) LastScaleDown(ctx context.Context) (time.Time, error) {
	var ms int64
	err := r.db.QueryRowContext(ctx, `SELECT last_scale_down FROM scaling_state WHERE id = 1`).Scan(&ms)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last scale-down: %w", err)
	}
	return timeFromMS(ms), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (Instance, error) {
	var (
		inst                            Instance
		createdAt, lastHeartbeat        int64
		healthy, draining               int
		lastRequestAt, lastHealthCheck  sql.NullInt64
		drainingSince, thresholdCrossed sql.NullInt64
	)
	err := row.Scan(&inst.Name, &createdAt, &inst.ActiveRequests,
		&inst.CurrentCPU, &inst.CurrentMemory, &inst.CurrentDisk,
		&healthy, &inst.HealthCheckFailures, &lastHeartbeat,
		&lastRequestAt, &lastHealthCheck, &draining, &drainingSince, &thresholdCrossed)
	if err != nil {
		return Instance{}, err
	}
	inst.CreatedAt = timeFromMS(createdAt)
	inst.LastHeartbeat = timeFromMS(lastHeartbeat)
	inst.Healthy = healthy != 0
	inst.Draining = draining != 0
	inst.LastRequestAt = nullTime(lastRequestAt)
	inst.LastHealthCheck = nullTime(lastHealthCheck)
	inst.DrainingSince = nullTime(drainingSince)
	inst.ThresholdCrossedAt = nullTime(thresholdCrossed)
	return inst, nil
}

func nullTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return timeFromMS(v.Int64)
}

func unixMS(t time.Time) int64 {
	return t.UnixMilli()
}

func timeFromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
