// Package store persists customer bindings, subscription snapshots, trial
// usage, and audit records in a local SQLite database. The snapshot table is
// a derived read cache: the payment processor remains the source of truth.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides CRUD operations for billing records backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the billing database in dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bindings (
		org_id                       TEXT PRIMARY KEY,
		stripe_customer_id           TEXT NOT NULL DEFAULT '',
		pending_checkout_session_id  TEXT NOT NULL DEFAULT '',
		pending_price_id             TEXT NOT NULL DEFAULT '',
		created_at                   INTEGER NOT NULL,
		updated_at                   INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bindings_stripe_customer_id
		ON bindings(stripe_customer_id) WHERE stripe_customer_id != '';

	CREATE TABLE IF NOT EXISTS snapshots (
		stripe_customer_id     TEXT NOT NULL,
		stripe_subscription_id TEXT NOT NULL,
		status                 TEXT NOT NULL,
		price_id               TEXT NOT NULL DEFAULT '',
		tier                   TEXT NOT NULL DEFAULT 'personal',
		billing_interval       TEXT NOT NULL DEFAULT 'month',
		current_period_start   INTEGER NOT NULL DEFAULT 0,
		current_period_end     INTEGER NOT NULL DEFAULT 0,
		cancel_at_period_end   INTEGER NOT NULL DEFAULT 0,
		cancel_at              INTEGER,
		trial_start            INTEGER,
		trial_end              INTEGER,
		payment_method_brand   TEXT NOT NULL DEFAULT '',
		payment_method_last4   TEXT NOT NULL DEFAULT '',
		schedule_id            TEXT NOT NULL DEFAULT '',
		scheduled_price_id     TEXT NOT NULL DEFAULT '',
		quantity               INTEGER NOT NULL DEFAULT 1,
		remote_created_at      INTEGER NOT NULL DEFAULT 0,
		updated_at             INTEGER NOT NULL,
		PRIMARY KEY (stripe_customer_id, stripe_subscription_id)
	);

	CREATE TABLE IF NOT EXISTS trial_usage (
		org_id           TEXT PRIMARY KEY,
		trial_started_at INTEGER NOT NULL,
		trial_ends_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_records (
		id         TEXT PRIMARY KEY,
		org_id     TEXT NOT NULL,
		action     TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_org_id ON audit_records(org_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init billing schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetBinding retrieves the customer binding for an organization, or nil if
// none exists.
func (s *Store) GetBinding(orgID string) (*Binding, error) {
	row := s.db.QueryRow(`SELECT
		org_id, stripe_customer_id, pending_checkout_session_id, pending_price_id,
		created_at, updated_at
		FROM bindings WHERE org_id = ?`, orgID)
	return scanBinding(row)
}

// GetBindingByCustomerID retrieves the binding for an external customer, or
// nil if none exists.
func (s *Store) GetBindingByCustomerID(customerID string) (*Binding, error) {
	row := s.db.QueryRow(`SELECT
		org_id, stripe_customer_id, pending_checkout_session_id, pending_price_id,
		created_at, updated_at
		FROM bindings WHERE stripe_customer_id = ?`, customerID)
	return scanBinding(row)
}

// UpsertBinding creates or re-points the binding for an organization. The
// binding write is the one local mutation allowed before a remote call
// succeeds: it is safe to retry.
func (s *Store) UpsertBinding(orgID, customerID string) (*Binding, error) {
	if orgID == "" {
		return nil, fmt.Errorf("org id is required")
	}
	now := time.Now().UTC().Unix()
	_, err := s.db.Exec(`
		INSERT INTO bindings (org_id, stripe_customer_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(org_id) DO UPDATE SET
			stripe_customer_id = excluded.stripe_customer_id,
			updated_at = excluded.updated_at`,
		orgID, customerID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert binding: %w", err)
	}
	return s.GetBinding(orgID)
}

// SetPendingCheckout records an in-flight checkout session on the binding.
func (s *Store) SetPendingCheckout(orgID, sessionID, priceID string) error {
	res, err := s.db.Exec(`
		UPDATE bindings SET
			pending_checkout_session_id = ?, pending_price_id = ?, updated_at = ?
		WHERE org_id = ?`,
		sessionID, priceID, time.Now().UTC().Unix(), orgID,
	)
	if err != nil {
		return fmt.Errorf("set pending checkout: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("binding for org %q not found", orgID)
	}
	return nil
}

// ClearPendingCheckout removes any pending checkout marker from the binding.
func (s *Store) ClearPendingCheckout(orgID string) error {
	_, err := s.db.Exec(`
		UPDATE bindings SET
			pending_checkout_session_id = '', pending_price_id = '', updated_at = ?
		WHERE org_id = ?`,
		time.Now().UTC().Unix(), orgID,
	)
	if err != nil {
		return fmt.Errorf("clear pending checkout: %w", err)
	}
	return nil
}

// ReplaceSnapshots atomically replaces every snapshot row for a customer with
// the given set. Full replacement avoids partial-update drift.
func (s *Store) ReplaceSnapshots(customerID string, snapshots []*Snapshot) error {
	if customerID == "" {
		return fmt.Errorf("customer id is required")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM snapshots WHERE stripe_customer_id = ?`, customerID); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}

	now := time.Now().UTC()
	for _, snap := range snapshots {
		if snap == nil {
			continue
		}
		snap.StripeCustomerID = customerID
		snap.UpdatedAt = now
		if _, err := tx.Exec(`
			INSERT INTO snapshots (
				stripe_customer_id, stripe_subscription_id, status, price_id,
				tier, billing_interval, current_period_start, current_period_end,
				cancel_at_period_end, cancel_at, trial_start, trial_end,
				payment_method_brand, payment_method_last4, schedule_id,
				scheduled_price_id, quantity, remote_created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.StripeCustomerID, snap.StripeSubscriptionID, string(snap.Status), snap.PriceID,
			snap.Tier, snap.BillingInterval, snap.CurrentPeriodStart, snap.CurrentPeriodEnd,
			boolToInt(snap.CancelAtPeriodEnd), snap.CancelAt, snap.TrialStart, snap.TrialEnd,
			snap.PaymentMethodBrand, snap.PaymentMethodLast4, snap.ScheduleID,
			snap.ScheduledPriceID, snap.Quantity, snap.RemoteCreatedAt, now.Unix(),
		); err != nil {
			return fmt.Errorf("insert snapshot %s: %w", snap.StripeSubscriptionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot replace: %w", err)
	}
	return nil
}

// GetSnapshots returns all snapshot rows for a customer, most recently
// created subscription first. The ordering is the tie-break contract when
// multiple qualifying subscriptions transiently exist.
func (s *Store) GetSnapshots(customerID string) ([]*Snapshot, error) {
	rows, err := s.db.Query(`SELECT
		stripe_customer_id, stripe_subscription_id, status, price_id,
		tier, billing_interval, current_period_start, current_period_end,
		cancel_at_period_end, cancel_at, trial_start, trial_end,
		payment_method_brand, payment_method_last4, schedule_id,
		scheduled_price_id, quantity, remote_created_at, updated_at
		FROM snapshots WHERE stripe_customer_id = ?
		ORDER BY remote_created_at DESC, stripe_subscription_id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// GetTrialUsage returns the trial usage record for an organization, or nil.
func (s *Store) GetTrialUsage(orgID string) (*TrialUsage, error) {
	row := s.db.QueryRow(`SELECT org_id, trial_started_at, trial_ends_at
		FROM trial_usage WHERE org_id = ?`, orgID)

	var u TrialUsage
	if err := row.Scan(&u.OrgID, &u.TrialStartedAt, &u.TrialEndsAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan trial usage: %w", err)
	}
	return &u, nil
}

// RecordTrialUsage marks an organization's one-ever trial as consumed.
// The row is insert-only: a second insert fails.
func (s *Store) RecordTrialUsage(orgID string, startedAt, endsAt int64) error {
	if orgID == "" {
		return fmt.Errorf("org id is required")
	}
	if _, err := s.db.Exec(`
		INSERT INTO trial_usage (org_id, trial_started_at, trial_ends_at)
		VALUES (?, ?, ?)`,
		orgID, startedAt, endsAt,
	); err != nil {
		return fmt.Errorf("record trial usage: %w", err)
	}
	return nil
}

// AppendAudit inserts an audit record.
func (s *Store) AppendAudit(rec *AuditRecord) error {
	if rec == nil {
		return fmt.Errorf("audit record is nil")
	}
	if rec.ID == "" {
		rec.ID = NewAuditID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.Exec(`
		INSERT INTO audit_records (id, org_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.OrgID, rec.Action, rec.Detail, rec.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// ListAuditByOrg returns the most recent audit records for an organization.
func (s *Store) ListAuditByOrg(orgID string, limit int) ([]*AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, org_id, action, detail, created_at
		FROM audit_records WHERE org_id = ?
		ORDER BY id DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.OrgID, &rec.Action, &rec.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBinding(sc scanner) (*Binding, error) {
	var b Binding
	var createdAt, updatedAt int64
	err := sc.Scan(
		&b.OrgID, &b.StripeCustomerID, &b.PendingCheckoutSessionID, &b.PendingPriceID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan binding: %w", err)
	}
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	b.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &b, nil
}

func scanSnapshot(sc scanner) (*Snapshot, error) {
	var snap Snapshot
	var status string
	var cancelAtPeriodEnd int
	var cancelAt, trialStart, trialEnd sql.NullInt64
	var updatedAt int64

	err := sc.Scan(
		&snap.StripeCustomerID, &snap.StripeSubscriptionID, &status, &snap.PriceID,
		&snap.Tier, &snap.BillingInterval, &snap.CurrentPeriodStart, &snap.CurrentPeriodEnd,
		&cancelAtPeriodEnd, &cancelAt, &trialStart, &trialEnd,
		&snap.PaymentMethodBrand, &snap.PaymentMethodLast4, &snap.ScheduleID,
		&snap.ScheduledPriceID, &snap.Quantity, &snap.RemoteCreatedAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}

	snap.Status = SubscriptionStatus(status)
	snap.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	snap.CancelAt = nullableInt64(cancelAt)
	snap.TrialStart = nullableInt64(trialStart)
	snap.TrialEnd = nullableInt64(trialEnd)
	snap.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &snap, nil
}

func nullableInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
