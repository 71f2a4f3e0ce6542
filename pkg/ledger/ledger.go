package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/si64-net/si64/pkg/model"
)

//go:embed migrations/*.sql
var fs embed.FS

// Ledger is the durable record of every settlement outcome and rental
// contract. A single writer mutex serializes mutations; sqlite handles
// concurrent readers on its own.
type Ledger struct {
	mtx  sync.RWMutex
	db   *sql.DB
	path string
}

type Params struct {
	DatabasePath string
}

// New opens (or creates) the ledger database and applies pending schema
// migrations.
func New(params Params) (*Ledger, error) {
	db, err := sql.Open("sqlite", params.DatabasePath)
	if err != nil {
		return nil, errors.Wrap(err, "opening ledger database")
	}
	// Writes are serialized in-process; one connection avoids sqlite
	// lock contention between pooled connections.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, errors.Wrap(err, "enabling WAL")
	}

	l := &Ledger{db: db, path: params.DatabasePath}
	if err := l.MigrateUp(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) getMigrations() (*migrate.Migrate, error) {
	files, err := iofs.New(fs, "migrations")
	if err != nil {
		return nil, err
	}
	return migrate.NewWithSourceInstance("iofs", files, "sqlite://"+l.path)
}

func (l *Ledger) MigrateUp() error {
	migrations, err := l.getMigrations()
	if err != nil {
		return err
	}
	defer migrations.Close()
	err = migrations.Up()
	if err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// RecordTransaction upserts a settlement row keyed by job id. Retrying a
// payout rewrites the same row, so one job is always exactly one row.
func (l *Ledger) RecordTransaction(ctx context.Context, rec model.TransactionRecord) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO transactions (job_id, node_id, wallet_address, amount, status, tx_signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT(job_id) DO UPDATE SET
			node_id = excluded.node_id,
			wallet_address = excluded.wallet_address,
			amount = excluded.amount,
			status = excluded.status,
			tx_signature = excluded.tx_signature,
			created_at = excluded.created_at`,
		rec.JobID, rec.NodeID, rec.Wallet, rec.Amount, rec.Status, rec.Signature, rec.CreatedAt,
	)
	return errors.Wrapf(err, "recording transaction for job %s", rec.JobID)
}

// Transaction returns the settlement row for a job, nil when none exists.
func (l *Ledger) Transaction(ctx context.Context, jobID string) (*model.TransactionRecord, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	row := l.db.QueryRowContext(ctx, `
		SELECT job_id, node_id, wallet_address, amount, status, tx_signature, created_at
		FROM transactions WHERE job_id = $1`, jobID)
	var rec model.TransactionRecord
	err := row.Scan(&rec.JobID, &rec.NodeID, &rec.Wallet, &rec.Amount, &rec.Status, &rec.Signature, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading transaction for job %s", jobID)
	}
	return &rec, nil
}

// RecordRental stores a rental contract. Contract ids are unique, a
// duplicate insert is an error.
func (l *Ledger) RecordRental(ctx context.Context, rec model.RentalRecord) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO rentals (contract_id, renter, hardware_class, hours, hourly_rate, total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ContractID, rec.Renter, rec.Hardware.String(), rec.Hours, rec.Rate, rec.Total, rec.CreatedAt,
	)
	return errors.Wrapf(err, "recording rental %s", rec.ContractID)
}

// TotalRevenue sums confirmed settlements and rental totals. Simulated
// signatures count as confirmed; they carry the CONFIRMED status too.
func (l *Ledger) TotalRevenue(ctx context.Context) (float64, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	var txSum, rentalSum sql.NullFloat64
	row := l.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM transactions WHERE status = $1`, model.SettlementConfirmed)
	if err := row.Scan(&txSum); err != nil {
		return 0, errors.Wrap(err, "summing transactions")
	}
	row = l.db.QueryRowContext(ctx, `SELECT SUM(total) FROM rentals`)
	if err := row.Scan(&rentalSum); err != nil {
		return 0, errors.Wrap(err, "summing rentals")
	}
	return txSum.Float64 + rentalSum.Float64, nil
}

// RecentActivity merges transactions and rentals into one feed, newest
// first.
func (l *Ledger) RecentActivity(ctx context.Context, limit int) ([]model.ActivityEntry, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	rows, err := l.db.QueryContext(ctx, `
		SELECT $1 AS kind, job_id AS reference, amount, status, created_at FROM transactions
		UNION ALL
		SELECT $2 AS kind, contract_id AS reference, total AS amount, 'CONFIRMED' AS status, created_at FROM rentals
		ORDER BY created_at DESC
		LIMIT $3`,
		model.ActivityTransaction, model.ActivityRental, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying recent activity")
	}
	defer rows.Close()

	var entries []model.ActivityEntry
	for rows.Next() {
		var e model.ActivityEntry
		if err := rows.Scan(&e.Kind, &e.Reference, &e.Amount, &e.Status, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning activity row")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MigrationReport summarizes a legacy import.
type MigrationReport struct {
	Migrated int
	Skipped  int
}

// MigrateLegacy imports rows from an old-format database whose payouts
// live in a `tx` table. Imported rows are tagged MIGRATED; rows whose job
// id already exists are skipped and counted, never overwritten.
func (l *Ledger) MigrateLegacy(ctx context.Context, legacyPath string) (MigrationReport, error) {
	var report MigrationReport

	legacy, err := sql.Open("sqlite", legacyPath)
	if err != nil {
		return report, errors.Wrap(err, "opening legacy database")
	}
	defer legacy.Close()

	rows, err := legacy.QueryContext(ctx,
		`SELECT job_id, node_id, wallet_address, amount, tx_signature, created_at FROM tx`)
	if err != nil {
		return report, errors.Wrap(err, "reading legacy tx table")
	}
	defer rows.Close()

	l.mtx.Lock()
	defer l.mtx.Unlock()

	for rows.Next() {
		var rec model.TransactionRecord
		var created string
		if err := rows.Scan(&rec.JobID, &rec.NodeID, &rec.Wallet, &rec.Amount, &rec.Signature, &created); err != nil {
			return report, errors.Wrap(err, "scanning legacy row")
		}
		rec.Status = model.SettlementMigrated
		rec.CreatedAt = parseLegacyTime(created)

		res, err := l.db.ExecContext(ctx, `
			INSERT INTO transactions (job_id, node_id, wallet_address, amount, status, tx_signature, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT(job_id) DO NOTHING`,
			rec.JobID, rec.NodeID, rec.Wallet, rec.Amount, rec.Status, rec.Signature, rec.CreatedAt,
		)
		if err != nil {
			return report, errors.Wrapf(err, "importing legacy job %s", rec.JobID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			report.Skipped++
			continue
		}
		report.Migrated++
	}
	if err := rows.Err(); err != nil {
		return report, err
	}

	log.Ctx(ctx).Info().
		Int("Migrated", report.Migrated).
		Int("Skipped", report.Skipped).
		Msg(fmt.Sprintf("legacy import from %s complete", legacyPath))
	return report, nil
}

func parseLegacyTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
