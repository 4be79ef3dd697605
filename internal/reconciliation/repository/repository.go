package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/sagepilot/billing-engine/internal/reconciliation/domain"
	pkgdb "github.com/sagepilot/billing-engine/pkg/db"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO reconciliation_records (
			id, gateway, external_reference, ledger_invoice_id, workspace_id,
			amount, currency, status, attempts, last_error, raw_payload,
			received_at, updated_at, settled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (gateway, external_reference) DO NOTHING`,
		record.ID,
		record.Gateway,
		record.ExternalReference,
		record.LedgerInvoiceID,
		record.WorkspaceID,
		record.Amount,
		record.Currency,
		record.Status,
		record.Attempts,
		record.LastError,
		record.RawPayload,
		record.ReceivedAt,
		record.UpdatedAt,
		record.SettledAt,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, gateway, externalReference string) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT id, gateway, external_reference, ledger_invoice_id, workspace_id,
			amount, currency, status, attempts, last_error, raw_payload,
			received_at, updated_at, settled_at
		 FROM reconciliation_records
		 WHERE gateway = ? AND external_reference = ?
		 LIMIT 1`,
		gateway,
		externalReference,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) RecordAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, lastError string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE reconciliation_records
		 SET attempts = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		attempts,
		lastError,
		time.Now().UTC(),
		id,
	).Error
}

func (r *repo) MarkMatched(ctx context.Context, db *gorm.DB, id snowflake.ID, invoiceID, workspaceID string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE reconciliation_records
		 SET status = ?, ledger_invoice_id = ?, workspace_id = ?, updated_at = ?
		 WHERE id = ?`,
		domain.StatusMatched,
		invoiceID,
		workspaceID,
		time.Now().UTC(),
		id,
	).Error
}

func (r *repo) MarkSettled(ctx context.Context, db *gorm.DB, id snowflake.ID, settledAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE reconciliation_records
		 SET status = ?, last_error = '', settled_at = ?, updated_at = ?
		 WHERE id = ?`,
		domain.StatusSettled,
		settledAt,
		settledAt,
		id,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE reconciliation_records
		 SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		domain.StatusFailed,
		lastError,
		time.Now().UTC(),
		id,
	).Error
}

func (r *repo) ListFailed(ctx context.Context, db *gorm.DB, limit int) ([]domain.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT id, gateway, external_reference, ledger_invoice_id, workspace_id,
			amount, currency, status, attempts, last_error, raw_payload,
			received_at, updated_at, settled_at
		 FROM reconciliation_records
		 WHERE status = ?
		 ORDER BY updated_at DESC
		 LIMIT ?`,
		domain.StatusFailed,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
