// Package repository implements data persistence adapters
// Following Hexagonal Architecture: Adapters implement ports defined in core
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

// mysqlErrDuplicateEntry is ER_DUP_ENTRY
const mysqlErrDuplicateEntry = 1062

// isDuplicateKey reports a unique constraint violation
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry
}

// notFound maps sql.ErrNoRows to domain.ErrNotFound and wraps anything else
func notFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(*s)
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ============================================================================
// WebhookRepository Implementation
// ============================================================================

// Ensure WebhookLogRepository implements the port
var _ ports.WebhookRepository = (*WebhookLogRepository)(nil)

// WebhookLogRepository stores the raw webhook audit trail
type WebhookLogRepository struct {
	db *sql.DB
}

// NewWebhookLogRepository creates a new audit log repository
func NewWebhookLogRepository(db *sql.DB) *WebhookLogRepository {
	return &WebhookLogRepository{db: db}
}

// SaveLog persists a webhook event to the audit log and returns its id
func (r *WebhookLogRepository) SaveLog(ctx context.Context, log *domain.WebhookLog) (int64, error) {
	query := `
		INSERT INTO webhook_logs (platform, payload_json, status, retry_count, error_log, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		log.Platform,
		[]byte(log.PayloadJSON),
		log.Status,
		log.RetryCount,
		nullStringPtr(log.ErrorLog),
		log.CreatedAt,
	)
	if err != nil {
		slog.Error("Failed to save webhook log",
			"error", err,
			"platform", log.Platform,
		)
		return 0, fmt.Errorf("save webhook log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get webhook log id: %w", err)
	}
	log.ID = id

	slog.Debug("Webhook log saved",
		"webhook_id", id,
		"platform", log.Platform,
		"status", log.Status,
	)
	return id, nil
}

// UpdateStatus updates the processing status of a webhook log
func (r *WebhookLogRepository) UpdateStatus(ctx context.Context, id int64, status string, errorLog *string) error {
	query := `
		UPDATE webhook_logs
		SET status = ?, error_log = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, status, nullStringPtr(errorLog), id)
	if err != nil {
		return fmt.Errorf("update webhook status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		slog.Warn("No webhook log found for status update",
			"webhook_id", id,
		)
	}
	return nil
}

// PurgeBefore deletes settled logs older than cutoff in batches of limit rows
func (r *WebhookLogRepository) PurgeBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM webhook_logs
		WHERE status <> ? AND created_at < ?
		LIMIT ?
	`

	var total int64
	for {
		result, err := r.db.ExecContext(ctx, query, domain.WebhookStatusPending, cutoff, limit)
		if err != nil {
			return total, fmt.Errorf("purge webhook logs: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("purge webhook logs: %w", err)
		}
		total += rows
		if rows < int64(limit) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
