package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// AuditRepository stores the per-resource lifecycle trail in compute.resource_logs.
type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Append writes one entry. ID and CreatedAt are filled in when empty; Details goes to the
// JSONB column as-is.
func (r *AuditRepository) Append(ctx context.Context, entry *models.ResourceLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	details := entry.Details
	if details == nil {
		details = map[string]interface{}{}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO compute.resource_logs (id, resource_id, action, status, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.ResourceID, entry.Action, entry.Status, entry.Message, details, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append %s for %s: %w", entry.Action, entry.ResourceID, err)
	}
	return nil
}

// History returns up to limit entries for the resource, newest first. Out-of-range limits fall
// back to the default.
func (r *AuditRepository) History(ctx context.Context, resourceID string, limit int) ([]*models.ResourceLog, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id::text, resource_id::text, action, status, message, details, created_at
		FROM compute.resource_logs
		WHERE resource_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history of %s: %w", resourceID, err)
	}
	defer rows.Close()

	entries := []*models.ResourceLog{}
	for rows.Next() {
		e := &models.ResourceLog{}
		if err := rows.Scan(&e.ID, &e.ResourceID, &e.Action, &e.Status, &e.Message, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
