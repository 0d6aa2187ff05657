package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
)

// AttemptRepository persists provisioning attempts so pending ones survive a restart.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

const attemptColumns = `
	id, resource_id, external_id, cpu, ram_gb, storage_gb, address,
	poll_count, state, retry_scheduled, created_at, updated_at`

func (r *AttemptRepository) Create(ctx context.Context, a *models.ProvisioningAttempt) error {
	query := `
		INSERT INTO compute.provisioning_attempts (
			id, resource_id, external_id, cpu, ram_gb, storage_gb, address, poll_count, state, retry_scheduled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		a.ID, a.ResourceID, a.ExternalID, a.CPU, a.RAMGB, a.StorageGB, a.Address, a.PollCount, a.State, a.RetryScheduled,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// Update stores progress: address, poll count and state.
func (r *AttemptRepository) Update(ctx context.Context, a *models.ProvisioningAttempt) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE compute.provisioning_attempts
		SET address = $1, poll_count = $2, state = $3, updated_at = NOW()
		WHERE id = $4
	`, a.Address, a.PollCount, a.State, a.ID)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRetryScheduled flips retry_scheduled once. It returns false when it was already set,
// which is how callers guarantee a single deferred retry per attempt.
func (r *AttemptRepository) MarkRetryScheduled(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE compute.provisioning_attempts
		SET retry_scheduled = TRUE, state = $2, updated_at = NOW()
		WHERE id = $1 AND retry_scheduled = FALSE
	`, id, models.AttemptDeferredRetry)
	if err != nil {
		return false, fmt.Errorf("mark retry scheduled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AttemptRepository) GetLatestByResource(ctx context.Context, resourceID string) (*models.ProvisioningAttempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM compute.provisioning_attempts
		WHERE resource_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	return scanAttempt(r.pool.QueryRow(ctx, query, resourceID))
}

// ListPending returns attempts still waiting for a guest address.
func (r *AttemptRepository) ListPending(ctx context.Context) ([]*models.ProvisioningAttempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM compute.provisioning_attempts
		WHERE state IN ($1, $2)
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, models.AttemptAddressPending, models.AttemptDeferredRetry)
	if err != nil {
		return nil, fmt.Errorf("query pending attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.ProvisioningAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanAttempt(row pgx.Row) (*models.ProvisioningAttempt, error) {
	a := &models.ProvisioningAttempt{}
	err := row.Scan(
		&a.ID, &a.ResourceID, &a.ExternalID, &a.CPU, &a.RAMGB, &a.StorageGB, &a.Address,
		&a.PollCount, &a.State, &a.RetryScheduled, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	return a, nil
}
