package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrNotAllocated = errors.New("not allocated")
)

const resourceColumns = `
	id, external_id, owner_id, name, cpu, ram_gb, storage_gb, os_family,
	available, status, address, username, password, protocol,
	lease_start, duration_hours, created_at, updated_at`

type ResourceRepository struct {
	pool *pgxpool.Pool
}

func NewResourceRepository(pool *pgxpool.Pool) *ResourceRepository {
	return &ResourceRepository{pool: pool}
}

// Create inserts a new resource. Capacity columns are never updated afterwards.
func (r *ResourceRepository) Create(ctx context.Context, res *models.Resource) error {
	query := `
		INSERT INTO compute.resources (
			id, external_id, owner_id, name, cpu, ram_gb, storage_gb, os_family,
			available, status, address, username, password, protocol,
			lease_start, duration_hours
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
		RETURNING created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		res.ID, res.ExternalID, res.OwnerID, res.Name, res.CPU, res.RAMGB, res.StorageGB, res.OSFamily,
		res.Available, res.Status, res.Address, res.Username, res.Password, res.Protocol,
		res.LeaseStart, res.DurationHours,
	).Scan(&res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}

	return nil
}

// GetByID retrieves a resource by ID
func (r *ResourceRepository) GetByID(ctx context.Context, id string) (*models.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM compute.resources WHERE id = $1`
	return scanResource(r.pool.QueryRow(ctx, query, id))
}

// GetByIDs retrieves every resource in ids; missing ids are simply absent from the result.
func (r *ResourceRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM compute.resources WHERE id = ANY($1)`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	return scanResources(rows)
}

// List returns all resources, newest first.
func (r *ResourceRepository) List(ctx context.Context) ([]*models.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM compute.resources ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	return scanResources(rows)
}

// ListLeased returns resources that currently carry a lease.
func (r *ResourceRepository) ListLeased(ctx context.Context) ([]*models.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM compute.resources WHERE lease_start IS NOT NULL`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query leased resources: %w", err)
	}
	defer rows.Close()

	return scanResources(rows)
}

// SetConnectionDetails stores how to reach the resource.
func (r *ResourceRepository) SetConnectionDetails(ctx context.Context, id string, details *models.ConnectionDetails) error {
	query := `
		UPDATE compute.resources
		SET address = $1, username = $2, password = $3, protocol = $4, updated_at = NOW()
		WHERE id = $5
	`
	tag, err := r.pool.Exec(ctx, query, details.Address, details.Username, details.Password, details.Protocol, id)
	if err != nil {
		return fmt.Errorf("update connection details: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates the Active/Inactive lifecycle status.
func (r *ResourceRepository) SetStatus(ctx context.Context, id, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE compute.resources SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// referencedQuery is true while an order lists the resource or a client still holds it.
const referencedQuery = `SELECT EXISTS (SELECT 1 FROM compute.order_resources WHERE resource_id = $1)
	OR EXISTS (SELECT 1 FROM compute.client_allocations WHERE resource_id = $1)`

// IsReferenced reports whether any order lists the resource or any client holds it.
func (r *ResourceRepository) IsReferenced(ctx context.Context, id string) (bool, error) {
	var referenced bool
	err := r.pool.QueryRow(ctx, referencedQuery, id).Scan(&referenced)
	if err != nil {
		return false, fmt.Errorf("check references: %w", err)
	}
	return referenced, nil
}

// Delete removes a resource unless an order references it or a client holds it.
func (r *ResourceRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var referenced bool
	err = tx.QueryRow(ctx, referencedQuery, id).Scan(&referenced)
	if err != nil {
		return fmt.Errorf("check references: %w", err)
	}
	if referenced {
		return ErrConflict
	}

	tag, err := tx.Exec(ctx, `DELETE FROM compute.resources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

func scanResource(row pgx.Row) (*models.Resource, error) {
	res := &models.Resource{}
	err := row.Scan(
		&res.ID, &res.ExternalID, &res.OwnerID, &res.Name, &res.CPU, &res.RAMGB, &res.StorageGB, &res.OSFamily,
		&res.Available, &res.Status, &res.Address, &res.Username, &res.Password, &res.Protocol,
		&res.LeaseStart, &res.DurationHours, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan resource: %w", err)
	}
	return res, nil
}

func scanResources(rows pgx.Rows) ([]*models.Resource, error) {
	var resources []*models.Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource row: %w", err)
		}
		resources = append(resources, res)
	}
	return resources, rows.Err()
}
