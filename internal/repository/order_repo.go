package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
)

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create inserts an order and its resource references.
func (r *OrderRepository) Create(ctx context.Context, o *models.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO compute.orders (
			id, client_id, order_date, status, payment_validated, total_amount, delivery_address
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		o.ID, o.ClientID, o.OrderDate, o.Status, o.PaymentValidated, o.TotalAmount, o.DeliveryAddress,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	if err := replaceOrderResources(ctx, tx, o.ID, o.ResourceIDs); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetByID retrieves an order with its resource references.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	query := `
		SELECT id, client_id, order_date, status, payment_validated, total_amount::float8,
		       delivery_address, created_at, updated_at
		FROM compute.orders
		WHERE id = $1
	`
	o, err := scanOrder(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	o.ResourceIDs, err = r.resourceIDs(ctx, r.pool, o.ID)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ListByClient returns a client's orders, newest first.
func (r *OrderRepository) ListByClient(ctx context.Context, clientID string) ([]*models.Order, error) {
	query := `
		SELECT id, client_id, order_date, status, payment_validated, total_amount::float8,
		       delivery_address, created_at, updated_at
		FROM compute.orders
		WHERE client_id = $1
		ORDER BY order_date DESC
	`
	rows, err := r.pool.Query(ctx, query, clientID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}

	for _, o := range orders {
		if o.ResourceIDs, err = r.resourceIDs(ctx, r.pool, o.ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// Update persists every mutable field of the order, including its resource list.
func (r *OrderRepository) Update(ctx context.Context, o *models.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateOrderRow(ctx, tx, o); err != nil {
		return err
	}
	if err := replaceOrderResources(ctx, tx, o.ID, o.ResourceIDs); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SetPaymentValidated records the payment subsystem's verdict.
func (r *OrderRepository) SetPaymentValidated(ctx context.Context, id string, validated bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE compute.orders SET payment_validated = $1, updated_at = NOW() WHERE id = $2`, validated, id)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the order. Allocations made through it are kept until released.
func (r *OrderRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM compute.orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Accept allocates every referenced resource and marks the order accepted in one transaction.
// Each resource is flipped with a conditional update; if any of them is neither available nor
// already allocated through this order, the whole transaction is rolled back and ErrConflict
// is returned.
func (r *OrderRepository) Accept(ctx context.Context, o *models.Order, now time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM compute.orders WHERE id = $1 FOR UPDATE`, o.ID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock order: %w", err)
	}
	if status == models.OrderStatusAccepted {
		return ErrConflict
	}

	for _, resourceID := range o.ResourceIDs {
		tag, err := tx.Exec(ctx, `
			UPDATE compute.resources
			SET available = FALSE, lease_start = COALESCE(lease_start, $2), updated_at = NOW()
			WHERE id = $1
			  AND (available = TRUE OR EXISTS (
				SELECT 1 FROM compute.client_allocations ca
				WHERE ca.resource_id = $1 AND ca.order_id = $3
			  ))
		`, resourceID, now, o.ID)
		if err != nil {
			return fmt.Errorf("allocate resource %s: %w", resourceID, err)
		}
		if tag.RowsAffected() != 1 {
			return ErrConflict
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO compute.client_allocations (client_id, resource_id, order_id, allocated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
		`, o.ClientID, resourceID, o.ID, now)
		if err != nil {
			return fmt.Errorf("record allocation: %w", err)
		}
	}

	o.Status = models.OrderStatusAccepted
	if err := updateOrderRow(ctx, tx, o); err != nil {
		return err
	}
	if err := replaceOrderResources(ctx, tx, o.ID, o.ResourceIDs); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Release ends clientID's hold on resourceID: the resource is detached from the client's accepted
// orders and the client's allocation rows are dropped. Allocations outlive order edits and
// deletion, so a hold is found through either. The resource goes back to the pool once no
// client holds an allocation on it.
func (r *OrderRepository) Release(ctx context.Context, clientID, resourceID string) (detached int, freed bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serializes concurrent releases of the same resource.
	var id string
	err = tx.QueryRow(ctx, `SELECT id FROM compute.resources WHERE id = $1 FOR UPDATE`, resourceID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, fmt.Errorf("lock resource: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM compute.order_resources orr
		USING compute.orders o
		WHERE orr.order_id = o.id
		  AND o.client_id = $1
		  AND o.status = $2
		  AND orr.resource_id = $3
	`, clientID, models.OrderStatusAccepted, resourceID)
	if err != nil {
		return 0, false, fmt.Errorf("detach resource: %w", err)
	}
	detached = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx, `DELETE FROM compute.client_allocations WHERE client_id = $1 AND resource_id = $2`, clientID, resourceID)
	if err != nil {
		return 0, false, fmt.Errorf("drop allocation: %w", err)
	}
	if detached == 0 && tag.RowsAffected() == 0 {
		return 0, false, ErrNotAllocated
	}

	var stillHeld bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM compute.client_allocations WHERE resource_id = $1)`, resourceID,
	).Scan(&stillHeld)
	if err != nil {
		return 0, false, fmt.Errorf("count holders: %w", err)
	}

	if !stillHeld {
		tag, err := tx.Exec(ctx, `
			UPDATE compute.resources
			SET available = TRUE, lease_start = NULL, updated_at = NOW()
			WHERE id = $1 AND available = FALSE
		`, resourceID)
		if err != nil {
			return 0, false, fmt.Errorf("return resource to pool: %w", err)
		}
		freed = tag.RowsAffected() == 1
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit release: %w", err)
	}
	return detached, freed, nil
}

// Holds reports whether the client holds an allocation on the resource.
func (r *OrderRepository) Holds(ctx context.Context, clientID, resourceID string) (bool, error) {
	var held bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM compute.client_allocations
			WHERE client_id = $1 AND resource_id = $2
		)
	`, clientID, resourceID).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("check allocation: %w", err)
	}
	return held, nil
}

// ListAllocations returns the client's allocated-resources record.
func (r *OrderRepository) ListAllocations(ctx context.Context, clientID string) ([]*models.Allocation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT client_id, resource_id::text, order_id::text, allocated_at
		FROM compute.client_allocations
		WHERE client_id = $1
		ORDER BY allocated_at DESC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var allocations []*models.Allocation
	for rows.Next() {
		a := &models.Allocation{}
		if err := rows.Scan(&a.ClientID, &a.ResourceID, &a.OrderID, &a.AllocatedAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

// AllocatedByOrder returns the resources currently allocated through the order.
func (r *OrderRepository) AllocatedByOrder(ctx context.Context, orderID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT resource_id::text FROM compute.client_allocations WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order allocations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order allocation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *OrderRepository) resourceIDs(ctx context.Context, q querier, orderID string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT resource_id::text FROM compute.order_resources WHERE order_id = $1 ORDER BY position`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order resources: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order resource: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func updateOrderRow(ctx context.Context, tx pgx.Tx, o *models.Order) error {
	tag, err := tx.Exec(ctx, `
		UPDATE compute.orders SET
			client_id = $1,
			order_date = $2,
			status = $3,
			payment_validated = $4,
			total_amount = $5,
			delivery_address = $6,
			updated_at = NOW()
		WHERE id = $7
	`, o.ClientID, o.OrderDate, o.Status, o.PaymentValidated, o.TotalAmount, o.DeliveryAddress, o.ID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func replaceOrderResources(ctx context.Context, tx pgx.Tx, orderID string, resourceIDs []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM compute.order_resources WHERE order_id = $1`, orderID); err != nil {
		return fmt.Errorf("clear order resources: %w", err)
	}
	for i, resourceID := range resourceIDs {
		_, err := tx.Exec(ctx, `
			INSERT INTO compute.order_resources (order_id, resource_id, position)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, orderID, resourceID, i)
		if err != nil {
			return fmt.Errorf("insert order resource: %w", err)
		}
	}
	return nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(
		&o.ID, &o.ClientID, &o.OrderDate, &o.Status, &o.PaymentValidated, &o.TotalAmount,
		&o.DeliveryAddress, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return o, nil
}
