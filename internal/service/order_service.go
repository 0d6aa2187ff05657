package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/apperror"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/logger"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/metrics"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/repository"
)

// OrderService manages orders and the allocation of their resources on acceptance.
type OrderService struct {
	orders    OrderStore
	resources ResourceStore
	logs      AuditLog
	notifier  Notifier
	logger    *logger.Logger
	now       func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(orders OrderStore, resources ResourceStore, logs AuditLog, notifier Notifier, log *logger.Logger) *OrderService {
	return &OrderService{
		orders:    orders,
		resources: resources,
		logs:      logs,
		notifier:  notifier,
		logger:    log.With("order"),
		now:       time.Now,
	}
}

// SetClock overrides the time source used for order dates and lease starts.
func (s *OrderService) SetClock(now func() time.Time) {
	s.now = now
}

// Create records a checkout. The order starts as "non traité".
func (s *OrderService) Create(ctx context.Context, clientID string, req *models.CreateOrderRequest) (*models.Order, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	ids := dedupe(req.ResourceIDs)
	if err := s.ensureResourcesExist(ctx, ids); err != nil {
		return nil, err
	}

	o := &models.Order{
		ID:              uuid.New().String(),
		ClientID:        clientID,
		OrderDate:       s.now().UTC(),
		Status:          models.OrderStatusSubmitted,
		TotalAmount:     req.TotalAmount,
		DeliveryAddress: req.DeliveryAddress,
		ResourceIDs:     ids,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, apperror.Internal("create order", err)
	}

	s.logger.Infof("Order %s created by %s with %d resources", o.ID, clientID, len(ids))
	return o, nil
}

func (s *OrderService) Get(ctx context.Context, id string) (*models.Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(err, "order")
	}
	return o, nil
}

// GetForClient hides other clients' orders behind NOT_FOUND.
func (s *OrderService) GetForClient(ctx context.Context, id, clientID string) (*models.Order, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.ClientID != clientID {
		return nil, apperror.NotFound("order")
	}
	return o, nil
}

func (s *OrderService) ListByClient(ctx context.Context, clientID string) ([]*models.Order, error) {
	orders, err := s.orders.ListByClient(ctx, clientID)
	if err != nil {
		return nil, storeError(err, "orders")
	}
	return orders, nil
}

// Accept allocates every resource of the order to its client. Either all resources are
// allocated and the order is accepted, or nothing changes. Accepting an accepted order is a
// no-op.
func (s *OrderService) Accept(ctx context.Context, id string) (*models.Order, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status == models.OrderStatusAccepted {
		return o, nil
	}
	if err := s.accept(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// accept validates and commits acceptance of o, which may carry unsaved field changes.
func (s *OrderService) accept(ctx context.Context, o *models.Order) error {
	if len(o.ResourceIDs) == 0 {
		metrics.RecordOrderAcceptance("rejected")
		return apperror.PreconditionFailed("order has no resources")
	}

	resources, err := s.loadResources(ctx, o.ResourceIDs)
	if err != nil {
		return err
	}

	if !o.PaymentValidated {
		metrics.RecordOrderAcceptance("rejected")
		return apperror.PreconditionFailed("payment has not been validated")
	}

	allocated, err := s.orders.AllocatedByOrder(ctx, o.ID)
	if err != nil {
		return apperror.Internal("load order allocations", err)
	}
	ownedByOrder := make(map[string]bool, len(allocated))
	for _, id := range allocated {
		ownedByOrder[id] = true
	}

	var unavailable []string
	for _, id := range o.ResourceIDs {
		if !resources[id].Available && !ownedByOrder[id] {
			unavailable = append(unavailable, id)
		}
	}
	if len(unavailable) > 0 {
		metrics.RecordOrderAcceptance("rejected")
		return apperror.PreconditionFailed("resources not available: " + strings.Join(unavailable, ", "))
	}

	if err := s.orders.Accept(ctx, o, s.now().UTC()); err != nil {
		metrics.RecordOrderAcceptance("conflict")
		switch {
		case errors.Is(err, repository.ErrConflict):
			return apperror.PreconditionFailed("a resource was allocated concurrently; order left unchanged")
		case errors.Is(err, repository.ErrNotFound):
			return apperror.NotFound("order")
		default:
			return apperror.Internal("accept order", err)
		}
	}
	metrics.RecordOrderAcceptance("accepted")
	s.logger.Infof("Order %s accepted for %s", o.ID, o.ClientID)

	for _, id := range o.ResourceIDs {
		res := resources[id]
		audit(ctx, s.logs, s.logger, id, "allocated", "leased",
			fmt.Sprintf("Allocated to %s by order %s", o.ClientID, o.ID),
			map[string]interface{}{"order_id": o.ID, "client_id": o.ClientID})
		if err := s.notifier.NotifyAllocated(ctx, o.ClientID, res.Name); err != nil {
			s.logger.WarnWithErr(err, fmt.Sprintf("Failed to notify %s about %s", o.ClientID, res.Name))
		}
	}
	return nil
}

// Update applies a partial update. Switching the status to "accepté" runs the acceptance path
// on the merged order, so either everything is saved or nothing is.
func (s *OrderService) Update(ctx context.Context, id string, req *models.UpdateOrderRequest) (*models.Order, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := *o
	merged.ResourceIDs = append([]string(nil), o.ResourceIDs...)

	if req.ClientID != nil {
		if strings.TrimSpace(*req.ClientID) == "" {
			return nil, apperror.Validation("client_id must not be empty")
		}
		if *req.ClientID != o.ClientID {
			held, err := s.orders.AllocatedByOrder(ctx, o.ID)
			if err != nil {
				return nil, apperror.Internal("load order allocations", err)
			}
			if len(held) > 0 {
				return nil, apperror.PreconditionFailed("the client of an order holding resources changes only after they are released")
			}
		}
		merged.ClientID = *req.ClientID
	}
	if req.DateCommande != nil {
		date, err := parseOrderDate(*req.DateCommande)
		if err != nil {
			return nil, err
		}
		merged.OrderDate = date
	}
	if req.DeliveryAddress != nil {
		merged.DeliveryAddress = *req.DeliveryAddress
	}
	if req.TotalAmount != nil {
		if *req.TotalAmount < 0 {
			return nil, apperror.Validation("total_amount must not be negative")
		}
		merged.TotalAmount = *req.TotalAmount
	}
	if req.Status != nil && !models.ValidOrderStatus(*req.Status) {
		return nil, apperror.Validation(fmt.Sprintf("unknown order status %q", *req.Status))
	}
	if req.ResourceIDs != nil {
		if o.Status == models.OrderStatusAccepted {
			return nil, apperror.PreconditionFailed("resources of an accepted order change only through release")
		}
		ids := dedupe(*req.ResourceIDs)
		for _, rid := range ids {
			if _, err := uuid.Parse(rid); err != nil {
				return nil, apperror.Validation(fmt.Sprintf("resource id %q is not a uuid", rid))
			}
		}
		if err := s.ensureResourcesExist(ctx, ids); err != nil {
			return nil, err
		}
		merged.ResourceIDs = ids
	}

	if req.Status != nil && *req.Status == models.OrderStatusAccepted && o.Status != models.OrderStatusAccepted {
		if err := s.accept(ctx, &merged); err != nil {
			return nil, err
		}
		return &merged, nil
	}

	if req.Status != nil {
		merged.Status = *req.Status
	}
	if err := s.orders.Update(ctx, &merged); err != nil {
		return nil, storeError(err, "order")
	}
	return &merged, nil
}

// SetPaymentValidated records the payment subsystem's verdict.
func (s *OrderService) SetPaymentValidated(ctx context.Context, id string, validated bool) (*models.Order, error) {
	if err := s.orders.SetPaymentValidated(ctx, id, validated); err != nil {
		return nil, storeError(err, "order")
	}
	s.logger.Infof("Payment of order %s validated=%t", id, validated)
	return s.Get(ctx, id)
}

// Delete removes the order. Resources allocated through it stay with the client until the
// client releases them.
func (s *OrderService) Delete(ctx context.Context, id string) error {
	if err := s.orders.Delete(ctx, id); err != nil {
		return storeError(err, "order")
	}
	s.logger.Infof("Order %s deleted", id)
	return nil
}

func (s *OrderService) loadResources(ctx context.Context, ids []string) (map[string]*models.Resource, error) {
	found, err := s.resources.GetByIDs(ctx, ids)
	if err != nil {
		return nil, apperror.Internal("load resources", err)
	}
	byID := make(map[string]*models.Resource, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}
	for _, id := range ids {
		if byID[id] == nil {
			return nil, apperror.NotFound("resource " + id)
		}
	}
	return byID, nil
}

func (s *OrderService) ensureResourcesExist(ctx context.Context, ids []string) error {
	_, err := s.loadResources(ctx, ids)
	return err
}

// parseOrderDate accepts a calendar date or a full RFC 3339 timestamp.
func parseOrderDate(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, apperror.Validation(fmt.Sprintf("dateCommande %q is not a valid date", v))
}
