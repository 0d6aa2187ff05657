package service

import (
	"context"
	"fmt"
	"time"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/apperror"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/logger"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/metrics"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
)

// LeaseService computes remaining lease time and handles early release.
type LeaseService struct {
	resources ResourceStore
	orders    OrderStore
	logs      AuditLog
	logger    *logger.Logger
	now       func() time.Time
}

// NewLeaseService creates a new lease service
func NewLeaseService(resources ResourceStore, orders OrderStore, logs AuditLog, log *logger.Logger) *LeaseService {
	return &LeaseService{
		resources: resources,
		orders:    orders,
		logs:      logs,
		logger:    log.With("lease"),
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (s *LeaseService) SetClock(now func() time.Time) {
	s.now = now
}

// RemainingLease is max(0, leaseStart + durationHours - now); zero when no lease is running.
func RemainingLease(r *models.Resource, now time.Time) time.Duration {
	if r.LeaseStart == nil {
		return 0
	}
	remaining := LeaseEnd(r).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// LeaseEnd is when the lease of r runs out. Only meaningful while a lease is running.
func LeaseEnd(r *models.Resource) time.Time {
	if r.LeaseStart == nil {
		return time.Time{}
	}
	return r.LeaseStart.Add(time.Duration(r.DurationHours) * time.Hour)
}

// Lease returns the data a client needs to count the lease down locally.
func (s *LeaseService) Lease(ctx context.Context, resourceID string) (*models.LeaseInfo, error) {
	res, err := s.resources.GetByID(ctx, resourceID)
	if err != nil {
		return nil, storeError(err, "resource")
	}

	info := &models.LeaseInfo{
		ResourceID:       res.ID,
		DurationHours:    res.DurationHours,
		RemainingSeconds: int64(RemainingLease(res, s.now()).Seconds()),
	}
	if res.LeaseStart != nil {
		start := formatTime(*res.LeaseStart)
		end := formatTime(LeaseEnd(res))
		info.LeaseStart = &start
		info.ExpiresAt = &end
	}
	return info, nil
}

// Release ends the client's hold on the resource, whether it came through an accepted order that
// still exists or one that was since deleted or re-statused. The resource returns to the pool
// only when no client holds it anymore.
func (s *LeaseService) Release(ctx context.Context, clientID, resourceID string) (*models.ReleaseResult, error) {
	detached, freed, err := s.orders.Release(ctx, clientID, resourceID)
	if err != nil {
		return nil, storeError(err, "resource")
	}

	metrics.RecordLeaseRelease(freed)
	s.logger.Infof("Resource %s released by %s (orders=%d freed=%t)", resourceID, clientID, detached, freed)

	msg := fmt.Sprintf("Released by %s from %d order(s)", clientID, detached)
	status := "leased"
	if freed {
		status = "available"
	}
	audit(ctx, s.logs, s.logger, resourceID, "released", status, msg, map[string]interface{}{
		"client_id":       clientID,
		"orders_detached": detached,
		"freed":           freed,
	})

	return &models.ReleaseResult{ResourceID: resourceID, OrdersDetached: detached, Freed: freed}, nil
}

// Allocations lists what the client currently holds, with the lease countdown of each resource.
func (s *LeaseService) Allocations(ctx context.Context, clientID string) ([]*models.AllocationView, error) {
	allocations, err := s.orders.ListAllocations(ctx, clientID)
	if err != nil {
		return nil, apperror.Internal("list allocations", err)
	}

	ids := make([]string, 0, len(allocations))
	for _, a := range allocations {
		ids = append(ids, a.ResourceID)
	}
	resources, err := s.resources.GetByIDs(ctx, dedupe(ids))
	if err != nil {
		return nil, apperror.Internal("load allocated resources", err)
	}
	byID := make(map[string]*models.Resource, len(resources))
	for _, r := range resources {
		byID[r.ID] = r
	}

	now := s.now()
	views := make([]*models.AllocationView, 0, len(allocations))
	for _, a := range allocations {
		v := &models.AllocationView{
			ResourceID:  a.ResourceID,
			OrderID:     a.OrderID,
			AllocatedAt: formatTime(a.AllocatedAt),
		}
		if r := byID[a.ResourceID]; r != nil {
			v.ResourceName = r.Name
			v.RemainingSecs = int64(RemainingLease(r, now).Seconds())
			if r.LeaseStart != nil {
				end := formatTime(LeaseEnd(r))
				v.ExpiresAt = &end
			}
		}
		views = append(views, v)
	}
	return views, nil
}

// ReportExpired counts leases that have run out. It reports only; nothing is released.
func (s *LeaseService) ReportExpired(ctx context.Context) (int, error) {
	leased, err := s.resources.ListLeased(ctx)
	if err != nil {
		return 0, apperror.Internal("list leased resources", err)
	}

	now := s.now()
	expired := 0
	for _, r := range leased {
		if RemainingLease(r, now) == 0 {
			expired++
			s.logger.Debugf("Lease of %s (%s) expired at %s", r.ID, r.Name, formatTime(LeaseEnd(r)))
		}
	}

	metrics.SetExpiredLeases(expired)
	if expired > 0 {
		s.logger.Warnf("%d of %d leases have expired", expired, len(leased))
	}
	return expired, nil
}
