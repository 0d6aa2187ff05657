package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/apperror"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/logger"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/repository"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// validateStruct turns validator failures into a single VALIDATION_ERROR.
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Validation(err.Error())
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed on '%s=%s'", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Field(), fe.Tag()))
		}
	}
	return apperror.Validation(strings.Join(msgs, "; "))
}

// storeError maps repository sentinels onto the error taxonomy.
func storeError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return apperror.NotFound(what)
	case errors.Is(err, repository.ErrNotAllocated):
		return apperror.NotAllocated(fmt.Sprintf("%s is not allocated to this client", what))
	case errors.Is(err, repository.ErrConflict):
		return apperror.Conflict(fmt.Sprintf("%s is in use", what))
	default:
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return appErr
		}
		return apperror.Internal("storage error", err)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ToResourceView hides credentials and formats timestamps.
func ToResourceView(r *models.Resource) *models.ResourceView {
	v := &models.ResourceView{
		ID:            r.ID,
		ExternalID:    r.ExternalID,
		Name:          r.Name,
		CPU:           r.CPU,
		RAMGB:         r.RAMGB,
		StorageGB:     r.StorageGB,
		OSFamily:      r.OSFamily,
		Available:     r.Available,
		Status:        r.Status,
		Address:       r.Address,
		Protocol:      r.Protocol,
		DurationHours: r.DurationHours,
		CreatedAt:     formatTime(r.CreatedAt),
	}
	if r.LeaseStart != nil {
		s := formatTime(*r.LeaseStart)
		v.LeaseStart = &s
	}
	return v
}

func ToOrderView(o *models.Order) *models.OrderView {
	ids := o.ResourceIDs
	if ids == nil {
		ids = []string{}
	}
	return &models.OrderView{
		ID:               o.ID,
		ClientID:         o.ClientID,
		OrderDate:        formatTime(o.OrderDate),
		Status:           o.Status,
		PaymentValidated: o.PaymentValidated,
		TotalAmount:      o.TotalAmount,
		DeliveryAddress:  o.DeliveryAddress,
		ResourceIDs:      ids,
	}
}

func ToResourceLogViews(entries []*models.ResourceLog) []*models.ResourceLogView {
	views := make([]*models.ResourceLogView, 0, len(entries))
	for _, e := range entries {
		views = append(views, &models.ResourceLogView{
			Action:    e.Action,
			Status:    e.Status,
			Message:   e.Message,
			Details:   e.Details,
			CreatedAt: formatTime(e.CreatedAt),
		})
	}
	return views
}

// audit appends a trail entry on a context detached from the request. Failures are logged only.
func audit(ctx context.Context, trail AuditLog, log *logger.Logger, resourceID, action, status, message string, details map[string]interface{}) {
	err := trail.Append(context.WithoutCancel(ctx), &models.ResourceLog{
		ResourceID: resourceID,
		Action:     action,
		Status:     status,
		Message:    message,
		Details:    details,
	})
	if err != nil {
		log.WarnWithErr(err, "Failed to write resource log")
	}
}

// attemptDetails snapshots the attempt for the audit trail.
func attemptDetails(a *models.ProvisioningAttempt) map[string]interface{} {
	d := map[string]interface{}{
		"attempt_id":      a.ID,
		"external_id":     a.ExternalID,
		"poll_count":      a.PollCount,
		"state":           a.State,
		"retry_scheduled": a.RetryScheduled,
	}
	if a.Address != nil {
		d["address"] = *a.Address
	}
	return d
}

// dedupe keeps the first occurrence of each id, preserving order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func strPtr(s string) *string {
	return &s
}
