package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/apperror"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/client"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/config"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/guest"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/logger"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/metrics"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
)

// PowerStateUnknown is reported when the hypervisor cannot be asked.
const PowerStateUnknown = "unknown"

// ProvisionService creates custom VMs and drives each provisioning attempt to a usable address.
type ProvisionService struct {
	cfg        *config.Config
	resources  ResourceStore
	attempts   AttemptStore
	orders     OrderStore
	logs       AuditHistory
	hypervisor Hypervisor
	guest      GuestConfigurator
	scheduler  Scheduler
	logger     *logger.Logger

	// external VM ids with a live polling loop
	inFlight map[string]struct{}
	mu       sync.Mutex
}

// NewProvisionService creates a new provision service
func NewProvisionService(
	cfg *config.Config,
	resources ResourceStore,
	attempts AttemptStore,
	orders OrderStore,
	logs AuditHistory,
	hypervisor Hypervisor,
	guestConfigurator GuestConfigurator,
	scheduler Scheduler,
	log *logger.Logger,
) *ProvisionService {
	return &ProvisionService{
		cfg:        cfg,
		resources:  resources,
		attempts:   attempts,
		orders:     orders,
		logs:       logs,
		hypervisor: hypervisor,
		guest:      guestConfigurator,
		scheduler:  scheduler,
		logger:     log.With("provision"),
		inFlight:   make(map[string]struct{}),
	}
}

// CreateCustomResource checks capacity and image, creates the VM and waits a bounded time for
// its address. The response is "configured" when an address was found within the polling window
// and "pending" when a single deferred retry has taken over.
func (s *ProvisionService) CreateCustomResource(ctx context.Context, clientID string, req *models.CustomResourceRequest) (*models.CustomResourceResponse, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	s.logger.Infof("Custom resource requested by %s: %s cpu=%d ram=%dGB storage=%dGB os=%s",
		clientID, req.Name, req.CPU, req.RAMGB, req.StorageGB, req.OSFamily)

	attempt := &models.ProvisioningAttempt{
		ID:        uuid.New().String(),
		CPU:       req.CPU,
		RAMGB:     req.RAMGB,
		StorageGB: req.StorageGB,
		State:     models.AttemptRequested,
	}

	var created *client.CreatedVM
	err := s.hypervisor.WithSession(ctx, func(sess *client.Session) error {
		free, err := s.hypervisor.Capacity(ctx, sess)
		if err != nil {
			return err
		}
		if !free.Fits(req.CPU, req.RAMGB, req.StorageGB) {
			return apperror.CapacityExceeded(fmt.Sprintf(
				"requested cpu=%d ram=%dGB storage=%dGB exceeds free cpu=%d ram=%dGB storage=%dGB",
				req.CPU, req.RAMGB, req.StorageGB, free.CPU, free.RAMGB, free.StorageGB))
		}

		if req.BootImage != "" {
			images, err := s.hypervisor.ListImages(ctx, sess)
			if err != nil {
				return err
			}
			if !imageExists(images, req.BootImage) {
				return apperror.ImageNotFound(req.BootImage)
			}
		}

		created, err = s.hypervisor.CreateVM(ctx, sess, &client.VMSpec{
			Name:      req.Name,
			CPU:       req.CPU,
			RAMGB:     req.RAMGB,
			StorageGB: req.StorageGB,
			OSFamily:  req.OSFamily,
			Network:   req.Network,
			BootImage: req.BootImage,
		})
		return err
	})
	if err != nil {
		attempt.State = models.AttemptFailed
		s.logger.WarnWithErr(err, fmt.Sprintf("Custom resource %s not created", req.Name))
		metrics.RecordProvisionAttempt(attempt.Outcome())
		return nil, err
	}

	externalID := created.ExternalID
	res := &models.Resource{
		ID:            uuid.New().String(),
		ExternalID:    &externalID,
		OwnerID:       clientID,
		Name:          req.Name,
		CPU:           req.CPU,
		RAMGB:         req.RAMGB,
		StorageGB:     req.StorageGB,
		OSFamily:      req.OSFamily,
		Available:     true,
		Status:        models.StatusActive,
		DurationHours: req.DurationHours,
	}
	if err := s.resources.Create(ctx, res); err != nil {
		s.logger.ErrorWithErr(err, "Failed to record resource for VM "+externalID+"; removing the VM")
		s.deleteVM(context.WithoutCancel(ctx), externalID)
		attempt.State = models.AttemptFailed
		metrics.RecordProvisionAttempt(attempt.Outcome())
		return nil, apperror.Internal("record resource", err)
	}

	attempt.ResourceID = res.ID
	attempt.ExternalID = externalID
	attempt.State = models.AttemptCreated
	if err := s.attempts.Create(ctx, attempt); err != nil {
		s.logger.WarnWithErr(err, "Failed to persist provisioning attempt for "+res.ID)
	}

	s.logAction(ctx, res.ID, "vm_created", models.AttemptCreated,
		fmt.Sprintf("VM %s created on network %s", externalID, created.Network), attemptDetails(attempt))

	status := models.ProvisionStatusPending
	message := "VM created; waiting for its network address"
	switch s.resolveAddress(ctx, res, attempt) {
	case pollResolved:
		status = models.ProvisionStatusConfigured
		message = "VM created and reachable"
	case pollExhausted:
		if s.scheduleRetry(context.WithoutCancel(ctx), res, attempt) {
			message = fmt.Sprintf("VM created; address lookup retried in %s", s.cfg.Provisioning.RetryDelay)
		}
	}

	metrics.RecordProvisionAttempt(attempt.Outcome())

	if fresh, err := s.resources.GetByID(ctx, res.ID); err == nil {
		res = fresh
	}
	return &models.CustomResourceResponse{
		Resource: ToResourceView(res),
		Status:   status,
		Message:  message,
	}, nil
}

type pollResult int

const (
	pollResolved pollResult = iota
	pollExhausted
	// another loop is already polling the same VM
	pollBusy
)

// resolveAddress runs one polling window. On success connection details are stored and the
// guest is configured; configuration failures are logged only.
func (s *ProvisionService) resolveAddress(ctx context.Context, res *models.Resource, attempt *models.ProvisioningAttempt) pollResult {
	if !s.acquire(attempt.ExternalID) {
		s.logger.Infof("Polling already in progress for VM %s", attempt.ExternalID)
		return pollBusy
	}
	defer s.release(attempt.ExternalID)

	if attempt.State != models.AttemptDeferredRetry {
		attempt.State = models.AttemptAddressPending
	}
	s.saveAttempt(ctx, attempt)

	address, err := s.pollAddress(ctx, attempt)
	if err != nil {
		s.logger.WarnWithErr(err, "Address polling for VM "+attempt.ExternalID+" interrupted")
	}
	if address == "" {
		s.saveAttempt(ctx, attempt)
		return pollExhausted
	}

	s.completeWithAddress(ctx, res, attempt, address)
	return pollResolved
}

// pollAddress asks for the guest address up to PollAttempts times, PollInterval apart, within a
// single hypervisor session.
func (s *ProvisionService) pollAddress(ctx context.Context, attempt *models.ProvisioningAttempt) (string, error) {
	var address string
	err := s.hypervisor.WithSession(ctx, func(sess *client.Session) error {
		for i := 0; i < s.cfg.Provisioning.PollAttempts; i++ {
			if i > 0 {
				timer := time.NewTimer(s.cfg.Provisioning.PollInterval)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}

			attempt.PollCount++
			metrics.RecordAddressPoll()

			addr, err := s.hypervisor.GuestAddress(ctx, sess, attempt.ExternalID)
			if err != nil {
				s.logger.Warnf("Address poll %d for VM %s failed: %v", attempt.PollCount, attempt.ExternalID, err)
				continue
			}
			if addr != "" {
				address = addr
				return nil
			}
		}
		return nil
	})
	return address, err
}

func (s *ProvisionService) completeWithAddress(ctx context.Context, res *models.Resource, attempt *models.ProvisioningAttempt, address string) {
	creds := s.guest.CredentialsFor(res.OSFamily)
	details := &models.ConnectionDetails{
		Address:  address,
		Username: creds.Username,
		Password: s.cfg.Guest.DefaultPassword,
		Protocol: creds.Protocol,
	}
	if err := s.resources.SetConnectionDetails(context.WithoutCancel(ctx), res.ID, details); err != nil {
		s.logger.ErrorWithErr(err, "Failed to store connection details for "+res.ID)
	}

	attempt.Address = strPtr(address)
	attempt.State = models.AttemptConfigured
	s.saveAttempt(ctx, attempt)
	s.logAction(ctx, res.ID, "address_resolved", models.AttemptConfigured, "Guest address "+address, attemptDetails(attempt))

	err := s.guest.Configure(context.WithoutCancel(ctx), guest.Target{
		Address:  address,
		Hostname: res.Name,
		Username: details.Username,
		Password: details.Password,
		Family:   res.OSFamily,
	})
	metrics.RecordGuestConfiguration(err == nil)
	if err != nil {
		s.logger.WarnWithErr(err, "Guest configuration of "+res.ID+" incomplete")
		s.logAction(ctx, res.ID, "guest_configured", "failed", err.Error(), map[string]interface{}{"address": address, "os_family": res.OSFamily})
		return
	}
	s.logAction(ctx, res.ID, "guest_configured", "ok", "Guest configuration applied", map[string]interface{}{"address": address, "os_family": res.OSFamily})
}

// scheduleRetry hands the attempt to the single deferred retry.
func (s *ProvisionService) scheduleRetry(ctx context.Context, res *models.Resource, attempt *models.ProvisioningAttempt) bool {
	flipped, err := s.attempts.MarkRetryScheduled(ctx, attempt.ID)
	if err != nil {
		s.logger.ErrorWithErr(err, "Failed to mark retry for attempt "+attempt.ID)
		return false
	}
	if !flipped {
		s.logger.Infof("Deferred retry for VM %s already scheduled", attempt.ExternalID)
		return false
	}
	attempt.RetryScheduled = true
	attempt.State = models.AttemptDeferredRetry

	if !s.enqueueRetry(res.ID, attempt.ExternalID) {
		return false
	}
	metrics.RecordDeferredRetry("scheduled")
	details := attemptDetails(attempt)
	details["delay_seconds"] = s.cfg.Provisioning.RetryDelay.Seconds()
	s.logAction(ctx, res.ID, "retry_scheduled", models.AttemptDeferredRetry,
		fmt.Sprintf("Address lookup retried in %s", s.cfg.Provisioning.RetryDelay), details)
	return true
}

func (s *ProvisionService) enqueueRetry(resourceID, externalID string) bool {
	return s.scheduler.ScheduleOnce(retryKey(externalID), s.cfg.Provisioning.RetryDelay, func() {
		s.runDeferredRetry(resourceID)
	})
}

// runDeferredRetry repeats one polling window with its own deadline. Failure gives up for good.
func (s *ProvisionService) runDeferredRetry(resourceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Provisioning.RetryTimeout)
	defer cancel()

	res, err := s.resources.GetByID(ctx, resourceID)
	if err != nil {
		s.logger.WarnWithErr(err, "Deferred retry: resource "+resourceID+" gone")
		return
	}
	attempt, err := s.attempts.GetLatestByResource(ctx, resourceID)
	if err != nil {
		s.logger.WarnWithErr(err, "Deferred retry: no attempt for "+resourceID)
		return
	}
	if !attempt.Pending() {
		return
	}
	attempt.State = models.AttemptDeferredRetry

	s.logger.Infof("Deferred retry for VM %s", attempt.ExternalID)
	switch s.resolveAddress(ctx, res, attempt) {
	case pollResolved:
		metrics.RecordDeferredRetry(models.AttemptConfigured)
		return
	case pollBusy:
		return
	}

	attempt.State = models.AttemptGivenUp
	s.saveAttempt(ctx, attempt)
	metrics.RecordDeferredRetry(models.AttemptGivenUp)
	s.logger.Warnf("Gave up waiting for an address on VM %s after %d polls", attempt.ExternalID, attempt.PollCount)
	s.logAction(ctx, res.ID, "given_up", models.AttemptGivenUp, "No guest address after deferred retry", attemptDetails(attempt))

	// Parked until a later status check finds the VM on the network.
	s.setStatus(ctx, res, models.StatusInactive, "No guest address after deferred retry")
}

// ResumePending re-schedules deferred retries of attempts persisted before a restart.
func (s *ProvisionService) ResumePending(ctx context.Context) (int, error) {
	pending, err := s.attempts.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending attempts: %w", err)
	}

	resumed := 0
	for _, a := range pending {
		if !a.RetryScheduled {
			if _, err := s.attempts.MarkRetryScheduled(ctx, a.ID); err != nil {
				s.logger.WarnWithErr(err, "Failed to mark retry for attempt "+a.ID)
				continue
			}
		}
		if s.enqueueRetry(a.ResourceID, a.ExternalID) {
			resumed++
		}
	}
	if resumed > 0 {
		s.logger.Infof("Resumed %d pending provisioning attempts", resumed)
	}
	return resumed, nil
}

// CheckStatus reports power state and address from the hypervisor, falling back to cached values
// when it is unreachable. Only the client that requested the resource or one holding it may ask.
// A resource parked Inactive after a failed retry is reactivated once its address shows up.
func (s *ProvisionService) CheckStatus(ctx context.Context, resourceID, clientID string) (*models.ResourceStatus, error) {
	res, err := s.resources.GetByID(ctx, resourceID)
	if err != nil {
		return nil, storeError(err, "resource")
	}
	if res.OwnerID != clientID {
		if err := s.checkHolder(ctx, clientID, resourceID); err != nil {
			return nil, err
		}
	}

	status := &models.ResourceStatus{
		ResourceID: res.ID,
		PowerState: PowerStateUnknown,
		Address:    res.Address,
	}
	if res.ExternalID == nil {
		status.Ready = res.Address != nil
		return status, nil
	}

	var (
		details *client.VMDetails
		address string
	)
	err = s.hypervisor.WithSession(ctx, func(sess *client.Session) error {
		var err error
		details, err = s.hypervisor.VMDetails(ctx, sess, *res.ExternalID)
		if err != nil {
			return err
		}
		address, err = s.hypervisor.GuestAddress(ctx, sess, *res.ExternalID)
		return err
	})
	if err != nil {
		if apperror.Is(err, apperror.CodeHypervisorUnreachable) {
			s.logger.WarnWithErr(err, "Status of "+res.ID+" served from cache")
			return status, nil
		}
		return nil, err
	}

	status.PowerState = details.PowerState
	if address != "" {
		if res.Address == nil || *res.Address != address {
			creds := s.guest.CredentialsFor(res.OSFamily)
			err := s.resources.SetConnectionDetails(ctx, res.ID, &models.ConnectionDetails{
				Address:  address,
				Username: creds.Username,
				Password: s.cfg.Guest.DefaultPassword,
				Protocol: creds.Protocol,
			})
			if err != nil {
				s.logger.WarnWithErr(err, "Failed to refresh address of "+res.ID)
			}
		}
		status.Address = strPtr(address)
		if res.Status == models.StatusInactive {
			s.setStatus(ctx, res, models.StatusActive, "Guest address "+address+" found by status check")
		}
	}
	status.Ready = status.PowerState == "POWERED_ON" && status.Address != nil
	return status, nil
}

// GetConnectionDetails returns login details to a client holding an allocation on the resource.
func (s *ProvisionService) GetConnectionDetails(ctx context.Context, resourceID, clientID string) (*models.ConnectionDetails, error) {
	res, err := s.ownedResource(ctx, resourceID, clientID)
	if err != nil {
		return nil, err
	}

	if res.HasConnectionDetails() {
		return connectionDetails(res), nil
	}
	if res.ExternalID == nil {
		return nil, apperror.NotFound("connection details")
	}

	var address string
	err = s.hypervisor.WithSession(ctx, func(sess *client.Session) error {
		var err error
		address, err = s.hypervisor.GuestAddress(ctx, sess, *res.ExternalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if address == "" {
		return nil, apperror.NotFound("connection details")
	}

	creds := s.guest.CredentialsFor(res.OSFamily)
	details := &models.ConnectionDetails{
		Address:  address,
		Username: creds.Username,
		Password: s.cfg.Guest.DefaultPassword,
		Protocol: creds.Protocol,
	}
	if err := s.resources.SetConnectionDetails(ctx, res.ID, details); err != nil {
		s.logger.WarnWithErr(err, "Failed to store connection details for "+res.ID)
	}
	return details, nil
}

// ConsoleTicket issues a remote console ticket to a client holding the resource.
func (s *ProvisionService) ConsoleTicket(ctx context.Context, resourceID, clientID string) (*models.ConsoleTicketResponse, error) {
	res, err := s.ownedResource(ctx, resourceID, clientID)
	if err != nil {
		return nil, err
	}
	if res.ExternalID == nil {
		return nil, apperror.PreconditionFailed("resource is not backed by a virtual machine")
	}

	var ticket *client.ConsoleTicket
	err = s.hypervisor.WithSession(ctx, func(sess *client.Session) error {
		var err error
		ticket, err = s.hypervisor.ConsoleTicket(ctx, sess, *res.ExternalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &models.ConsoleTicketResponse{ResourceID: res.ID, Ticket: ticket.Ticket}, nil
}

// ==================== Operator operations ====================

// CreateResource registers an operator-managed resource in the available pool.
func (s *ProvisionService) CreateResource(ctx context.Context, req *models.CreateResourceRequest) (*models.Resource, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	res := &models.Resource{
		ID:            uuid.New().String(),
		ExternalID:    req.ExternalID,
		Name:          req.Name,
		CPU:           req.CPU,
		RAMGB:         req.RAMGB,
		StorageGB:     req.StorageGB,
		OSFamily:      req.OSFamily,
		Available:     true,
		Status:        models.StatusActive,
		DurationHours: req.DurationHours,
	}
	if req.Address != nil {
		creds := s.guest.CredentialsFor(req.OSFamily)
		res.Address = req.Address
		res.Username = strPtr(creds.Username)
		res.Password = strPtr(s.cfg.Guest.DefaultPassword)
		res.Protocol = strPtr(creds.Protocol)
	}

	if err := s.resources.Create(ctx, res); err != nil {
		return nil, apperror.Internal("create resource", err)
	}
	s.logAction(ctx, res.ID, "registered", res.Status, "Resource registered by operator", nil)
	return res, nil
}

func (s *ProvisionService) ListResources(ctx context.Context) ([]*models.Resource, error) {
	resources, err := s.resources.List(ctx)
	if err != nil {
		return nil, storeError(err, "resources")
	}
	return resources, nil
}

func (s *ProvisionService) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	res, err := s.resources.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(err, "resource")
	}
	return res, nil
}

// DeleteResource removes a resource no order lists and no client holds, deleting its VM first
// when it has one. A pending deferred retry for the VM is cancelled.
func (s *ProvisionService) DeleteResource(ctx context.Context, id string) error {
	res, err := s.resources.GetByID(ctx, id)
	if err != nil {
		return storeError(err, "resource")
	}

	referenced, err := s.resources.IsReferenced(ctx, id)
	if err != nil {
		return storeError(err, "resource")
	}
	if referenced {
		return apperror.Conflict("resource is referenced by an order or held by a client")
	}

	if res.ExternalID != nil {
		if s.scheduler.Cancel(retryKey(*res.ExternalID)) {
			s.logger.Infof("Cancelled deferred retry for VM %s", *res.ExternalID)
		}
		err := s.hypervisor.WithSession(ctx, func(sess *client.Session) error {
			return s.hypervisor.DeleteVM(ctx, sess, *res.ExternalID)
		})
		if err != nil && !apperror.Is(err, apperror.CodeNotFound) {
			return err
		}
	}

	if err := s.resources.Delete(ctx, id); err != nil {
		return storeError(err, "resource")
	}
	s.logger.Infof("Resource %s deleted", id)
	return nil
}

// History returns the newest audit entries of a resource.
func (s *ProvisionService) History(ctx context.Context, resourceID string, limit int) ([]*models.ResourceLog, error) {
	if _, err := s.resources.GetByID(ctx, resourceID); err != nil {
		return nil, storeError(err, "resource")
	}
	entries, err := s.logs.History(ctx, resourceID, limit)
	if err != nil {
		return nil, apperror.Internal("load resource history", err)
	}
	return entries, nil
}

// Capacity reports free hypervisor capacity.
func (s *ProvisionService) Capacity(ctx context.Context) (*models.CapacityResponse, error) {
	var free *client.Capacity
	err := s.hypervisor.WithSession(ctx, func(sess *client.Session) error {
		var err error
		free, err = s.hypervisor.Capacity(ctx, sess)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &models.CapacityResponse{CPU: free.CPU, RAMGB: free.RAMGB, StorageGB: free.StorageGB}, nil
}

// ==================== helpers ====================

func (s *ProvisionService) ownedResource(ctx context.Context, resourceID, clientID string) (*models.Resource, error) {
	res, err := s.resources.GetByID(ctx, resourceID)
	if err != nil {
		return nil, storeError(err, "resource")
	}
	if err := s.checkHolder(ctx, clientID, resourceID); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *ProvisionService) checkHolder(ctx context.Context, clientID, resourceID string) error {
	held, err := s.orders.Holds(ctx, clientID, resourceID)
	if err != nil {
		return apperror.Internal("check ownership", err)
	}
	if !held {
		return apperror.Forbidden("resource is not allocated to this client")
	}
	return nil
}

func (s *ProvisionService) setStatus(ctx context.Context, res *models.Resource, status, reason string) {
	if err := s.resources.SetStatus(context.WithoutCancel(ctx), res.ID, status); err != nil {
		s.logger.WarnWithErr(err, "Failed to set status of "+res.ID)
		return
	}
	s.logger.Infof("Resource %s is now %s: %s", res.ID, status, reason)
	s.logAction(ctx, res.ID, "status_changed", status, reason, map[string]interface{}{"from": res.Status, "to": status})
	res.Status = status
}

func (s *ProvisionService) acquire(externalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[externalID]; busy {
		return false
	}
	s.inFlight[externalID] = struct{}{}
	return true
}

func (s *ProvisionService) release(externalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, externalID)
}

func (s *ProvisionService) saveAttempt(ctx context.Context, attempt *models.ProvisioningAttempt) {
	if err := s.attempts.Update(context.WithoutCancel(ctx), attempt); err != nil {
		s.logger.WarnWithErr(err, "Failed to update provisioning attempt "+attempt.ID)
	}
}

func (s *ProvisionService) logAction(ctx context.Context, resourceID, action, status, message string, details map[string]interface{}) {
	audit(ctx, s.logs, s.logger, resourceID, action, status, message, details)
}

func (s *ProvisionService) deleteVM(ctx context.Context, externalID string) {
	err := s.hypervisor.WithSession(ctx, func(sess *client.Session) error {
		return s.hypervisor.DeleteVM(ctx, sess, externalID)
	})
	if err != nil {
		s.logger.ErrorWithErr(err, "Failed to delete orphaned VM "+externalID)
	}
}

func connectionDetails(r *models.Resource) *models.ConnectionDetails {
	d := &models.ConnectionDetails{Address: *r.Address, Username: *r.Username, Password: *r.Password}
	if r.Protocol != nil {
		d.Protocol = *r.Protocol
	}
	return d
}

func imageExists(images []client.Image, ref string) bool {
	for _, img := range images {
		if img.Matches(ref) {
			return true
		}
	}
	return false
}

func retryKey(externalID string) string {
	return "retry:" + externalID
}
