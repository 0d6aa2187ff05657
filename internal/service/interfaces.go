package service

import (
	"context"
	"time"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/client"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/guest"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
)

// Hypervisor is the control-plane contract the services depend on; *client.HypervisorClient
// implements it.
type Hypervisor interface {
	WithSession(ctx context.Context, fn func(s *client.Session) error) error
	Capacity(ctx context.Context, s *client.Session) (*client.Capacity, error)
	ListImages(ctx context.Context, s *client.Session) ([]client.Image, error)
	CreateVM(ctx context.Context, s *client.Session, spec *client.VMSpec) (*client.CreatedVM, error)
	GuestAddress(ctx context.Context, s *client.Session, externalID string) (string, error)
	VMDetails(ctx context.Context, s *client.Session, externalID string) (*client.VMDetails, error)
	ConsoleTicket(ctx context.Context, s *client.Session, externalID string) (*client.ConsoleTicket, error)
	DeleteVM(ctx context.Context, s *client.Session, externalID string) error
}

// GuestConfigurator prepares a VM once its address is known; *guest.Registry implements it.
type GuestConfigurator interface {
	Configure(ctx context.Context, t guest.Target) error
	CredentialsFor(family string) guest.Credentials
}

// Scheduler runs keyed one-shot jobs; *scheduler.Scheduler implements it.
type Scheduler interface {
	ScheduleOnce(key string, delay time.Duration, fn func()) bool
	Cancel(key string) bool
}

// Notifier tells a client a resource was allocated to them.
type Notifier interface {
	NotifyAllocated(ctx context.Context, clientID, resourceName string) error
}

// AuditLog appends to a resource's audit trail.
type AuditLog interface {
	Append(ctx context.Context, entry *models.ResourceLog) error
}

// AuditHistory also reads the trail back, newest first.
type AuditHistory interface {
	AuditLog
	History(ctx context.Context, resourceID string, limit int) ([]*models.ResourceLog, error)
}

type ResourceStore interface {
	Create(ctx context.Context, res *models.Resource) error
	GetByID(ctx context.Context, id string) (*models.Resource, error)
	GetByIDs(ctx context.Context, ids []string) ([]*models.Resource, error)
	List(ctx context.Context) ([]*models.Resource, error)
	ListLeased(ctx context.Context) ([]*models.Resource, error)
	SetConnectionDetails(ctx context.Context, id string, details *models.ConnectionDetails) error
	SetStatus(ctx context.Context, id, status string) error
	IsReferenced(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

type OrderStore interface {
	Create(ctx context.Context, o *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	ListByClient(ctx context.Context, clientID string) ([]*models.Order, error)
	Update(ctx context.Context, o *models.Order) error
	SetPaymentValidated(ctx context.Context, id string, validated bool) error
	Delete(ctx context.Context, id string) error
	Accept(ctx context.Context, o *models.Order, now time.Time) error
	AllocatedByOrder(ctx context.Context, orderID string) ([]string, error)
	Release(ctx context.Context, clientID, resourceID string) (detached int, freed bool, err error)
	Holds(ctx context.Context, clientID, resourceID string) (bool, error)
	ListAllocations(ctx context.Context, clientID string) ([]*models.Allocation, error)
}

type AttemptStore interface {
	Create(ctx context.Context, a *models.ProvisioningAttempt) error
	Update(ctx context.Context, a *models.ProvisioningAttempt) error
	MarkRetryScheduled(ctx context.Context, id string) (bool, error)
	GetLatestByResource(ctx context.Context, resourceID string) (*models.ProvisioningAttempt, error)
	ListPending(ctx context.Context) ([]*models.ProvisioningAttempt, error)
}
