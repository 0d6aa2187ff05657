package models

// ==================== Provisioning DTOs ====================

// CustomResourceRequest asks for a VM sized to the client's needs.
type CustomResourceRequest struct {
	Name          string `json:"name" binding:"required" validate:"required,hostname_rfc1123,max=63"`
	CPU           int    `json:"cpu" binding:"required" validate:"required,min=1,max=128"`
	RAMGB         int    `json:"ram_gb" binding:"required" validate:"required,min=1,max=2048"`
	StorageGB     int    `json:"storage_gb" binding:"required" validate:"required,min=1,max=65536"`
	DurationHours int    `json:"duration_hours" binding:"required" validate:"required,min=1,max=8760"`
	OSFamily      string `json:"os_family" binding:"required" validate:"required,oneof=linux ubuntu debian centos rocky rhel windows windows-server"`
	Network       string `json:"network,omitempty"`
	BootImage     string `json:"boot_image,omitempty"`
}

// Provisioning response statuses
const (
	ProvisionStatusConfigured = "configured"
	ProvisionStatusPending    = "pending"
)

// CustomResourceResponse is returned synchronously once the VM exists.
type CustomResourceResponse struct {
	Resource *ResourceView `json:"resource"`
	Status   string        `json:"status"`
	Message  string        `json:"message"`
}

// CreateResourceRequest lets an operator register an existing server or VM.
type CreateResourceRequest struct {
	Name          string  `json:"name" binding:"required" validate:"required,max=255"`
	ExternalID    *string `json:"external_id,omitempty"`
	CPU           int     `json:"cpu" binding:"required" validate:"required,min=1"`
	RAMGB         int     `json:"ram_gb" binding:"required" validate:"required,min=1"`
	StorageGB     int     `json:"storage_gb" binding:"required" validate:"required,min=1"`
	DurationHours int     `json:"duration_hours" binding:"required" validate:"required,min=1"`
	OSFamily      string  `json:"os_family" binding:"required" validate:"required"`
	Address       *string `json:"address,omitempty" validate:"omitempty,ip"`
}

// ResourceView is the client-facing shape of a Resource; credentials are never included.
type ResourceView struct {
	ID            string  `json:"id"`
	ExternalID    *string `json:"external_id,omitempty"`
	Name          string  `json:"name"`
	CPU           int     `json:"cpu"`
	RAMGB         int     `json:"ram_gb"`
	StorageGB     int     `json:"storage_gb"`
	OSFamily      string  `json:"os_family"`
	Available     bool    `json:"available"`
	Status        string  `json:"status"`
	Address       *string `json:"address,omitempty"`
	Protocol      *string `json:"protocol,omitempty"`
	LeaseStart    *string `json:"lease_start,omitempty"`
	DurationHours int     `json:"duration_hours"`
	CreatedAt     string  `json:"created_at"`
}

// ResourceStatus is the answer to a readiness poll.
type ResourceStatus struct {
	ResourceID string  `json:"resource_id"`
	PowerState string  `json:"power_state"`
	Address    *string `json:"address,omitempty"`
	Ready      bool    `json:"ready"`
}

// ConsoleTicketResponse carries a remote console ticket.
type ConsoleTicketResponse struct {
	ResourceID string `json:"resource_id"`
	Ticket     string `json:"ticket"`
}

// CapacityResponse is free capacity on the hypervisor.
type CapacityResponse struct {
	CPU       int `json:"cpu"`
	RAMGB     int `json:"ram_gb"`
	StorageGB int `json:"storage_gb"`
}

// ResourceLogView is one audit entry as shown to operators.
type ResourceLogView struct {
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt string                 `json:"created_at"`
}

// ==================== Order DTOs ====================

// CreateOrderRequest is sent at checkout.
type CreateOrderRequest struct {
	ResourceIDs     []string `json:"resource_ids" binding:"required,min=1" validate:"required,min=1,dive,required,uuid"`
	TotalAmount     float64  `json:"total_amount" validate:"gte=0"`
	DeliveryAddress string   `json:"delivery_address"`
}

// UpdateOrderRequest is a partial update; nil fields are left untouched.
type UpdateOrderRequest struct {
	ClientID        *string   `json:"client_id,omitempty"`
	DateCommande    *string   `json:"dateCommande,omitempty"`
	DeliveryAddress *string   `json:"delivery_address,omitempty"`
	ResourceIDs     *[]string `json:"resource_ids,omitempty"`
	Status          *string   `json:"status,omitempty"`
	TotalAmount     *float64  `json:"total_amount,omitempty"`
}

// PaymentUpdateRequest is sent by the payment subsystem.
type PaymentUpdateRequest struct {
	Validated *bool `json:"validated" binding:"required"`
}

// OrderView is the API shape of an Order.
type OrderView struct {
	ID               string   `json:"id"`
	ClientID         string   `json:"client_id"`
	OrderDate        string   `json:"order_date"`
	Status           string   `json:"status"`
	PaymentValidated bool     `json:"payment_validated"`
	TotalAmount      float64  `json:"total_amount"`
	DeliveryAddress  string   `json:"delivery_address,omitempty"`
	ResourceIDs      []string `json:"resource_ids"`
}

// ==================== Lease DTOs ====================

// LeaseInfo feeds the client-side countdown.
type LeaseInfo struct {
	ResourceID       string  `json:"resource_id"`
	LeaseStart       *string `json:"lease_start,omitempty"`
	ExpiresAt        *string `json:"expires_at,omitempty"`
	DurationHours    int     `json:"duration_hours"`
	RemainingSeconds int64   `json:"remaining_seconds"`
}

// AllocationView is one entry of a client's allocated-resources record.
type AllocationView struct {
	ResourceID    string  `json:"resource_id"`
	ResourceName  string  `json:"resource_name,omitempty"`
	OrderID       string  `json:"order_id"`
	AllocatedAt   string  `json:"allocated_at"`
	ExpiresAt     *string `json:"expires_at,omitempty"`
	RemainingSecs int64   `json:"remaining_seconds"`
}

// ReleaseResult reports what a release did.
type ReleaseResult struct {
	ResourceID     string `json:"resource_id"`
	OrdersDetached int    `json:"orders_detached"`
	Freed          bool   `json:"freed"`
}
