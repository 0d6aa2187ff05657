package models

import "time"

// Order status values, stored verbatim.
const (
	OrderStatusSubmitted = "non traité"
	OrderStatusInReview  = "en traitement"
	OrderStatusAccepted  = "accepté"
	OrderStatusRejected  = "refusé"
)

// ValidOrderStatus reports whether s is one of the known order statuses.
func ValidOrderStatus(s string) bool {
	switch s {
	case OrderStatusSubmitted, OrderStatusInReview, OrderStatusAccepted, OrderStatusRejected:
		return true
	}
	return false
}

// Order bundles resources requested by one client.
type Order struct {
	ID               string
	ClientID         string
	OrderDate        time.Time
	Status           string
	PaymentValidated bool
	TotalAmount      float64
	DeliveryAddress  string
	ResourceIDs      []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// References reports whether the order lists the resource.
func (o *Order) References(resourceID string) bool {
	for _, id := range o.ResourceIDs {
		if id == resourceID {
			return true
		}
	}
	return false
}

// Allocation records that a client holds a resource through an accepted order.
type Allocation struct {
	ClientID    string
	ResourceID  string
	OrderID     string
	AllocatedAt time.Time
}
