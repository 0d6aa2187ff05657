package models

import (
	"strings"
	"time"
)

// Resource lifecycle status
const (
	StatusActive   = "Active"
	StatusInactive = "Inactive"
)

// Connection protocols
const (
	ProtocolSSH = "ssh"
	ProtocolRDP = "rdp"
)

// OS families understood by the guest configurator
const (
	OSFamilyLinux         = "linux"
	OSFamilyUbuntu        = "ubuntu"
	OSFamilyDebian        = "debian"
	OSFamilyCentOS        = "centos"
	OSFamilyRocky         = "rocky"
	OSFamilyRHEL          = "rhel"
	OSFamilyWindows       = "windows"
	OSFamilyWindowsServer = "windows-server"
)

// IsWindowsFamily reports whether the family is configured over remote desktop.
func IsWindowsFamily(family string) bool {
	return strings.HasPrefix(strings.ToLower(family), OSFamilyWindows)
}

// Resource is a leasable compute unit. Available is false exactly when LeaseStart is set.
type Resource struct {
	ID            string
	ExternalID    *string
	OwnerID       string
	Name          string
	CPU           int
	RAMGB         int
	StorageGB     int
	OSFamily      string
	Available     bool
	Status        string
	Address       *string
	Username      *string
	Password      *string
	Protocol      *string
	LeaseStart    *time.Time
	DurationHours int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasConnectionDetails reports whether an address has been recorded for the resource.
func (r *Resource) HasConnectionDetails() bool {
	return r.Address != nil && *r.Address != "" && r.Username != nil && r.Password != nil
}

// ConnectionDetails is what a client needs to log into a leased resource.
type ConnectionDetails struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`
	Protocol string `json:"protocol"`
}

// ResourceLog is one entry of a resource's lifecycle audit trail. Details is stored as JSONB:
// the attempt snapshot for provisioning events, order and client for allocation events.
type ResourceLog struct {
	ID         string
	ResourceID string
	Action     string
	Status     string
	Message    string
	Details    map[string]interface{}
	CreatedAt  time.Time
}
