// Package guest prepares freshly addressed VMs for their first login.
package guest

import (
	"context"
	"errors"
	"strings"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/config"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/logger"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
)

var (
	// ErrUnreachable means the guest never accepted a remote-shell connection.
	ErrUnreachable = errors.New("guest unreachable")
	// ErrCommandFailed means the configuration script exited non-zero or timed out.
	ErrCommandFailed = errors.New("guest command failed")
)

// Target is the machine to configure.
type Target struct {
	Address  string
	Hostname string
	Username string
	Password string
	Family   string
}

// Configurator runs first-boot configuration against a guest.
type Configurator interface {
	Configure(ctx context.Context, t Target) error
}

// Credentials is the administrative login handed to clients for an OS family.
type Credentials struct {
	Username string
	Protocol string
}

// Registry picks the configuration strategy for each OS family.
type Registry struct {
	linux   Configurator
	windows Configurator
	cfg     *config.GuestConfig
	logger  *logger.Logger
}

// NewRegistry wires the SSH strategy for Linux families and the stub for Windows.
func NewRegistry(cfg *config.GuestConfig, log *logger.Logger) *Registry {
	log = log.With("guest")
	return &Registry{
		linux:   NewLinuxConfigurator(cfg, log),
		windows: &WindowsConfigurator{logger: log},
		cfg:     cfg,
		logger:  log,
	}
}

// NewRegistryWith builds a registry around custom strategies.
func NewRegistryWith(cfg *config.GuestConfig, linux, windows Configurator, log *logger.Logger) *Registry {
	return &Registry{linux: linux, windows: windows, cfg: cfg, logger: log.With("guest")}
}

// ForFamily returns the strategy for family; unknown families are treated as Linux.
func (r *Registry) ForFamily(family string) Configurator {
	if models.IsWindowsFamily(strings.ToLower(family)) {
		return r.windows
	}
	return r.linux
}

// CredentialsFor returns the admin account and connection protocol for family.
func (r *Registry) CredentialsFor(family string) Credentials {
	if models.IsWindowsFamily(strings.ToLower(family)) {
		return Credentials{Username: r.cfg.WindowsAdminUser, Protocol: models.ProtocolRDP}
	}
	return Credentials{Username: r.cfg.LinuxAdminUser, Protocol: models.ProtocolSSH}
}

// DefaultPassword is the fixed password set at provisioning time.
func (r *Registry) DefaultPassword() string {
	return r.cfg.DefaultPassword
}

// Configure dispatches to the strategy for t.Family.
func (r *Registry) Configure(ctx context.Context, t Target) error {
	r.logger.Infof("Configuring guest %s at %s (family=%s)", t.Hostname, t.Address, t.Family)
	return r.ForFamily(t.Family).Configure(ctx, t)
}

// WindowsConfigurator is a placeholder: Windows guests are delivered as imaged.
type WindowsConfigurator struct {
	logger *logger.Logger
}

func (w *WindowsConfigurator) Configure(ctx context.Context, t Target) error {
	if w.logger != nil {
		w.logger.Infof("No guest configuration for Windows guest %s", t.Address)
	}
	return nil
}
