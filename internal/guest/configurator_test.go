package guest

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/config"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/logger"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
)

func testGuestConfig(port int) *config.GuestConfig {
	return &config.GuestConfig{
		LinuxAdminUser:   "root",
		WindowsAdminUser: "Administrator",
		DefaultPassword:  "Provision-123!",
		SSHPort:          port,
		PortWaitTimeout:  200 * time.Millisecond,
		PortWaitInterval: 50 * time.Millisecond,
		CommandTimeout:   time.Second,
	}
}

func TestForFamily(t *testing.T) {
	r := NewRegistry(testGuestConfig(22), logger.Nop())

	tests := []struct {
		family      string
		wantWindows bool
		wantUser    string
		wantProto   string
	}{
		{family: models.OSFamilyUbuntu, wantUser: "root", wantProto: models.ProtocolSSH},
		{family: models.OSFamilyRocky, wantUser: "root", wantProto: models.ProtocolSSH},
		{family: "freebsd", wantUser: "root", wantProto: models.ProtocolSSH},
		{family: models.OSFamilyWindows, wantWindows: true, wantUser: "Administrator", wantProto: models.ProtocolRDP},
		{family: "Windows-Server", wantWindows: true, wantUser: "Administrator", wantProto: models.ProtocolRDP},
	}

	for _, tt := range tests {
		t.Run(tt.family, func(t *testing.T) {
			_, isWindows := r.ForFamily(tt.family).(*WindowsConfigurator)
			if isWindows != tt.wantWindows {
				t.Errorf("ForFamily(%q) windows=%v, want %v", tt.family, isWindows, tt.wantWindows)
			}
			creds := r.CredentialsFor(tt.family)
			if creds.Username != tt.wantUser || creds.Protocol != tt.wantProto {
				t.Errorf("CredentialsFor(%q) = %+v", tt.family, creds)
			}
		})
	}
}

func TestWindowsConfiguratorIsNoop(t *testing.T) {
	r := NewRegistry(testGuestConfig(22), logger.Nop())
	err := r.Configure(context.Background(), Target{Address: "10.0.0.9", Family: models.OSFamilyWindowsServer})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestLinuxConfiguratorUnreachablePort(t *testing.T) {
	c := NewLinuxConfigurator(testGuestConfig(closedPort(t)), logger.Nop())

	start := time.Now()
	err := c.Configure(context.Background(), Target{Address: "127.0.0.1", Username: "root", Password: "x", Family: "ubuntu"})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("port wait exceeded its budget: %s", time.Since(start))
	}
}

func TestLinuxConfiguratorCancelled(t *testing.T) {
	cfg := testGuestConfig(closedPort(t))
	cfg.PortWaitTimeout = time.Minute
	c := NewLinuxConfigurator(cfg, logger.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.Configure(ctx, Target{Address: "127.0.0.1", Username: "root", Password: "x"})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestLinuxConfiguratorHandshakeFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	c := NewLinuxConfigurator(testGuestConfig(port), logger.Nop())

	err = c.Configure(context.Background(), Target{Address: "127.0.0.1", Username: "root", Password: "x"})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if !strings.Contains(err.Error(), strconv.Itoa(port)) {
		t.Errorf("error should name the address: %v", err)
	}
}

func TestBuildLinuxScript(t *testing.T) {
	tests := []struct {
		name     string
		family   string
		username string
		want     []string
		notWant  []string
	}{
		{
			name:     "debian family as root",
			family:   models.OSFamilyUbuntu,
			username: "root",
			want:     []string{"set -e", "apt-get update -y", "hostnamectl set-hostname 'web-1'", "echo 'root:p'\\''w' | chpasswd", "PermitRootLogin yes"},
			notWant:  []string{"dnf", "useradd"},
		},
		{
			name:     "rhel family with named account",
			family:   models.OSFamilyRocky,
			username: "ops",
			want:     []string{"dnf makecache -y", "useradd -m -s /bin/bash 'ops'", "PermitRootLogin no", "MaxAuthTries 3"},
			notWant:  []string{"apt-get"},
		},
		{
			name:     "generic linux detects package manager",
			family:   models.OSFamilyLinux,
			username: "root",
			want:     []string{"command -v apt-get", "command -v dnf"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := BuildLinuxScript(tt.family, "web-1", tt.username, "p'w")
			if !strings.HasPrefix(script, "set -e\n") {
				t.Errorf("script must start with set -e")
			}
			for _, w := range tt.want {
				if !strings.Contains(script, w) {
					t.Errorf("script missing %q:\n%s", w, script)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(script, nw) {
					t.Errorf("script should not contain %q", nw)
				}
			}
		})
	}
}
