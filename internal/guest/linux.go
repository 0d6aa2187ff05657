package guest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/config"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/logger"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
)

// LinuxConfigurator configures Linux guests with one script over SSH.
type LinuxConfigurator struct {
	port           int
	waitTimeout    time.Duration
	waitInterval   time.Duration
	commandTimeout time.Duration
	logger         *logger.Logger
}

// NewLinuxConfigurator creates the SSH strategy
func NewLinuxConfigurator(cfg *config.GuestConfig, log *logger.Logger) *LinuxConfigurator {
	return &LinuxConfigurator{
		port:           cfg.SSHPort,
		waitTimeout:    cfg.PortWaitTimeout,
		waitInterval:   cfg.PortWaitInterval,
		commandTimeout: cfg.CommandTimeout,
		logger:         log,
	}
}

// Configure waits for sshd, logs in with the provisioning password and runs the setup script.
// A failing script is not retried.
func (l *LinuxConfigurator) Configure(ctx context.Context, t Target) error {
	addr := net.JoinHostPort(t.Address, strconv.Itoa(l.port))

	if err := l.waitForPort(ctx, addr); err != nil {
		return err
	}

	client, err := l.dial(ctx, addr, t)
	if err != nil {
		return err
	}
	defer client.Close()

	script := BuildLinuxScript(t.Family, t.Hostname, t.Username, t.Password)
	command, stdin := remoteInvocation(t.Username, t.Password, script)
	output, err := l.run(ctx, client, command, stdin)
	if err != nil {
		l.logger.Warnf("Guest script on %s failed: %v; output tail: %s", t.Address, err, tail(output, 512))
		return err
	}

	l.logger.Infof("Guest %s configured", t.Address)
	return nil
}

// waitForPort polls until the TCP port accepts connections or the wait budget is spent.
func (l *LinuxConfigurator) waitForPort(ctx context.Context, addr string) error {
	deadline := time.Now().Add(l.waitTimeout)
	dialer := net.Dialer{Timeout: 5 * time.Second}

	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}

		if time.Now().Add(l.waitInterval).After(deadline) {
			return fmt.Errorf("%w: port %s not open after %s: %v", ErrUnreachable, addr, l.waitTimeout, err)
		}

		timer := time.NewTimer(l.waitInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *LinuxConfigurator) dial(ctx context.Context, addr string, t Target) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: t.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(t.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = t.Password
				}
				return answers, nil
			}),
		},
		// Freshly created VMs have no known host key yet.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         30 * time.Second,
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: ssh handshake with %s: %v", ErrUnreachable, addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// remoteInvocation returns the command and stdin that feed script to a shell. A non-root account
// goes through sudo, which reads the password from the first stdin line and leaves the rest to
// the shell.
func remoteInvocation(username, password, script string) (string, string) {
	if username == "root" {
		return "/bin/sh -s", script
	}
	return "sudo -S -p '' /bin/sh -s", password + "\n" + script
}

// run executes command with stdin and returns its combined output. On timeout or cancellation
// the session is closed and Run is awaited before the buffer is read.
func (l *LinuxConfigurator) run(ctx context.Context, client *ssh.Client, command, stdin string) ([]byte, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %v", ErrUnreachable, err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdin = strings.NewReader(stdin)
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	timer := time.NewTimer(l.commandTimeout)
	defer timer.Stop()

	var abort error
	select {
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return out.Bytes(), fmt.Errorf("%w: exit status %d", ErrCommandFailed, exitErr.ExitStatus())
			}
			return out.Bytes(), fmt.Errorf("%w: %v", ErrCommandFailed, err)
		}
		return out.Bytes(), nil
	case <-timer.C:
		abort = fmt.Errorf("%w: timed out after %s", ErrCommandFailed, l.commandTimeout)
	case <-ctx.Done():
		abort = fmt.Errorf("%w: %v", ErrCommandFailed, ctx.Err())
	}

	_ = session.Signal(ssh.SIGKILL)
	_ = session.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		// peer never acknowledged the close; dropping the connection unblocks Run
		_ = client.Close()
		<-done
	}
	return out.Bytes(), abort
}

// BuildLinuxScript renders the first-boot script: package refresh, sshd, hostname, account and
// sshd hardening. Everything runs under set -e and needs root; remoteInvocation wraps it in sudo
// for other accounts.
func BuildLinuxScript(family, hostname, username, password string) string {
	var b strings.Builder

	b.WriteString("set -e\n")
	b.WriteString("export DEBIAN_FRONTEND=noninteractive\n")

	switch strings.ToLower(family) {
	case models.OSFamilyUbuntu, models.OSFamilyDebian:
		b.WriteString("apt-get update -y\n")
		b.WriteString("apt-get install -y openssh-server\n")
	case models.OSFamilyCentOS, models.OSFamilyRocky, models.OSFamilyRHEL:
		b.WriteString("dnf makecache -y\n")
		b.WriteString("dnf install -y openssh-server\n")
	default:
		b.WriteString("if command -v apt-get >/dev/null 2>&1; then apt-get update -y && apt-get install -y openssh-server;\n")
		b.WriteString("elif command -v dnf >/dev/null 2>&1; then dnf makecache -y && dnf install -y openssh-server;\n")
		b.WriteString("elif command -v yum >/dev/null 2>&1; then yum makecache -y && yum install -y openssh-server; fi\n")
	}
	b.WriteString("systemctl enable --now ssh 2>/dev/null || systemctl enable --now sshd\n")

	host := shellQuote(hostname)
	fmt.Fprintf(&b, "hostnamectl set-hostname %s\n", host)
	b.WriteString("sed -i '/^127\\.0\\.1\\.1[[:space:]]/d' /etc/hosts\n")
	fmt.Fprintf(&b, "echo \"127.0.1.1 \"%s >> /etc/hosts\n", host)

	user := shellQuote(username)
	if username != "root" {
		fmt.Fprintf(&b, "id -u %s >/dev/null 2>&1 || useradd -m -s /bin/bash %s\n", user, user)
		fmt.Fprintf(&b, "(usermod -aG sudo %s 2>/dev/null || usermod -aG wheel %s)\n", user, user)
	}
	fmt.Fprintf(&b, "echo %s | chpasswd\n", shellQuote(username+":"+password))

	rootLogin := "no"
	if username == "root" {
		rootLogin = "yes"
	}
	b.WriteString("cfg=/etc/ssh/sshd_config\n")
	for _, kv := range [][2]string{
		{"PermitRootLogin", rootLogin},
		{"PasswordAuthentication", "yes"},
		{"PermitEmptyPasswords", "no"},
		{"MaxAuthTries", "3"},
		{"X11Forwarding", "no"},
	} {
		fmt.Fprintf(&b, "sed -i '/^#\\?%s /d' \"$cfg\" && echo '%s %s' >> \"$cfg\"\n", kv[0], kv[0], kv[1])
	}
	b.WriteString("systemctl reload ssh 2>/dev/null || systemctl reload sshd\n")

	return b.String()
}

// shellQuote wraps s in single quotes for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
