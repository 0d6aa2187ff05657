package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/apperror"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/client"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/guest"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
)

// ==================== Hypervisor ====================

// FakeHypervisor records calls and answers from its configured fields.
type FakeHypervisor struct {
	mu sync.Mutex

	Free       client.Capacity
	Images     []client.Image
	PowerState string
	// AddressFunc answers the n-th GuestAddress call (1-based). Nil means no address yet.
	AddressFunc func(n int) (string, error)

	SessionError error
	CreateError  error
	DetailsError error
	DeleteError  error

	nextID       int
	sessions     int
	ended        int
	creates      int
	addressPolls int
	deleted      []string
	specs        []client.VMSpec
}

func NewFakeHypervisor() *FakeHypervisor {
	return &FakeHypervisor{
		Free:       client.Capacity{CPU: 10, RAMGB: 32, StorageGB: 100},
		PowerState: "POWERED_ON",
	}
}

// AddressAfter makes the n-th poll and every later one return address.
func (h *FakeHypervisor) AddressAfter(n int, address string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.AddressFunc = func(call int) (string, error) {
		if call >= n {
			return address, nil
		}
		return "", nil
	}
}

func (h *FakeHypervisor) WithSession(ctx context.Context, fn func(s *client.Session) error) error {
	h.mu.Lock()
	if h.SessionError != nil {
		err := h.SessionError
		h.mu.Unlock()
		return err
	}
	h.sessions++
	id := fmt.Sprintf("session-%d", h.sessions)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.ended++
		h.mu.Unlock()
	}()
	return fn(&client.Session{ID: id})
}

func (h *FakeHypervisor) Capacity(ctx context.Context, s *client.Session) (*client.Capacity, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	free := h.Free
	return &free, nil
}

func (h *FakeHypervisor) ListImages(ctx context.Context, s *client.Session) ([]client.Image, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]client.Image(nil), h.Images...), nil
}

func (h *FakeHypervisor) CreateVM(ctx context.Context, s *client.Session, spec *client.VMSpec) (*client.CreatedVM, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.creates++
	h.specs = append(h.specs, *spec)
	if h.CreateError != nil {
		return nil, h.CreateError
	}
	h.nextID++
	network := spec.Network
	if network == "" {
		network = "network-1"
	}
	return &client.CreatedVM{ExternalID: fmt.Sprintf("vm-%d", h.nextID), Network: network}, nil
}

func (h *FakeHypervisor) GuestAddress(ctx context.Context, s *client.Session, externalID string) (string, error) {
	h.mu.Lock()
	h.addressPolls++
	n, fn := h.addressPolls, h.AddressFunc
	h.mu.Unlock()
	if fn == nil {
		return "", nil
	}
	return fn(n)
}

func (h *FakeHypervisor) VMDetails(ctx context.Context, s *client.Session, externalID string) (*client.VMDetails, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.DetailsError != nil {
		return nil, h.DetailsError
	}
	return &client.VMDetails{Name: externalID, PowerState: h.PowerState}, nil
}

func (h *FakeHypervisor) ConsoleTicket(ctx context.Context, s *client.Session, externalID string) (*client.ConsoleTicket, error) {
	return &client.ConsoleTicket{Ticket: "ticket-" + externalID}, nil
}

func (h *FakeHypervisor) DeleteVM(ctx context.Context, s *client.Session, externalID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.DeleteError != nil {
		return h.DeleteError
	}
	h.deleted = append(h.deleted, externalID)
	return nil
}

func (h *FakeHypervisor) Sessions() (opened, ended int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions, h.ended
}

func (h *FakeHypervisor) CreateCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.creates
}

func (h *FakeHypervisor) AddressPolls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addressPolls
}

func (h *FakeHypervisor) Deleted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.deleted...)
}

func (h *FakeHypervisor) Specs() []client.VMSpec {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]client.VMSpec(nil), h.specs...)
}

// Unreachable is the error a hypervisor outage surfaces as.
func Unreachable() error {
	return apperror.HypervisorUnreachable(fmt.Errorf("connection refused"))
}

// ==================== Guest configuration ====================

// FakeGuest records configured targets instead of dialing them.
type FakeGuest struct {
	mu      sync.Mutex
	Err     error
	targets []guest.Target
}

func (g *FakeGuest) Configure(ctx context.Context, t guest.Target) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.targets = append(g.targets, t)
	return g.Err
}

func (g *FakeGuest) CredentialsFor(family string) guest.Credentials {
	if models.IsWindowsFamily(family) {
		return guest.Credentials{Username: "Administrator", Protocol: models.ProtocolRDP}
	}
	return guest.Credentials{Username: "root", Protocol: models.ProtocolSSH}
}

func (g *FakeGuest) Targets() []guest.Target {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]guest.Target(nil), g.targets...)
}

// ==================== Notifications ====================

type Notice struct {
	ClientID     string
	ResourceName string
}

type FakeNotifier struct {
	mu      sync.Mutex
	Err     error
	notices []Notice
}

func (n *FakeNotifier) NotifyAllocated(ctx context.Context, clientID, resourceName string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, Notice{ClientID: clientID, ResourceName: resourceName})
	return n.Err
}

func (n *FakeNotifier) Notices() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}

// ==================== Scheduler ====================

// FakeScheduler holds one-shot jobs until the test runs them.
type FakeScheduler struct {
	mu     sync.Mutex
	jobs   map[string]func()
	delays map[string]time.Duration
}

func NewFakeScheduler() *FakeScheduler {
	return &FakeScheduler{jobs: make(map[string]func()), delays: make(map[string]time.Duration)}
}

func (s *FakeScheduler) ScheduleOnce(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[key]; exists {
		return false
	}
	s.jobs[key] = fn
	s.delays[key] = delay
	return true
}

// Pending lists scheduled keys in sorted order.
func (s *FakeScheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *FakeScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[key]; !exists {
		return false
	}
	delete(s.jobs, key)
	delete(s.delays, key)
	return true
}

func (s *FakeScheduler) Delay(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delays[key]
}

// RunAll runs every pending job synchronously and returns how many ran.
func (s *FakeScheduler) RunAll() int {
	s.mu.Lock()
	jobs := make([]func(), 0, len(s.jobs))
	for k, fn := range s.jobs {
		jobs = append(jobs, fn)
		delete(s.jobs, k)
	}
	s.mu.Unlock()

	for _, fn := range jobs {
		fn()
	}
	return len(jobs)
}
