package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/repository"
)

// Store is an in-memory stand-in for the PostgreSQL repositories. Every view shares one mutex,
// so multi-row operations are atomic the way the SQL transactions are.
type Store struct {
	mu          sync.Mutex
	resources   map[string]*models.Resource
	orders      map[string]*models.Order
	allocations []models.Allocation
	attempts    map[string]*models.ProvisioningAttempt
	logs        []*models.ResourceLog

	// BeforeAccept runs just before Accept takes the lock, to simulate a concurrent writer.
	BeforeAccept func()
	// AcceptError, when set, is returned by Accept without mutating anything.
	AcceptError error
}

func NewStore() *Store {
	return &Store{
		resources: make(map[string]*models.Resource),
		orders:    make(map[string]*models.Order),
		attempts:  make(map[string]*models.ProvisioningAttempt),
	}
}

func (s *Store) Resources() *ResourceStore { return &ResourceStore{s} }
func (s *Store) Orders() *OrderStore       { return &OrderStore{s} }
func (s *Store) Attempts() *AttemptStore   { return &AttemptStore{s} }
func (s *Store) Logs() *LogStore           { return &LogStore{s} }

// ==================== seeding and inspection ====================

// PutResource seeds a resource, generating an ID when missing.
func (s *Store) PutResource(r *models.Resource) *models.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = models.StatusActive
	}
	if r.DurationHours == 0 {
		r.DurationHours = 24
	}
	r.Available = r.LeaseStart == nil
	s.resources[r.ID] = copyResource(r)
	return copyResource(r)
}

// PutOrder seeds an order, generating an ID when missing. An accepted order also gets the
// allocation rows acceptance would have written.
func (s *Store) PutOrder(o *models.Order) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Status == "" {
		o.Status = models.OrderStatusSubmitted
	}
	if o.Status == models.OrderStatusAccepted {
		for _, id := range o.ResourceIDs {
			if !s.allocatedByOrderLocked(o.ID, id) {
				s.allocations = append(s.allocations, models.Allocation{
					ClientID: o.ClientID, ResourceID: id, OrderID: o.ID, AllocatedAt: time.Now(),
				})
			}
		}
	}
	s.orders[o.ID] = copyOrder(o)
	return copyOrder(o)
}

// Resource returns a snapshot of the stored resource, or nil.
func (s *Store) Resource(id string) *models.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.resources[id]; ok {
		return copyResource(r)
	}
	return nil
}

func (s *Store) Order(id string) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		return copyOrder(o)
	}
	return nil
}

func (s *Store) AllResources() []*models.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, copyResource(r))
	}
	return out
}

func (s *Store) AttemptsFor(resourceID string) []*models.ProvisioningAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ProvisioningAttempt
	for _, a := range s.attempts {
		if a.ResourceID == resourceID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

func (s *Store) Allocations(clientID string) []models.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Allocation
	for _, a := range s.allocations {
		if a.ClientID == clientID {
			out = append(out, a)
		}
	}
	return out
}

// Actions lists logged actions for a resource in insertion order.
func (s *Store) Actions(resourceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.logs {
		if l.ResourceID == resourceID {
			out = append(out, l.Action)
		}
	}
	return out
}

// Entries returns the audit trail of a resource in insertion order.
func (s *Store) Entries(resourceID string) []*models.ResourceLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ResourceLog
	for _, l := range s.logs {
		if l.ResourceID == resourceID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out
}

// CheckInvariant verifies that availability and lease start agree on every resource.
func (s *Store) CheckInvariant() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.resources {
		if r.Available != (r.LeaseStart == nil) {
			return fmt.Errorf("resource %s: available=%t leaseStart=%v", r.ID, r.Available, r.LeaseStart)
		}
	}
	return nil
}

// ==================== ResourceStore ====================

type ResourceStore struct{ s *Store }

func (v *ResourceStore) Create(ctx context.Context, r *models.Resource) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, exists := v.s.resources[r.ID]; exists {
		return fmt.Errorf("insert resource: duplicate id %s", r.ID)
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	v.s.resources[r.ID] = copyResource(r)
	return nil
}

func (v *ResourceStore) GetByID(ctx context.Context, id string) (*models.Resource, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.resources[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyResource(r), nil
}

func (v *ResourceStore) GetByIDs(ctx context.Context, ids []string) ([]*models.Resource, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*models.Resource
	for _, id := range ids {
		if r, ok := v.s.resources[id]; ok {
			out = append(out, copyResource(r))
		}
	}
	return out, nil
}

func (v *ResourceStore) List(ctx context.Context) ([]*models.Resource, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := make([]*models.Resource, 0, len(v.s.resources))
	for _, r := range v.s.resources {
		out = append(out, copyResource(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (v *ResourceStore) ListLeased(ctx context.Context) ([]*models.Resource, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*models.Resource
	for _, r := range v.s.resources {
		if r.LeaseStart != nil {
			out = append(out, copyResource(r))
		}
	}
	return out, nil
}

func (v *ResourceStore) SetConnectionDetails(ctx context.Context, id string, d *models.ConnectionDetails) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.resources[id]
	if !ok {
		return repository.ErrNotFound
	}
	r.Address, r.Username, r.Password, r.Protocol = ptr(d.Address), ptr(d.Username), ptr(d.Password), ptr(d.Protocol)
	r.UpdatedAt = time.Now()
	return nil
}

func (v *ResourceStore) SetStatus(ctx context.Context, id, status string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.resources[id]
	if !ok {
		return repository.ErrNotFound
	}
	r.Status = status
	return nil
}

func (v *ResourceStore) IsReferenced(ctx context.Context, id string) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return v.s.referencedLocked(id), nil
}

func (v *ResourceStore) Delete(ctx context.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.referencedLocked(id) {
		return repository.ErrConflict
	}
	if _, ok := v.s.resources[id]; !ok {
		return repository.ErrNotFound
	}
	delete(v.s.resources, id)
	for attemptID, a := range v.s.attempts {
		if a.ResourceID == id {
			delete(v.s.attempts, attemptID)
		}
	}
	return nil
}

// ==================== OrderStore ====================

type OrderStore struct{ s *Store }

func (v *OrderStore) Create(ctx context.Context, o *models.Order) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	now := time.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	v.s.orders[o.ID] = copyOrder(o)
	return nil
}

func (v *OrderStore) GetByID(ctx context.Context, id string) (*models.Order, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	o, ok := v.s.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyOrder(o), nil
}

func (v *OrderStore) ListByClient(ctx context.Context, clientID string) ([]*models.Order, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*models.Order
	for _, o := range v.s.orders {
		if o.ClientID == clientID {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderDate.After(out[j].OrderDate) })
	return out, nil
}

func (v *OrderStore) Update(ctx context.Context, o *models.Order) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.orders[o.ID]; !ok {
		return repository.ErrNotFound
	}
	o.UpdatedAt = time.Now()
	v.s.orders[o.ID] = copyOrder(o)
	return nil
}

func (v *OrderStore) SetPaymentValidated(ctx context.Context, id string, validated bool) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	o, ok := v.s.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	o.PaymentValidated = validated
	return nil
}

func (v *OrderStore) Delete(ctx context.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.orders[id]; !ok {
		return repository.ErrNotFound
	}
	delete(v.s.orders, id)
	return nil
}

// Accept mirrors the transactional repository: all resources flip or none do.
func (v *OrderStore) Accept(ctx context.Context, o *models.Order, now time.Time) error {
	if v.s.BeforeAccept != nil {
		v.s.BeforeAccept()
	}

	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	if v.s.AcceptError != nil {
		return v.s.AcceptError
	}
	stored, ok := v.s.orders[o.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Status == models.OrderStatusAccepted {
		return repository.ErrConflict
	}

	for _, id := range o.ResourceIDs {
		r, ok := v.s.resources[id]
		if !ok {
			return repository.ErrConflict
		}
		if !r.Available && !v.s.allocatedByOrderLocked(o.ID, id) {
			return repository.ErrConflict
		}
	}

	for _, id := range o.ResourceIDs {
		r := v.s.resources[id]
		if r.LeaseStart == nil {
			start := now
			r.LeaseStart = &start
		}
		r.Available = false
		if !v.s.allocatedByOrderLocked(o.ID, id) {
			v.s.allocations = append(v.s.allocations, models.Allocation{
				ClientID: o.ClientID, ResourceID: id, OrderID: o.ID, AllocatedAt: now,
			})
		}
	}

	o.Status = models.OrderStatusAccepted
	o.UpdatedAt = now
	v.s.orders[o.ID] = copyOrder(o)
	return nil
}

func (v *OrderStore) AllocatedByOrder(ctx context.Context, orderID string) ([]string, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var ids []string
	for _, a := range v.s.allocations {
		if a.OrderID == orderID {
			ids = append(ids, a.ResourceID)
		}
	}
	return ids, nil
}

// Release mirrors the repository: the hold is found through the client's accepted orders or its
// allocation rows, and the resource is freed once nobody holds an allocation on it.
func (v *OrderStore) Release(ctx context.Context, clientID, resourceID string) (int, bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	r, ok := v.s.resources[resourceID]
	if !ok {
		return 0, false, repository.ErrNotFound
	}

	detached := 0
	for _, o := range v.s.orders {
		if o.ClientID != clientID || o.Status != models.OrderStatusAccepted || !o.References(resourceID) {
			continue
		}
		o.ResourceIDs = without(o.ResourceIDs, resourceID)
		detached++
	}

	dropped := 0
	stillHeld := false
	kept := v.s.allocations[:0]
	for _, a := range v.s.allocations {
		if a.ClientID == clientID && a.ResourceID == resourceID {
			dropped++
			continue
		}
		if a.ResourceID == resourceID {
			stillHeld = true
		}
		kept = append(kept, a)
	}
	v.s.allocations = kept

	if detached == 0 && dropped == 0 {
		return 0, false, repository.ErrNotAllocated
	}

	freed := false
	if !stillHeld && !r.Available {
		r.Available = true
		r.LeaseStart = nil
		freed = true
	}
	return detached, freed, nil
}

func (v *OrderStore) Holds(ctx context.Context, clientID, resourceID string) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, a := range v.s.allocations {
		if a.ClientID == clientID && a.ResourceID == resourceID {
			return true, nil
		}
	}
	return false, nil
}

func (v *OrderStore) ListAllocations(ctx context.Context, clientID string) ([]*models.Allocation, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*models.Allocation
	for _, a := range v.s.allocations {
		if a.ClientID == clientID {
			cp := a
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AllocatedAt.After(out[j].AllocatedAt) })
	return out, nil
}

// ==================== AttemptStore ====================

type AttemptStore struct{ s *Store }

func (v *AttemptStore) Create(ctx context.Context, a *models.ProvisioningAttempt) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	v.s.attempts[a.ID] = &cp
	return nil
}

func (v *AttemptStore) Update(ctx context.Context, a *models.ProvisioningAttempt) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	stored, ok := v.s.attempts[a.ID]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Address, stored.PollCount, stored.State = a.Address, a.PollCount, a.State
	stored.UpdatedAt = time.Now()
	return nil
}

func (v *AttemptStore) MarkRetryScheduled(ctx context.Context, id string) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	a, ok := v.s.attempts[id]
	if !ok || a.RetryScheduled {
		return false, nil
	}
	a.RetryScheduled = true
	a.State = models.AttemptDeferredRetry
	return true, nil
}

func (v *AttemptStore) GetLatestByResource(ctx context.Context, resourceID string) (*models.ProvisioningAttempt, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var latest *models.ProvisioningAttempt
	for _, a := range v.s.attempts {
		if a.ResourceID == resourceID && (latest == nil || a.CreatedAt.After(latest.CreatedAt)) {
			latest = a
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (v *AttemptStore) ListPending(ctx context.Context) ([]*models.ProvisioningAttempt, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*models.ProvisioningAttempt
	for _, a := range v.s.attempts {
		if a.Pending() {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// PutAttempt seeds an attempt as if persisted by an earlier process.
func (s *Store) PutAttempt(a *models.ProvisioningAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	cp := *a
	s.attempts[a.ID] = &cp
}

// ==================== LogStore ====================

type LogStore struct{ s *Store }

func (v *LogStore) Append(ctx context.Context, entry *models.ResourceLog) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	cp := *entry
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	v.s.logs = append(v.s.logs, &cp)
	return nil
}

func (v *LogStore) History(ctx context.Context, resourceID string, limit int) ([]*models.ResourceLog, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*models.ResourceLog
	for i := len(v.s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if l := v.s.logs[i]; l.ResourceID == resourceID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ==================== helpers ====================

// referencedLocked reports whether any order lists id or any client holds it.
func (s *Store) referencedLocked(id string) bool {
	for _, o := range s.orders {
		if o.References(id) {
			return true
		}
	}
	for _, a := range s.allocations {
		if a.ResourceID == id {
			return true
		}
	}
	return false
}

func (s *Store) allocatedByOrderLocked(orderID, resourceID string) bool {
	for _, a := range s.allocations {
		if a.OrderID == orderID && a.ResourceID == resourceID {
			return true
		}
	}
	return false
}

func copyResource(r *models.Resource) *models.Resource {
	cp := *r
	if r.LeaseStart != nil {
		t := *r.LeaseStart
		cp.LeaseStart = &t
	}
	return &cp
}

func copyOrder(o *models.Order) *models.Order {
	cp := *o
	cp.ResourceIDs = append([]string(nil), o.ResourceIDs...)
	return &cp
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

func ptr(s string) *string {
	return &s
}
