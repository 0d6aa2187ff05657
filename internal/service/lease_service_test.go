package service_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/apperror"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/logger"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/service"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/testutil"
)

var _ = Describe("LeaseService", func() {
	var (
		ctx   context.Context
		store *testutil.Store
		svc   *service.LeaseService
		now   time.Time
	)

	leasedFor := func(hours int, startedAgo time.Duration) *models.Resource {
		start := now.Add(-startedAgo)
		return store.PutResource(&models.Resource{Name: "leased", LeaseStart: &start, DurationHours: hours})
	}

	acceptedBy := func(clientID string, ids ...string) *models.Order {
		return store.PutOrder(&models.Order{ClientID: clientID, Status: models.OrderStatusAccepted, PaymentValidated: true, ResourceIDs: ids})
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = testutil.NewStore()
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		svc = service.NewLeaseService(store.Resources(), store.Orders(), store.Logs(), logger.Nop())
		svc.SetClock(func() time.Time { return now })
	})

	AfterEach(func() {
		Expect(store.CheckInvariant()).To(Succeed())
	})

	Describe("RemainingLease", func() {
		DescribeTable("clamps at zero",
			func(hours int, startedAgo, want time.Duration) {
				start := now.Add(-startedAgo)
				r := &models.Resource{LeaseStart: &start, DurationHours: hours}
				Expect(service.RemainingLease(r, now)).To(Equal(want))
			},
			Entry("running", 24, time.Hour, 23*time.Hour),
			Entry("just expired", 2, 2*time.Hour, time.Duration(0)),
			Entry("long expired", 2, 3*time.Hour, time.Duration(0)),
		)

		It("is zero without a lease", func() {
			Expect(service.RemainingLease(&models.Resource{DurationHours: 24}, now)).To(BeZero())
		})
	})

	Describe("Lease", func() {
		It("reports start, end and remaining seconds", func() {
			r := leasedFor(2, 30*time.Minute)

			info, err := svc.Lease(ctx, r.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(*info.LeaseStart).To(Equal("2026-03-01T11:30:00Z"))
			Expect(*info.ExpiresAt).To(Equal("2026-03-01T13:30:00Z"))
			Expect(info.RemainingSeconds).To(Equal(int64(90 * 60)))
		})

		It("reports nothing running for an available resource", func() {
			r := store.PutResource(&models.Resource{Name: "idle", DurationHours: 8})

			info, err := svc.Lease(ctx, r.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.LeaseStart).To(BeNil())
			Expect(info.RemainingSeconds).To(BeZero())
		})
	})

	Describe("Release", func() {
		It("returns the resource to the pool and is idempotent", func() {
			r := leasedFor(24, time.Hour)
			acceptedBy("client-1", r.ID)

			res, err := svc.Release(ctx, "client-1", r.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Freed).To(BeTrue())
			Expect(res.OrdersDetached).To(Equal(1))

			stored := store.Resource(r.ID)
			Expect(stored.Available).To(BeTrue())
			Expect(stored.LeaseStart).To(BeNil())
			Expect(store.Actions(r.ID)).To(ContainElement("released"))

			_, err = svc.Release(ctx, "client-1", r.ID)
			Expect(err).To(haveCode(apperror.CodeNotAllocated))
		})

		It("keeps the resource leased while another client still references it", func() {
			r := leasedFor(24, time.Hour)
			acceptedBy("client-a", r.ID)
			acceptedBy("client-b", r.ID)

			first, err := svc.Release(ctx, "client-a", r.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(first.Freed).To(BeFalse())
			Expect(store.Resource(r.ID).Available).To(BeFalse())

			second, err := svc.Release(ctx, "client-b", r.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(second.Freed).To(BeTrue())
			Expect(store.Resource(r.ID).Available).To(BeTrue())
		})

		It("ignores orders that are not accepted", func() {
			r := leasedFor(24, time.Hour)
			acceptedBy("client-1", r.ID)
			store.PutOrder(&models.Order{ClientID: "client-2", ResourceIDs: []string{r.ID}})

			res, err := svc.Release(ctx, "client-1", r.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Freed).To(BeTrue())

			_, err = svc.Release(ctx, "client-2", r.ID)
			Expect(err).To(haveCode(apperror.CodeNotAllocated))
		})

		It("releases a hold whose order was deleted", func() {
			r := leasedFor(24, time.Hour)
			o := acceptedBy("client-1", r.ID)
			Expect(store.Orders().Delete(ctx, o.ID)).To(Succeed())

			res, err := svc.Release(ctx, "client-1", r.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.OrdersDetached).To(BeZero())
			Expect(res.Freed).To(BeTrue())
			Expect(store.Resource(r.ID).Available).To(BeTrue())
			Expect(store.Allocations("client-1")).To(BeEmpty())
		})

		It("records who released and whether the resource was freed", func() {
			r := leasedFor(24, time.Hour)
			acceptedBy("client-1", r.ID)

			_, err := svc.Release(ctx, "client-1", r.ID)
			Expect(err).ToNot(HaveOccurred())

			entries := store.Entries(r.ID)
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Status).To(Equal("available"))
			Expect(entries[0].Details).To(HaveKeyWithValue("client_id", "client-1"))
			Expect(entries[0].Details).To(HaveKeyWithValue("orders_detached", 1))
			Expect(entries[0].Details).To(HaveKeyWithValue("freed", true))
		})

		It("returns NOT_FOUND for an unknown resource", func() {
			_, err := svc.Release(ctx, "client-1", "6b1d4c52-1111-4aaa-8bbb-000000000003")
			Expect(err).To(haveCode(apperror.CodeNotFound))
		})
	})

	Describe("Allocations", func() {
		It("lists what the client holds with the lease countdown", func() {
			r := leasedFor(2, 30*time.Minute)
			o := acceptedBy("client-1", r.ID)
			acceptedBy("client-2", leasedFor(24, time.Hour).ID)

			views, err := svc.Allocations(ctx, "client-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(views).To(HaveLen(1))
			Expect(views[0].ResourceID).To(Equal(r.ID))
			Expect(views[0].ResourceName).To(Equal("leased"))
			Expect(views[0].OrderID).To(Equal(o.ID))
			Expect(*views[0].ExpiresAt).To(Equal("2026-03-01T13:30:00Z"))
			Expect(views[0].RemainingSecs).To(Equal(int64(90 * 60)))
		})

		It("is empty once everything is released", func() {
			r := leasedFor(24, time.Hour)
			acceptedBy("client-1", r.ID)
			_, err := svc.Release(ctx, "client-1", r.ID)
			Expect(err).ToNot(HaveOccurred())

			views, err := svc.Allocations(ctx, "client-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(views).To(BeEmpty())
		})
	})

	Describe("ReportExpired", func() {
		It("counts expired leases without releasing them", func() {
			expired := leasedFor(2, 3*time.Hour)
			leasedFor(24, time.Hour)
			store.PutResource(&models.Resource{Name: "idle"})

			n, err := svc.ReportExpired(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(store.Resource(expired.ID).Available).To(BeFalse())
		})
	})
})
