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

var _ = Describe("OrderService", func() {
	var (
		ctx      context.Context
		store    *testutil.Store
		notifier *testutil.FakeNotifier
		svc      *service.OrderService
		now      time.Time
		r1, r2   *models.Resource
	)

	leased := func(name string) *models.Resource {
		start := now.Add(-time.Hour)
		return store.PutResource(&models.Resource{Name: name, LeaseStart: &start, DurationHours: 24})
	}

	paidOrder := func(ids ...string) *models.Order {
		return store.PutOrder(&models.Order{ClientID: "client-1", PaymentValidated: true, ResourceIDs: ids, OrderDate: now})
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = testutil.NewStore()
		notifier = &testutil.FakeNotifier{}
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		svc = service.NewOrderService(store.Orders(), store.Resources(), store.Logs(), notifier, logger.Nop())
		svc.SetClock(func() time.Time { return now })

		r1 = store.PutResource(&models.Resource{Name: "r1", DurationHours: 24})
		r2 = store.PutResource(&models.Resource{Name: "r2", DurationHours: 24})
	})

	AfterEach(func() {
		Expect(store.CheckInvariant()).To(Succeed())
	})

	Describe("Create", func() {
		It("records a submitted order with deduplicated resources", func() {
			o, err := svc.Create(ctx, "client-1", &models.CreateOrderRequest{
				ResourceIDs: []string{r1.ID, r2.ID, r1.ID},
				TotalAmount: 42.5,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(o.Status).To(Equal(models.OrderStatusSubmitted))
			Expect(o.ResourceIDs).To(Equal([]string{r1.ID, r2.ID}))
			Expect(o.OrderDate).To(Equal(now))
			Expect(o.PaymentValidated).To(BeFalse())
		})

		It("rejects an unknown resource", func() {
			_, err := svc.Create(ctx, "client-1", &models.CreateOrderRequest{
				ResourceIDs: []string{"6b1d4c52-1111-4aaa-8bbb-000000000001"},
			})
			Expect(err).To(haveCode(apperror.CodeNotFound))
		})

		It("rejects an empty resource list", func() {
			_, err := svc.Create(ctx, "client-1", &models.CreateOrderRequest{ResourceIDs: []string{}})
			Expect(err).To(haveCode(apperror.CodeValidation))
		})
	})

	Describe("Accept", func() {
		It("allocates every resource and notifies the client", func() {
			o := paidOrder(r1.ID, r2.ID)

			accepted, err := svc.Accept(ctx, o.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(accepted.Status).To(Equal(models.OrderStatusAccepted))

			for _, id := range []string{r1.ID, r2.ID} {
				res := store.Resource(id)
				Expect(res.Available).To(BeFalse())
				Expect(*res.LeaseStart).To(Equal(now))
				Expect(store.Actions(id)).To(ContainElement("allocated"))
			}
			Expect(store.Allocations("client-1")).To(HaveLen(2))
			Expect(notifier.Notices()).To(ConsistOf(
				testutil.Notice{ClientID: "client-1", ResourceName: "r1"},
				testutil.Notice{ClientID: "client-1", ResourceName: "r2"},
			))
		})

		It("is all-or-nothing when one resource is already leased", func() {
			taken := leased("taken")
			o := paidOrder(r1.ID, taken.ID)

			_, err := svc.Accept(ctx, o.ID)
			Expect(err).To(haveCode(apperror.CodePreconditionFailed))
			Expect(err.Error()).To(ContainSubstring(taken.ID))

			Expect(store.Resource(r1.ID).Available).To(BeTrue())
			Expect(store.Order(o.ID).Status).To(Equal(models.OrderStatusSubmitted))
			Expect(notifier.Notices()).To(BeEmpty())
		})

		It("leaves everything unchanged when a resource is taken concurrently", func() {
			o := paidOrder(r1.ID, r2.ID)
			store.BeforeAccept = func() {
				start := now
				store.PutResource(&models.Resource{ID: r2.ID, Name: "r2", LeaseStart: &start, DurationHours: 24})
			}

			_, err := svc.Accept(ctx, o.ID)
			Expect(err).To(haveCode(apperror.CodePreconditionFailed))
			Expect(store.Resource(r1.ID).Available).To(BeTrue())
			Expect(store.Order(o.ID).Status).To(Equal(models.OrderStatusSubmitted))
		})

		It("requires a validated payment", func() {
			o := store.PutOrder(&models.Order{ClientID: "client-1", ResourceIDs: []string{r1.ID}})

			_, err := svc.Accept(ctx, o.ID)
			Expect(err).To(haveCode(apperror.CodePreconditionFailed))
			Expect(store.Resource(r1.ID).Available).To(BeTrue())
		})

		It("is a no-op for an accepted order", func() {
			o := paidOrder(r1.ID)
			_, err := svc.Accept(ctx, o.ID)
			Expect(err).ToNot(HaveOccurred())

			now = now.Add(time.Hour)
			_, err = svc.Accept(ctx, o.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(*store.Resource(r1.ID).LeaseStart).To(Equal(now.Add(-time.Hour)))
			Expect(notifier.Notices()).To(HaveLen(1))
		})

		It("returns NOT_FOUND for an unknown order", func() {
			_, err := svc.Accept(ctx, "6b1d4c52-1111-4aaa-8bbb-000000000002")
			Expect(err).To(haveCode(apperror.CodeNotFound))
		})
	})

	Describe("Update", func() {
		var o *models.Order

		BeforeEach(func() {
			o = paidOrder(r1.ID)
		})

		It("applies a partial update", func() {
			date := "2026-02-14"
			amount := 99.0

			updated, err := svc.Update(ctx, o.ID, &models.UpdateOrderRequest{DateCommande: &date, TotalAmount: &amount})
			Expect(err).ToNot(HaveOccurred())
			Expect(updated.OrderDate).To(Equal(time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)))
			Expect(updated.TotalAmount).To(Equal(99.0))
			Expect(updated.ClientID).To(Equal("client-1"))
			Expect(store.Order(o.ID).TotalAmount).To(Equal(99.0))
		})

		DescribeTable("rejects invalid fields without saving",
			func(req *models.UpdateOrderRequest) {
				_, err := svc.Update(ctx, o.ID, req)
				Expect(err).To(haveCode(apperror.CodeValidation))
				Expect(store.Order(o.ID).Status).To(Equal(models.OrderStatusSubmitted))
			},
			Entry("malformed date", &models.UpdateOrderRequest{DateCommande: strp("14/02/2026")}),
			Entry("unknown status", &models.UpdateOrderRequest{Status: strp("shipped")}),
			Entry("empty client", &models.UpdateOrderRequest{ClientID: strp("  ")}),
			Entry("negative amount", &models.UpdateOrderRequest{TotalAmount: floatp(-1)}),
			Entry("resource id that is not a uuid", &models.UpdateOrderRequest{ResourceIDs: &[]string{"nope"}}),
		)

		It("runs acceptance when the status moves to accepted", func() {
			updated, err := svc.Update(ctx, o.ID, &models.UpdateOrderRequest{
				Status:      strp(models.OrderStatusAccepted),
				ResourceIDs: &[]string{r1.ID, r2.ID},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(updated.Status).To(Equal(models.OrderStatusAccepted))
			Expect(store.Resource(r2.ID).Available).To(BeFalse())
			Expect(store.Order(o.ID).ResourceIDs).To(Equal([]string{r1.ID, r2.ID}))
		})

		It("saves nothing when acceptance through update fails", func() {
			taken := leased("taken")

			_, err := svc.Update(ctx, o.ID, &models.UpdateOrderRequest{
				Status:      strp(models.OrderStatusAccepted),
				ResourceIDs: &[]string{r1.ID, taken.ID},
			})
			Expect(err).To(haveCode(apperror.CodePreconditionFailed))
			Expect(store.Order(o.ID).ResourceIDs).To(Equal([]string{r1.ID}))
			Expect(store.Resource(r1.ID).Available).To(BeTrue())
		})

		It("rejects acceptance of an order left without resources", func() {
			_, err := svc.Update(ctx, o.ID, &models.UpdateOrderRequest{
				Status:      strp(models.OrderStatusAccepted),
				ResourceIDs: &[]string{},
			})
			Expect(err).To(haveCode(apperror.CodePreconditionFailed))
		})

		It("re-accepts resources the order still holds after a status bounce", func() {
			_, err := svc.Accept(ctx, o.ID)
			Expect(err).ToNot(HaveOccurred())

			_, err = svc.Update(ctx, o.ID, &models.UpdateOrderRequest{Status: strp(models.OrderStatusInReview)})
			Expect(err).ToNot(HaveOccurred())

			_, err = svc.Update(ctx, o.ID, &models.UpdateOrderRequest{Status: strp(models.OrderStatusAccepted)})
			Expect(err).ToNot(HaveOccurred())
			Expect(store.Order(o.ID).Status).To(Equal(models.OrderStatusAccepted))
			Expect(store.Allocations("client-1")).To(HaveLen(1))
		})

		It("refuses to move an order holding resources to another client", func() {
			_, err := svc.Accept(ctx, o.ID)
			Expect(err).ToNot(HaveOccurred())

			_, err = svc.Update(ctx, o.ID, &models.UpdateOrderRequest{ClientID: strp("client-2")})
			Expect(err).To(haveCode(apperror.CodePreconditionFailed))
			Expect(store.Order(o.ID).ClientID).To(Equal("client-1"))
		})

		It("moves an order that holds nothing to another client", func() {
			updated, err := svc.Update(ctx, o.ID, &models.UpdateOrderRequest{ClientID: strp("client-2")})
			Expect(err).ToNot(HaveOccurred())
			Expect(updated.ClientID).To(Equal("client-2"))
		})

		It("refuses to change the resources of an accepted order", func() {
			_, err := svc.Accept(ctx, o.ID)
			Expect(err).ToNot(HaveOccurred())

			_, err = svc.Update(ctx, o.ID, &models.UpdateOrderRequest{ResourceIDs: &[]string{r2.ID}})
			Expect(err).To(haveCode(apperror.CodePreconditionFailed))
		})
	})

	Describe("orders leaving the accepted state", func() {
		var leases *service.LeaseService

		BeforeEach(func() {
			leases = service.NewLeaseService(store.Resources(), store.Orders(), store.Logs(), logger.Nop())
			leases.SetClock(func() time.Time { return now })
		})

		accepted := func() *models.Order {
			o := paidOrder(r1.ID)
			_, err := svc.Accept(ctx, o.ID)
			Expect(err).ToNot(HaveOccurred())
			return o
		}

		expectReusable := func() {
			res, err := leases.Release(ctx, "client-1", r1.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Freed).To(BeTrue())
			Expect(store.Resource(r1.ID).Available).To(BeTrue())

			next := store.PutOrder(&models.Order{ClientID: "client-2", PaymentValidated: true, ResourceIDs: []string{r1.ID}})
			_, err = svc.Accept(ctx, next.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(store.Allocations("client-2")).To(HaveLen(1))
		}

		It("keeps the client's hold after the order is deleted", func() {
			o := accepted()
			Expect(svc.Delete(ctx, o.ID)).To(Succeed())

			Expect(store.Resource(r1.ID).Available).To(BeFalse())
			Expect(store.Allocations("client-1")).To(HaveLen(1))
			expectReusable()
		})

		It("keeps the client's hold after the order is refused", func() {
			o := accepted()
			_, err := svc.Update(ctx, o.ID, &models.UpdateOrderRequest{Status: strp(models.OrderStatusRejected)})
			Expect(err).ToNot(HaveOccurred())

			Expect(store.Resource(r1.ID).Available).To(BeFalse())
			expectReusable()
		})

		It("records the order and client on each allocation entry", func() {
			o := accepted()

			entries := store.Entries(r1.ID)
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Action).To(Equal("allocated"))
			Expect(entries[0].Details).To(HaveKeyWithValue("order_id", o.ID))
			Expect(entries[0].Details).To(HaveKeyWithValue("client_id", "client-1"))
		})
	})

	Describe("reads", func() {
		It("hides another client's order", func() {
			o := paidOrder(r1.ID)

			_, err := svc.GetForClient(ctx, o.ID, "client-2")
			Expect(err).To(haveCode(apperror.CodeNotFound))

			got, err := svc.GetForClient(ctx, o.ID, "client-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.ID).To(Equal(o.ID))
		})

		It("records the payment verdict", func() {
			o := store.PutOrder(&models.Order{ClientID: "client-1", ResourceIDs: []string{r1.ID}})

			got, err := svc.SetPaymentValidated(ctx, o.ID, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.PaymentValidated).To(BeTrue())
		})
	})
})

func strp(s string) *string {
	return &s
}

func floatp(f float64) *float64 {
	return &f
}
