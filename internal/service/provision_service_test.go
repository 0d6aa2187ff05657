package service_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/apperror"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/client"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/logger"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/service"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/testutil"
)

var _ = Describe("ProvisionService", func() {
	var (
		ctx        context.Context
		store      *testutil.Store
		hypervisor *testutil.FakeHypervisor
		guestCfg   *testutil.FakeGuest
		sched      *testutil.FakeScheduler
		svc        *service.ProvisionService
	)

	request := func() *models.CustomResourceRequest {
		return &models.CustomResourceRequest{
			Name:          "build-box",
			CPU:           4,
			RAMGB:         8,
			StorageGB:     50,
			DurationHours: 24,
			OSFamily:      models.OSFamilyUbuntu,
		}
	}

	latestAttempt := func(resourceID string) *models.ProvisioningAttempt {
		a, err := store.Attempts().GetLatestByResource(ctx, resourceID)
		Expect(err).ToNot(HaveOccurred())
		return a
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = testutil.NewStore()
		hypervisor = testutil.NewFakeHypervisor()
		guestCfg = &testutil.FakeGuest{}
		sched = testutil.NewFakeScheduler()
		svc = service.NewProvisionService(testConfig(), store.Resources(), store.Attempts(), store.Orders(),
			store.Logs(), hypervisor, guestCfg, sched, logger.Nop())
	})

	AfterEach(func() {
		opened, ended := hypervisor.Sessions()
		Expect(ended).To(Equal(opened), "every hypervisor session must be ended")
		Expect(store.CheckInvariant()).To(Succeed())
	})

	Describe("CreateCustomResource", func() {
		It("creates the VM and schedules one deferred retry when no address shows up", func() {
			resp, err := svc.CreateCustomResource(ctx, "client-1", request())
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(models.ProvisionStatusPending))
			Expect(resp.Resource.Available).To(BeTrue())
			Expect(resp.Resource.ExternalID).ToNot(BeNil())

			Expect(hypervisor.CreateCalls()).To(Equal(1))
			Expect(hypervisor.AddressPolls()).To(Equal(3))
			Expect(sched.Pending()).To(ConsistOf("retry:" + *resp.Resource.ExternalID))

			attempt := latestAttempt(resp.Resource.ID)
			Expect(attempt.State).To(Equal(models.AttemptDeferredRetry))
			Expect(attempt.RetryScheduled).To(BeTrue())
			Expect(attempt.PollCount).To(Equal(3))

			stored := store.Resource(resp.Resource.ID)
			Expect(stored.OwnerID).To(Equal("client-1"))
			Expect(stored.Address).To(BeNil())
		})

		It("configures the resource when an address appears within the window", func() {
			hypervisor.AddressAfter(2, "10.0.0.15")

			resp, err := svc.CreateCustomResource(ctx, "client-1", request())
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(models.ProvisionStatusConfigured))
			Expect(*resp.Resource.Address).To(Equal("10.0.0.15"))
			Expect(sched.Pending()).To(BeEmpty())

			stored := store.Resource(resp.Resource.ID)
			Expect(*stored.Username).To(Equal("root"))
			Expect(*stored.Password).To(Equal("s3cret-default"))
			Expect(*stored.Protocol).To(Equal(models.ProtocolSSH))

			targets := guestCfg.Targets()
			Expect(targets).To(HaveLen(1))
			Expect(targets[0].Address).To(Equal("10.0.0.15"))
			Expect(targets[0].Hostname).To(Equal("build-box"))
			Expect(targets[0].Family).To(Equal(models.OSFamilyUbuntu))

			Expect(latestAttempt(resp.Resource.ID).State).To(Equal(models.AttemptConfigured))
			Expect(store.Actions(resp.Resource.ID)).To(ContainElements("vm_created", "address_resolved", "guest_configured"))
		})

		It("records attempt details with each audit entry", func() {
			hypervisor.AddressAfter(2, "10.0.0.17")

			resp, err := svc.CreateCustomResource(ctx, "client-1", request())
			Expect(err).ToNot(HaveOccurred())

			byAction := map[string]*models.ResourceLog{}
			for _, e := range store.Entries(resp.Resource.ID) {
				byAction[e.Action] = e
			}

			created := byAction["vm_created"]
			Expect(created).ToNot(BeNil())
			Expect(created.Details).To(HaveKeyWithValue("external_id", *resp.Resource.ExternalID))
			Expect(created.Details).To(HaveKeyWithValue("poll_count", 0))
			Expect(created.Details).To(HaveKeyWithValue("retry_scheduled", false))

			resolved := byAction["address_resolved"]
			Expect(resolved).ToNot(BeNil())
			Expect(resolved.Details).To(HaveKeyWithValue("address", "10.0.0.17"))
			Expect(resolved.Details).To(HaveKeyWithValue("poll_count", 2))
			Expect(resolved.Details).To(HaveKeyWithValue("state", models.AttemptConfigured))

			Expect(byAction["guest_configured"].Details).To(HaveKeyWithValue("os_family", models.OSFamilyUbuntu))
		})

		It("still reports configured when guest configuration fails", func() {
			hypervisor.AddressAfter(1, "10.0.0.16")
			guestCfg.Err = errors.New("ssh port never opened")

			resp, err := svc.CreateCustomResource(ctx, "client-1", request())
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(models.ProvisionStatusConfigured))
			Expect(latestAttempt(resp.Resource.ID).State).To(Equal(models.AttemptConfigured))
		})

		It("rejects a request that exceeds free capacity without creating anything", func() {
			req := request()
			req.CPU = 20

			_, err := svc.CreateCustomResource(ctx, "client-1", req)
			Expect(err).To(haveCode(apperror.CodeCapacityExceeded))
			Expect(hypervisor.CreateCalls()).To(BeZero())
			Expect(store.AllResources()).To(BeEmpty())
		})

		It("rejects an unknown boot image", func() {
			hypervisor.Images = []client.Image{{Datastore: "datastore-1", DatastoreName: "ds1", Path: "iso/ubuntu-24.04.iso"}}
			req := request()
			req.BootImage = "[ds1] iso/missing.iso"

			_, err := svc.CreateCustomResource(ctx, "client-1", req)
			Expect(err).To(haveCode(apperror.CodeImageNotFound))
			Expect(hypervisor.CreateCalls()).To(BeZero())
		})

		It("accepts a boot image that exists", func() {
			hypervisor.Images = []client.Image{{Datastore: "datastore-1", DatastoreName: "ds1", Path: "iso/ubuntu-24.04.iso"}}
			req := request()
			req.BootImage = "[ds1] iso/ubuntu-24.04.iso"

			_, err := svc.CreateCustomResource(ctx, "client-1", req)
			Expect(err).ToNot(HaveOccurred())
			Expect(hypervisor.Specs()[0].BootImage).To(Equal("[ds1] iso/ubuntu-24.04.iso"))
		})

		It("fails validation before touching the hypervisor", func() {
			req := request()
			req.Name = ""
			req.CPU = 0

			_, err := svc.CreateCustomResource(ctx, "client-1", req)
			Expect(err).To(haveCode(apperror.CodeValidation))
			opened, _ := hypervisor.Sessions()
			Expect(opened).To(BeZero())
		})

		It("surfaces an unreachable hypervisor", func() {
			hypervisor.SessionError = testutil.Unreachable()

			_, err := svc.CreateCustomResource(ctx, "client-1", request())
			Expect(err).To(haveCode(apperror.CodeHypervisorUnreachable))
		})

		It("passes creation failures through", func() {
			hypervisor.CreateError = apperror.CreationFailed(errors.New("placement failed"))

			_, err := svc.CreateCustomResource(ctx, "client-1", request())
			Expect(err).To(haveCode(apperror.CodeCreationFailed))
			Expect(store.AllResources()).To(BeEmpty())
		})
	})

	Describe("deferred retry", func() {
		It("configures the resource when the retry finds an address", func() {
			hypervisor.AddressAfter(4, "10.0.0.20")

			resp, err := svc.CreateCustomResource(ctx, "client-1", request())
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(models.ProvisionStatusPending))

			Expect(sched.RunAll()).To(Equal(1))

			attempt := latestAttempt(resp.Resource.ID)
			Expect(attempt.State).To(Equal(models.AttemptConfigured))
			Expect(*attempt.Address).To(Equal("10.0.0.20"))
			Expect(*store.Resource(resp.Resource.ID).Address).To(Equal("10.0.0.20"))
		})

		It("gives up after one retry and never schedules another", func() {
			resp, err := svc.CreateCustomResource(ctx, "client-1", request())
			Expect(err).ToNot(HaveOccurred())

			Expect(sched.RunAll()).To(Equal(1))
			Expect(sched.RunAll()).To(BeZero())

			attempt := latestAttempt(resp.Resource.ID)
			Expect(attempt.State).To(Equal(models.AttemptGivenUp))
			Expect(attempt.Outcome()).To(Equal(models.OutcomeFailed))
			Expect(hypervisor.AddressPolls()).To(Equal(6))
			Expect(store.Actions(resp.Resource.ID)).To(ContainElement("given_up"))

			// the VM is kept and the resource stays in the pool, parked as Inactive
			stored := store.Resource(resp.Resource.ID)
			Expect(stored.Available).To(BeTrue())
			Expect(stored.Status).To(Equal(models.StatusInactive))
			Expect(hypervisor.Deleted()).To(BeEmpty())
			Expect(store.Actions(resp.Resource.ID)).To(ContainElement("status_changed"))
		})

		It("reactivates a parked resource once a status check finds its address", func() {
			resp, err := svc.CreateCustomResource(ctx, "client-1", request())
			Expect(err).ToNot(HaveOccurred())
			Expect(sched.RunAll()).To(Equal(1))
			Expect(store.Resource(resp.Resource.ID).Status).To(Equal(models.StatusInactive))

			hypervisor.AddressFunc = func(int) (string, error) { return "10.0.0.21", nil }

			st, err := svc.CheckStatus(ctx, resp.Resource.ID, "client-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(*st.Address).To(Equal("10.0.0.21"))

			stored := store.Resource(resp.Resource.ID)
			Expect(stored.Status).To(Equal(models.StatusActive))
			Expect(*stored.Address).To(Equal("10.0.0.21"))

			var transitions []map[string]interface{}
			for _, e := range store.Entries(resp.Resource.ID) {
				if e.Action == "status_changed" {
					transitions = append(transitions, e.Details)
				}
			}
			Expect(transitions).To(HaveLen(2))
			Expect(transitions[0]).To(HaveKeyWithValue("to", models.StatusInactive))
			Expect(transitions[1]).To(HaveKeyWithValue("from", models.StatusInactive))
			Expect(transitions[1]).To(HaveKeyWithValue("to", models.StatusActive))
		})

		It("is cancelled when the resource is deleted first", func() {
			resp, err := svc.CreateCustomResource(ctx, "client-1", request())
			Expect(err).ToNot(HaveOccurred())
			Expect(sched.Pending()).To(HaveLen(1))

			Expect(svc.DeleteResource(ctx, resp.Resource.ID)).To(Succeed())
			Expect(sched.Pending()).To(BeEmpty())
			Expect(sched.RunAll()).To(BeZero())
			Expect(hypervisor.Deleted()).To(ConsistOf(*resp.Resource.ExternalID))
		})

		It("leaves a VM alone while another loop is polling it", func() {
			res := store.PutResource(&models.Resource{Name: "stuck", ExternalID: ptr("vm-9"), OSFamily: models.OSFamilyLinux})
			store.PutAttempt(&models.ProvisioningAttempt{ResourceID: res.ID, ExternalID: "vm-9", State: models.AttemptAddressPending})

			entered := make(chan struct{})
			unblock := make(chan struct{})
			var once sync.Once
			hypervisor.AddressFunc = func(n int) (string, error) {
				if n == 1 {
					once.Do(func() { close(entered) })
					<-unblock
					return "10.0.0.30", nil
				}
				return "", nil
			}

			n, err := svc.ResumePending(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(1))

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				sched.RunAll()
			}()
			Eventually(entered).Should(BeClosed())

			// a second run for the same VM backs off without giving up
			_, err = svc.ResumePending(ctx)
			Expect(err).ToNot(HaveOccurred())
			sched.RunAll()
			Expect(latestAttempt(res.ID).State).To(Equal(models.AttemptDeferredRetry))
			Expect(hypervisor.AddressPolls()).To(Equal(1))

			close(unblock)
			Eventually(done).Should(BeClosed())
			Expect(latestAttempt(res.ID).State).To(Equal(models.AttemptConfigured))
		})
	})

	Describe("ResumePending", func() {
		It("re-schedules attempts persisted before a restart", func() {
			res := store.PutResource(&models.Resource{Name: "pending", ExternalID: ptr("vm-7"), OSFamily: models.OSFamilyLinux})
			store.PutAttempt(&models.ProvisioningAttempt{ResourceID: res.ID, ExternalID: "vm-7", State: models.AttemptAddressPending})
			store.PutAttempt(&models.ProvisioningAttempt{ResourceID: res.ID, ExternalID: "vm-7", State: models.AttemptConfigured})

			n, err := svc.ResumePending(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(sched.Pending()).To(ConsistOf("retry:vm-7"))
		})
	})

	Describe("CheckStatus", func() {
		var res *models.Resource

		BeforeEach(func() {
			res = store.PutResource(&models.Resource{
				Name: "status-box", ExternalID: ptr("vm-3"), OwnerID: "client-1", OSFamily: models.OSFamilyLinux, Address: ptr("10.0.0.3"),
			})
		})

		It("reports power state and the live address", func() {
			hypervisor.AddressAfter(1, "10.0.0.4")

			st, err := svc.CheckStatus(ctx, res.ID, "client-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(st.PowerState).To(Equal("POWERED_ON"))
			Expect(*st.Address).To(Equal("10.0.0.4"))
			Expect(st.Ready).To(BeTrue())
			Expect(*store.Resource(res.ID).Address).To(Equal("10.0.0.4"))
		})

		It("is not ready while the VM is powered off", func() {
			hypervisor.PowerState = "POWERED_OFF"
			hypervisor.AddressAfter(1, "10.0.0.3")

			st, err := svc.CheckStatus(ctx, res.ID, "client-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(st.Ready).To(BeFalse())
		})

		It("falls back to cached values when the hypervisor is unreachable", func() {
			hypervisor.DetailsError = testutil.Unreachable()

			st, err := svc.CheckStatus(ctx, res.ID, "client-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(st.PowerState).To(Equal(service.PowerStateUnknown))
			Expect(*st.Address).To(Equal("10.0.0.3"))
			Expect(st.Ready).To(BeFalse())
		})

		It("returns NOT_FOUND for an unknown resource", func() {
			_, err := svc.CheckStatus(ctx, "5f0c8a3e-0000-4000-8000-000000000000", "client-1")
			Expect(err).To(haveCode(apperror.CodeNotFound))
		})

		It("forbids a client that neither requested nor holds the resource", func() {
			_, err := svc.CheckStatus(ctx, res.ID, "client-2")
			Expect(err).To(haveCode(apperror.CodeForbidden))
			opened, _ := hypervisor.Sessions()
			Expect(opened).To(BeZero())
		})

		It("answers a client holding the resource through an accepted order", func() {
			store.PutOrder(&models.Order{ClientID: "client-2", Status: models.OrderStatusAccepted, ResourceIDs: []string{res.ID}})
			hypervisor.AddressAfter(1, "10.0.0.3")

			st, err := svc.CheckStatus(ctx, res.ID, "client-2")
			Expect(err).ToNot(HaveOccurred())
			Expect(st.Ready).To(BeTrue())
		})
	})

	Describe("connection details and console", func() {
		var res *models.Resource

		BeforeEach(func() {
			res = store.PutResource(&models.Resource{Name: "leased", ExternalID: ptr("vm-5"), OSFamily: models.OSFamilyWindows})
		})

		It("forbids a client that holds no allocation on it", func() {
			_, err := svc.GetConnectionDetails(ctx, res.ID, "client-2")
			Expect(err).To(haveCode(apperror.CodeForbidden))

			_, err = svc.ConsoleTicket(ctx, res.ID, "client-2")
			Expect(err).To(haveCode(apperror.CodeForbidden))
		})

		Context("with an accepted order", func() {
			BeforeEach(func() {
				store.PutOrder(&models.Order{ClientID: "client-1", Status: models.OrderStatusAccepted, ResourceIDs: []string{res.ID}})
			})

			It("looks the address up lazily and stores it", func() {
				hypervisor.AddressAfter(1, "10.0.0.50")

				details, err := svc.GetConnectionDetails(ctx, res.ID, "client-1")
				Expect(err).ToNot(HaveOccurred())
				Expect(details.Address).To(Equal("10.0.0.50"))
				Expect(details.Username).To(Equal("Administrator"))
				Expect(details.Protocol).To(Equal(models.ProtocolRDP))
				Expect(store.Resource(res.ID).HasConnectionDetails()).To(BeTrue())
			})

			It("returns NOT_FOUND while no address is known", func() {
				_, err := svc.GetConnectionDetails(ctx, res.ID, "client-1")
				Expect(err).To(haveCode(apperror.CodeNotFound))
			})

			It("issues a console ticket", func() {
				t, err := svc.ConsoleTicket(ctx, res.ID, "client-1")
				Expect(err).ToNot(HaveOccurred())
				Expect(t.Ticket).To(Equal("ticket-vm-5"))
			})
		})

		It("refuses a console ticket for a resource without a VM", func() {
			bare := store.PutResource(&models.Resource{Name: "metal", OSFamily: models.OSFamilyLinux})
			store.PutOrder(&models.Order{ClientID: "client-1", Status: models.OrderStatusAccepted, ResourceIDs: []string{bare.ID}})

			_, err := svc.ConsoleTicket(ctx, bare.ID, "client-1")
			Expect(err).To(haveCode(apperror.CodePreconditionFailed))
		})
	})

	Describe("operator operations", func() {
		It("registers a resource with connection details", func() {
			res, err := svc.CreateResource(ctx, &models.CreateResourceRequest{
				Name: "rack-7", CPU: 16, RAMGB: 64, StorageGB: 500, DurationHours: 48,
				OSFamily: models.OSFamilyDebian, Address: ptr("192.168.1.7"),
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Available).To(BeTrue())
			Expect(store.Resource(res.ID).HasConnectionDetails()).To(BeTrue())
		})

		It("refuses to delete a resource an order references", func() {
			res := store.PutResource(&models.Resource{Name: "in-use", ExternalID: ptr("vm-8")})
			store.PutOrder(&models.Order{ClientID: "client-1", ResourceIDs: []string{res.ID}})

			err := svc.DeleteResource(ctx, res.ID)
			Expect(err).To(haveCode(apperror.CodeConflict))
			Expect(hypervisor.Deleted()).To(BeEmpty())
		})

		It("refuses to delete a resource a client still holds after its order is gone", func() {
			res := store.PutResource(&models.Resource{Name: "held", ExternalID: ptr("vm-8"), LeaseStart: &leaseStart})
			order := store.PutOrder(&models.Order{ClientID: "client-1", Status: models.OrderStatusAccepted, ResourceIDs: []string{res.ID}})
			Expect(store.Orders().Delete(ctx, order.ID)).To(Succeed())

			err := svc.DeleteResource(ctx, res.ID)
			Expect(err).To(haveCode(apperror.CodeConflict))
			Expect(hypervisor.Deleted()).To(BeEmpty())
		})

		It("deletes the VM and the resource", func() {
			res := store.PutResource(&models.Resource{Name: "spare", ExternalID: ptr("vm-8")})

			Expect(svc.DeleteResource(ctx, res.ID)).To(Succeed())
			Expect(hypervisor.Deleted()).To(ConsistOf("vm-8"))
			Expect(store.Resource(res.ID)).To(BeNil())
		})

		It("reports free capacity", func() {
			c, err := svc.Capacity(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(*c).To(Equal(models.CapacityResponse{CPU: 10, RAMGB: 32, StorageGB: 100}))
		})
	})
})

var leaseStart = time.Now().Add(-time.Hour)

func ptr(s string) *string {
	return &s
}
