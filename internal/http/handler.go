package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/apperror"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/models"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/service"
)

type Handler struct {
	provisionService *service.ProvisionService
	orderService     *service.OrderService
	leaseService     *service.LeaseService
}

func NewHandler(provisionService *service.ProvisionService, orderService *service.OrderService, leaseService *service.LeaseService) *Handler {
	return &Handler{
		provisionService: provisionService,
		orderService:     orderService,
		leaseService:     leaseService,
	}
}

// respondError writes {"error": {"code", "message"}} with the status the error maps to.
func respondError(c *gin.Context, err error) {
	appErr := apperror.From(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(appErr.StatusCode, gin.H{"error": appErr})
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, apperror.Validation("invalid request body: "+err.Error()))
		return false
	}
	return true
}

// pathID reads a uuid path parameter.
func pathID(c *gin.Context, name string) (string, bool) {
	id := c.Param(name)
	if _, err := uuid.Parse(id); err != nil {
		respondError(c, apperror.Validation(name+" must be a uuid"))
		return "", false
	}
	return id, true
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// ==================== User API: resources ====================

// CreateCustomResource provisions a VM sized by the client.
func (h *Handler) CreateCustomResource(c *gin.Context) {
	var req models.CustomResourceRequest
	if !bindJSON(c, &req) {
		return
	}

	resp, err := h.provisionService.CreateCustomResource(c.Request.Context(), userID(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.Status == models.ProvisionStatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, resp)
}

func (h *Handler) GetResourceStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	status, err := h.provisionService.CheckStatus(c.Request.Context(), id, userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) GetConnectionDetails(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	details, err := h.provisionService.GetConnectionDetails(c.Request.Context(), id, userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) GetConsoleTicket(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	ticket, err := h.provisionService.ConsoleTicket(c.Request.Context(), id, userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (h *Handler) GetLease(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	info, err := h.leaseService.Lease(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// ReleaseResource ends the caller's lease early.
func (h *Handler) ReleaseResource(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	result, err := h.leaseService.Release(c.Request.Context(), userID(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListMyAllocations returns what the caller currently holds.
func (h *Handler) ListMyAllocations(c *gin.Context) {
	allocations, err := h.leaseService.Allocations(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocations": allocations})
}

// ==================== User API: orders ====================

func (h *Handler) CreateOrder(c *gin.Context) {
	var req models.CreateOrderRequest
	if !bindJSON(c, &req) {
		return
	}

	o, err := h.orderService.Create(c.Request.Context(), userID(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, service.ToOrderView(o))
}

func (h *Handler) ListMyOrders(c *gin.Context) {
	orders, err := h.orderService.ListByClient(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]*models.OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, service.ToOrderView(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": views})
}

func (h *Handler) GetMyOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	o, err := h.orderService.GetForClient(c.Request.Context(), id, userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, service.ToOrderView(o))
}

// ==================== Internal API: resources ====================

// CreateResource registers an operator-managed resource.
func (h *Handler) CreateResource(c *gin.Context) {
	var req models.CreateResourceRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.provisionService.CreateResource(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, service.ToResourceView(res))
}

func (h *Handler) ListResources(c *gin.Context) {
	resources, err := h.provisionService.ListResources(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]*models.ResourceView, 0, len(resources))
	for _, r := range resources {
		views = append(views, service.ToResourceView(r))
	}
	c.JSON(http.StatusOK, gin.H{"resources": views})
}

func (h *Handler) GetResource(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	res, err := h.provisionService.GetResource(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, service.ToResourceView(res))
}

func (h *Handler) DeleteResource(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.provisionService.DeleteResource(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetResourceHistory returns the audit trail of a resource, newest first.
// GET /resources/:id/history?limit=50
func (h *Handler) GetResourceHistory(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	entries, err := h.provisionService.History(c.Request.Context(), id, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resource_id": id, "entries": service.ToResourceLogViews(entries)})
}

func (h *Handler) GetCapacity(c *gin.Context) {
	capacity, err := h.provisionService.Capacity(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, capacity)
}

// ==================== Internal API: orders ====================

// UpdateOrder applies a partial update; moving to "accepté" allocates the resources.
func (h *Handler) UpdateOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req models.UpdateOrderRequest
	if !bindJSON(c, &req) {
		return
	}

	o, err := h.orderService.Update(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, service.ToOrderView(o))
}

func (h *Handler) AcceptOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	o, err := h.orderService.Accept(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, service.ToOrderView(o))
}

// UpdatePayment is called by the payment subsystem.
func (h *Handler) UpdatePayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req models.PaymentUpdateRequest
	if !bindJSON(c, &req) {
		return
	}

	o, err := h.orderService.SetPaymentValidated(c.Request.Context(), id, *req.Validated)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, service.ToOrderView(o))
}

func (h *Handler) DeleteOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.orderService.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
