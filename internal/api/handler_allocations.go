package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"carservice-backend/internal/model"
	"carservice-backend/internal/store"
)

type createAllocationRequest struct {
	Kind           string             `json:"kind"`
	TechnicianID   int64              `json:"technician_id" binding:"required"`
	SlotID         int64              `json:"slot_id" binding:"required"`
	RequesterID    int64              `json:"requester_id" binding:"required"`
	ServiceID      *int64             `json:"service_id"`
	Items          []store.ItemParams `json:"items"`
	Notes          string             `json:"notes"`
	IdempotencyKey string             `json:"idempotency_key"`
}

// allocationKind resolves the kind field, defaulting by shape: a request with
// line items is a service request, otherwise a plain booking.
func (r createAllocationRequest) allocationKind() model.AllocationKind {
	if r.Kind != "" {
		return model.AllocationKind(r.Kind)
	}
	if len(r.Items) > 0 {
		return model.KindServiceRequest
	}
	return model.KindBooking
}

// CreateAllocation handles POST /api/allocations.
func (h *Handler) CreateAllocation(c *gin.Context) {
	var req createAllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	alloc, err := h.store.CreateAllocation(c.Request.Context(), store.CreateParams{
		Kind:           req.allocationKind(),
		TechnicianID:   req.TechnicianID,
		SlotID:         req.SlotID,
		CustomerID:     req.RequesterID,
		ServiceID:      req.ServiceID,
		Items:          req.Items,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, alloc)
}

type updateStatusRequest struct {
	Kind      string  `json:"kind"`
	Status    string  `json:"status" binding:"required"`
	ChangedBy *string `json:"changed_by"`
	Remarks   string  `json:"remarks"`
}

// kindParam resolves the allocation kind from a request body field or the
// kind query parameter, defaulting to plain booking.
func kindParam(field, query string) model.AllocationKind {
	if field != "" {
		return model.AllocationKind(field)
	}
	if query != "" {
		return model.AllocationKind(query)
	}
	return model.KindBooking
}

// UpdateAllocationStatus handles PATCH /api/allocations/:id/status.
func (h *Handler) UpdateAllocationStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid allocation id"})
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	kind := kindParam(req.Kind, c.Query("kind"))
	alloc, err := h.store.UpdateStatus(c.Request.Context(), kind, id, model.AllocationStatus(req.Status), req.ChangedBy, req.Remarks)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if alloc.Status.Terminal() {
		h.notifyFreed(alloc.TechnicianID, alloc.SlotID)
	}
	c.JSON(http.StatusOK, alloc)
}

// GetAllocationHistory handles GET /api/allocations/:id/history.
func (h *Handler) GetAllocationHistory(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid allocation id"})
		return
	}

	entries, err := h.store.GetHistory(c.Request.Context(), kindParam("", c.Query("kind")), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

type rescheduleRequest struct {
	Kind         string  `json:"kind"`
	TechnicianID int64   `json:"technician_id" binding:"required"`
	SlotID       int64   `json:"slot_id" binding:"required"`
	Date         string  `json:"date" binding:"required"`
	ChangedBy    *string `json:"changed_by"`
	Remarks      string  `json:"remarks"`
}

// RescheduleAllocation handles PUT /api/allocations/:id/reschedule.
func (h *Handler) RescheduleAllocation(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid allocation id"})
		return
	}

	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid date, expected YYYY-MM-DD"})
		return
	}

	alloc, freed, err := h.store.Reschedule(c.Request.Context(), store.RescheduleParams{
		Kind:         kindParam(req.Kind, c.Query("kind")),
		ID:           id,
		TechnicianID: req.TechnicianID,
		SlotID:       req.SlotID,
		Date:         date,
		Remarks:      req.Remarks,
		ChangedBy:    req.ChangedBy,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	if freed != nil {
		h.notifyFreed(freed.TechnicianID, freed.SlotID)
	}
	c.JSON(http.StatusOK, alloc)
}

// DeleteAllocation handles DELETE /api/allocations/:id.
func (h *Handler) DeleteAllocation(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid allocation id"})
		return
	}

	alloc, err := h.store.DeleteAllocation(c.Request.Context(), kindParam("", c.Query("kind")), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.notifyFreed(alloc.TechnicianID, alloc.SlotID)
	c.Status(http.StatusNoContent)
}

// GetAvailability handles GET /api/allocations/availability?date&slot_id.
func (h *Handler) GetAvailability(c *gin.Context) {
	date, err := time.Parse(dateLayout, c.Query("date"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid or missing date, expected YYYY-MM-DD"})
		return
	}
	slotID, err := strconv.ParseInt(c.Query("slot_id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid or missing slot_id"})
		return
	}

	var technicianID *int64
	if raw := c.Query("technician_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid technician_id"})
			return
		}
		technicianID = &id
	}

	availability, err := h.store.QueryAvailability(c.Request.Context(), date, slotID, technicianID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, availability)
}
