package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const dateLayout = "2006-01-02"

type slotResponse struct {
	ID          int64     `json:"id"`
	DayID       int64     `json:"day_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	IsAvailable bool      `json:"is_available"`
}

type dayResponse struct {
	ID     int64          `json:"id"`
	Date   string         `json:"date"`
	IsOpen bool           `json:"is_open"`
	Slots  []slotResponse `json:"slots"`
}

// GetSlots handles GET /api/calendar/slots?date=YYYY-MM-DD.
func (h *Handler) GetSlots(c *gin.Context) {
	date, err := time.Parse(dateLayout, c.Query("date"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid or missing date, expected YYYY-MM-DD"})
		return
	}

	day, err := h.store.SlotsForDate(c.Request.Context(), date)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := dayResponse{
		ID:     day.ID,
		Date:   day.Date.Format(dateLayout),
		IsOpen: day.IsOpen,
		Slots:  make([]slotResponse, 0, len(day.Slots)),
	}
	for _, slot := range day.Slots {
		resp.Slots = append(resp.Slots, slotResponse{
			ID:          slot.ID,
			DayID:       slot.DayID,
			StartTime:   slot.StartTime,
			EndTime:     slot.EndTime,
			IsAvailable: slot.IsAvailable,
		})
	}
	c.JSON(http.StatusOK, resp)
}

type cascadeRequest struct {
	IsOpen *bool `json:"is_open" binding:"required"`
}

// CascadeDay handles PATCH /api/calendar/days/:day_id/cascade. It flips the
// day's open flag and propagates it to every child slot.
func (h *Handler) CascadeDay(c *gin.Context) {
	dayID, err := strconv.ParseInt(c.Param("day_id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid day id"})
		return
	}

	var req cascadeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "is_open is required"})
		return
	}

	if err := h.store.SetDayOpen(c.Request.Context(), dayID, *req.IsOpen); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"day_id": dayID, "is_open": *req.IsOpen})
}

// GetTechnicians handles GET /api/technicians.
func (h *Handler) GetTechnicians(c *gin.Context) {
	techs, err := h.store.ListTechnicians(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, techs)
}
