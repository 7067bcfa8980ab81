package store

import (
	"time"

	"carservice-backend/internal/model"
)

// Allocation is the kind-neutral view of a booking or service request returned
// by the allocation operations.
type Allocation struct {
	ID           int64                      `json:"id"`
	Kind         model.AllocationKind       `json:"kind"`
	TechnicianID int64                      `json:"technician_id"`
	SlotID       int64                      `json:"slot_id"`
	CustomerID   int64                      `json:"customer_id"`
	Status       model.AllocationStatus     `json:"status"`
	Notes        string                     `json:"notes,omitempty"`
	Items        []model.ServiceRequestItem `json:"items,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
}

// CreateParams carries the input for a new allocation.
type CreateParams struct {
	Kind           model.AllocationKind
	TechnicianID   int64
	SlotID         int64
	CustomerID     int64
	ServiceID      *int64
	Items          []ItemParams
	Notes          string
	IdempotencyKey string
}

// ItemParams is one requested line item on a multi-item service request.
type ItemParams struct {
	ItemType string `json:"item_type"`
	ItemID   int64  `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// RescheduleParams carries the target day/slot/technician for a reschedule.
type RescheduleParams struct {
	Kind         model.AllocationKind
	ID           int64
	TechnicianID int64
	SlotID       int64
	Date         time.Time
	Remarks      string
	ChangedBy    *string
}

// FreedPair reports a technician/slot combination that became bookable again
// as a side effect of a mutation, so callers can fan out notifications.
type FreedPair struct {
	TechnicianID int64
	SlotID       int64
}

// TechnicianAvailability is the derived free/busy state of one technician for
// one slot.
type TechnicianAvailability struct {
	TechnicianID int64  `json:"technician_id"`
	DisplayName  string `json:"display_name"`
	IsAvailable  bool   `json:"is_available"`
}
