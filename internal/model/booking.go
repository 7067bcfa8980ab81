package model

import "time"

// Booking binds one technician to one slot for a single service.
type Booking struct {
	ID             int64            `gorm:"primaryKey"`
	TechnicianID   int64            `gorm:"index:idx_bookings_tech_slot;not null"`
	SlotID         int64            `gorm:"index:idx_bookings_tech_slot;not null"`
	CustomerID     int64            `gorm:"index;not null"`
	ServiceID      *int64           // Optional reference into the (external) service catalogue
	Status         AllocationStatus `gorm:"size:32;not null"`
	Notes          string
	IdempotencyKey *string `gorm:"uniqueIndex;size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
