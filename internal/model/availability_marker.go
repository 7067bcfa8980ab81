package model

import "time"

// AvailabilityMarker is a denormalized cache of per-technician, per-slot
// free/busy state. The live allocations are the source of truth; the marker is
// rebuilt from them after every allocation mutation and must never be the sole
// input to a conflict check.
type AvailabilityMarker struct {
	TechnicianID int64     `gorm:"primaryKey"`
	SlotID       int64     `gorm:"primaryKey"`
	IsAvailable  bool      `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}
