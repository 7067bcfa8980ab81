package model

import "time"

// ServiceRequest binds one technician to one slot for a multi-item request.
type ServiceRequest struct {
	ID             int64            `gorm:"primaryKey"`
	TechnicianID   int64            `gorm:"index:idx_requests_tech_slot;not null"`
	SlotID         int64            `gorm:"index:idx_requests_tech_slot;not null"`
	CustomerID     int64            `gorm:"index;not null"`
	Status         AllocationStatus `gorm:"size:32;not null"`
	Notes          string
	IdempotencyKey *string `gorm:"uniqueIndex;size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Associations
	Items []ServiceRequestItem `gorm:"foreignKey:RequestID;constraint:OnDelete:CASCADE"`
}

// ServiceRequestItem is one service or package line on a service request.
type ServiceRequestItem struct {
	ID        int64  `gorm:"primaryKey"`
	RequestID int64  `gorm:"index;not null"`
	ItemType  string `gorm:"size:32;not null"` // "service" or "package"
	ItemID    int64  `gorm:"not null"`
	Quantity  int    `gorm:"not null;default:1"`
}
