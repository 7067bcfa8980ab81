package model

import "time"

// StatusHistoryEntry is one row of the append-only status trail. Entries are
// written in the same transaction as the status change they record and are
// never updated or deleted.
type StatusHistoryEntry struct {
	ID             int64            `gorm:"primaryKey;autoIncrement"`
	AllocationID   int64            `gorm:"index:idx_history_allocation;not null"`
	AllocationKind AllocationKind   `gorm:"size:32;index:idx_history_allocation;not null"`
	Status         AllocationStatus `gorm:"size:32;not null"`
	ChangedBy      *string          `gorm:"size:64"` // Opaque actor id from the auth layer
	Remarks        string
	ChangedAt      time.Time `gorm:"not null;index"`
}
