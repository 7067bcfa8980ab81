package model

import "time"

// Technician represents a member of the workshop staff that slots are
// allocated against.
type Technician struct {
	ID          int64  `gorm:"primaryKey"`
	DisplayName string `gorm:"size:256;not null"`
	Active      bool   `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
