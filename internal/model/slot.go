package model

import "time"

// Slot represents one hourly bookable interval owned by a Day.
type Slot struct {
	ID          int64     `gorm:"primaryKey"`
	DayID       int64     `gorm:"index;not null"`
	StartTime   time.Time `gorm:"not null"`
	EndTime     time.Time `gorm:"not null"`
	IsAvailable bool      `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Associations
	Day Day `gorm:"constraint:OnDelete:CASCADE"`
}
