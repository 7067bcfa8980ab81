package model

import "time"

// Day represents a single bookable calendar date.
type Day struct {
	ID        int64     `gorm:"primaryKey"`
	Date      time.Time `gorm:"uniqueIndex;not null"` // UTC midnight of the civil date
	IsOpen    bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	// Associations
	Slots []Slot `gorm:"foreignKey:DayID"`
}
