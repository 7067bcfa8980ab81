package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"carservice-backend/internal/model"
)

// rebuildMarker recomputes the availability marker for one technician/slot
// pair from the live allocations and upserts it. Called after every allocation
// mutation, inside the mutation's transaction, so the cache never lags a
// committed change.
func rebuildMarker(tx *gorm.DB, technicianID, slotID int64) error {
	var bookings int64
	if err := tx.Model(&model.Booking{}).
		Where("technician_id = ? AND slot_id = ? AND status <> ?", technicianID, slotID, model.StatusCancelled).
		Count(&bookings).Error; err != nil {
		return fmt.Errorf("failed to count bookings for marker (%d,%d): %w", technicianID, slotID, err)
	}
	var requests int64
	if err := tx.Model(&model.ServiceRequest{}).
		Where("technician_id = ? AND slot_id = ? AND status <> ?", technicianID, slotID, model.StatusCancelled).
		Count(&requests).Error; err != nil {
		return fmt.Errorf("failed to count service requests for marker (%d,%d): %w", technicianID, slotID, err)
	}

	marker := model.AvailabilityMarker{
		TechnicianID: technicianID,
		SlotID:       slotID,
		IsAvailable:  bookings+requests == 0,
		UpdatedAt:    time.Now().UTC(),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "technician_id"}, {Name: "slot_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_available", "updated_at"}),
	}).Create(&marker).Error
}

// RebuildMarker recomputes one marker outside any surrounding transaction. The
// marker is a rebuildable cache, so this is always safe to invoke.
func (s *gormStore) RebuildMarker(ctx context.Context, technicianID, slotID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return rebuildMarker(tx, technicianID, slotID)
	})
}
