package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"carservice-backend/internal/model"
)

// appendHistory writes one ledger row. It must run inside the transaction of
// the status change it records; every status write is paired with exactly one
// of these.
func appendHistory(tx *gorm.DB, kind model.AllocationKind, allocationID int64, status model.AllocationStatus, changedBy *string, remarks string) error {
	entry := model.StatusHistoryEntry{
		AllocationID:   allocationID,
		AllocationKind: kind,
		Status:         status,
		ChangedBy:      changedBy,
		Remarks:        remarks,
		ChangedAt:      time.Now().UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to append history for %s %d: %w", kind, allocationID, err)
	}
	return nil
}

// GetHistory returns the status trail for one allocation, most recent first.
func (s *gormStore) GetHistory(ctx context.Context, kind model.AllocationKind, id int64) ([]model.StatusHistoryEntry, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown allocation kind %q", ErrValidation, kind)
	}
	var entries []model.StatusHistoryEntry
	err := s.db.WithContext(ctx).
		Where("allocation_id = ? AND allocation_kind = ?", id, kind).
		Order("changed_at DESC").Order("id DESC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
