package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"carservice-backend/internal/model"
)

// serializableTx runs fn inside one serializable transaction. Every mutating
// allocation operation goes through here so that no partial state is ever
// observable: any step failure rolls the whole transaction back.
func (s *gormStore) serializableTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// countLiveAllocations counts non-cancelled allocations holding the given
// technician/slot pair across BOTH allocation tables, taking row locks on the
// matches where the dialect supports them. This is the single place the
// double-booking invariant is checked. exclude skips the allocation being
// moved during a reschedule.
func (s *gormStore) countLiveAllocations(tx *gorm.DB, technicianID, slotID int64, exclude *Allocation) (int64, error) {
	var total int64

	bq := s.forUpdate(tx).Model(&model.Booking{}).
		Where("technician_id = ? AND slot_id = ? AND status <> ?", technicianID, slotID, model.StatusCancelled)
	if exclude != nil && exclude.Kind == model.KindBooking {
		bq = bq.Where("id <> ?", exclude.ID)
	}
	var bookings []model.Booking
	if err := bq.Find(&bookings).Error; err != nil {
		return 0, fmt.Errorf("failed to lock bookings for (%d,%d): %w", technicianID, slotID, err)
	}
	total += int64(len(bookings))

	rq := s.forUpdate(tx).Model(&model.ServiceRequest{}).
		Where("technician_id = ? AND slot_id = ? AND status <> ?", technicianID, slotID, model.StatusCancelled)
	if exclude != nil && exclude.Kind == model.KindServiceRequest {
		rq = rq.Where("id <> ?", exclude.ID)
	}
	var requests []model.ServiceRequest
	if err := rq.Find(&requests).Error; err != nil {
		return 0, fmt.Errorf("failed to lock service requests for (%d,%d): %w", technicianID, slotID, err)
	}
	total += int64(len(requests))

	return total, nil
}

// slotForBooking loads a slot and rejects booking attempts against closed ones.
func slotForBooking(tx *gorm.DB, slotID int64) (*model.Slot, error) {
	var slot model.Slot
	if err := tx.First(&slot, slotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: slot %d", ErrNotFound, slotID)
		}
		return nil, err
	}
	if !slot.IsAvailable {
		return nil, fmt.Errorf("%w: slot %d is not open for booking", ErrValidation, slotID)
	}
	return &slot, nil
}

// CreateAllocation atomically binds a technician to a slot for a requester.
// The conflict check, the insert, the line items, the marker rebuild and the
// ledger entry all commit or roll back together.
func (s *gormStore) CreateAllocation(ctx context.Context, p CreateParams) (*Allocation, error) {
	if err := validateCreate(p); err != nil {
		return nil, err
	}

	// An idempotent retry returns the allocation stored by the first attempt.
	if p.IdempotencyKey != "" {
		if existing, err := s.findByIdempotencyKey(ctx, p.Kind, p.IdempotencyKey); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	}

	unlock := s.lockPairs(pairKey{p.TechnicianID, p.SlotID})
	defer unlock()

	var out *Allocation
	err := s.serializableTx(ctx, func(tx *gorm.DB) error {
		if _, err := slotForBooking(tx, p.SlotID); err != nil {
			return err
		}

		live, err := s.countLiveAllocations(tx, p.TechnicianID, p.SlotID, nil)
		if err != nil {
			return err
		}
		if live > 0 {
			return ErrConflict
		}

		var key *string
		if p.IdempotencyKey != "" {
			key = &p.IdempotencyKey
		}

		switch p.Kind {
		case model.KindBooking:
			booking := model.Booking{
				TechnicianID:   p.TechnicianID,
				SlotID:         p.SlotID,
				CustomerID:     p.CustomerID,
				ServiceID:      p.ServiceID,
				Status:         model.StatusPending,
				Notes:          p.Notes,
				IdempotencyKey: key,
			}
			if err := tx.Create(&booking).Error; err != nil {
				return fmt.Errorf("failed to create booking: %w", err)
			}
			out = bookingView(&booking)

		case model.KindServiceRequest:
			request := model.ServiceRequest{
				TechnicianID:   p.TechnicianID,
				SlotID:         p.SlotID,
				CustomerID:     p.CustomerID,
				Status:         model.StatusPending,
				Notes:          p.Notes,
				IdempotencyKey: key,
			}
			if err := tx.Create(&request).Error; err != nil {
				return fmt.Errorf("failed to create service request: %w", err)
			}
			for _, item := range p.Items {
				row := model.ServiceRequestItem{
					RequestID: request.ID,
					ItemType:  item.ItemType,
					ItemID:    item.ItemID,
					Quantity:  item.Quantity,
				}
				if row.Quantity <= 0 {
					row.Quantity = 1
				}
				if err := tx.Create(&row).Error; err != nil {
					return fmt.Errorf("failed to create request item: %w", err)
				}
				request.Items = append(request.Items, row)
			}
			out = requestView(&request)
		}

		if err := rebuildMarker(tx, p.TechnicianID, p.SlotID); err != nil {
			return err
		}
		return appendHistory(tx, out.Kind, out.ID, model.StatusPending, nil, "created")
	})
	if err != nil {
		// Two creates carrying the same key can both pass the pre-check; the
		// loser fails on the conflict check or the unique key index and must
		// read the winner's row instead of surfacing the error.
		if p.IdempotencyKey != "" && (errors.Is(err, ErrConflict) || errors.Is(err, gorm.ErrDuplicatedKey)) {
			if existing, lookupErr := s.findByIdempotencyKey(ctx, p.Kind, p.IdempotencyKey); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	return out, nil
}

// UpdateStatus moves an allocation to a new status and appends the paired
// ledger entry in the same transaction. The marker is rebuilt so a cancel
// frees the technician/slot pair immediately.
func (s *gormStore) UpdateStatus(ctx context.Context, kind model.AllocationKind, id int64, status model.AllocationStatus, changedBy *string, remarks string) (*Allocation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown allocation kind %q", ErrValidation, kind)
	}
	if !status.ValidFor(kind) {
		return nil, fmt.Errorf("%w: unrecognized status %q for %s", ErrValidation, status, kind)
	}

	var out *Allocation
	err := s.serializableTx(ctx, func(tx *gorm.DB) error {
		alloc, err := s.loadAllocation(tx, kind, id, true)
		if err != nil {
			return err
		}

		table := tableFor(kind)
		if err := tx.Table(table).Where("id = ?", id).
			Updates(map[string]interface{}{"status": status, "updated_at": time.Now().UTC()}).Error; err != nil {
			return fmt.Errorf("failed to update %s %d: %w", kind, id, err)
		}
		alloc.Status = status
		out = alloc

		if err := rebuildMarker(tx, alloc.TechnicianID, alloc.SlotID); err != nil {
			return err
		}
		return appendHistory(tx, kind, id, status, changedBy, remarks)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAllocation removes an allocation together with its line items and
// history rows, then rebuilds the marker so the pair is free again.
func (s *gormStore) DeleteAllocation(ctx context.Context, kind model.AllocationKind, id int64) (*Allocation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown allocation kind %q", ErrValidation, kind)
	}

	var out *Allocation
	err := s.serializableTx(ctx, func(tx *gorm.DB) error {
		alloc, err := s.loadAllocation(tx, kind, id, true)
		if err != nil {
			return err
		}
		out = alloc

		if kind == model.KindServiceRequest {
			if err := tx.Where("request_id = ?", id).Delete(&model.ServiceRequestItem{}).Error; err != nil {
				return fmt.Errorf("failed to delete request items: %w", err)
			}
		}
		if err := tx.Where("allocation_id = ? AND allocation_kind = ?", id, kind).
			Delete(&model.StatusHistoryEntry{}).Error; err != nil {
			return fmt.Errorf("failed to delete history: %w", err)
		}
		var delErr error
		if kind == model.KindBooking {
			delErr = tx.Delete(&model.Booking{}, id).Error
		} else {
			delErr = tx.Delete(&model.ServiceRequest{}, id).Error
		}
		if delErr != nil {
			return fmt.Errorf("failed to delete %s %d: %w", kind, id, delErr)
		}
		return rebuildMarker(tx, alloc.TechnicianID, alloc.SlotID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reschedule relocates an allocation to a different day/slot/technician
// combination. The destination is conflict-checked the same way a fresh
// allocation is, and the markers for both the old and the new pair are rebuilt.
func (s *gormStore) Reschedule(ctx context.Context, p RescheduleParams) (*Allocation, *FreedPair, error) {
	if !p.Kind.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown allocation kind %q", ErrValidation, p.Kind)
	}
	if p.TechnicianID <= 0 || p.SlotID <= 0 {
		return nil, nil, fmt.Errorf("%w: technician_id and slot_id are required", ErrValidation)
	}

	// The old pair is not known until the allocation row is read, so the
	// logical lock conservatively covers the destination pair; dialects with
	// row locking serialize on the locked rows themselves.
	unlock := s.lockPairs(pairKey{p.TechnicianID, p.SlotID})
	defer unlock()

	var out *Allocation
	var freed *FreedPair
	err := s.serializableTx(ctx, func(tx *gorm.DB) error {
		alloc, err := s.loadAllocation(tx, p.Kind, p.ID, true)
		if err != nil {
			return err
		}
		oldTechnicianID, oldSlotID := alloc.TechnicianID, alloc.SlotID

		day, err := s.dayByDate(tx, p.Date)
		if err != nil {
			return err
		}

		var slot model.Slot
		if err := tx.First(&slot, p.SlotID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: slot %d", ErrNotFound, p.SlotID)
			}
			return err
		}
		if slot.DayID != day.ID {
			return fmt.Errorf("%w: slot %d does not belong to %s", ErrValidation, p.SlotID, p.Date.Format("2006-01-02"))
		}
		if !slot.IsAvailable {
			return fmt.Errorf("%w: slot %d is not open for booking", ErrValidation, p.SlotID)
		}

		live, err := s.countLiveAllocations(tx, p.TechnicianID, p.SlotID, alloc)
		if err != nil {
			return err
		}
		if live > 0 {
			return ErrConflict
		}

		if err := tx.Table(tableFor(p.Kind)).Where("id = ?", p.ID).
			Updates(map[string]interface{}{
				"technician_id": p.TechnicianID,
				"slot_id":       p.SlotID,
				"status":        model.StatusRescheduled,
				"updated_at":    time.Now().UTC(),
			}).Error; err != nil {
			return fmt.Errorf("failed to reschedule %s %d: %w", p.Kind, p.ID, err)
		}

		alloc.TechnicianID = p.TechnicianID
		alloc.SlotID = p.SlotID
		alloc.Status = model.StatusRescheduled
		out = alloc

		if err := rebuildMarker(tx, oldTechnicianID, oldSlotID); err != nil {
			return err
		}
		if err := rebuildMarker(tx, p.TechnicianID, p.SlotID); err != nil {
			return err
		}
		if oldTechnicianID != p.TechnicianID || oldSlotID != p.SlotID {
			freed = &FreedPair{TechnicianID: oldTechnicianID, SlotID: oldSlotID}
		}
		return appendHistory(tx, p.Kind, p.ID, model.StatusRescheduled, p.ChangedBy, p.Remarks)
	})
	if err != nil {
		return nil, nil, err
	}
	return out, freed, nil
}

// QueryAvailability returns, for every active technician, whether a live
// allocation exists for the given slot. Read-only and lock-free: the view is
// derived from the allocation tables, not from the marker cache.
func (s *gormStore) QueryAvailability(ctx context.Context, date time.Time, slotID int64, technicianID *int64) ([]TechnicianAvailability, error) {
	db := s.db.WithContext(ctx)

	day, err := s.dayByDate(db, date)
	if err != nil {
		return nil, err
	}
	var slot model.Slot
	if err := db.First(&slot, slotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: slot %d", ErrNotFound, slotID)
		}
		return nil, err
	}
	if slot.DayID != day.ID {
		return nil, fmt.Errorf("%w: slot %d does not belong to %s", ErrValidation, slotID, date.Format("2006-01-02"))
	}

	techQuery := db.Where("active = ?", true).Order("id ASC")
	if technicianID != nil {
		techQuery = techQuery.Where("id = ?", *technicianID)
	}
	var techs []model.Technician
	if err := techQuery.Find(&techs).Error; err != nil {
		return nil, err
	}

	busy := make(map[int64]bool)
	var bookedIDs []int64
	if err := db.Model(&model.Booking{}).
		Where("slot_id = ? AND status <> ?", slotID, model.StatusCancelled).
		Pluck("technician_id", &bookedIDs).Error; err != nil {
		return nil, err
	}
	for _, id := range bookedIDs {
		busy[id] = true
	}
	bookedIDs = bookedIDs[:0]
	if err := db.Model(&model.ServiceRequest{}).
		Where("slot_id = ? AND status <> ?", slotID, model.StatusCancelled).
		Pluck("technician_id", &bookedIDs).Error; err != nil {
		return nil, err
	}
	for _, id := range bookedIDs {
		busy[id] = true
	}

	result := make([]TechnicianAvailability, 0, len(techs))
	for _, tech := range techs {
		result = append(result, TechnicianAvailability{
			TechnicianID: tech.ID,
			DisplayName:  tech.DisplayName,
			IsAvailable:  !busy[tech.ID] && slot.IsAvailable,
		})
	}
	return result, nil
}

func validateCreate(p CreateParams) error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: unknown allocation kind %q", ErrValidation, p.Kind)
	}
	if p.TechnicianID <= 0 {
		return fmt.Errorf("%w: technician_id is required", ErrValidation)
	}
	if p.SlotID <= 0 {
		return fmt.Errorf("%w: slot_id is required", ErrValidation)
	}
	if p.CustomerID <= 0 {
		return fmt.Errorf("%w: requester_id is required", ErrValidation)
	}
	if p.Kind == model.KindBooking && len(p.Items) > 0 {
		return fmt.Errorf("%w: plain bookings carry no line items", ErrValidation)
	}
	return nil
}

func tableFor(kind model.AllocationKind) string {
	if kind == model.KindBooking {
		return "bookings"
	}
	return "service_requests"
}

// loadAllocation fetches one allocation of either kind, optionally locking the
// row for the remainder of the transaction.
func (s *gormStore) loadAllocation(tx *gorm.DB, kind model.AllocationKind, id int64, lock bool) (*Allocation, error) {
	q := tx
	if lock {
		q = s.forUpdate(tx)
	}
	switch kind {
	case model.KindBooking:
		var booking model.Booking
		if err := q.First(&booking, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: booking %d", ErrNotFound, id)
			}
			return nil, err
		}
		return bookingView(&booking), nil
	default:
		var request model.ServiceRequest
		if err := q.Preload("Items").First(&request, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: service request %d", ErrNotFound, id)
			}
			return nil, err
		}
		return requestView(&request), nil
	}
}

func (s *gormStore) findByIdempotencyKey(ctx context.Context, kind model.AllocationKind, key string) (*Allocation, error) {
	db := s.db.WithContext(ctx)
	switch kind {
	case model.KindBooking:
		var booking model.Booking
		err := db.Where("idempotency_key = ?", key).First(&booking).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return bookingView(&booking), nil
	default:
		var request model.ServiceRequest
		err := db.Preload("Items").Where("idempotency_key = ?", key).First(&request).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return requestView(&request), nil
	}
}

func bookingView(b *model.Booking) *Allocation {
	return &Allocation{
		ID:           b.ID,
		Kind:         model.KindBooking,
		TechnicianID: b.TechnicianID,
		SlotID:       b.SlotID,
		CustomerID:   b.CustomerID,
		Status:       b.Status,
		Notes:        b.Notes,
		CreatedAt:    b.CreatedAt,
	}
}

func requestView(r *model.ServiceRequest) *Allocation {
	return &Allocation{
		ID:           r.ID,
		Kind:         model.KindServiceRequest,
		TechnicianID: r.TechnicianID,
		SlotID:       r.SlotID,
		CustomerID:   r.CustomerID,
		Status:       r.Status,
		Notes:        r.Notes,
		Items:        r.Items,
		CreatedAt:    r.CreatedAt,
	}
}
