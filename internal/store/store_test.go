package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"carservice-backend/internal/model"
)

// newTestStore opens a fresh in-memory database, migrates the schema and
// returns a store over it.
func newTestStore(t *testing.T) (Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})

	require.NoError(t, db.AutoMigrate(
		&model.Day{}, &model.Slot{}, &model.Technician{},
		&model.Booking{}, &model.ServiceRequest{}, &model.ServiceRequestItem{},
		&model.StatusHistoryEntry{}, &model.AvailabilityMarker{},
	))
	return NewGormStore(db, zap.NewNop()), db
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// seedDaySlot creates one open day with a single 09:00-10:00 slot.
func seedDaySlot(t *testing.T, db *gorm.DB, day time.Time) (int64, int64) {
	t.Helper()
	d := model.Day{Date: day, IsOpen: true}
	require.NoError(t, db.Create(&d).Error)
	s := model.Slot{
		DayID:       d.ID,
		StartTime:   day.Add(9 * time.Hour),
		EndTime:     day.Add(10 * time.Hour),
		IsAvailable: true,
	}
	require.NoError(t, db.Create(&s).Error)
	return d.ID, s.ID
}

func TestEnsureHorizon_FreshCalendar(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	// Wednesday 2025-01-01; 60 day horizon runs through Sunday 2025-03-02.
	created, err := s.EnsureHorizon(ctx, date(2025, 1, 1), 60)
	require.NoError(t, err)
	assert.Equal(t, 61, created)

	var days []model.Day
	require.NoError(t, db.Order("date ASC").Find(&days).Error)
	require.Len(t, days, 61)
	assert.Equal(t, date(2025, 1, 1), days[0].Date.UTC())
	assert.Equal(t, date(2025, 3, 2), days[60].Date.UTC())

	for _, d := range days {
		var slots []model.Slot
		require.NoError(t, db.Where("day_id = ?", d.ID).Order("start_time ASC").Find(&slots).Error)

		switch d.Date.Weekday() {
		case time.Sunday:
			assert.False(t, d.IsOpen, "Sunday %s should be closed", d.Date.Format("2006-01-02"))
			assert.Empty(t, slots)
		case time.Saturday:
			assert.True(t, d.IsOpen)
			require.Len(t, slots, 8, "Saturday runs 08:00-16:00")
			assert.Equal(t, 8, slots[0].StartTime.Hour())
			assert.Equal(t, 16, slots[7].EndTime.Hour())
		default:
			assert.True(t, d.IsOpen)
			require.Len(t, slots, 10, "weekdays run 08:00-18:00")
			assert.Equal(t, 8, slots[0].StartTime.Hour())
			assert.Equal(t, 18, slots[9].EndTime.Hour())
		}

		for _, slot := range slots {
			assert.True(t, slot.IsAvailable)
		}
	}
}

func TestEnsureHorizon_Idempotent(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	today := date(2025, 1, 1)

	_, err := s.EnsureHorizon(ctx, today, 60)
	require.NoError(t, err)

	var daysBefore, slotsBefore int64
	db.Model(&model.Day{}).Count(&daysBefore)
	db.Model(&model.Slot{}).Count(&slotsBefore)

	created, err := s.EnsureHorizon(ctx, today, 60)
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	var daysAfter, slotsAfter int64
	db.Model(&model.Day{}).Count(&daysAfter)
	db.Model(&model.Slot{}).Count(&slotsAfter)
	assert.Equal(t, daysBefore, daysAfter)
	assert.Equal(t, slotsBefore, slotsAfter)
}

func TestEnsureHorizon_ExtendsExistingCalendar(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureHorizon(ctx, date(2025, 1, 1), 5)
	require.NoError(t, err)

	// A later run with a longer horizon resumes after the latest day.
	created, err := s.EnsureHorizon(ctx, date(2025, 1, 1), 10)
	require.NoError(t, err)
	assert.Equal(t, 5, created)

	var total int64
	db.Model(&model.Day{}).Count(&total)
	assert.Equal(t, int64(11), total)
}

func TestEnsureHorizon_NonUTCTimezone(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// The generator hands over local time; stored dates must still resolve
	// for lookups that parse a plain YYYY-MM-DD into UTC.
	shopTime := time.Date(2025, 6, 2, 0, 0, 0, 0, time.FixedZone("EDT", -4*60*60))
	_, err := s.EnsureHorizon(ctx, shopTime, 3)
	require.NoError(t, err)

	queried, err := time.Parse("2006-01-02", "2025-06-03")
	require.NoError(t, err)

	day, err := s.SlotsForDate(ctx, queried)
	require.NoError(t, err)
	assert.Equal(t, date(2025, 6, 3), day.Date.UTC())
	assert.NotEmpty(t, day.Slots)
}

func TestCreateAllocation_Conflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, slotID := seedDaySlot(t, s.DB(), date(2025, 6, 2)) // Monday

	first, err := s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindBooking, TechnicianID: 7, SlotID: slotID, CustomerID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, first.Status)

	// Same pair, different customer: rejected while the first is live.
	_, err = s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindBooking, TechnicianID: 7, SlotID: slotID, CustomerID: 2,
	})
	assert.ErrorIs(t, err, ErrConflict)

	// The invariant holds across both allocation kinds.
	_, err = s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindServiceRequest, TechnicianID: 7, SlotID: slotID, CustomerID: 2,
		Items: []ItemParams{{ItemType: "service", ItemID: 4}},
	})
	assert.ErrorIs(t, err, ErrConflict)

	// A different technician on the same slot is fine.
	_, err = s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindBooking, TechnicianID: 8, SlotID: slotID, CustomerID: 2,
	})
	assert.NoError(t, err)
}

func TestCreateAllocation_FreedByCancellation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, slotID := seedDaySlot(t, s.DB(), date(2025, 6, 2))

	first, err := s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindBooking, TechnicianID: 7, SlotID: slotID, CustomerID: 1,
	})
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, model.KindBooking, first.ID, model.StatusCancelled, nil, "customer no-show")
	require.NoError(t, err)

	// Cancelled allocations stop counting against the pair.
	_, err = s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindBooking, TechnicianID: 7, SlotID: slotID, CustomerID: 2,
	})
	assert.NoError(t, err)
}

func TestCreateAllocation_Validation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, slotID := seedDaySlot(t, s.DB(), date(2025, 6, 2))

	cases := []struct {
		name string
		p    CreateParams
	}{
		{"unknown kind", CreateParams{Kind: "walk_in", TechnicianID: 1, SlotID: slotID, CustomerID: 1}},
		{"missing technician", CreateParams{Kind: model.KindBooking, SlotID: slotID, CustomerID: 1}},
		{"missing slot", CreateParams{Kind: model.KindBooking, TechnicianID: 1, CustomerID: 1}},
		{"missing requester", CreateParams{Kind: model.KindBooking, TechnicianID: 1, SlotID: slotID}},
		{"items on plain booking", CreateParams{
			Kind: model.KindBooking, TechnicianID: 1, SlotID: slotID, CustomerID: 1,
			Items: []ItemParams{{ItemType: "service", ItemID: 2}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateAllocation(ctx, tc.p)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	_, err := s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindBooking, TechnicianID: 1, SlotID: 9999, CustomerID: 1,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAllocation_Atomicity(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	_, slotID := seedDaySlot(t, db, date(2025, 6, 2))

	// Sabotage the final protocol step: with the ledger table gone the history
	// insert fails and the whole transaction must roll back.
	require.NoError(t, db.Migrator().DropTable(&model.StatusHistoryEntry{}))

	_, err := s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindBooking, TechnicianID: 7, SlotID: slotID, CustomerID: 1,
	})
	require.Error(t, err)

	var bookings, markers int64
	db.Model(&model.Booking{}).Count(&bookings)
	db.Model(&model.AvailabilityMarker{}).Count(&markers)
	assert.Zero(t, bookings, "no booking row may survive a failed create")
	assert.Zero(t, markers, "no marker change may survive a failed create")
}

func TestCreateAllocation_IdempotencyKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, slotID := seedDaySlot(t, s.DB(), date(2025, 6, 2))

	p := CreateParams{
		Kind: model.KindBooking, TechnicianID: 7, SlotID: slotID, CustomerID: 1,
		IdempotencyKey: "retry-abc",
	}
	first, err := s.CreateAllocation(ctx, p)
	require.NoError(t, err)

	// The retry returns the stored allocation instead of a conflict.
	second, err := s.CreateAllocation(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateAllocation_IdempotencyKeyLostRace(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	_, slotID := seedDaySlot(t, db, date(2025, 6, 2))

	key := "retry-race"
	gs := s.(*gormStore)

	// Hold the pair lock so the racing create passes the key pre-check and
	// then blocks before its transaction.
	unlock := gs.locks.lock([]pairKey{{TechnicianID: 7, SlotID: slotID}})

	var raced *Allocation
	var racedErr error
	done := make(chan struct{})
	go func() {
		raced, racedErr = s.CreateAllocation(ctx, CreateParams{
			Kind: model.KindBooking, TechnicianID: 7, SlotID: slotID, CustomerID: 1,
			IdempotencyKey: key,
		})
		close(done)
	}()

	// A short sleep to let the goroutine reach the pair lock.
	time.Sleep(50 * time.Millisecond)

	// The winning create commits while the loser is still blocked.
	winner := model.Booking{
		TechnicianID: 7, SlotID: slotID, CustomerID: 1,
		Status: model.StatusPending, IdempotencyKey: &key,
	}
	require.NoError(t, db.Create(&winner).Error)

	unlock()
	<-done

	// The loser reads the winner's row instead of reporting a conflict.
	require.NoError(t, racedErr)
	assert.Equal(t, winner.ID, raced.ID)

	var bookings int64
	db.Model(&model.Booking{}).Count(&bookings)
	assert.Equal(t, int64(1), bookings)
}

func TestUpdateStatus(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	_, slotID := seedDaySlot(t, db, date(2025, 6, 2))

	actor := "advisor-42"
	alloc, err := s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindServiceRequest, TechnicianID: 7, SlotID: slotID, CustomerID: 1,
		Items: []ItemParams{{ItemType: "package", ItemID: 3, Quantity: 2}},
	})
	require.NoError(t, err)

	updated, err := s.UpdateStatus(ctx, model.KindServiceRequest, alloc.ID, model.StatusAccepted, &actor, "approved")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, updated.Status)

	// Unrecognized values and statuses outside the booking subset are rejected.
	_, err = s.UpdateStatus(ctx, model.KindServiceRequest, alloc.ID, "archived", nil, "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.UpdateStatus(ctx, model.KindBooking, alloc.ID, model.StatusReviewed, nil, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.UpdateStatus(ctx, model.KindServiceRequest, 9999, model.StatusAccepted, nil, "")
	assert.ErrorIs(t, err, ErrNotFound)

	// Cancelling flips the marker back to available.
	_, err = s.UpdateStatus(ctx, model.KindServiceRequest, alloc.ID, model.StatusCancelled, &actor, "customer withdrew")
	require.NoError(t, err)

	var marker model.AvailabilityMarker
	require.NoError(t, db.Where("technician_id = ? AND slot_id = ?", 7, slotID).First(&marker).Error)
	assert.True(t, marker.IsAvailable)
}

func TestDeleteAllocation(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	_, slotID := seedDaySlot(t, db, date(2025, 6, 2))

	alloc, err := s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindServiceRequest, TechnicianID: 7, SlotID: slotID, CustomerID: 1,
		Items: []ItemParams{{ItemType: "service", ItemID: 1}, {ItemType: "part", ItemID: 2}},
	})
	require.NoError(t, err)

	_, err = s.DeleteAllocation(ctx, model.KindServiceRequest, alloc.ID)
	require.NoError(t, err)

	var requests, items, history int64
	db.Model(&model.ServiceRequest{}).Count(&requests)
	db.Model(&model.ServiceRequestItem{}).Count(&items)
	db.Model(&model.StatusHistoryEntry{}).Count(&history)
	assert.Zero(t, requests)
	assert.Zero(t, items)
	assert.Zero(t, history)

	// Deletion frees the pair immediately.
	var marker model.AvailabilityMarker
	require.NoError(t, db.Where("technician_id = ? AND slot_id = ?", 7, slotID).First(&marker).Error)
	assert.True(t, marker.IsAvailable)

	_, err = s.DeleteAllocation(ctx, model.KindServiceRequest, alloc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReschedule(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	_, slotA := seedDaySlot(t, db, date(2025, 6, 2))
	_, slotB := seedDaySlot(t, db, date(2025, 6, 5))

	alloc, err := s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindBooking, TechnicianID: 7, SlotID: slotA, CustomerID: 1,
	})
	require.NoError(t, err)

	moved, freed, err := s.Reschedule(ctx, RescheduleParams{
		Kind: model.KindBooking, ID: alloc.ID,
		TechnicianID: 9, SlotID: slotB, Date: date(2025, 6, 5), Remarks: "customer asked for Thursday",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), moved.TechnicianID)
	assert.Equal(t, slotB, moved.SlotID)
	assert.Equal(t, model.StatusRescheduled, moved.Status)
	require.NotNil(t, freed)
	assert.Equal(t, int64(7), freed.TechnicianID)
	assert.Equal(t, slotA, freed.SlotID)

	// Both markers are rebuilt: the source pair is free again, the
	// destination pair is busy.
	var oldMarker, newMarker model.AvailabilityMarker
	require.NoError(t, db.Where("technician_id = ? AND slot_id = ?", 7, slotA).First(&oldMarker).Error)
	require.NoError(t, db.Where("technician_id = ? AND slot_id = ?", 9, slotB).First(&newMarker).Error)
	assert.True(t, oldMarker.IsAvailable)
	assert.False(t, newMarker.IsAvailable)

	history, err := s.GetHistory(ctx, model.KindBooking, alloc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, model.StatusRescheduled, history[0].Status)
}

func TestReschedule_DestinationConflict(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	_, slotA := seedDaySlot(t, db, date(2025, 6, 2))
	_, slotB := seedDaySlot(t, db, date(2025, 6, 5))

	moving, err := s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindBooking, TechnicianID: 7, SlotID: slotA, CustomerID: 1,
	})
	require.NoError(t, err)
	_, err = s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindServiceRequest, TechnicianID: 9, SlotID: slotB, CustomerID: 2,
	})
	require.NoError(t, err)

	// The destination is held by a live allocation of the other kind.
	_, _, err = s.Reschedule(ctx, RescheduleParams{
		Kind: model.KindBooking, ID: moving.ID,
		TechnicianID: 9, SlotID: slotB, Date: date(2025, 6, 5),
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestReschedule_InvalidTargets(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	_, slotA := seedDaySlot(t, db, date(2025, 6, 2))
	_, slotB := seedDaySlot(t, db, date(2025, 6, 5))

	alloc, err := s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindBooking, TechnicianID: 7, SlotID: slotA, CustomerID: 1,
	})
	require.NoError(t, err)

	// Day not generated yet.
	_, _, err = s.Reschedule(ctx, RescheduleParams{
		Kind: model.KindBooking, ID: alloc.ID,
		TechnicianID: 7, SlotID: slotB, Date: date(2025, 7, 1),
	})
	assert.ErrorIs(t, err, ErrNotFound)

	// Slot belongs to a different day.
	_, _, err = s.Reschedule(ctx, RescheduleParams{
		Kind: model.KindBooking, ID: alloc.ID,
		TechnicianID: 7, SlotID: slotA, Date: date(2025, 6, 5),
	})
	assert.ErrorIs(t, err, ErrValidation)

	// Unknown allocation.
	_, _, err = s.Reschedule(ctx, RescheduleParams{
		Kind: model.KindBooking, ID: 9999,
		TechnicianID: 7, SlotID: slotB, Date: date(2025, 6, 5),
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetDayOpen_Cascade(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureHorizon(ctx, date(2025, 6, 2), 0)
	require.NoError(t, err)

	var day model.Day
	require.NoError(t, db.Where("date = ?", date(2025, 6, 2)).First(&day).Error)

	require.NoError(t, s.SetDayOpen(ctx, day.ID, false))

	var closed int64
	db.Model(&model.Slot{}).Where("day_id = ? AND is_available = ?", day.ID, false).Count(&closed)
	var total int64
	db.Model(&model.Slot{}).Where("day_id = ?", day.ID).Count(&total)
	assert.Equal(t, total, closed, "every child slot is closed with the day")

	require.NoError(t, s.SetDayOpen(ctx, day.ID, true))
	var reopened int64
	db.Model(&model.Slot{}).Where("day_id = ? AND is_available = ?", day.ID, true).Count(&reopened)
	assert.Equal(t, total, reopened)

	assert.ErrorIs(t, s.SetDayOpen(ctx, 9999, false), ErrNotFound)
}

func TestCreateAllocation_ClosedSlotRejected(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	dayID, slotID := seedDaySlot(t, db, date(2025, 6, 2))

	require.NoError(t, s.SetDayOpen(ctx, dayID, false))

	_, err := s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindBooking, TechnicianID: 7, SlotID: slotID, CustomerID: 1,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetHistory_AppendOnlyOrdering(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, slotID := seedDaySlot(t, s.DB(), date(2025, 6, 2))

	alloc, err := s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindServiceRequest, TechnicianID: 7, SlotID: slotID, CustomerID: 1,
	})
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, model.KindServiceRequest, alloc.ID, model.StatusAccepted, nil, "")
	require.NoError(t, err)

	first, err := s.GetHistory(ctx, model.KindServiceRequest, alloc.ID)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, model.StatusAccepted, first[0].Status)
	assert.Equal(t, model.StatusPending, first[1].Status)
	assert.Equal(t, "created", first[1].Remarks)

	_, err = s.UpdateStatus(ctx, model.KindServiceRequest, alloc.ID, model.StatusConverted, nil, "work order opened")
	require.NoError(t, err)

	// The trail only grows, and previously returned entries keep their
	// relative order.
	second, err := s.GetHistory(ctx, model.KindServiceRequest, alloc.ID)
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Equal(t, model.StatusConverted, second[0].Status)
	assert.Equal(t, first[0].ID, second[1].ID)
	assert.Equal(t, first[1].ID, second[2].ID)
}

func TestQueryAvailability(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	_, slotID := seedDaySlot(t, db, date(2025, 6, 2))

	require.NoError(t, db.Create(&model.Technician{ID: 7, DisplayName: "Dana", Active: true}).Error)
	require.NoError(t, db.Create(&model.Technician{ID: 9, DisplayName: "Lee", Active: true}).Error)
	require.NoError(t, db.Create(&model.Technician{ID: 11, DisplayName: "Former", Active: false}).Error)

	_, err := s.CreateAllocation(ctx, CreateParams{
		Kind: model.KindBooking, TechnicianID: 7, SlotID: slotID, CustomerID: 1,
	})
	require.NoError(t, err)

	availability, err := s.QueryAvailability(ctx, date(2025, 6, 2), slotID, nil)
	require.NoError(t, err)
	require.Len(t, availability, 2, "inactive technicians are excluded")

	byID := make(map[int64]bool, len(availability))
	for _, a := range availability {
		byID[a.TechnicianID] = a.IsAvailable
	}
	assert.False(t, byID[7])
	assert.True(t, byID[9])

	// Filtered to one technician.
	one, err := s.QueryAvailability(ctx, date(2025, 6, 2), slotID, &availability[0].TechnicianID)
	require.NoError(t, err)
	require.Len(t, one, 1)

	// Slot and date must agree.
	_, err = s.QueryAvailability(ctx, date(2025, 6, 5), slotID, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
