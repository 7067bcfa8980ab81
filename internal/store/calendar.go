package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"carservice-backend/internal/model"
)

// businessWindow describes the bookable hours of one weekday.
type businessWindow struct {
	openHour  int
	closeHour int
	open      bool
}

// windowFor returns the booking window for a weekday. Monday through Friday
// run 08:00-18:00, Saturday 08:00-16:00, Sunday is closed.
func windowFor(weekday time.Weekday) businessWindow {
	switch weekday {
	case time.Sunday:
		return businessWindow{}
	case time.Saturday:
		return businessWindow{openHour: 8, closeHour: 16, open: true}
	default:
		return businessWindow{openHour: 8, closeHour: 18, open: true}
	}
}

// truncateToDay maps an instant to UTC midnight of its civil date. Day rows
// are keyed by this canonical value, so a generator running in the shop
// timezone and an API lookup parsing YYYY-MM-DD resolve to the same row.
func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EnsureHorizon guarantees Day and Slot rows exist for every date from today
// through today+horizonDays. It is idempotent and safe to run concurrently:
// each day is generated in its own transaction, and a duplicate-date insert is
// treated as "already exists". Returns the number of days created.
func (s *gormStore) EnsureHorizon(ctx context.Context, today time.Time, horizonDays int) (int, error) {
	today = truncateToDay(today)

	// Generation resumes after the latest known day. With an empty calendar it
	// starts at today itself, so a fresh horizon spans horizonDays+1 dates.
	var latest model.Day
	var start time.Time
	err := s.db.WithContext(ctx).Order("date DESC").First(&latest).Error
	switch {
	case err == nil:
		start = truncateToDay(latest.Date)
	case errors.Is(err, gorm.ErrRecordNotFound):
		start = today.AddDate(0, 0, -1)
	default:
		return 0, fmt.Errorf("failed to find latest day: %w", err)
	}

	horizonEnd := today.AddDate(0, 0, horizonDays)
	created := 0
	for date := start.AddDate(0, 0, 1); !date.After(horizonEnd); date = date.AddDate(0, 0, 1) {
		ok, err := s.generateDay(ctx, date)
		if err != nil {
			return created, fmt.Errorf("failed to generate day %s: %w", date.Format("2006-01-02"), err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// generateDay creates one Day and its hourly slots in a single transaction.
// Returns false without error when the date already exists.
func (s *gormStore) generateDay(ctx context.Context, date time.Time) (bool, error) {
	window := windowFor(date.Weekday())

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		day := model.Day{
			Date:   date,
			IsOpen: window.open,
		}
		if err := tx.Create(&day).Error; err != nil {
			return err
		}
		if !window.open {
			return nil
		}

		slots := make([]model.Slot, 0, window.closeHour-window.openHour)
		for hour := window.openHour; hour < window.closeHour; hour++ {
			slots = append(slots, model.Slot{
				DayID:       day.ID,
				StartTime:   date.Add(time.Duration(hour) * time.Hour),
				EndTime:     date.Add(time.Duration(hour+1) * time.Hour),
				IsAvailable: true,
			})
		}
		return tx.Create(&slots).Error
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Another generator run got here first. The unique index on date makes
		// this safe to skip.
		s.log.Debug("day already exists, skipping", zap.Time("date", date))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// dayByDate resolves the Day row for a calendar date.
func (s *gormStore) dayByDate(tx *gorm.DB, date time.Time) (*model.Day, error) {
	var day model.Day
	date = truncateToDay(date)
	err := tx.Where("date = ?", date).First(&day).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no day for date %s", ErrNotFound, date.Format("2006-01-02"))
	}
	if err != nil {
		return nil, err
	}
	return &day, nil
}

// SlotsForDate returns the Day for the given date with its slots preloaded,
// ordered by start time.
func (s *gormStore) SlotsForDate(ctx context.Context, date time.Time) (*model.Day, error) {
	var day model.Day
	err := s.db.WithContext(ctx).
		Preload("Slots", func(db *gorm.DB) *gorm.DB {
			return db.Order("start_time ASC")
		}).
		Where("date = ?", truncateToDay(date)).
		First(&day).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no day for date %s", ErrNotFound, date.Format("2006-01-02"))
	}
	if err != nil {
		return nil, err
	}
	return &day, nil
}

// SetDayOpen flips a Day's open flag and cascades it to every child slot in one
// transaction. The slot flag is overwritten regardless of existing allocations;
// per-technician state lives in the availability markers, not here.
func (s *gormStore) SetDayOpen(ctx context.Context, dayID int64, isOpen bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Day{}).Where("id = ?", dayID).Update("is_open", isOpen)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: day %d", ErrNotFound, dayID)
		}
		return tx.Model(&model.Slot{}).Where("day_id = ?", dayID).Update("is_available", isOpen).Error
	})
}

// ListTechnicians returns all active technicians ordered by id.
func (s *gormStore) ListTechnicians(ctx context.Context) ([]model.Technician, error) {
	var techs []model.Technician
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("id ASC").Find(&techs).Error
	return techs, err
}
