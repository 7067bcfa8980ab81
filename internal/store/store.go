package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"carservice-backend/internal/model"
)

// Store defines the interface for all scheduling database operations.
type Store interface {
	// Calendar
	EnsureHorizon(ctx context.Context, today time.Time, horizonDays int) (int, error)
	SlotsForDate(ctx context.Context, date time.Time) (*model.Day, error)
	SetDayOpen(ctx context.Context, dayID int64, isOpen bool) error

	// Allocations
	CreateAllocation(ctx context.Context, p CreateParams) (*Allocation, error)
	UpdateStatus(ctx context.Context, kind model.AllocationKind, id int64, status model.AllocationStatus, changedBy *string, remarks string) (*Allocation, error)
	DeleteAllocation(ctx context.Context, kind model.AllocationKind, id int64) (*Allocation, error)
	Reschedule(ctx context.Context, p RescheduleParams) (*Allocation, *FreedPair, error)
	QueryAvailability(ctx context.Context, date time.Time, slotID int64, technicianID *int64) ([]TechnicianAvailability, error)

	// Ledger
	GetHistory(ctx context.Context, kind model.AllocationKind, id int64) ([]model.StatusHistoryEntry, error)

	// Marker cache
	RebuildMarker(ctx context.Context, technicianID, slotID int64) error

	// Technicians
	ListTechnicians(ctx context.Context) ([]model.Technician, error)

	// DB exposes the underlying handle for collaborators that manage their own
	// queries (subscriptions, notification worker).
	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db     *gorm.DB
	log    *zap.Logger
	locks  *pairLockTable
	rowLck bool // Dialect supports SELECT ... FOR UPDATE
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB, log *zap.Logger) Store {
	return &gormStore{
		db:     db,
		log:    log,
		locks:  newPairLockTable(),
		rowLck: db.Dialector.Name() == "postgres",
	}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// forUpdate attaches a row lock to the query on dialects that support it.
func (s *gormStore) forUpdate(tx *gorm.DB) *gorm.DB {
	if s.rowLck {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// lockPairs serializes mutations on the given (technician, slot) pairs when the
// dialect has no row locking (sqlite in tests). Pairs are locked in a stable
// order so concurrent reschedules cannot deadlock. The returned function
// releases the locks.
func (s *gormStore) lockPairs(pairs ...pairKey) func() {
	if s.rowLck {
		return func() {}
	}
	return s.locks.lock(pairs)
}

// pairKey identifies one technician/slot combination.
type pairKey struct {
	TechnicianID int64
	SlotID       int64
}

func (a pairKey) less(b pairKey) bool {
	if a.TechnicianID != b.TechnicianID {
		return a.TechnicianID < b.TechnicianID
	}
	return a.SlotID < b.SlotID
}

// pairLockTable is a logical mutex keyed by (technicianID, slotID).
type pairLockTable struct {
	mu    sync.Mutex
	locks map[pairKey]*sync.Mutex
}

func newPairLockTable() *pairLockTable {
	return &pairLockTable{locks: make(map[pairKey]*sync.Mutex)}
}

func (t *pairLockTable) get(k pairKey) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.locks[k]
	if !ok {
		m = &sync.Mutex{}
		t.locks[k] = m
	}
	return m
}

func (t *pairLockTable) lock(pairs []pairKey) func() {
	// Deduplicate and sort so every caller acquires in the same order.
	uniq := make([]pairKey, 0, len(pairs))
	seen := make(map[pairKey]bool, len(pairs))
	for _, p := range pairs {
		if !seen[p] {
			seen[p] = true
			uniq = append(uniq, p)
		}
	}
	for i := 0; i < len(uniq); i++ {
		for j := i + 1; j < len(uniq); j++ {
			if uniq[j].less(uniq[i]) {
				uniq[i], uniq[j] = uniq[j], uniq[i]
			}
		}
	}

	held := make([]*sync.Mutex, 0, len(uniq))
	for _, p := range uniq {
		m := t.get(p)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
