package generator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"carservice-backend/config"
	"carservice-backend/internal/store"
)

// Service maintains the rolling calendar horizon. It runs one generation pass
// at startup and then one per configured interval; both go through the same
// idempotent store entry point, so overlapping runs are harmless.
type Service struct {
	cfg   *config.Config
	store store.Store
	log   *zap.Logger
	loc   *time.Location
}

// NewService creates the generator service.
func NewService(cfg *config.Config, s store.Store, log *zap.Logger) *Service {
	loc, err := time.LoadLocation(cfg.Generator.Timezone)
	if err != nil {
		// Load already validated the timezone; fall back rather than crash.
		log.Warn("failed to load generator timezone, using UTC", zap.String("timezone", cfg.Generator.Timezone), zap.Error(err))
		loc = time.UTC
	}
	return &Service{cfg: cfg, store: s, log: log, loc: loc}
}

// Run starts the generation loop and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Generator.Enabled {
		s.log.Info("slot generator is disabled, not starting")
		return
	}
	s.log.Info("starting slot generator",
		zap.Int("horizon_days", s.cfg.Generator.HorizonDays),
		zap.Duration("interval", s.cfg.Generator.Interval),
	)

	s.GenerateOnce(ctx)

	timer := time.NewTimer(s.cfg.Generator.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("slot generator shutting down")
			return
		case <-timer.C:
			s.GenerateOnce(ctx)
			timer.Reset(s.cfg.Generator.Interval)
		}
	}
}

// GenerateOnce performs a single horizon extension pass.
func (s *Service) GenerateOnce(ctx context.Context) {
	today := time.Now().In(s.loc)
	created, err := s.store.EnsureHorizon(ctx, today, s.cfg.Generator.HorizonDays)
	if err != nil {
		// Partially generated days are left in place: each day commits in its
		// own transaction and the next pass resumes where this one stopped.
		s.log.Error("horizon generation failed", zap.Int("days_created", created), zap.Error(err))
		return
	}
	if created > 0 {
		s.log.Info("calendar horizon extended", zap.Int("days_created", created))
	} else {
		s.log.Debug("calendar horizon already covered")
	}
}
