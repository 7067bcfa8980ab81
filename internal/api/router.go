package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"carservice-backend/config"
	"carservice-backend/internal/mw"
	"carservice-backend/internal/notification"
	"carservice-backend/internal/store"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(cfg *config.Config, s store.Store, webpushOptions *webpush.Options, pool *notification.WorkerPool, log *zap.Logger) *gin.Engine {
	r := gin.Default()

	handler := NewHandler(s, webpushOptions, pool, log)

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.Server.RateLimitPerSec), cfg.Server.RateLimitBurst)

	// Calendar and availability reads are cached between mutations; the TTL is
	// short because allocations invalidate nothing here.
	cacheTTL := time.Duration(cfg.Server.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(cacheTTL, 2*cacheTTL)
	caching := mw.Cache(cacheStore, cacheTTL)

	api := r.Group("/api")
	api.Use(mw.RequestID(), rateLimiter)
	{
		api.GET("/calendar/slots", caching, handler.GetSlots)
		api.PATCH("/calendar/days/:day_id/cascade", handler.CascadeDay)

		api.GET("/technicians", caching, handler.GetTechnicians)

		api.GET("/allocations/availability", handler.GetAvailability)
		api.POST("/allocations", handler.CreateAllocation)
		api.PATCH("/allocations/:id/status", handler.UpdateAllocationStatus)
		api.GET("/allocations/:id/history", handler.GetAllocationHistory)
		api.PUT("/allocations/:id/reschedule", handler.RescheduleAllocation)
		api.DELETE("/allocations/:id", handler.DeleteAllocation)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
