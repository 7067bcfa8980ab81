package notification

import (
	"context"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"carservice-backend/internal/model"
)

// SlotFreed is the job handed to the pool when a technician/slot pair becomes
// bookable again (cancellation, deletion, or the source side of a reschedule).
type SlotFreed struct {
	TechnicianID int64
	SlotID       int64
}

// Sender defines the interface for sending a web push notification.
type Sender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is the real Sender backed by the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool manages a pool of workers for sending slot-freed notifications.
type WorkerPool struct {
	size    int
	jobs    chan SlotFreed
	db      *gorm.DB
	webpush *webpush.Options
	sender  Sender
	log     *zap.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options, log *zap.Logger) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan SlotFreed, size),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		log:     log,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug("notification worker started", zap.Int("worker", id))
	for {
		select {
		case job := <-wp.jobs:
			wp.notifySlotFreed(ctx, job)
		case <-ctx.Done():
			wp.log.Debug("notification worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// Dispatch sends a job to the worker pool without blocking the caller: when
// the queue is full the notification is dropped, the marker and allocation
// state are already committed and authoritative.
func (wp *WorkerPool) Dispatch(job SlotFreed) {
	select {
	case wp.jobs <- job:
	default:
		wp.log.Warn("notification queue full, dropping slot-freed event",
			zap.Int64("technician_id", job.TechnicianID),
			zap.Int64("slot_id", job.SlotID),
		)
	}
}

// notifySlotFreed fetches the technician's subscribers and pushes to each.
func (wp *WorkerPool) notifySlotFreed(ctx context.Context, job SlotFreed) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN subscription_technician_mapping stm ON stm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("stm.technician_id = ?", job.TechnicianID).
		Find(&subscriptions).Error
	if err != nil {
		wp.log.Error("failed to fetch subscriptions", zap.Int64("technician_id", job.TechnicianID), zap.Error(err))
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	label := fmt.Sprintf("%d", job.TechnicianID)
	var tech model.Technician
	if err := wp.db.WithContext(ctx).Select("display_name").First(&tech, job.TechnicianID).Error; err != nil {
		wp.log.Warn("failed to fetch technician", zap.Int64("technician_id", job.TechnicianID), zap.Error(err))
	} else if tech.DisplayName != "" {
		label = tech.DisplayName
	}

	message := fmt.Sprintf("A slot with technician %s just opened up!", label)
	var slot model.Slot
	if err := wp.db.WithContext(ctx).First(&slot, job.SlotID).Error; err == nil {
		message = fmt.Sprintf("Technician %s is free again on %s at %s!",
			label, slot.StartTime.Format("2006-01-02"), slot.StartTime.Format("15:04"))
	}

	wp.log.Info("sending slot-freed notifications",
		zap.Int("subscribers", len(subscriptions)),
		zap.Int64("technician_id", job.TechnicianID),
		zap.Int64("slot_id", job.SlotID),
	)
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, []byte(message))
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.log.Error("failed to send notification", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	// Expired subscriptions are pruned on the spot.
	if resp.StatusCode == http.StatusGone {
		wp.log.Info("subscription expired, deleting", zap.String("endpoint", sub.Endpoint))
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.log.Error("failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}
}
