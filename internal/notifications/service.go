// Package notifications delivers operational ledger events to Slack and to a
// generic signed webhook.
package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/usage-ledger/internal/config"
	"github.com/crosslogic/usage-ledger/pkg/cache"
	"github.com/crosslogic/usage-ledger/pkg/events"
	"go.uber.org/zap"
)

const (
	channelSlack   = "slack"
	channelWebhook = "webhook"

	retryQueueSize = 256
	retryWorkers   = 2
	maxBackoff     = 5 * time.Minute
)

// alertEvents are the event types forwarded to operators.
var alertEvents = []events.EventType{
	events.EventUsageDriftDetected,
	events.EventConsolidationFailed,
	events.EventBillingExportFailed,
	events.EventFXRateFallback,
}

// Sender delivers one event to a destination.
type Sender interface {
	Send(ctx context.Context, event events.Event) error
}

// Service subscribes to alert events and delivers them to every configured channel.
type Service struct {
	cfg    config.NotificationsConfig
	cache  *cache.Cache
	logger *zap.Logger

	senders map[string]Sender

	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	metrics *Metrics
}

// DeliveryTask is one event bound for one channel.
type DeliveryTask struct {
	ID         string
	Event      events.Event
	Channel    string
	RetryCount int
	CreatedAt  time.Time
}

// NewService creates a notification service. cacheClient may be nil; it is
// used to drop events that were already delivered by another replica.
func NewService(cfg config.NotificationsConfig, cacheClient *cache.Cache, logger *zap.Logger) *Service {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}

	s := &Service{
		cfg:        cfg,
		cache:      cacheClient,
		logger:     logger,
		senders:    make(map[string]Sender),
		retryQueue: make(chan *DeliveryTask, retryQueueSize),
		stopChan:   make(chan struct{}),
		metrics:    NewMetrics(),
	}

	if cfg.SlackWebhookURL != "" {
		s.senders[channelSlack] = NewSlackAdapter(cfg.SlackWebhookURL, cfg.SlackChannel, cfg.DeliveryTimeout, logger)
		logger.Info("slack notifications enabled", zap.String("webhook_url", maskURL(cfg.SlackWebhookURL)))
	}
	if cfg.WebhookURL != "" {
		s.senders[channelWebhook] = NewWebhookAdapter(cfg.WebhookURL, cfg.WebhookSecret, cfg.DeliveryTimeout, logger)
		logger.Info("generic webhook notifications enabled", zap.String("url", maskURL(cfg.WebhookURL)))
	}
	return s
}

// Enabled reports whether any channel is configured.
func (s *Service) Enabled() bool {
	return len(s.senders) > 0
}

// Start subscribes to the bus and starts the retry workers.
func (s *Service) Start(ctx context.Context, bus *events.Bus) {
	if !s.Enabled() {
		s.logger.Info("notification service is disabled")
		return
	}

	for _, et := range alertEvents {
		bus.Subscribe(et, s.handleEvent)
	}
	for i := 0; i < retryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}

	s.logger.Info("notification service started",
		zap.Int("channels", len(s.senders)),
		zap.Int("max_retries", s.cfg.MaxRetries),
	)
}

// Stop stops the retry workers. Pending retries are dropped.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// handleEvent delivers to each channel. It runs on the bus's goroutine, so
// failed deliveries go to the retry queue instead of sleeping here.
func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	if s.isDuplicate(ctx, event.ID) {
		s.logger.Debug("duplicate notification, skipping", zap.String("event_id", event.ID))
		return nil
	}

	for channel := range s.senders {
		task := &DeliveryTask{
			ID:        fmt.Sprintf("%s-%s", event.ID, channel),
			Event:     event,
			Channel:   channel,
			CreatedAt: time.Now(),
		}
		if err := s.deliver(ctx, task); err != nil {
			s.enqueueRetry(task)
		}
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	err := s.senders[task.Channel].Send(ctx, task.Event)
	duration := time.Since(start)
	if err != nil {
		s.metrics.RecordDelivery(task.Channel, string(task.Event.Type), "failed", duration)
		s.logger.Warn("notification delivery failed",
			zap.String("event_id", task.Event.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
			zap.Error(err),
		)
		return err
	}

	s.metrics.RecordDelivery(task.Channel, string(task.Event.Type), "success", duration)
	s.logger.Info("notification delivered",
		zap.String("event_id", task.Event.ID),
		zap.String("event_type", string(task.Event.Type)),
		zap.String("channel", task.Channel),
		zap.Duration("duration", duration),
	)
	return nil
}

func (s *Service) enqueueRetry(task *DeliveryTask) {
	if task.RetryCount >= s.cfg.MaxRetries {
		s.metrics.RecordDelivery(task.Channel, string(task.Event.Type), "dropped", 0)
		s.logger.Error("max retries exceeded, giving up",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
		)
		return
	}
	task.RetryCount++

	select {
	case s.retryQueue <- task:
		s.metrics.RecordRetry(task.Channel, task.RetryCount)
		s.metrics.SetQueueDepth(len(s.retryQueue))
	default:
		s.logger.Error("retry queue full, dropping task",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
		)
	}
}

func (s *Service) retryWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case task := <-s.retryQueue:
			s.metrics.SetQueueDepth(len(s.retryQueue))

			timer := time.NewTimer(s.backoff(task.RetryCount))
			select {
			case <-s.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := s.deliver(ctx, task); err != nil {
				s.enqueueRetry(task)
			}
		}
	}
}

// backoff is RetryBackoff * 2^(retryCount-1), capped at maxBackoff.
func (s *Service) backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := s.cfg.RetryBackoff * time.Duration(1<<uint(retryCount-1))
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

// isDuplicate claims the event id so only one replica notifies.
func (s *Service) isDuplicate(ctx context.Context, eventID string) bool {
	if s.cache == nil {
		return false
	}
	claimed, err := s.cache.SetNX(ctx, "notification:processed:"+eventID, "1", 24*time.Hour)
	if err != nil {
		s.logger.Error("failed to check duplicate notification", zap.Error(err))
		return false
	}
	return !claimed
}

func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}

func stringField(payload map[string]interface{}, key string) string {
	if val, ok := payload[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
		return fmt.Sprintf("%v", val)
	}
	return "N/A"
}
