package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/crosslogic/usage-ledger/pkg/cache"
	"go.uber.org/zap"
)

const (
	stateProcessing = "processing"
	stateProcessed  = "processed"
)

// ReservationState is the outcome of trying to claim a generation.
type ReservationState int

const (
	// Reserved means the caller owns processing.
	Reserved ReservationState = iota
	// InFlight means another request holds the claim.
	InFlight
	// AlreadyProcessed means the generation completed recently.
	AlreadyProcessed
)

type localEntry struct {
	state   string
	expires time.Time
}

// Reservations claims generations in Redis, or in process memory when Redis
// is not configured.
type Reservations struct {
	cache         *cache.Cache
	processingTTL time.Duration
	processedTTL  time.Duration
	logger        *zap.Logger

	mu    sync.Mutex
	local map[string]localEntry
	now   func() time.Time
}

// NewReservations creates a reservation table. cacheClient may be nil.
func NewReservations(cacheClient *cache.Cache, processingTTL, processedTTL time.Duration, logger *zap.Logger) *Reservations {
	return &Reservations{
		cache:         cacheClient,
		processingTTL: processingTTL,
		processedTTL:  processedTTL,
		logger:        logger,
		local:         make(map[string]localEntry),
		now:           time.Now,
	}
}

func redisKeyForGeneration(generationID string) string {
	return "ledger:generation:" + generationID
}

// Reserve claims generationID for processing.
func (r *Reservations) Reserve(ctx context.Context, generationID string) (ReservationState, error) {
	if r.cache == nil {
		return r.reserveLocal(generationID), nil
	}

	key := redisKeyForGeneration(generationID)
	// Two rounds cover a key expiring between SETNX and GET.
	for i := 0; i < 2; i++ {
		acquired, err := r.cache.SetNX(ctx, key, stateProcessing, r.processingTTL)
		if err != nil {
			return 0, err
		}
		if acquired {
			return Reserved, nil
		}

		state, err := r.cache.Get(ctx, key)
		if cache.IsMiss(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if state == stateProcessed {
			return AlreadyProcessed, nil
		}
		return InFlight, nil
	}
	return InFlight, nil
}

func (r *Reservations) reserveLocal(generationID string) ReservationState {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, e := range r.local {
		if now.After(e.expires) {
			delete(r.local, id)
		}
	}

	if e, ok := r.local[generationID]; ok {
		if e.state == stateProcessed {
			return AlreadyProcessed
		}
		return InFlight
	}
	r.local[generationID] = localEntry{state: stateProcessing, expires: now.Add(r.processingTTL)}
	return Reserved
}

// Finalize marks a claimed generation processed, or releases it so the
// sender can retry when processing failed.
func (r *Reservations) Finalize(ctx context.Context, generationID string, success bool) {
	if r.cache != nil {
		key := redisKeyForGeneration(generationID)
		if success {
			if err := r.cache.Set(ctx, key, stateProcessed, r.processedTTL); err != nil {
				r.logger.Warn("failed to persist generation completion in cache",
					zap.String("generation_id", generationID),
					zap.Error(err),
				)
			}
			return
		}
		if err := r.cache.Delete(ctx, key); err != nil {
			r.logger.Warn("failed to release generation lock",
				zap.String("generation_id", generationID),
				zap.Error(err),
			)
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.local[generationID] = localEntry{state: stateProcessed, expires: r.now().Add(r.processedTTL)}
		return
	}
	delete(r.local, generationID)
}
