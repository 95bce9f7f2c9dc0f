package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
)

const (
	ticketKeyPrefix  = "judge:ticket:"
	defaultTicketTTL = 10 * time.Minute
)

// TicketRepository keeps short-lived ticket statuses for polling.
type TicketRepository struct {
	cache cache.BasicOps
	ttl   time.Duration
	now   func() time.Time
}

// NewTicketRepository creates a repository whose entries expire after ttl.
func NewTicketRepository(cacheClient cache.BasicOps, ttl time.Duration) *TicketRepository {
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	return &TicketRepository{cache: cacheClient, ttl: ttl, now: time.Now}
}

// SaveQueued records an accepted ticket. It never overwrites an existing
// entry, so a result that finished first is kept.
func (r *TicketRepository) SaveQueued(ctx context.Context, ticketID, correlationID, language string) error {
	if ticketID == "" {
		return appErr.ValidationError("ticket_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	now := r.now().Unix()
	data, err := json.Marshal(model.TicketStatus{
		TicketID:      ticketID,
		Status:        model.TicketQueued,
		Language:      language,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return fmt.Errorf("marshal ticket failed: %w", err)
	}
	if _, err := r.cache.SetNX(ctx, ticketKeyPrefix+ticketID, string(data), r.ttl); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store ticket failed")
	}
	return nil
}

// SaveResult stores a terminal status, replacing the queued entry.
func (r *TicketRepository) SaveResult(ctx context.Context, status model.TicketStatus) error {
	if status.TicketID == "" {
		return appErr.ValidationError("ticket_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal ticket failed: %w", err)
	}
	if err := r.cache.Set(ctx, ticketKeyPrefix+status.TicketID, string(data), r.ttl); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store ticket failed")
	}
	return nil
}

// Get returns the ticket status, or TicketNotFound once it expired.
func (r *TicketRepository) Get(ctx context.Context, ticketID string) (model.TicketStatus, error) {
	if ticketID == "" {
		return model.TicketStatus{}, appErr.ValidationError("ticket_id", "required")
	}
	if r.cache == nil {
		return model.TicketStatus{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, ticketKeyPrefix+ticketID)
	if err != nil {
		return model.TicketStatus{}, appErr.Wrapf(err, appErr.CacheError, "load ticket failed")
	}
	if val == "" {
		return model.TicketStatus{}, appErr.New(appErr.TicketNotFound)
	}
	var status model.TicketStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return model.TicketStatus{}, appErr.Wrapf(err, appErr.CacheError, "decode ticket failed")
	}
	return status, nil
}
