package window

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Store is the slice of persistence this package reads.
type Store interface {
	// LatestDeliveredAt returns the delivered timestamp of the most recent
	// provider-confirmed message for the guest, or nil when none exists.
	LatestDeliveredAt(ctx context.Context, guestID int64) (*time.Time, error)
}

// Tracker decides whether the messaging channel's policy permits a
// free-form (non-templated) message to a guest right now.
type Tracker struct {
	store  Store
	window time.Duration
	log    *zap.Logger
	now    func() time.Time
}

func NewTracker(store Store, window time.Duration, log *zap.Logger) *Tracker {
	return &Tracker{
		store:  store,
		window: window,
		log:    log,
		now:    time.Now,
	}
}

// CanSendFreeForm reports whether the conversation window for the guest is
// open: a delivered message exists and strictly less than the window
// duration has elapsed since it. Elapsed equal to the window is closed
// (half-open boundary). Persistence errors close the window, failing safe
// toward requiring a template.
func (t *Tracker) CanSendFreeForm(ctx context.Context, guestID int64) bool {
	deliveredAt, err := t.store.LatestDeliveredAt(ctx, guestID)
	if err != nil {
		t.log.Warn("conversation window lookup failed, requiring template",
			zap.Int64("guest_id", guestID),
			zap.Error(err),
		)
		return false
	}
	if deliveredAt == nil {
		return false
	}
	return t.now().Sub(*deliveredAt) < t.window
}
