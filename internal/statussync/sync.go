package statussync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"GatherSend/internal/metrics"
	"GatherSend/internal/models"
)

var (
	// ErrNoOp means the update carried no new information: a duplicate or
	// out-of-order callback dropped by the monotonic ordering guard. It is
	// not a failure the caller should surface.
	ErrNoOp = errors.New("status update dropped as no-op")
	// ErrUnknownMessage means the provider message id matches no record.
	ErrUnknownMessage = errors.New("unknown provider message id")
	// ErrContention means repeated concurrent writers kept invalidating the
	// compare-and-swap; the caller may retry.
	ErrContention = errors.New("status update lost compare-and-swap race")
)

// casAttempts bounds the read/decide/compare-and-swap loop under
// concurrent writers for the same message.
const casAttempts = 5

// Store is the slice of persistence the synchronizer drives. The
// compare-and-swap update is what makes the ordering guard hold under
// concurrent callbacks for the same message.
type Store interface {
	MessageByID(ctx context.Context, id string) (*models.Message, error)
	MessageByProviderID(ctx context.Context, providerMessageID string) (*models.Message, error)
	// CompareAndSetStatus applies the transition only while the record is
	// still at from: it sets status, the write-once timestamp for to, and
	// the error fields, returning false when another writer got there
	// first.
	CompareAndSetStatus(ctx context.Context, id string, from, to models.MessageStatus, at time.Time, errCode, errMsg string) (bool, error)
	UpdateGuestProjection(ctx context.Context, guestID int64, status models.MessageStatus, method models.Channel, sentAt *time.Time) error
}

// Update is one provider delivery-status callback, keyed by provider
// message id.
type Update struct {
	ProviderMessageID string
	Status            models.MessageStatus
	ErrorCode         string
	ErrorMessage      string
	Timestamp         time.Time
}

// Synchronizer applies monotonic state transitions to messages and
// reconciles each accepted transition onto the owning guest's invitation
// projection.
type Synchronizer struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func New(store Store, log *zap.Logger) *Synchronizer {
	return &Synchronizer{store: store, log: log, now: time.Now}
}

// Apply ingests a provider callback. Unknown provider ids are logged and
// dropped; out-of-order and duplicate updates return ErrNoOp. Both are
// idempotency decisions the provider must never see as failures.
func (s *Synchronizer) Apply(ctx context.Context, u Update) error {
	msg, err := s.store.MessageByProviderID(ctx, u.ProviderMessageID)
	if err != nil {
		return fmt.Errorf("resolve provider message id: %w", err)
	}
	if msg == nil {
		s.log.Warn("callback for unknown provider message id, dropping",
			zap.String("provider_message_id", u.ProviderMessageID),
			zap.String("status", string(u.Status)),
		)
		metrics.CallbacksDropped.Inc()
		return ErrUnknownMessage
	}

	at := u.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	return s.Transition(ctx, msg.ID, u.Status, at, u.ErrorCode, u.ErrorMessage)
}

// Transition moves the message to the given status if the lifecycle
// ordering permits it, then recomputes the guest projection. Regressions
// and repeats return ErrNoOp without touching state.
func (s *Synchronizer) Transition(ctx context.Context, messageID string, to models.MessageStatus, at time.Time, errCode, errMsg string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		msg, err := s.store.MessageByID(ctx, messageID)
		if err != nil {
			return fmt.Errorf("load message: %w", err)
		}
		if msg == nil {
			return ErrUnknownMessage
		}

		if !models.CanTransition(msg.Status, to) {
			s.log.Debug("status update dropped by ordering guard",
				zap.String("message_id", messageID),
				zap.String("current", string(msg.Status)),
				zap.String("incoming", string(to)),
			)
			metrics.CallbacksDropped.Inc()
			return ErrNoOp
		}

		// Provider clocks can lag ours. A later lifecycle stage must never
		// record an earlier timestamp than one already set, so clamp.
		stamp := at
		if latest := msg.LatestLifecycleTime(); latest != nil && stamp.Before(*latest) {
			stamp = *latest
		}

		applied, err := s.store.CompareAndSetStatus(ctx, messageID, msg.Status, to, stamp, errCode, errMsg)
		if err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}
		if !applied {
			// Lost the race; re-read and re-decide against the new state.
			continue
		}

		metrics.TransitionsApplied.WithLabelValues(string(to)).Inc()
		return s.project(ctx, messageID)
	}
	return ErrContention
}

// ProjectCreation seeds the guest projection for a freshly enqueued
// message. A message with no explicit provider status projects "queued"
// with the channel used as the method.
func (s *Synchronizer) ProjectCreation(ctx context.Context, msg *models.Message) error {
	status := msg.Status
	if status == "" || status == models.StatusNotSent {
		status = models.StatusQueued
	}
	return s.store.UpdateGuestProjection(ctx, msg.GuestID, status, msg.Channel, msg.ReachedAt())
}

// project re-reads the message and overwrites the owning guest's
// invitation status, method, and sent-at from it.
func (s *Synchronizer) project(ctx context.Context, messageID string) error {
	msg, err := s.store.MessageByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("reload message for projection: %w", err)
	}
	if msg == nil {
		return ErrUnknownMessage
	}
	if err := s.store.UpdateGuestProjection(ctx, msg.GuestID, msg.Status, msg.Channel, msg.ReachedAt()); err != nil {
		return fmt.Errorf("update guest projection: %w", err)
	}
	return nil
}
