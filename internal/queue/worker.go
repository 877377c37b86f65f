package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"GatherSend/internal/metrics"
	"GatherSend/internal/models"
	"GatherSend/internal/provider"
	"GatherSend/internal/statussync"
)

// WindowTracker decides template vs free-form per recipient at dispatch
// time.
type WindowTracker interface {
	CanSendFreeForm(ctx context.Context, guestID int64) bool
}

// StartWorkers launches the dispatch worker pool. Workers drain tiers
// concurrently; one slow provider call only occupies its own worker.
func (q *Queue) StartWorkers(
	ctx context.Context,
	wg *sync.WaitGroup,
	workers int,
	adapters map[models.Channel]provider.Adapter,
	limiter *rate.Limiter,
	tracker WindowTracker,
) {
	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			q.log.Info("dispatch worker started", zap.Int("worker_id", id))

			for {
				it, ok := q.next(ctx)
				if !ok {
					q.log.Info("dispatch worker shutting down", zap.Int("worker_id", id))
					return
				}

				if err := limiter.Wait(ctx); err != nil {
					q.log.Warn("rate limiter stopped by context",
						zap.Int("worker_id", id),
						zap.Error(err),
					)
					return
				}

				q.dispatch(ctx, id, it, adapters, tracker)
			}
		}(i)
	}
}

// dispatch runs one job through channel selection, the provider call, and
// outcome handling.
func (q *Queue) dispatch(ctx context.Context, workerID int, it *item, adapters map[models.Channel]provider.Adapter, tracker WindowTracker) {
	job := it.job

	adapter, ok := adapters[job.Channel]
	if !ok {
		q.fail(ctx, job, "no_adapter", "no provider adapter for channel "+string(job.Channel))
		return
	}

	req := provider.Request{
		Address: job.Address,
		Content: job.Rendered,
		Subject: job.Subject,
	}
	// An open conversation window lets the rendered text go out as a plain
	// body; otherwise the chat channel must reference a provider-approved
	// template.
	if job.Channel == models.ChannelChat && !tracker.CanSendFreeForm(ctx, job.GuestID) {
		if !job.Approved {
			q.fail(ctx, job, "template_not_approved", "conversation window closed and template lacks provider approval")
			return
		}
		req.TemplateRef = job.TemplateName
		req.Variables = job.Variables
	}

	res, err := adapter.Send(ctx, req)
	if err != nil {
		q.handleSendError(ctx, workerID, it, err)
		return
	}

	metrics.MessagesDispatched.WithLabelValues(string(job.Channel)).Inc()

	// The id can be absent when the provider accepted the send but its
	// response could not be read; later callbacks for it will not match.
	if res.ProviderMessageID != "" {
		if err := q.store.SetProviderMessageID(ctx, job.MessageID, res.ProviderMessageID); err != nil {
			q.log.Error("failed to record provider message id",
				zap.String("message_id", job.MessageID),
				zap.Error(err),
			)
		}
	}

	now := q.now()
	if err := q.sync.Transition(ctx, job.MessageID, models.StatusSent, now, "", ""); err != nil && !isNoOp(err) {
		q.log.Error("failed to mark message sent",
			zap.String("message_id", job.MessageID),
			zap.Error(err),
		)
	}
	// Some providers confirm delivery synchronously.
	if res.InitialStatus == models.StatusDelivered || res.InitialStatus == models.StatusRead {
		if err := q.sync.Transition(ctx, job.MessageID, res.InitialStatus, now, "", ""); err != nil && !isNoOp(err) {
			q.log.Error("failed to apply provider initial status",
				zap.String("message_id", job.MessageID),
				zap.String("status", string(res.InitialStatus)),
				zap.Error(err),
			)
		}
	}

	q.log.Info("message dispatched",
		zap.Int("worker_id", workerID),
		zap.String("message_id", job.MessageID),
		zap.String("channel", string(job.Channel)),
		zap.String("provider_message_id", res.ProviderMessageID),
	)
}

// handleSendError splits provider failures into the retryable and terminal
// classes. Retryable failures reschedule at the job's next backoff delay
// until the retry limit; everything past the limit, and every terminal
// failure, permanently fails the message.
func (q *Queue) handleSendError(ctx context.Context, workerID int, it *item, err error) {
	job := it.job

	var perr *provider.Error
	retryable := true // unexpected non-provider errors get the retry path
	code, msg := "provider", err.Error()
	if errors.As(err, &perr) {
		retryable = perr.Retryable
		code, msg = perr.Code, perr.Message
	}

	if !retryable {
		metrics.DispatchFailures.WithLabelValues("terminal").Inc()
		q.log.Error("terminal provider failure",
			zap.Int("worker_id", workerID),
			zap.String("message_id", job.MessageID),
			zap.String("code", code),
			zap.Error(err),
		)
		q.fail(ctx, job, code, msg)
		return
	}

	metrics.DispatchFailures.WithLabelValues("retryable").Inc()

	if job.Attempt >= q.cfg.MaxRetries {
		q.log.Error("retries exhausted",
			zap.Int("worker_id", workerID),
			zap.String("message_id", job.MessageID),
			zap.Int("attempts", job.Attempt),
			zap.Error(err),
		)
		q.fail(ctx, job, code, msg)
		return
	}

	job.Attempt++
	delay := it.boff.NextBackOff()
	nextAt := q.now().Add(delay)

	if err := q.store.ScheduleRetry(ctx, job.MessageID, job.Attempt, nextAt, code, msg); err != nil {
		q.log.Error("failed to persist retry schedule",
			zap.String("message_id", job.MessageID),
			zap.Error(err),
		)
	}

	metrics.DispatchRetries.Inc()
	q.log.Warn("transient provider failure, retry scheduled",
		zap.Int("worker_id", workerID),
		zap.String("message_id", job.MessageID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
	)

	q.timersMu.Lock()
	q.timers[job.MessageID] = time.AfterFunc(delay, func() {
		q.timersMu.Lock()
		delete(q.timers, job.MessageID)
		q.timersMu.Unlock()
		q.push(job, it.boff)
	})
	q.timersMu.Unlock()
}

func (q *Queue) fail(ctx context.Context, job *models.DispatchJob, code, msg string) {
	if err := q.sync.Transition(ctx, job.MessageID, models.StatusFailed, q.now(), code, msg); err != nil && !isNoOp(err) {
		q.log.Error("failed to mark message failed",
			zap.String("message_id", job.MessageID),
			zap.Error(err),
		)
	}
}

// isNoOp reports whether the synchronizer dropped the transition as a
// duplicate, which is fine here.
func isNoOp(err error) bool {
	return errors.Is(err, statussync.ErrNoOp)
}
