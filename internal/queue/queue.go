package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"GatherSend/internal/metrics"
	"GatherSend/internal/models"
)

// ConflictError reports a duplicate pending dispatch for the (recipient,
// template) idempotency key. The caller may wait for the pending message
// to reach a terminal status and retry.
type ConflictError struct {
	GuestIDs     []int64
	TemplateName string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("pending message already exists for template %q and %d recipient(s)", e.TemplateName, len(e.GuestIDs))
}

// ErrBulkCeiling rejects bulk calls above the per-call ceiling.
type ErrBulkCeiling struct {
	Submitted int
	Ceiling   int
}

func (e *ErrBulkCeiling) Error() string {
	return fmt.Sprintf("bulk dispatch of %d jobs exceeds ceiling of %d", e.Submitted, e.Ceiling)
}

// Store is the slice of persistence the queue drives.
type Store interface {
	// HasPendingMessage reports whether a message for (guest, template)
	// exists in a non-terminal status.
	HasPendingMessage(ctx context.Context, guestID int64, templateName string) (bool, error)
	InsertMessage(ctx context.Context, msg *models.Message) error
	SetProviderMessageID(ctx context.Context, messageID, providerMessageID string) error
	ScheduleRetry(ctx context.Context, messageID string, retryCount int, nextRetryAt time.Time, errCode, errMsg string) error
}

// Config tunes queue behavior; zero values are replaced by these defaults.
type Config struct {
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	BulkCeiling      int
	DefaultBatchSize int
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.BulkCeiling == 0 {
		c.BulkCeiling = 100
	}
	if c.DefaultBatchSize == 0 {
		c.DefaultBatchSize = 10
	}
}

// item wraps a queued job with its per-job backoff state so retry delays
// grow across attempts. bulkID ties the job to its bulk dispatch so the
// next sub-batch is released when this one drains.
type item struct {
	job    *models.DispatchJob
	boff   backoff.BackOff
	bulkID string
}

// bulkState paces one bulk dispatch: waiting sub-batches enter their tier
// only after the released one has been fully picked up, bounding the
// burst a single bulk call can put in front of the workers.
type bulkState struct {
	inFlight int
	waiting  [][]*models.DispatchJob
}

// tierWeights bounds starvation: within one credit cycle a backlogged low
// tier is serviced after at most 4 high and 2 normal services.
var tierWeights = [3]int{4, 2, 1}

// Queue accepts dispatch jobs, orders them by priority tier (FIFO within a
// tier, weighted round-robin across tiers), and hands them to workers.
type Queue struct {
	cfg  Config
	sync Synchronizer
	log  *zap.Logger
	now  func() time.Time

	mu      sync.Mutex
	tiers   [3][]*item
	pending map[string]string // dedupe key -> job id, claimed at reservation
	bulks   map[string]*bulkState
	credits [3]int
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	timersMu sync.Mutex
	timers   map[string]*time.Timer // message id -> pending retry timer

	store Store
}

// Synchronizer is the slice of the status synchronizer the queue needs.
type Synchronizer interface {
	Transition(ctx context.Context, messageID string, to models.MessageStatus, at time.Time, errCode, errMsg string) error
	ProjectCreation(ctx context.Context, msg *models.Message) error
}

func New(store Store, sync Synchronizer, cfg Config, log *zap.Logger) *Queue {
	cfg.applyDefaults()
	q := &Queue{
		cfg:     cfg,
		store:   store,
		sync:    sync,
		log:     log,
		now:     time.Now,
		pending: make(map[string]string),
		bulks:   make(map[string]*bulkState),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		timers:  make(map[string]*time.Timer),
	}
	q.credits = tierWeights
	return q
}

// Enqueue admits a single job: duplicate suppression, message record
// creation, guest projection seed, then tier insertion. The returned id
// identifies the job for withdrawal.
func (q *Queue) Enqueue(ctx context.Context, job *models.DispatchJob) (string, error) {
	jobs := []*models.DispatchJob{job}
	if err := q.reserve(jobs); err != nil {
		return "", err
	}
	if err := q.storeConflicts(ctx, jobs); err != nil {
		q.release(jobs)
		return "", err
	}
	if err := q.admit(ctx, job); err != nil {
		q.release(jobs)
		return "", err
	}
	q.push(job, nil)
	return job.ID, nil
}

// EnqueueBulk admits up to the bulk ceiling of jobs at one priority,
// splitting them into provider-facing sub-batches of batchSize. The call
// is all-or-nothing: any conflicting recipient rejects the whole batch
// before any message is created.
func (q *Queue) EnqueueBulk(ctx context.Context, jobs []*models.DispatchJob, priority models.Priority, batchSize int) (ids []string, batches int, err error) {
	if len(jobs) > q.cfg.BulkCeiling {
		return nil, 0, &ErrBulkCeiling{Submitted: len(jobs), Ceiling: q.cfg.BulkCeiling}
	}
	if batchSize <= 0 {
		batchSize = q.cfg.DefaultBatchSize
	}
	if len(jobs) == 0 {
		return nil, 0, nil
	}

	if err := q.reserve(jobs); err != nil {
		return nil, 0, err
	}
	if err := q.storeConflicts(ctx, jobs); err != nil {
		q.release(jobs)
		return nil, 0, err
	}

	for _, job := range jobs {
		job.Priority = priority
		if err := q.admit(ctx, job); err != nil {
			q.release(jobs)
			return nil, 0, err
		}
		ids = append(ids, job.ID)
	}

	var subBatches [][]*models.DispatchJob
	for start := 0; start < len(jobs); start += batchSize {
		end := start + batchSize
		if end > len(jobs) {
			end = len(jobs)
		}
		subBatches = append(subBatches, jobs[start:end])
	}
	batches = len(subBatches)

	// Only the first sub-batch enters its tier now. The rest are
	// released one at a time as workers drain them, in advanceBulk.
	q.mu.Lock()
	if !q.closed {
		bulkID := uuid.NewString()
		q.bulks[bulkID] = &bulkState{inFlight: len(subBatches[0]), waiting: subBatches[1:]}
		for _, job := range subBatches[0] {
			q.pushLocked(job, nil, bulkID)
		}
	}
	q.mu.Unlock()
	q.wakeUp()

	q.log.Info("bulk dispatch enqueued",
		zap.Int("jobs", len(jobs)),
		zap.Int("batches", batches),
		zap.String("priority", priority.String()),
	)
	return ids, batches, nil
}

// reserve claims the dedupe key of every job in one critical section, so
// two concurrent enqueues for the same (recipient, template) cannot both
// pass duplicate suppression. All claims roll back on any conflict; the
// caller releases them if a later admission step fails.
func (q *Queue) reserve(jobs []*models.DispatchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var conflicted []int64
	var claimed []string
	for _, job := range jobs {
		key := job.DedupeKey()
		if _, ok := q.pending[key]; ok {
			conflicted = append(conflicted, job.GuestID)
			continue
		}
		q.pending[key] = ""
		claimed = append(claimed, key)
	}
	if len(conflicted) > 0 {
		for _, key := range claimed {
			delete(q.pending, key)
		}
		return &ConflictError{GuestIDs: dedupeIDs(conflicted), TemplateName: jobs[0].TemplateName}
	}
	return nil
}

func (q *Queue) release(jobs []*models.DispatchJob) {
	q.mu.Lock()
	for _, job := range jobs {
		delete(q.pending, job.DedupeKey())
	}
	q.mu.Unlock()
}

// storeConflicts checks for persisted non-terminal messages per job. The
// in-queue keys are already held by reserve at this point.
func (q *Queue) storeConflicts(ctx context.Context, jobs []*models.DispatchJob) error {
	var conflicted []int64
	for _, job := range jobs {
		pending, err := q.store.HasPendingMessage(ctx, job.GuestID, job.TemplateName)
		if err != nil {
			return fmt.Errorf("duplicate check: %w", err)
		}
		if pending {
			conflicted = append(conflicted, job.GuestID)
		}
	}
	if len(conflicted) > 0 {
		return &ConflictError{GuestIDs: dedupeIDs(conflicted), TemplateName: jobs[0].TemplateName}
	}
	return nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// admit creates the persisted Message record (status queued) and seeds the
// guest projection. The job id and message id are assigned here.
func (q *Queue) admit(ctx context.Context, job *models.DispatchJob) error {
	job.ID = uuid.NewString()
	now := q.now()

	msg := &models.Message{
		ID:              uuid.NewString(),
		GuestID:         job.GuestID,
		EventID:         job.EventID,
		TemplateName:    job.TemplateName,
		Channel:         job.Channel,
		RenderedContent: job.Rendered,
		Status:          models.StatusQueued,
		QueuedAt:        &now,
		RetryLimit:      q.cfg.MaxRetries,
		CreatedAt:       now,
	}
	if err := q.store.InsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	job.MessageID = msg.ID

	if err := q.sync.ProjectCreation(ctx, msg); err != nil {
		q.log.Error("failed to seed guest projection",
			zap.String("message_id", msg.ID),
			zap.Int64("guest_id", msg.GuestID),
			zap.Error(err),
		)
	}
	return nil
}

func (q *Queue) push(job *models.DispatchJob, boff backoff.BackOff) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pushLocked(job, boff, "")
	q.mu.Unlock()
	q.wakeUp()
}

// pushLocked is called with q.mu held.
func (q *Queue) pushLocked(job *models.DispatchJob, boff backoff.BackOff, bulkID string) {
	if boff == nil {
		boff = q.newBackoff()
	}
	tier := int(job.Priority)
	q.tiers[tier] = append(q.tiers[tier], &item{job: job, boff: boff, bulkID: bulkID})
	q.pending[job.DedupeKey()] = job.ID
	metrics.QueueDepth.WithLabelValues(job.Priority.String()).Inc()
}

func (q *Queue) wakeUp() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.BackoffBase
	b.MaxInterval = q.cfg.BackoffCap
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return b
}

// next blocks until a job is available or the queue closes. Tier choice is
// weighted round-robin over non-empty tiers so continuous high-priority
// arrival cannot starve lower tiers.
func (q *Queue) next(ctx context.Context) (*item, bool) {
	for {
		q.mu.Lock()
		it := q.pick()
		closed := q.closed
		q.mu.Unlock()

		if it != nil {
			return it, true
		}
		if closed {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.done:
		case <-q.wake:
		}
	}
}

// pick is called with q.mu held.
func (q *Queue) pick() *item {
	nonEmpty := false
	for tier := range q.tiers {
		if len(q.tiers[tier]) > 0 {
			nonEmpty = true
			break
		}
	}
	if !nonEmpty {
		return nil
	}

	for {
		for tier := range q.tiers {
			if q.credits[tier] > 0 && len(q.tiers[tier]) > 0 {
				q.credits[tier]--
				return q.pop(tier)
			}
		}
		// Every backlogged tier is out of credits for this cycle.
		q.credits = tierWeights
	}
}

// pop is called with q.mu held.
func (q *Queue) pop(tier int) *item {
	it := q.tiers[tier][0]
	q.tiers[tier] = q.tiers[tier][1:]
	delete(q.pending, it.job.DedupeKey())
	metrics.QueueDepth.WithLabelValues(models.Priority(tier).String()).Dec()
	if it.bulkID != "" {
		q.advanceBulk(it.bulkID)
	}
	return it
}

// advanceBulk is called with q.mu held. Once the released sub-batch of a
// bulk dispatch has fully drained, the next sub-batch enters its tier.
func (q *Queue) advanceBulk(id string) {
	bs, ok := q.bulks[id]
	if !ok {
		return
	}
	bs.inFlight--
	if bs.inFlight > 0 {
		return
	}
	if len(bs.waiting) == 0 {
		delete(q.bulks, id)
		return
	}
	next := bs.waiting[0]
	bs.waiting = bs.waiting[1:]
	bs.inFlight = len(next)
	for _, job := range next {
		q.pushLocked(job, nil, id)
	}
	q.wakeUp()
}

// Withdraw removes a job that has not yet been picked up by a worker and
// fails its message record. Jobs already handed to a provider cannot be
// withdrawn.
func (q *Queue) Withdraw(ctx context.Context, jobID string) bool {
	q.mu.Lock()
	var found *item
	for tier := range q.tiers {
		for i, it := range q.tiers[tier] {
			if it.job.ID == jobID {
				found = it
				q.tiers[tier] = append(q.tiers[tier][:i], q.tiers[tier][i+1:]...)
				delete(q.pending, it.job.DedupeKey())
				metrics.QueueDepth.WithLabelValues(models.Priority(tier).String()).Dec()
				if it.bulkID != "" {
					q.advanceBulk(it.bulkID)
				}
				break
			}
		}
		if found != nil {
			break
		}
	}
	q.mu.Unlock()

	if found == nil {
		return false
	}

	if err := q.sync.Transition(ctx, found.job.MessageID, models.StatusFailed, q.now(), "withdrawn", "job withdrawn before dispatch"); err != nil {
		q.log.Error("failed to fail withdrawn message",
			zap.String("message_id", found.job.MessageID),
			zap.Error(err),
		)
	}
	return true
}

// Depth returns the number of jobs waiting in the given tier.
func (q *Queue) Depth(p models.Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tiers[int(p)])
}

// Close stops intake and wakes blocked workers so they can drain and exit.
// Pending retry timers are cancelled; their messages keep their persisted
// next-retry-at for an external sweep on restart.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.timersMu.Lock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.timersMu.Unlock()

	close(q.done)
}
