package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"GatherSend/internal/models"
	"GatherSend/internal/provider"
)

type mockAdapter struct {
	mu       sync.Mutex
	calls    []provider.Request
	SendFunc func(req provider.Request) (*provider.Result, error)
}

func (m *mockAdapter) Channel() models.Channel { return models.ChannelChat }

func (m *mockAdapter) Send(_ context.Context, req provider.Request) (*provider.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.SendFunc != nil {
		return m.SendFunc(req)
	}
	return &provider.Result{ProviderMessageID: "wamid.ok", InitialStatus: models.StatusSent}, nil
}

func (m *mockAdapter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockAdapter) lastCall() provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

type mockTracker struct{ open bool }

func (m *mockTracker) CanSendFreeForm(context.Context, int64) bool { return m.open }

type workerHarness struct {
	q       *Queue
	store   *mockStore
	sync    *mockSync
	adapter *mockAdapter
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
}

func startWorker(t *testing.T, cfg Config, adapter *mockAdapter, tracker WindowTracker) *workerHarness {
	t.Helper()
	store := newMockStore()
	s := newMockSync()
	q := newTestQueue(store, s, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	q.StartWorkers(ctx, &wg, 1,
		map[models.Channel]provider.Adapter{models.ChannelChat: adapter},
		rate.NewLimiter(rate.Inf, 0),
		tracker,
	)

	h := &workerHarness{q: q, store: store, sync: s, adapter: adapter, cancel: cancel, wg: &wg}
	t.Cleanup(func() {
		q.Close()
		cancel()
		wg.Wait()
	})
	return h
}

func TestDispatchSuccess(t *testing.T) {
	adapter := &mockAdapter{}
	h := startWorker(t, Config{}, adapter, &mockTracker{open: false})

	if _, err := h.q.Enqueue(context.Background(), job(1, "event_invitation")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tr := h.sync.waitFor(t, models.StatusSent, 2*time.Second)

	h.store.mu.Lock()
	pid := h.store.providerIDs[tr.messageID]
	h.store.mu.Unlock()
	if pid != "wamid.ok" {
		t.Errorf("provider message id = %q, want wamid.ok", pid)
	}

	// window closed: the approved template goes out by reference
	req := h.adapter.lastCall()
	if req.TemplateRef != "event_invitation" {
		t.Errorf("template ref = %q, want event_invitation", req.TemplateRef)
	}
}

func TestDispatchWithoutProviderIDStillSends(t *testing.T) {
	adapter := &mockAdapter{SendFunc: func(provider.Request) (*provider.Result, error) {
		return &provider.Result{InitialStatus: models.StatusSent}, nil
	}}
	h := startWorker(t, Config{}, adapter, &mockTracker{open: true})

	if _, err := h.q.Enqueue(context.Background(), job(4, "event_invitation")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tr := h.sync.waitFor(t, models.StatusSent, 2*time.Second)

	h.store.mu.Lock()
	_, recorded := h.store.providerIDs[tr.messageID]
	h.store.mu.Unlock()
	if recorded {
		t.Error("an absent provider message id must not be persisted")
	}
}

func TestDispatchFreeFormInsideWindow(t *testing.T) {
	adapter := &mockAdapter{}
	h := startWorker(t, Config{}, adapter, &mockTracker{open: true})

	if _, err := h.q.Enqueue(context.Background(), job(2, "event_invitation")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h.sync.waitFor(t, models.StatusSent, 2*time.Second)

	req := h.adapter.lastCall()
	if req.TemplateRef != "" {
		t.Errorf("free-form send must not carry a template ref, got %q", req.TemplateRef)
	}
	if req.Content != "Hi Ada" {
		t.Errorf("free-form body = %q, want rendered content", req.Content)
	}
}

func TestUnapprovedTemplateOutsideWindowFailsTerminally(t *testing.T) {
	adapter := &mockAdapter{}
	h := startWorker(t, Config{}, adapter, &mockTracker{open: false})

	j := job(3, "event_invitation")
	j.Approved = false
	if _, err := h.q.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tr := h.sync.waitFor(t, models.StatusFailed, 2*time.Second)
	if tr.errCode != "template_not_approved" {
		t.Errorf("error code = %q, want template_not_approved", tr.errCode)
	}
	if adapter.callCount() != 0 {
		t.Errorf("provider called %d times, want 0", adapter.callCount())
	}
}

func TestTransientFailureRetriesThenFails(t *testing.T) {
	adapter := &mockAdapter{
		SendFunc: func(provider.Request) (*provider.Result, error) {
			return nil, &provider.Error{Code: "rate_limited", Message: "slow down", Retryable: true}
		},
	}
	h := startWorker(t, Config{
		MaxRetries:  3,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  40 * time.Millisecond,
	}, adapter, &mockTracker{open: true})

	if _, err := h.q.Enqueue(context.Background(), job(4, "event_invitation")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tr := h.sync.waitFor(t, models.StatusFailed, 5*time.Second)
	if tr.errCode != "rate_limited" {
		t.Errorf("error code = %q, want rate_limited", tr.errCode)
	}

	if got := adapter.callCount(); got != 4 {
		t.Errorf("provider called %d times, want 4 (initial + 3 retries)", got)
	}

	h.store.mu.Lock()
	retries := append([]retryCall(nil), h.store.retries...)
	h.store.mu.Unlock()
	if len(retries) != 3 {
		t.Fatalf("scheduled %d retries, want 3", len(retries))
	}
	for i, r := range retries {
		if r.retryCount != i+1 {
			t.Errorf("retry %d count = %d, want %d", i, r.retryCount, i+1)
		}
		if i > 0 && !retries[i].nextRetryAt.After(retries[i-1].nextRetryAt) {
			t.Errorf("retry deadlines must increase, got %v then %v", retries[i-1].nextRetryAt, retries[i].nextRetryAt)
		}
	}
}

func TestTerminalFailureSkipsRetry(t *testing.T) {
	adapter := &mockAdapter{
		SendFunc: func(provider.Request) (*provider.Result, error) {
			return nil, &provider.Error{Code: "invalid_recipient", Message: "bad number", Retryable: false}
		},
	}
	h := startWorker(t, Config{MaxRetries: 3}, adapter, &mockTracker{open: true})

	if _, err := h.q.Enqueue(context.Background(), job(5, "event_invitation")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tr := h.sync.waitFor(t, models.StatusFailed, 2*time.Second)
	if tr.errCode != "invalid_recipient" {
		t.Errorf("error code = %q, want invalid_recipient", tr.errCode)
	}
	if got := adapter.callCount(); got != 1 {
		t.Errorf("provider called %d times, want 1 (no retry)", got)
	}

	h.store.mu.Lock()
	scheduled := len(h.store.retries)
	h.store.mu.Unlock()
	if scheduled != 0 {
		t.Errorf("terminal failure scheduled %d retries, want 0", scheduled)
	}
}

func TestSynchronousDeliveryConfirmation(t *testing.T) {
	adapter := &mockAdapter{
		SendFunc: func(provider.Request) (*provider.Result, error) {
			return &provider.Result{ProviderMessageID: "wamid.fast", InitialStatus: models.StatusDelivered}, nil
		},
	}
	h := startWorker(t, Config{}, adapter, &mockTracker{open: true})

	if _, err := h.q.Enqueue(context.Background(), job(6, "event_invitation")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h.sync.waitFor(t, models.StatusSent, 2*time.Second)
	h.sync.waitFor(t, models.StatusDelivered, 2*time.Second)
}
