package models

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to MessageStatus
		want     bool
	}{
		{StatusQueued, StatusSent, true},
		{StatusQueued, StatusFailed, true},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusFailed, true},
		{StatusDelivered, StatusRead, true},
		{StatusQueued, StatusDelivered, true}, // skipping sent is forward, allowed
		{StatusQueued, StatusRead, true},

		// regressions and repeats are dropped
		{StatusDelivered, StatusSent, false},
		{StatusSent, StatusQueued, false},
		{StatusSent, StatusSent, false},
		{StatusDelivered, StatusDelivered, false},
		{StatusRead, StatusDelivered, false},

		// failed only from queued/sent; delivered->failed is ignored
		{StatusDelivered, StatusFailed, false},
		{StatusRead, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{StatusFailed, StatusFailed, false},
		{StatusNotSent, StatusFailed, true},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if !StatusFailed.IsTerminal() {
		t.Error("failed should be terminal")
	}
	if !StatusRead.IsTerminal() {
		t.Error("read should be terminal")
	}
	if StatusDelivered.IsTerminal() {
		t.Error("delivered should not be terminal")
	}
}

func TestParseStatus(t *testing.T) {
	if s, ok := ParseStatus("delivered"); !ok || s != StatusDelivered {
		t.Errorf("ParseStatus(delivered) = %q, %v", s, ok)
	}
	if _, ok := ParseStatus("exploded"); ok {
		t.Error("unknown status should not parse")
	}
}

func TestReachedAtPrefersSent(t *testing.T) {
	queued := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sent := queued.Add(time.Minute)

	m := &Message{QueuedAt: &queued}
	if got := m.ReachedAt(); got == nil || !got.Equal(queued) {
		t.Errorf("ReachedAt without sent = %v, want queued_at", got)
	}

	m.SentAt = &sent
	if got := m.ReachedAt(); got == nil || !got.Equal(sent) {
		t.Errorf("ReachedAt with sent = %v, want sent_at", got)
	}
}

func TestTimestampFor(t *testing.T) {
	m := &Message{}
	at := time.Now()

	ts := m.TimestampFor(StatusDelivered)
	if ts == nil {
		t.Fatal("expected a timestamp slot for delivered")
	}
	*ts = &at
	if m.DeliveredAt == nil || !m.DeliveredAt.Equal(at) {
		t.Error("TimestampFor(delivered) should back DeliveredAt")
	}

	if m.TimestampFor(StatusNotSent) != nil {
		t.Error("not_sent has no timestamp")
	}
}
