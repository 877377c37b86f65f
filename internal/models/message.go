package models

import "time"

type MessageStatus string

const (
	StatusNotSent   MessageStatus = "not_sent"
	StatusQueued    MessageStatus = "queued"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders the delivery lifecycle. failed sits outside the chain
// and is handled by CanTransition directly.
var statusRank = map[MessageStatus]int{
	StatusNotSent:   0,
	StatusQueued:    1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// ParseStatus maps a provider-reported status string onto the lifecycle.
// Unknown strings return false.
func ParseStatus(s string) (MessageStatus, bool) {
	switch MessageStatus(s) {
	case StatusNotSent, StatusQueued, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return MessageStatus(s), true
	}
	return "", false
}

// IsTerminal reports whether no further transition is expected from s.
func (s MessageStatus) IsTerminal() bool {
	return s == StatusFailed || s == StatusRead
}

// CanTransition reports whether the lifecycle permits moving from cur to
// next. Moves along the chain are allowed only strictly forward; failed is
// accepted from queued or sent and from nowhere later, so an out-of-order
// or repeated callback is always rejected here.
func CanTransition(cur, next MessageStatus) bool {
	if cur == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return cur == StatusNotSent || cur == StatusQueued || cur == StatusSent
	}
	return statusRank[next] > statusRank[cur]
}

type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelEmail Channel = "email"
)

// Message is one persisted send attempt and its delivery lifecycle.
type Message struct {
	ID                string        `json:"id"`
	GuestID           int64         `json:"guest_id"`
	EventID           int64         `json:"event_id"`
	TemplateName      string        `json:"template_name"`
	Channel           Channel       `json:"channel"`
	RenderedContent   string        `json:"rendered_content"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	Status            MessageStatus `json:"status"`
	ErrorCode         string        `json:"error_code,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`

	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	RetryCount  int        `json:"retry_count"`
	RetryLimit  int        `json:"retry_limit"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TimestampFor returns a pointer to the lifecycle timestamp field backing
// the given status, or nil when the status has none (not_sent).
func (m *Message) TimestampFor(s MessageStatus) **time.Time {
	switch s {
	case StatusQueued:
		return &m.QueuedAt
	case StatusSent:
		return &m.SentAt
	case StatusDelivered:
		return &m.DeliveredAt
	case StatusRead:
		return &m.ReadAt
	case StatusFailed:
		return &m.FailedAt
	}
	return nil
}

// ReachedAt is the best available "reached the guest" timestamp: the sent
// timestamp when present, else the queued one.
func (m *Message) ReachedAt() *time.Time {
	if m.SentAt != nil {
		return m.SentAt
	}
	return m.QueuedAt
}

// LatestLifecycleTime returns the latest lifecycle timestamp already set
// on the message, or nil when none is.
func (m *Message) LatestLifecycleTime() *time.Time {
	var latest *time.Time
	for _, ts := range []*time.Time{m.QueuedAt, m.SentAt, m.DeliveredAt, m.ReadAt, m.FailedAt} {
		if ts == nil {
			continue
		}
		if latest == nil || ts.After(*latest) {
			latest = ts
		}
	}
	return latest
}
