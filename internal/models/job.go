package models

import (
	"strconv"
	"strings"
)

type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	}
	return "normal"
}

// ParsePriority is case-insensitive and falls back to normal for empty or
// unknown input.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	}
	return PriorityNormal
}

// DispatchJob is one pending send, alive only inside the delivery queue.
// Admission creates the Message record; the job itself is never persisted.
type DispatchJob struct {
	ID           string
	MessageID    string
	GuestID      int64
	EventID      int64
	Address      string
	Channel      Channel
	TemplateName string
	Variables    map[string]string
	Rendered     string // template content with variables substituted
	Subject      string // email channel only
	Approved     bool   // provider-side template approval
	Priority     Priority
	Attempt      int
}

// DedupeKey is the (recipient, template) idempotency key used for duplicate
// suppression at enqueue time.
func (j *DispatchJob) DedupeKey() string {
	return strconv.FormatInt(j.GuestID, 10) + "\x00" + strings.ToLower(j.TemplateName)
}
