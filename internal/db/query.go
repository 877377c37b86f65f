package db

import (
	"context"
	"fmt"
	"strings"

	"GatherSend/internal/models"
)

// MessageFilter shapes the status query surface: filter, paginate, sort.
type MessageFilter struct {
	Status   string
	Template string
	Page     int
	PerPage  int
	SortBy   string // created_at, sent_at, recipient, status
	Order    string // asc, desc
}

// MessageWithGuest is a message enriched with recipient display fields.
type MessageWithGuest struct {
	models.Message
	GuestName  string `json:"guest_name"`
	GuestPhone string `json:"guest_phone,omitempty"`
	GuestEmail string `json:"guest_email,omitempty"`
}

// DeliveryStats aggregates per-status counts and rates over the filtered
// set.
type DeliveryStats struct {
	Total  int                `json:"total"`
	Counts map[string]int     `json:"counts"`
	Rates  map[string]float64 `json:"rates"`
}

// sortColumns whitelists sortable columns; user input never reaches the
// ORDER BY clause directly.
var sortColumns = map[string]string{
	"created_at": "m.created_at",
	"sent_at":    "m.sent_at",
	"recipient":  "g.name",
	"status":     "m.status",
}

func (f *MessageFilter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 || f.PerPage > 200 {
		f.PerPage = 50
	}
	if _, ok := sortColumns[f.SortBy]; !ok {
		f.SortBy = "created_at"
	}
	if f.Order != "asc" {
		f.Order = "desc"
	}
}

func (f *MessageFilter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		clauses = append(clauses, fmt.Sprintf("m.status=$%d", len(args)))
	}
	if f.Template != "" {
		args = append(args, f.Template)
		clauses = append(clauses, fmt.Sprintf("m.template_name=$%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListMessages returns one page of messages with recipient display fields,
// plus aggregate delivery statistics over everything the filter matches.
func (s *Store) ListMessages(ctx context.Context, f MessageFilter) ([]*MessageWithGuest, *DeliveryStats, error) {
	f.normalize()
	where, args := f.where()

	order := fmt.Sprintf(" ORDER BY %s %s NULLS LAST", sortColumns[f.SortBy], strings.ToUpper(f.Order))
	limitArgs := append(args, f.PerPage, (f.Page-1)*f.PerPage)
	page := fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)

	rows, err := s.Pool.Query(ctx,
		`SELECT `+messageColumns+`, g.name, COALESCE(g.phone,''), COALESCE(g.email,'')
		 FROM messages m JOIN guests g ON g.id = m.guest_id`+where+order+page,
		limitArgs...,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var out []*MessageWithGuest
	for rows.Next() {
		var mw MessageWithGuest
		m := &mw.Message
		if err := rows.Scan(&m.ID, &m.GuestID, &m.EventID, &m.TemplateName, &m.Channel, &m.RenderedContent,
			&m.ProviderMessageID, &m.Status, &m.ErrorCode, &m.ErrorMessage,
			&m.QueuedAt, &m.SentAt, &m.DeliveredAt, &m.ReadAt, &m.FailedAt,
			&m.RetryCount, &m.RetryLimit, &m.NextRetryAt, &m.CreatedAt, &m.UpdatedAt,
			&mw.GuestName, &mw.GuestPhone, &mw.GuestEmail); err != nil {
			return nil, nil, err
		}
		out = append(out, &mw)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	stats, err := s.deliveryStats(ctx, where, args)
	if err != nil {
		return nil, nil, err
	}
	return out, stats, nil
}

func (s *Store) deliveryStats(ctx context.Context, where string, args []any) (*DeliveryStats, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT m.status, COUNT(*)
		 FROM messages m JOIN guests g ON g.id = m.guest_id`+where+` GROUP BY m.status`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &DeliveryStats{
		Counts: make(map[string]int),
		Rates:  make(map[string]float64),
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.Counts[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for status, count := range stats.Counts {
		stats.Rates[status] = float64(count) / float64(stats.Total)
	}
	return stats, nil
}
