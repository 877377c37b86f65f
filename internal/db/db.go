package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"GatherSend/internal/models"
)

// Store is the pgx-backed persistence layer. Each consuming package
// declares the narrow interface it needs; Store satisfies all of them.
type Store struct {
	Pool *pgxpool.Pool
}

func New(conn string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), conn)
	if err != nil {
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// ----------------------------
// Templates
// ----------------------------

func (s *Store) TemplateByName(ctx context.Context, name string) (*models.Template, error) {
	var t models.Template
	err := s.Pool.QueryRow(ctx,
		`SELECT name, display_name, content, required_vars, active, approved, created_at, updated_at
		 FROM templates
		 WHERE name=$1`,
		name,
	).Scan(&t.Name, &t.DisplayName, &t.Content, &t.RequiredVars, &t.Active, &t.Approved, &t.CreatedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ----------------------------
// Guests
// ----------------------------

func (s *Store) GuestsByIDs(ctx context.Context, ids []int64) ([]*models.Guest, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, event_id, name, COALESCE(phone,''), COALESCE(email,''),
		        invitation_status, COALESCE(invitation_method,''), invitation_sent_at
		 FROM guests
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var guests []*models.Guest
	for rows.Next() {
		var g models.Guest
		if err := rows.Scan(&g.ID, &g.EventID, &g.Name, &g.Phone, &g.Email,
			&g.InvitationStatus, &g.InvitationMethod, &g.InvitationSentAt); err != nil {
			return nil, err
		}
		guests = append(guests, &g)
	}
	return guests, rows.Err()
}

func (s *Store) UpdateGuestProjection(ctx context.Context, guestID int64, status models.MessageStatus, method models.Channel, sentAt *time.Time) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE guests
		 SET invitation_status=$1,
		     invitation_method=$2,
		     invitation_sent_at=$3
		 WHERE id=$4`,
		status,
		method,
		sentAt,
		guestID,
	)
	return err
}

// ----------------------------
// Messages
// ----------------------------

func (s *Store) InsertMessage(ctx context.Context, m *models.Message) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO messages
		 (id, guest_id, event_id, template_name, channel, rendered_content,
		  status, queued_at, retry_count, retry_limit, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10,$10)`,
		m.ID,
		m.GuestID,
		m.EventID,
		m.TemplateName,
		m.Channel,
		m.RenderedContent,
		m.Status,
		m.QueuedAt,
		m.RetryLimit,
		m.CreatedAt,
	)
	return err
}

const messageColumns = `m.id, m.guest_id, m.event_id, m.template_name, m.channel, m.rendered_content,
	COALESCE(m.provider_message_id,''), m.status, COALESCE(m.error_code,''), COALESCE(m.error_message,''),
	m.queued_at, m.sent_at, m.delivered_at, m.read_at, m.failed_at,
	m.retry_count, m.retry_limit, m.next_retry_at, m.created_at, m.updated_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.GuestID, &m.EventID, &m.TemplateName, &m.Channel, &m.RenderedContent,
		&m.ProviderMessageID, &m.Status, &m.ErrorCode, &m.ErrorMessage,
		&m.QueuedAt, &m.SentAt, &m.DeliveredAt, &m.ReadAt, &m.FailedAt,
		&m.RetryCount, &m.RetryLimit, &m.NextRetryAt, &m.CreatedAt, &m.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) MessageByID(ctx context.Context, id string) (*models.Message, error) {
	return scanMessage(s.Pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages m WHERE m.id=$1`, id))
}

func (s *Store) MessageByProviderID(ctx context.Context, providerMessageID string) (*models.Message, error) {
	return scanMessage(s.Pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages m WHERE m.provider_message_id=$1`, providerMessageID))
}

func (s *Store) HasPendingMessage(ctx context.Context, guestID int64, templateName string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM messages
		   WHERE guest_id=$1 AND template_name=$2
		     AND status NOT IN ('failed','read','delivered')
		 )`,
		guestID,
		templateName,
	).Scan(&exists)
	return exists, err
}

func (s *Store) SetProviderMessageID(ctx context.Context, messageID, providerMessageID string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE messages
		 SET provider_message_id=$1,
		     updated_at=NOW()
		 WHERE id=$2`,
		providerMessageID,
		messageID,
	)
	return err
}

func (s *Store) ScheduleRetry(ctx context.Context, messageID string, retryCount int, nextRetryAt time.Time, errCode, errMsg string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE messages
		 SET retry_count=$1,
		     next_retry_at=$2,
		     error_code=NULLIF($3,''),
		     error_message=NULLIF($4,''),
		     updated_at=NOW()
		 WHERE id=$5 AND retry_count < retry_limit`,
		retryCount,
		nextRetryAt,
		errCode,
		errMsg,
		messageID,
	)
	return err
}

// timestampColumn maps a lifecycle status to its write-once column.
var timestampColumn = map[models.MessageStatus]string{
	models.StatusQueued:    "queued_at",
	models.StatusSent:      "sent_at",
	models.StatusDelivered: "delivered_at",
	models.StatusRead:      "read_at",
	models.StatusFailed:    "failed_at",
}

// CompareAndSetStatus applies a transition only while the record is still
// at from. The COALESCE keeps lifecycle timestamps write-once. Returns
// false when a concurrent writer moved the record first.
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, from, to models.MessageStatus, at time.Time, errCode, errMsg string) (bool, error) {
	col, ok := timestampColumn[to]
	if !ok {
		return false, fmt.Errorf("no timestamp column for status %q", to)
	}

	tag, err := s.Pool.Exec(ctx,
		fmt.Sprintf(`UPDATE messages
		 SET status=$1,
		     %s=COALESCE(%s,$2),
		     error_code=NULLIF($3,''),
		     error_message=NULLIF($4,''),
		     updated_at=NOW()
		 WHERE id=$5 AND status=$6`, col, col),
		to,
		at,
		errCode,
		errMsg,
		id,
		from,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// LatestDeliveredAt feeds the conversation window tracker.
func (s *Store) LatestDeliveredAt(ctx context.Context, guestID int64) (*time.Time, error) {
	var at *time.Time
	err := s.Pool.QueryRow(ctx,
		`SELECT MAX(delivered_at) FROM messages
		 WHERE guest_id=$1 AND delivered_at IS NOT NULL`,
		guestID,
	).Scan(&at)
	if err != nil {
		return nil, err
	}
	return at, nil
}
