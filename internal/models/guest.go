package models

import "time"

// Guest carries the contact fields this core reads and the invitation
// projection it writes. Everything else about a guest lives with the CRUD
// surface and is not modelled here.
type Guest struct {
	ID      int64  `json:"id"`
	EventID int64  `json:"event_id"`
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`

	InvitationStatus MessageStatus `json:"invitation_status"`
	InvitationMethod Channel       `json:"invitation_method,omitempty"`
	InvitationSentAt *time.Time    `json:"invitation_sent_at,omitempty"`
}

// ContactAddress returns the address for the preferred channel: phone for
// chat when present, email otherwise. ok is false when the guest has no
// contactable address at all.
func (g *Guest) ContactAddress() (addr string, ch Channel, ok bool) {
	if g.Phone != "" {
		return g.Phone, ChannelChat, true
	}
	if g.Email != "" {
		return g.Email, ChannelEmail, true
	}
	return "", "", false
}
