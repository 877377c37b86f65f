package models

import "time"

// Template is a named message template. Approved is the provider-side
// review flag and is independent of Active.
type Template struct {
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	Content      string    `json:"content"`
	RequiredVars []string  `json:"required_vars"`
	Active       bool      `json:"active"`
	Approved     bool      `json:"approved"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
