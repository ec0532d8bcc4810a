package models

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

type ValidationMode string

const (
	SingleUse ValidationMode = "SINGLE_USE"
	DailyUse  ValidationMode = "DAILY_USE"
)

const MaxCompanions = 4

func (m ValidationMode) Valid() bool {
	return m == SingleUse || m == DailyUse
}

func ParseValidationMode(s string) (ValidationMode, error) {
	m := ValidationMode(s)
	if s == "" {
		return SingleUse, nil
	}
	if !m.Valid() {
		return "", fmt.Errorf("unknown validation mode %q", s)
	}
	return m, nil
}

type Ticket struct {
	bun.BaseModel `bun:"table:tickets,alias:t"`

	ID             string         `bun:"id,pk" json:"ticket_id"`
	Code           string         `bun:"code,unique,notnull" json:"code"`
	UniqueURLToken string         `bun:"unique_url_token,unique,notnull" json:"-"`
	AccessPIN      string         `bun:"access_pin,notnull,unique:tickets_event_pin" json:"-"`
	ValidationMode ValidationMode `bun:"validation_mode,notnull" json:"validation_mode"`
	Companions     int            `bun:"companions,notnull" json:"companions"`
	UserID         string         `bun:"user_id,notnull" json:"user_id"`
	EventID        string         `bun:"event_id,notnull,unique:tickets_event_pin" json:"event_id"`
	IssuedAt       time.Time      `bun:"issued_at,notnull" json:"issued_at"`

	// IsUsed and UsedAt mirror the validation log for older consumers.
	IsUsed bool       `bun:"is_used,notnull" json:"is_used"`
	UsedAt *time.Time `bun:"used_at,nullzero" json:"used_at,omitempty"`

	User  *User  `bun:"rel:belongs-to,join:user_id=id" json:"-"`
	Event *Event `bun:"rel:belongs-to,join:event_id=id" json:"-"`
}
