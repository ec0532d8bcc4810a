package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ValidationLog is one admission attempt. Rows are never updated.
type ValidationLog struct {
	bun.BaseModel `bun:"table:validation_logs"`

	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	TicketID      string    `bun:"ticket_id,notnull" json:"ticket_id"`
	ValidatorID   string    `bun:"validator_id,notnull" json:"validator_id"`
	ValidatedAt   time.Time `bun:"validated_at,notnull" json:"validated_at"`
	ValidationDay string    `bun:"validation_day,notnull" json:"validation_day"`
	Success       bool      `bun:"success,notnull" json:"success"`
	Notes         string    `bun:"notes" json:"notes,omitempty"`

	// AdmissionKey is set only on successful rows and is unique, so at most
	// one success exists per ticket (single use) or per ticket and day
	// (daily use). NULLs never collide.
	AdmissionKey *string `bun:"admission_key,unique,nullzero" json:"-"`
}

// AdmissionKeyFor derives the uniqueness key of a successful admission.
func AdmissionKeyFor(ticketID string, mode ValidationMode, day string) string {
	if mode == DailyUse {
		return ticketID + "@" + day
	}
	return ticketID
}

// DailyAdmissionCount is a per-day aggregate of successful admissions.
type DailyAdmissionCount struct {
	Day   string `bun:"validation_day" json:"day"`
	Count int    `bun:"count" json:"count"`
}
