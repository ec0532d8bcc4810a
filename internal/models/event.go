package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID                string     `bun:"id,pk" json:"id"`
	Name              string     `bun:"name,notnull" json:"name"`
	Location          string     `bun:"location" json:"location"`
	EventDate         time.Time  `bun:"event_date,notnull" json:"event_date"`
	EventDurationDays int        `bun:"event_duration_days,notnull,default:1" json:"event_duration_days"`
	EventEndDate      *time.Time `bun:"event_end_date,nullzero" json:"event_end_date,omitempty"`
	CreatedAt         time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
