package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-admission/internal/config"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/testutil"
	ticket_db "ms-admission/internal/tickets/db"
)

func seedConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Ticket.Timezone = "America/Mexico_City"
	cfg.Ticket.BaseURL = "https://tickets.example.org/t"
	return cfg
}

func TestSeedReadsStartAsLocalTime(t *testing.T) {
	store := &ticket_db.DB{Bun: testutil.NewSQLiteDB(t)}
	ctx := context.Background()
	var buf bytes.Buffer

	require.NoError(t, seed(ctx, store, seedConfig(), "2025-03-01 18:00", 3, models.SingleUse, logger.NewLoggerWithWriter(&buf, logger.INFO)))

	var events []models.Event
	require.NoError(t, store.Bun.NewSelect().Model(&events).Scan(ctx))
	require.Len(t, events, 1)
	assert.True(t, events[0].EventDate.Equal(time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 3, events[0].EventDurationDays)
	assert.Contains(t, buf.String(), "open 2025-03-01 18:00 for 3 day(s)")
}

func TestSeedRejectsMalformedStart(t *testing.T) {
	store := &ticket_db.DB{Bun: testutil.NewSQLiteDB(t)}

	err := seed(context.Background(), store, seedConfig(), "March 1st", 1, models.DailyUse, logger.NewNop())
	assert.ErrorContains(t, err, "parse -start")
}
