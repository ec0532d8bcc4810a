// Command seed applies the schema and loads a demo user, event and ticket
// for local testing of the gate.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-admission/internal/clock"
	"ms-admission/internal/config"
	"ms-admission/internal/database/migrations"
	"ms-admission/internal/identifier"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/notification"
	ticket_db "ms-admission/internal/tickets/db"
	"ms-admission/internal/tickets/qr"
	tickets "ms-admission/internal/tickets/service"
)

func main() {
	reset := flag.Bool("reset", false, "roll back all migrations before seeding")
	days := flag.Int("days", 3, "event duration in days")
	mode := flag.String("mode", string(models.DailyUse), "validation mode of the demo ticket")
	start := flag.String("start", "", "event start as local \"YYYY-MM-DD HH:MM\" (default: today 00:00)")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.NewLoggerWithWriter(os.Stdout, logger.INFO)

	if cfg.Database.DSN == "" {
		log.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	migdb, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
	}
	runner := migrations.NewRunner(migdb, log)
	if *reset {
		log.Info("DATABASE", "Dropping schema...")
		if err := runner.MigrateDown(); err != nil {
			log.Fatal("DATABASE", err.Error())
		}
	}
	if err := runner.MigrateUp(); err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	_ = runner.Close()

	sqldb, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
	}
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	if err := seed(context.Background(), &ticket_db.DB{Bun: db}, cfg, *start, *days, models.ValidationMode(*mode), log); err != nil {
		log.Fatal("SEED", err.Error())
	}
	log.Info("SEED", "✅ Done.")
}

func seed(ctx context.Context, store *ticket_db.DB, cfg *config.Config, start string, days int, mode models.ValidationMode, log *logger.Logger) error {
	dayClock, err := clock.LoadDayClock(cfg.Ticket.Timezone, clock.NewSystem())
	if err != nil {
		return err
	}
	eventDate := dayClock.DayStart(dayClock.NowLocal())
	if start != "" {
		if eventDate, err = dayClock.ParseLocal("2006-01-02 15:04", start); err != nil {
			return fmt.Errorf("parse -start: %w", err)
		}
	}

	user := &models.User{
		ID:       uuid.NewString(),
		Email:    fmt.Sprintf("alice+%s@example.com", uuid.NewString()[:8]),
		FullName: "Alice Wonderland",
		Phone:    "+525512345678",
	}
	if err := store.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("seed user: %w", err)
	}

	event := &models.Event{
		ID:                uuid.NewString(),
		Name:              "Summer Fest 2025",
		Location:          "Auditorio Principal",
		EventDate:         eventDate,
		EventDurationDays: days,
	}
	if err := store.CreateEvent(ctx, event); err != nil {
		return fmt.Errorf("seed event: %w", err)
	}

	svc := tickets.NewTicketService(store, identifier.NewGenerator(), qr.NewCodec(cfg.Ticket.QRSize), notification.NopSink{}, cfg.Ticket.BaseURL, log)
	issued, err := svc.IssueTicket(ctx, tickets.IssueRequest{
		UserID:         user.ID,
		EventID:        event.ID,
		Companions:     1,
		ValidationMode: mode,
	})
	if err != nil {
		return fmt.Errorf("seed ticket: %w", err)
	}

	log.Info("SEED", fmt.Sprintf("Event %s open %s for %d day(s)", event.ID, event.EventDate.Format("2006-01-02 15:04"), days))
	log.Info("SEED", fmt.Sprintf("Ticket %s code=%s pin=%s", issued.Ticket.ID, issued.Ticket.Code, issued.PIN))
	log.Info("SEED", fmt.Sprintf("Ticket link: %s", issued.TicketURL))
	return nil
}
