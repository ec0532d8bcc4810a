package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-admission/internal/models"
)

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrEventNotFound  = errors.New("event not found")
	ErrUserNotFound   = errors.New("user not found")

	// ErrDuplicateIdentifier means a freshly generated code, token or
	// per-event PIN already exists. Issuance regenerates and retries.
	ErrDuplicateIdentifier = errors.New("duplicate ticket identifier")

	// ErrConcurrencyConflict means another admission of the same ticket (and
	// day, for daily tickets) committed first.
	ErrConcurrencyConflict = errors.New("admission already recorded by a concurrent request")

	// ErrTicketAdmitted means the ticket already has a successful admission,
	// which freezes its validation mode.
	ErrTicketAdmitted = errors.New("ticket already admitted")

	// ErrModeChanged means the ticket's validation mode changed after the
	// admission entry was built. The caller must reload and decide again.
	ErrModeChanged = errors.New("ticket validation mode changed during admission")
)

type DB struct {
	Bun *bun.DB
}

// ---------------- TICKETS ----------------

func (d *DB) CreateTicket(ctx context.Context, ticket *models.Ticket) error {
	_, err := d.Bun.NewInsert().Model(ticket).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdentifier
		}
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func (d *DB) GetTicketByID(ctx context.Context, id string) (*models.Ticket, error) {
	return d.getTicket(ctx, "t.id = ?", id)
}

func (d *DB) GetTicketByCode(ctx context.Context, code string) (*models.Ticket, error) {
	return d.getTicket(ctx, "t.code = ?", code)
}

func (d *DB) GetTicketByURLToken(ctx context.Context, token string) (*models.Ticket, error) {
	return d.getTicket(ctx, "t.unique_url_token = ?", token)
}

func (d *DB) getTicket(ctx context.Context, where string, arg any) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().
		Model(&ticket).
		Relation("User").
		Relation("Event").
		Where(where, arg).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("select ticket: %w", err)
	}
	return &ticket, nil
}

// FindTicketsByPIN returns every ticket carrying pin. An empty eventID
// searches across events.
func (d *DB) FindTicketsByPIN(ctx context.Context, pin, eventID string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	q := d.Bun.NewSelect().
		Model(&tickets).
		Relation("User").
		Relation("Event").
		Where("t.access_pin = ?", pin)
	if eventID != "" {
		q = q.Where("t.event_id = ?", eventID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("select tickets by pin: %w", err)
	}
	return tickets, nil
}

// UpdateTicketMode switches the validation mode of a ticket that has never
// been admitted. It takes the same row lock as RecordAdmission, so a
// concurrent gate scan either commits first and the change fails with
// ErrTicketAdmitted, or waits and is recorded under the new mode.
func (d *DB) UpdateTicketMode(ctx context.Context, ticketID string, mode models.ValidationMode) error {
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := lockTicketMode(ctx, tx, ticketID); err != nil {
			return err
		}
		res, err := tx.NewUpdate().
			Model((*models.Ticket)(nil)).
			Set("validation_mode = ?", mode).
			Where("id = ?", ticketID).
			Where("NOT EXISTS (SELECT 1 FROM validation_logs WHERE ticket_id = ? AND success = ?)", ticketID, true).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update ticket mode: %w", err)
		}
		return expectOneRow(res, ErrTicketAdmitted)
	})
}

// lockTicketMode reads the current mode of a ticket inside tx. On Postgres
// the row stays locked until tx ends; SQLite already serializes writers.
func lockTicketMode(ctx context.Context, tx bun.Tx, ticketID string) (models.ValidationMode, error) {
	var mode string
	q := tx.NewSelect().
		Model((*models.Ticket)(nil)).
		Column("validation_mode").
		Where("t.id = ?", ticketID)
	if tx.Dialect().Name() == dialect.PG {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx, &mode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrTicketNotFound
		}
		return "", fmt.Errorf("lock ticket: %w", err)
	}
	return models.ValidationMode(mode), nil
}

func (d *DB) UpdateTicketOwner(ctx context.Context, ticketID, userID string) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("user_id = ?", userID).
		Where("id = ?", ticketID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update ticket owner: %w", err)
	}
	return expectOneRow(res, ErrTicketNotFound)
}

// ---------------- EVENTS & USERS ----------------

func (d *DB) CreateEvent(ctx context.Context, event *models.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := d.Bun.NewInsert().Model(event).Exec(ctx)
	return err
}

func (d *DB) CreateUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := d.Bun.NewInsert().Model(user).Exec(ctx)
	return err
}

func (d *DB) GetEventByID(ctx context.Context, id string) (*models.Event, error) {
	var event models.Event
	err := d.Bun.NewSelect().Model(&event).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("select event: %w", err)
	}
	return &event, nil
}

func (d *DB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := d.Bun.NewSelect().Model(&user).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &user, nil
}

// ---------------- HELPERS ----------------

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgerrcode.UniqueViolation
	}
	// sqlite (tests) reports constraint failures only through the message.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
