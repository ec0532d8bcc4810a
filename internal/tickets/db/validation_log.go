package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-admission/internal/models"
)

// LastSuccessfulValidation returns the most recent successful admission of
// a ticket, or nil when it has never been admitted.
func (d *DB) LastSuccessfulValidation(ctx context.Context, ticketID string) (*models.ValidationLog, error) {
	return d.findSuccess(ctx, d.Bun, ticketID, "")
}

// SuccessfulValidationOnDay returns the successful admission of a ticket on
// the given local day (YYYY-MM-DD), or nil.
func (d *DB) SuccessfulValidationOnDay(ctx context.Context, ticketID, day string) (*models.ValidationLog, error) {
	return d.findSuccess(ctx, d.Bun, ticketID, day)
}

func (d *DB) findSuccess(ctx context.Context, idb bun.IDB, ticketID, day string) (*models.ValidationLog, error) {
	var entry models.ValidationLog
	q := idb.NewSelect().
		Model(&entry).
		Where("ticket_id = ?", ticketID).
		Where("success = ?", true)
	if day != "" {
		q = q.Where("validation_day = ?", day)
	}
	err := q.OrderExpr("validated_at DESC").Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select validation: %w", err)
	}
	return &entry, nil
}

// RecordAdmission appends a successful admission and refreshes the legacy
// is_used/used_at projection in one transaction. The admission key's unique
// index decides races; the loser gets ErrConcurrencyConflict. The key must
// match the ticket's mode under the row lock, otherwise ErrModeChanged.
func (d *DB) RecordAdmission(ctx context.Context, entry *models.ValidationLog) error {
	if !entry.Success || entry.AdmissionKey == nil {
		return errors.New("record admission: entry must be a keyed success")
	}
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		mode, err := lockTicketMode(ctx, tx, entry.TicketID)
		if err != nil {
			return err
		}
		if models.AdmissionKeyFor(entry.TicketID, mode, entry.ValidationDay) != *entry.AdmissionKey {
			return ErrModeChanged
		}

		if _, err := tx.NewInsert().Model(entry).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert validation: %w", err)
		}

		usedAt := entry.ValidatedAt
		res, err := tx.NewUpdate().
			Model((*models.Ticket)(nil)).
			Set("is_used = ?", true).
			Set("used_at = ?", usedAt).
			Where("id = ?", entry.TicketID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update ticket usage: %w", err)
		}
		return expectOneRow(res, ErrTicketNotFound)
	})
}

// AppendAttempt stores a rejected admission attempt for audit.
func (d *DB) AppendAttempt(ctx context.Context, entry *models.ValidationLog) error {
	if entry.Success {
		return errors.New("append attempt: successful entries go through RecordAdmission")
	}
	entry.AdmissionKey = nil
	if _, err := d.Bun.NewInsert().Model(entry).Exec(ctx); err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// ListValidations returns a ticket's audit history, newest first.
func (d *DB) ListValidations(ctx context.Context, ticketID string) ([]models.ValidationLog, error) {
	var entries []models.ValidationLog
	err := d.Bun.NewSelect().
		Model(&entries).
		Where("ticket_id = ?", ticketID).
		OrderExpr("validated_at DESC, id DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list validations: %w", err)
	}
	return entries, nil
}

// DailyAdmissionCounts aggregates successful admissions of an event by
// local day.
func (d *DB) DailyAdmissionCounts(ctx context.Context, eventID string) ([]models.DailyAdmissionCount, error) {
	var counts []models.DailyAdmissionCount
	err := d.Bun.NewSelect().
		TableExpr("validation_logs AS v").
		Join("JOIN tickets AS t ON t.id = v.ticket_id").
		ColumnExpr("v.validation_day").
		ColumnExpr("COUNT(*) AS count").
		Where("t.event_id = ?", eventID).
		Where("v.success = ?", true).
		GroupExpr("v.validation_day").
		OrderExpr("v.validation_day ASC").
		Scan(ctx, &counts)
	if err != nil {
		return nil, fmt.Errorf("count admissions: %w", err)
	}
	return counts, nil
}

// NewAdmissionEntry builds a keyed successful log row.
func NewAdmissionEntry(ticket *models.Ticket, validatorID string, at time.Time, day, notes string) *models.ValidationLog {
	key := models.AdmissionKeyFor(ticket.ID, ticket.ValidationMode, day)
	return &models.ValidationLog{
		TicketID:      ticket.ID,
		ValidatorID:   validatorID,
		ValidatedAt:   at,
		ValidationDay: day,
		Success:       true,
		Notes:         notes,
		AdmissionKey:  &key,
	}
}
