package admission

import (
	"fmt"
	"time"
)

// NotFoundError reports an identifier that matches no ticket.
type NotFoundError struct {
	Reason string
}

func (e *NotFoundError) Error() string {
	if e.Reason != "" {
		return "ticket not found: " + e.Reason
	}
	return "ticket not found"
}

// OutsideWindowError reports a real ticket scanned while its event is not
// admitting.
type OutsideWindowError struct {
	Start time.Time
	End   time.Time
}

func (e *OutsideWindowError) Error() string {
	return fmt.Sprintf("outside admission window [%s, %s)",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

type AlreadyUsedError struct {
	ValidatedAt time.Time
	ValidatorID string
}

func (e *AlreadyUsedError) Error() string {
	return fmt.Sprintf("ticket already used at %s by %s", e.ValidatedAt.Format(time.RFC3339), e.ValidatorID)
}

type AlreadyUsedTodayError struct {
	ValidatedAt time.Time
	ValidatorID string
}

func (e *AlreadyUsedTodayError) Error() string {
	return fmt.Sprintf("ticket already used today at %s by %s", e.ValidatedAt.Format(time.RFC3339), e.ValidatorID)
}
