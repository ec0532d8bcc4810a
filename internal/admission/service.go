package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-admission/internal/clock"
	"ms-admission/internal/identifier"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/ratelimit"
	"ms-admission/internal/sse"
	"ms-admission/internal/tickets/db"
)

type Decision string

const (
	Allowed          Decision = "ALLOWED"
	AlreadyUsed      Decision = "ALREADY_USED"
	AlreadyUsedToday Decision = "ALREADY_USED_TODAY"
	OutsideWindow    Decision = "OUTSIDE_WINDOW"
	NotFound         Decision = "NOT_FOUND"
)

// Store is the persistence the state machine needs.
type Store interface {
	GetTicketByID(ctx context.Context, id string) (*models.Ticket, error)
	GetTicketByCode(ctx context.Context, code string) (*models.Ticket, error)
	FindTicketsByPIN(ctx context.Context, pin, eventID string) ([]models.Ticket, error)
	GetEventByID(ctx context.Context, id string) (*models.Event, error)
	LastSuccessfulValidation(ctx context.Context, ticketID string) (*models.ValidationLog, error)
	SuccessfulValidationOnDay(ctx context.Context, ticketID, day string) (*models.ValidationLog, error)
	RecordAdmission(ctx context.Context, entry *models.ValidationLog) error
	AppendAttempt(ctx context.Context, entry *models.ValidationLog) error
	ListValidations(ctx context.Context, ticketID string) ([]models.ValidationLog, error)
	DailyAdmissionCounts(ctx context.Context, eventID string) ([]models.DailyAdmissionCount, error)
}

// PayloadDecoder turns scanner input into a ticket code.
type PayloadDecoder interface {
	DecodeString(s string) (string, bool)
	DecodeImage(data []byte) (string, error)
}

// AttemptLimiter throttles failed PIN entry per validator.
type AttemptLimiter interface {
	Check(ctx context.Context, key string) error
	Fail(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
}

type Feed interface {
	Emit(ev sse.AdmissionEvent)
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

type AdmissionRequest struct {
	Identifier  string
	ValidatorID string
	// EventID narrows PIN lookups to one event. Optional.
	EventID string
}

// Summary is what the gate shows on a successful scan.
type Summary struct {
	TicketID       string                `json:"ticket_id"`
	Code           string                `json:"code"`
	ValidationMode models.ValidationMode `json:"validation_mode"`
	Companions     int                   `json:"companions"`
	UserName       string                `json:"user_name"`
	EventName      string                `json:"event_name"`
	EventDate      time.Time             `json:"event_date"`
	EventLocation  string                `json:"event_location"`
}

type Result struct {
	Decision            Decision   `json:"decision"`
	Message             string     `json:"message"`
	Ticket              *Summary   `json:"ticket,omitempty"`
	ValidatedAt         *time.Time `json:"validated_at,omitempty"`
	PreviousValidatedAt *time.Time `json:"previous_validated_at,omitempty"`
	PreviousValidatorID string     `json:"previous_validator_id,omitempty"`
	WindowStart         *time.Time `json:"window_start,omitempty"`
	WindowEnd           *time.Time `json:"window_end,omitempty"`
}

// Err maps a rejection to its typed error. It is nil for ALLOWED.
func (r Result) Err() error {
	switch r.Decision {
	case Allowed:
		return nil
	case OutsideWindow:
		e := &OutsideWindowError{}
		if r.WindowStart != nil {
			e.Start = *r.WindowStart
		}
		if r.WindowEnd != nil {
			e.End = *r.WindowEnd
		}
		return e
	case AlreadyUsed:
		e := &AlreadyUsedError{ValidatorID: r.PreviousValidatorID}
		if r.PreviousValidatedAt != nil {
			e.ValidatedAt = *r.PreviousValidatedAt
		}
		return e
	case AlreadyUsedToday:
		e := &AlreadyUsedTodayError{ValidatorID: r.PreviousValidatorID}
		if r.PreviousValidatedAt != nil {
			e.ValidatedAt = *r.PreviousValidatedAt
		}
		return e
	default:
		return &NotFoundError{Reason: r.Message}
	}
}

type Service struct {
	Store   Store
	Clock   *clock.DayClock
	Decoder PayloadDecoder
	Logger  *logger.Logger

	// Optional collaborators.
	Limiter   AttemptLimiter
	Feed      Feed
	Publisher Publisher
	Topic     string
}

func NewService(store Store, clk *clock.DayClock, decoder PayloadDecoder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{Store: store, Clock: clk, Decoder: decoder, Logger: log}
}

const (
	msgNotFound      = "Invalid ticket"
	msgAmbiguousPIN  = "PIN matches more than one ticket, scan the QR code instead"
	msgWelcome       = "Welcome"
	msgAlreadyUsed   = "Ticket already used"
	msgUsedToday     = "Ticket already used today"
	msgOutsideWindow = "Event is not admitting"
)

// ValidateAdmission decides whether the ticket behind req.Identifier may
// enter now and records the admission when it may. Routine rejections are
// Decisions; the error is reserved for storage failures and
// ratelimit.ErrTooManyAttempts.
func (s *Service) ValidateAdmission(ctx context.Context, req AdmissionRequest) (Result, error) {
	raw := strings.TrimSpace(req.Identifier)

	var (
		ticket *models.Ticket
		err    error
		viaPIN = identifier.IsPIN(raw)
	)
	switch code, ok := s.Decoder.DecodeString(raw); {
	case ok:
		ticket, err = s.Store.GetTicketByCode(ctx, code)
		if errors.Is(err, db.ErrTicketNotFound) {
			return s.notFound(req, redact(raw), msgNotFound), nil
		}
	case viaPIN:
		var msg string
		ticket, msg, err = s.resolvePIN(ctx, raw, req)
		if err == nil && ticket == nil {
			return s.notFound(req, "******", msg), nil
		}
	default:
		return s.notFound(req, redact(raw), msgNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}

	res, err := s.decide(ctx, ticket, req.ValidatorID)
	if err != nil {
		return Result{}, err
	}
	if viaPIN && res.Decision == Allowed && s.Limiter != nil {
		if err := s.Limiter.Reset(ctx, req.ValidatorID); err != nil {
			s.Logger.Warn("ADMISSION", fmt.Sprintf("Failed to reset PIN attempts for %s: %v", req.ValidatorID, err))
		}
	}
	return res, nil
}

// ValidateImage decodes a photographed QR code and validates it. An
// unreadable image is NOT_FOUND.
func (s *Service) ValidateImage(ctx context.Context, image []byte, validatorID string) (Result, error) {
	code, err := s.Decoder.DecodeImage(image)
	if err != nil {
		s.Logger.Debug("ADMISSION", fmt.Sprintf("Unreadable QR image from %s: %v", validatorID, err))
		return s.notFound(AdmissionRequest{ValidatorID: validatorID}, "image", "QR code could not be read"), nil
	}
	return s.ValidateAdmission(ctx, AdmissionRequest{Identifier: code, ValidatorID: validatorID})
}

func (s *Service) resolvePIN(ctx context.Context, pin string, req AdmissionRequest) (*models.Ticket, string, error) {
	if s.Limiter != nil {
		if err := s.Limiter.Check(ctx, req.ValidatorID); err != nil {
			if errors.Is(err, ratelimit.ErrTooManyAttempts) {
				s.Logger.LogSecurity("PIN_LIMIT", fmt.Sprintf("Validator %s exceeded PIN attempts", req.ValidatorID))
				return nil, "", err
			}
			s.Logger.Warn("ADMISSION", fmt.Sprintf("PIN limiter unavailable: %v", err))
		}
	}

	candidates, err := s.Store.FindTicketsByPIN(ctx, pin, req.EventID)
	if err != nil {
		return nil, "", err
	}

	if len(candidates) > 1 {
		now := s.Clock.NowLocal()
		open := candidates[:0]
		for _, t := range candidates {
			if t.Event != nil && s.window(t.Event).Contains(now) {
				open = append(open, t)
			}
		}
		if len(open) != 1 {
			return nil, msgAmbiguousPIN, nil
		}
		candidates = open
	}

	if len(candidates) == 0 {
		if s.Limiter != nil {
			if _, err := s.Limiter.Fail(ctx, req.ValidatorID); err != nil {
				s.Logger.Warn("ADMISSION", fmt.Sprintf("Failed to record PIN attempt: %v", err))
			}
		}
		return nil, msgNotFound, nil
	}
	return &candidates[0], "", nil
}

// decide runs the admission decision. When the ticket's mode flipped after
// it was loaded, the store refuses the stale admission key and the ticket is
// reloaded and decided once more. Modes only change before the first
// admission, so there is no earlier success the retry could miss.
func (s *Service) decide(ctx context.Context, ticket *models.Ticket, validatorID string) (Result, error) {
	res, err := s.decideOnce(ctx, ticket, validatorID)
	if !errors.Is(err, db.ErrModeChanged) {
		return res, err
	}
	s.Logger.Debug("ADMISSION", fmt.Sprintf("Mode of ticket %s changed mid-admission, reloading", ticket.ID))
	fresh, err := s.Store.GetTicketByID(context.WithoutCancel(ctx), ticket.ID)
	if err != nil {
		return Result{}, err
	}
	return s.decideOnce(ctx, fresh, validatorID)
}

func (s *Service) decideOnce(ctx context.Context, ticket *models.Ticket, validatorID string) (Result, error) {
	event := ticket.Event
	if event == nil {
		var err error
		if event, err = s.Store.GetEventByID(ctx, ticket.EventID); err != nil {
			return Result{}, fmt.Errorf("load event of ticket %s: %w", ticket.ID, err)
		}
		ticket.Event = event
	}

	now := s.Clock.NowLocal()
	win := s.window(event)
	if !win.Contains(now) {
		start, end := win.Start, win.End
		res := Result{
			Decision: OutsideWindow,
			Message: fmt.Sprintf("%s: admission runs from %s until %s", msgOutsideWindow,
				start.Format("2006-01-02 15:04"), end.Format("2006-01-02 15:04")),
			WindowStart: &start,
			WindowEnd:   &end,
		}
		s.audit(ctx, ticket, validatorID, now, res)
		s.emit(ctx, ticket, validatorID, now, res)
		return res, nil
	}

	day := s.Clock.DayKey(now)
	daily := ticket.ValidationMode == models.DailyUse

	prev, err := s.priorSuccess(ctx, ticket.ID, daily, day)
	if err != nil {
		return Result{}, err
	}
	if prev != nil {
		if daily && !s.Clock.SameCalendarDay(prev.ValidatedAt, now) {
			s.Logger.Warn("ADMISSION", fmt.Sprintf("Admission %d of ticket %s is keyed %s but was recorded on %s",
				prev.ID, ticket.ID, prev.ValidationDay, s.Clock.DayKey(prev.ValidatedAt)))
		}
		res := s.rejectUsed(daily, prev)
		s.audit(ctx, ticket, validatorID, now, res)
		s.emit(ctx, ticket, validatorID, now, res)
		return res, nil
	}

	// The insert must finish even if the scanner hangs up, otherwise the
	// gate may wave someone through without a record.
	wctx := context.WithoutCancel(ctx)
	entry := db.NewAdmissionEntry(ticket, validatorID, now.UTC(), day, "")
	if err := s.Store.RecordAdmission(wctx, entry); err != nil {
		if !errors.Is(err, db.ErrConcurrencyConflict) {
			return Result{}, err
		}
		winner, err := s.priorSuccess(wctx, ticket.ID, daily, day)
		if err != nil {
			return Result{}, err
		}
		if winner == nil {
			return Result{}, fmt.Errorf("admission conflict on ticket %s without a winning row", ticket.ID)
		}
		res := s.rejectUsed(daily, winner)
		s.audit(ctx, ticket, validatorID, now, res)
		s.emit(ctx, ticket, validatorID, now, res)
		return res, nil
	}

	res := Result{
		Decision:    Allowed,
		Message:     msgWelcome,
		Ticket:      summarize(ticket),
		ValidatedAt: &now,
	}
	if ticket.User != nil {
		res.Message = fmt.Sprintf("%s, %s", msgWelcome, ticket.User.FullName)
	}
	s.Logger.LogAdmission(string(Allowed), redact(ticket.Code), fmt.Sprintf("validator %s, day %s", validatorID, day))
	s.emit(ctx, ticket, validatorID, now, res)
	return res, nil
}

func (s *Service) priorSuccess(ctx context.Context, ticketID string, daily bool, day string) (*models.ValidationLog, error) {
	if daily {
		return s.Store.SuccessfulValidationOnDay(ctx, ticketID, day)
	}
	return s.Store.LastSuccessfulValidation(ctx, ticketID)
}

func (s *Service) rejectUsed(daily bool, prev *models.ValidationLog) Result {
	at := s.Clock.Local(prev.ValidatedAt)
	res := Result{
		Decision:            AlreadyUsed,
		PreviousValidatedAt: &at,
		PreviousValidatorID: prev.ValidatorID,
	}
	msg := msgAlreadyUsed
	if daily {
		res.Decision = AlreadyUsedToday
		msg = msgUsedToday
	}
	res.Message = fmt.Sprintf("%s at %s", msg, at.Format("2006-01-02 15:04"))
	return res
}

func (s *Service) window(event *models.Event) clock.Window {
	return s.Clock.Window(event.EventDate, event.EventDurationDays, event.EventEndDate)
}

func (s *Service) notFound(req AdmissionRequest, shown, msg string) Result {
	res := Result{Decision: NotFound, Message: msg}
	s.Logger.LogAdmission(string(NotFound), shown, fmt.Sprintf("validator %s: %s", req.ValidatorID, msg))
	if req.EventID != "" && s.Feed != nil {
		s.Feed.Emit(sse.AdmissionEvent{
			EventID:     req.EventID,
			Decision:    string(NotFound),
			ValidatorID: req.ValidatorID,
			At:          s.Clock.NowLocal(),
		})
	}
	return res
}

// audit stores a rejected attempt. Failures are logged only.
func (s *Service) audit(ctx context.Context, ticket *models.Ticket, validatorID string, now time.Time, res Result) {
	s.Logger.LogAdmission(string(res.Decision), redact(ticket.Code), fmt.Sprintf("validator %s: %s", validatorID, res.Message))
	entry := &models.ValidationLog{
		TicketID:      ticket.ID,
		ValidatorID:   validatorID,
		ValidatedAt:   now.UTC(),
		ValidationDay: s.Clock.DayKey(now),
		Success:       false,
		Notes:         string(res.Decision) + ": " + res.Message,
	}
	if err := s.Store.AppendAttempt(context.WithoutCancel(ctx), entry); err != nil {
		s.Logger.Error("ADMISSION", fmt.Sprintf("Failed to audit attempt on ticket %s: %v", ticket.ID, err))
	}
}

func (s *Service) emit(ctx context.Context, ticket *models.Ticket, validatorID string, now time.Time, res Result) {
	ev := sse.AdmissionEvent{
		EventID:     ticket.EventID,
		TicketCode:  ticket.Code,
		Decision:    string(res.Decision),
		ValidatorID: validatorID,
		At:          now,
	}
	if s.Feed != nil {
		s.Feed.Emit(ev)
	}
	if s.Publisher == nil || s.Topic == "" {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.Logger.Error("KAFKA", fmt.Sprintf("Failed to marshal admission event: %v", err))
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Publisher.Publish(pctx, s.Topic, ticket.Code, payload); err != nil {
		s.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish admission event for ticket %s: %v", ticket.ID, err))
	}
}

// ListValidations returns a ticket's audit trail, newest first, with
// times in the operating timezone.
func (s *Service) ListValidations(ctx context.Context, ticketID string) ([]models.ValidationLog, error) {
	if _, err := s.Store.GetTicketByID(ctx, ticketID); err != nil {
		return nil, err
	}
	entries, err := s.Store.ListValidations(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].ValidatedAt = s.Clock.Local(entries[i].ValidatedAt)
	}
	return entries, nil
}

type Stats struct {
	EventID     string                       `json:"event_id"`
	EventName   string                       `json:"event_name"`
	WindowStart time.Time                    `json:"window_start"`
	WindowEnd   time.Time                    `json:"window_end"`
	Days        []models.DailyAdmissionCount `json:"days"`
	Total       int                          `json:"total"`
}

// AdmissionStats counts successful admissions of an event per local day.
func (s *Service) AdmissionStats(ctx context.Context, eventID string) (*Stats, error) {
	event, err := s.Store.GetEventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	counts, err := s.Store.DailyAdmissionCounts(ctx, eventID)
	if err != nil {
		return nil, err
	}
	win := s.window(event)
	stats := &Stats{
		EventID:     event.ID,
		EventName:   event.Name,
		WindowStart: win.Start,
		WindowEnd:   win.End,
		Days:        counts,
	}
	if stats.Days == nil {
		stats.Days = []models.DailyAdmissionCount{}
	}
	for _, c := range counts {
		stats.Total += c.Count
	}
	return stats, nil
}

func summarize(t *models.Ticket) *Summary {
	sum := &Summary{
		TicketID:       t.ID,
		Code:           t.Code,
		ValidationMode: t.ValidationMode,
		Companions:     t.Companions,
	}
	if t.User != nil {
		sum.UserName = t.User.FullName
	}
	if t.Event != nil {
		sum.EventName = t.Event.Name
		sum.EventDate = t.Event.EventDate
		sum.EventLocation = t.Event.Location
	}
	return sum
}

// redact keeps enough of an identifier to correlate log lines.
func redact(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:8] + "…"
}
