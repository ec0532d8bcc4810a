package tickets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"ms-admission/internal/clock"
	"ms-admission/internal/identifier"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/notification"
	"ms-admission/internal/tickets/db"
)

var (
	ErrInvalidCompanions = fmt.Errorf("companions must be between 0 and %d", models.MaxCompanions)
	ErrInvalidMode       = errors.New("validation mode must be SINGLE_USE or DAILY_USE")
	ErrModeLocked        = errors.New("validation mode cannot change after the ticket has been admitted")
)

// maxIssueAttempts bounds retries when a fresh identifier collides, which
// in practice only happens with a PIN inside one event.
const maxIssueAttempts = 5

type TicketDBLayer interface {
	CreateTicket(ctx context.Context, ticket *models.Ticket) error
	GetTicketByID(ctx context.Context, id string) (*models.Ticket, error)
	GetTicketByURLToken(ctx context.Context, token string) (*models.Ticket, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetEventByID(ctx context.Context, id string) (*models.Event, error)
	UpdateTicketMode(ctx context.Context, ticketID string, mode models.ValidationMode) error
	UpdateTicketOwner(ctx context.Context, ticketID, userID string) error
}

type IdentifierIssuer interface {
	Issue(userID, eventID string, at time.Time) (identifier.Identifiers, error)
}

type QREncoder interface {
	Encode(code string) ([]byte, error)
}

type TicketService struct {
	DB        TicketDBLayer
	Generator IdentifierIssuer
	QR        QREncoder
	Sink      notification.Sink
	Clock     clock.Clock
	Logger    *logger.Logger
	// BaseURL prefixes the URL token to form the hosted ticket link.
	BaseURL string
}

func NewTicketService(store TicketDBLayer, gen IdentifierIssuer, qr QREncoder, sink notification.Sink, baseURL string, log *logger.Logger) *TicketService {
	if log == nil {
		log = logger.NewNop()
	}
	if sink == nil {
		sink = notification.NopSink{}
	}
	return &TicketService{
		DB:        store,
		Generator: gen,
		QR:        qr,
		Sink:      sink,
		Clock:     clock.NewSystem(),
		Logger:    log,
		BaseURL:   baseURL,
	}
}

type IssueRequest struct {
	UserID         string                `json:"user_id"`
	EventID        string                `json:"event_id"`
	Companions     int                   `json:"companions"`
	ValidationMode models.ValidationMode `json:"validation_mode"`
}

// IssuedTicket carries the credentials that are only ever shown in full at
// issuance.
type IssuedTicket struct {
	Ticket    *models.Ticket `json:"ticket"`
	PIN       string         `json:"pin"`
	URLToken  string         `json:"unique_url_token"`
	TicketURL string         `json:"ticket_url"`
	QRImage   []byte         `json:"qr_image"`
	Notified  bool           `json:"notified"`
}

// IssueTicket creates a ticket with fresh identifiers, renders its QR code
// and hands the confirmation to the notification sink. A sink failure does
// not undo the ticket.
func (s *TicketService) IssueTicket(ctx context.Context, req IssueRequest) (*IssuedTicket, error) {
	if req.Companions < 0 || req.Companions > models.MaxCompanions {
		return nil, ErrInvalidCompanions
	}
	mode, err := models.ParseValidationMode(string(req.ValidationMode))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMode, err)
	}

	user, err := s.DB.GetUserByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	event, err := s.DB.GetEventByID(ctx, req.EventID)
	if err != nil {
		return nil, err
	}

	var (
		ticket *models.Ticket
		qrPNG  []byte
	)
	for attempt := 1; ; attempt++ {
		now := s.Clock.Now().UTC()
		ids, err := s.Generator.Issue(user.ID, event.ID, now)
		if err != nil {
			s.Logger.Error("ISSUANCE", fmt.Sprintf("Identifier generation failed: %v", err))
			return nil, err
		}
		if qrPNG, err = s.QR.Encode(ids.Code); err != nil {
			return nil, fmt.Errorf("render qr: %w", err)
		}

		ticket = &models.Ticket{
			ID:             uuid.NewString(),
			Code:           ids.Code,
			UniqueURLToken: ids.UniqueURLToken,
			AccessPIN:      ids.PIN,
			ValidationMode: mode,
			Companions:     req.Companions,
			UserID:         user.ID,
			EventID:        event.ID,
			IssuedAt:       now,
		}
		err = s.DB.CreateTicket(ctx, ticket)
		if err == nil {
			break
		}
		if !errors.Is(err, db.ErrDuplicateIdentifier) || attempt == maxIssueAttempts {
			return nil, err
		}
		s.Logger.Warn("ISSUANCE", fmt.Sprintf("Identifier clash on attempt %d, regenerating", attempt))
	}
	ticket.User = user
	ticket.Event = event

	issued := &IssuedTicket{
		Ticket:    ticket,
		PIN:       ticket.AccessPIN,
		URLToken:  ticket.UniqueURLToken,
		TicketURL: s.ticketURL(ticket.UniqueURLToken),
		QRImage:   qrPNG,
	}
	issued.Notified = s.notify(ctx, ticket, qrPNG, issued.TicketURL)

	s.Logger.LogIssuance(ticket.ID, event.ID, fmt.Sprintf("%s ticket for %s, %d companions", mode, user.Email, req.Companions))
	return issued, nil
}

func (s *TicketService) notify(ctx context.Context, ticket *models.Ticket, qrPNG []byte, ticketURL string) bool {
	payload := notification.Payload{
		UserName:      ticket.User.FullName,
		UserEmail:     ticket.User.Email,
		UserPhone:     ticket.User.Phone,
		EventName:     ticket.Event.Name,
		EventDate:     ticket.Event.EventDate,
		EventLocation: ticket.Event.Location,
		Code:          ticket.Code,
		PIN:           ticket.AccessPIN,
		QRImage:       qrPNG,
		TicketURL:     ticketURL,
		Companions:    ticket.Companions,
	}
	if err := s.Sink.Send(ctx, payload); err != nil {
		s.Logger.Error("ISSUANCE", fmt.Sprintf("Notification for ticket %s not delivered: %v", ticket.ID, err))
		return false
	}
	return true
}

func (s *TicketService) ticketURL(token string) string {
	u, err := url.JoinPath(s.BaseURL, token)
	if err != nil {
		return s.BaseURL + "/" + token
	}
	return u
}

// GetTicketByURLToken resolves the hosted ticket link.
func (s *TicketService) GetTicketByURLToken(ctx context.Context, token string) (*models.Ticket, error) {
	if token == "" {
		return nil, db.ErrTicketNotFound
	}
	return s.DB.GetTicketByURLToken(ctx, token)
}

// TicketQR renders the QR image for the hosted ticket link.
func (s *TicketService) TicketQR(ctx context.Context, token string) ([]byte, error) {
	ticket, err := s.GetTicketByURLToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.QR.Encode(ticket.Code)
}

// ChangeValidationMode switches between single and daily use. Only tickets
// that were never admitted may change.
func (s *TicketService) ChangeValidationMode(ctx context.Context, ticketID string, mode models.ValidationMode) (*models.Ticket, error) {
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}
	ticket, err := s.DB.GetTicketByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.ValidationMode == mode {
		return ticket, nil
	}

	// The store refuses the update once a success row exists, even one
	// committed after the read above.
	if err := s.DB.UpdateTicketMode(ctx, ticketID, mode); err != nil {
		if errors.Is(err, db.ErrTicketAdmitted) {
			return nil, ErrModeLocked
		}
		return nil, err
	}
	s.Logger.LogIssuance(ticketID, ticket.EventID, fmt.Sprintf("mode %s -> %s", ticket.ValidationMode, mode))
	ticket.ValidationMode = mode
	return ticket, nil
}

// ReassignTicket moves a ticket to another user and sends them the
// confirmation. Admission history stays with the ticket.
func (s *TicketService) ReassignTicket(ctx context.Context, ticketID, newUserID string) (*models.Ticket, error) {
	user, err := s.DB.GetUserByID(ctx, newUserID)
	if err != nil {
		return nil, err
	}
	ticket, err := s.DB.GetTicketByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.UserID == user.ID {
		return ticket, nil
	}

	if err := s.DB.UpdateTicketOwner(ctx, ticketID, user.ID); err != nil {
		return nil, err
	}
	previous := ticket.UserID
	ticket.UserID = user.ID
	ticket.User = user
	s.Logger.LogIssuance(ticketID, ticket.EventID, fmt.Sprintf("reassigned from %s to %s", previous, user.ID))

	if ticket.Event != nil {
		if qrPNG, err := s.QR.Encode(ticket.Code); err == nil {
			s.notify(ctx, ticket, qrPNG, s.ticketURL(ticket.UniqueURLToken))
		} else {
			s.Logger.Error("ISSUANCE", fmt.Sprintf("Failed to render QR for reassigned ticket %s: %v", ticketID, err))
		}
	}
	return ticket, nil
}
