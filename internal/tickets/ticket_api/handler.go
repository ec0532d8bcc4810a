package ticket_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/tickets/db"
	tickets "ms-admission/internal/tickets/service"
	"ms-admission/internal/utils"
)

// HistoryLister returns a ticket's admission history.
type HistoryLister interface {
	ListValidations(ctx context.Context, ticketID string) ([]models.ValidationLog, error)
}

type Handler struct {
	TicketService *tickets.TicketService
	History       HistoryLister
	Logger        *logger.Logger
}

func NewHandler(ticketService *tickets.TicketService, history HistoryLister, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{TicketService: ticketService, History: history, Logger: log}
}

// RegisterPublicRoutes mounts the hosted ticket view. The URL token is the
// only credential.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Route("/tickets/view/{token}", func(r chi.Router) {
		r.Get("/", h.ViewTicket)
		r.Get("/qr.png", h.TicketQR)
	})
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/tickets", func(r chi.Router) {
		r.Post("/", h.CreateTicket)
		r.Get("/{ticketId}/validations", h.ListValidations)
		r.Put("/{ticketId}/mode", h.ChangeMode)
		r.Put("/{ticketId}/owner", h.ReassignTicket)
	})
}

type createTicketResponse struct {
	TicketID       string                `json:"ticket_id"`
	Code           string                `json:"code"`
	UniqueURLToken string                `json:"unique_url_token"`
	PIN            string                `json:"pin"`
	ValidationMode models.ValidationMode `json:"validation_mode"`
	Companions     int                   `json:"companions"`
	QRImage        []byte                `json:"qr_image"`
	TicketURL      string                `json:"ticket_url"`
	Notified       bool                  `json:"notified"`
}

func (h *Handler) CreateTicket(w http.ResponseWriter, r *http.Request) {
	var req tickets.IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" || req.EventID == "" {
		utils.WriteError(w, http.StatusBadRequest, "user_id and event_id are required", nil)
		return
	}

	issued, err := h.TicketService.IssueTicket(r.Context(), req)
	if err != nil {
		h.fail(w, "Failed to issue ticket", err)
		return
	}

	utils.WriteSuccess(w, http.StatusCreated, "Ticket issued", createTicketResponse{
		TicketID:       issued.Ticket.ID,
		Code:           issued.Ticket.Code,
		UniqueURLToken: issued.URLToken,
		PIN:            issued.PIN,
		ValidationMode: issued.Ticket.ValidationMode,
		Companions:     issued.Ticket.Companions,
		QRImage:        issued.QRImage,
		TicketURL:      issued.TicketURL,
		Notified:       issued.Notified,
	})
}

type ticketView struct {
	TicketID       string                `json:"ticket_id"`
	Code           string                `json:"code"`
	PIN            string                `json:"pin"`
	ValidationMode models.ValidationMode `json:"validation_mode"`
	Companions     int                   `json:"companions"`
	HolderName     string                `json:"holder_name"`
	EventName      string                `json:"event_name"`
	EventDate      time.Time             `json:"event_date"`
	EventLocation  string                `json:"event_location"`
	IsUsed         bool                  `json:"is_used"`
	QRImageURL     string                `json:"qr_image_url"`
}

// ViewTicket renders what the holder sees behind their ticket link.
func (h *Handler) ViewTicket(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	ticket, err := h.TicketService.GetTicketByURLToken(r.Context(), token)
	if err != nil {
		h.fail(w, "Ticket not available", err)
		return
	}

	view := ticketView{
		TicketID:       ticket.ID,
		Code:           ticket.Code,
		PIN:            ticket.AccessPIN,
		ValidationMode: ticket.ValidationMode,
		Companions:     ticket.Companions,
		IsUsed:         ticket.IsUsed,
		QRImageURL:     strings.TrimSuffix(r.URL.Path, "/") + "/qr.png",
	}
	if ticket.User != nil {
		view.HolderName = ticket.User.FullName
	}
	if ticket.Event != nil {
		view.EventName = ticket.Event.Name
		view.EventDate = ticket.Event.EventDate
		view.EventLocation = ticket.Event.Location
	}
	w.Header().Set("Cache-Control", "no-store")
	utils.WriteSuccess(w, http.StatusOK, "Ticket retrieved", view)
}

func (h *Handler) TicketQR(w http.ResponseWriter, r *http.Request) {
	png, err := h.TicketService.TicketQR(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.fail(w, "Ticket not available", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("Failed to write QR image: %v", err))
	}
}

func (h *Handler) ListValidations(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketId")
	entries, err := h.History.ListValidations(r.Context(), ticketID)
	if err != nil {
		h.fail(w, "Failed to load validations", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Validations retrieved", entries)
}

func (h *Handler) ChangeMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ValidationMode models.ValidationMode `json:"validation_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ticket, err := h.TicketService.ChangeValidationMode(r.Context(), chi.URLParam(r, "ticketId"), body.ValidationMode)
	if err != nil {
		h.fail(w, "Failed to change validation mode", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Validation mode updated", ticket)
}

func (h *Handler) ReassignTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		utils.WriteError(w, http.StatusBadRequest, "user_id is required", err)
		return
	}

	ticket, err := h.TicketService.ReassignTicket(r.Context(), chi.URLParam(r, "ticketId"), body.UserID)
	if err != nil {
		h.fail(w, "Failed to reassign ticket", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Ticket reassigned", ticket)
}

func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", message, err))
		// Storage and entropy details stay in the logs.
		utils.WriteError(w, status, message, errors.New("internal error"))
		return
	}
	utils.WriteError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrTicketNotFound), errors.Is(err, db.ErrUserNotFound), errors.Is(err, db.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, tickets.ErrInvalidCompanions), errors.Is(err, tickets.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, tickets.ErrModeLocked):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
