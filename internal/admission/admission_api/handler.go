package admission_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-admission/internal/admission"
	"ms-admission/internal/auth"
	"ms-admission/internal/logger"
	"ms-admission/internal/ratelimit"
	"ms-admission/internal/sse"
	"ms-admission/internal/tickets/db"
	"ms-admission/internal/utils"
)

const defaultMaxImageBytes = 5 << 20

type Handler struct {
	Service       *admission.Service
	Feed          *sse.AdmissionEventEmitter
	Logger        *logger.Logger
	MaxImageBytes int64
}

func NewHandler(service *admission.Service, feed *sse.AdmissionEventEmitter, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{Service: service, Feed: feed, Logger: log, MaxImageBytes: defaultMaxImageBytes}
}

// RegisterRoutes registers the gate endpoints on a chi router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/admission", func(r chi.Router) {
		r.Post("/validate", h.Validate)
		r.Post("/validate/image", h.ValidateImage)
		r.Get("/events/{eventId}/stats", h.Stats)
		r.Get("/events/{eventId}/stream", h.Stream)
	})
}

type validateRequest struct {
	Identifier string `json:"identifier"`
	EventID    string `json:"event_id,omitempty"`
}

// Validate checks a scanned code or typed PIN. Every decision is a 200;
// the envelope's success flag is set only when the holder may enter.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	validatorID := auth.UserID(r.Context())
	if validatorID == "" {
		utils.WriteError(w, http.StatusUnauthorized, "Validator identity required", nil)
		return
	}

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Service.ValidateAdmission(r.Context(), admission.AdmissionRequest{
		Identifier:  req.Identifier,
		ValidatorID: validatorID,
		EventID:     req.EventID,
	})
	h.respond(w, res, err)
}

func (h *Handler) ValidateImage(w http.ResponseWriter, r *http.Request) {
	validatorID := auth.UserID(r.Context())
	if validatorID == "" {
		utils.WriteError(w, http.StatusUnauthorized, "Validator identity required", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxImageBytes)
	if err := r.ParseMultipartForm(h.MaxImageBytes); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid multipart upload", err)
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, "image field is required", err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Failed to read image", err)
		return
	}

	res, err := h.Service.ValidateImage(r.Context(), data, validatorID)
	h.respond(w, res, err)
}

func (h *Handler) respond(w http.ResponseWriter, res admission.Result, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrTooManyAttempts):
		w.Header().Set("Retry-After", "60")
		utils.WriteError(w, http.StatusTooManyRequests, "Too many failed PIN attempts, scan the QR code instead", err)
		return
	case err != nil:
		h.Logger.Error("ADMISSION", fmt.Sprintf("Validation failed: %v", err))
		utils.WriteError(w, http.StatusInternalServerError, "Validation unavailable", errors.New("internal error"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.APIResponse{
		Success:   res.Decision == admission.Allowed,
		Message:   res.Message,
		Data:      res,
		Timestamp: time.Now(),
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Service.AdmissionStats(r.Context(), chi.URLParam(r, "eventId"))
	if err != nil {
		if errors.Is(err, db.ErrEventNotFound) {
			utils.WriteError(w, http.StatusNotFound, "Event not found", err)
			return
		}
		h.Logger.Error("ADMISSION", fmt.Sprintf("Failed to compute stats: %v", err))
		utils.WriteError(w, http.StatusInternalServerError, "Failed to compute stats", errors.New("internal error"))
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Admission stats", stats)
}
