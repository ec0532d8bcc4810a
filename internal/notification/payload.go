package notification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"ms-admission/internal/identifier"
	"ms-admission/internal/models"
)

var ErrInvalidPayload = errors.New("invalid notification payload")

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Payload is everything a delivery channel needs to render a ticket
// confirmation. Channels must not look anything else up.
type Payload struct {
	UserName      string    `json:"user_name"`
	UserEmail     string    `json:"user_email,omitempty"`
	UserPhone     string    `json:"user_phone,omitempty"`
	EventName     string    `json:"event_name"`
	EventDate     time.Time `json:"event_date"`
	EventLocation string    `json:"event_location"`
	Code          string    `json:"code"`
	PIN           string    `json:"pin"`
	QRImage       []byte    `json:"qr_image"`
	TicketURL     string    `json:"ticket_url"`
	Companions    int       `json:"companions"`
}

// Validate checks the payload against its fixed schema.
func (p Payload) Validate() error {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.UserName, validation.Required, validation.By(notBlank)),
		validation.Field(&p.UserEmail, is.Email),
		validation.Field(&p.EventName, validation.Required, validation.By(notBlank)),
		validation.Field(&p.EventDate, validation.Required),
		validation.Field(&p.EventLocation, validation.Required, validation.By(notBlank)),
		validation.Field(&p.Code, validation.By(matches(identifier.IsCode, "must be a 64 character hex code"))),
		validation.Field(&p.PIN, validation.By(matches(identifier.IsPIN, "must be 6 digits"))),
		validation.Field(&p.QRImage, validation.By(isPNG)),
		validation.Field(&p.TicketURL, validation.By(absoluteHTTPURL)),
		validation.Field(&p.Companions, validation.Min(0), validation.Max(models.MaxCompanions)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func notBlank(value interface{}) error {
	if s, _ := value.(string); strings.TrimSpace(s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
}

func matches(valid func(string) bool, message string) validation.RuleFunc {
	return func(value interface{}) error {
		if s, _ := value.(string); !valid(s) {
			return errors.New(message)
		}
		return nil
	}
}

func isPNG(value interface{}) error {
	if b, _ := value.([]byte); !bytes.HasPrefix(b, pngSignature) {
		return errors.New("must be a PNG image")
	}
	return nil
}

func absoluteHTTPURL(value interface{}) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http(s) URL")
	}
	return nil
}

// Sink hands a rendered ticket to email/WhatsApp delivery.
type Sink interface {
	Send(ctx context.Context, payload Payload) error
}
