package qr

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/makiuchi-d/gozxing"
	zxqrcode "github.com/makiuchi-d/gozxing/qrcode"
	"github.com/skip2/go-qrcode"

	"ms-admission/internal/identifier"
)

const DefaultSize = 256

var (
	ErrInvalidCode  = errors.New("not a ticket code")
	ErrUnreadableQR = errors.New("no QR symbol found in image")
)

// Codec renders ticket codes as QR symbols and reads them back. The symbol
// carries the bare code and nothing else.
type Codec struct {
	size int
}

func NewCodec(size int) *Codec {
	if size <= 0 {
		size = DefaultSize
	}
	return &Codec{size: size}
}

// Encode returns a PNG of the code. High error correction keeps the symbol
// readable off dim or scratched phone screens.
func (c *Codec) Encode(code string) ([]byte, error) {
	if !identifier.IsCode(code) {
		return nil, ErrInvalidCode
	}
	png, err := qrcode.Encode(code, qrcode.High, c.size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// DecodeString normalizes scanner input and reports whether it can be a
// ticket code. Malformed input is rejected here, before any lookup.
func (c *Codec) DecodeString(scanned string) (string, bool) {
	code := strings.ToLower(strings.TrimSpace(scanned))
	if !identifier.IsCode(code) {
		return "", false
	}
	return code, true
}

// DecodeImage reads a QR symbol from a PNG or JPEG photo.
func (c *Codec) DecodeImage(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("binarize image: %w", err)
	}
	result, err := zxqrcode.NewQRCodeReader().Decode(bmp, nil)
	if err != nil {
		return "", ErrUnreadableQR
	}
	code, ok := c.DecodeString(result.GetText())
	if !ok {
		return "", ErrInvalidCode
	}
	return code, nil
}
