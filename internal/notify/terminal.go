package notify

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/skip2/go-qrcode"
)

// Terminal prints alerts, rendering pairing codes as a text QR code.
type Terminal struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTerminal writes to w (usually os.Stdout).
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

func (t *Terminal) Name() string { return "terminal" }

func (t *Terminal) Notify(ctx context.Context, a Alert) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a.Kind != KindPairing {
		_, err := fmt.Fprintf(t.w, "[wagateway] %s\n", a.Text)
		return err
	}
	q, err := qrcode.New(a.Code, qrcode.Low)
	if err != nil {
		return fmt.Errorf("encode qr: %w", err)
	}
	_, err = fmt.Fprintf(t.w, "\n%s\n%s\n", a.Text, q.ToSmallString(false))
	return err
}

// qrPNG renders code as a PNG for chat notifiers.
func qrPNG(code string) ([]byte, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 320)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
