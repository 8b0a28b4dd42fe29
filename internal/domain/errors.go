package domain

import (
	"errors"
	"strings"
)

// Send error taxonomy. Callers classify with errors.Is.
var (
	ErrNotReady             = errors.New("messaging session is not ready")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrRecipientUnresolved  = errors.New("recipient is not registered")
	ErrAttachmentNotFound   = errors.New("attachment not found")
	ErrTransportUnavailable = errors.New("messaging session closed, reconnecting")
	ErrSendFailed           = errors.New("send failed")
)

// ErrSessionClosed is attached by transports to errors caused by the
// underlying browser session going away.
var ErrSessionClosed = errors.New("session closed")

var closedMarkers = []string{
	"Session closed",
	"Target closed",
	"target closed",
	"session closed",
	"browser has disconnected",
}

// IsSessionClosed reports whether err indicates that the session or its
// browser context is gone.
func IsSessionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionClosed) {
		return true
	}
	msg := err.Error()
	for _, m := range closedMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsValidation reports whether err belongs to the caller-side (400) class.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrRecipientUnresolved) ||
		errors.Is(err, ErrAttachmentNotFound)
}
