package domain

import "context"

// Media is a binary attachment handed to the transport.
type Media struct {
	Filename string
	MimeType string
	Data     []byte
	Caption  string
}

// Transport is one live messaging session (a browser-driven WhatsApp Web
// client in production). A handle is created per (re)initialization and is
// owned exclusively by the session supervisor.
type Transport interface {
	// Initialize starts the session. Progress is reported asynchronously
	// through the event sink the handle was built with.
	Initialize(ctx context.Context) error

	// ResolveRecipient maps a bare contact id (digits) to the canonical
	// recipient handle. ok is false when the id is not registered.
	ResolveRecipient(ctx context.Context, id string) (canonical string, ok bool, err error)

	// SendText submits a text message and returns its message id.
	SendText(ctx context.Context, to, body string) (string, error)

	// SendMedia submits a binary attachment and returns its message id.
	SendMedia(ctx context.Context, to string, media Media) (string, error)

	// Destroy tears the session down. Safe to call more than once.
	Destroy(ctx context.Context) error
}

// TransportFactory builds a fresh transport that reports its events to sink.
type TransportFactory func(sink func(Event)) Transport
