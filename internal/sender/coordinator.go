// Package sender implements the send path: validate, lease the current
// transport, canonicalize and resolve the destination, submit text then
// attachment, and optionally wait for a delivery ack.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wagateway/internal/bus"
	"wagateway/internal/domain"
	"wagateway/internal/metrics"
	"wagateway/internal/store"
	"wagateway/internal/target"
	"wagateway/internal/upload"
)

const (
	defaultAckTimeout = 60 * time.Second
	pdfMimeType       = "application/pdf"
)

// Session is the part of the supervisor the coordinator needs.
type Session interface {
	Lease() (domain.Transport, uint64, error)
	NotifyDisconnected(gen uint64, reason string)
}

// Journal records submitted messages.
type Journal interface {
	Record(ctx context.Context, d store.Delivery) (int64, error)
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Session    Session
	Formatter  target.Formatter
	AckTimeout time.Duration // default 60s
	Bus        *bus.EventBus // source of acks; sent/failed events are published here
	Journal    Journal       // optional
	Throttle   *RateLimiter  // optional; nil sends without pacing
	Logger     *slog.Logger

	// AttachmentDirs confines attachment paths to these directories.
	// Empty allows any readable path.
	AttachmentDirs []string
}

// Coordinator performs sends against whichever transport is current.
type Coordinator struct {
	session    Session
	formatter  target.Formatter
	ackTimeout time.Duration
	bus        *bus.EventBus
	journal    Journal
	throttle   *RateLimiter
	roots      []string
	logger     *slog.Logger

	acks      *ackTracker
	handlerID string
}

type requestIDKey struct{}

// WithRequestID tags ctx so journal rows can be correlated with HTTP logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// NewCoordinator creates a Coordinator and subscribes it to ack events.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	c := &Coordinator{
		session:    cfg.Session,
		formatter:  cfg.Formatter,
		ackTimeout: cfg.AckTimeout,
		bus:        cfg.Bus,
		journal:    cfg.Journal,
		throttle:   cfg.Throttle,
		roots:      attachmentRoots(cfg.AttachmentDirs),
		logger:     cfg.Logger.With("component", "sender"),
		acks:       newAckTracker(2 * cfg.AckTimeout),
	}
	if c.bus != nil {
		c.handlerID = c.bus.On(bus.EventMessageAck, func(e bus.Event) {
			if a, ok := e.Data.(bus.AckUpdate); ok {
				c.acks.observe(a.MessageID, a.Level)
			}
		})
	}
	return c
}

// Close unsubscribes from the bus and drops buffered acks.
func (c *Coordinator) Close() {
	if c.bus != nil && c.handlerID != "" {
		c.bus.Off(bus.EventMessageAck, c.handlerID)
	}
	c.acks.close()
}

// Send delivers req. Sends are not idempotent: two identical calls submit
// two messages.
func (c *Coordinator) Send(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error) {
	start := time.Now()
	defer metrics.SendLatency.ObserveSince(start)

	res, err := c.send(ctx, req)
	if err != nil {
		metrics.SendFailures(errorClass(err)).Inc()
		c.logger.Warn("send failed", "target", req.Target, "request_id", requestID(ctx), "err", err)
	}
	return res, err
}

func (c *Coordinator) send(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error) {
	raw := strings.TrimSpace(req.Target)
	hasText := strings.TrimSpace(req.Body) != ""
	if raw == "" {
		return nil, fmt.Errorf("%w: a destination is required", domain.ErrInvalidRequest)
	}
	if !hasText && req.AttachmentPath == "" {
		return nil, fmt.Errorf("%w: a message or an attachment is required", domain.ErrInvalidRequest)
	}

	// Requests that cannot be sent fail before taking a throttle token.
	if _, _, err := c.session.Lease(); err != nil {
		return nil, err
	}
	var media *domain.Media
	if req.AttachmentPath != "" {
		var err error
		if media, err = c.loadMedia(req.AttachmentPath); err != nil {
			return nil, err
		}
	}

	if err := c.throttle.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for send slot: %w", err)
	}

	// The wait may span a reconnect, so lease again for the current handle.
	h, gen, err := c.session.Lease()
	if err != nil {
		return nil, err
	}

	to := raw
	if !target.IsCanonical(to) {
		to = c.formatter.Format(to)
	}
	if !target.IsGroup(to) {
		resolved, ok, err := h.ResolveRecipient(ctx, target.Digits(target.User(to)))
		if err != nil {
			return nil, c.transportError(ctx, err, gen, "resolve recipient")
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrRecipientUnresolved, target.User(to))
		}
		if resolved != "" {
			to = resolved
		}
	}

	res := &domain.SendResult{Success: true, Target: to}

	if hasText {
		id, err := h.SendText(ctx, to, req.Body)
		if err != nil {
			c.recordFailure(ctx, to, "text", "", err)
			return nil, c.transportError(ctx, err, gen, "send text")
		}
		res.MessageID = id
		c.recordSent(ctx, id, to, "text", "")
	}

	if media != nil {
		id, err := h.SendMedia(ctx, to, *media)
		if err != nil {
			c.recordFailure(ctx, to, "media", media.Filename, err)
			return nil, c.transportError(ctx, err, gen, "send attachment")
		}
		res.MediaID = id
		c.recordSent(ctx, id, to, "media", media.Filename)
	}

	switch {
	case media != nil && hasText:
		res.Message = "Message and PDF sent successfully"
	case media != nil:
		res.Message = "PDF sent successfully"
	default:
		res.Message = "Message sent successfully"
	}

	if req.AwaitAck && res.MessageID != "" {
		waitStart := time.Now()
		if c.acks.wait(ctx, res.MessageID, c.ackTimeout) {
			metrics.AckConfirmed.Inc()
			metrics.AckLatency.ObserveSince(waitStart)
			res.Message = "Message delivered successfully"
		} else {
			metrics.AckTimeouts.Inc()
			c.logger.Warn("delivery not confirmed within ack window",
				"message_id", res.MessageID, "target", to, "window", c.ackTimeout)
			res.Message = "Message sent (delivery confirmation pending)"
			res.Warning = "Delivery was not confirmed"
		}
	}
	return res, nil
}

// transportError classifies a transport failure. A closed session, or a
// handle that was replaced while the call was in flight, is reported to the
// supervisor and surfaces as ErrTransportUnavailable.
func (c *Coordinator) transportError(ctx context.Context, err error, gen uint64, op string) error {
	if ctx.Err() == nil {
		_, cur, lerr := c.session.Lease()
		if domain.IsSessionClosed(err) || lerr != nil || cur != gen {
			c.session.NotifyDisconnected(gen, op+": "+err.Error())
			return fmt.Errorf("%w: %s: %v", domain.ErrTransportUnavailable, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrSendFailed, op, err)
}

func (c *Coordinator) recordSent(ctx context.Context, id, to, kind, attachment string) {
	metrics.MessagesSent(kind).Inc()
	c.logger.Info("message submitted", "message_id", id, "target", to, "kind", kind, "request_id", requestID(ctx))
	c.publish(bus.EventMessageSent, bus.MessageSent{MessageID: id, Recipient: to, Kind: kind})
	c.record(ctx, store.Delivery{
		MessageID:  id,
		RequestID:  requestID(ctx),
		Recipient:  to,
		Kind:       kind,
		Attachment: attachment,
		Ack:        domain.AckPending,
		Status:     store.StatusSent,
	})
}

func (c *Coordinator) recordFailure(ctx context.Context, to, kind, attachment string, err error) {
	c.publish(bus.EventMessageFailed, bus.MessageFailed{Recipient: to, Kind: kind, Error: err.Error()})
	c.record(ctx, store.Delivery{
		RequestID:  requestID(ctx),
		Recipient:  to,
		Kind:       kind,
		Attachment: attachment,
		Ack:        domain.AckError,
		Status:     store.StatusFailed,
		Error:      err.Error(),
	})
}

func (c *Coordinator) record(ctx context.Context, d store.Delivery) {
	if c.journal == nil {
		return
	}
	// The journal is an audit trail; a write failure never fails the send.
	if _, err := c.journal.Record(context.WithoutCancel(ctx), d); err != nil {
		c.logger.Warn("journal write failed", "err", err)
	}
}

func (c *Coordinator) publish(eventType string, data any) {
	if c.bus != nil {
		c.bus.Emit(bus.Event{Type: eventType, Source: "sender", Data: data})
	}
}

// loadMedia reads a PDF attachment. Paths outside the configured roots and
// files without the PDF signature are caller errors.
func (c *Coordinator) loadMedia(path string) (*domain.Media, error) {
	if len(c.roots) > 0 && !c.allowed(path) {
		return nil, fmt.Errorf("%w: attachment path is outside the allowed directories", domain.ErrInvalidRequest)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAttachmentNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrAttachmentNotFound, path, err)
	}
	if !upload.IsPDF(data) {
		return nil, fmt.Errorf("%w: %s is not a PDF document", domain.ErrInvalidRequest, filepath.Base(path))
	}
	return &domain.Media{
		Filename: filepath.Base(path),
		MimeType: pdfMimeType,
		Data:     data,
	}, nil
}

// allowed resolves symlinks so a link inside a root cannot point outside it.
func (c *Coordinator) allowed(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Missing files fall through to the not-found error.
		resolved = abs
		if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
			resolved = filepath.Join(dir, filepath.Base(abs))
		}
	}
	for _, root := range c.roots {
		rel, err := filepath.Rel(root, resolved)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel) {
			return true
		}
	}
	return false
}

func attachmentRoots(dirs []string) []string {
	var roots []string
	for _, d := range dirs {
		if d == "" {
			continue
		}
		abs, err := filepath.Abs(d)
		if err != nil {
			continue
		}
		if r, err := filepath.EvalSymlinks(abs); err == nil {
			abs = r
		}
		roots = append(roots, abs)
	}
	return roots
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, domain.ErrNotReady):
		return "not_ready"
	case errors.Is(err, domain.ErrRecipientUnresolved):
		return "recipient_unresolved"
	case errors.Is(err, domain.ErrAttachmentNotFound):
		return "attachment_not_found"
	case errors.Is(err, domain.ErrTransportUnavailable):
		return "transport_unavailable"
	default:
		return "send_failed"
	}
}
