// Package notify tells the operator about pairing codes and session state
// changes. Pairing codes go only to operator channels, never to HTTP callers.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wagateway/internal/bus"
)

// Alert kinds.
const (
	KindPairing   = "pairing"
	KindReady     = "ready"
	KindLost      = "lost"
	KindExhausted = "exhausted"
)

// Alert is one operator notification.
type Alert struct {
	Kind string
	Text string
	Code string // pairing payload, only for KindPairing
}

// Notifier delivers alerts to one operator channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Notifiers []Notifier
	Timeout   time.Duration // per delivery, default 15s
	Logger    *slog.Logger
}

// Dispatcher turns bus events into alerts and fans them out.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	lastCode string
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		notifiers: cfg.Notifiers,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger.With("component", "notify"),
	}
}

// Subscribe registers the dispatcher on eb.
func (d *Dispatcher) Subscribe(eb *bus.EventBus) {
	eb.On(bus.EventSessionPairing, func(e bus.Event) {
		p, ok := e.Data.(bus.Pairing)
		if !ok || p.Code == "" {
			return
		}
		d.mu.Lock()
		dup := p.Code == d.lastCode
		d.lastCode = p.Code
		d.mu.Unlock()
		if dup {
			return
		}
		d.Dispatch(Alert{Kind: KindPairing, Code: p.Code, Text: "Scan this QR code with WhatsApp (Linked devices) to pair the gateway."})
	})
	eb.On(bus.EventSessionState, func(e bus.Event) {
		sc, ok := e.Data.(bus.StateChange)
		if !ok {
			return
		}
		if a, ok := stateAlert(sc); ok {
			d.Dispatch(a)
		}
	})
}

func stateAlert(sc bus.StateChange) (Alert, bool) {
	switch sc.To {
	case "ready":
		return Alert{Kind: KindReady, Text: "WhatsApp session is ready."}, true
	case "disconnected":
		if sc.Max > 0 && sc.Attempts >= sc.Max {
			return Alert{}, false
		}
		return Alert{Kind: KindLost, Text: fmt.Sprintf("WhatsApp session lost (%s). Reconnect attempt %d of %d scheduled.",
			sc.Reason, sc.Attempts+1, sc.Max)}, true
	case "exhausted":
		return Alert{Kind: KindExhausted, Text: fmt.Sprintf("WhatsApp session could not be recovered after %d attempts. Manual restart required (POST /restart).",
			sc.Max)}, true
	}
	return Alert{}, false
}

// Dispatch delivers a to every notifier concurrently. Failures are logged.
func (d *Dispatcher) Dispatch(a Alert) {
	for _, n := range d.notifiers {
		d.wg.Add(1)
		go func(n Notifier) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := n.Notify(ctx, a); err != nil {
				d.logger.Warn("notification failed", "notifier", n.Name(), "kind", a.Kind, "err", err)
			}
		}(n)
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
