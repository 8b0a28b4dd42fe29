// Package browser drives WhatsApp Web in Chrome through chromedp and
// exposes it as a domain.Transport.
package browser

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"wagateway/internal/domain"
)

const (
	DefaultURL       = "https://web.whatsapp.com"
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	bindingName = "__wagwEmit"
	callTimeout = 60 * time.Second
)

//go:embed inject.js
var injectScript string

// Config holds configuration for the browser transport.
type Config struct {
	ProfileDir string // Chrome user data directory; holds the paired session
	ChromePath string // optional explicit Chrome/Chromium binary
	Headless   bool
	URL        string
	UserAgent  string
	Logger     *slog.Logger
}

// WebClient is one Chrome instance running one WhatsApp Web tab.
type WebClient struct {
	cfg    Config
	logger *slog.Logger
	sink   func(domain.Event)

	mu          sync.Mutex
	ctx         context.Context
	cancelTask  context.CancelFunc
	cancelAlloc context.CancelFunc
	destroyed   bool
	lostOnce    sync.Once
}

// NewFactory returns a TransportFactory producing WebClients with cfg.
func NewFactory(cfg Config) domain.TransportFactory {
	return func(sink func(domain.Event)) domain.Transport {
		return NewWebClient(cfg, sink)
	}
}

// NewWebClient creates a client; nothing is launched until Initialize.
func NewWebClient(cfg Config, sink func(domain.Event)) *WebClient {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if sink == nil {
		sink = func(domain.Event) {}
	}
	return &WebClient{cfg: cfg, logger: cfg.Logger.With("component", "browser"), sink: sink}
}

func (c *WebClient) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(c.cfg.ProfileDir),
		chromedp.UserAgent(c.cfg.UserAgent),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-accelerated-2d-canvas", true),
		chromedp.Flag("no-zygote", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if c.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ChromePath))
	}
	if c.cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// Initialize launches Chrome with the persistent profile, installs the
// event binding and page script, and opens WhatsApp Web. Readiness and
// pairing are reported later through the sink.
func (c *WebClient) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.cfg.ProfileDir != "" {
		if err := os.MkdirAll(c.cfg.ProfileDir, 0o700); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return fmt.Errorf("initialize: %w", domain.ErrSessionClosed)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), c.allocatorOptions()...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	c.ctx, c.cancelTask, c.cancelAlloc = taskCtx, taskCancel, allocCancel
	c.mu.Unlock()

	chromedp.ListenTarget(taskCtx, c.onTargetEvent)

	c.logger.Info("launching browser", "profile", c.cfg.ProfileDir, "headless", c.cfg.Headless)
	// The first Run allocates the browser and must use the task context
	// itself; a derived context would tear the browser down when it ends.
	err := chromedp.Run(taskCtx,
		runtime.AddBinding(bindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(injectScript).Do(ctx)
			return err
		}),
		chromedp.Navigate(c.cfg.URL),
	)
	if err != nil {
		return c.wrap(fmt.Errorf("open %s: %w", c.cfg.URL, err))
	}

	go func() {
		<-taskCtx.Done()
		c.lost("browser closed")
	}()
	return nil
}

func (c *WebClient) onTargetEvent(ev any) {
	switch e := ev.(type) {
	case *runtime.EventBindingCalled:
		if e.Name != bindingName {
			return
		}
		evt, err := decodeBinding(e.Payload)
		if err != nil {
			c.logger.Debug("ignoring page event", "err", err)
			return
		}
		if d, ok := evt.(domain.Disconnected); ok {
			c.lost(d.Reason)
			return
		}
		c.sink(evt)
	case *inspector.EventDetached:
		c.lost(fmt.Sprintf("target detached: %v", e.Reason))
	case *inspector.EventTargetCrashed:
		c.lost("page crashed")
	}
}

// lost reports Disconnected at most once per client, and never after Destroy.
func (c *WebClient) lost(reason string) {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return
	}
	c.lostOnce.Do(func() {
		c.logger.Warn("browser session lost", "reason", reason)
		c.sink(domain.Disconnected{Reason: reason})
	})
}

// bindingEvent is the JSON the page script hands to the binding.
type bindingEvent struct {
	Type    string `json:"type"`
	QR      string `json:"qr,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	ID      string `json:"id,omitempty"`
	Ack     *int   `json:"ack,omitempty"`
}

func decodeBinding(payload string) (domain.Event, error) {
	var be bindingEvent
	if err := json.Unmarshal([]byte(payload), &be); err != nil {
		return nil, fmt.Errorf("decode binding payload: %w", err)
	}
	switch be.Type {
	case "qr":
		if be.QR == "" {
			return nil, errors.New("qr event without code")
		}
		return domain.Paired{Code: be.QR}, nil
	case "ready":
		return domain.Ready{}, nil
	case "disconnected":
		return domain.Disconnected{Reason: be.Reason}, nil
	case "auth_failure":
		return domain.AuthFailed{Message: be.Message}, nil
	case "ack":
		if be.ID == "" || be.Ack == nil {
			return nil, errors.New("ack event without id or level")
		}
		return domain.Acked{MessageID: be.ID, Level: domain.AckLevel(*be.Ack)}, nil
	}
	return nil, fmt.Errorf("unknown page event %q", be.Type)
}

// ResolveRecipient asks WhatsApp whether user (digits) has an account.
func (c *WebClient) ResolveRecipient(ctx context.Context, user string) (string, bool, error) {
	var wid string
	if err := c.call(ctx, &wid, "resolve", user); err != nil {
		return "", false, err
	}
	return wid, wid != "", nil
}

// SendText sends body to the canonical address to.
func (c *WebClient) SendText(ctx context.Context, to, body string) (string, error) {
	var id string
	if err := c.call(ctx, &id, "sendText", to, body); err != nil {
		return "", err
	}
	return id, nil
}

// SendMedia sends m as a document to the canonical address to.
func (c *WebClient) SendMedia(ctx context.Context, to string, m domain.Media) (string, error) {
	var id string
	b64 := base64.StdEncoding.EncodeToString(m.Data)
	if err := c.call(ctx, &id, "sendMedia", to, b64, m.MimeType, m.Filename, m.Caption); err != nil {
		return "", err
	}
	return id, nil
}

// Destroy closes the browser. Safe to call more than once.
func (c *WebClient) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	taskCtx, cancelTask, cancelAlloc := c.ctx, c.cancelTask, c.cancelAlloc
	c.mu.Unlock()

	if taskCtx == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(taskCtx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancelTask()
	cancelAlloc()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// call evaluates window.__wagw[fn](args...) and awaits the returned promise.
func (c *WebClient) call(ctx context.Context, out any, fn string, args ...any) error {
	c.mu.Lock()
	taskCtx, destroyed := c.ctx, c.destroyed
	c.mu.Unlock()
	if taskCtx == nil || destroyed {
		return fmt.Errorf("%s: %w", fn, domain.ErrSessionClosed)
	}

	expr, err := callExpr(fn, args...)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(taskCtx, callTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err = chromedp.Run(runCtx, chromedp.Evaluate(expr, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return c.wrap(fmt.Errorf("%s: %w", fn, err))
	}
	return nil
}

// wrap marks err as a closed-session error once the tab is gone.
func (c *WebClient) wrap(err error) error {
	c.mu.Lock()
	taskCtx := c.ctx
	c.mu.Unlock()
	if taskCtx != nil && taskCtx.Err() != nil && !domain.IsSessionClosed(err) {
		return fmt.Errorf("%w: %w", domain.ErrSessionClosed, err)
	}
	return err
}

func callExpr(fn string, args ...any) (string, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("encode argument %d of %s: %w", i, fn, err)
		}
		parts[i] = string(b)
	}
	return fmt.Sprintf("window.__wagw.%s(%s)", fn, strings.Join(parts, ", ")), nil
}
