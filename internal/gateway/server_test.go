package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wagateway/internal/bus"
	"wagateway/internal/domain"
	"wagateway/internal/metrics"
	"wagateway/internal/session"
	"wagateway/internal/store"
	"wagateway/internal/upload"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeSender struct {
	mu   sync.Mutex
	reqs []domain.SendRequest
	// attachment contents observed at send time
	files [][]byte
	res   *domain.SendResult
	err   error
}

func (f *fakeSender) Send(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if req.AttachmentPath != "" {
		data, _ := os.ReadFile(req.AttachmentPath)
		f.files = append(f.files, data)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &domain.SendResult{Success: true, Message: "Message sent successfully", Target: req.Target}, nil
}

func (f *fakeSender) calls() []domain.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SendRequest(nil), f.reqs...)
}

type fakeControl struct {
	status   session.StatusReport
	restarts int
	fail     bool
}

func (f *fakeControl) Status() session.StatusReport { return f.status }

func (f *fakeControl) Restart(ctx context.Context) session.RestartResult {
	f.restarts++
	if f.fail {
		return session.RestartResult{Success: false, Message: "restart failed: boom"}
	}
	return session.RestartResult{Success: true, Message: "WhatsApp client restart initiated"}
}

type fakeJournal struct {
	rows  []store.Delivery
	limit int
}

func (f *fakeJournal) Recent(ctx context.Context, limit int) ([]store.Delivery, error) {
	f.limit = limit
	return f.rows, nil
}

type fixture struct {
	srv     *Server
	sender  *fakeSender
	control *fakeControl
	uploads *upload.Store
	bus     *bus.EventBus
	handler http.Handler
}

func newFixture(t *testing.T, mod func(*ServerConfig)) *fixture {
	t.Helper()
	logger := testLogger()
	uploads, err := upload.NewStore(upload.StoreConfig{Dir: t.TempDir(), MaxSizeBytes: 1 << 16, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		sender: &fakeSender{},
		control: &fakeControl{status: session.StatusReport{
			Success: true, IsReady: true, State: session.StateReady,
		}},
		uploads: uploads,
		bus:     bus.NewEventBus(logger),
	}
	cfg := ServerConfig{
		Sender:  f.sender,
		Control: f.control,
		Uploads: uploads,
		Bus:     f.bus,
		Logger:  logger,
	}
	if mod != nil {
		mod(&cfg)
	}
	f.srv = NewServer(cfg)
	t.Cleanup(f.srv.Close)
	f.handler = f.srv.Handler()
	return f
}

func (f *fixture) do(method, path, contentType string, body []byte, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func pdfFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "invoice.pdf")
	if err := os.WriteFile(p, []byte("%PDF-1.4 test"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// --- /send-message ---

func TestSendMessage_TrimsAndAwaitsAck(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do("POST", "/api/send-message", "application/json",
		[]byte(`{"target": "3215450397", "message": "  hello  "}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	calls := f.sender.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 send, got %d", len(calls))
	}
	if calls[0].Body != "hello" {
		t.Errorf("message not trimmed: %q", calls[0].Body)
	}
	if !calls[0].AwaitAck {
		t.Error("send-message must await the delivery ack")
	}
	if m := decode(t, rec); m["success"] != true {
		t.Errorf("expected success, got %v", m)
	}
}

func TestSendMessage_NumericTarget(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do("POST", "/api/send-message", "application/json",
		[]byte(`{"target": 573215450397, "message": "hi"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := f.sender.calls()[0].Target; got != "573215450397" {
		t.Fatalf("expected numeric target as string, got %q", got)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	cases := map[string]string{
		"missing target":  `{"message": "hi"}`,
		"missing message": `{"target": "123"}`,
		"blank message":   `{"target": "123", "message": "   "}`,
		"invalid json":    `{"target":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			rec := f.do("POST", "/api/send-message", "application/json", []byte(body))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			m := decode(t, rec)
			if m["success"] != false || m["message"] == "" {
				t.Fatalf("unexpected body: %v", m)
			}
			if n := len(f.sender.calls()); n != 0 {
				t.Fatalf("expected no send, got %d", n)
			}
		})
	}
}

func TestSendMessage_AckWarningPassedThrough(t *testing.T) {
	f := newFixture(t, nil)
	f.sender.res = &domain.SendResult{
		Success: true,
		Message: "Message sent (delivery confirmation pending)",
		Warning: "Delivery was not confirmed",
	}
	rec := f.do("POST", "/api/send-message", "application/json", []byte(`{"target": "1", "message": "x"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if m := decode(t, rec); m["warning"] != "Delivery was not confirmed" {
		t.Fatalf("expected warning in body, got %v", m)
	}
}

// --- error mapping ---

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: a destination is required", domain.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("%w: 573000000000", domain.ErrRecipientUnresolved), http.StatusBadRequest},
		{fmt.Errorf("%w: /nope.pdf", domain.ErrAttachmentNotFound), http.StatusBadRequest},
		{domain.ErrNotReady, http.StatusInternalServerError},
		{fmt.Errorf("%w: send text: x", domain.ErrTransportUnavailable), http.StatusInternalServerError},
		{fmt.Errorf("%w: send text: %w", domain.ErrSendFailed, errors.New("evaluation failed")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f := newFixture(t, nil)
		f.sender.err = tc.err
		rec := f.do("POST", "/api/send-message", "application/json", []byte(`{"target": "1", "message": "x"}`))
		if rec.Code != tc.code {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
			continue
		}
		m := decode(t, rec)
		if m["success"] != false || m["message"] != tc.err.Error() {
			t.Errorf("%v: unexpected body %v", tc.err, m)
		}
	}
}

// --- /send ---

func TestSend_JSONWithFilePath(t *testing.T) {
	f := newFixture(t, nil)
	path := pdfFile(t)
	body, _ := json.Marshal(map[string]string{"phone": "3215450397", "message": "see attached", "filePath": path})
	rec := f.do("POST", "/api/send", "application/json", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	c := f.sender.calls()[0]
	if c.Target != "3215450397" || c.AttachmentPath != path || c.AwaitAck {
		t.Fatalf("unexpected request: %+v", c)
	}
}

func TestSend_TargetWinsOverPhone(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do("POST", "/api/send", "application/json", []byte(`{"target": "111", "phone": "222", "message": "x"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := f.sender.calls()[0].Target; got != "111" {
		t.Fatalf("expected target field, got %q", got)
	}
}

func TestSend_FormEncoded(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do("POST", "/api/send", "application/x-www-form-urlencoded", []byte("phone=3001234567&message=hola"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	c := f.sender.calls()[0]
	if c.Target != "3001234567" || c.Body != "hola" {
		t.Fatalf("unexpected request: %+v", c)
	}
}

func multipartBody(t *testing.T, fields map[string]string, fileField, fileName, fileType string, content []byte) (string, []byte) {
	t.Helper()
	buf := &bytes.Buffer{}
	mp := multipart.NewWriter(buf)
	for k, v := range fields {
		mp.WriteField(k, v)
	}
	if fileField != "" {
		part, err := mp.CreatePart(map[string][]string{
			"Content-Disposition": {fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, fileName)},
			"Content-Type":        {fileType},
		})
		if err != nil {
			t.Fatal(err)
		}
		part.Write(content)
	}
	mp.Close()
	return mp.FormDataContentType(), buf.Bytes()
}

func TestSend_MultipartPDF(t *testing.T) {
	f := newFixture(t, nil)
	ct, body := multipartBody(t, map[string]string{"phone": "3215450397", "message": "factura"},
		"pdf", "factura.pdf", "application/pdf", []byte("%PDF-1.7 hello"))

	rec := f.do("POST", "/api/send", ct, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	calls := f.sender.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 send, got %d", len(calls))
	}
	if !strings.HasPrefix(calls[0].AttachmentPath, f.uploads.Dir()) {
		t.Fatalf("attachment not stored in upload dir: %q", calls[0].AttachmentPath)
	}
	if !bytes.Equal(f.sender.files[0], []byte("%PDF-1.7 hello")) {
		t.Fatalf("stored content mismatch: %q", f.sender.files[0])
	}
}

func TestSend_MultipartFileFieldAlias(t *testing.T) {
	f := newFixture(t, nil)
	ct, body := multipartBody(t, map[string]string{"target": "1"}, "file", "a.pdf", "application/pdf", []byte("%PDF-1"))
	rec := f.do("POST", "/api/send", ct, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.sender.calls()[0].AttachmentPath == "" {
		t.Fatal("expected attachment from the file field")
	}
}

func TestSend_MultipartRejectsNonPDF(t *testing.T) {
	f := newFixture(t, nil)
	ct, body := multipartBody(t, map[string]string{"phone": "1"}, "pdf", "notes.txt", "text/plain", []byte("hello"))
	rec := f.do("POST", "/api/send", ct, body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.sender.calls()) != 0 {
		t.Fatal("expected no send for rejected upload")
	}
}

func TestSend_MultipartTooLarge(t *testing.T) {
	f := newFixture(t, nil)
	big := append([]byte("%PDF-"), bytes.Repeat([]byte("x"), 1<<17)...)
	ct, body := multipartBody(t, map[string]string{"phone": "1"}, "pdf", "big.pdf", "application/pdf", big)
	rec := f.do("POST", "/api/send", ct, body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	entries, _ := os.ReadDir(f.uploads.Dir())
	if len(entries) != 0 {
		t.Fatalf("expected no leftover upload, found %d", len(entries))
	}
}

func TestSend_FailedSendRemovesUpload(t *testing.T) {
	f := newFixture(t, nil)
	f.sender.err = domain.ErrNotReady
	ct, body := multipartBody(t, map[string]string{"phone": "1"}, "pdf", "a.pdf", "application/pdf", []byte("%PDF-1"))
	rec := f.do("POST", "/api/send", ct, body)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	entries, _ := os.ReadDir(f.uploads.Dir())
	if len(entries) != 0 {
		t.Fatalf("expected upload removed after failed send, found %d", len(entries))
	}
}

// --- /send-with-path ---

func TestSendWithPath(t *testing.T) {
	f := newFixture(t, nil)
	path := pdfFile(t)
	body, _ := json.Marshal(map[string]string{"phone": "1", "pdfPath": path})
	rec := f.do("POST", "/api/send-with-path", "application/json", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := f.sender.calls()[0].AttachmentPath; got != path {
		t.Fatalf("expected %q, got %q", path, got)
	}
}

func TestSendWithPath_MissingFile(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do("POST", "/api/send-with-path", "application/json",
		[]byte(`{"phone": "1", "pdfPath": "/definitely/not/here.pdf"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(decode(t, rec)["message"].(string), "/definitely/not/here.pdf") {
		t.Fatal("expected path in error message")
	}
	if len(f.sender.calls()) != 0 {
		t.Fatal("expected no send")
	}
}

func TestSendWithPath_RequiresPhoneAndContent(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do("POST", "/api/send-with-path", "application/json", []byte(`{"message": "x"}`)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without phone, got %d", rec.Code)
	}
	if rec := f.do("POST", "/api/send-with-path", "application/json", []byte(`{"phone": "1"}`)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without content, got %d", rec.Code)
	}
}

// --- /status, /restart ---

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.control.status = session.StatusReport{Success: true, IsReady: false, ReconnectAttempts: 3, State: session.StateDisconnected}
	rec := f.do("GET", "/api/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	m := decode(t, rec)
	if m["success"] != true || m["isReady"] != false || m["reconnectAttempts"] != float64(3) || m["state"] != "disconnected" {
		t.Fatalf("unexpected status body: %v", m)
	}
}

func TestRestart(t *testing.T) {
	f := newFixture(t, nil)
	before := metrics.SessionRestarts.Value()
	rec := f.do("POST", "/api/restart", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	m := decode(t, rec)
	if m["success"] != true || m["message"] != "WhatsApp client restart initiated" {
		t.Fatalf("unexpected body: %v", m)
	}
	if f.control.restarts != 1 {
		t.Fatalf("expected 1 restart, got %d", f.control.restarts)
	}
	if metrics.SessionRestarts.Value() != before+1 {
		t.Fatal("restart counter not incremented")
	}
}

func TestRestart_Failure(t *testing.T) {
	f := newFixture(t, nil)
	f.control.fail = true
	rec := f.do("POST", "/api/restart", "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

// --- /messages ---

func TestMessages_JournalDisabled(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do("GET", "/api/messages", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMessages_Recent(t *testing.T) {
	j := &fakeJournal{rows: []store.Delivery{{MessageID: "m1", Recipient: "1@c.us", Kind: "text", Status: store.StatusSent}}}
	f := newFixture(t, func(c *ServerConfig) { c.Journal = j })

	rec := f.do("GET", "/api/messages?limit=5", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if j.limit != 5 {
		t.Fatalf("expected limit 5, got %d", j.limit)
	}
	m := decode(t, rec)
	if m["count"] != float64(1) {
		t.Fatalf("unexpected body: %v", m)
	}

	if rec := f.do("GET", "/api/messages?limit=-1", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

// --- middleware ---

func TestAPIKey(t *testing.T) {
	f := newFixture(t, func(c *ServerConfig) { c.APIKey = "s3cret" })
	body := []byte(`{"target": "1", "message": "x"}`)

	if rec := f.do("POST", "/api/send-message", "application/json", body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	if rec := f.do("POST", "/api/send-message", "application/json", body, "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}
	if rec := f.do("POST", "/api/send-message", "application/json", body, "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer key, got %d", rec.Code)
	}
	if rec := f.do("POST", "/api/send-message", "application/json", body, "X-API-Key", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with X-API-Key, got %d", rec.Code)
	}
	if rec := f.do("GET", "/api/status", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("status must stay public, got %d", rec.Code)
	}
}

func TestRequestID(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do("GET", "/api/status", "", nil)
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected generated request id")
	}
	rec = f.do("GET", "/api/status", "", nil, requestIDHeader, "abc-123")
	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("expected propagated request id, got %q", got)
	}
}

type panicSender struct{}

func (panicSender) Send(context.Context, domain.SendRequest) (*domain.SendResult, error) {
	panic("boom")
}

func TestRecover(t *testing.T) {
	f := newFixture(t, func(c *ServerConfig) { c.Sender = panicSender{} })
	rec := f.do("POST", "/api/send-message", "application/json", []byte(`{"target": "1", "message": "x"}`))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if m := decode(t, rec); m["success"] != false {
		t.Fatalf("unexpected body: %v", m)
	}
}

func TestBasePathAndMetrics(t *testing.T) {
	f := newFixture(t, func(c *ServerConfig) {
		c.BasePath = "/wa/"
		c.Metrics = metrics.NewMetricsCollector()
	})
	if rec := f.do("GET", "/wa/status", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected status under custom base path, got %d", rec.Code)
	}
	if rec := f.do("GET", "/api/status", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 under default base path, got %d", rec.Code)
	}
	rec := f.do("GET", "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "wagw_uptime_seconds") {
		t.Fatalf("expected metrics output, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsDisabled(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do("GET", "/metrics", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when metrics are off, got %d", rec.Code)
	}
}

// --- /events ---

func dialEvents(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) bus.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev bus.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return ev
}

func TestEvents_StreamsStateAndAckButNotPairing(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialEvents(t, f)

	if ev := readEvent(t, conn); ev.Type != EventStatusSnapshot {
		t.Fatalf("expected status snapshot first, got %q", ev.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.srv.hub.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	f.bus.Emit(bus.Event{Type: bus.EventSessionPairing, Data: bus.Pairing{Code: "secret-code"}})
	f.bus.Emit(bus.Event{Type: bus.EventSessionState, Data: bus.StateChange{From: "initializing", To: "ready"}})
	f.bus.Emit(bus.Event{Type: bus.EventMessageAck, Data: bus.AckUpdate{MessageID: "m1", Level: domain.AckDevice}})

	if ev := readEvent(t, conn); ev.Type != bus.EventSessionState {
		t.Fatalf("expected state event, got %q", ev.Type)
	}
	if ev := readEvent(t, conn); ev.Type != bus.EventMessageAck {
		t.Fatalf("expected ack event, got %q", ev.Type)
	}
}

func TestEvents_RequiresKey(t *testing.T) {
	f := newFixture(t, func(c *ServerConfig) { c.APIKey = "k" })
	ts := httptest.NewServer(f.handler)
	defer ts.Close()
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	if err == nil {
		t.Fatal("expected dial to fail without key")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(base+"?token=k", nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close()
}
