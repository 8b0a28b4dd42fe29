package browser

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"wagateway/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestDecodeBinding(t *testing.T) {
	cases := []struct {
		payload string
		want    domain.Event
	}{
		{`{"type":"qr","qr":"2@abc,def"}`, domain.Paired{Code: "2@abc,def"}},
		{`{"type":"ready"}`, domain.Ready{}},
		{`{"type":"disconnected","reason":"CONFLICT"}`, domain.Disconnected{Reason: "CONFLICT"}},
		{`{"type":"auth_failure","message":"restore failed"}`, domain.AuthFailed{Message: "restore failed"}},
		{`{"type":"ack","id":"true_573215450397@c.us_3EB0","ack":2}`, domain.Acked{MessageID: "true_573215450397@c.us_3EB0", Level: domain.AckDevice}},
		{`{"type":"ack","id":"x","ack":-1}`, domain.Acked{MessageID: "x", Level: domain.AckError}},
	}
	for _, tc := range cases {
		got, err := decodeBinding(tc.payload)
		if err != nil {
			t.Errorf("decodeBinding(%s): %v", tc.payload, err)
			continue
		}
		if got != tc.want {
			t.Errorf("decodeBinding(%s) = %#v, want %#v", tc.payload, got, tc.want)
		}
	}
}

func TestDecodeBinding_Rejects(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"type":"qr"}`,
		`{"type":"ack","id":"x"}`,
		`{"type":"ack","ack":2}`,
		`{"type":"battery"}`,
	} {
		if _, err := decodeBinding(payload); err == nil {
			t.Errorf("decodeBinding(%s) should fail", payload)
		}
	}
}

func TestCallExpr_EncodesArguments(t *testing.T) {
	got, err := callExpr("sendText", "573215450397@c.us", "hola \"mundo\"\n")
	if err != nil {
		t.Fatal(err)
	}
	want := `window.__wagw.sendText("573215450397@c.us", "hola \"mundo\"\n")`
	if got != want {
		t.Errorf("callExpr =\n%s\nwant\n%s", got, want)
	}
}

func TestWebClient_CallsBeforeInitializeAreSessionClosed(t *testing.T) {
	c := NewWebClient(Config{Logger: testLogger()}, nil)

	if _, err := c.SendText(context.Background(), "x@c.us", "hi"); !domain.IsSessionClosed(err) {
		t.Errorf("SendText before init: %v", err)
	}
	if _, _, err := c.ResolveRecipient(context.Background(), "57"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("ResolveRecipient before init: %v", err)
	}
}

func TestWebClient_DestroyIsIdempotent(t *testing.T) {
	c := NewWebClient(Config{Logger: testLogger()}, nil)
	for i := 0; i < 2; i++ {
		if err := c.Destroy(context.Background()); err != nil {
			t.Fatalf("Destroy #%d: %v", i+1, err)
		}
	}
	if err := c.Initialize(context.Background()); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("Initialize after Destroy: %v", err)
	}
}

func TestWebClient_WrapMarksClosedContext(t *testing.T) {
	c := NewWebClient(Config{Logger: testLogger()}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	c.ctx = ctx
	cause := errors.New("websocket: close 1006")

	if err := c.wrap(cause); domain.IsSessionClosed(err) {
		t.Fatalf("live context should not be marked closed: %v", err)
	}
	cancel()
	err := c.wrap(cause)
	if !domain.IsSessionClosed(err) || !errors.Is(err, cause) {
		t.Fatalf("closed context should carry ErrSessionClosed and the cause: %v", err)
	}
}

func TestWebClient_LostFiresOnceAndNotAfterDestroy(t *testing.T) {
	var got []domain.Event
	c := NewWebClient(Config{Logger: testLogger()}, func(e domain.Event) { got = append(got, e) })

	c.onTargetEvent(nil)
	c.lost("page crashed")
	c.lost("target detached")
	if len(got) != 1 || got[0] != (domain.Disconnected{Reason: "page crashed"}) {
		t.Fatalf("events: %#v", got)
	}

	d := NewWebClient(Config{Logger: testLogger()}, func(e domain.Event) { got = append(got, e) })
	d.Destroy(context.Background())
	d.lost("browser closed")
	if len(got) != 1 {
		t.Fatal("destroyed client must not report a loss")
	}
}

func TestNewFactory(t *testing.T) {
	f := NewFactory(Config{ProfileDir: t.TempDir(), Logger: testLogger()})
	tr := f(func(domain.Event) {})
	wc, ok := tr.(*WebClient)
	if !ok {
		t.Fatalf("factory returned %T", tr)
	}
	if wc.cfg.URL != DefaultURL || wc.cfg.UserAgent == "" {
		t.Errorf("defaults not applied: %+v", wc.cfg)
	}
}

func TestInjectScript_SendsReportOwnMessageID(t *testing.T) {
	// Taking the newest message in the chat can pick up a concurrent send's
	// id, so ack waits would track the wrong message.
	if strings.Contains(injectScript, "msgs.last()") {
		t.Fatal("send helpers must not take the chat's newest message as their id")
	}
	for _, fn := range []string{"sendText", "sendMedia"} {
		i := strings.Index(injectScript, fn+": async")
		if i < 0 {
			t.Fatalf("%s helper missing", fn)
		}
		body := injectScript[i:]
		if j := strings.Index(body, "},\n"); j > 0 {
			body = body[:j]
		}
		if !strings.Contains(body, "idOf(res)") || !strings.Contains(body, "newOutgoingId(") {
			t.Errorf("%s does not derive its id from its own send: %s", fn, body)
		}
	}
}
