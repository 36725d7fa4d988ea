package alert

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/sentio/internal/eventbus"
	"go.uber.org/zap"
)

type fakeNotifier struct {
	platform string
	err      error

	mu   sync.Mutex
	sent []Alert
}

func (f *fakeNotifier) Platform() string { return f.platform }

func (f *fakeNotifier) Notify(_ context.Context, a Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, a)
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestSendFansOutAndRecords(t *testing.T) {
	ok := &fakeNotifier{platform: "slack"}
	bad := &fakeNotifier{platform: "discord", err: errors.New("forbidden")}
	d := NewDispatcher(Config{}, zap.NewNop(), ok, bad)

	err := d.Send(context.Background(), Alert{Title: "disk", Message: "full"})
	if err == nil || !strings.Contains(err.Error(), "discord: forbidden") {
		t.Fatalf("err = %v", err)
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Fatalf("deliveries slack=%d discord=%d", ok.count(), bad.count())
	}
	h := d.History(0)
	if len(h) != 1 || strings.Join(h[0].Targets, ",") != "slack" || len(h[0].Errors) != 1 {
		t.Errorf("history = %+v", h)
	}
	if h[0].Alert.Severity != SeverityWarning {
		t.Errorf("severity defaulted to %q", h[0].Alert.Severity)
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	n := &fakeNotifier{platform: "slack"}
	d := NewDispatcher(Config{Cooldown: time.Minute}, zap.NewNop(), n)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	ctx := context.Background()
	if err := d.Send(ctx, Alert{Title: "entropy"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Send(ctx, Alert{Title: "entropy"}); !errors.Is(err, ErrCoolingDown) {
		t.Fatalf("err = %v, want ErrCoolingDown", err)
	}
	if err := d.Send(ctx, Alert{Title: "other"}); err != nil {
		t.Fatalf("distinct title suppressed: %v", err)
	}
	now = now.Add(time.Minute)
	if err := d.Send(ctx, Alert{Title: "entropy"}); err != nil {
		t.Fatalf("still cooling down after window: %v", err)
	}
	if n.count() != 3 {
		t.Errorf("deliveries = %d, want 3", n.count())
	}
}

func TestHistoryIsBounded(t *testing.T) {
	d := NewDispatcher(Config{HistorySize: 3}, zap.NewNop())
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		d.Send(context.Background(), Alert{Title: title})
	}
	h := d.History(0)
	if len(h) != 3 || h[0].Alert.Title != "c" || h[2].Alert.Title != "e" {
		t.Errorf("history = %+v", h)
	}
	if got := d.History(1); len(got) != 1 || got[0].Alert.Title != "e" {
		t.Errorf("History(1) = %+v", got)
	}
}

func TestAttachDeliversHealthAlerts(t *testing.T) {
	n := &fakeNotifier{platform: "slack"}
	d := NewDispatcher(Config{}, zap.NewNop(), n)
	bus := eventbus.New(0, zap.NewNop())
	if _, err := d.Attach(bus); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	bus.Publish(eventbus.HealthAlert, eventbus.HealthAlertPayload{Entropy: 0.9, Threshold: 0.75, Message: "entropy 0.900"})

	deadline := time.Now().Add(time.Second)
	for n.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	d.Wait()

	if n.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", n.count())
	}
	if a := n.sent[0]; a.Severity != SeverityCritical || a.Message != "entropy 0.900" {
		t.Errorf("alert = %+v", a)
	}
}

func TestSlackNotify(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		r.ParseForm()
		got = r.Form.Get("text")
		if r.Form.Get("channel") != "C123" {
			t.Errorf("channel = %q", r.Form.Get("channel"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	s := NewSlack(SlackConfig{BotToken: "xoxb-test", Channel: "C123", APIURL: srv.URL + "/"}, zap.NewNop())
	err := s.Notify(context.Background(), Alert{Title: "entropy", Message: "0.91", Severity: SeverityCritical})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got != "*[critical] entropy*\n0.91" {
		t.Errorf("text = %q", got)
	}
}

func TestSlackNotifyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	s := NewSlack(SlackConfig{Channel: "nope", APIURL: srv.URL + "/"}, zap.NewNop())
	if err := s.Notify(context.Background(), Alert{Title: "x"}); err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("err = %v", err)
	}
}

func TestDiscordContent(t *testing.T) {
	d, err := NewDiscord(DiscordConfig{BotToken: "token", ChannelID: "1"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if d.Platform() != "discord" {
		t.Errorf("platform = %q", d.Platform())
	}
	if got := discordContent(Alert{Title: "t", Message: "m", Severity: SeverityWarning}); got != "**[warning] t**\nm" {
		t.Errorf("content = %q", got)
	}
}
