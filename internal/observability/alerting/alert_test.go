package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "OpenSouk-Chain/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutBroadcastsAndJoinsErrors(t *testing.T) {
	healthy := &recordingNotifier{channel: ChannelSlack}
	broken := &recordingNotifier{channel: ChannelDingTalk, err: errors.New("robot offline")}
	dispatcher := NewFanout(healthy, broken, nil)

	event := Event{
		Source:     "task",
		Code:       xerrors.Code("TASK_RETRIES_EXHAUSTED"),
		Message:    "task failed after retries",
		Severity:   xerrors.SeverityCritical,
		Subject:    "task-42",
		Attempts:   3,
		MaxRetries: 3,
		OccurredAt: time.Now(),
	}
	err := dispatcher.Notify(context.Background(), event)
	if err == nil {
		t.Fatal("expected broken channel error to surface")
	}
	if !strings.Contains(err.Error(), "robot offline") {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(healthy.events) != 1 || len(broken.events) != 1 {
		t.Fatalf("expected both channels to receive the event: %d/%d",
			len(healthy.events), len(broken.events))
	}
	if healthy.events[0].Subject != "task-42" {
		t.Fatalf("unexpected event: %+v", healthy.events[0])
	}
}

func TestUnconfiguredNotifiersSkipQuietly(t *testing.T) {
	ctx := context.Background()
	event := Event{Subject: "record-1"}

	if err := (&EmailNotifier{}).Notify(ctx, event); err != nil {
		t.Fatalf("email skip: %v", err)
	}
	if err := (&DingTalkNotifier{}).Notify(ctx, event); err != nil {
		t.Fatalf("dingtalk skip: %v", err)
	}
	if err := (&SlackNotifier{}).Notify(ctx, event); err != nil {
		t.Fatalf("slack skip: %v", err)
	}
}

func TestDingTalkWebhookSendsSignedText(t *testing.T) {
	var captured struct {
		MsgType string `json:"msgtype"`
		Text    struct {
			Content string `json:"content"`
		} `json:"text"`
	}
	var query string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer server.Close()

	sender := &DingTalkWebhook{URL: server.URL, Secret: "robot-secret"}
	if err := sender.Send(context.Background(), "stock alert"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if captured.MsgType != "text" || captured.Text.Content != "stock alert" {
		t.Fatalf("unexpected payload: %+v", captured)
	}
	if !strings.Contains(query, "timestamp=") || !strings.Contains(query, "sign=") {
		t.Fatalf("expected signed query, got %q", query)
	}
}

func TestDingTalkWebhookSurfacesRobotError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"errcode":310000,"errmsg":"keywords not in content"}`))
	}))
	defer server.Close()

	sender := &DingTalkWebhook{URL: server.URL}
	if err := sender.Send(context.Background(), "plain"); err == nil {
		t.Fatal("expected robot rejection to surface")
	}
}

func TestSlackWebhookPostsChannelAndText(t *testing.T) {
	var captured map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	sender := &SlackWebhook{URL: server.URL}
	if err := sender.Send(context.Background(), "#ops", "cert revoked"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if captured["channel"] != "#ops" || captured["text"] != "cert revoked" {
		t.Fatalf("unexpected payload: %v", captured)
	}
}

func TestWebhookRejectionStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer server.Close()

	sender := &SlackWebhook{URL: server.URL}
	err := sender.Send(context.Background(), "", "oops")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected 403 error, got %v", err)
	}
}
