package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/carewatch/alert-engine/internal/domain"
	"github.com/go-resty/resty/v2"
)

func TestBotMessagingAdapterSendSuccess(t *testing.T) {
	t.Parallel()

	var gotBody botMessageRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}

		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":4711}}`))
	}))
	defer server.Close()

	a, err := NewBotMessagingAdapterWithClient(server.URL, resty.New())
	if err != nil {
		t.Fatalf("NewBotMessagingAdapterWithClient() error = %v", err)
	}
	if a.Channel() != domain.ChannelBotMessaging {
		t.Fatalf("Channel() = %s, want %s", a.Channel(), domain.ChannelBotMessaging)
	}

	receipt, err := a.Send(context.Background(), "10001", Message{
		Subject:  "Inactivity alert",
		Body:     "No movement detected for patient P1",
		Severity: domain.SeverityCritical,
	})
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}

	if receipt.ProviderMessageID != "4711" {
		t.Fatalf("ProviderMessageID = %q, want 4711", receipt.ProviderMessageID)
	}
	if gotBody.ChatID != "10001" {
		t.Fatalf("chat_id = %q, want 10001", gotBody.ChatID)
	}
	if gotBody.Text != "Inactivity alert\nNo movement detected for patient P1" {
		t.Fatalf("unexpected text %q", gotBody.Text)
	}
}

func TestBotMessagingAdapterSendTransientFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ok":false,"description":"upstream unavailable"}`))
	}))
	defer server.Close()

	a, err := NewBotMessagingAdapterWithClient(server.URL, resty.New())
	if err != nil {
		t.Fatalf("NewBotMessagingAdapterWithClient() error = %v", err)
	}

	_, err = a.Send(context.Background(), "10001", Message{Body: "hello"})
	if err == nil {
		t.Fatal("Send() expected error")
	}

	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) {
		t.Fatalf("error type = %T, want *AdapterError", err)
	}
	if !adapterErr.Transient {
		t.Fatal("503 should classify as transient")
	}
	if !IsTransient(err) {
		t.Fatal("IsTransient() = false, want true")
	}
}

func TestBotMessagingAdapterSendPermanentRejection(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"description":"bot was blocked by the user"}`))
	}))
	defer server.Close()

	a, err := NewBotMessagingAdapterWithClient(server.URL, resty.New())
	if err != nil {
		t.Fatalf("NewBotMessagingAdapterWithClient() error = %v", err)
	}

	_, err = a.Send(context.Background(), "10001", Message{Body: "hello"})

	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) {
		t.Fatalf("error type = %T, want *AdapterError", err)
	}
	if adapterErr.Transient {
		t.Fatal("403 should classify as permanent")
	}
	if adapterErr.Message != "bot was blocked by the user" {
		t.Fatalf("message = %q, want api description", adapterErr.Message)
	}
}

func TestBotMessagingAdapterSendTimeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	a, err := NewBotMessagingAdapterWithClient(server.URL, resty.New())
	if err != nil {
		t.Fatalf("NewBotMessagingAdapterWithClient() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = a.Send(ctx, "10001", Message{Body: "hello"})
	if err == nil {
		t.Fatal("Send() expected timeout error")
	}
	if !IsTransient(err) {
		t.Fatal("timeout should classify as transient")
	}
}

func TestBotMessagingAdapterSendEmptyChatID(t *testing.T) {
	t.Parallel()

	a, err := NewBotMessagingAdapterWithClient("http://localhost:1/sendMessage", resty.New())
	if err != nil {
		t.Fatalf("NewBotMessagingAdapterWithClient() error = %v", err)
	}

	_, err = a.Send(context.Background(), "  ", Message{Body: "hello"})

	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) {
		t.Fatalf("error type = %T, want *AdapterError", err)
	}
	if adapterErr.Transient {
		t.Fatal("missing chat id should classify as permanent")
	}
}

func TestNewBotMessagingAdapterValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewBotMessagingAdapterWithClient("", resty.New()); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
	if _, err := NewBotMessagingAdapterWithClient("not a url", resty.New()); err == nil {
		t.Fatal("expected error for invalid endpoint")
	}
	if _, err := NewBotMessagingAdapterWithClient("http://localhost/sendMessage", nil); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewBotMessagingAdapter("https://api.example.org", ""); err == nil {
		t.Fatal("expected error for empty token")
	}
}
