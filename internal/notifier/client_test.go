package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSendNotification_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/notifications" {
			t.Fatalf("path = %s, want /api/notifications", r.URL.Path)
		}

		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n.UserID != "u1" || n.Title != "Sale!" {
			t.Fatalf("unexpected notification: %+v", n)
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.SendNotification(ctx, Notification{
		UserID:  "u1",
		Title:   "Sale!",
		Body:    "Coins are cheap today",
		CTAText: "Buy",
		CTALink: "/store",
	})
	if err != nil {
		t.Fatalf("SendNotification error: %v", err)
	}
}

func TestSendNotification_ClientErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.SendNotification(ctx, Notification{UserID: "u1", Title: "t"})
	if err == nil {
		t.Fatalf("expected error for 422 response")
	}
}

func TestSendNotification_RetriesServerErrors(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := client.SendNotification(ctx, Notification{UserID: "u1", Title: "t"})
	if err != nil {
		t.Fatalf("SendNotification error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestSendNotification_NotConfigured(t *testing.T) {
	client := NewClient("")

	err := client.SendNotification(context.Background(), Notification{UserID: "u1"})
	if err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}
