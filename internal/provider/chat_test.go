package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"GatherSend/internal/models"
)

func TestChatAPISendTemplate(t *testing.T) {
	var got chatSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sekrit" {
			t.Errorf("auth header = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"message_id": "wamid.42", "status": "sent"})
	}))
	defer srv.Close()

	c := NewChatAPI(srv.URL, "sekrit")
	res, err := c.Send(context.Background(), Request{
		Address:     "+15551234567",
		TemplateRef: "event_invitation",
		Variables:   map[string]string{"guest_name": "Ada"},
		Content:     "Hi Ada",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.ProviderMessageID != "wamid.42" {
		t.Errorf("provider message id = %q", res.ProviderMessageID)
	}
	if res.InitialStatus != models.StatusSent {
		t.Errorf("initial status = %s", res.InitialStatus)
	}
	if got.Template != "event_invitation" || got.Body != "" {
		t.Errorf("template send payload wrong: %+v", got)
	}
}

func TestChatAPISendFreeForm(t *testing.T) {
	var got chatSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"message_id": "wamid.43"})
	}))
	defer srv.Close()

	c := NewChatAPI(srv.URL, "")
	res, err := c.Send(context.Background(), Request{Address: "+15551234567", Content: "see you soon"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Body != "see you soon" || got.Template != "" {
		t.Errorf("free-form payload wrong: %+v", got)
	}
	// no explicit status in the response defaults to sent
	if res.InitialStatus != models.StatusSent {
		t.Errorf("initial status = %s, want sent", res.InitialStatus)
	}
}

func TestChatAPIAcceptedWithUnreadableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html>gateway added this</html>"))
	}))
	defer srv.Close()

	// The provider took the message; surfacing an error here would make
	// the caller retry and deliver it twice.
	res, err := NewChatAPI(srv.URL, "").Send(context.Background(), Request{Address: "+1555", Content: "x"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.InitialStatus != models.StatusSent {
		t.Errorf("initial status = %s, want sent", res.InitialStatus)
	}
	if res.ProviderMessageID != "" {
		t.Errorf("provider message id = %q, want empty when the body is unreadable", res.ProviderMessageID)
	}
}

func TestChatAPIErrorClassification(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.code)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "provider_code", "message": "nope"},
			})
		}))

		_, err := NewChatAPI(srv.URL, "").Send(context.Background(), Request{Address: "+1555", Content: "x"})
		srv.Close()

		var perr *Error
		if !errors.As(err, &perr) {
			t.Fatalf("status %d: got %v, want *Error", tc.code, err)
		}
		if perr.Retryable != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.code, perr.Retryable, tc.retryable)
		}
		if perr.Code != "provider_code" {
			t.Errorf("status %d: code = %q, want provider_code", tc.code, perr.Code)
		}
	}
}

func TestChatAPINetworkErrorIsRetryable(t *testing.T) {
	c := NewChatAPI("http://127.0.0.1:1", "") // nothing listens here

	_, err := c.Send(context.Background(), Request{Address: "+1555", Content: "x"})
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want *Error", err)
	}
	if !perr.Retryable {
		t.Error("connection failures must be retryable")
	}
}

func TestSMTPRejectsInvalidAddressTerminally(t *testing.T) {
	s := &SMTP{Host: "localhost", Port: 1025, From: "invites@example.com"}

	_, err := s.Send(context.Background(), Request{Address: "not-an-address", Content: "hi"})
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want *Error", err)
	}
	if perr.Retryable {
		t.Error("invalid recipient must be terminal")
	}
	if perr.Code != "invalid_recipient" {
		t.Errorf("code = %q, want invalid_recipient", perr.Code)
	}
}
