package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func withAPI(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	prev := apiAddr
	apiAddr = srv.URL
	t.Cleanup(func() { apiAddr = prev })
}

func TestAPIPost_SendsJSON(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tasks/t1/claim" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected JSON content type, got %q", ct)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["instance_id"] != "w1" {
			t.Errorf("Expected instance_id w1, got %q", body["instance_id"])
		}
		w.Write([]byte(`{"outcome":"claimed"}`))
	})

	resp, err := apiPost("/tasks/t1/claim", map[string]string{"instance_id": "w1"})
	if err != nil {
		t.Fatalf("apiPost failed: %v", err)
	}
	if !strings.Contains(string(resp), "claimed") {
		t.Errorf("Unexpected body: %s", resp)
	}
}

func TestAPIError_KeepsBody(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"outcome":"already_claimed","holder":"w2"}`))
	})

	resp, err := apiPost("/tasks/t1/claim", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", apiErr.Status)
	}
	if !strings.Contains(string(resp), "w2") {
		t.Errorf("Expected the conflict body to be returned, got %s", resp)
	}
}

func TestAPIError_Message(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("Expected DELETE, got %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) != 0 {
			t.Errorf("Expected empty body, got %s", body)
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"task not found"}`))
	})

	_, err := apiDelete("/tasks/missing")
	if err == nil || err.Error() != "API error (404): task not found" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestCheckHealth_Unhealthy(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(HealthResponse{OK: false, DB: "database is closed", Version: "v1"})
	})

	health, err := CheckHealth()
	if err == nil {
		t.Error("Expected error for 503")
	}
	if health == nil || health.OK || health.Version != "v1" {
		t.Errorf("Expected parsed payload alongside the error, got %+v", health)
	}
}
