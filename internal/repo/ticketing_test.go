package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
)

func testIncident() models.Incident {
	return models.Incident{
		ID:          "INC-123",
		Fingerprint: "abcd1234",
		Status:      models.StatusOpen,
		Severity:    models.SeverityP2,
		Category:    models.CategoryPerformance,
		Description: "CPU saturation on i-0web1",
		CreatedAt:   time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestCreateUnconfiguredReturnsSentinel(t *testing.T) {
	c := NewTicketingClient("", "", "", "", time.Second)
	if _, err := c.Create(context.Background(), testIncident()); !errors.Is(err, ErrTicketingNotConfigured) {
		t.Fatalf("expected ErrTicketingNotConfigured, got %v", err)
	}
}

func TestCreateFilesTicketWithMappedPriority(t *testing.T) {
	var created map[string]any
	c := NewTicketingClient("https://tracker.test", "tok", "OPS", "Incident", time.Second)
	c.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		switch {
		case req.URL.Path == "/rest/api/2/search":
			body := []byte(`{"issues":[]}`)
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
		case req.URL.Path == "/rest/api/2/issue" && req.Method == http.MethodPost:
			if err := json.NewDecoder(req.Body).Decode(&created); err != nil {
				t.Fatalf("decode create payload: %v", err)
			}
			body := []byte(`{"key":"OPS-42"}`)
			return &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
		default:
			t.Fatalf("unexpected request: %s %s", req.Method, req.URL.Path)
			return nil, nil
		}
	}))

	key, err := c.Create(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "OPS-42" {
		t.Fatalf("unexpected ticket key %q", key)
	}

	fields, ok := created["fields"].(map[string]any)
	if !ok {
		t.Fatalf("payload missing fields: %v", created)
	}
	priority, _ := fields["priority"].(map[string]any)
	if priority["name"] != "High" {
		t.Fatalf("P2 must map to High priority, got %v", priority)
	}
	summary, _ := fields["summary"].(string)
	if summary != "[P2] CPU saturation on i-0web1" {
		t.Fatalf("unexpected summary %q", summary)
	}
	labels, _ := fields["labels"].([]any)
	foundID := false
	for _, l := range labels {
		if l == "INC-123" {
			foundID = true
		}
	}
	if !foundID {
		t.Fatalf("ticket labels must carry the incident id: %v", labels)
	}
}

func TestCreateReusesExistingTicket(t *testing.T) {
	var createCalls int
	c := NewTicketingClient("https://tracker.test", "tok", "OPS", "Incident", time.Second)
	c.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		switch {
		case req.URL.Path == "/rest/api/2/search":
			body := []byte(`{"issues":[{"key":"OPS-7"}]}`)
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
		case req.URL.Path == "/rest/api/2/issue":
			createCalls++
			return &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(bytes.NewReader([]byte(`{"key":"OPS-99"}`))), Header: make(http.Header)}, nil
		default:
			t.Fatalf("unexpected request: %s", req.URL.Path)
			return nil, nil
		}
	}))

	key, err := c.Create(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "OPS-7" {
		t.Fatalf("expected existing ticket key, got %q", key)
	}
	if createCalls != 0 {
		t.Fatalf("duplicate ticket filed despite existing one")
	}
}

func TestCloseWalksAvailableTransitions(t *testing.T) {
	var transitioned map[string]any
	c := NewTicketingClient("https://tracker.test", "tok", "OPS", "Incident", time.Second)
	c.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		switch {
		case req.URL.Path == "/rest/api/2/issue/OPS-42/transitions" && req.Method == http.MethodGet:
			body := []byte(`{"transitions":[{"id":"11","name":"In Progress"},{"id":"31","name":"Done"}]}`)
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
		case req.URL.Path == "/rest/api/2/issue/OPS-42/comment":
			return &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(bytes.NewReader([]byte(`{}`))), Header: make(http.Header)}, nil
		case req.URL.Path == "/rest/api/2/issue/OPS-42/transitions" && req.Method == http.MethodPost:
			if err := json.NewDecoder(req.Body).Decode(&transitioned); err != nil {
				t.Fatalf("decode transition payload: %v", err)
			}
			return &http.Response{StatusCode: http.StatusNoContent, Body: io.NopCloser(bytes.NewReader(nil)), Header: make(http.Header)}, nil
		default:
			t.Fatalf("unexpected request: %s %s", req.Method, req.URL.Path)
			return nil, nil
		}
	}))

	if err := c.Close(context.Background(), "OPS-42", "scaled out web tier"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	transition, _ := transitioned["transition"].(map[string]any)
	if transition["id"] != "31" {
		t.Fatalf("expected Done transition, got %v", transitioned)
	}
}

func TestCloseFailsWithoutTerminalTransition(t *testing.T) {
	c := NewTicketingClient("https://tracker.test", "tok", "OPS", "Incident", time.Second)
	c.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		body := []byte(`{"transitions":[{"id":"11","name":"In Progress"}]}`)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
	}))

	if err := c.Close(context.Background(), "OPS-42", ""); err == nil {
		t.Fatalf("expected error when workflow offers no terminal transition")
	}
}

func TestUpdateAddsComment(t *testing.T) {
	var commented string
	c := NewTicketingClient("https://tracker.test", "tok", "OPS", "Incident", time.Second)
	c.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/rest/api/2/issue/OPS-42/comment" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			t.Fatalf("decode comment payload: %v", err)
		}
		commented = payload["body"]
		return &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(bytes.NewReader([]byte(`{}`))), Header: make(http.Header)}, nil
	}))

	if err := c.Update(context.Background(), "OPS-42", "severity raised to P1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if commented != "severity raised to P1" {
		t.Fatalf("unexpected comment body %q", commented)
	}
}
