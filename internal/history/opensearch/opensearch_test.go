package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loykin/deployr/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_index":"test-index","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "test-index")

	event := history.NewEvent(history.EventUpdate, 8080)
	event.AppName = "demo"
	event.AppVersion = "2.0.0"
	event.Outcome = "restarted"
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPut {
		t.Errorf("Expected PUT method, got: %s", receivedMethod)
	}
	if expected := "/test-index/_doc/" + event.ID; receivedURL != expected {
		t.Errorf("Expected URL path %s, got: %s", expected, receivedURL)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(receivedBody, &got); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if got["type"] != string(history.EventUpdate) {
		t.Errorf("Expected type %s, got: %v", history.EventUpdate, got["type"])
	}
	if got["app_version"] != "2.0.0" {
		t.Errorf("Expected app_version 2.0.0, got: %v", got["app_version"])
	}
	if got["port"] != float64(8080) {
		t.Errorf("Expected port 8080, got: %v", got["port"])
	}
	if _, ok := got["error"]; ok {
		t.Errorf("Expected empty error to be omitted, got: %v", got["error"])
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "test-index")
	err := sink.Send(context.Background(), history.NewEvent(history.EventRun, 1))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}

func TestOpenSearchSink_TrailingSlash(t *testing.T) {
	s := New("http://localhost:9200/", "events")
	if s.baseURL != "http://localhost:9200" {
		t.Fatalf("unexpected base url %q", s.baseURL)
	}
}
